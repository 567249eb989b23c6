// Package networkmgr implements the node's network manager: see
// manager.go for the operation set, ipam for address/VLAN allocation, and
// dnszone for the served name resolution zone.
package networkmgr
