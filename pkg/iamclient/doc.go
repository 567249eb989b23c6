/*
Package iamclient implements the communication manager's streaming
client to the local identity agent (IAM).

One Client owns a single transport.Stream to IAM. Two kinds of traffic
share it: requests the node makes of IAM (GetSystemInfo, GetSubjects,
GetCert), matched to their response by correlation ID, and provisioning
commands IAM makes of the node (StartProvisioning, FinishProvisioning,
Deprovision, PauseNode, ResumeNode, CreateKey, ApplyCert,
GetCertTypes), each answered on the same stream.

The node's provisioning state (unprovisioned/provisioned/paused) is
persisted to a one-line state file before being published to
subscribers, so no subscriber is ever told of a state that is not
already on disk.
*/
package iamclient
