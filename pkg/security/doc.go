/*
Package security provides the cryptographic primitives the communication
manager needs to act as an mTLS client: a NodeCertManager holding the
node's IAM-issued identity certificate and trust anchors, file persistence
for that certificate under the node's data directory, and AES-256-GCM
helpers for protecting the node private key and the provisioning password
at rest.

Unlike a cluster-internal certificate authority, this package never signs
a certificate: every identity certificate and trust anchor this node
holds was handed to it by IAM through StartProvisioning/ApplyCert.
NodeCertManager's job is storing that material safely, tracking when it
is close enough to expiry to need replacing, and producing the
tls.Config consumed by the cloud transport and the SM channel server.
The IAM client dials without TLS and does not use it.

# Usage

	mgr := security.NewNodeCertManager(certDir)
	if ok, err := mgr.LoadFromDisk(); err != nil {
		return err
	} else if !ok {
		// unprovisioned: wait for StartProvisioning to deliver a certificate
	}

	if mgr.NeedsRotation() {
		// ask IAM for a replacement via ApplyCert
	}

	cfg, err := mgr.ClientTLSConfig()
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(credentials.NewTLS(cfg)))

Encrypting the node private key before it touches disk:

	key := security.DeriveKeyFromProvisioningPassword(password)
	_ = security.SetLocalEncryptionKey(key)
	encrypted, err := security.Encrypt(keyDER)
*/
package security
