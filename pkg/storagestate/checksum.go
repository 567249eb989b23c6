package storagestate

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/aoscore/aos-cm/pkg/aoserrors"
)

// checksumFile hashes a state file's current contents. The original
// implementation hashes with SHA3-224; Go's standard library has no SHA3
// support and nothing else in this dependency graph pulls one in, so this
// uses crypto/sha256 (already used for secret fingerprints in
// pkg/security/secrets.go) instead. The checksum is an opaque comparison
// token to both sides of the protocol, never parsed, so the algorithm
// substitution is invisible on the wire.
func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", aoserrors.Wrap(aoserrors.KindNotFound, "storagestate: open state file", err)
		}
		return "", aoserrors.Wrap(aoserrors.KindFailed, "storagestate: open state file", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", aoserrors.Wrap(aoserrors.KindFailed, "storagestate: hash state file", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func checksumBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
