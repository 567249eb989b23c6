package storagestate

import (
	"fmt"
	"os/exec"
	"strconv"

	"github.com/aoscore/aos-cm/pkg/aoserrors"
	"github.com/aoscore/aos-cm/pkg/log"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// samePartition reports whether two paths resolve to the same block
// device, the same comparison the original fsplatform helper makes via
// stat(2)'s st_dev before deciding between one combined quota and two
// independent ones.
func samePartition(a, b string) (bool, error) {
	var sa, sb unix.Stat_t
	if err := unix.Stat(a, &sa); err != nil {
		return false, aoserrors.Wrap(aoserrors.KindFailed, "storagestate: stat "+a, err)
	}
	if err := unix.Stat(b, &sb); err != nil {
		return false, aoserrors.Wrap(aoserrors.KindFailed, "storagestate: stat "+b, err)
	}
	return sa.Dev == sb.Dev, nil
}

// blockDeviceFor resolves the source device backing path, by matching its
// major:minor pair (from stat) against /proc/self/mountinfo entries. The
// result is what quota tooling expects in place of a directory path.
func blockDeviceFor(path string) (string, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return "", aoserrors.Wrap(aoserrors.KindFailed, "storagestate: stat "+path, err)
	}

	major := unix.Major(uint64(st.Dev))
	minor := unix.Minor(uint64(st.Dev))

	mounts, err := mountinfo.GetMounts(func(*mountinfo.Info) (bool, bool) { return false, false })
	if err != nil {
		return "", aoserrors.Wrap(aoserrors.KindFailed, "storagestate: read mount table", err)
	}

	for _, m := range mounts {
		if uint32(m.Major) == major && uint32(m.Minor) == minor {
			return m.Source, nil
		}
	}

	return "", aoserrors.New(aoserrors.KindNotFound, "storagestate: no mount entry for "+path)
}

// QuotaEnforcer applies a user block-count quota on the filesystem backing
// a path. Setup calls it once per (re)quota computation.
type QuotaEnforcer interface {
	SetUserQuota(path string, uid int, quotaBytes uint64) error
}

// execQuotaEnforcer shells out to setquota(8), the same pattern used
// elsewhere in this codebase for host operations with no stable
// Go-native syscall surface. Linux disk quotas are set in 1K-block
// units; soft and hard limits are both set to quotaBytes.
type execQuotaEnforcer struct{}

// NewQuotaEnforcer returns the production QuotaEnforcer.
func NewQuotaEnforcer() QuotaEnforcer {
	return execQuotaEnforcer{}
}

func (execQuotaEnforcer) SetUserQuota(path string, uid int, quotaBytes uint64) error {
	device, err := blockDeviceFor(path)
	if err != nil {
		return err
	}

	blocks := strconv.FormatUint((quotaBytes+1023)/1024, 10)
	cmd := exec.Command("setquota", "-u", strconv.Itoa(uid), blocks, blocks, "0", "0", device)
	if out, err := cmd.CombinedOutput(); err != nil {
		return aoserrors.Wrap(aoserrors.KindFailed, fmt.Sprintf("storagestate: setquota %s: %s", device, out), err)
	}

	return nil
}

// noopQuotaEnforcer skips enforcement entirely; New falls back to it when
// it is given a nil QuotaEnforcer.
type noopQuotaEnforcer struct{}

func (noopQuotaEnforcer) SetUserQuota(string, int, uint64) error { return nil }

func logQuotaFailure(path string, err error) {
	log.Warn(fmt.Sprintf("storagestate: quota enforcement failed for %s: %v", path, err))
}
