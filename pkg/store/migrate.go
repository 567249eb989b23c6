package store

import (
	"encoding/binary"
	"fmt"

	"github.com/aoscore/aos-cm/pkg/aoserrors"
	"github.com/aoscore/aos-cm/pkg/log"
	bolt "go.etcd.io/bbolt"
)

// currentSchemaVersion is bumped whenever a migration func is appended to
// migrations. Open refuses to run against a database whose stored version
// is newer than this binary knows about.
const currentSchemaVersion = 1

// migrations holds one forward step per schema version, indexed from 0.
// migrations[i] transforms a database at version i into version i+1.
var migrations = []func(tx *bolt.Tx) error{
	// v0 -> v1: no-op, bucket creation in Open already covers a fresh
	// database. Kept as an explicit placeholder so the next real
	// migration has a pattern to follow.
	func(tx *bolt.Tx) error { return nil },
}

func (s *BoltStore) migrate() error {
	var stored uint64

	if err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get([]byte(keySchemaVersion))
		if v != nil {
			stored = binary.BigEndian.Uint64(v)
		}
		return nil
	}); err != nil {
		return err
	}

	if stored > currentSchemaVersion {
		return aoserrors.New(aoserrors.KindRuntime, fmt.Sprintf("database schema v%d is newer than this binary (v%d)", stored, currentSchemaVersion))
	}

	for v := stored; v < currentSchemaVersion; v++ {
		step := migrations[v]
		if err := s.db.Update(func(tx *bolt.Tx) error {
			if err := step(tx); err != nil {
				return err
			}
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, v+1)
			return tx.Bucket(bucketMeta).Put([]byte(keySchemaVersion), buf)
		}); err != nil {
			return err
		}
		log.Info(fmt.Sprintf("applied store migration v%d -> v%d", v, v+1))
	}

	return nil
}
