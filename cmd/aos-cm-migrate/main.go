// Command aos-cm-migrate repairs a store file created by a release that
// keyed the storage_state bucket by ItemID alone, which collided whenever
// two subjects or instance numbers shared an ItemID. It rekeys every row
// under the current ItemID/SubjectID/Instance composite key.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/aos-cm", "aos-cm working directory")
	dryRun     = flag.Bool("dry-run", false, "report what would change without writing anything")
	backupPath = flag.String("backup", "", "path to back up the database before migrating (default: <data-dir>/store.db.backup)")
)

var bucketStorageState = []byte("storage_state")

// legacyStorageStateInfo mirrors the fields a pre-migration row carries;
// only Ident and the bytes needed to recompute the new key are read back.
type legacyStorageStateInfo struct {
	Ident struct {
		ItemID    string
		SubjectID string
		Instance  uint64
	}
}

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("aos-cm store migration: storage_state key repair")
	log.Println("=================================================")

	dbPath := filepath.Join(*dataDir, "store.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("store not found at %s", dbPath)
	}

	log.Printf("store: %s", dbPath)
	log.Printf("dry run: %v", *dryRun)

	if !*dryRun {
		backup := *backupPath
		if backup == "" {
			backup = dbPath + ".backup"
		}
		log.Printf("creating backup: %s", backup)
		if err := copyFile(dbPath, backup); err != nil {
			log.Fatalf("failed to create backup: %v", err)
		}
		log.Println("backup created")
	}

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer db.Close()

	if err := migrateStorageStateKeys(db, *dryRun); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	if *dryRun {
		log.Println("dry run complete, no changes made")
	} else {
		log.Println("migration complete")
	}
}

func migrateStorageStateKeys(db *bolt.DB, dryRun bool) error {
	type rewrite struct {
		oldKey []byte
		newKey []byte
		value  []byte
	}
	var rewrites []rewrite

	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStorageState)
		if b == nil {
			log.Println("no storage_state bucket found, nothing to do")
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var st legacyStorageStateInfo
			if err := json.Unmarshal(v, &st); err != nil {
				return fmt.Errorf("decode row %q: %w", k, err)
			}
			want := fmt.Sprintf("%s/%s/%d", st.Ident.ItemID, st.Ident.SubjectID, st.Ident.Instance)
			if string(k) == want {
				return nil
			}
			rewrites = append(rewrites, rewrite{
				oldKey: append([]byte(nil), k...),
				newKey: []byte(want),
				value:  append([]byte(nil), v...),
			})
			return nil
		})
	})
	if err != nil {
		return err
	}

	log.Printf("found %d row(s) needing a key rewrite", len(rewrites))
	for _, r := range rewrites {
		log.Printf("  %q -> %q", r.oldKey, r.newKey)
	}

	if dryRun || len(rewrites) == 0 {
		return nil
	}

	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStorageState)
		for _, r := range rewrites {
			if b.Get(r.newKey) != nil {
				return fmt.Errorf("rewrite target %q already occupied", r.newKey)
			}
			if err := b.Put(r.newKey, r.value); err != nil {
				return err
			}
			if err := b.Delete(r.oldKey); err != nil {
				return err
			}
		}
		return nil
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
