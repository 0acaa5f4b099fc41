package chainreg

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/rubin-infernode/node/internal/errs"
)

// CursorStore persists, per chain, the next block the reconciler has not
// yet queried. Grounded on the bucket/transaction pattern in
// 2tbmz9y2xt-lang-rubin-protocol's clients/go/node/store package: one
// bolt.DB, one bucket, fixed-width binary values read/written inside
// View/Update closures.
type CursorStore struct {
	db *bolt.DB
}

var cursorBucket = []byte("chainreg_cursors")

// OpenCursorStore opens (creating if absent) a bbolt database at path and
// ensures the cursor bucket exists.
func OpenCursorStore(path string) (*CursorStore, error) {
	const op = "chainreg.OpenCursorStore"
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageUnavailable, op, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cursorBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindStorageUnavailable, op, err)
	}
	return &CursorStore{db: db}, nil
}

func (s *CursorStore) Close() error { return s.db.Close() }

func cursorKey(chainID uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], chainID)
	return k[:]
}

// Load returns the next-block cursor for chainID, or 0 if none is stored
// yet (reconciler starts from genesis).
func (s *CursorStore) Load(chainID uint64) (uint64, error) {
	const op = "chainreg.CursorStore.Load"
	var cursor uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(cursorBucket)
		v := b.Get(cursorKey(chainID))
		if v == nil {
			return nil
		}
		if len(v) != 8 {
			return fmt.Errorf("corrupt cursor record for chain %d: %d bytes", chainID, len(v))
		}
		cursor = binary.BigEndian.Uint64(v)
		return nil
	})
	if err != nil {
		return 0, errs.Wrap(errs.KindStorageUnavailable, op, err)
	}
	return cursor, nil
}

// Save persists the next-block cursor for chainID.
func (s *CursorStore) Save(chainID, nextBlock uint64) error {
	const op = "chainreg.CursorStore.Save"
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], nextBlock)
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cursorBucket).Put(cursorKey(chainID), v[:])
	})
	if err != nil {
		return errs.Wrap(errs.KindStorageUnavailable, op, err)
	}
	return nil
}
