package storage

import (
	"time"

	bolt "github.com/boltdb/bolt"

	"telegram-plan-bot/internal/crypt"
)

const bucketDocuments = "documents" // key: document name, value: JSON (sealed when a cipher is set)

// BoltStore keeps documents as values in a single bolt bucket.
type BoltStore struct {
	db     *bolt.DB
	cipher *crypt.Cipher
}

// OpenBolt opens the database file and creates the documents bucket if needed.
// A non-nil cipher seals every value at rest.
func OpenBolt(path string, c *crypt.Cipher) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketDocuments))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db, cipher: c}, nil
}

func (s *BoltStore) Load(name string) ([]byte, error) {
	var val []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketDocuments)).Get([]byte(name))
		if v == nil {
			return nil
		}
		val = append([]byte(nil), v...)
		return nil
	})
	if err != nil || val == nil || s.cipher == nil {
		return val, err
	}
	return s.cipher.Open(val)
}

func (s *BoltStore) Save(name string, data []byte) error {
	if s.cipher != nil {
		sealed, err := s.cipher.Seal(data)
		if err != nil {
			return err
		}
		data = sealed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketDocuments)).Put([]byte(name), data)
	})
}

// Names lists the stored document names.
func (s *BoltStore) Names() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketDocuments)).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	if s.db == nil {
		return ErrClosed
	}
	err := s.db.Close()
	s.db = nil
	return err
}
