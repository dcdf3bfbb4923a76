package store

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

var (
	// Bucket names
	sessionsBucket = []byte("sessions")
	retainedBucket = []byte("retained")
)

// BboltBackend implements Backend on a bbolt embedded database, one bucket
// per concern, values JSON-encoded.
type BboltBackend struct {
	db *bbolt.DB
}

// NewBboltBackend opens (creating if absent) the database at path. The
// parent directory must exist.
func NewBboltBackend(path string) (*BboltBackend, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{sessionsBucket, retainedBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BboltBackend{db: db}, nil
}

// SaveSession writes or replaces the snapshot for snap.ClientID.
func (s *BboltBackend) SaveSession(snap *SessionSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(snap.ClientID), data)
	})
}

// LoadSessions returns every stored session snapshot.
func (s *BboltBackend) LoadSessions() ([]*SessionSnapshot, error) {
	var snaps []*SessionSnapshot

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(k, v []byte) error {
			var snap SessionSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return fmt.Errorf("corrupt session record %q: %w", k, err)
			}
			snaps = append(snaps, &snap)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return snaps, nil
}

// DeleteSession removes the snapshot for clientID.
func (s *BboltBackend) DeleteSession(clientID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(clientID))
	})
}

// SaveRetained writes or replaces the retained message for msg.Topic.
func (s *BboltBackend) SaveRetained(msg *RetainedMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal retained message: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(retainedBucket).Put([]byte(msg.Topic), data)
	})
}

// DeleteRetained clears the retained entry for topic.
func (s *BboltBackend) DeleteRetained(topic string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(retainedBucket).Delete([]byte(topic))
	})
}

// LoadRetained returns every stored retained message.
func (s *BboltBackend) LoadRetained() ([]*RetainedMessage, error) {
	var msgs []*RetainedMessage

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(retainedBucket).ForEach(func(k, v []byte) error {
			var msg RetainedMessage
			if err := json.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("corrupt retained record %q: %w", k, err)
			}
			msgs = append(msgs, &msg)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// Close closes the database.
func (s *BboltBackend) Close() error {
	return s.db.Close()
}
