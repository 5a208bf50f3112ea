// Package store persists local settings and chat history in a bbolt file
// under the node's data directory.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mnsl/meh/internal/chat"
)

// FileName is the database file created inside the data directory.
const FileName = "meh.db"

var (
	bucketSettings = []byte("settings")
	bucketChats    = []byte("chats")

	keyUsername = []byte("username")
)

var (
	// ErrNotFound is returned when a setting has never been written.
	ErrNotFound = errors.New("store: not found")
	// ErrBadUsername is returned for empty names or names containing spaces.
	ErrBadUsername = errors.New("store: username must be non-empty and contain no whitespace")
)

// Store is a bbolt-backed settings and chat archive.
type Store struct {
	db *bolt.DB
}

var _ chat.Archive = (*Store)(nil)

// Open opens (or creates) the database in dir.
func Open(dir string) (*Store, error) {
	db, err := bolt.Open(filepath.Join(dir, FileName), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSettings, bucketChats} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Username returns the persisted username.
func (s *Store) Username() (string, error) {
	var name string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSettings).Get(keyUsername)
		if v == nil {
			return ErrNotFound
		}
		name = string(v)
		return nil
	})
	return name, err
}

// SetUsername persists name as this device's username.
func (s *Store) SetUsername(name string) error {
	if name == "" || strings.ContainsAny(name, " \t\r\n") {
		return ErrBadUsername
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put(keyUsername, []byte(name))
	})
}

// SaveConversation replaces the archived conversation with peer.
func (s *Store) SaveConversation(peer string, entries []chat.Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChats).Put([]byte(peer), data)
	})
}

// Conversation returns the archived conversation with peer; nil if none.
func (s *Store) Conversation(peer string) ([]chat.Entry, error) {
	var out []chat.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketChats).Get([]byte(peer))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("store: conversation %s: %w", peer, err)
	}
	return out, nil
}

// Peers lists everyone with an archived conversation, sorted.
func (s *Store) Peers() []string {
	var out []string
	s.db.View(func(tx *bolt.Tx) error { //nolint:errcheck
		return tx.Bucket(bucketChats).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	sort.Strings(out)
	return out
}
