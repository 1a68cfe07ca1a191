package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var ErrCorrupt = errors.New("state: corrupt record")

const (
	keyPrefix  = "conv:"
	DefaultTTL = 24 * time.Hour
)

type Store interface {
	// Load returns a fresh state when the session is unknown or expired.
	Load(ctx context.Context, sessionID, businessID string) (*ConversationState, error)
	Save(ctx context.Context, s *ConversationState) error
}

// BadgerStore keeps one JSON record per session with a per-entry TTL.
type BadgerStore struct {
	db  *badger.DB
	ttl time.Duration
	now func() time.Time
}

// OpenBadger opens a store under dir; an empty dir keeps everything in memory.
func OpenBadger(dir string, ttl time.Duration) (*BadgerStore, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create state directory %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger state store: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &BadgerStore{db: db, ttl: ttl, now: time.Now}, nil
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func (b *BadgerStore) Load(_ context.Context, sessionID, businessID string) (*ConversationState, error) {
	var s ConversationState
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + sessionID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &s); err != nil {
				return fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return New(sessionID, businessID), nil
	}
	if err != nil {
		return nil, err
	}

	// сессия не может переехать в другой бизнес
	if s.BusinessID != businessID {
		return New(sessionID, businessID), nil
	}
	if s.ExtractedSlots == nil {
		s.ExtractedSlots = map[string]string{}
	}
	return &s, nil
}

func (b *BadgerStore) Save(_ context.Context, s *ConversationState) error {
	s.UpdatedAt = b.now().UTC()
	val, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(keyPrefix+s.SessionID), val).WithTTL(b.ttl)
		return txn.SetEntry(e)
	})
}
