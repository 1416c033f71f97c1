/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

// Key prefixes of the store.
const (
	sessionKeyPrefix      = "session:"
	sessionOwnerKeyPrefix = "session_owner:"
)

// Number of attempts of conflicting read-modify-write transactions.
const maxUpdateAttempts = 5

// Store persists sessions in badger.
type Store struct {
	logger logrus.FieldLogger
	db     *badger.DB
}

// OpenStore opens the store at path. An empty path opens an in-memory store.
func OpenStore(logger logrus.FieldLogger, path string) (*Store, error) {
	logger = logger.WithField("store", "badger")

	options := badger.DefaultOptions(path)
	if path == "" {
		options = options.WithInMemory(true)
	}
	options = options.WithLogger(logger)

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	if path == "" {
		logger.Warnln("session store is in memory, sessions are lost on restart")
	} else {
		logger.WithField("path", path).Infoln("session store opened")
	}

	return &Store{
		logger: logger,
		db:     db,
	}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// Check returns an error when the store can no longer serve requests.
func (s *Store) Check() error {
	if s.db.IsClosed() {
		return errors.New("session store is closed")
	}
	return nil
}

func sessionKey(id string) []byte {
	return []byte(sessionKeyPrefix + id)
}

func ownerKey(ownerID string, id string) []byte {
	return []byte(sessionOwnerKeyPrefix + ownerID + ":" + id)
}

func getSession(txn *badger.Txn, id string) (*Session, error) {
	item, err := txn.Get(sessionKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var session Session
	if err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &session)
	}); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &session, nil
}

func setSession(txn *badger.Txn, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err = txn.Set(sessionKey(session.ID), data); err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

// Create stores a new session.
func (s *Store) Create(ctx context.Context, session *Session) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(sessionKey(session.ID)); err == nil {
			return fmt.Errorf("%w: session %s exists", ErrConflict, session.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("get session: %w", err)
		}

		if err := setSession(txn, session); err != nil {
			return err
		}
		if err := txn.Set(ownerKey(session.OwnerID, session.ID), []byte(session.ID)); err != nil {
			return fmt.Errorf("set owner mapping: %w", err)
		}
		return nil
	})
}

// Get returns the session with id.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	var session *Session
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		session, err = getSession(txn, id)
		return err
	})
	return session, err
}

// Update applies fn to the session with id and stores the result. When fn
// returns an error, nothing is stored. Transactions conflicting with a
// concurrent update are retried.
func (s *Store) Update(ctx context.Context, id string, fn func(session *Session) error) (*Session, error) {
	var session *Session
	var err error
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return nil, err
		}

		err = s.db.Update(func(txn *badger.Txn) error {
			var getErr error
			session, getErr = getSession(txn, id)
			if getErr != nil {
				return getErr
			}
			if fnErr := fn(session); fnErr != nil {
				return fnErr
			}
			return setSession(txn, session)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
		s.logger.WithField("attempt", attempt).Debugln("session update conflict, retrying")
	}
	if err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return nil, fmt.Errorf("%w: session %s is being modified", ErrConflict, id)
		}
		return nil, err
	}
	return session, nil
}

// List returns all sessions ordered by start time.
func (s *Store) List(ctx context.Context) ([]*Session, error) {
	sessions := make([]*Session, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = true
		it := txn.NewIterator(options)
		defer it.Close()

		prefix := []byte(sessionKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var session Session
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &session)
			}); err != nil {
				s.logger.WithError(err).WithField("key", string(it.Item().Key())).Warnln("skipping undecodable session")
				continue
			}
			sessions = append(sessions, &session)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].StartsAt.Before(sessions[j].StartsAt)
	})
	return sessions, nil
}

// ListByOwner returns the sessions of ownerID ordered by start time.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]*Session, error) {
	sessions := make([]*Session, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = true
		it := txn.NewIterator(options)
		defer it.Close()

		prefix := []byte(sessionOwnerKeyPrefix + ownerID + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var id string
			if err := it.Item().Value(func(val []byte) error {
				id = string(val)
				return nil
			}); err != nil {
				return err
			}

			session, err := getSession(txn, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			sessions = append(sessions, session)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list owner sessions: %w", err)
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].StartsAt.Before(sessions[j].StartsAt)
	})
	return sessions, nil
}
