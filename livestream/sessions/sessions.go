/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

// Package sessions manages livestream sessions, the broadcasts which group
// the media transports of a stream.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmlivestream/internal/utils"
	"stash.kopano.io/kwm/kwmlivestream/livestream/auth"
)

// Status is the broadcast status of a Session.
type Status string

// Session states. A session moves from created to streaming to ended.
const (
	StatusCreated   Status = "created"
	StatusStreaming Status = "streaming"
	StatusEnded     Status = "ended"
)

var transitions = map[Status]Status{
	StatusCreated:   StatusStreaming,
	StatusStreaming: StatusEnded,
}

// Errors returned by the Manager.
var (
	ErrNotFound  = errors.New("session not found")
	ErrForbidden = errors.New("forbidden")
	ErrConflict  = errors.New("conflict")
	ErrInvalid   = errors.New("invalid session")
)

// Session is a scheduled broadcast in a room.
type Session struct {
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	RoomID   string     `json:"roomId"`
	OwnerID  string     `json:"ownerId"`
	StartsAt time.Time  `json:"startsAt"`
	EndsAt   *time.Time `json:"endsAt,omitempty"`
	Status   Status     `json:"status"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// Live reports whether transports may be created for the session.
func (s *Session) Live() bool {
	return s.Status != StatusEnded
}

// CreateRequest holds the fields of a new Session.
type CreateRequest struct {
	Title    string     `json:"title" validate:"required,max=200"`
	RoomID   string     `json:"roomId" validate:"required,max=200"`
	StartsAt time.Time  `json:"startsAt" validate:"required"`
	EndsAt   *time.Time `json:"endsAt"`
}

// Manager implements the livestream session operations on a Store.
type Manager struct {
	logger logrus.FieldLogger
	store  *Store
}

// NewManager creates a Manager backed by store.
func NewManager(logger logrus.FieldLogger, store *Store) *Manager {
	return &Manager{
		logger: logger.WithField("manager", "sessions"),
		store:  store,
	}
}

// Create adds a new session owned by ownerID.
func (m *Manager) Create(ctx context.Context, ownerID string, request *CreateRequest) (*Session, error) {
	title := strings.TrimSpace(request.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title required", ErrInvalid)
	}
	if request.EndsAt != nil && !request.EndsAt.After(request.StartsAt) {
		return nil, fmt.Errorf("%w: session must end after it starts", ErrInvalid)
	}

	now := time.Now()
	session := &Session{
		ID:       utils.NewRandomGUID(),
		Title:    title,
		RoomID:   request.RoomID,
		OwnerID:  ownerID,
		StartsAt: request.StartsAt,
		EndsAt:   request.EndsAt,
		Status:   StatusCreated,

		Created: now,
		Updated: now,
	}
	if err := m.store.Create(ctx, session); err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"session": session.ID,
		"room":    session.RoomID,
		"owner":   ownerID,
	}).Infoln("livestream session created")
	return session, nil
}

// Get returns the session with id.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.store.Get(ctx, id)
}

// List returns the sessions ordered by start time. When set, ownerID and
// status restrict the result.
func (m *Manager) List(ctx context.Context, ownerID string, status Status) ([]*Session, error) {
	var sessions []*Session
	var err error
	if ownerID != "" {
		sessions, err = m.store.ListByOwner(ctx, ownerID)
	} else {
		sessions, err = m.store.List(ctx)
	}
	if err != nil {
		return nil, err
	}
	if status == "" {
		return sessions, nil
	}

	filtered := sessions[:0]
	for _, session := range sessions {
		if session.Status == status {
			filtered = append(filtered, session)
		}
	}
	return filtered, nil
}

// SetStatus moves the session with id to status on behalf of user. Only the
// owner or an admin may do this and only forward transitions are allowed.
func (m *Manager) SetStatus(ctx context.Context, user *auth.User, id string, status Status) (*Session, error) {
	session, err := m.store.Update(ctx, id, func(session *Session) error {
		if session.OwnerID != user.ID && !user.IsAdmin() {
			return fmt.Errorf("%w: session %s belongs to another user", ErrForbidden, id)
		}
		if next, ok := transitions[session.Status]; !ok || next != status {
			return fmt.Errorf("%w: cannot change status from %s to %s", ErrConflict, session.Status, status)
		}
		session.Status = status
		session.Updated = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"session": id,
		"status":  status,
		"user":    user.ID,
	}).Infoln("livestream session status changed")
	return session, nil
}

// IsLive reports whether the session with id exists and has not ended.
func (m *Manager) IsLive(ctx context.Context, id string) (bool, error) {
	session, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return session.Live(), nil
}
