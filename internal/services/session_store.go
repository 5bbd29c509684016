package services

import (
	"context"
	"errors"
	"time"

	"github.com/verigate/backend/internal/models"
	"gorm.io/gorm"
)

// ErrSessionRecordNotFound is returned by Find when no live record
// exists for the id.
var ErrSessionRecordNotFound = errors.New("session record not found")

// SessionStore persists the local half of a verification session: the
// challenge state this service owns, keyed by the authority's encoded
// session id. Every call is bounded by the store timeout so a slow
// database maps to a distinguishable failure instead of a hung request.
type SessionStore struct {
	DB      *gorm.DB
	Timeout time.Duration
}

func NewSessionStore(db *gorm.DB, timeout time.Duration) *SessionStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SessionStore{DB: db, Timeout: timeout}
}

// Insert stores a fresh record. ExpiresAt is derived from the remote
// expiration so stale rows drop out of Find without a reaper process.
func (s *SessionStore) Insert(ctx context.Context, session *models.VerificationSession) error {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	if session.ExpiresAt == nil && session.RemoteExpirationSeconds > 0 {
		expiresAt := time.Now().UTC().Add(time.Duration(session.RemoteExpirationSeconds) * time.Second)
		session.ExpiresAt = &expiresAt
	}

	return s.DB.WithContext(ctx).Create(session).Error
}

// Find loads a live record by encoded session id. Records past their
// expiration are treated as absent.
func (s *SessionStore) Find(ctx context.Context, encodedSessionID string) (*models.VerificationSession, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	var session models.VerificationSession
	err := s.DB.WithContext(ctx).
		Where("encoded_session_id = ?", encodedSessionID).
		Where("expires_at IS NULL OR expires_at > NOW()").
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionRecordNotFound
		}
		return nil, err
	}
	return &session, nil
}

// Update saves the full record value. Concurrent updates race with
// last-write-wins, which is safe because evidence transitions are
// idempotent.
func (s *SessionStore) Update(ctx context.Context, session *models.VerificationSession) error {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	return s.DB.WithContext(ctx).Save(session).Error
}
