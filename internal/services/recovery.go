package services

import (
	"context"
	"errors"
	"time"

	"github.com/verigate/backend/internal/models"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// ErrCredentialNotFound is returned by Verify when no credential is
// stored for the account.
var ErrCredentialNotFound = errors.New("recovery credential not found")

// RecoveryService manages the cached recovery credentials that let a
// previously verified account skip a full verification round. The
// verification flows only ever invalidate them: a freshly verified
// session makes any cached credential stale.
type RecoveryService struct {
	DB      *gorm.DB
	Timeout time.Duration
}

func NewRecoveryService(db *gorm.DB, timeout time.Duration) *RecoveryService {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RecoveryService{DB: db, Timeout: timeout}
}

// Store saves the bcrypt hash of a credential, replacing any previous
// one for the account.
func (s *RecoveryService) Store(ctx context.Context, number, credential string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(credential), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	row := models.RecoveryCredential{Number: number, CredentialHash: string(hash)}
	return s.DB.WithContext(ctx).
		Where("number = ?", number).
		Assign(map[string]interface{}{"credential_hash": row.CredentialHash}).
		FirstOrCreate(&row).Error
}

// Verify compares a candidate credential against the stored hash.
func (s *RecoveryService) Verify(ctx context.Context, number, credential string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	var row models.RecoveryCredential
	err := s.DB.WithContext(ctx).Where("number = ?", number).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrCredentialNotFound
		}
		return false, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.CredentialHash), []byte(credential)); err != nil {
		return false, nil
	}
	return true, nil
}

// InvalidateForNumber hard-deletes the account's credential. Idempotent:
// deleting an absent row is not an error.
func (s *RecoveryService) InvalidateForNumber(ctx context.Context, number string) error {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	return s.DB.WithContext(ctx).
		Unscoped().
		Where("number = ?", number).
		Delete(&models.RecoveryCredential{}).Error
}
