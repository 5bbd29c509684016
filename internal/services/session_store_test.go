package services

import (
	"context"
	"database/sql/driver"
	"errors"
	"sync"
	"testing"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/glebarez/sqlite"
	"github.com/verigate/backend/internal/models"
	"github.com/verigate/backend/pkg/logger"
	"gorm.io/gorm"
)

var servicesTestSetupOnce sync.Once

func setupServicesTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	servicesTestSetupOnce.Do(func() {
		gosqlite.MustRegisterScalarFunction("NOW", 0, func(ctx *gosqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			return time.Now().UTC(), nil
		})
		logger.Init()
	})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	err = db.AutoMigrate(
		&models.VerificationSession{},
		&models.RecoveryCredential{},
		&models.AuditLog{},
		&models.AuditExportCursor{},
	)
	if err != nil {
		t.Fatalf("failed automigrating models: %v", err)
	}

	return db
}

func TestSessionStore_InsertDerivesExpiry(t *testing.T) {
	db := setupServicesTestDB(t)
	store := NewSessionStore(db, time.Second)

	session := &models.VerificationSession{
		EncodedSessionID:        "abc123",
		RemoteExpirationSeconds: 600,
	}
	if err := store.Insert(context.Background(), session); err != nil {
		t.Fatalf("Insert() returned error: %v", err)
	}

	if session.ExpiresAt == nil {
		t.Fatal("expected ExpiresAt to be derived from the remote expiration")
	}
	remaining := time.Until(*session.ExpiresAt)
	if remaining < 9*time.Minute || remaining > 11*time.Minute {
		t.Errorf("expected expiry roughly 10 minutes out, got %v", remaining)
	}
}

func TestSessionStore_FindRoundTrip(t *testing.T) {
	db := setupServicesTestDB(t)
	store := NewSessionStore(db, time.Second)
	ctx := context.Background()

	session := &models.VerificationSession{
		EncodedSessionID:        "roundtrip",
		PushChallenge:           "deadbeef",
		RequestedInformation:    []models.Information{models.InformationPushChallenge},
		RemoteExpirationSeconds: 600,
	}
	if err := store.Insert(ctx, session); err != nil {
		t.Fatalf("Insert() returned error: %v", err)
	}

	found, err := store.Find(ctx, "roundtrip")
	if err != nil {
		t.Fatalf("Find() returned error: %v", err)
	}
	if found.PushChallenge != "deadbeef" {
		t.Errorf("expected challenge 'deadbeef', got %q", found.PushChallenge)
	}
	if !found.HasRequested(models.InformationPushChallenge) {
		t.Error("expected requested information to survive the round trip")
	}
	if found.AllowedToRequestCode {
		t.Error("expected allowedToRequestCode to be false")
	}
}

func TestSessionStore_FindAbsent(t *testing.T) {
	db := setupServicesTestDB(t)
	store := NewSessionStore(db, time.Second)

	_, err := store.Find(context.Background(), "missing")
	if !errors.Is(err, ErrSessionRecordNotFound) {
		t.Fatalf("expected ErrSessionRecordNotFound, got %v", err)
	}
}

func TestSessionStore_FindSkipsExpired(t *testing.T) {
	db := setupServicesTestDB(t)
	store := NewSessionStore(db, time.Second)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	session := &models.VerificationSession{
		EncodedSessionID: "expired",
		ExpiresAt:        &past,
	}
	if err := store.Insert(ctx, session); err != nil {
		t.Fatalf("Insert() returned error: %v", err)
	}

	_, err := store.Find(ctx, "expired")
	if !errors.Is(err, ErrSessionRecordNotFound) {
		t.Fatalf("expected expired record to be treated as absent, got %v", err)
	}
}

func TestSessionStore_Update(t *testing.T) {
	db := setupServicesTestDB(t)
	store := NewSessionStore(db, time.Second)
	ctx := context.Background()

	session := &models.VerificationSession{
		EncodedSessionID:        "update-me",
		RequestedInformation:    []models.Information{models.InformationPushChallenge},
		RemoteExpirationSeconds: 600,
	}
	if err := store.Insert(ctx, session); err != nil {
		t.Fatalf("Insert() returned error: %v", err)
	}

	session.SubmitInformation(models.InformationPushChallenge)
	session.RecomputeAllowed()
	if err := store.Update(ctx, session); err != nil {
		t.Fatalf("Update() returned error: %v", err)
	}

	found, err := store.Find(ctx, "update-me")
	if err != nil {
		t.Fatalf("Find() returned error: %v", err)
	}
	if !found.HasSubmitted(models.InformationPushChallenge) {
		t.Error("expected submitted information to persist")
	}
	if len(found.RequestedInformation) != 0 {
		t.Errorf("expected requested set to be empty, got %v", found.RequestedInformation)
	}
	if !found.AllowedToRequestCode {
		t.Error("expected allowedToRequestCode to be true after clearing requirements")
	}
}

func TestSessionStore_UniqueEncodedID(t *testing.T) {
	db := setupServicesTestDB(t)
	store := NewSessionStore(db, time.Second)
	ctx := context.Background()

	first := &models.VerificationSession{EncodedSessionID: "dup"}
	if err := store.Insert(ctx, first); err != nil {
		t.Fatalf("Insert() returned error: %v", err)
	}

	second := &models.VerificationSession{EncodedSessionID: "dup"}
	if err := store.Insert(ctx, second); err == nil {
		t.Fatal("expected unique index violation for duplicate encoded id")
	}
}
