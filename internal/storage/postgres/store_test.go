package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/StellarGuilds/multisig_layer/internal/domain/multisig"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

func TestCreateOperationConsumesNonce(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT nonce, frozen FROM multisig_accounts WHERE id = \\$1 FOR UPDATE").
		WithArgs(uint64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"nonce", "frozen"}).AddRow(7, false))
	mock.ExpectExec("UPDATE multisig_accounts SET nonce = nonce \\+ 1 WHERE id = \\$1").
		WithArgs(uint64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO multisig_operations").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(12))
	mock.ExpectCommit()

	op, err := store.CreateOperation(context.Background(), multisig.Operation{
		AccountID: 4,
		Type:      multisig.TypeTreasuryWithdrawal,
		Proposer:  "bob",
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if op.ID != 12 {
		t.Fatalf("id = %d", op.ID)
	}
	if op.NonceSnapshot != 7 {
		t.Fatalf("nonce snapshot = %d", op.NonceSnapshot)
	}
	if op.State != multisig.StatePending {
		t.Fatalf("state = %s", op.State)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateOperationFrozenAccountRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT nonce, frozen FROM multisig_accounts WHERE id = \\$1 FOR UPDATE").
		WithArgs(uint64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"nonce", "frozen"}).AddRow(0, true))
	mock.ExpectRollback()

	_, err := store.CreateOperation(context.Background(), multisig.Operation{AccountID: 4})
	if !errors.Is(err, multisig.ErrAccountFrozen) {
		t.Fatalf("expected ErrAccountFrozen, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateOperationUnknownAccount(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT nonce, frozen FROM multisig_accounts WHERE id = \\$1 FOR UPDATE").
		WithArgs(uint64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"nonce", "frozen"}))
	mock.ExpectRollback()

	_, err := store.CreateOperation(context.Background(), multisig.Operation{AccountID: 99})
	if !errors.Is(err, multisig.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestAppendSignatureDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT state FROM multisig_operations WHERE id = \\$1 FOR UPDATE").
		WithArgs(uint64(12)).
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow("pending"))
	mock.ExpectExec("INSERT INTO multisig_signatures").
		WithArgs(uint64(12), "bob", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := store.AppendSignature(context.Background(), 12, multisig.Signature{Signer: "bob", SignedAt: now})
	if !errors.Is(err, multisig.ErrAlreadySigned) {
		t.Fatalf("expected ErrAlreadySigned, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestAppendSignatureTerminalOperation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT state FROM multisig_operations WHERE id = \\$1 FOR UPDATE").
		WithArgs(uint64(12)).
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow("executed"))
	mock.ExpectRollback()

	_, err := store.AppendSignature(context.Background(), 12, multisig.Signature{Signer: "bob"})
	if !errors.Is(err, multisig.ErrOperationNotPending) {
		t.Fatalf("expected ErrOperationNotPending, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func operationRows(id uint64, state string, at time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "account_id", "operation_type", "proposer", "nonce_snapshot",
		"description", "required", "state", "created_at", "expires_at", "updated_at",
	}).AddRow(id, 4, "treasury_withdrawal", "bob", 7, "",
		[]byte(`{"min_signatures":2,"require_all_signers":false,"require_owner_signature":false,"owner":"alice","signers":["alice","bob"]}`),
		state, at, at.Add(24*time.Hour), at)
}

func TestTransitionStateLostRace(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// The conditional update misses because another caller already moved the
	// operation out of pending.
	mock.ExpectExec("UPDATE multisig_operations").
		WithArgs(uint64(12), "pending", "expired", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, account_id, operation_type").
		WithArgs(uint64(12)).
		WillReturnRows(operationRows(12, "executed", now))
	mock.ExpectQuery("SELECT signer, signed_at").
		WithArgs(uint64(12)).
		WillReturnRows(sqlmock.NewRows([]string{"signer", "signed_at"}))

	_, err := store.TransitionState(context.Background(), 12, multisig.StatePending, multisig.StateExpired, now)
	if !errors.Is(err, multisig.ErrOperationNotPending) {
		t.Fatalf("expected ErrOperationNotPending, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestTransitionStateUnknownOperation(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// No row comes back for the follow-up read either.
	mock.ExpectExec("UPDATE multisig_operations").
		WithArgs(uint64(99), "pending", "cancelled", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, account_id, operation_type").
		WithArgs(uint64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.TransitionState(context.Background(), 99, multisig.StatePending, multisig.StateCancelled, now)
	if !errors.Is(err, multisig.ErrOperationNotFound) {
		t.Fatalf("expected ErrOperationNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetPolicyNotConfigured(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT account_id, operation_type").
		WithArgs(uint64(4), "treasury_withdrawal").
		WillReturnRows(sqlmock.NewRows([]string{"account_id"}))

	_, err := store.GetPolicy(context.Background(), 4, multisig.TypeTreasuryWithdrawal)
	if !errors.Is(err, multisig.ErrPolicyNotConfigured) {
		t.Fatalf("expected ErrPolicyNotConfigured, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDeletePolicyMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM multisig_policies").
		WithArgs(uint64(4), "emergency_action").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.DeletePolicy(context.Background(), 4, multisig.TypeEmergencyAction)
	if !errors.Is(err, multisig.ErrPolicyNotConfigured) {
		t.Fatalf("expected ErrPolicyNotConfigured, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateAccountLeavesNonceAlone(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// The update statement carries no nonce column; the stored value is what
	// the follow-up read returns.
	mock.ExpectExec("UPDATE multisig_accounts").
		WithArgs(uint64(4), "alice", []byte(`["bob","alice"]`), 2, "guild-1", false, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, owner, signers").
		WithArgs(uint64(4)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "owner", "signers", "threshold", "guild_id", "nonce", "frozen", "created_at", "updated_at",
		}).AddRow(4, "alice", []byte(`["bob","alice"]`), 2, "guild-1", 9, false, now, now))

	acct, err := store.UpdateAccount(context.Background(), multisig.Account{
		ID:        4,
		Owner:     "alice",
		Signers:   []string{"bob", "alice"},
		Threshold: 2,
		GuildID:   "guild-1",
		Nonce:     0,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if acct.Nonce != 9 {
		t.Fatalf("nonce = %d", acct.Nonce)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
