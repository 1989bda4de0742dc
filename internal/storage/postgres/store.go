// Package postgres implements the storage interfaces backed by PostgreSQL.
// The atomic steps of the storage contract map to transactions: nonce
// consumption takes a row lock on the account, and terminal transitions are
// conditional updates on the previous state.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/StellarGuilds/multisig_layer/internal/domain/multisig"
	"github.com/StellarGuilds/multisig_layer/internal/storage"
)

// Store implements the storage interfaces on a PostgreSQL database.
type Store struct {
	db *sqlx.DB
}

var _ storage.AccountStore = (*Store)(nil)
var _ storage.PolicyStore = (*Store)(nil)
var _ storage.OperationStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

type accountRow struct {
	ID        uint64    `db:"id"`
	Owner     string    `db:"owner"`
	Signers   []byte    `db:"signers"`
	Threshold int       `db:"threshold"`
	GuildID   string    `db:"guild_id"`
	Nonce     uint64    `db:"nonce"`
	Frozen    bool      `db:"frozen"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r accountRow) toDomain() (multisig.Account, error) {
	var signers []string
	if err := json.Unmarshal(r.Signers, &signers); err != nil {
		return multisig.Account{}, fmt.Errorf("decode signers: %w", err)
	}
	return multisig.Account{
		ID:        r.ID,
		Owner:     r.Owner,
		Signers:   signers,
		Threshold: r.Threshold,
		GuildID:   r.GuildID,
		Nonce:     r.Nonce,
		Frozen:    r.Frozen,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

type operationRow struct {
	ID            uint64    `db:"id"`
	AccountID     uint64    `db:"account_id"`
	OperationType string    `db:"operation_type"`
	Proposer      string    `db:"proposer"`
	NonceSnapshot uint64    `db:"nonce_snapshot"`
	Description   string    `db:"description"`
	Required      []byte    `db:"required"`
	State         string    `db:"state"`
	CreatedAt     time.Time `db:"created_at"`
	ExpiresAt     time.Time `db:"expires_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r operationRow) toDomain() (multisig.Operation, error) {
	var required multisig.Requirement
	if err := json.Unmarshal(r.Required, &required); err != nil {
		return multisig.Operation{}, fmt.Errorf("decode requirement: %w", err)
	}
	return multisig.Operation{
		ID:            r.ID,
		AccountID:     r.AccountID,
		Type:          multisig.OperationType(r.OperationType),
		Proposer:      r.Proposer,
		NonceSnapshot: r.NonceSnapshot,
		Description:   r.Description,
		Required:      required,
		State:         multisig.State(r.State),
		CreatedAt:     r.CreatedAt,
		ExpiresAt:     r.ExpiresAt,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}

// AccountStore implementation -------------------------------------------------

func (s *Store) CreateAccount(ctx context.Context, acct multisig.Account) (multisig.Account, error) {
	signersJSON, err := json.Marshal(acct.Signers)
	if err != nil {
		return multisig.Account{}, err
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO multisig_accounts (owner, signers, threshold, guild_id, nonce, frozen, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, FALSE, $5, $6)
		RETURNING id
	`, acct.Owner, signersJSON, acct.Threshold, acct.GuildID, acct.CreatedAt, acct.UpdatedAt).Scan(&acct.ID)
	if err != nil {
		return multisig.Account{}, err
	}
	acct.Nonce = 0
	acct.Frozen = false
	return acct, nil
}

func (s *Store) GetAccount(ctx context.Context, id uint64) (multisig.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, owner, signers, threshold, guild_id, nonce, frozen, created_at, updated_at
		FROM multisig_accounts
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return multisig.Account{}, multisig.ErrAccountNotFound
	}
	if err != nil {
		return multisig.Account{}, err
	}
	return row.toDomain()
}

func (s *Store) UpdateAccount(ctx context.Context, acct multisig.Account) (multisig.Account, error) {
	signersJSON, err := json.Marshal(acct.Signers)
	if err != nil {
		return multisig.Account{}, err
	}

	// The nonce is deliberately not written; it only moves through
	// CreateOperation.
	result, err := s.db.ExecContext(ctx, `
		UPDATE multisig_accounts
		SET owner = $2, signers = $3, threshold = $4, guild_id = $5, frozen = $6, updated_at = $7
		WHERE id = $1
	`, acct.ID, acct.Owner, signersJSON, acct.Threshold, acct.GuildID, acct.Frozen, acct.UpdatedAt)
	if err != nil {
		return multisig.Account{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return multisig.Account{}, multisig.ErrAccountNotFound
	}
	return s.GetAccount(ctx, acct.ID)
}

func (s *Store) ListAccountsByOwner(ctx context.Context, owner string) ([]multisig.Account, error) {
	var rows []accountRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, owner, signers, threshold, guild_id, nonce, frozen, created_at, updated_at
		FROM multisig_accounts
		WHERE $1 = '' OR owner = $1
		ORDER BY id
	`, owner)
	if err != nil {
		return nil, err
	}

	accts := make([]multisig.Account, 0, len(rows))
	for _, row := range rows {
		acct, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		accts = append(accts, acct)
	}
	return accts, nil
}

// PolicyStore implementation --------------------------------------------------

func (s *Store) UpsertPolicy(ctx context.Context, pol multisig.Policy) (multisig.Policy, error) {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM multisig_accounts WHERE id = $1)`, pol.AccountID); err != nil {
		return multisig.Policy{}, err
	}
	if !exists {
		return multisig.Policy{}, multisig.ErrAccountNotFound
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO multisig_policies (account_id, operation_type, min_signatures, require_all_signers, require_owner_signature, timeout_seconds, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id, operation_type) DO UPDATE
		SET min_signatures = EXCLUDED.min_signatures,
		    require_all_signers = EXCLUDED.require_all_signers,
		    require_owner_signature = EXCLUDED.require_owner_signature,
		    timeout_seconds = EXCLUDED.timeout_seconds,
		    updated_at = EXCLUDED.updated_at
	`, pol.AccountID, string(pol.Type), pol.MinSignatures, pol.RequireAllSigners, pol.RequireOwnerSignature, pol.TimeoutSeconds, pol.UpdatedAt)
	if err != nil {
		return multisig.Policy{}, err
	}
	return pol, nil
}

func (s *Store) GetPolicy(ctx context.Context, accountID uint64, opType multisig.OperationType) (multisig.Policy, error) {
	var pol multisig.Policy
	err := s.db.GetContext(ctx, &pol, `
		SELECT account_id, operation_type, min_signatures, require_all_signers, require_owner_signature, timeout_seconds, updated_at
		FROM multisig_policies
		WHERE account_id = $1 AND operation_type = $2
	`, accountID, string(opType))
	if errors.Is(err, sql.ErrNoRows) {
		return multisig.Policy{}, multisig.ErrPolicyNotConfigured
	}
	if err != nil {
		return multisig.Policy{}, err
	}
	return pol, nil
}

func (s *Store) DeletePolicy(ctx context.Context, accountID uint64, opType multisig.OperationType) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM multisig_policies WHERE account_id = $1 AND operation_type = $2
	`, accountID, string(opType))
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return multisig.ErrPolicyNotConfigured
	}
	return nil
}

func (s *Store) ListPolicies(ctx context.Context, accountID uint64) ([]multisig.Policy, error) {
	pols := make([]multisig.Policy, 0)
	err := s.db.SelectContext(ctx, &pols, `
		SELECT account_id, operation_type, min_signatures, require_all_signers, require_owner_signature, timeout_seconds, updated_at
		FROM multisig_policies
		WHERE account_id = $1
		ORDER BY operation_type
	`, accountID)
	if err != nil {
		return nil, err
	}
	return pols, nil
}

// OperationStore implementation -----------------------------------------------

func (s *Store) CreateOperation(ctx context.Context, op multisig.Operation) (multisig.Operation, error) {
	requiredJSON, err := json.Marshal(op.Required)
	if err != nil {
		return multisig.Operation{}, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return multisig.Operation{}, err
	}
	defer tx.Rollback()

	// Row lock serialises concurrent proposals on the same account.
	var (
		nonce  uint64
		frozen bool
	)
	err = tx.QueryRowContext(ctx, `
		SELECT nonce, frozen FROM multisig_accounts WHERE id = $1 FOR UPDATE
	`, op.AccountID).Scan(&nonce, &frozen)
	if errors.Is(err, sql.ErrNoRows) {
		return multisig.Operation{}, multisig.ErrAccountNotFound
	}
	if err != nil {
		return multisig.Operation{}, err
	}
	if frozen {
		return multisig.Operation{}, multisig.ErrAccountFrozen
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE multisig_accounts SET nonce = nonce + 1 WHERE id = $1
	`, op.AccountID); err != nil {
		return multisig.Operation{}, err
	}

	op.NonceSnapshot = nonce
	op.State = multisig.StatePending
	err = tx.QueryRowContext(ctx, `
		INSERT INTO multisig_operations (account_id, operation_type, proposer, nonce_snapshot, description, required, state, created_at, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, op.AccountID, string(op.Type), op.Proposer, op.NonceSnapshot, op.Description, requiredJSON, string(op.State), op.CreatedAt, op.ExpiresAt, op.UpdatedAt).Scan(&op.ID)
	if err != nil {
		return multisig.Operation{}, err
	}

	if err := tx.Commit(); err != nil {
		return multisig.Operation{}, err
	}
	op.Signatures = nil
	return op, nil
}

func (s *Store) GetOperation(ctx context.Context, id uint64) (multisig.Operation, error) {
	var row operationRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, account_id, operation_type, proposer, nonce_snapshot, description, required, state, created_at, expires_at, updated_at
		FROM multisig_operations
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return multisig.Operation{}, multisig.ErrOperationNotFound
	}
	if err != nil {
		return multisig.Operation{}, err
	}

	op, err := row.toDomain()
	if err != nil {
		return multisig.Operation{}, err
	}
	op.Signatures, err = s.loadSignatures(ctx, id)
	if err != nil {
		return multisig.Operation{}, err
	}
	return op, nil
}

func (s *Store) ListOperations(ctx context.Context, accountID uint64, state multisig.State) ([]multisig.Operation, error) {
	var rows []operationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, account_id, operation_type, proposer, nonce_snapshot, description, required, state, created_at, expires_at, updated_at
		FROM multisig_operations
		WHERE ($1 = 0 OR account_id = $1)
		  AND ($2 = '' OR state = $2)
		ORDER BY id
	`, accountID, string(state))
	if err != nil {
		return nil, err
	}

	ops := make([]multisig.Operation, 0, len(rows))
	for _, row := range rows {
		op, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		op.Signatures, err = s.loadSignatures(ctx, op.ID)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (s *Store) AppendSignature(ctx context.Context, opID uint64, sig multisig.Signature) (multisig.Operation, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return multisig.Operation{}, err
	}
	defer tx.Rollback()

	var state string
	err = tx.QueryRowContext(ctx, `
		SELECT state FROM multisig_operations WHERE id = $1 FOR UPDATE
	`, opID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return multisig.Operation{}, multisig.ErrOperationNotFound
	}
	if err != nil {
		return multisig.Operation{}, err
	}
	if multisig.State(state) != multisig.StatePending {
		return multisig.Operation{}, multisig.ErrOperationNotPending
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO multisig_signatures (operation_id, signer, signed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (operation_id, signer) DO NOTHING
	`, opID, sig.Signer, sig.SignedAt)
	if err != nil {
		return multisig.Operation{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return multisig.Operation{}, multisig.ErrAlreadySigned
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE multisig_operations SET updated_at = $2 WHERE id = $1
	`, opID, sig.SignedAt); err != nil {
		return multisig.Operation{}, err
	}

	if err := tx.Commit(); err != nil {
		return multisig.Operation{}, err
	}
	return s.GetOperation(ctx, opID)
}

func (s *Store) TransitionState(ctx context.Context, opID uint64, from, to multisig.State, at time.Time) (multisig.Operation, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE multisig_operations
		SET state = $3, updated_at = $4
		WHERE id = $1 AND state = $2
	`, opID, string(from), string(to), at)
	if err != nil {
		return multisig.Operation{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		// Distinguish a lost race from an unknown id.
		if _, err := s.GetOperation(ctx, opID); err != nil {
			return multisig.Operation{}, err
		}
		return multisig.Operation{}, multisig.ErrOperationNotPending
	}
	return s.GetOperation(ctx, opID)
}

func (s *Store) UpdateExpiry(ctx context.Context, opID uint64, expiresAt, at time.Time) (multisig.Operation, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE multisig_operations
		SET expires_at = $2, updated_at = $3
		WHERE id = $1 AND state = 'pending'
	`, opID, expiresAt, at)
	if err != nil {
		return multisig.Operation{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		if _, err := s.GetOperation(ctx, opID); err != nil {
			return multisig.Operation{}, err
		}
		return multisig.Operation{}, multisig.ErrOperationNotPending
	}
	return s.GetOperation(ctx, opID)
}

func (s *Store) loadSignatures(ctx context.Context, opID uint64) ([]multisig.Signature, error) {
	sigs := make([]multisig.Signature, 0)
	err := s.db.SelectContext(ctx, &sigs, `
		SELECT signer, signed_at
		FROM multisig_signatures
		WHERE operation_id = $1
		ORDER BY signed_at, signer
	`, opID)
	if err != nil {
		return nil, err
	}
	return sigs, nil
}
