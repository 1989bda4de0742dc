// Package storage defines the persistence contracts for the multisig
// authorization layer. Implementations must provide atomic read-modify-write
// per call; the lifecycle engine leans on that for nonce consumption and for
// at-most-once terminal transitions.
package storage

import (
	"context"
	"time"

	"github.com/StellarGuilds/multisig_layer/internal/domain/multisig"
)

// AccountStore persists multisig accounts.
type AccountStore interface {
	// CreateAccount assigns a fresh, never-reused id and stores the account.
	CreateAccount(ctx context.Context, acct multisig.Account) (multisig.Account, error)

	// GetAccount returns multisig.ErrAccountNotFound for unknown ids.
	GetAccount(ctx context.Context, id uint64) (multisig.Account, error)

	// UpdateAccount replaces the account's signer set, threshold, frozen flag
	// and metadata. The stored nonce is preserved: the nonce only ever moves
	// through CreateOperation, so a registry update racing a proposal cannot
	// write a stale counter back.
	UpdateAccount(ctx context.Context, acct multisig.Account) (multisig.Account, error)

	// ListAccountsByOwner returns all accounts owned by the principal, in id
	// order. An empty owner lists every account.
	ListAccountsByOwner(ctx context.Context, owner string) ([]multisig.Account, error)
}

// PolicyStore persists operation policies keyed by (account, operation type).
// Absence is observable: reads of unset policies return
// multisig.ErrPolicyNotConfigured, never a default.
type PolicyStore interface {
	UpsertPolicy(ctx context.Context, pol multisig.Policy) (multisig.Policy, error)
	GetPolicy(ctx context.Context, accountID uint64, opType multisig.OperationType) (multisig.Policy, error)
	DeletePolicy(ctx context.Context, accountID uint64, opType multisig.OperationType) error
	ListPolicies(ctx context.Context, accountID uint64) ([]multisig.Policy, error)
}

// OperationStore persists operations and enforces the atomic steps of the
// state machine.
type OperationStore interface {
	// CreateOperation assigns the operation id and consumes the owning
	// account's nonce in one indivisible step: it reads the account, refuses
	// with multisig.ErrAccountFrozen if the account is frozen at that
	// instant, snapshots the nonce into the operation and increments the
	// account counter. No two operations under one account ever share a
	// nonce snapshot.
	CreateOperation(ctx context.Context, op multisig.Operation) (multisig.Operation, error)

	// GetOperation returns multisig.ErrOperationNotFound for unknown ids.
	GetOperation(ctx context.Context, id uint64) (multisig.Operation, error)

	// ListOperations returns operations in id order. accountID 0 spans all
	// accounts; an empty state spans all states.
	ListOperations(ctx context.Context, accountID uint64, state multisig.State) ([]multisig.Operation, error)

	// AppendSignature performs the already-signed check and the insert as one
	// atomic step, and only while the operation is pending. Returns
	// multisig.ErrOperationNotPending or multisig.ErrAlreadySigned.
	AppendSignature(ctx context.Context, opID uint64, sig multisig.Signature) (multisig.Operation, error)

	// TransitionState is a compare-and-swap from one state to another. A race
	// between execute and expire resolves to exactly one winner; the loser
	// observes multisig.ErrOperationNotPending.
	TransitionState(ctx context.Context, opID uint64, from, to multisig.State, at time.Time) (multisig.Operation, error)

	// UpdateExpiry moves the deadline of a still-pending operation. Returns
	// multisig.ErrOperationNotPending once the operation is terminal.
	UpdateExpiry(ctx context.Context, opID uint64, expiresAt, at time.Time) (multisig.Operation, error)
}
