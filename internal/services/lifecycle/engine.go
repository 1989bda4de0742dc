// Package lifecycle drives the operation state machine: propose, sign,
// execute, cancel and the expiry paths. Pending is the only non-terminal
// state and every terminal transition goes through a storage-level
// compare-and-swap, so concurrent execute/expire/cancel resolve to exactly
// one winner.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/StellarGuilds/multisig_layer/internal/domain/multisig"
	"github.com/StellarGuilds/multisig_layer/internal/events"
	"github.com/StellarGuilds/multisig_layer/internal/metrics"
	"github.com/StellarGuilds/multisig_layer/internal/storage"
	"github.com/StellarGuilds/multisig_layer/pkg/logger"
)

// Engine owns the operation lifecycle for all accounts.
type Engine struct {
	accounts storage.AccountStore
	policies storage.PolicyStore
	ops      storage.OperationStore
	clock    multisig.Clock
	bus      events.Publisher
	log      *logger.Logger
}

// New constructs the lifecycle engine.
func New(accounts storage.AccountStore, policies storage.PolicyStore, ops storage.OperationStore, clock multisig.Clock, bus events.Publisher, log *logger.Logger) *Engine {
	if clock == nil {
		clock = multisig.SystemClock{}
	}
	if bus == nil {
		bus = events.Nop{}
	}
	if log == nil {
		log = logger.NewDefault("lifecycle")
	}
	return &Engine{accounts: accounts, policies: policies, ops: ops, clock: clock, bus: bus, log: log}
}

// Propose creates a pending operation. The applicable policy and the current
// signer set are snapshotted into the operation; later policy or signer
// changes do not affect it. The account nonce is consumed atomically by the
// store, so two racing proposals never share a snapshot. The proposer does
// not implicitly sign.
func (e *Engine) Propose(ctx context.Context, accountID uint64, opType multisig.OperationType, proposer, description string) (multisig.Operation, error) {
	acct, err := e.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return multisig.Operation{}, err
	}
	if acct.Frozen {
		return multisig.Operation{}, multisig.ErrAccountFrozen
	}
	if !acct.HasSigner(proposer) {
		return multisig.Operation{}, fmt.Errorf("%w: %s", multisig.ErrNotASigner, proposer)
	}

	pol, err := e.policies.GetPolicy(ctx, accountID, opType)
	if err != nil {
		return multisig.Operation{}, err
	}

	now := e.clock.Now()
	op, err := e.ops.CreateOperation(ctx, multisig.Operation{
		AccountID:   accountID,
		Type:        opType,
		Proposer:    proposer,
		Description: description,
		Required: multisig.Requirement{
			MinSignatures:         pol.MinSignatures,
			RequireAllSigners:     pol.RequireAllSigners,
			RequireOwnerSignature: pol.RequireOwnerSignature,
			Owner:                 acct.Owner,
			Signers:               acct.Signers,
		},
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(pol.TimeoutSeconds) * time.Second),
		UpdatedAt: now,
	})
	if err != nil {
		return multisig.Operation{}, err
	}

	metrics.RecordOperationProposed(string(opType))
	e.bus.Publish(ctx, events.Event{
		Kind:        events.KindOperationProposed,
		AccountID:   accountID,
		OperationID: op.ID,
		Type:        opType,
		State:       op.State,
		Actor:       proposer,
		At:          now,
	})
	e.log.WithField("operation_id", op.ID).
		WithField("account_id", accountID).
		WithField("operation_type", string(opType)).
		WithField("nonce", op.NonceSnapshot).
		WithField("expires_at", op.ExpiresAt).
		Info("operation proposed")
	return op, nil
}

// Sign appends the caller's approval. Eligibility is checked against the
// account's current signer set, not the proposal-time snapshot, so a removed
// signer cannot keep approving. Signing an operation past its deadline is
// refused without mutating it; the sweeper or a lazy check transitions it.
func (e *Engine) Sign(ctx context.Context, opID uint64, signer string) (multisig.Operation, error) {
	op, err := e.ops.GetOperation(ctx, opID)
	if err != nil {
		return multisig.Operation{}, err
	}
	if op.State != multisig.StatePending {
		return multisig.Operation{}, multisig.ErrOperationNotPending
	}

	acct, err := e.accounts.GetAccount(ctx, op.AccountID)
	if err != nil {
		return multisig.Operation{}, err
	}
	if acct.Frozen {
		return multisig.Operation{}, multisig.ErrAccountFrozen
	}
	if !acct.HasSigner(signer) {
		return multisig.Operation{}, fmt.Errorf("%w: %s", multisig.ErrNotASigner, signer)
	}
	if op.HasSignature(signer) {
		return multisig.Operation{}, multisig.ErrAlreadySigned
	}

	now := e.clock.Now()
	if op.ExpiredAt(now) {
		return multisig.Operation{}, multisig.ErrOperationExpired
	}

	updated, err := e.ops.AppendSignature(ctx, opID, multisig.Signature{Signer: signer, SignedAt: now})
	if err != nil {
		return multisig.Operation{}, err
	}

	metrics.RecordOperationSigned(string(op.Type))
	e.bus.Publish(ctx, events.Event{
		Kind:        events.KindOperationSigned,
		AccountID:   op.AccountID,
		OperationID: opID,
		Type:        op.Type,
		State:       updated.State,
		Actor:       signer,
		At:          now,
	})
	e.log.WithField("operation_id", opID).
		WithField("signer", signer).
		WithField("signatures", len(updated.Signatures)).
		Info("operation signed")
	return updated, nil
}

// Execute transitions a pending operation with satisfied quorum to executed
// and returns the capability token the integration adapters exchange with
// the consuming module. The engine never performs the privileged action
// itself. Quorum is evaluated against the proposal-time snapshot.
func (e *Engine) Execute(ctx context.Context, opID uint64, caller string) (multisig.ExecutionToken, error) {
	op, err := e.ops.GetOperation(ctx, opID)
	if err != nil {
		return multisig.ExecutionToken{}, err
	}
	if op.State != multisig.StatePending {
		return multisig.ExecutionToken{}, multisig.ErrOperationNotPending
	}

	now := e.clock.Now()
	if op.ExpiredAt(now) {
		return multisig.ExecutionToken{}, multisig.ErrOperationExpired
	}
	if !multisig.QuorumSatisfied(op.Required, op.Signatures) {
		return multisig.ExecutionToken{}, fmt.Errorf("%w: %d of %d signatures", multisig.ErrQuorumNotMet, len(op.Signatures), op.Required.MinSignatures)
	}

	if _, err := e.ops.TransitionState(ctx, opID, multisig.StatePending, multisig.StateExecuted, now); err != nil {
		return multisig.ExecutionToken{}, err
	}

	token := multisig.ExecutionToken{
		Token:       uuid.NewString(),
		OperationID: opID,
		AccountID:   op.AccountID,
		Type:        op.Type,
		ExecutedBy:  caller,
		IssuedAt:    now,
	}

	metrics.RecordOperationTerminal(string(op.Type), string(multisig.StateExecuted))
	e.bus.Publish(ctx, events.Event{
		Kind:        events.KindOperationExecuted,
		AccountID:   op.AccountID,
		OperationID: opID,
		Type:        op.Type,
		State:       multisig.StateExecuted,
		Actor:       caller,
		At:          now,
	})
	e.log.WithField("operation_id", opID).
		WithField("executed_by", caller).
		Info("operation executed")
	return token, nil
}

// Cancel voids a pending operation. Only the proposer or the account owner
// may cancel.
func (e *Engine) Cancel(ctx context.Context, opID uint64, caller string) (multisig.Operation, error) {
	op, err := e.ops.GetOperation(ctx, opID)
	if err != nil {
		return multisig.Operation{}, err
	}

	acct, err := e.accounts.GetAccount(ctx, op.AccountID)
	if err != nil {
		return multisig.Operation{}, err
	}
	if caller != op.Proposer && caller != acct.Owner {
		return multisig.Operation{}, fmt.Errorf("%w: only the proposer or the owner can cancel", multisig.ErrUnauthorized)
	}

	now := e.clock.Now()
	updated, err := e.ops.TransitionState(ctx, opID, multisig.StatePending, multisig.StateCancelled, now)
	if err != nil {
		return multisig.Operation{}, err
	}

	metrics.RecordOperationTerminal(string(op.Type), string(multisig.StateCancelled))
	e.bus.Publish(ctx, events.Event{
		Kind:        events.KindOperationCancelled,
		AccountID:   op.AccountID,
		OperationID: opID,
		Type:        op.Type,
		State:       multisig.StateCancelled,
		Actor:       caller,
		At:          now,
	})
	e.log.WithField("operation_id", opID).WithField("cancelled_by", caller).Info("operation cancelled")
	return updated, nil
}

// Get returns the operation by id.
func (e *Engine) Get(ctx context.Context, opID uint64) (multisig.Operation, error) {
	return e.ops.GetOperation(ctx, opID)
}

// List returns operations filtered by account (0 spans all) and state
// (empty spans all).
func (e *Engine) List(ctx context.Context, accountID uint64, state multisig.State) ([]multisig.Operation, error) {
	return e.ops.ListOperations(ctx, accountID, state)
}

// RequireExecuted asserts that the operation reached the executed state and
// carries the expected type. Consuming modules call this as a final gate
// before acting on an operation id they were handed.
func (e *Engine) RequireExecuted(ctx context.Context, opID uint64, expected multisig.OperationType) (multisig.Operation, error) {
	op, err := e.ops.GetOperation(ctx, opID)
	if err != nil {
		return multisig.Operation{}, err
	}
	if op.State != multisig.StateExecuted {
		return multisig.Operation{}, fmt.Errorf("%w: state is %s", multisig.ErrOperationNotExecuted, op.State)
	}
	if op.Type != expected {
		return multisig.Operation{}, fmt.Errorf("%w: have %s, want %s", multisig.ErrOperationTypeMismatch, op.Type, expected)
	}
	return op, nil
}

// CheckAndExpire lazily transitions one operation to expired if its deadline
// has passed. Idempotent: already-terminal operations and lost races report
// false with no error.
func (e *Engine) CheckAndExpire(ctx context.Context, opID uint64) (bool, error) {
	op, err := e.ops.GetOperation(ctx, opID)
	if err != nil {
		return false, err
	}
	if op.State != multisig.StatePending {
		return false, nil
	}

	now := e.clock.Now()
	if !op.ExpiredAt(now) {
		return false, nil
	}

	if _, err := e.ops.TransitionState(ctx, opID, multisig.StatePending, multisig.StateExpired, now); err != nil {
		if errors.Is(err, multisig.ErrOperationNotPending) {
			return false, nil
		}
		return false, err
	}

	metrics.RecordOperationTerminal(string(op.Type), string(multisig.StateExpired))
	e.bus.Publish(ctx, events.Event{
		Kind:        events.KindOperationExpired,
		AccountID:   op.AccountID,
		OperationID: opID,
		Type:        op.Type,
		State:       multisig.StateExpired,
		At:          now,
	})
	e.log.WithField("operation_id", opID).Info("operation expired")
	return true, nil
}

// SweepExpired expires every pending operation past its deadline, for one
// account or all (accountID 0). Returns the number of operations expired.
func (e *Engine) SweepExpired(ctx context.Context, accountID uint64) (int, error) {
	pending, err := e.ops.ListOperations(ctx, accountID, multisig.StatePending)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, op := range pending {
		done, err := e.CheckAndExpire(ctx, op.ID)
		if err != nil {
			return expired, err
		}
		if done {
			expired++
		}
	}
	return expired, nil
}

// EmergencyExpire force-expires a pending operation regardless of its
// deadline. Owner-only.
func (e *Engine) EmergencyExpire(ctx context.Context, opID uint64, caller string) (multisig.Operation, error) {
	op, err := e.ops.GetOperation(ctx, opID)
	if err != nil {
		return multisig.Operation{}, err
	}

	acct, err := e.accounts.GetAccount(ctx, op.AccountID)
	if err != nil {
		return multisig.Operation{}, err
	}
	if caller != acct.Owner {
		return multisig.Operation{}, fmt.Errorf("%w: owner-only operation", multisig.ErrUnauthorized)
	}

	now := e.clock.Now()
	updated, err := e.ops.TransitionState(ctx, opID, multisig.StatePending, multisig.StateExpired, now)
	if err != nil {
		return multisig.Operation{}, err
	}

	metrics.RecordOperationTerminal(string(op.Type), string(multisig.StateExpired))
	e.bus.Publish(ctx, events.Event{
		Kind:        events.KindOperationExpired,
		AccountID:   op.AccountID,
		OperationID: opID,
		Type:        op.Type,
		State:       multisig.StateExpired,
		Actor:       caller,
		At:          now,
	})
	e.log.WithField("operation_id", opID).WithField("expired_by", caller).Warn("operation force-expired")
	return updated, nil
}

// EmergencyExtendTimeout moves a pending operation's deadline later.
// Owner-only. The new deadline must be strictly later than the current one
// and stay inside the [created_at+24h, created_at+48h] envelope, so an
// extension can never push an operation past the bound its policy could
// have allowed.
func (e *Engine) EmergencyExtendTimeout(ctx context.Context, opID uint64, caller string, newExpiresAt time.Time) (multisig.Operation, error) {
	op, err := e.ops.GetOperation(ctx, opID)
	if err != nil {
		return multisig.Operation{}, err
	}

	acct, err := e.accounts.GetAccount(ctx, op.AccountID)
	if err != nil {
		return multisig.Operation{}, err
	}
	if caller != acct.Owner {
		return multisig.Operation{}, fmt.Errorf("%w: owner-only operation", multisig.ErrUnauthorized)
	}
	if op.State != multisig.StatePending {
		return multisig.Operation{}, multisig.ErrOperationNotPending
	}

	if !newExpiresAt.After(op.ExpiresAt) {
		return multisig.Operation{}, fmt.Errorf("%w: new deadline must be later than the current one", multisig.ErrTimeoutOutOfBounds)
	}
	floor := op.CreatedAt.Add(time.Duration(multisig.MinTimeoutSeconds) * time.Second)
	ceiling := op.CreatedAt.Add(time.Duration(multisig.MaxTimeoutSeconds) * time.Second)
	if newExpiresAt.Before(floor) || newExpiresAt.After(ceiling) {
		return multisig.Operation{}, fmt.Errorf("%w: deadline outside [created_at+24h, created_at+48h]", multisig.ErrTimeoutOutOfBounds)
	}

	now := e.clock.Now()
	updated, err := e.ops.UpdateExpiry(ctx, opID, newExpiresAt, now)
	if err != nil {
		return multisig.Operation{}, err
	}

	e.bus.Publish(ctx, events.Event{
		Kind:        events.KindOperationExtended,
		AccountID:   op.AccountID,
		OperationID: opID,
		Type:        op.Type,
		State:       updated.State,
		Actor:       caller,
		At:          now,
	})
	e.log.WithField("operation_id", opID).
		WithField("expires_at", newExpiresAt).
		Warn("operation deadline extended")
	return updated, nil
}
