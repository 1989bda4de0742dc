// Package policy manages the per-(account, operation type) approval
// requirements. A policy must exist before an operation of its type can be
// proposed; deleting one returns the type to the unconfigured state.
package policy

import (
	"context"
	"fmt"

	"github.com/StellarGuilds/multisig_layer/internal/domain/multisig"
	"github.com/StellarGuilds/multisig_layer/internal/storage"
	"github.com/StellarGuilds/multisig_layer/pkg/logger"
)

// Service is the policy store front.
type Service struct {
	accounts storage.AccountStore
	store    storage.PolicyStore
	clock    multisig.Clock
	log      *logger.Logger
}

// New constructs the policy service.
func New(accounts storage.AccountStore, store storage.PolicyStore, clock multisig.Clock, log *logger.Logger) *Service {
	if clock == nil {
		clock = multisig.SystemClock{}
	}
	if log == nil {
		log = logger.NewDefault("policy")
	}
	return &Service{accounts: accounts, store: store, clock: clock, log: log}
}

// SetParams carries the policy fields for Set.
type SetParams struct {
	AccountID             uint64
	Type                  multisig.OperationType
	MinSignatures         int
	RequireAllSigners     bool
	RequireOwnerSignature bool
	TimeoutSeconds        int64
}

// Set creates or replaces the policy for one operation type. Owner-only.
// The timeout must fall inside the [24h, 48h] envelope; values outside are
// rejected, never clamped. Only applies to operations proposed afterwards.
func (s *Service) Set(ctx context.Context, p SetParams, caller string) (multisig.Policy, error) {
	acct, err := s.accounts.GetAccount(ctx, p.AccountID)
	if err != nil {
		return multisig.Policy{}, err
	}
	if caller != acct.Owner {
		return multisig.Policy{}, fmt.Errorf("%w: only the owner can set policies", multisig.ErrUnauthorized)
	}

	if !multisig.KnownType(p.Type) {
		return multisig.Policy{}, fmt.Errorf("%w: unknown operation type %q", multisig.ErrInvalidPolicy, p.Type)
	}
	if p.MinSignatures < 1 {
		return multisig.Policy{}, fmt.Errorf("%w: min_signatures must be at least 1", multisig.ErrInvalidPolicy)
	}
	if p.MinSignatures > len(acct.Signers) {
		return multisig.Policy{}, fmt.Errorf("%w: min_signatures %d exceeds signer count %d", multisig.ErrInvalidPolicy, p.MinSignatures, len(acct.Signers))
	}
	if !multisig.ValidTimeout(p.TimeoutSeconds) {
		return multisig.Policy{}, fmt.Errorf("%w: %ds not in [%d, %d]", multisig.ErrTimeoutOutOfBounds, p.TimeoutSeconds, multisig.MinTimeoutSeconds, multisig.MaxTimeoutSeconds)
	}

	pol, err := s.store.UpsertPolicy(ctx, multisig.Policy{
		AccountID:             p.AccountID,
		Type:                  p.Type,
		MinSignatures:         p.MinSignatures,
		RequireAllSigners:     p.RequireAllSigners,
		RequireOwnerSignature: p.RequireOwnerSignature,
		TimeoutSeconds:        p.TimeoutSeconds,
		UpdatedAt:             s.clock.Now(),
	})
	if err != nil {
		return multisig.Policy{}, err
	}

	s.log.WithField("account_id", p.AccountID).
		WithField("operation_type", string(p.Type)).
		WithField("min_signatures", p.MinSignatures).
		Info("operation policy set")
	return pol, nil
}

// Get returns the configured policy, or ErrPolicyNotConfigured.
func (s *Service) Get(ctx context.Context, accountID uint64, opType multisig.OperationType) (multisig.Policy, error) {
	return s.store.GetPolicy(ctx, accountID, opType)
}

// Delete removes the policy for one operation type. Owner-only. Proposals of
// that type fail with ErrPolicyNotConfigured afterwards; in-flight
// operations keep their snapshot.
func (s *Service) Delete(ctx context.Context, accountID uint64, opType multisig.OperationType, caller string) error {
	acct, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if caller != acct.Owner {
		return fmt.Errorf("%w: only the owner can delete policies", multisig.ErrUnauthorized)
	}

	if err := s.store.DeletePolicy(ctx, accountID, opType); err != nil {
		return err
	}
	s.log.WithField("account_id", accountID).
		WithField("operation_type", string(opType)).
		Info("operation policy deleted")
	return nil
}

// List returns every configured policy for the account.
func (s *Service) List(ctx context.Context, accountID uint64) ([]multisig.Policy, error) {
	if _, err := s.accounts.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.ListPolicies(ctx, accountID)
}
