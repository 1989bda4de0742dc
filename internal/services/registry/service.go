// Package registry manages multisig account records: registration, signer
// set mutations, threshold updates and freeze control. Every mutation
// re-validates the M-of-N invariant before it is applied.
package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/StellarGuilds/multisig_layer/internal/domain/multisig"
	"github.com/StellarGuilds/multisig_layer/internal/events"
	"github.com/StellarGuilds/multisig_layer/internal/storage"
	"github.com/StellarGuilds/multisig_layer/pkg/logger"
)

// Service is the account registry.
type Service struct {
	store storage.AccountStore
	clock multisig.Clock
	bus   events.Publisher
	log   *logger.Logger
}

// New constructs the registry service.
func New(store storage.AccountStore, clock multisig.Clock, bus events.Publisher, log *logger.Logger) *Service {
	if clock == nil {
		clock = multisig.SystemClock{}
	}
	if bus == nil {
		bus = events.Nop{}
	}
	if log == nil {
		log = logger.NewDefault("registry")
	}
	return &Service{store: store, clock: clock, bus: bus, log: log}
}

// Register creates a multisig account. The owner is auto-included in the
// signer set; the provided signers must be pairwise distinct and must not
// repeat the owner. timeoutDefault is accepted for call-shape compatibility
// with the legacy registrar and is not stored; approval timeouts come from
// per-type policies.
func (s *Service) Register(ctx context.Context, owner string, signers []string, threshold int, guildID string, timeoutDefault int64) (multisig.Account, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return multisig.Account{}, fmt.Errorf("%w: owner is required", multisig.ErrUnauthorized)
	}
	_ = timeoutDefault

	seen := make(map[string]struct{}, len(signers)+1)
	seen[owner] = struct{}{}
	set := make([]string, 0, len(signers)+1)
	for _, raw := range signers {
		signer := strings.TrimSpace(raw)
		if signer == "" {
			return multisig.Account{}, fmt.Errorf("%w: empty signer", multisig.ErrDuplicateSigner)
		}
		if _, dup := seen[signer]; dup {
			return multisig.Account{}, fmt.Errorf("%w: %s", multisig.ErrDuplicateSigner, signer)
		}
		seen[signer] = struct{}{}
		set = append(set, signer)
	}
	set = append(set, owner)

	if !multisig.ValidThreshold(threshold, len(set)) {
		return multisig.Account{}, fmt.Errorf("%w: threshold %d for %d signers", multisig.ErrInvalidThreshold, threshold, len(set))
	}

	now := s.clock.Now()
	acct, err := s.store.CreateAccount(ctx, multisig.Account{
		Owner:     owner,
		Signers:   set,
		Threshold: threshold,
		GuildID:   guildID,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return multisig.Account{}, err
	}

	s.bus.Publish(ctx, events.Event{Kind: events.KindAccountRegistered, AccountID: acct.ID, Actor: owner, At: now})
	s.log.WithField("account_id", acct.ID).
		WithField("owner", owner).
		WithField("signers", len(acct.Signers)).
		WithField("threshold", threshold).
		Info("multisig account registered")
	return acct, nil
}

// Get returns the account by id.
func (s *Service) Get(ctx context.Context, id uint64) (multisig.Account, error) {
	return s.store.GetAccount(ctx, id)
}

// ListByOwner lists accounts owned by the principal.
func (s *Service) ListByOwner(ctx context.Context, owner string) ([]multisig.Account, error) {
	return s.store.ListAccountsByOwner(ctx, owner)
}

// AddSigner adds a principal to the signer set. Owner-only. Fails with
// ErrInvalidThreshold when the current threshold would violate the M-of-N
// bound for the grown set; the account is left untouched in that case.
func (s *Service) AddSigner(ctx context.Context, accountID uint64, newSigner, caller string) (multisig.Account, error) {
	acct, err := s.ownerMutable(ctx, accountID, caller)
	if err != nil {
		return multisig.Account{}, err
	}

	newSigner = strings.TrimSpace(newSigner)
	if newSigner == "" || acct.HasSigner(newSigner) {
		return multisig.Account{}, fmt.Errorf("%w: %s", multisig.ErrDuplicateSigner, newSigner)
	}

	grown := append(append([]string(nil), acct.Signers...), newSigner)
	if !multisig.ValidThreshold(acct.Threshold, len(grown)) {
		return multisig.Account{}, fmt.Errorf("%w: threshold %d for %d signers", multisig.ErrInvalidThreshold, acct.Threshold, len(grown))
	}

	acct.Signers = grown
	return s.apply(ctx, acct, "signer added")
}

// RemoveSigner removes a principal from the signer set. Owner-only; the
// owner cannot be removed.
func (s *Service) RemoveSigner(ctx context.Context, accountID uint64, signer, caller string) (multisig.Account, error) {
	acct, err := s.ownerMutable(ctx, accountID, caller)
	if err != nil {
		return multisig.Account{}, err
	}

	if signer == acct.Owner {
		return multisig.Account{}, fmt.Errorf("%w: owner cannot be removed from signer set", multisig.ErrUnauthorized)
	}
	if !acct.HasSigner(signer) {
		return multisig.Account{}, fmt.Errorf("%w: %s", multisig.ErrUnknownSigner, signer)
	}

	shrunk := make([]string, 0, len(acct.Signers)-1)
	for _, s := range acct.Signers {
		if s != signer {
			shrunk = append(shrunk, s)
		}
	}
	if !multisig.ValidThreshold(acct.Threshold, len(shrunk)) {
		return multisig.Account{}, fmt.Errorf("%w: threshold %d for %d signers", multisig.ErrInvalidThreshold, acct.Threshold, len(shrunk))
	}

	acct.Signers = shrunk
	return s.apply(ctx, acct, "signer removed")
}

// RotateSigner replaces one signer key with another. Owner-only. Rotating
// the owner's key transfers ownership to the replacement key.
func (s *Service) RotateSigner(ctx context.Context, accountID uint64, oldSigner, newSigner, caller string) (multisig.Account, error) {
	acct, err := s.ownerMutable(ctx, accountID, caller)
	if err != nil {
		return multisig.Account{}, err
	}

	newSigner = strings.TrimSpace(newSigner)
	if newSigner == "" || acct.HasSigner(newSigner) {
		return multisig.Account{}, fmt.Errorf("%w: %s", multisig.ErrDuplicateSigner, newSigner)
	}
	if !acct.HasSigner(oldSigner) {
		return multisig.Account{}, fmt.Errorf("%w: %s", multisig.ErrUnknownSigner, oldSigner)
	}

	rotated := make([]string, len(acct.Signers))
	for i, s := range acct.Signers {
		if s == oldSigner {
			rotated[i] = newSigner
		} else {
			rotated[i] = s
		}
	}
	acct.Signers = rotated
	if acct.Owner == oldSigner {
		acct.Owner = newSigner
	}
	return s.apply(ctx, acct, "signer rotated")
}

// UpdateThreshold sets a new signature threshold. Owner-only.
func (s *Service) UpdateThreshold(ctx context.Context, accountID uint64, newThreshold int, caller string) (multisig.Account, error) {
	acct, err := s.ownerMutable(ctx, accountID, caller)
	if err != nil {
		return multisig.Account{}, err
	}

	if !multisig.ValidThreshold(newThreshold, len(acct.Signers)) {
		return multisig.Account{}, fmt.Errorf("%w: threshold %d for %d signers", multisig.ErrInvalidThreshold, newThreshold, len(acct.Signers))
	}

	acct.Threshold = newThreshold
	return s.apply(ctx, acct, "threshold updated")
}

// Freeze blocks all subsequent proposals and signatures on the account.
// Owner-only; existing pending operations remain readable and expirable.
func (s *Service) Freeze(ctx context.Context, accountID uint64, caller string) (multisig.Account, error) {
	acct, err := s.ownerMutable(ctx, accountID, caller)
	if err != nil {
		return multisig.Account{}, err
	}

	acct.Frozen = true
	updated, err := s.apply(ctx, acct, "account frozen")
	if err != nil {
		return multisig.Account{}, err
	}
	s.bus.Publish(ctx, events.Event{Kind: events.KindAccountFrozen, AccountID: accountID, Actor: caller, At: updated.UpdatedAt})
	return updated, nil
}

// Unfreeze lifts a freeze. Owner-only.
func (s *Service) Unfreeze(ctx context.Context, accountID uint64, caller string) (multisig.Account, error) {
	acct, err := s.ownerMutable(ctx, accountID, caller)
	if err != nil {
		return multisig.Account{}, err
	}

	acct.Frozen = false
	updated, err := s.apply(ctx, acct, "account unfrozen")
	if err != nil {
		return multisig.Account{}, err
	}
	s.bus.Publish(ctx, events.Event{Kind: events.KindAccountUnfrozen, AccountID: accountID, Actor: caller, At: updated.UpdatedAt})
	return updated, nil
}

func (s *Service) ownerMutable(ctx context.Context, accountID uint64, caller string) (multisig.Account, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return multisig.Account{}, err
	}
	if caller != acct.Owner {
		return multisig.Account{}, fmt.Errorf("%w: owner-only operation", multisig.ErrUnauthorized)
	}
	return acct, nil
}

func (s *Service) apply(ctx context.Context, acct multisig.Account, msg string) (multisig.Account, error) {
	acct.UpdatedAt = s.clock.Now()
	updated, err := s.store.UpdateAccount(ctx, acct)
	if err != nil {
		return multisig.Account{}, err
	}
	s.log.WithField("account_id", acct.ID).Info(msg)
	return updated, nil
}
