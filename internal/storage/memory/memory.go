// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is the default substrate for
// tests and local development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/StellarGuilds/multisig_layer/internal/domain/multisig"
	"github.com/StellarGuilds/multisig_layer/internal/storage"
)

type policyKey struct {
	accountID uint64
	opType    multisig.OperationType
}

// Store holds all records behind one mutex so every call is an atomic
// read-modify-write, matching the storage contract.
type Store struct {
	mu         sync.RWMutex
	nextAcctID uint64
	nextOpID   uint64
	accounts   map[uint64]multisig.Account
	policies   map[policyKey]multisig.Policy
	operations map[uint64]multisig.Operation
}

var _ storage.AccountStore = (*Store)(nil)
var _ storage.PolicyStore = (*Store)(nil)
var _ storage.OperationStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextAcctID: 1,
		nextOpID:   1,
		accounts:   make(map[uint64]multisig.Account),
		policies:   make(map[policyKey]multisig.Policy),
		operations: make(map[uint64]multisig.Operation),
	}
}

// AccountStore implementation -------------------------------------------------

func (s *Store) CreateAccount(_ context.Context, acct multisig.Account) (multisig.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct.ID = s.nextAcctID
	s.nextAcctID++
	acct.Signers = append([]string(nil), acct.Signers...)

	s.accounts[acct.ID] = acct
	return cloneAccount(acct), nil
}

func (s *Store) GetAccount(_ context.Context, id uint64) (multisig.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return multisig.Account{}, multisig.ErrAccountNotFound
	}
	return cloneAccount(acct), nil
}

func (s *Store) UpdateAccount(_ context.Context, acct multisig.Account) (multisig.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.accounts[acct.ID]
	if !ok {
		return multisig.Account{}, multisig.ErrAccountNotFound
	}

	// Nonce moves only through CreateOperation.
	acct.Nonce = original.Nonce
	acct.CreatedAt = original.CreatedAt
	acct.Signers = append([]string(nil), acct.Signers...)

	s.accounts[acct.ID] = acct
	return cloneAccount(acct), nil
}

func (s *Store) ListAccountsByOwner(_ context.Context, owner string) ([]multisig.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]multisig.Account, 0)
	for id := uint64(1); id < s.nextAcctID; id++ {
		acct, ok := s.accounts[id]
		if !ok {
			continue
		}
		if owner == "" || acct.Owner == owner {
			result = append(result, cloneAccount(acct))
		}
	}
	return result, nil
}

// PolicyStore implementation --------------------------------------------------

func (s *Store) UpsertPolicy(_ context.Context, pol multisig.Policy) (multisig.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[pol.AccountID]; !ok {
		return multisig.Policy{}, multisig.ErrAccountNotFound
	}
	s.policies[policyKey{pol.AccountID, pol.Type}] = pol
	return pol, nil
}

func (s *Store) GetPolicy(_ context.Context, accountID uint64, opType multisig.OperationType) (multisig.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pol, ok := s.policies[policyKey{accountID, opType}]
	if !ok {
		return multisig.Policy{}, multisig.ErrPolicyNotConfigured
	}
	return pol, nil
}

func (s *Store) DeletePolicy(_ context.Context, accountID uint64, opType multisig.OperationType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := policyKey{accountID, opType}
	if _, ok := s.policies[key]; !ok {
		return multisig.ErrPolicyNotConfigured
	}
	delete(s.policies, key)
	return nil
}

func (s *Store) ListPolicies(_ context.Context, accountID uint64) ([]multisig.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]multisig.Policy, 0)
	for key, pol := range s.policies {
		if key.accountID == accountID {
			result = append(result, pol)
		}
	}
	return result, nil
}

// OperationStore implementation -----------------------------------------------

func (s *Store) CreateOperation(_ context.Context, op multisig.Operation) (multisig.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[op.AccountID]
	if !ok {
		return multisig.Operation{}, multisig.ErrAccountNotFound
	}
	if acct.Frozen {
		return multisig.Operation{}, multisig.ErrAccountFrozen
	}

	op.NonceSnapshot = acct.Nonce
	acct.Nonce++
	s.accounts[op.AccountID] = acct

	op.ID = s.nextOpID
	s.nextOpID++
	op.State = multisig.StatePending
	op.Signatures = append([]multisig.Signature(nil), op.Signatures...)
	op.Required.Signers = append([]string(nil), op.Required.Signers...)

	s.operations[op.ID] = op
	return cloneOperation(op), nil
}

func (s *Store) GetOperation(_ context.Context, id uint64) (multisig.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.operations[id]
	if !ok {
		return multisig.Operation{}, multisig.ErrOperationNotFound
	}
	return cloneOperation(op), nil
}

func (s *Store) ListOperations(_ context.Context, accountID uint64, state multisig.State) ([]multisig.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Linear scan by id counter; known scaling limitation of the design.
	result := make([]multisig.Operation, 0)
	for id := uint64(1); id < s.nextOpID; id++ {
		op, ok := s.operations[id]
		if !ok {
			continue
		}
		if accountID != 0 && op.AccountID != accountID {
			continue
		}
		if state != "" && op.State != state {
			continue
		}
		result = append(result, cloneOperation(op))
	}
	return result, nil
}

func (s *Store) AppendSignature(_ context.Context, opID uint64, sig multisig.Signature) (multisig.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.operations[opID]
	if !ok {
		return multisig.Operation{}, multisig.ErrOperationNotFound
	}
	if op.State != multisig.StatePending {
		return multisig.Operation{}, multisig.ErrOperationNotPending
	}
	if op.HasSignature(sig.Signer) {
		return multisig.Operation{}, multisig.ErrAlreadySigned
	}

	op.Signatures = append(append([]multisig.Signature(nil), op.Signatures...), sig)
	op.UpdatedAt = sig.SignedAt
	s.operations[opID] = op
	return cloneOperation(op), nil
}

func (s *Store) TransitionState(_ context.Context, opID uint64, from, to multisig.State, at time.Time) (multisig.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.operations[opID]
	if !ok {
		return multisig.Operation{}, multisig.ErrOperationNotFound
	}
	if op.State != from {
		return multisig.Operation{}, multisig.ErrOperationNotPending
	}

	op.State = to
	op.UpdatedAt = at
	s.operations[opID] = op
	return cloneOperation(op), nil
}

func (s *Store) UpdateExpiry(_ context.Context, opID uint64, expiresAt, at time.Time) (multisig.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.operations[opID]
	if !ok {
		return multisig.Operation{}, multisig.ErrOperationNotFound
	}
	if op.State != multisig.StatePending {
		return multisig.Operation{}, multisig.ErrOperationNotPending
	}

	op.ExpiresAt = expiresAt
	op.UpdatedAt = at
	s.operations[opID] = op
	return cloneOperation(op), nil
}

// Helpers --------------------------------------------------------------------

func cloneAccount(acct multisig.Account) multisig.Account {
	acct.Signers = append([]string(nil), acct.Signers...)
	return acct
}

func cloneOperation(op multisig.Operation) multisig.Operation {
	op.Signatures = append([]multisig.Signature(nil), op.Signatures...)
	op.Required.Signers = append([]string(nil), op.Required.Signers...)
	return op
}
