package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/StellarGuilds/multisig_layer/internal/domain/multisig"
)

func newAccount(t *testing.T, store *Store) multisig.Account {
	t.Helper()
	acct, err := store.CreateAccount(context.Background(), multisig.Account{
		Owner:     "alice",
		Signers:   []string{"bob", "carol", "alice"},
		Threshold: 2,
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return acct
}

func TestCreateAccountAssignsIDs(t *testing.T) {
	store := New()
	first := newAccount(t, store)
	second := newAccount(t, store)
	if first.ID == 0 || second.ID == 0 || first.ID == second.ID {
		t.Fatalf("ids not unique: %d, %d", first.ID, second.ID)
	}
}

func TestUpdateAccountPreservesNonce(t *testing.T) {
	store := New()
	ctx := context.Background()
	acct := newAccount(t, store)

	if _, err := store.CreateOperation(ctx, multisig.Operation{AccountID: acct.ID}); err != nil {
		t.Fatalf("create operation: %v", err)
	}

	// The caller's copy carries a stale nonce of 0.
	acct.Threshold = 3
	updated, err := store.UpdateAccount(ctx, acct)
	if err != nil {
		t.Fatalf("update account: %v", err)
	}
	if updated.Nonce != 1 {
		t.Fatalf("update clobbered nonce: got %d, want 1", updated.Nonce)
	}
	if updated.Threshold != 3 {
		t.Fatalf("threshold not applied: %d", updated.Threshold)
	}
}

func TestCreateOperationConsumesNonceAtomically(t *testing.T) {
	store := New()
	ctx := context.Background()
	acct := newAccount(t, store)

	const workers = 32
	var wg sync.WaitGroup
	nonces := make(chan uint64, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			op, err := store.CreateOperation(ctx, multisig.Operation{AccountID: acct.ID})
			if err != nil {
				t.Errorf("create operation: %v", err)
				return
			}
			nonces <- op.NonceSnapshot
		}()
	}
	wg.Wait()
	close(nonces)

	seen := make(map[uint64]bool)
	for n := range nonces {
		if seen[n] {
			t.Fatalf("nonce %d issued twice", n)
		}
		seen[n] = true
	}
	if len(seen) != workers {
		t.Fatalf("expected %d distinct nonces, got %d", workers, len(seen))
	}

	refreshed, err := store.GetAccount(ctx, acct.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if refreshed.Nonce != workers {
		t.Fatalf("account nonce = %d, want %d", refreshed.Nonce, workers)
	}
}

func TestCreateOperationRefusesFrozenAccount(t *testing.T) {
	store := New()
	ctx := context.Background()
	acct := newAccount(t, store)

	acct.Frozen = true
	if _, err := store.UpdateAccount(ctx, acct); err != nil {
		t.Fatalf("freeze account: %v", err)
	}

	_, err := store.CreateOperation(ctx, multisig.Operation{AccountID: acct.ID})
	if !errors.Is(err, multisig.ErrAccountFrozen) {
		t.Fatalf("expected ErrAccountFrozen, got %v", err)
	}
}

func TestAppendSignatureRejectsDuplicates(t *testing.T) {
	store := New()
	ctx := context.Background()
	acct := newAccount(t, store)
	op, err := store.CreateOperation(ctx, multisig.Operation{AccountID: acct.ID})
	if err != nil {
		t.Fatalf("create operation: %v", err)
	}

	sig := multisig.Signature{Signer: "bob", SignedAt: time.Now()}
	if _, err := store.AppendSignature(ctx, op.ID, sig); err != nil {
		t.Fatalf("first signature: %v", err)
	}
	if _, err := store.AppendSignature(ctx, op.ID, sig); !errors.Is(err, multisig.ErrAlreadySigned) {
		t.Fatalf("expected ErrAlreadySigned, got %v", err)
	}
}

func TestTransitionStateIsCompareAndSwap(t *testing.T) {
	store := New()
	ctx := context.Background()
	acct := newAccount(t, store)
	op, err := store.CreateOperation(ctx, multisig.Operation{AccountID: acct.ID})
	if err != nil {
		t.Fatalf("create operation: %v", err)
	}

	// Racing execute and expire: exactly one transition wins.
	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan multisig.State, racers)
	for i := 0; i < racers; i++ {
		to := multisig.StateExecuted
		if i%2 == 1 {
			to = multisig.StateExpired
		}
		wg.Add(1)
		go func(to multisig.State) {
			defer wg.Done()
			if _, err := store.TransitionState(ctx, op.ID, multisig.StatePending, to, time.Now()); err == nil {
				wins <- to
			} else if !errors.Is(err, multisig.ErrOperationNotPending) {
				t.Errorf("unexpected transition error: %v", err)
			}
		}(to)
	}
	wg.Wait()
	close(wins)

	var winners []multisig.State
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winning transition, got %d", len(winners))
	}

	final, err := store.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("get operation: %v", err)
	}
	if final.State != winners[0] {
		t.Fatalf("stored state %s does not match winner %s", final.State, winners[0])
	}
}

func TestUpdateExpiryOnlyWhilePending(t *testing.T) {
	store := New()
	ctx := context.Background()
	acct := newAccount(t, store)
	op, err := store.CreateOperation(ctx, multisig.Operation{AccountID: acct.ID})
	if err != nil {
		t.Fatalf("create operation: %v", err)
	}

	if _, err := store.TransitionState(ctx, op.ID, multisig.StatePending, multisig.StateCancelled, time.Now()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err = store.UpdateExpiry(ctx, op.ID, time.Now().Add(time.Hour), time.Now())
	if !errors.Is(err, multisig.ErrOperationNotPending) {
		t.Fatalf("expected ErrOperationNotPending, got %v", err)
	}
}

func TestPolicyAbsenceIsObservable(t *testing.T) {
	store := New()
	ctx := context.Background()
	acct := newAccount(t, store)

	_, err := store.GetPolicy(ctx, acct.ID, multisig.TypeTreasuryWithdrawal)
	if !errors.Is(err, multisig.ErrPolicyNotConfigured) {
		t.Fatalf("expected ErrPolicyNotConfigured, got %v", err)
	}

	pol := multisig.Policy{AccountID: acct.ID, Type: multisig.TypeTreasuryWithdrawal, MinSignatures: 2, TimeoutSeconds: multisig.MinTimeoutSeconds}
	if _, err := store.UpsertPolicy(ctx, pol); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := store.GetPolicy(ctx, acct.ID, multisig.TypeTreasuryWithdrawal); err != nil {
		t.Fatalf("get after upsert: %v", err)
	}

	if err := store.DeletePolicy(ctx, acct.ID, multisig.TypeTreasuryWithdrawal); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err = store.GetPolicy(ctx, acct.ID, multisig.TypeTreasuryWithdrawal)
	if !errors.Is(err, multisig.ErrPolicyNotConfigured) {
		t.Fatalf("expected ErrPolicyNotConfigured after delete, got %v", err)
	}
}

func TestListOperationsFilters(t *testing.T) {
	store := New()
	ctx := context.Background()
	first := newAccount(t, store)
	second := newAccount(t, store)

	opA, _ := store.CreateOperation(ctx, multisig.Operation{AccountID: first.ID})
	opB, _ := store.CreateOperation(ctx, multisig.Operation{AccountID: second.ID})
	if _, err := store.TransitionState(ctx, opB.ID, multisig.StatePending, multisig.StateExecuted, time.Now()); err != nil {
		t.Fatalf("transition: %v", err)
	}

	all, err := store.ListOperations(ctx, 0, "")
	if err != nil || len(all) != 2 {
		t.Fatalf("list all: %v, n=%d", err, len(all))
	}
	if all[0].ID != opA.ID || all[1].ID != opB.ID {
		t.Fatal("operations not in id order")
	}

	pending, err := store.ListOperations(ctx, 0, multisig.StatePending)
	if err != nil || len(pending) != 1 || pending[0].ID != opA.ID {
		t.Fatalf("pending filter: %v, n=%d", err, len(pending))
	}

	scoped, err := store.ListOperations(ctx, second.ID, "")
	if err != nil || len(scoped) != 1 || scoped[0].ID != opB.ID {
		t.Fatalf("account filter: %v, n=%d", err, len(scoped))
	}
}

func TestListAccountsByOwner(t *testing.T) {
	store := New()
	ctx := context.Background()
	newAccount(t, store)
	if _, err := store.CreateAccount(ctx, multisig.Account{Owner: "dave", Signers: []string{"dave"}, Threshold: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}

	mine, err := store.ListAccountsByOwner(ctx, "alice")
	if err != nil || len(mine) != 1 || mine[0].Owner != "alice" {
		t.Fatalf("owner filter: %v, n=%d", err, len(mine))
	}

	all, err := store.ListAccountsByOwner(ctx, "")
	if err != nil || len(all) != 2 {
		t.Fatalf("list all: %v, n=%d", err, len(all))
	}
}
