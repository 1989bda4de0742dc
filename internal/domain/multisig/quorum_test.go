package multisig

import "testing"

func sigs(signers ...string) []Signature {
	out := make([]Signature, 0, len(signers))
	for _, s := range signers {
		out = append(out, Signature{Signer: s})
	}
	return out
}

func TestQuorumMinSignatures(t *testing.T) {
	req := Requirement{
		MinSignatures: 2,
		Owner:         "alice",
		Signers:       []string{"alice", "bob", "carol"},
	}

	if QuorumSatisfied(req, sigs("bob")) {
		t.Fatal("one signature should not satisfy a 2-of-3 requirement")
	}
	if !QuorumSatisfied(req, sigs("bob", "carol")) {
		t.Fatal("two signatures should satisfy a 2-of-3 requirement")
	}
}

func TestQuorumRequireAllSigners(t *testing.T) {
	req := Requirement{
		MinSignatures:     1,
		RequireAllSigners: true,
		Owner:             "alice",
		Signers:           []string{"alice", "bob", "carol"},
	}

	// All-signers overrides the satisfied count branch.
	if QuorumSatisfied(req, sigs("alice", "bob")) {
		t.Fatal("missing signer should fail an all-signers requirement")
	}
	if !QuorumSatisfied(req, sigs("alice", "bob", "carol")) {
		t.Fatal("complete set should satisfy an all-signers requirement")
	}
}

func TestQuorumRequireOwnerSignature(t *testing.T) {
	req := Requirement{
		MinSignatures:         2,
		RequireOwnerSignature: true,
		Owner:                 "alice",
		Signers:               []string{"alice", "bob", "carol"},
	}

	if QuorumSatisfied(req, sigs("bob", "carol")) {
		t.Fatal("count met without the owner should not satisfy the requirement")
	}
	if !QuorumSatisfied(req, sigs("alice", "bob")) {
		t.Fatal("count met including the owner should satisfy the requirement")
	}
}

func TestQuorumIgnoresSignersOutsideSnapshot(t *testing.T) {
	// Signatures are counted as collected; membership screening happened at
	// sign time against the then-current set. The snapshot only matters for
	// the all-signers walk.
	req := Requirement{
		MinSignatures:     3,
		RequireAllSigners: true,
		Owner:             "alice",
		Signers:           []string{"alice", "bob"},
	}
	if !QuorumSatisfied(req, sigs("alice", "bob")) {
		t.Fatal("all snapshot signers present should satisfy the requirement")
	}
}

func TestValidThreshold(t *testing.T) {
	cases := []struct {
		threshold, signers int
		ok                 bool
	}{
		{1, 1, true},
		{0, 3, false},
		{4, 3, false},
		{1, 3, false}, // below ceil(3/2)
		{2, 3, true},
		{3, 3, true},
		{2, 4, true}, // exactly ceil(4/2)
		{1, 2, true}, // ceil(2/2) == 1
		{2, 5, false},
		{3, 5, true},
	}
	for _, c := range cases {
		if got := ValidThreshold(c.threshold, c.signers); got != c.ok {
			t.Fatalf("ValidThreshold(%d, %d) = %v, want %v", c.threshold, c.signers, got, c.ok)
		}
	}
}

func TestOperationExpiredAt(t *testing.T) {
	op := Operation{ExpiresAt: mustTime(t, "2026-03-01T12:00:00Z")}

	if op.ExpiredAt(mustTime(t, "2026-03-01T11:59:59Z")) {
		t.Fatal("before the deadline should not be expired")
	}
	// The deadline itself counts as expired.
	if !op.ExpiredAt(mustTime(t, "2026-03-01T12:00:00Z")) {
		t.Fatal("the deadline instant should be expired")
	}
	if !op.ExpiredAt(mustTime(t, "2026-03-01T12:00:01Z")) {
		t.Fatal("after the deadline should be expired")
	}
}
