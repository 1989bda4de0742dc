// Package multisig defines the domain model of the multisig authorization
// layer: accounts with threshold signer sets, per-operation-type policies,
// and gated operations moving through a propose/sign/execute state machine.
package multisig

import "time"

// Account is a registered multisig account. The owner is always a member of
// Signers, but ownership and membership are tracked as independent facts:
// privilege checks look at Owner, quorum checks look at Signers.
type Account struct {
	ID        uint64    `json:"id" db:"id"`
	Owner     string    `json:"owner" db:"owner"`
	Signers   []string  `json:"signers" db:"signers"`
	Threshold int       `json:"threshold" db:"threshold"`
	GuildID   string    `json:"guild_id,omitempty" db:"guild_id"`
	Nonce     uint64    `json:"nonce" db:"nonce"`
	Frozen    bool      `json:"frozen" db:"frozen"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HasSigner reports whether the principal is a current signer.
func (a Account) HasSigner(principal string) bool {
	for _, s := range a.Signers {
		if s == principal {
			return true
		}
	}
	return false
}

// MinSafeThreshold returns the smallest threshold allowed for a signer set of
// the given size: ceil(n/2).
func MinSafeThreshold(signerCount int) int {
	return (signerCount + 1) / 2
}

// ValidThreshold reports whether threshold satisfies the M-of-N bound
// 1 <= threshold <= signerCount and threshold >= ceil(signerCount/2).
func ValidThreshold(threshold, signerCount int) bool {
	if threshold < 1 || threshold > signerCount {
		return false
	}
	return threshold >= MinSafeThreshold(signerCount)
}
