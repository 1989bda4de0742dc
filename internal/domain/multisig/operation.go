package multisig

import "time"

// State is the lifecycle state of an operation. Pending is the only
// non-terminal state; an operation leaves it exactly once.
type State string

const (
	StatePending   State = "pending"
	StateExecuted  State = "executed"
	StateExpired   State = "expired"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state permits no further transitions.
func (s State) Terminal() bool {
	return s == StateExecuted || s == StateExpired || s == StateCancelled
}

// Signature records one signer's approval of an operation. Each signer
// contributes at most one signature.
type Signature struct {
	Signer   string    `json:"signer" db:"signer"`
	SignedAt time.Time `json:"signed_at" db:"signed_at"`
}

// Requirement is the policy and signer set captured into an operation at
// proposal time. Policy or signer changes after proposal do not alter an
// in-flight operation.
type Requirement struct {
	MinSignatures         int      `json:"min_signatures"`
	RequireAllSigners     bool     `json:"require_all_signers"`
	RequireOwnerSignature bool     `json:"require_owner_signature"`
	Owner                 string   `json:"owner"`
	Signers               []string `json:"signers"`
}

// Operation is a gated privileged action awaiting quorum.
//
// Description is free-form context for signers. It is not cryptographically
// bound to the parameters of the eventual privileged action; consuming
// adapters must re-validate what they execute (known limitation of the
// source design).
type Operation struct {
	ID            uint64        `json:"id" db:"id"`
	AccountID     uint64        `json:"account_id" db:"account_id"`
	Type          OperationType `json:"operation_type" db:"operation_type"`
	Proposer      string        `json:"proposer" db:"proposer"`
	NonceSnapshot uint64        `json:"nonce_snapshot" db:"nonce_snapshot"`
	Description   string        `json:"description" db:"description"`
	Required      Requirement   `json:"required_signatures"`
	Signatures    []Signature   `json:"signatures"`
	State         State         `json:"state" db:"state"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at" db:"expires_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// HasSignature reports whether the signer already contributed.
func (o Operation) HasSignature(signer string) bool {
	for _, sig := range o.Signatures {
		if sig.Signer == signer {
			return true
		}
	}
	return false
}

// ExpiredAt reports whether the operation's deadline has passed at the given
// instant. The deadline itself counts as expired.
func (o Operation) ExpiredAt(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// ExecutionToken is the capability returned by a successful execute. The
// lifecycle engine never performs the privileged action itself; integration
// adapters exchange this token with the consuming module.
type ExecutionToken struct {
	Token       string        `json:"token"`
	OperationID uint64        `json:"operation_id"`
	AccountID   uint64        `json:"account_id"`
	Type        OperationType `json:"operation_type"`
	ExecutedBy  string        `json:"executed_by"`
	IssuedAt    time.Time     `json:"issued_at"`
}
