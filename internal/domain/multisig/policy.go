package multisig

import "time"

// OperationType tags an operation so the applicable policy can be selected.
type OperationType string

const (
	TypeTreasuryWithdrawal OperationType = "treasury_withdrawal"
	TypeGovernanceUpdate   OperationType = "governance_update"
	TypeGuildConfigChange  OperationType = "guild_config_change"
	TypeEmergencyAction    OperationType = "emergency_action"
)

// KnownType reports whether t is one of the supported operation types.
func KnownType(t OperationType) bool {
	switch t {
	case TypeTreasuryWithdrawal, TypeGovernanceUpdate, TypeGuildConfigChange, TypeEmergencyAction:
		return true
	}
	return false
}

// Policy timeout bounds. Values outside the closed interval are rejected
// when a policy is set, never silently clamped.
const (
	MinTimeoutSeconds int64 = 24 * 60 * 60
	MaxTimeoutSeconds int64 = 48 * 60 * 60
)

// Policy is the per-(account, operation type) approval requirement. Absence
// of a policy is an observable state: an operation type without a policy
// cannot be proposed.
type Policy struct {
	AccountID             uint64        `json:"account_id" db:"account_id"`
	Type                  OperationType `json:"operation_type" db:"operation_type"`
	MinSignatures         int           `json:"min_signatures" db:"min_signatures"`
	RequireAllSigners     bool          `json:"require_all_signers" db:"require_all_signers"`
	RequireOwnerSignature bool          `json:"require_owner_signature" db:"require_owner_signature"`
	TimeoutSeconds        int64         `json:"timeout_seconds" db:"timeout_seconds"`
	UpdatedAt             time.Time     `json:"updated_at" db:"updated_at"`
}

// ValidTimeout reports whether seconds is inside the [24h, 48h] envelope.
func ValidTimeout(seconds int64) bool {
	return seconds >= MinTimeoutSeconds && seconds <= MaxTimeoutSeconds
}
