package multisig

import "errors"

// Typed failures returned across the call boundary. Every mutation is
// all-or-nothing: a call that returns one of these applied no effect.
// Callers match with errors.Is.
var (
	ErrAccountNotFound    = errors.New("multisig account not found")
	ErrOperationNotFound  = errors.New("multisig operation not found")
	ErrInvalidThreshold   = errors.New("threshold violates M-of-N bound")
	ErrDuplicateSigner    = errors.New("duplicate signer")
	ErrUnknownSigner      = errors.New("signer not in signer set")
	ErrUnauthorized       = errors.New("caller not authorized")
	ErrAccountFrozen      = errors.New("account frozen")
	ErrNotASigner         = errors.New("caller is not a signer")
	ErrPolicyNotConfigured = errors.New("no policy configured for operation type")
	ErrTimeoutOutOfBounds = errors.New("timeout outside allowed bounds")
	ErrInvalidPolicy      = errors.New("invalid policy")
	ErrOperationNotPending = errors.New("operation not pending")
	ErrAlreadySigned      = errors.New("signer already signed")
	ErrOperationExpired   = errors.New("operation expired")
	ErrQuorumNotMet       = errors.New("quorum not met")

	ErrOperationNotExecuted  = errors.New("operation not executed")
	ErrOperationTypeMismatch = errors.New("operation type mismatch")
)
