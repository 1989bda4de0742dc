// Package treasury bridges the lifecycle engine and the treasury module.
// Proposals are convenience wrappers that serialize the withdrawal request
// into the operation description; execution exchanges the capability token
// with the module. The description is advisory, not cryptographically bound,
// so the adapter re-reads it at execution time and hands the module exactly
// what the signers saw.
package treasury

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/StellarGuilds/multisig_layer/internal/domain/multisig"
	"github.com/StellarGuilds/multisig_layer/internal/services/lifecycle"
	"github.com/StellarGuilds/multisig_layer/pkg/logger"
)

// WithdrawalRequest is the payload signers approve.
type WithdrawalRequest struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Memo      string `json:"memo,omitempty"`
}

// Module is the external treasury collaborator. Withdraw is called exactly
// once per executed operation, with the capability token the engine issued.
type Module interface {
	Withdraw(ctx context.Context, token multisig.ExecutionToken, req WithdrawalRequest) error
}

// Adapter wires treasury withdrawals through the multisig lifecycle.
type Adapter struct {
	engine *lifecycle.Engine
	module Module
	log    *logger.Logger
}

// New constructs the treasury adapter. A nil module leaves execution
// authorization-only: the operation still transitions and the token is
// returned to the caller.
func New(engine *lifecycle.Engine, module Module, log *logger.Logger) *Adapter {
	if log == nil {
		log = logger.NewDefault("treasury")
	}
	return &Adapter{engine: engine, module: module, log: log}
}

// ProposeWithdrawal proposes a treasury withdrawal operation.
func (a *Adapter) ProposeWithdrawal(ctx context.Context, accountID uint64, proposer string, req WithdrawalRequest) (multisig.Operation, error) {
	if req.Recipient == "" || req.Amount == "" {
		return multisig.Operation{}, fmt.Errorf("%w: recipient and amount are required", multisig.ErrInvalidPolicy)
	}

	desc, err := json.Marshal(req)
	if err != nil {
		return multisig.Operation{}, err
	}
	return a.engine.Propose(ctx, accountID, multisig.TypeTreasuryWithdrawal, proposer, string(desc))
}

// ExecuteWithdrawal executes an approved withdrawal. The operation must be a
// treasury withdrawal; executing any other type fails with
// ErrOperationTypeMismatch before the state machine is touched. A module
// failure after the transition is reported to the caller, but the
// authorization itself stands: the operation is executed and will not run
// again.
func (a *Adapter) ExecuteWithdrawal(ctx context.Context, opID uint64, caller string) (multisig.ExecutionToken, error) {
	op, err := a.engine.Get(ctx, opID)
	if err != nil {
		return multisig.ExecutionToken{}, err
	}
	if op.Type != multisig.TypeTreasuryWithdrawal {
		return multisig.ExecutionToken{}, fmt.Errorf("%w: have %s, want %s", multisig.ErrOperationTypeMismatch, op.Type, multisig.TypeTreasuryWithdrawal)
	}

	token, err := a.engine.Execute(ctx, opID, caller)
	if err != nil {
		return multisig.ExecutionToken{}, err
	}

	if a.module == nil {
		return token, nil
	}

	req := WithdrawalRequest{
		Recipient: gjson.Get(op.Description, "recipient").String(),
		Amount:    gjson.Get(op.Description, "amount").String(),
		Memo:      gjson.Get(op.Description, "memo").String(),
	}
	if err := a.module.Withdraw(ctx, token, req); err != nil {
		a.log.WithError(err).
			WithField("operation_id", opID).
			Error("treasury module rejected executed withdrawal")
		return token, fmt.Errorf("treasury withdrawal %d authorized but not settled: %w", opID, err)
	}

	a.log.WithField("operation_id", opID).
		WithField("recipient", req.Recipient).
		WithField("amount", req.Amount).
		Info("treasury withdrawal settled")
	return token, nil
}

// VerifyExecuted is the gate treasury-side code calls before releasing funds
// for an operation id it was handed out-of-band.
func (a *Adapter) VerifyExecuted(ctx context.Context, opID uint64) (multisig.Operation, error) {
	return a.engine.RequireExecuted(ctx, opID, multisig.TypeTreasuryWithdrawal)
}
