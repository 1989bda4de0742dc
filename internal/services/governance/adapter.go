// Package governance bridges the lifecycle engine and the governance module
// for multisig-gated proposal execution.
package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/StellarGuilds/multisig_layer/internal/domain/multisig"
	"github.com/StellarGuilds/multisig_layer/internal/services/lifecycle"
	"github.com/StellarGuilds/multisig_layer/pkg/logger"
)

// ErrPayloadMismatch is returned when the proposal id being executed does
// not match the one the signers approved in the operation description.
var ErrPayloadMismatch = errors.New("governance payload does not match approved operation")

// Module is the external governance collaborator.
type Module interface {
	ExecuteProposal(ctx context.Context, token multisig.ExecutionToken, proposalID uint64) error
}

// Adapter wires governance proposal execution through the multisig
// lifecycle.
type Adapter struct {
	engine *lifecycle.Engine
	module Module
	log    *logger.Logger
}

// New constructs the governance adapter. A nil module leaves execution
// authorization-only.
func New(engine *lifecycle.Engine, module Module, log *logger.Logger) *Adapter {
	if log == nil {
		log = logger.NewDefault("governance")
	}
	return &Adapter{engine: engine, module: module, log: log}
}

type executionPayload struct {
	ProposalID uint64 `json:"proposal_id"`
	Summary    string `json:"summary,omitempty"`
}

// ProposeExecution proposes multisig approval for executing one governance
// proposal.
func (a *Adapter) ProposeExecution(ctx context.Context, accountID uint64, proposer string, proposalID uint64, summary string) (multisig.Operation, error) {
	desc, err := json.Marshal(executionPayload{ProposalID: proposalID, Summary: summary})
	if err != nil {
		return multisig.Operation{}, err
	}
	return a.engine.Propose(ctx, accountID, multisig.TypeGovernanceUpdate, proposer, string(desc))
}

// ExecuteProposal executes the approved governance operation. Because the
// description is not cryptographically bound, the adapter re-validates that
// the proposal id the caller wants matches the one the signers approved;
// a mismatch fails with ErrPayloadMismatch before the state machine is
// touched.
func (a *Adapter) ExecuteProposal(ctx context.Context, opID, proposalID uint64, caller string) (multisig.ExecutionToken, error) {
	op, err := a.engine.Get(ctx, opID)
	if err != nil {
		return multisig.ExecutionToken{}, err
	}
	if op.Type != multisig.TypeGovernanceUpdate {
		return multisig.ExecutionToken{}, fmt.Errorf("%w: have %s, want %s", multisig.ErrOperationTypeMismatch, op.Type, multisig.TypeGovernanceUpdate)
	}

	approved := gjson.Get(op.Description, "proposal_id")
	if !approved.Exists() || approved.Uint() != proposalID {
		return multisig.ExecutionToken{}, fmt.Errorf("%w: approved %d, requested %d", ErrPayloadMismatch, approved.Uint(), proposalID)
	}

	token, err := a.engine.Execute(ctx, opID, caller)
	if err != nil {
		return multisig.ExecutionToken{}, err
	}

	if a.module == nil {
		return token, nil
	}
	if err := a.module.ExecuteProposal(ctx, token, proposalID); err != nil {
		a.log.WithError(err).
			WithField("operation_id", opID).
			WithField("proposal_id", proposalID).
			Error("governance module rejected executed proposal")
		return token, fmt.Errorf("governance proposal %d authorized but not applied: %w", proposalID, err)
	}

	a.log.WithField("operation_id", opID).
		WithField("proposal_id", proposalID).
		Info("governance proposal executed")
	return token, nil
}

// VerifyExecuted is the gate governance-side code calls before applying an
// operation id it was handed out-of-band.
func (a *Adapter) VerifyExecuted(ctx context.Context, opID uint64) (multisig.Operation, error) {
	return a.engine.RequireExecuted(ctx, opID, multisig.TypeGovernanceUpdate)
}
