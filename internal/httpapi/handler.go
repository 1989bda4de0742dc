// Package httpapi exposes the multisig authorization layer over REST. The
// acting principal comes from the auth middleware; request bodies never
// carry a caller field.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	app "github.com/StellarGuilds/multisig_layer/internal/app"
	"github.com/StellarGuilds/multisig_layer/internal/domain/multisig"
	"github.com/StellarGuilds/multisig_layer/internal/metrics"
	"github.com/StellarGuilds/multisig_layer/internal/services/governance"
	"github.com/StellarGuilds/multisig_layer/internal/services/policy"
	"github.com/StellarGuilds/multisig_layer/internal/services/treasury"
	"github.com/StellarGuilds/multisig_layer/pkg/logger"
	"golang.org/x/time/rate"
)

// Options configures the HTTP surface.
type Options struct {
	// JWTSecret enables bearer-token auth; empty trusts the X-Caller header.
	JWTSecret []byte

	// RequestsPerSecond caps the API globally; 0 disables limiting.
	RequestsPerSecond float64
	Burst             int

	// AuditMax bounds the in-memory audit window; AuditFile, when set,
	// additionally appends entries as JSONL.
	AuditMax  int
	AuditFile string

	Log *logger.Logger
}

type handler struct {
	app       *app.Application
	audit     *auditLog
	limiter   *rate.Limiter
	jwtSecret []byte
	log       *logger.Logger
}

// NewHandler returns the REST API handler.
func NewHandler(application *app.Application, opts Options) (http.Handler, error) {
	log := opts.Log
	if log == nil {
		log = logger.NewDefault("httpapi")
	}

	sink, err := newFileAuditSink(opts.AuditFile)
	if err != nil {
		return nil, err
	}

	h := &handler{
		app:       application,
		audit:     newAuditLog(opts.AuditMax, sink),
		limiter:   newLimiter(opts.RequestsPerSecond, opts.Burst),
		jwtSecret: opts.JWTSecret,
		log:       log,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(h.rateLimitMiddleware, h.authMiddleware, h.auditMiddleware)

	api.HandleFunc("/accounts", h.registerAccount).Methods(http.MethodPost)
	api.HandleFunc("/accounts", h.listAccounts).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{account}", h.getAccount).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{account}/signers", h.addSigner).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{account}/signers/rotate", h.rotateSigner).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{account}/signers/{signer}", h.removeSigner).Methods(http.MethodDelete)
	api.HandleFunc("/accounts/{account}/threshold", h.updateThreshold).Methods(http.MethodPut)
	api.HandleFunc("/accounts/{account}/freeze", h.freezeAccount).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{account}/unfreeze", h.unfreezeAccount).Methods(http.MethodPost)

	api.HandleFunc("/accounts/{account}/policies", h.listPolicies).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{account}/policies/{type}", h.setPolicy).Methods(http.MethodPut)
	api.HandleFunc("/accounts/{account}/policies/{type}", h.getPolicy).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{account}/policies/{type}", h.deletePolicy).Methods(http.MethodDelete)

	api.HandleFunc("/accounts/{account}/operations", h.proposeOperation).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{account}/operations", h.listOperations).Methods(http.MethodGet)
	api.HandleFunc("/operations/{operation}", h.getOperation).Methods(http.MethodGet)
	api.HandleFunc("/operations/{operation}/signatures", h.signOperation).Methods(http.MethodPost)
	api.HandleFunc("/operations/{operation}/execute", h.executeOperation).Methods(http.MethodPost)
	api.HandleFunc("/operations/{operation}/cancel", h.cancelOperation).Methods(http.MethodPost)
	api.HandleFunc("/operations/{operation}/expire", h.emergencyExpire).Methods(http.MethodPost)
	api.HandleFunc("/operations/{operation}/extend", h.extendTimeout).Methods(http.MethodPost)
	api.HandleFunc("/operations/{operation}/check-expiry", h.checkExpiry).Methods(http.MethodPost)
	api.HandleFunc("/sweep", h.sweep).Methods(http.MethodPost)

	api.HandleFunc("/treasury/withdrawals", h.proposeWithdrawal).Methods(http.MethodPost)
	api.HandleFunc("/treasury/withdrawals/{operation}/execute", h.executeWithdrawal).Methods(http.MethodPost)
	api.HandleFunc("/governance/executions", h.proposeGovernance).Methods(http.MethodPost)
	api.HandleFunc("/governance/executions/{operation}/execute", h.executeGovernance).Methods(http.MethodPost)

	api.HandleFunc("/audit", h.listAudit).Methods(http.MethodGet)
	api.HandleFunc("/events", h.streamEvents).Methods(http.MethodGet)

	return metrics.InstrumentHandler(r), nil
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

// Accounts ------------------------------------------------------------------

func (h *handler) registerAccount(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Signers        []string `json:"signers"`
		Threshold      int      `json:"threshold"`
		GuildID        string   `json:"guild_id"`
		TimeoutDefault int64    `json:"timeout_default"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	acct, err := h.app.Registry.Register(r.Context(), callerFrom(r), payload.Signers, payload.Threshold, payload.GuildID, payload.TimeoutDefault)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (h *handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		owner = callerFrom(r)
	}
	accts, err := h.app.Registry.ListByOwner(r.Context(), owner)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accts)
}

func (h *handler) getAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "account")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	acct, err := h.app.Registry.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *handler) addSigner(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "account")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var payload struct {
		Signer string `json:"signer"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	acct, err := h.app.Registry.AddSigner(r.Context(), id, payload.Signer, callerFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *handler) removeSigner(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "account")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	acct, err := h.app.Registry.RemoveSigner(r.Context(), id, mux.Vars(r)["signer"], callerFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *handler) rotateSigner(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "account")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var payload struct {
		OldSigner string `json:"old_signer"`
		NewSigner string `json:"new_signer"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	acct, err := h.app.Registry.RotateSigner(r.Context(), id, payload.OldSigner, payload.NewSigner, callerFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *handler) updateThreshold(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "account")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var payload struct {
		Threshold int `json:"threshold"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	acct, err := h.app.Registry.UpdateThreshold(r.Context(), id, payload.Threshold, callerFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *handler) freezeAccount(w http.ResponseWriter, r *http.Request) {
	h.setFrozen(w, r, true)
}

func (h *handler) unfreezeAccount(w http.ResponseWriter, r *http.Request) {
	h.setFrozen(w, r, false)
}

func (h *handler) setFrozen(w http.ResponseWriter, r *http.Request, frozen bool) {
	id, err := pathID(r, "account")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var acct multisig.Account
	if frozen {
		acct, err = h.app.Registry.Freeze(r.Context(), id, callerFrom(r))
	} else {
		acct, err = h.app.Registry.Unfreeze(r.Context(), id, callerFrom(r))
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// Policies ------------------------------------------------------------------

func (h *handler) setPolicy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "account")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var payload struct {
		MinSignatures         int   `json:"min_signatures"`
		RequireAllSigners     bool  `json:"require_all_signers"`
		RequireOwnerSignature bool  `json:"require_owner_signature"`
		TimeoutSeconds        int64 `json:"timeout_seconds"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	pol, err := h.app.Policies.Set(r.Context(), policy.SetParams{
		AccountID:             id,
		Type:                  multisig.OperationType(mux.Vars(r)["type"]),
		MinSignatures:         payload.MinSignatures,
		RequireAllSigners:     payload.RequireAllSigners,
		RequireOwnerSignature: payload.RequireOwnerSignature,
		TimeoutSeconds:        payload.TimeoutSeconds,
	}, callerFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pol)
}

func (h *handler) getPolicy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "account")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pol, err := h.app.Policies.Get(r.Context(), id, multisig.OperationType(mux.Vars(r)["type"]))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pol)
}

func (h *handler) deletePolicy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "account")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.app.Policies.Delete(r.Context(), id, multisig.OperationType(mux.Vars(r)["type"]), callerFrom(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) listPolicies(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "account")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pols, err := h.app.Policies.List(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pols)
}

// Operations ----------------------------------------------------------------

func (h *handler) proposeOperation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "account")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var payload struct {
		OperationType string `json:"operation_type"`
		Description   string `json:"description"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	op, err := h.app.Lifecycle.Propose(r.Context(), id, multisig.OperationType(payload.OperationType), callerFrom(r), payload.Description)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, op)
}

func (h *handler) listOperations(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "account")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ops, err := h.app.Lifecycle.List(r.Context(), id, multisig.State(r.URL.Query().Get("state")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

func (h *handler) getOperation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "operation")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	op, err := h.app.Lifecycle.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (h *handler) signOperation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "operation")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	op, err := h.app.Lifecycle.Sign(r.Context(), id, callerFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (h *handler) executeOperation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "operation")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	token, err := h.app.Lifecycle.Execute(r.Context(), id, callerFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *handler) cancelOperation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "operation")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	op, err := h.app.Lifecycle.Cancel(r.Context(), id, callerFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (h *handler) emergencyExpire(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "operation")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	op, err := h.app.Lifecycle.EmergencyExpire(r.Context(), id, callerFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (h *handler) extendTimeout(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "operation")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var payload struct {
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	op, err := h.app.Lifecycle.EmergencyExtendTimeout(r.Context(), id, callerFrom(r), payload.ExpiresAt)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (h *handler) checkExpiry(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "operation")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	expired, err := h.app.Lifecycle.CheckAndExpire(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"expired": expired})
}

func (h *handler) sweep(w http.ResponseWriter, r *http.Request) {
	var accountID uint64
	if raw := r.URL.Query().Get("account_id"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		accountID = parsed
	}

	expired, err := h.app.Lifecycle.SweepExpired(r.Context(), accountID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": expired})
}

// Adapters ------------------------------------------------------------------

func (h *handler) proposeWithdrawal(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AccountID uint64 `json:"account_id"`
		Recipient string `json:"recipient"`
		Amount    string `json:"amount"`
		Memo      string `json:"memo"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	op, err := h.app.Treasury.ProposeWithdrawal(r.Context(), payload.AccountID, callerFrom(r), treasury.WithdrawalRequest{
		Recipient: payload.Recipient,
		Amount:    payload.Amount,
		Memo:      payload.Memo,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, op)
}

func (h *handler) executeWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "operation")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	token, err := h.app.Treasury.ExecuteWithdrawal(r.Context(), id, callerFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *handler) proposeGovernance(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AccountID  uint64 `json:"account_id"`
		ProposalID uint64 `json:"proposal_id"`
		Summary    string `json:"summary"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	op, err := h.app.Governance.ProposeExecution(r.Context(), payload.AccountID, callerFrom(r), payload.ProposalID, payload.Summary)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, op)
}

func (h *handler) executeGovernance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "operation")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var payload struct {
		ProposalID uint64 `json:"proposal_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	token, err := h.app.Governance.ExecuteProposal(r.Context(), id, payload.ProposalID, callerFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

// Audit ---------------------------------------------------------------------

func (h *handler) listAudit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		limit = parsed
	}
	writeJSON(w, http.StatusOK, h.audit.listLimit(limit))
}

// Helpers -------------------------------------------------------------------

func pathID(r *http.Request, name string) (uint64, error) {
	return strconv.ParseUint(mux.Vars(r)[name], 10, 64)
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, multisig.ErrAccountNotFound),
		errors.Is(err, multisig.ErrOperationNotFound):
		return http.StatusNotFound
	case errors.Is(err, multisig.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, multisig.ErrAccountFrozen),
		errors.Is(err, multisig.ErrOperationNotPending),
		errors.Is(err, multisig.ErrAlreadySigned),
		errors.Is(err, multisig.ErrOperationExpired),
		errors.Is(err, multisig.ErrQuorumNotMet),
		errors.Is(err, multisig.ErrPolicyNotConfigured),
		errors.Is(err, multisig.ErrOperationNotExecuted),
		errors.Is(err, multisig.ErrOperationTypeMismatch),
		errors.Is(err, governance.ErrPayloadMismatch):
		return http.StatusConflict
	case errors.Is(err, multisig.ErrInvalidThreshold),
		errors.Is(err, multisig.ErrDuplicateSigner),
		errors.Is(err, multisig.ErrUnknownSigner),
		errors.Is(err, multisig.ErrNotASigner),
		errors.Is(err, multisig.ErrTimeoutOutOfBounds),
		errors.Is(err, multisig.ErrInvalidPolicy):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
