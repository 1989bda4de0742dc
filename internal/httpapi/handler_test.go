package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	app "github.com/StellarGuilds/multisig_layer/internal/app"
	"github.com/StellarGuilds/multisig_layer/internal/domain/multisig"
)

func newTestHandler(t *testing.T, opts Options) (http.Handler, *multisig.ManualClock) {
	t.Helper()
	clock := multisig.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	application, err := app.New(app.Options{Clock: clock})
	if err != nil {
		t.Fatalf("new application: %v", err)
	}

	handler, err := NewHandler(application, opts)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return handler, clock
}

func doJSON(t *testing.T, handler http.Handler, method, path, caller string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Buffer
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewBuffer(raw)
	} else {
		body = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, body)
	if caller != "" {
		req.Header.Set("X-Caller", caller)
	}
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	return resp
}

func decode(t *testing.T, resp *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(resp.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", resp.Body.String(), err)
	}
}

func TestAccountOperationFlow(t *testing.T) {
	handler, _ := newTestHandler(t, Options{})

	// Register: the caller becomes the owner.
	resp := doJSON(t, handler, http.MethodPost, "/v1/accounts", "alice", map[string]any{
		"signers":   []string{"bob", "carol"},
		"threshold": 2,
		"guild_id":  "guild-1",
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", resp.Code, resp.Body.String())
	}
	var acct multisig.Account
	decode(t, resp, &acct)
	if acct.Owner != "alice" || len(acct.Signers) != 3 {
		t.Fatalf("bad account: %+v", acct)
	}

	base := fmt.Sprintf("/v1/accounts/%d", acct.ID)

	// Policy must exist before proposing.
	resp = doJSON(t, handler, http.MethodPost, base+"/operations", "bob", map[string]any{
		"operation_type": "treasury_withdrawal",
	})
	if resp.Code != http.StatusConflict {
		t.Fatalf("propose without policy: %d", resp.Code)
	}

	resp = doJSON(t, handler, http.MethodPut, base+"/policies/treasury_withdrawal", "alice", map[string]any{
		"min_signatures":  2,
		"timeout_seconds": 86400,
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("set policy: %d %s", resp.Code, resp.Body.String())
	}

	resp = doJSON(t, handler, http.MethodPost, base+"/operations", "bob", map[string]any{
		"operation_type": "treasury_withdrawal",
		"description":    `{"recipient":"GDXYZ","amount":"100"}`,
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("propose: %d %s", resp.Code, resp.Body.String())
	}
	var op multisig.Operation
	decode(t, resp, &op)

	opBase := fmt.Sprintf("/v1/operations/%d", op.ID)

	// Quorum not met yet.
	resp = doJSON(t, handler, http.MethodPost, opBase+"/execute", "bob", nil)
	if resp.Code != http.StatusConflict {
		t.Fatalf("premature execute: %d", resp.Code)
	}

	for _, signer := range []string{"bob", "carol"} {
		resp = doJSON(t, handler, http.MethodPost, opBase+"/signatures", signer, nil)
		if resp.Code != http.StatusOK {
			t.Fatalf("sign %s: %d %s", signer, resp.Code, resp.Body.String())
		}
	}

	// Duplicate signature.
	resp = doJSON(t, handler, http.MethodPost, opBase+"/signatures", "bob", nil)
	if resp.Code != http.StatusConflict {
		t.Fatalf("double sign: %d", resp.Code)
	}

	resp = doJSON(t, handler, http.MethodPost, opBase+"/execute", "bob", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("execute: %d %s", resp.Code, resp.Body.String())
	}
	var token multisig.ExecutionToken
	decode(t, resp, &token)
	if token.Token == "" || token.OperationID != op.ID {
		t.Fatalf("bad token: %+v", token)
	}

	// Terminal operations stay queryable.
	resp = doJSON(t, handler, http.MethodGet, opBase, "alice", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("get operation: %d", resp.Code)
	}
	decode(t, resp, &op)
	if op.State != multisig.StateExecuted {
		t.Fatalf("state = %s", op.State)
	}
}

func TestExpiryOverHTTP(t *testing.T) {
	handler, clock := newTestHandler(t, Options{})

	resp := doJSON(t, handler, http.MethodPost, "/v1/accounts", "alice", map[string]any{
		"signers":   []string{"bob"},
		"threshold": 1,
	})
	var acct multisig.Account
	decode(t, resp, &acct)

	base := fmt.Sprintf("/v1/accounts/%d", acct.ID)
	doJSON(t, handler, http.MethodPut, base+"/policies/governance_update", "alice", map[string]any{
		"min_signatures":  1,
		"timeout_seconds": 86400,
	})

	resp = doJSON(t, handler, http.MethodPost, base+"/operations", "bob", map[string]any{
		"operation_type": "governance_update",
	})
	var op multisig.Operation
	decode(t, resp, &op)
	opBase := fmt.Sprintf("/v1/operations/%d", op.ID)

	clock.Advance(25 * time.Hour)

	resp = doJSON(t, handler, http.MethodPost, opBase+"/signatures", "bob", nil)
	if resp.Code != http.StatusConflict {
		t.Fatalf("sign past deadline: %d", resp.Code)
	}

	resp = doJSON(t, handler, http.MethodPost, "/v1/sweep", "alice", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("sweep: %d", resp.Code)
	}
	var swept map[string]int
	decode(t, resp, &swept)
	if swept["expired"] != 1 {
		t.Fatalf("swept %d operations", swept["expired"])
	}
}

func TestAuthRequired(t *testing.T) {
	handler, _ := newTestHandler(t, Options{})

	resp := doJSON(t, handler, http.MethodGet, "/v1/accounts", "", nil)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("missing caller: %d", resp.Code)
	}

	// Health and metrics stay open.
	resp = doJSON(t, handler, http.MethodGet, "/healthz", "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("healthz: %d", resp.Code)
	}
	resp = doJSON(t, handler, http.MethodGet, "/metrics", "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("metrics: %d", resp.Code)
	}
}

func TestJWTAuth(t *testing.T) {
	secret := []byte("test-secret")
	handler, _ := newTestHandler(t, Options{JWTSecret: secret})

	// X-Caller is ignored once JWT auth is on.
	resp := doJSON(t, handler, http.MethodGet, "/v1/accounts", "alice", nil)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("header fallback with jwt enabled: %d", resp.Code)
	}

	token, err := IssueToken(secret, "alice", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/accounts", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("jwt request: %d %s", rec.Code, rec.Body.String())
	}
}

func TestOwnerOnlyRoutesOverHTTP(t *testing.T) {
	handler, _ := newTestHandler(t, Options{})

	resp := doJSON(t, handler, http.MethodPost, "/v1/accounts", "alice", map[string]any{
		"signers":   []string{"bob"},
		"threshold": 1,
	})
	var acct multisig.Account
	decode(t, resp, &acct)
	base := fmt.Sprintf("/v1/accounts/%d", acct.ID)

	resp = doJSON(t, handler, http.MethodPost, base+"/freeze", "bob", nil)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("freeze by non-owner: %d", resp.Code)
	}
	resp = doJSON(t, handler, http.MethodPut, base+"/policies/emergency_action", "bob", map[string]any{
		"min_signatures":  1,
		"timeout_seconds": 86400,
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("policy by non-owner: %d", resp.Code)
	}
}

func TestValidationErrorsOverHTTP(t *testing.T) {
	handler, _ := newTestHandler(t, Options{})

	// Threshold above signer count.
	resp := doJSON(t, handler, http.MethodPost, "/v1/accounts", "alice", map[string]any{
		"signers":   []string{"bob"},
		"threshold": 5,
	})
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad threshold: %d", resp.Code)
	}

	// Timeout outside the envelope is rejected, never clamped.
	resp = doJSON(t, handler, http.MethodPost, "/v1/accounts", "alice", map[string]any{
		"signers":   []string{"bob"},
		"threshold": 1,
	})
	var acct multisig.Account
	decode(t, resp, &acct)
	resp = doJSON(t, handler, http.MethodPut, fmt.Sprintf("/v1/accounts/%d/policies/treasury_withdrawal", acct.ID), "alice", map[string]any{
		"min_signatures":  1,
		"timeout_seconds": 3600,
	})
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("short timeout: %d", resp.Code)
	}
	resp = doJSON(t, handler, http.MethodGet, fmt.Sprintf("/v1/accounts/%d/policies/treasury_withdrawal", acct.ID), "alice", nil)
	if resp.Code != http.StatusConflict {
		t.Fatalf("rejected policy must not be stored: %d", resp.Code)
	}

	// Unknown payload fields are refused.
	resp = doJSON(t, handler, http.MethodPost, "/v1/accounts", "alice", map[string]any{
		"signers":  []string{"bob"},
		"treshold": 1,
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: %d", resp.Code)
	}
}

func TestAuditTrail(t *testing.T) {
	handler, _ := newTestHandler(t, Options{AuditMax: 10})

	doJSON(t, handler, http.MethodPost, "/v1/accounts", "alice", map[string]any{
		"signers":   []string{"bob"},
		"threshold": 1,
	})

	resp := doJSON(t, handler, http.MethodGet, "/v1/audit", "alice", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("audit: %d", resp.Code)
	}
	var entries []auditEntry
	decode(t, resp, &entries)
	if len(entries) == 0 {
		t.Fatal("no audit entries recorded")
	}
	if entries[0].Caller != "alice" || entries[0].Method != http.MethodPost {
		t.Fatalf("bad entry: %+v", entries[0])
	}
}

func TestRateLimit(t *testing.T) {
	handler, _ := newTestHandler(t, Options{RequestsPerSecond: 1, Burst: 1})

	first := doJSON(t, handler, http.MethodGet, "/v1/accounts", "alice", nil)
	if first.Code != http.StatusOK {
		t.Fatalf("first request: %d", first.Code)
	}
	second := doJSON(t, handler, http.MethodGet, "/v1/accounts", "alice", nil)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: %d", second.Code)
	}
}
