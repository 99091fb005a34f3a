package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/Garudex-Labs/caracal/pkg/api"
	"github.com/Garudex-Labs/caracal/pkg/cache"
	"github.com/Garudex-Labs/caracal/pkg/config"
	"github.com/Garudex-Labs/caracal/pkg/contracts"
	"github.com/Garudex-Labs/caracal/pkg/engine"
	"github.com/Garudex-Labs/caracal/pkg/store"
)

type testEnv struct {
	srv     *httptest.Server
	engine  *engine.Engine
	store   *store.MemoryStore
	issuer  *contracts.Principal
	subject *contracts.Principal
}

func newTestEnv(t *testing.T, opts api.Options) *testEnv {
	t.Helper()

	st := store.NewMemoryStore()
	mc := cache.NewMemoryCache()
	t.Cleanup(func() { _ = mc.Close() })

	eng := engine.New(st, mc, nil, nil, nil, nil)
	server := api.NewServer(eng, st, opts)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	ctx := t.Context()
	issuer, err := eng.CreatePrincipal(ctx, engine.CreatePrincipalRequest{
		Name: "orchestrator", Kind: contracts.PrincipalUser, KeepPrivateKey: true,
	})
	require.NoError(t, err)
	subject, err := eng.CreatePrincipal(ctx, engine.CreatePrincipalRequest{
		Name: "agent-1", Kind: contracts.PrincipalAgent,
	})
	require.NoError(t, err)

	_, err = eng.CreatePolicy(ctx, &contracts.AuthorityPolicy{
		PrincipalID:        issuer.ID,
		AllowedResources:   []string{"api:openai:*"},
		AllowedActions:     []string{"api_call"},
		MaxValiditySeconds: 3600,
		AllowDelegation:    true,
		MaxDelegationDepth: 2,
	})
	require.NoError(t, err)

	return &testEnv{srv: srv, engine: eng, store: st, issuer: issuer, subject: subject}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, payload
}

func (e *testEnv) issueBody() map[string]any {
	return map[string]any{
		"issuer_id":        e.issuer.ID,
		"subject_id":       e.subject.ID,
		"resource_scope":   []string{"api:openai:chat"},
		"action_scope":     []string{"api_call"},
		"validity_seconds": 600,
	}
}

func TestIssueAndValidateOverHTTP(t *testing.T) {
	env := newTestEnv(t, api.Options{})

	resp, body := env.do(t, http.MethodPost, "/mandates", env.issueBody(), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var m contracts.Mandate
	require.NoError(t, json.Unmarshal(body, &m))
	require.NotEmpty(t, m.ID)
	require.NotEmpty(t, m.Signature)
	require.Equal(t, env.subject.ID, m.SubjectID)

	resp, body = env.do(t, http.MethodPost, "/mandates/validate", map[string]any{
		"mandate_id":         m.ID,
		"requested_action":   "api_call",
		"requested_resource": "api:openai:chat",
		"correlation_id":     "corr-1",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var d contracts.Decision
	require.NoError(t, json.Unmarshal(body, &d))
	require.True(t, d.Allowed)
	require.Equal(t, "corr-1", d.CorrelationID)

	// Out-of-scope resource is still HTTP 200, just not allowed.
	resp, body = env.do(t, http.MethodPost, "/mandates/validate", map[string]any{
		"mandate_id":         m.ID,
		"requested_action":   "api_call",
		"requested_resource": "db:users:write",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &d))
	require.False(t, d.Allowed)
	require.NotEmpty(t, d.Reason)
}

func TestIssueDeniedByPolicyIs403(t *testing.T) {
	env := newTestEnv(t, api.Options{})

	req := env.issueBody()
	req["action_scope"] = []string{"payments"}
	resp, body := env.do(t, http.MethodPost, "/mandates", req, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	var envlp api.ErrorEnvelope
	require.NoError(t, json.Unmarshal(body, &envlp))
	require.Equal(t, string(contracts.DenyActionNotAllowed), envlp.ErrorCode)
}

func TestDelegateAndRevokeOverHTTP(t *testing.T) {
	env := newTestEnv(t, api.Options{})

	_, body := env.do(t, http.MethodPost, "/mandates", env.issueBody(), nil)
	var parent contracts.Mandate
	require.NoError(t, json.Unmarshal(body, &parent))

	resp, body := env.do(t, http.MethodPost, "/mandates/delegate", map[string]any{
		"parent_mandate_id": parent.ID,
		"child_subject_id":  env.issuer.ID,
		"resource_scope":    []string{"api:openai:chat"},
		"action_scope":      []string{"api_call"},
		"validity_seconds":  60,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var child contracts.Mandate
	require.NoError(t, json.Unmarshal(body, &child))
	require.Equal(t, 1, child.DelegationDepth)

	resp, body = env.do(t, http.MethodDelete, "/mandates/"+parent.ID, map[string]any{
		"revoker_id": env.issuer.ID,
		"reason":     "credential rotation",
		"cascade":    true,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var res engine.RevokeResult
	require.NoError(t, json.Unmarshal(body, &res))
	require.True(t, res.Revoked)
	require.Equal(t, 2, res.RevokedCount)
}

func TestGetMandateNotFound(t *testing.T) {
	env := newTestEnv(t, api.Options{})

	resp, body := env.do(t, http.MethodGet, "/mandates/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var envlp api.ErrorEnvelope
	require.NoError(t, json.Unmarshal(body, &envlp))
	require.Equal(t, string(contracts.KindNotFound), envlp.ErrorCode)
}

func TestLedgerQueryAndExport(t *testing.T) {
	env := newTestEnv(t, api.Options{})

	_, body := env.do(t, http.MethodPost, "/mandates", env.issueBody(), nil)
	var m contracts.Mandate
	require.NoError(t, json.Unmarshal(body, &m))
	env.do(t, http.MethodPost, "/mandates/validate", map[string]any{
		"mandate_id":         m.ID,
		"requested_action":   "api_call",
		"requested_resource": "api:openai:chat",
	}, nil)

	resp, body := env.do(t, http.MethodGet, "/ledger?principal_id="+env.subject.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page struct {
		Events     []*contracts.LedgerEvent `json:"events"`
		TotalCount int                      `json:"total_count"`
		Limit      int                      `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(body, &page))
	require.Equal(t, 2, page.TotalCount)
	require.Len(t, page.Events, 2)
	require.Equal(t, 100, page.Limit)

	resp, body = env.do(t, http.MethodGet, "/ledger?event_type=validated", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &page))
	require.Equal(t, 1, page.TotalCount)

	// Export: JSONL events plus one integrity trailer line.
	resp, body = env.do(t, http.MethodGet, "/ledger/export", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.Len(t, lines, 3)

	var trailer struct {
		Integrity string `json:"integrity"`
		Events    int    `json:"events"`
		SHA256    string `json:"sha256"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &trailer))
	require.Equal(t, "v1", trailer.Integrity)
	require.Equal(t, 2, trailer.Events)
	require.Len(t, trailer.SHA256, 64)
}

func signToken(t *testing.T, secret, role string) string {
	t.Helper()
	return signTokenAs(t, secret, role, "svc-test")
}

func signTokenAs(t *testing.T, secret, role, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &api.ServiceClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestAdminSurfaceRequiresAdminRole(t *testing.T) {
	const secret = "test-secret"
	env := newTestEnv(t, api.Options{JWTSecret: secret})

	principal := map[string]any{"name": "new-agent", "kind": "agent"}

	// No token.
	resp, _ := env.do(t, http.MethodPost, "/principals", principal, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Valid token, wrong role.
	svc := map[string]string{"Authorization": "Bearer " + signToken(t, secret, "service")}
	resp, _ = env.do(t, http.MethodPost, "/principals", principal, svc)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Admin token.
	admin := map[string]string{"Authorization": "Bearer " + signToken(t, secret, "admin")}
	resp, body := env.do(t, http.MethodPost, "/principals", principal, admin)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	// Non-admin tokens still reach the validation surface.
	resp, _ = env.do(t, http.MethodPost, "/mandates/validate", map[string]any{
		"mandate_id":         "m-x",
		"requested_action":   "api_call",
		"requested_resource": "api:openai:chat",
	}, svc)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Garbage token is rejected everywhere.
	bad := map[string]string{"Authorization": "Bearer not.a.token"}
	resp, _ = env.do(t, http.MethodGet, "/ledger", nil, bad)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, api.Options{})

	resp, body := env.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var h engine.Health
	require.NoError(t, json.Unmarshal(body, &h))
	require.Equal(t, engine.StatusOK, h.Status)
	require.Equal(t, "ok", h.Checks["store"])
}

func TestCapabilityGatedSurfaces(t *testing.T) {
	env := newTestEnv(t, api.Options{Caps: config.Caps{}})

	resp, body := env.do(t, http.MethodGet, "/sso/login", nil, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	var envlp api.ErrorEnvelope
	require.NoError(t, json.Unmarshal(body, &envlp))
	require.Equal(t, "not_available", envlp.ErrorCode)
}

func TestIdempotencyKeyReplaysResponse(t *testing.T) {
	env := newTestEnv(t, api.Options{})

	hdr := map[string]string{"Idempotency-Key": "issue-1"}
	resp1, body1 := env.do(t, http.MethodPost, "/mandates", env.issueBody(), hdr)
	require.Equal(t, http.StatusCreated, resp1.StatusCode)
	resp2, body2 := env.do(t, http.MethodPost, "/mandates", env.issueBody(), hdr)
	require.Equal(t, http.StatusCreated, resp2.StatusCode)
	require.Equal(t, string(body1), string(body2), "replay must not mint a second mandate")

	// Only one issued event in the ledger.
	n, err := env.store.CountLedger(t.Context(), store.LedgerFilter{Kind: contracts.EventIssued})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestIdempotencyReplayRequiresAuth(t *testing.T) {
	const secret = "test-secret"
	env := newTestEnv(t, api.Options{JWTSecret: secret})

	admin := map[string]string{
		"Authorization":   "Bearer " + signToken(t, secret, "admin"),
		"Idempotency-Key": "create-1",
	}
	principal := map[string]any{"name": "new-agent", "kind": "agent"}

	resp, body := env.do(t, http.MethodPost, "/principals", principal, admin)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	// A caller without a token never reaches the replay cache.
	resp, _ = env.do(t, http.MethodPost, "/principals", principal,
		map[string]string{"Idempotency-Key": "create-1"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The original caller retrying the same key gets the cached response.
	resp, body2 := env.do(t, http.MethodPost, "/principals", principal, admin)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, string(body), string(body2))

	// A different caller reusing the key gets its own processing, not the
	// first caller's cached response.
	other := map[string]string{
		"Authorization":   "Bearer " + signTokenAs(t, secret, "admin", "svc-other"),
		"Idempotency-Key": "create-1",
	}
	resp, body3 := env.do(t, http.MethodPost, "/principals",
		map[string]any{"name": "other-agent", "kind": "agent"}, other)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body3))
	var p contracts.Principal
	require.NoError(t, json.Unmarshal(body3, &p))
	require.Equal(t, "other-agent", p.Name)
}

func TestPerIPRateLimit(t *testing.T) {
	env := newTestEnv(t, api.Options{RatePerSecond: 1, RateBurst: 1})

	resp, _ := env.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var limited bool
	for i := 0; i < 5; i++ {
		resp, body := env.do(t, http.MethodGet, "/health", nil, nil)
		if resp.StatusCode == http.StatusTooManyRequests {
			var envlp api.ErrorEnvelope
			require.NoError(t, json.Unmarshal(body, &envlp))
			require.Equal(t, string(contracts.KindRateLimited), envlp.ErrorCode)
			require.Equal(t, "5", resp.Header.Get("Retry-After"))
			limited = true
			break
		}
	}
	require.True(t, limited, "burst of requests should trip the limiter")
}

func TestPoliciesEndpoints(t *testing.T) {
	env := newTestEnv(t, api.Options{})

	resp, body := env.do(t, http.MethodPost, "/policies", map[string]any{
		"principal_id":         env.issuer.ID,
		"allowed_resources":    []string{"api:*"},
		"allowed_actions":      []string{"api_call", "read"},
		"max_validity_seconds": 7200,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var pol contracts.AuthorityPolicy
	require.NoError(t, json.Unmarshal(body, &pol))
	require.Equal(t, 2, pol.Version, "supersedes the fixture policy")
	require.True(t, pol.Active)

	resp, body = env.do(t, http.MethodGet, "/policies?principal_id="+env.issuer.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Policies []*contracts.AuthorityPolicy `json:"policies"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Policies, 2)

	resp, _ = env.do(t, http.MethodGet, "/policies", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMissingRequiredValidationFields(t *testing.T) {
	env := newTestEnv(t, api.Options{})

	resp, body := env.do(t, http.MethodPost, "/mandates/validate", map[string]any{
		"mandate_id": "m-1",
	}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var envlp api.ErrorEnvelope
	require.NoError(t, json.Unmarshal(body, &envlp))
	require.Equal(t, string(contracts.KindValidation), envlp.ErrorCode)
}
