package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Garudex-Labs/caracal/pkg/contracts"
	"github.com/Garudex-Labs/caracal/pkg/engine"
	"github.com/Garudex-Labs/caracal/pkg/ledger"
	"github.com/Garudex-Labs/caracal/pkg/store"
)

const maxBodyBytes = 1 << 20 // 1MB

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type issueRequest struct {
	IssuerID        string            `json:"issuer_id"`
	SubjectID       string            `json:"subject_id"`
	ResourceScope   []string          `json:"resource_scope"`
	ActionScope     []string          `json:"action_scope"`
	ValiditySeconds int64             `json:"validity_seconds"`
	Intent          string            `json:"intent,omitempty"`
	ParentMandateID string            `json:"parent_mandate_id,omitempty"`
	CorrelationID   string            `json:"correlation_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if !decodeBody(w, r, &req) {
		return
	}

	m, err := s.engine.Issue(r.Context(), engine.IssueRequest{
		IssuerID:        req.IssuerID,
		SubjectID:       req.SubjectID,
		ResourceScope:   req.ResourceScope,
		ActionScope:     req.ActionScope,
		ValiditySeconds: req.ValiditySeconds,
		Intent:          req.Intent,
		ParentMandateID: req.ParentMandateID,
		CorrelationID:   req.CorrelationID,
		Metadata:        req.Metadata,
	})
	if err != nil {
		WriteEngineError(w, err, req.CorrelationID)
		return
	}

	s.log.Info("mandate issued", "mandate_id", m.ID,
		"issuer_id", m.IssuerID, "subject_id", m.SubjectID,
		"correlation_id", req.CorrelationID)
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req contracts.ValidationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MandateID == "" || req.Action == "" || req.Resource == "" {
		WriteBadRequest(w, "mandate_id, requested_action and requested_resource are required")
		return
	}

	// Denials are decisions, not HTTP failures: always 200.
	decision := s.engine.Validate(r.Context(), req)
	s.log.Info("validation decision",
		"mandate_id", req.MandateID, "principal_id", decision.PrincipalID,
		"allowed", decision.Allowed, "reason", string(decision.Reason),
		"correlation_id", decision.CorrelationID)
	writeJSON(w, http.StatusOK, decision)
}

type delegateRequest struct {
	ParentMandateID string            `json:"parent_mandate_id"`
	ChildSubjectID  string            `json:"child_subject_id"`
	ResourceScope   []string          `json:"resource_scope"`
	ActionScope     []string          `json:"action_scope"`
	ValiditySeconds int64             `json:"validity_seconds"`
	CorrelationID   string            `json:"correlation_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	var req delegateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	m, err := s.engine.Delegate(r.Context(), engine.DelegateRequest{
		ParentMandateID: req.ParentMandateID,
		ChildSubjectID:  req.ChildSubjectID,
		ResourceScope:   req.ResourceScope,
		ActionScope:     req.ActionScope,
		ValiditySeconds: req.ValiditySeconds,
		CorrelationID:   req.CorrelationID,
		Metadata:        req.Metadata,
	})
	if err != nil {
		WriteEngineError(w, err, req.CorrelationID)
		return
	}

	s.log.Info("mandate delegated", "mandate_id", m.ID,
		"parent_mandate_id", req.ParentMandateID, "subject_id", m.SubjectID,
		"depth", m.DelegationDepth, "correlation_id", req.CorrelationID)
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleGetMandate(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMandate(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteEngineError(w, classifyStoreErr(err), "")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type revokeRequest struct {
	RevokerID string `json:"revoker_id"`
	Reason    string `json:"reason"`
	Cascade   bool   `json:"cascade"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := s.engine.Revoke(r.Context(), engine.RevokeRequest{
		MandateID: r.PathValue("id"),
		RevokerID: req.RevokerID,
		Reason:    req.Reason,
		Cascade:   req.Cascade,
	})
	if err != nil {
		WriteEngineError(w, err, "")
		return
	}

	s.log.Info("mandate revoked", "mandate_id", res.MandateID,
		"revoker_id", req.RevokerID, "cascade", req.Cascade,
		"revoked_count", res.RevokedCount)
	writeJSON(w, http.StatusOK, res)
}

type ledgerResponse struct {
	Events     []*contracts.LedgerEvent `json:"events"`
	TotalCount int                      `json:"total_count"`
	Limit      int                      `json:"limit"`
	Offset     int                      `json:"offset"`
}

func ledgerFilterFromQuery(r *http.Request) (store.LedgerFilter, error) {
	q := r.URL.Query()
	f := store.LedgerFilter{
		PrincipalID: q.Get("principal_id"),
		MandateID:   q.Get("mandate_id"),
		Kind:        contracts.EventKind(q.Get("event_type")),
	}
	var err error
	if v := q.Get("start_time"); v != "" {
		if f.From, err = time.Parse(time.RFC3339, v); err != nil {
			return f, fmt.Errorf("start_time: %w", err)
		}
	}
	if v := q.Get("end_time"); v != "" {
		if f.To, err = time.Parse(time.RFC3339, v); err != nil {
			return f, fmt.Errorf("end_time: %w", err)
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil {
			return f, fmt.Errorf("limit: %w", err)
		}
	}
	if v := q.Get("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil {
			return f, fmt.Errorf("offset: %w", err)
		}
	}
	return f, nil
}

func (s *Server) handleQueryLedger(w http.ResponseWriter, r *http.Request) {
	f, err := ledgerFilterFromQuery(r)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}

	events, err := s.store.QueryLedger(r.Context(), f)
	if err != nil {
		WriteEngineError(w, classifyStoreErr(err), "")
		return
	}
	total, err := s.store.CountLedger(r.Context(), f)
	if err != nil {
		WriteEngineError(w, classifyStoreErr(err), "")
		return
	}
	if events == nil {
		events = []*contracts.LedgerEvent{}
	}

	writeJSON(w, http.StatusOK, &ledgerResponse{
		Events:     events,
		TotalCount: total,
		Limit:      f.Limit,
		Offset:     f.Offset,
	})
}

// handleExportLedger streams the filtered ledger as JSON Lines with a
// trailing integrity line carrying the event count and a running SHA-256
// of the exported bytes.
func (s *Server) handleExportLedger(w http.ResponseWriter, r *http.Request) {
	f, err := ledgerFilterFromQuery(r)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/jsonl")
	h := sha256.New()
	n, err := ledger.Export(r.Context(), s.store, f, io.MultiWriter(w, h))
	if err != nil {
		// Headers are gone; log and truncate.
		s.log.Error("ledger export aborted", "exported", n, "error", err)
		return
	}

	trailer := struct {
		Integrity string `json:"integrity"`
		Events    int    `json:"events"`
		SHA256    string `json:"sha256"`
	}{"v1", n, hex.EncodeToString(h.Sum(nil))}
	_ = json.NewEncoder(w).Encode(trailer)
}

type createPrincipalRequest struct {
	Name           string            `json:"name"`
	Kind           string            `json:"kind"`
	ParentID       string            `json:"parent_id,omitempty"`
	PublicKey      string            `json:"public_key,omitempty"`
	KeepPrivateKey bool              `json:"keep_private_key,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleCreatePrincipal(w http.ResponseWriter, r *http.Request) {
	var req createPrincipalRequest
	if !decodeBody(w, r, &req) {
		return
	}

	p, err := s.engine.CreatePrincipal(r.Context(), engine.CreatePrincipalRequest{
		Name:           req.Name,
		Kind:           contracts.PrincipalKind(req.Kind),
		ParentID:       req.ParentID,
		PublicKey:      req.PublicKey,
		KeepPrivateKey: req.KeepPrivateKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		WriteEngineError(w, err, "")
		return
	}

	s.log.Info("principal created", "principal_id", p.ID, "name", p.Name, "kind", string(p.Kind))
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListPrincipals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("size"))
	if size <= 0 {
		size = 100
	}

	principals, err := s.store.ListPrincipals(r.Context(), page, size)
	if err != nil {
		WriteEngineError(w, classifyStoreErr(err), "")
		return
	}
	if principals == nil {
		principals = []*contracts.Principal{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"principals": principals,
		"page":       page,
		"size":       size,
	})
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var pol contracts.AuthorityPolicy
	if !decodeBody(w, r, &pol) {
		return
	}

	created, err := s.engine.CreatePolicy(r.Context(), &pol)
	if err != nil {
		WriteEngineError(w, err, "")
		return
	}

	s.log.Info("policy created", "policy_id", created.ID,
		"principal_id", created.PrincipalID, "version", created.Version)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	principalID := r.URL.Query().Get("principal_id")
	if principalID == "" {
		WriteBadRequest(w, "principal_id query parameter is required")
		return
	}

	policies, err := s.store.ListPolicyVersions(r.Context(), principalID)
	if err != nil {
		WriteEngineError(w, classifyStoreErr(err), "")
		return
	}
	if policies == nil {
		policies = []*contracts.AuthorityPolicy{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		WriteError(w, http.StatusServiceUnavailable, string(contracts.KindDownstream),
			"snapshotting is not running on this instance", "")
		return
	}
	snap, err := s.snapshots.Create(r.Context(), contracts.SnapshotManual)
	if err != nil {
		WriteEngineError(w, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.GetLatestSnapshot(r.Context())
	if err != nil {
		WriteEngineError(w, classifyStoreErr(err), "")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.engine.Health(r.Context())
	status := http.StatusOK
	if h.Status != engine.StatusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

// classifyStoreErr turns bare store sentinels from direct store reads into
// typed engine errors so the envelope mapping applies.
func classifyStoreErr(err error) error {
	switch {
	case contracts.KindOf(err) != contracts.KindInternal:
		return err
	case errors.Is(err, store.ErrNotFound):
		return contracts.WrapError(contracts.KindNotFound, "not found", err)
	case errors.Is(err, store.ErrConflict):
		return contracts.WrapError(contracts.KindConflict, "conflict", err)
	default:
		return contracts.WrapError(contracts.KindDownstream, "store unavailable", err)
	}
}
