// Package engine orchestrates the mandate lifecycle: issue, validate,
// delegate, revoke. It is the only component that turns downstream errors
// into denial reasons, and it is fail-closed: a validation that cannot be
// proven allowed is denied.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Garudex-Labs/caracal/pkg/cache"
	"github.com/Garudex-Labs/caracal/pkg/canonical"
	"github.com/Garudex-Labs/caracal/pkg/contracts"
	"github.com/Garudex-Labs/caracal/pkg/crypto"
	"github.com/Garudex-Labs/caracal/pkg/policy"
	"github.com/Garudex-Labs/caracal/pkg/store"
)

// policyCacheTTL bounds how stale a read-through active policy may be.
const policyCacheTTL = 5 * time.Second

// maxAncestryDepth bounds parent walks over mandates and principals.
const maxAncestryDepth = 64

// Clock supplies the current instant. Injected so tests control time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Publisher is the outbound half of the event bus the engine needs.
type Publisher interface {
	Publish(ctx context.Context, ev *contracts.LedgerEvent) error
}

// DenialError reports a policy or delegation denial on the issuance path.
// It is an error for plumbing convenience; the reason is a product of
// evaluation, not a failure.
type DenialError struct {
	Reason contracts.DenialReason
}

func (d *DenialError) Error() string { return "issuance denied: " + string(d.Reason) }

// DeniedReason extracts the denial reason if err is a DenialError.
func DeniedReason(err error) (contracts.DenialReason, bool) {
	var de *DenialError
	if errors.As(err, &de) {
		return de.Reason, true
	}
	return "", false
}

// Engine owns its collaborators; tests construct a fresh one per case.
type Engine struct {
	store   store.Store
	cache   cache.MandateCache
	eval    *policy.Evaluator
	pub     Publisher
	limiter RateLimiter
	clock   Clock
	log     *slog.Logger
	busPing func(ctx context.Context) error

	polMu    sync.Mutex
	polCache map[string]cachedPolicy
}

type cachedPolicy struct {
	pol     *contracts.AuthorityPolicy
	expires time.Time
}

func New(st store.Store, mc cache.MandateCache, eval *policy.Evaluator, pub Publisher, limiter RateLimiter, log *slog.Logger) *Engine {
	if eval == nil {
		eval = policy.NewEvaluator()
	}
	if limiter == nil {
		limiter = UnlimitedRateLimiter{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:    st,
		cache:    mc,
		eval:     eval,
		pub:      pub,
		limiter:  limiter,
		clock:    SystemClock{},
		log:      log.With("component", "engine"),
		polCache: make(map[string]cachedPolicy),
	}
}

// SetClock replaces the engine clock. Test hook.
func (e *Engine) SetClock(c Clock) { e.clock = c }

// SetBusPinger wires the transport health probe used by Health.
func (e *Engine) SetBusPinger(ping func(ctx context.Context) error) { e.busPing = ping }

// IssueRequest carries one issuance (or delegation) request.
type IssueRequest struct {
	IssuerID        string
	SubjectID       string
	ResourceScope   []string
	ActionScope     []string
	ValiditySeconds int64
	// Intent, when set, commits the mandate to one pre-declared operation;
	// its SHA-256 lands on the mandate and must be matched at validation.
	Intent          string
	ParentMandateID string
	CorrelationID   string
	Metadata        map[string]string
}

// Issue evaluates policy and mints a signed mandate. Policy denials come
// back as *DenialError after a denied ledger event is appended; anything
// else is an EngineError.
func (e *Engine) Issue(ctx context.Context, req IssueRequest) (*contracts.Mandate, error) {
	if err := validateIssueRequest(&req); err != nil {
		return nil, err
	}
	now := e.clock.Now()

	// Rate limiting is fail-open: a broken limiter logs and admits.
	allowed, err := e.limiter.Allow(ctx, req.IssuerID, now)
	if err != nil {
		e.log.Warn("rate limiter unavailable, admitting", "issuer", req.IssuerID, "error", err)
	} else if !allowed {
		return nil, contracts.NewError(contracts.KindRateLimited,
			fmt.Sprintf("issuer %s over issuance rate limit", req.IssuerID))
	}

	issuer, err := e.loadPrincipal(ctx, req.IssuerID)
	if err != nil {
		return nil, err
	}
	if _, err := e.loadPrincipal(ctx, req.SubjectID); err != nil {
		return nil, err
	}

	pol, err := e.activePolicy(ctx, req.IssuerID)
	if err != nil {
		return nil, err
	}

	depth := 0
	var parent *contracts.Mandate
	if req.ParentMandateID != "" {
		parent, err = e.loadMandateAuthoritative(ctx, req.ParentMandateID)
		if err != nil {
			return nil, err
		}
		if reason, ok := e.checkParent(parent, req, now); !ok {
			return nil, e.denyIssue(ctx, req, reason, now)
		}
		depth = parent.DelegationDepth + 1
	}

	res := e.eval.Evaluate(pol, policy.Request{
		IssuerID:        req.IssuerID,
		SubjectID:       req.SubjectID,
		ResourceScope:   req.ResourceScope,
		ActionScope:     req.ActionScope,
		ValiditySeconds: req.ValiditySeconds,
		HasParent:       parent != nil,
		DelegationDepth: depth,
	})
	if !res.Permit {
		return nil, e.denyIssue(ctx, req, res.Reason, now)
	}

	m := &contracts.Mandate{
		ID:              uuid.New().String(),
		IssuerID:        req.IssuerID,
		SubjectID:       req.SubjectID,
		ValidFrom:       now,
		ValidUntil:      now.Add(time.Duration(req.ValiditySeconds) * time.Second),
		ResourceScope:   canonical.NFCSlice(req.ResourceScope),
		ActionScope:     canonical.NFCSlice(req.ActionScope),
		CreatedAt:       now,
		ParentID:        req.ParentMandateID,
		DelegationDepth: depth,
		Metadata:        req.Metadata,
	}
	if req.Intent != "" {
		m.IntentHash = canonical.HashBytes([]byte(req.Intent))
	}

	if issuer.PrivateKey == "" {
		return nil, contracts.NewError(contracts.KindSignature,
			fmt.Sprintf("issuer %s holds no signing key", req.IssuerID))
	}
	provider, err := crypto.NewMemoryKeyProviderFromHex(issuer.PrivateKey)
	if err != nil {
		return nil, contracts.WrapError(contracts.KindSignature, "issuer key unusable", err)
	}
	if err := crypto.SignMandate(m, provider); err != nil {
		return nil, contracts.WrapError(contracts.KindSignature, "mandate signing failed", err)
	}

	ev := contracts.NewIssuedEvent(req.SubjectID, m.ID, now)
	ev.CorrelationID = req.CorrelationID
	eventID, err := e.store.PutMandateWithEvent(ctx, m, ev)
	if err != nil {
		return nil, e.classifyStoreErr(err, "persist mandate")
	}
	ev.ID = eventID

	// The committed transaction is authoritative; cache and bus failures
	// degrade to logs.
	if err := e.cache.Store(ctx, m, now); err != nil {
		e.log.Warn("cache populate failed", "mandate", m.ID, "error", err)
	}
	e.publish(ctx, ev)

	e.log.Info("mandate issued", "mandate", m.ID, "issuer", req.IssuerID,
		"subject", req.SubjectID, "depth", depth, "correlation_id", req.CorrelationID)
	return m, nil
}

// DelegateRequest narrows IssueRequest for the delegation wrapper.
type DelegateRequest struct {
	ParentMandateID string
	ChildSubjectID  string
	ResourceScope   []string
	ActionScope     []string
	ValiditySeconds int64
	CorrelationID   string
	Metadata        map[string]string
}

// Delegate issues a child mandate under a parent. The issuer is the
// parent's subject: delegation is the holder passing down a slice of what
// it holds.
func (e *Engine) Delegate(ctx context.Context, req DelegateRequest) (*contracts.Mandate, error) {
	if req.ParentMandateID == "" {
		return nil, contracts.NewError(contracts.KindValidation, "parent_mandate_id is required")
	}
	parent, err := e.loadMandateAuthoritative(ctx, req.ParentMandateID)
	if err != nil {
		return nil, err
	}
	return e.Issue(ctx, IssueRequest{
		IssuerID:        parent.SubjectID,
		SubjectID:       req.ChildSubjectID,
		ResourceScope:   req.ResourceScope,
		ActionScope:     req.ActionScope,
		ValiditySeconds: req.ValiditySeconds,
		ParentMandateID: req.ParentMandateID,
		CorrelationID:   req.CorrelationID,
		Metadata:        req.Metadata,
	})
}

// Validate decides whether the mandate authorizes (action, resource) right
// now. It never returns an error: every failure mode maps onto a denial
// reason, downstream failures included, and the decision is appended to
// the ledger before it is returned.
func (e *Engine) Validate(ctx context.Context, req contracts.ValidationRequest) contracts.Decision {
	now := e.clock.Now()

	m, reason := e.resolveMandate(ctx, req.MandateID, now)
	if reason != "" {
		return e.denyValidation(ctx, req, nil, reason, now)
	}

	if now.Before(m.ValidFrom) {
		return e.denyValidation(ctx, req, m, contracts.DenyNotYetValid, now)
	}
	if m.ExpiredAt(now) {
		return e.denyValidation(ctx, req, m, contracts.DenyExpired, now)
	}
	if m.Revoked {
		return e.denyValidation(ctx, req, m, contracts.DenyRevoked, now)
	}

	issuer, err := e.store.GetPrincipal(ctx, m.IssuerID)
	if err != nil {
		return e.denyValidation(ctx, req, m, e.downstreamReason(err), now)
	}
	ok, err := crypto.VerifyMandate(m, issuer.PublicKey)
	if err != nil || !ok {
		return e.denyValidation(ctx, req, m, contracts.DenySignatureInvalid, now)
	}

	if reason := e.checkAncestry(ctx, m, now); reason != "" {
		return e.denyValidation(ctx, req, m, reason, now)
	}

	if !m.AllowsAction(req.Action) {
		return e.denyValidation(ctx, req, m, contracts.DenyActionOutOfScope, now)
	}
	if !policy.MatchesAny(m.ResourceScope, req.Resource) {
		return e.denyValidation(ctx, req, m, contracts.DenyResourceOutOfScope, now)
	}

	if m.IntentHash != "" {
		if req.Intent != m.IntentHash && canonical.HashBytes([]byte(req.Intent)) != m.IntentHash {
			return e.denyValidation(ctx, req, m, contracts.DenyIntentMismatch, now)
		}
	}

	decision := contracts.Allow(m.ID, m.SubjectID, req.CorrelationID, now)
	ev := contracts.NewValidationEvent(&decision, req.Action, req.Resource)
	eventID, err := e.store.AppendEvent(ctx, ev)
	if err != nil {
		// An allowed decision that cannot be recorded is not provably
		// allowed.
		e.log.Error("ledger append failed on allowed validation", "mandate", m.ID, "error", err)
		return contracts.Deny(m.ID, m.SubjectID, contracts.DenyDownstreamUnavailable, req.CorrelationID, now)
	}
	ev.ID = eventID
	e.publish(ctx, ev)
	return decision
}

// RevokeRequest asks for a mandate (and optionally its descendants) to be
// revoked.
type RevokeRequest struct {
	MandateID string
	RevokerID string
	Reason    string
	Cascade   bool
}

// RevokeResult reports what a revocation touched.
type RevokeResult struct {
	MandateID    string    `json:"mandate_id"`
	Revoked      bool      `json:"revoked"`
	RevokedAt    time.Time `json:"revoked_at"`
	Reason       string    `json:"revocation_reason"`
	Cascade      bool      `json:"cascade"`
	RevokedCount int       `json:"revoked_count"`
}

// Revoke flips the revocation triplet on the target (and descendants when
// cascading), invalidates cache entries, and publishes one revoked event
// per affected mandate.
func (e *Engine) Revoke(ctx context.Context, req RevokeRequest) (*RevokeResult, error) {
	if req.MandateID == "" || req.RevokerID == "" {
		return nil, contracts.NewError(contracts.KindValidation, "mandate_id and revoker_id are required")
	}
	now := e.clock.Now()

	m, err := e.store.GetMandate(ctx, req.MandateID)
	if err != nil {
		return nil, e.classifyStoreErr(err, "load mandate")
	}
	if err := e.checkRevokerAuthority(ctx, req.RevokerID, m); err != nil {
		return nil, err
	}

	res, err := e.store.RevokeMandate(ctx, req.MandateID, req.Reason, req.Cascade, now)
	if err != nil {
		return nil, e.classifyStoreErr(err, "revoke mandate")
	}

	for _, id := range res.MandateIDs {
		if err := e.cache.Invalidate(ctx, id); err != nil {
			e.log.Warn("cache invalidate failed", "mandate", id, "error", err)
		}
	}
	for _, subject := range res.SubjectIDs {
		if err := e.cache.InvalidateBySubject(ctx, subject); err != nil {
			e.log.Warn("cache invalidate by subject failed", "subject", subject, "error", err)
		}
	}

	e.publishEventRange(ctx, res.EventIDs)

	e.log.Info("mandate revoked", "mandate", req.MandateID, "revoker", req.RevokerID,
		"cascade", req.Cascade, "count", len(res.MandateIDs))
	return &RevokeResult{
		MandateID:    req.MandateID,
		Revoked:      true,
		RevokedAt:    now,
		Reason:       req.Reason,
		Cascade:      req.Cascade,
		RevokedCount: len(res.MandateIDs),
	}, nil
}

// CreatePrincipalRequest registers a new identity. When no key material is
// supplied a fresh Ed25519 keypair is generated; KeepPrivateKey controls
// whether the engine retains the private half to sign on the principal's
// behalf.
type CreatePrincipalRequest struct {
	Name           string
	Kind           contracts.PrincipalKind
	ParentID       string
	PublicKey      string
	KeepPrivateKey bool
	Metadata       map[string]string
}

func (e *Engine) CreatePrincipal(ctx context.Context, req CreatePrincipalRequest) (*contracts.Principal, error) {
	if req.Name == "" {
		return nil, contracts.NewError(contracts.KindValidation, "principal name is required")
	}
	if !req.Kind.Valid() {
		return nil, contracts.NewError(contracts.KindValidation,
			fmt.Sprintf("unknown principal kind %q", req.Kind))
	}
	if req.ParentID != "" {
		if _, err := e.loadPrincipal(ctx, req.ParentID); err != nil {
			return nil, err
		}
	}

	p := &contracts.Principal{
		ID:        uuid.New().String(),
		Name:      canonical.NFC(req.Name),
		Kind:      req.Kind,
		ParentID:  req.ParentID,
		PublicKey: req.PublicKey,
		CreatedAt: e.clock.Now(),
		Metadata:  req.Metadata,
	}
	if p.PublicKey == "" {
		pub, priv, err := crypto.GenerateKeypair()
		if err != nil {
			return nil, contracts.WrapError(contracts.KindSignature, "keypair generation failed", err)
		}
		p.PublicKey = pub
		if req.KeepPrivateKey {
			p.PrivateKey = priv
		}
	}
	if err := e.store.PutPrincipal(ctx, p); err != nil {
		return nil, e.classifyStoreErr(err, "persist principal")
	}
	return p, nil
}

// CreatePolicy installs a new active policy version for a principal,
// superseding the previous one, and publishes a policy-changed event.
func (e *Engine) CreatePolicy(ctx context.Context, pol *contracts.AuthorityPolicy) (*contracts.AuthorityPolicy, error) {
	if pol.PrincipalID == "" {
		return nil, contracts.NewError(contracts.KindValidation, "principal_id is required")
	}
	if len(pol.AllowedResources) == 0 || len(pol.AllowedActions) == 0 {
		return nil, contracts.NewError(contracts.KindValidation, "allowed resources and actions must be non-empty")
	}
	if pol.MaxValiditySeconds <= 0 {
		return nil, contracts.NewError(contracts.KindValidation, "max_validity_seconds must be positive")
	}
	if _, err := e.loadPrincipal(ctx, pol.PrincipalID); err != nil {
		return nil, err
	}

	if pol.ID == "" {
		pol.ID = uuid.New().String()
	}
	if pol.CreatedAt.IsZero() {
		pol.CreatedAt = e.clock.Now()
	}
	pol.AllowedResources = canonical.NFCSlice(pol.AllowedResources)
	pol.AllowedActions = canonical.NFCSlice(pol.AllowedActions)
	stored, err := e.store.PutPolicy(ctx, pol)
	if err != nil {
		return nil, e.classifyStoreErr(err, "persist policy")
	}

	e.invalidatePolicy(stored.PrincipalID)
	if err := e.cache.InvalidateBySubject(ctx, stored.PrincipalID); err != nil {
		e.log.Warn("cache invalidate on policy change failed", "principal", stored.PrincipalID, "error", err)
	}

	ev := contracts.NewPolicyChangedEvent(stored.PrincipalID, stored.ID, int64(stored.Version), e.clock.Now())
	if eventID, err := e.store.AppendEvent(ctx, ev); err != nil {
		e.log.Error("policy change ledger append failed", "policy", stored.ID, "error", err)
	} else {
		ev.ID = eventID
		e.publish(ctx, ev)
	}
	return stored, nil
}

// --- internals ---

func validateIssueRequest(req *IssueRequest) error {
	switch {
	case req.IssuerID == "" || req.SubjectID == "":
		return contracts.NewError(contracts.KindValidation, "issuer_id and subject_id are required")
	case len(req.ResourceScope) == 0:
		return contracts.NewError(contracts.KindValidation, "resource_scope must be non-empty")
	case len(req.ActionScope) == 0:
		return contracts.NewError(contracts.KindValidation, "action_scope must be non-empty")
	case req.ValiditySeconds <= 0:
		return contracts.NewError(contracts.KindValidation, "validity_seconds must be positive")
	}
	for _, s := range append(append([]string{}, req.ResourceScope...), req.ActionScope...) {
		if s == "" {
			return contracts.NewError(contracts.KindValidation, "scope entries must be non-empty")
		}
	}
	return nil
}

// checkParent enforces the delegation invariants against the parent at
// issuance time.
func (e *Engine) checkParent(parent *contracts.Mandate, req IssueRequest, now time.Time) (contracts.DenialReason, bool) {
	if parent.Revoked {
		return contracts.DenyParentRevoked, false
	}
	if parent.ExpiredAt(now) {
		return contracts.DenyExpired, false
	}
	if !policy.CoveredAll(parent.ResourceScope, req.ResourceScope) {
		return contracts.DenyResourceNotAllowed, false
	}
	if !policy.ContainsAll(parent.ActionScope, req.ActionScope) {
		return contracts.DenyActionNotAllowed, false
	}
	if now.Add(time.Duration(req.ValiditySeconds) * time.Second).After(parent.ValidUntil) {
		return contracts.DenyValidityExceeded, false
	}
	return "", true
}

// denyIssue appends and publishes the denied event, then wraps the reason.
func (e *Engine) denyIssue(ctx context.Context, req IssueRequest, reason contracts.DenialReason, now time.Time) error {
	ev := contracts.NewDeniedIssueEvent(req.SubjectID, reason, now)
	ev.CorrelationID = req.CorrelationID
	if eventID, err := e.store.AppendEvent(ctx, ev); err != nil {
		e.log.Error("denied-issue ledger append failed", "subject", req.SubjectID, "error", err)
	} else {
		ev.ID = eventID
		e.publish(ctx, ev)
	}
	e.log.Info("issuance denied", "issuer", req.IssuerID, "subject", req.SubjectID,
		"reason", reason, "correlation_id", req.CorrelationID)
	return &DenialError{Reason: reason}
}

// denyValidation appends the denied event and returns the decision.
func (e *Engine) denyValidation(ctx context.Context, req contracts.ValidationRequest, m *contracts.Mandate, reason contracts.DenialReason, now time.Time) contracts.Decision {
	principalID := ""
	mandateID := req.MandateID
	if m != nil {
		principalID = m.SubjectID
		mandateID = m.ID
	}
	decision := contracts.Deny(mandateID, principalID, reason, req.CorrelationID, now)
	ev := contracts.NewValidationEvent(&decision, req.Action, req.Resource)
	if principalID == "" {
		// Pre-resolution denial: attribute the event to the caller-supplied
		// mandate id's unknown subject.
		ev.PrincipalID = "unknown"
	}
	if eventID, err := e.store.AppendEvent(ctx, ev); err != nil {
		e.log.Error("denied-validation ledger append failed", "mandate", mandateID, "error", err)
	} else {
		ev.ID = eventID
		e.publish(ctx, ev)
	}
	e.log.Info("validation denied", "mandate", mandateID, "reason", reason,
		"action", req.Action, "resource", req.Resource, "correlation_id", req.CorrelationID)
	return decision
}

// resolveMandate reads the mandate cache-first. Stale hits get their
// revocation state re-read from the store; the cache is never trusted for
// revocation beyond the staleness window.
func (e *Engine) resolveMandate(ctx context.Context, id string, now time.Time) (*contracts.Mandate, contracts.DenialReason) {
	if id == "" {
		return nil, contracts.DenyUnknownMandate
	}
	entry, err := e.cache.Lookup(ctx, id)
	if err == nil && !entry.Stale(now) {
		return entry.Mandate, ""
	}
	if err != nil && !errors.Is(err, cache.ErrMiss) {
		e.log.Warn("cache lookup failed, falling back to store", "mandate", id, "error", err)
	}

	m, err := e.store.GetMandate(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, contracts.DenyUnknownMandate
		}
		return nil, e.downstreamReason(err)
	}
	if err := e.cache.Store(ctx, m, now); err != nil {
		e.log.Warn("cache refresh failed", "mandate", id, "error", err)
	}
	return m, ""
}

// loadMandateAuthoritative always hits the store: issuance-time parent
// checks must see the committed revocation state.
func (e *Engine) loadMandateAuthoritative(ctx context.Context, id string) (*contracts.Mandate, error) {
	m, err := e.store.GetMandate(ctx, id)
	if err != nil {
		return nil, e.classifyStoreErr(err, "load mandate "+id)
	}
	return m, nil
}

// checkAncestry walks the parent chain and rejects if any ancestor is
// revoked or has expired.
func (e *Engine) checkAncestry(ctx context.Context, m *contracts.Mandate, now time.Time) contracts.DenialReason {
	parentID := m.ParentID
	for depth := 0; parentID != "" && depth < maxAncestryDepth; depth++ {
		parent, err := e.store.GetMandate(ctx, parentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return contracts.DenyParentRevoked
			}
			return e.downstreamReason(err)
		}
		if parent.Revoked {
			return contracts.DenyParentRevoked
		}
		if parent.ExpiredAt(now) {
			return contracts.DenyExpired
		}
		parentID = parent.ParentID
	}
	return ""
}

func (e *Engine) checkRevokerAuthority(ctx context.Context, revokerID string, m *contracts.Mandate) error {
	if revokerID == m.IssuerID {
		return nil
	}
	revoker, err := e.loadPrincipal(ctx, revokerID)
	if err != nil {
		return err
	}
	if revoker.IsAdmin() {
		return nil
	}
	// An ancestor of the issuer in the principal hierarchy may revoke.
	issuer, err := e.loadPrincipal(ctx, m.IssuerID)
	if err != nil {
		return err
	}
	parentID := issuer.ParentID
	for depth := 0; parentID != "" && depth < maxAncestryDepth; depth++ {
		if parentID == revokerID {
			return nil
		}
		p, err := e.loadPrincipal(ctx, parentID)
		if err != nil {
			return err
		}
		parentID = p.ParentID
	}
	return contracts.NewError(contracts.KindValidation,
		fmt.Sprintf("principal %s lacks authority to revoke mandate %s", revokerID, m.ID))
}

func (e *Engine) loadPrincipal(ctx context.Context, id string) (*contracts.Principal, error) {
	p, err := e.store.GetPrincipal(ctx, id)
	if err != nil {
		return nil, e.classifyStoreErr(err, "load principal "+id)
	}
	if p.Deleted {
		return nil, contracts.NewError(contracts.KindNotFound, fmt.Sprintf("principal %s is deleted", id))
	}
	return p, nil
}

// activePolicy is a short read-through cache over GetActivePolicy. A
// missing policy is returned as nil, which the evaluator denies as
// policy_inactive.
func (e *Engine) activePolicy(ctx context.Context, principalID string) (*contracts.AuthorityPolicy, error) {
	now := e.clock.Now()
	e.polMu.Lock()
	if c, ok := e.polCache[principalID]; ok && now.Before(c.expires) {
		e.polMu.Unlock()
		return c.pol, nil
	}
	e.polMu.Unlock()

	pol, err := e.store.GetActivePolicy(ctx, principalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			pol = nil
		} else {
			return nil, e.classifyStoreErr(err, "load active policy")
		}
	}
	e.polMu.Lock()
	e.polCache[principalID] = cachedPolicy{pol: pol, expires: now.Add(policyCacheTTL)}
	e.polMu.Unlock()
	return pol, nil
}

func (e *Engine) invalidatePolicy(principalID string) {
	e.polMu.Lock()
	delete(e.polCache, principalID)
	e.polMu.Unlock()
}

// publish forwards an event to the bus, logging rather than failing: the
// store transaction is authoritative and publication is at-least-once.
func (e *Engine) publish(ctx context.Context, ev *contracts.LedgerEvent) {
	if e.pub == nil {
		return
	}
	if err := e.pub.Publish(ctx, ev); err != nil {
		e.log.Warn("event publish deferred", "event_uid", ev.EventUID, "kind", ev.Kind, "error", err)
	}
}

// publishEventRange loads the ledger rows appended by a store-side
// transaction (revocation cascade) and publishes each.
func (e *Engine) publishEventRange(ctx context.Context, eventIDs []int64) {
	if len(eventIDs) == 0 {
		return
	}
	first, last := eventIDs[0], eventIDs[0]
	for _, id := range eventIDs[1:] {
		if id < first {
			first = id
		}
		if id > last {
			last = id
		}
	}
	events, err := e.store.GetEventsByIDRange(ctx, first, last)
	if err != nil {
		e.log.Error("load revocation events for publish failed", "first", first, "last", last, "error", err)
		return
	}
	want := make(map[int64]struct{}, len(eventIDs))
	for _, id := range eventIDs {
		want[id] = struct{}{}
	}
	for _, ev := range events {
		if _, ok := want[ev.ID]; ok {
			e.publish(ctx, ev)
		}
	}
}

func (e *Engine) classifyStoreErr(err error, op string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return contracts.WrapError(contracts.KindNotFound, op, err)
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrAlreadyRevoked):
		return contracts.WrapError(contracts.KindConflict, op, err)
	case contracts.IsKind(err, contracts.KindDownstream):
		return err
	default:
		return contracts.WrapError(contracts.KindDownstream, op, err)
	}
}

// downstreamReason maps a load failure onto the fail-closed denial.
func (e *Engine) downstreamReason(err error) contracts.DenialReason {
	e.log.Error("downstream failure during validation", "error", err)
	return contracts.DenyDownstreamUnavailable
}
