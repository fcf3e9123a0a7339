// Package orchestrator drives verification sessions through their state
// machine and decides when money moves:
//
//	created_locally -> provisioning -> awaiting_code -> completed
//	                          |               |-> expired   (refund)
//	                          |-> failed (refund)
//	created_locally | provisioning | awaiting_code -> cancelled (refund)
//
// Every transition is a compare-and-swap on the stored state, taken under a
// per-session lock. Upstream calls happen outside the lock.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/tempverify/internal/errs"
	"github.com/example/tempverify/internal/ledger"
	"github.com/example/tempverify/internal/models"
	"github.com/example/tempverify/internal/pricing"
	"github.com/example/tempverify/internal/store"
	"github.com/example/tempverify/internal/upstream"
)

// Store is the session persistence the orchestrator needs.
type Store interface {
	CreateSession(ctx context.Context, s *models.VerificationSession) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.VerificationSession, error)
	// TransitionSession persists s only while the stored state equals from,
	// returning store.ErrStateConflict otherwise.
	TransitionSession(ctx context.Context, s *models.VerificationSession, from models.SessionState) error
	ListSessions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.VerificationSession, int64, error)
	ListSessionsByState(ctx context.Context, state models.SessionState, limit int) ([]models.VerificationSession, error)
	// ListUnsettledSessions lists cancelled, expired and failed sessions
	// that are not yet settled.
	ListUnsettledSessions(ctx context.Context, limit int) ([]models.VerificationSession, error)
	CountCompletedSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error)
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Provider is the resilient upstream surface.
type Provider interface {
	CreateSession(ctx context.Context, req upstream.CreateRequest) (*upstream.Session, error)
	PollMessage(ctx context.Context, providerID string) (*upstream.PollResult, error)
	CancelSession(ctx context.Context, providerID string) (bool, error)
}

// Pricer quotes verifications.
type Pricer interface {
	Quote(in pricing.QuoteInput) (pricing.Quote, error)
}

// Ledger charges and refunds sessions.
type Ledger interface {
	ReserveAndDebit(ctx context.Context, req ledger.DebitRequest) (ledger.Charge, error)
	Refund(ctx context.Context, transactionID uuid.UUID) (ledger.Refund, error)
	ChargeFor(ctx context.Context, userID, sessionID uuid.UUID) (*models.LedgerEntry, error)
}

// CreateRequest describes a verification to start.
type CreateRequest struct {
	Service    string            `json:"service"`
	Capability models.Capability `json:"capability"`
	AreaCode   string            `json:"area_code"`
	Carrier    string            `json:"carrier"`
	Priority   bool              `json:"priority"`
}

// Failure reasons recorded on sessions.
const (
	ReasonInsufficientFunds   = "insufficient_funds"
	ReasonChargeFailed        = "charge_failed"
	ReasonProviderUnavailable = "provider_unavailable"
	ReasonProviderRejected    = "provider_rejected"
	ReasonSessionTimeout      = "session_timeout"
	ReasonProviderCancelled   = "provider_cancelled"
	ReasonStoreUnavailable    = "store_unavailable"
)

var areaCodePattern = regexp.MustCompile(`^[2-9][0-9]{2}$`)

// Orchestrator is the session state machine.
type Orchestrator struct {
	store    Store
	provider Provider
	pricer   Pricer
	ledger   Ledger
	logger   *zap.Logger
	now      func() time.Time

	locks         *keyedMutex
	cleanup       sync.WaitGroup
	cancelTimeout time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithCancelTimeout bounds best-effort upstream cancellations.
func WithCancelTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.cancelTimeout = d }
}

// New builds an orchestrator.
func New(s Store, p Provider, pricer Pricer, l Ledger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:         s,
		provider:      p,
		pricer:        pricer,
		ledger:        l,
		logger:        zap.NewNop(),
		now:           time.Now,
		locks:         newKeyedMutex(),
		cancelTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Wait blocks until background upstream cleanups have finished.
func (o *Orchestrator) Wait() {
	o.cleanup.Wait()
}

func (r *CreateRequest) normalize() error {
	r.Service = strings.ToLower(strings.TrimSpace(r.Service))
	r.AreaCode = strings.TrimSpace(r.AreaCode)
	r.Carrier = strings.ToLower(strings.TrimSpace(r.Carrier))
	if r.Capability == "" {
		r.Capability = models.CapabilitySMS
	}

	if r.Service == "" {
		return errs.Validation("service", "service is required")
	}
	if len(r.Service) > 64 {
		return errs.Validation("service", "service name is too long")
	}
	if !r.Capability.Valid() {
		return errs.Validation("capability", "capability must be sms or voice")
	}
	if r.AreaCode != "" && !areaCodePattern.MatchString(r.AreaCode) {
		return errs.Validation("area_code", "area code must be three digits")
	}
	return nil
}

func (r CreateRequest) addons() []pricing.Addon {
	var out []pricing.Addon
	if r.AreaCode != "" {
		out = append(out, pricing.AddonCustomAreaCode)
	}
	if r.Carrier != "" {
		out = append(out, pricing.AddonGuaranteedCarrier)
	}
	if r.Priority {
		out = append(out, pricing.AddonPriorityQueue)
	}
	return out
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

// QuoteVerification prices req for userID without charging anything.
func (o *Orchestrator) QuoteVerification(ctx context.Context, userID uuid.UUID, req CreateRequest) (pricing.Quote, error) {
	if err := req.normalize(); err != nil {
		return pricing.Quote{}, err
	}
	return o.quote(ctx, userID, req)
}

func (o *Orchestrator) quote(ctx context.Context, userID uuid.UUID, req CreateRequest) (pricing.Quote, error) {
	user, err := o.store.GetUser(ctx, userID)
	if err != nil {
		return pricing.Quote{}, o.storeError(err, "user", userID)
	}
	usage, err := o.store.CountCompletedSince(ctx, userID, monthStart(o.now()))
	if err != nil {
		return pricing.Quote{}, fmt.Errorf("count monthly usage: %w", err)
	}
	return o.pricer.Quote(pricing.QuoteInput{
		Service:      req.Service,
		Capability:   req.Capability,
		Plan:         user.Plan,
		MonthlyUsage: int(usage),
		Addons:       req.addons(),
	})
}

// CreateVerification quotes, charges and provisions a session. Funds are
// reserved before the provider is called; if provisioning fails the charge is
// refunded and the session ends failed before the error is returned.
func (o *Orchestrator) CreateVerification(ctx context.Context, userID uuid.UUID, req CreateRequest) (SessionView, error) {
	if err := req.normalize(); err != nil {
		return SessionView{}, err
	}
	quote, err := o.quote(ctx, userID, req)
	if err != nil {
		return SessionView{}, err
	}

	sess := &models.VerificationSession{
		BaseModel:   models.BaseModel{ID: uuid.New()},
		UserID:      userID,
		ServiceName: req.Service,
		Capability:  req.Capability,
		AreaCode:    req.AreaCode,
		Carrier:     req.Carrier,
		Priority:    req.Priority,
		State:       models.SessionCreatedLocally,
		Cost:        quote.Final,
	}

	charge, err := o.reserve(ctx, sess, quote)
	if err != nil {
		return SessionView{}, err
	}
	if sess.State != models.SessionProvisioning {
		return viewOf(sess), nil
	}

	created, callErr := o.provider.CreateSession(ctx, upstream.CreateRequest{
		Service:    req.Service,
		Capability: string(req.Capability),
		AreaCode:   req.AreaCode,
		Carrier:    req.Carrier,
		Priority:   req.Priority,
	})

	unlock := o.locks.Lock(sess.ID)
	defer unlock()

	current, err := o.store.GetSession(ctx, sess.ID)
	if err != nil {
		return SessionView{}, fmt.Errorf("reload session: %w", err)
	}

	if current.State != models.SessionProvisioning {
		// Cancelled while the provider was working; the cancel already refunded.
		if callErr == nil {
			o.cancelUpstreamAsync(current.ID, created.ID)
		}
		return viewOf(current), nil
	}

	if callErr != nil {
		return o.failProvisioning(ctx, current, charge, callErr)
	}

	current.ProviderSessionID = created.ID
	current.PhoneNumber = created.Number
	if !created.ExpiresAt.IsZero() {
		exp := created.ExpiresAt
		current.ProviderExpiresAt = &exp
	}
	current.State = models.SessionAwaitingCode
	if err := o.store.TransitionSession(ctx, current, models.SessionProvisioning); err != nil {
		o.cancelUpstreamAsync(current.ID, created.ID)
		return SessionView{}, o.transitionError(err, current.ID)
	}

	o.logger.Info("verification provisioned",
		zap.String("session_id", current.ID.String()),
		zap.String("service", current.ServiceName),
		zap.String("cost", current.Cost.StringFixed(2)),
		zap.String("funding", string(current.Funding)),
	)
	return viewOf(current), nil
}

// reserve persists the new session, charges it and moves it to provisioning.
// On a ledger failure the session is marked failed and the error returned.
func (o *Orchestrator) reserve(ctx context.Context, sess *models.VerificationSession, quote pricing.Quote) (ledger.Charge, error) {
	unlock := o.locks.Lock(sess.ID)
	defer unlock()

	if err := o.store.CreateSession(ctx, sess); err != nil {
		return ledger.Charge{}, fmt.Errorf("create session: %w", err)
	}

	charge, err := o.ledger.ReserveAndDebit(ctx, ledger.DebitRequest{
		UserID:     sess.UserID,
		Amount:     quote.Final,
		Reason:     "verification " + sess.ServiceName,
		SessionID:  sess.ID,
		Tier:       quote.Tier,
		Capability: sess.Capability,
	})
	if err != nil {
		sess.State = models.SessionFailed
		sess.FailureReason = ReasonChargeFailed
		if errs.KindOf(err) == errs.InsufficientFunds {
			sess.FailureReason = ReasonInsufficientFunds
			sess.Settled = true
		}
		if terr := o.store.TransitionSession(ctx, sess, models.SessionCreatedLocally); terr != nil {
			o.logger.Error("mark uncharged session failed", zap.String("session_id", sess.ID.String()), zap.Error(terr))
		}
		if e, ok := errs.As(err); ok {
			e.SessionID = sess.ID.String()
		}
		return ledger.Charge{}, err
	}

	chargeID := charge.EntryID
	sess.ChargeEntryID = &chargeID
	sess.Funding = charge.Funding
	sess.Cost = charge.Amount
	sess.State = models.SessionProvisioning
	if err := o.store.TransitionSession(ctx, sess, models.SessionCreatedLocally); err != nil {
		if !errors.Is(err, store.ErrStateConflict) {
			o.abandonCharge(ctx, sess, chargeID)
			return ledger.Charge{}, fmt.Errorf("start provisioning: %w", err)
		}
		// Cancelled between insert and charge, before the charge was recorded.
		current, gerr := o.store.GetSession(ctx, sess.ID)
		if gerr != nil {
			return ledger.Charge{}, fmt.Errorf("reload session: %w", gerr)
		}
		if _, rerr := o.refundInto(ctx, current, chargeID); rerr != nil {
			return ledger.Charge{}, rerr
		}
		*sess = *current
	}
	return charge, nil
}

// abandonCharge refunds a charge whose session could not record it and marks
// the session failed. When either write fails the session stays
// created_locally and the stale sweep finds the charge by its debit key.
func (o *Orchestrator) abandonCharge(ctx context.Context, sess *models.VerificationSession, chargeID uuid.UUID) {
	log := o.logger.With(zap.String("session_id", sess.ID.String()), zap.String("charge_id", chargeID.String()))

	r, err := o.ledger.Refund(ctx, chargeID)
	if err != nil {
		log.Error("refund of unrecorded charge failed", zap.Error(err))
		return
	}
	refundID := r.EntryID
	sess.State = models.SessionFailed
	sess.FailureReason = ReasonStoreUnavailable
	sess.RefundEntryID = &refundID
	sess.Settled = true
	if err := o.store.TransitionSession(ctx, sess, models.SessionCreatedLocally); err != nil {
		log.Error("mark refunded session failed", zap.Error(err))
		return
	}
	log.Warn("charge refunded after session write failed")
}

// chargeOf returns the session's charge entry id, consulting the ledger when
// the session never recorded it. ok is false for sessions that were not charged.
func (o *Orchestrator) chargeOf(ctx context.Context, sess *models.VerificationSession) (uuid.UUID, bool, error) {
	if sess.ChargeEntryID != nil {
		return *sess.ChargeEntryID, true, nil
	}
	entry, err := o.ledger.ChargeFor(ctx, sess.UserID, sess.ID)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("look up charge of session %s: %w", sess.ID, err)
	}
	if entry == nil {
		return uuid.Nil, false, nil
	}
	return entry.ID, true, nil
}

// settle refunds whatever sess was charged, or marks it settled when it was
// never charged. sess must be in a terminal state other than completed.
func (o *Orchestrator) settle(ctx context.Context, sess *models.VerificationSession) (bool, error) {
	if sess.RefundEntryID != nil {
		return false, nil
	}
	chargeID, charged, err := o.chargeOf(ctx, sess)
	if err != nil {
		return false, err
	}
	if !charged {
		sess.Settled = true
		if err := o.store.TransitionSession(ctx, sess, sess.State); err != nil {
			return false, o.transitionError(err, sess.ID)
		}
		return false, nil
	}
	return o.refundInto(ctx, sess, chargeID)
}

func (o *Orchestrator) failProvisioning(ctx context.Context, sess *models.VerificationSession, charge ledger.Charge, callErr error) (SessionView, error) {
	classified, _ := errs.As(callErr)
	if classified == nil {
		classified = &errs.Error{Kind: errs.UpstreamTransient, Operation: "createSession"}
	}

	sess.State = models.SessionFailed
	sess.FailureReason = ReasonProviderUnavailable
	if classified.Kind == errs.UpstreamRejected {
		sess.FailureReason = ReasonProviderRejected
	}
	if err := o.store.TransitionSession(ctx, sess, models.SessionProvisioning); err != nil {
		return SessionView{}, o.transitionError(err, sess.ID)
	}
	if _, err := o.refundInto(ctx, sess, charge.EntryID); err != nil {
		return SessionView{}, err
	}

	o.logger.Warn("verification provisioning failed",
		zap.String("session_id", sess.ID.String()),
		zap.String("cause", string(classified.Kind)),
		zap.String("provider_code", classified.ProviderCode),
	)
	return viewOf(sess), &errs.Error{
		Kind:         errs.ProviderUnavailable,
		Message:      "could not obtain a number from the provider",
		Cause:        classified.Kind,
		Operation:    classified.Operation,
		ProviderCode: classified.ProviderCode,
		RetryAfter:   classified.RetryAfter,
		SessionID:    sess.ID.String(),
	}
}

// refundInto refunds chargeID and records the refund on sess, whose stored
// state must equal sess.State. Returns whether this call created the refund.
func (o *Orchestrator) refundInto(ctx context.Context, sess *models.VerificationSession, chargeID uuid.UUID) (bool, error) {
	r, err := o.ledger.Refund(ctx, chargeID)
	if err != nil {
		o.logger.Error("refund failed",
			zap.String("session_id", sess.ID.String()),
			zap.String("charge_id", chargeID.String()),
			zap.Error(err),
		)
		return false, fmt.Errorf("refund session %s: %w", sess.ID, err)
	}
	if sess.ChargeEntryID == nil {
		id := chargeID
		sess.ChargeEntryID = &id
	}
	refundID := r.EntryID
	sess.RefundEntryID = &refundID
	sess.Settled = true
	if err := o.store.TransitionSession(ctx, sess, sess.State); err != nil {
		return false, o.transitionError(err, sess.ID)
	}
	return !r.Replayed, nil
}

// GetVerification returns one of the user's sessions.
func (o *Orchestrator) GetVerification(ctx context.Context, userID, sessionID uuid.UUID) (SessionView, error) {
	sess, err := o.load(ctx, userID, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	return viewOf(sess), nil
}

// ListVerifications pages through the user's sessions, newest first.
func (o *Orchestrator) ListVerifications(ctx context.Context, userID uuid.UUID, limit, offset int) ([]SessionView, int64, error) {
	sessions, total, err := o.store.ListSessions(ctx, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	views := make([]SessionView, 0, len(sessions))
	for i := range sessions {
		views = append(views, viewOf(&sessions[i]))
	}
	return views, total, nil
}

// PollMessages asks the provider for the code. A delivered code completes the
// session, a provider-declared expiry ends it with a refund, and anything else
// leaves it waiting. Transient provider errors are returned for the caller to
// retry and never change state. Terminal sessions are answered locally.
func (o *Orchestrator) PollMessages(ctx context.Context, userID, sessionID uuid.UUID) (PollOutcome, error) {
	sess, err := o.load(ctx, userID, sessionID)
	if err != nil {
		return PollOutcome{}, err
	}
	if sess.State != models.SessionAwaitingCode {
		return PollOutcome{Session: viewOf(sess), Messages: storedContent(sess)}, nil
	}

	result, err := o.provider.PollMessage(ctx, sess.ProviderSessionID)
	if err != nil {
		o.logger.Debug("poll failed", zap.String("session_id", sess.ID.String()), zap.Error(err))
		if e, ok := errs.As(err); ok {
			e.SessionID = sess.ID.String()
		}
		return PollOutcome{Session: viewOf(sess), Messages: []Content{}}, err
	}

	unlock := o.locks.Lock(sess.ID)
	defer unlock()

	current, err := o.store.GetSession(ctx, sess.ID)
	if err != nil {
		return PollOutcome{}, fmt.Errorf("reload session: %w", err)
	}
	if current.State != models.SessionAwaitingCode {
		// Cancelled or finished while we were polling; the result is stale.
		return PollOutcome{Session: viewOf(current), Messages: storedContent(current)}, nil
	}

	switch {
	case len(result.Messages) > 0 && result.Status != upstream.StatusExpired:
		return o.complete(ctx, current, result.Messages)
	case result.Status == upstream.StatusExpired:
		return o.finishWithRefund(ctx, current, models.SessionExpired, "")
	case result.Status == upstream.StatusCancelled:
		return o.finishWithRefund(ctx, current, models.SessionCancelled, ReasonProviderCancelled)
	default:
		return PollOutcome{Session: viewOf(current), Messages: []Content{}}, nil
	}
}

func (o *Orchestrator) complete(ctx context.Context, sess *models.VerificationSession, msgs []upstream.Message) (PollOutcome, error) {
	now := o.now()
	contents := make([]Content, 0, len(msgs))
	for _, m := range msgs {
		at := m.ReceivedAt
		if at.IsZero() {
			at = now
		}
		contents = append(contents, Content{Text: m.Text, Code: m.Code, ReceivedAt: at})
	}

	chosen := msgs[len(msgs)-1]
	for _, m := range msgs {
		if m.Code != "" {
			chosen = m
			break
		}
	}
	sess.Code = chosen.Code
	sess.MessageText = chosen.Text
	sess.CompletedAt = &now
	sess.State = models.SessionCompleted
	if err := o.store.TransitionSession(ctx, sess, models.SessionAwaitingCode); err != nil {
		return PollOutcome{}, o.transitionError(err, sess.ID)
	}

	o.logger.Info("verification completed", zap.String("session_id", sess.ID.String()))
	return PollOutcome{Session: viewOf(sess), Messages: contents}, nil
}

func (o *Orchestrator) finishWithRefund(ctx context.Context, sess *models.VerificationSession, to models.SessionState, reason string) (PollOutcome, error) {
	from := sess.State
	now := o.now()
	sess.State = to
	sess.FailureReason = reason
	if to == models.SessionCancelled {
		sess.CancelledAt = &now
	}
	if err := o.store.TransitionSession(ctx, sess, from); err != nil {
		return PollOutcome{}, o.transitionError(err, sess.ID)
	}
	if _, err := o.settle(ctx, sess); err != nil {
		return PollOutcome{}, err
	}

	o.logger.Info("verification ended by provider",
		zap.String("session_id", sess.ID.String()),
		zap.String("state", string(to)),
	)
	return PollOutcome{Session: viewOf(sess), Messages: []Content{}}, nil
}

// CancelVerification cancels a session on behalf of its owner. The local state
// becomes cancelled and the charge is refunded before the provider is told;
// provider cleanup is best-effort. Cancelling twice refunds once. Cancelling a
// completed, expired or failed session is an InvariantViolation.
func (o *Orchestrator) CancelVerification(ctx context.Context, userID, sessionID uuid.UUID) (Ack, error) {
	return o.cancel(ctx, userID, sessionID, "")
}

// CancelStale cancels a session the caller gave up waiting on.
func (o *Orchestrator) CancelStale(ctx context.Context, sessionID uuid.UUID) (Ack, error) {
	return o.cancel(ctx, uuid.Nil, sessionID, ReasonSessionTimeout)
}

func (o *Orchestrator) cancel(ctx context.Context, userID, sessionID uuid.UUID, reason string) (Ack, error) {
	unlock := o.locks.Lock(sessionID)
	defer unlock()

	sess, err := o.load(ctx, userID, sessionID)
	if err != nil {
		return Ack{}, err
	}

	switch sess.State {
	case models.SessionCancelled:
		ack := Ack{Session: viewOf(sess), AlreadyCancelled: true}
		if !sess.Settled {
			// An earlier cancel stopped before its refund was recorded.
			refunded, err := o.settle(ctx, sess)
			if err != nil {
				return Ack{}, err
			}
			ack.Refunded = refunded
			ack.Session = viewOf(sess)
		}
		return ack, nil
	case models.SessionCompleted, models.SessionExpired, models.SessionFailed:
		o.logger.Error("invariant violation: cancel of terminal session",
			zap.String("session_id", sess.ID.String()),
			zap.String("state", string(sess.State)),
		)
		return Ack{}, &errs.Error{
			Kind:      errs.InvariantViolation,
			Message:   fmt.Sprintf("session is %s and cannot be cancelled", sess.State),
			SessionID: sess.ID.String(),
		}
	}

	from := sess.State
	now := o.now()
	sess.State = models.SessionCancelled
	sess.CancelledAt = &now
	sess.FailureReason = reason
	if err := o.store.TransitionSession(ctx, sess, from); err != nil {
		return Ack{}, o.transitionError(err, sess.ID)
	}

	ack := Ack{Session: viewOf(sess)}
	refunded, err := o.settle(ctx, sess)
	if err != nil {
		return Ack{}, err
	}
	ack.Refunded = refunded
	ack.Session = viewOf(sess)

	if sess.ProviderSessionID != "" {
		o.cancelUpstreamAsync(sess.ID, sess.ProviderSessionID)
	}

	o.logger.Info("verification cancelled",
		zap.String("session_id", sess.ID.String()),
		zap.String("from", string(from)),
		zap.Bool("refunded", ack.Refunded),
	)
	return ack, nil
}

// ReconcileRefunds settles sessions that ended without completing but hold
// no refund, e.g. after a crash between the transition and the refund or
// between the charge and recording it on the session. It returns the number
// of refunds recorded.
func (o *Orchestrator) ReconcileRefunds(ctx context.Context, limit int) (int, error) {
	sessions, err := o.store.ListUnsettledSessions(ctx, limit)
	if err != nil {
		return 0, err
	}
	fixed := 0
	for i := range sessions {
		id := sessions[i].ID
		refunded, err := o.reconcileOne(ctx, id)
		if err != nil {
			o.logger.Error("refund reconciliation failed", zap.String("session_id", id.String()), zap.Error(err))
			continue
		}
		if refunded {
			fixed++
		}
	}
	return fixed, nil
}

func (o *Orchestrator) reconcileOne(ctx context.Context, id uuid.UUID) (bool, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	sess, err := o.store.GetSession(ctx, id)
	if err != nil {
		return false, err
	}
	if !sess.State.Terminal() || sess.State == models.SessionCompleted || sess.Settled {
		return false, nil
	}
	if sess.RefundEntryID != nil {
		sess.Settled = true
		return false, o.store.TransitionSession(ctx, sess, sess.State)
	}
	return o.settle(ctx, sess)
}

func (o *Orchestrator) cancelUpstreamAsync(sessionID uuid.UUID, providerID string) {
	o.cleanup.Add(1)
	go func() {
		defer o.cleanup.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.cancelTimeout)
		defer cancel()

		ok, err := o.provider.CancelSession(ctx, providerID)
		if err != nil || !ok {
			o.logger.Warn("upstream cancel not confirmed",
				zap.String("session_id", sessionID.String()),
				zap.String("provider_session_id", providerID),
				zap.Bool("accepted", ok),
				zap.Error(err),
			)
		}
	}()
}

// load fetches a session owned by userID. uuid.Nil skips the owner check.
func (o *Orchestrator) load(ctx context.Context, userID, sessionID uuid.UUID) (*models.VerificationSession, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, o.storeError(err, "verification", sessionID)
	}
	if userID != uuid.Nil && sess.UserID != userID {
		return nil, errs.NotFoundf("verification %s not found", sessionID)
	}
	return sess, nil
}

func (o *Orchestrator) storeError(err error, what string, id uuid.UUID) error {
	if errors.Is(err, store.ErrNotFound) {
		return errs.NotFoundf("%s %s not found", what, id)
	}
	return fmt.Errorf("load %s: %w", what, err)
}

func (o *Orchestrator) transitionError(err error, id uuid.UUID) error {
	if errors.Is(err, store.ErrStateConflict) {
		o.logger.Error("invariant violation: concurrent session transition", zap.String("session_id", id.String()))
		return &errs.Error{
			Kind:      errs.InvariantViolation,
			Message:   "session changed concurrently",
			SessionID: id.String(),
		}
	}
	return fmt.Errorf("update session %s: %w", id, err)
}
