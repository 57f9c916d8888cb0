package entry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/vaultgrant/vaultgrant/internal/grant"
	"github.com/vaultgrant/vaultgrant/internal/observability"
	"github.com/vaultgrant/vaultgrant/internal/platform/httpx"
	"github.com/vaultgrant/vaultgrant/internal/session"
	"github.com/vaultgrant/vaultgrant/internal/shared"
)

// HistorySource lists a grant's approval trail.
type HistorySource interface {
	List(ctx context.Context, grantID uuid.UUID) ([]shared.ApprovalLog, error)
}

// Handler exposes the grant subsystem over HTTP: JSON endpoints for the
// app surfaces plus the link/message activation entry points.
type Handler struct {
	logger      *slog.Logger
	grants      *grant.Service
	router      *Router
	scheme      string
	metrics     *observability.Metrics
	idempotency *shared.SubmissionKeys
	history     HistorySource
	validator   *validator.Validate
}

// NewHandler builds the Handler. metrics, idempotency and history may be nil.
func NewHandler(logger *slog.Logger, grants *grant.Service, router *Router, scheme string, metrics *observability.Metrics, idempotency *shared.SubmissionKeys, history HistorySource) *Handler {
	return &Handler{
		logger:      logger,
		grants:      grants,
		router:      router,
		scheme:      scheme,
		metrics:     metrics,
		idempotency: idempotency,
		history:     history,
		validator:   validator.New(),
	}
}

const verifyRateLimit = 10
const verifyRateWindow = time.Minute

// MountRoutes registers grant endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/grants/nominees", h.createNominee)
	r.Post("/grants/transfers", h.createTransfer)
	r.Post("/grants/emergency", h.createEmergency)
	r.Get("/grants/{token}", h.getGrant)
	r.Get("/grants/{token}/recommendation", h.getRecommendation)
	r.Get("/grants/{token}/history", h.getHistory)
	r.Post("/grants/{token}/resolve", h.resolveGrant)
	r.Post("/grants/{token}/complete", h.completeTransfer)
	r.Post("/grants/{token}/revoke", h.revokeGrant)
	r.Post("/grants/{token}/use", h.useGrant)
	// Pass-code verification gets a much tighter per-IP budget than the
	// rest of the API so codes cannot be brute forced.
	r.With(httprate.Limit(verifyRateLimit, verifyRateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
	)).Post("/emergency/verify", h.verifyPassCode)
	r.Post("/activations/link", h.activateLink)
	r.Post("/activations/message", h.activateMessage)
}

type recordView struct {
	ID             string     `json:"id"`
	Token          string     `json:"token"`
	Kind           string     `json:"kind"`
	State          string     `json:"state"`
	VaultID        string     `json:"vault_id"`
	InitiatorID    string     `json:"initiator_id"`
	CounterpartyID string     `json:"counterparty_id,omitempty"`
	ContactName    string     `json:"contact_name,omitempty"`
	ContactEmail   string     `json:"contact_email,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	Urgency        string     `json:"urgency,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	UsedAt         *time.Time `json:"used_at,omitempty"`

	// Link is the bare deep link for the grant; MessageURL is the richer
	// payload URL for interactive-message bubbles. Both are set only on
	// create responses.
	Link       string `json:"link,omitempty"`
	MessageURL string `json:"message_url,omitempty"`

	// PassCode is present exactly once: in the response of the approving
	// resolve. It is never stored or recoverable afterwards.
	PassCode string `json:"pass_code,omitempty"`
}

func viewOf(rec grant.Record, passCode string) recordView {
	v := recordView{
		ID:           rec.ID.String(),
		Token:        rec.Token,
		Kind:         string(rec.Kind),
		State:        string(rec.EffectiveState(time.Now())),
		VaultID:      rec.VaultID.String(),
		InitiatorID:  rec.InitiatorID.String(),
		ContactName:  rec.Payload.ContactName,
		ContactEmail: rec.Payload.ContactEmail,
		Reason:       rec.Payload.Reason,
		Urgency:      rec.Payload.Urgency,
		CreatedAt:    rec.CreatedAt,
		DecidedAt:    rec.DecidedAt,
		ExpiresAt:    rec.ExpiresAt,
		UsedAt:       rec.Payload.UsedAt,
		PassCode:     passCode,
	}
	if rec.CounterpartyID != uuid.Nil {
		v.CounterpartyID = rec.CounterpartyID.String()
	}
	return v
}

type createNomineeRequest struct {
	VaultID      string `json:"vault_id" validate:"required,uuid4"`
	VaultLabel   string `json:"vault_label" validate:"max=120"`
	ContactName  string `json:"contact_name" validate:"max=120"`
	ContactEmail string `json:"contact_email" validate:"omitempty,email"`
}

func (h *Handler) createNominee(w http.ResponseWriter, r *http.Request) {
	var req createNomineeRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.create(w, r, grant.CreateInput{
		Kind:    grant.KindNominee,
		VaultID: uuid.MustParse(req.VaultID),
		Payload: grant.Payload{ContactName: req.ContactName, ContactEmail: req.ContactEmail},
	}, req.VaultLabel)
}

type createTransferRequest struct {
	VaultID    string `json:"vault_id" validate:"required,uuid4"`
	VaultLabel string `json:"vault_label" validate:"max=120"`
	Reason     string `json:"reason" validate:"required,max=500"`
}

func (h *Handler) createTransfer(w http.ResponseWriter, r *http.Request) {
	var req createTransferRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.create(w, r, grant.CreateInput{
		Kind:    grant.KindTransfer,
		VaultID: uuid.MustParse(req.VaultID),
		Payload: grant.Payload{Reason: req.Reason},
	}, req.VaultLabel)
}

type createEmergencyRequest struct {
	VaultID     string   `json:"vault_id" validate:"required,uuid4"`
	VaultLabel  string   `json:"vault_label" validate:"max=120"`
	Urgency     string   `json:"urgency" validate:"omitempty,oneof=low medium high critical"`
	Reason      string   `json:"reason" validate:"required,max=500"`
	RiskSignals []string `json:"risk_signals" validate:"max=32,dive,max=200"`
}

func (h *Handler) createEmergency(w http.ResponseWriter, r *http.Request) {
	var req createEmergencyRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.create(w, r, grant.CreateInput{
		Kind:    grant.KindEmergency,
		VaultID: uuid.MustParse(req.VaultID),
		Payload: grant.Payload{Reason: req.Reason, Urgency: req.Urgency, RiskSignals: req.RiskSignals},
	}, req.VaultLabel)
}

// create persists the request, falling back to the deferred queue when the
// store is unavailable: the caller gets the record either way, marked
// submitted rather than confirmed. An Idempotency-Key header makes retries
// of the same submission safe across connections.
func (h *Handler) create(w http.ResponseWriter, r *http.Request, in grant.CreateInput, vaultLabel string) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	in.InitiatorID = actor

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" && h.idempotency != nil {
		if err := h.idempotency.Reserve(r.Context(), idemKey, "grants"); err != nil {
			if errors.Is(err, shared.ErrSubmissionReplayed) {
				httpx.RespondError(w, httpx.ErrConflict)
				return
			}
			h.respondError(w, err)
			return
		}
	}

	rec, err := h.grants.Create(r.Context(), in)
	if err == nil {
		httpx.JSON(w, http.StatusCreated, h.createView(rec, vaultLabel))
		return
	}
	if errors.Is(err, session.ErrTimeout) {
		if _, qErr := h.router.DeferCreate(r.Context(), rec); qErr != nil {
			h.respondError(w, qErr)
			return
		}
		httpx.JSON(w, http.StatusAccepted, h.createView(rec, vaultLabel))
		return
	}
	if idemKey != "" && h.idempotency != nil {
		// Let the caller retry with the same key after a hard failure.
		if relErr := h.idempotency.Release(r.Context(), idemKey); relErr != nil && h.logger != nil {
			h.logger.Warn("submission key release failed", slog.String("key", idemKey), slog.Any("error", relErr))
		}
	}
	h.respondError(w, err)
}

// createView decorates the record with the URLs the initiator shares:
// the bare deep link, and the message payload URL carrying display hints.
func (h *Handler) createView(rec grant.Record, vaultLabel string) recordView {
	v := viewOf(rec, "")
	action := ActionForKind(rec.Kind)
	v.Link = FormatMessageURL(h.scheme, Link{Action: action, Token: rec.Token})
	v.MessageURL = FormatMessageURL(h.scheme, Link{
		Action:     action,
		Token:      rec.Token,
		Status:     rec.State,
		VaultLabel: vaultLabel,
		Sender:     rec.InitiatorID.String(),
	})
	return v
}

func (h *Handler) getGrant(w http.ResponseWriter, r *http.Request) {
	rec, err := h.grants.Get(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, viewOf(rec, ""))
}

func (h *Handler) getRecommendation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.grants.Recommend(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"approve":    rec.Approve,
		"confidence": rec.Confidence,
		"reasons":    rec.Reasons,
	})
}

// getHistory returns the approval trail for a grant. Visible only to the
// parties of the grant, not to arbitrary link holders.
func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	rec, err := h.grants.Get(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	if rec.InitiatorID != actor && rec.CounterpartyID != actor {
		httpx.RespondError(w, httpx.ErrForbidden)
		return
	}

	entries := []map[string]any{}
	if h.history != nil {
		logs, err := h.history.List(r.Context(), rec.ID)
		if err != nil {
			h.respondError(w, err)
			return
		}
		for _, l := range logs {
			entries = append(entries, map[string]any{
				"actor_id": l.ActorID.String(),
				"action":   string(l.Action),
				"note":     l.Note,
				"at":       l.At,
			})
		}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type resolveRequest struct {
	Decision string `json:"decision" validate:"required,oneof=accept decline approve deny"`
}

func (h *Handler) resolveGrant(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.grants.Resolve(r.Context(), chi.URLParam(r, "token"), actor, grant.Decision(req.Decision))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.metrics.ObserveResolution(string(res.Record.Kind), string(res.Record.State))
	httpx.JSON(w, http.StatusOK, viewOf(res.Record, res.PassCode))
}

func (h *Handler) completeTransfer(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	rec, err := h.grants.CompleteTransfer(r.Context(), chi.URLParam(r, "token"), actor)
	if err != nil {
		if errors.Is(err, session.ErrTimeout) {
			if _, qErr := h.router.DeferComplete(r.Context(), chi.URLParam(r, "token"), actor); qErr == nil {
				httpx.JSON(w, http.StatusAccepted, map[string]any{"deferred": true})
				return
			}
		}
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, viewOf(rec, ""))
}

func (h *Handler) revokeGrant(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	rec, err := h.grants.Revoke(r.Context(), chi.URLParam(r, "token"), actor)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, viewOf(rec, ""))
}

// useGrant marks an approved emergency pass as consumed.
func (h *Handler) useGrant(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	rec, err := h.grants.Get(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	used, err := h.grants.MarkUsed(r.Context(), rec.ID, actor)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, viewOf(used, ""))
}

type verifyRequest struct {
	VaultID  string `json:"vault_id" validate:"required,uuid4"`
	PassCode string `json:"pass_code" validate:"required,max=32"`
}

// verifyPassCode deliberately answers every failure the same way: an
// unauthenticated caller learns nothing about whether the code was wrong,
// expired or never issued. Identity verification of the person presenting
// the code remains the caller's job.
func (h *Handler) verifyPassCode(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.grants.Verify(r.Context(), req.PassCode, uuid.MustParse(req.VaultID))
	if err != nil {
		h.respondError(w, err)
		return
	}
	if rec == nil {
		httpx.Problem(w, http.StatusNotFound, "Not Verified", "")
		return
	}
	httpx.JSON(w, http.StatusOK, viewOf(*rec, ""))
}

type linkActivationRequest struct {
	URL      string `json:"url" validate:"required,max=2048"`
	Decision string `json:"decision" validate:"required,oneof=accept decline approve deny"`
}

func (h *Handler) activateLink(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req linkActivationRequest
	if !h.decode(w, r, &req) {
		return
	}
	link, err := ParseLink(req.URL, h.scheme)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Link", err.Error())
		return
	}
	h.respondOutcome(w, r, link, actor, grant.Decision(req.Decision), "")
}

type messageActivationRequest struct {
	URL      string `json:"url" validate:"required,max=2048"`
	Decision string `json:"decision" validate:"required,oneof=accept decline approve deny"`
}

// activateMessage handles an interactive-message tap. The embedded URL's
// status is a stale display hint; resolution always goes through the
// store, and the response carries the re-encoded URL for the bubble.
func (h *Handler) activateMessage(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req messageActivationRequest
	if !h.decode(w, r, &req) {
		return
	}
	link, err := ParseLink(req.URL, h.scheme)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Link", err.Error())
		return
	}
	h.respondOutcome(w, r, link, actor, grant.Decision(req.Decision), req.URL)
}

func (h *Handler) respondOutcome(w http.ResponseWriter, r *http.Request, link Link, actor uuid.UUID, decision grant.Decision, messageURL string) {
	outcome, err := h.router.Activate(r.Context(), link, actor, decision)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if outcome.Deferred {
		httpx.JSON(w, http.StatusAccepted, map[string]any{"deferred": true})
		return
	}
	h.metrics.ObserveResolution(string(outcome.Record.Kind), string(outcome.Record.State))

	body := map[string]any{"record": viewOf(*outcome.Record, outcome.PassCode)}
	if messageURL != "" {
		updated, encErr := WithStatus(messageURL, outcome.Record.State)
		if encErr == nil {
			body["message_url"] = updated
		}
	}
	httpx.JSON(w, http.StatusOK, body)
}

// actor pulls the acting user from the session; resolve-type operations
// are meaningless without one.
func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	actor, err := shared.Actor(r.Context())
	if err != nil {
		httpx.RespondError(w, httpx.ErrForbidden)
		return uuid.Nil, false
	}
	return actor, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed JSON", "")
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, grant.ErrNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	case errors.Is(err, grant.ErrInvalidTransition), errors.Is(err, grant.ErrDuplicateToken):
		httpx.RespondError(w, httpx.ErrConflict)
	case errors.Is(err, grant.ErrExpired):
		httpx.RespondError(w, httpx.ErrGone)
	case errors.Is(err, grant.ErrUnauthorized), errors.Is(err, shared.ErrSessionMissing):
		httpx.RespondError(w, httpx.ErrForbidden)
	case errors.Is(err, grant.ErrValidation):
		httpx.RespondError(w, httpx.ErrValidation)
	case errors.Is(err, session.ErrTimeout):
		h.metrics.ObserveStoreTimeout()
		httpx.RespondError(w, httpx.ErrUnavailable)
	default:
		if h.logger != nil {
			h.logger.Error("grant request failed", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
	}
}
