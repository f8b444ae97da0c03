// Package router dispatches classified intents to domain handlers, one at a
// time and in the order the user stated them.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"homeai-bot/internal/adapter"
	"homeai-bot/internal/catalog"
	"homeai-bot/internal/domain"
	"homeai-bot/internal/gate"
	"homeai-bot/internal/lifecycle"
)

const (
	DefaultMinConfidence  = 0.6
	DefaultAdapterTimeout = 10 * time.Second
	// DefaultConfirmationWindow is how long a confirmation question stays
	// visible. It outlives the pending action so a late answer is reported
	// as stale instead of being read as a new request.
	DefaultConfirmationWindow = 30 * time.Minute
)

var errAdapterPanic = errors.New("router: adapter panic")

// Recorder receives per-dispatch observations.
type Recorder interface {
	ObserveDispatch(domainName, status, errorKind string)
	ObserveAdapter(domainName, outcome string, d time.Duration)
}

type Config struct {
	MinConfidence  float64
	AdapterTimeout time.Duration
	// QuestionTTL bounds how long a slot question stays answerable.
	QuestionTTL time.Duration
	// ConfirmationWindow must exceed the gate TTL; shorter values fall back
	// to the default.
	ConfirmationWindow time.Duration
	Now                func() time.Time
	Logger             *slog.Logger
	Metrics            Recorder
}

// Router owns no state between calls.
type Router struct {
	catalog  *catalog.Catalog
	registry *adapter.Registry
	gate     *gate.Gate
	machine  *lifecycle.Machine
	cfg      Config
}

func New(cat *catalog.Catalog, reg *adapter.Registry, g *gate.Gate, m *lifecycle.Machine, cfg Config) (*Router, error) {
	if cat == nil || reg == nil || g == nil || m == nil {
		return nil, errors.New("router: catalog, registry, gate and lifecycle machine are required")
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	if cfg.AdapterTimeout <= 0 {
		cfg.AdapterTimeout = DefaultAdapterTimeout
	}
	if cfg.QuestionTTL <= 0 {
		cfg.QuestionTTL = g.TTL()
	}
	if cfg.ConfirmationWindow <= g.TTL() {
		cfg.ConfirmationWindow = max(DefaultConfirmationWindow, 2*g.TTL())
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopRecorder{}
	}
	return &Router{catalog: cat, registry: reg, gate: g, machine: m, cfg: cfg}, nil
}

// Request is the input of Route. Tenant is mutated in place by lifecycle
// transitions and must be held under the tenant lock by the caller.
type Request struct {
	Tenant         *domain.Tenant
	ConversationID string
	UserIdentity   string
	Intents        []domain.Intent
}

// Response lists one result per dispatched intent, in order.
type Response struct {
	Results []domain.DispatchResult
	// Handoffs are deferred intents released by an onboarding completion that
	// belong to another conversation of the household.
	Handoffs []domain.DeferredIntent
}

// Route dispatches every intent sequentially. A failing intent never stops
// its siblings. A deferred intent released by an onboarding completion in
// the same conversation is dispatched right after the intent that released it.
func (r *Router) Route(ctx context.Context, req Request) Response {
	queue := append([]domain.Intent(nil), req.Intents...)
	out := Response{Results: make([]domain.DispatchResult, 0, len(queue))}

	for i := 0; i < len(queue); i++ {
		res, replay := r.dispatch(ctx, req, i, queue[i])
		out.Results = append(out.Results, res)
		r.observe(req, res)

		if replay == nil {
			continue
		}
		if replay.ConversationID == "" || replay.ConversationID == req.ConversationID {
			queue = append(queue[:i+1], append([]domain.Intent{replay.Intent}, queue[i+1:]...)...)
			continue
		}
		out.Handoffs = append(out.Handoffs, *replay)
	}
	return out
}

func (r *Router) dispatch(ctx context.Context, req Request, idx int, in domain.Intent) (domain.DispatchResult, *domain.DeferredIntent) {
	res := domain.DispatchResult{Index: idx, Domain: in.Domain, Action: in.Action}

	dom, okDomain := r.catalog.Domain(in.Domain)
	act, okAction := r.catalog.Action(in.Domain, in.Action)
	if !okDomain || !okAction {
		return unknown(res), nil
	}

	if in.Confirmation == nil && in.Confidence < r.cfg.MinConfidence {
		res.Status = domain.StatusClarification
		res.ErrorKind = domain.ErrClassificationAmbiguous
		res.Text = fmt.Sprintf("No estoy seguro de haber entendido lo de %s. ¿Me lo decís de otra forma?", dom.Description)
		return res, nil
	}

	if in.Confirmation == nil {
		if slot, missing := act.MissingSlot(in.Slots); missing {
			now := r.cfg.Now()
			res.Status = domain.StatusNeedsInput
			res.Text = slot.Prompt
			res.OpenQuestion = &domain.OpenQuestion{
				Kind:      domain.QuestionSlot,
				Domain:    in.Domain,
				Action:    in.Action,
				Slot:      slot.Name,
				Prompt:    slot.Prompt,
				Slots:     domain.CopySlots(in.Slots),
				AskedAt:   now,
				ExpiresAt: now.Add(r.cfg.QuestionTTL),
			}
			return res, nil
		}
	}

	verdict, err := r.machine.Check(ctx, req.Tenant, dom, act, lifecycle.Subject{
		ConversationID: req.ConversationID,
		UserIdentity:   req.UserIdentity,
		Intent:         in,
	})
	if err != nil {
		return r.internal(req, res, err), nil
	}
	switch verdict.Decision {
	case lifecycle.Block:
		res.Status = domain.StatusBlocked
		res.ErrorKind = domain.ErrLifecycleBlocked
		res.Text = verdict.Text
		return res, nil
	case lifecycle.Onboard:
		return r.onboard(ctx, req, res, in), nil
	}

	if lifecycle.External(act.Signal) {
		outcome, err := r.machine.HandleSignal(ctx, req.Tenant, dom.Name, act, in.Slots)
		if err != nil {
			return r.internal(req, res, err), nil
		}
		res.Status = outcome.Status
		res.ErrorKind = outcome.ErrorKind
		res.Text = outcome.Text
		return res, outcome.Replay
	}

	h, err := r.registry.Handler(dom.Name)
	if err != nil {
		return unknown(res), nil
	}

	ticket, err := r.gate.Admit(ctx, gate.Admission{
		TenantID:       req.Tenant.ID,
		ConversationID: req.ConversationID,
		Intent:         in,
		Action:         *act,
	})
	if errors.Is(err, gate.ErrStalePendingAction) {
		res.Status = domain.StatusClarification
		res.ErrorKind = domain.ErrStalePendingAction
		res.Text = "Esa confirmación ya no es válida. Si todavía querés hacerlo, pedímelo de nuevo."
		return res, nil
	}
	if err != nil {
		return r.internal(req, res, err), nil
	}

	switch ticket.State {
	case gate.StateDiscarded:
		res.Status = domain.StatusCancelled
		res.Text = "Listo, no lo hago."
		return res, nil
	case gate.StatePendingConfirmation:
		prompt := act.Confirm
		if prompt == "" {
			prompt = fmt.Sprintf("¿Confirmás que querés %s?", humanize(act.Name))
		}
		res.Status = domain.StatusNeedsConfirmation
		res.Text = prompt
		res.OpenQuestion = &domain.OpenQuestion{
			Kind:      domain.QuestionConfirmation,
			Domain:    in.Domain,
			Action:    in.Action,
			Prompt:    prompt,
			Slots:     domain.CopySlots(ticket.Pending.Slots),
			Signature: ticket.Pending.Signature,
			AskedAt:   ticket.Pending.CreatedAt,
			ExpiresAt: ticket.Pending.CreatedAt.Add(r.cfg.ConfirmationWindow),
		}
		return res, nil
	}

	if err := ticket.Begin(); err != nil {
		return r.internal(req, res, err), nil
	}
	result, err := r.invoke(ctx, h, adapter.Call{
		Domain: dom.Name,
		Action: act.Name,
		Slots:  ticket.Slots,
		Tenant: tenantContext(req),
	})
	ticket.Finish(err == nil && result.OK())

	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		res.Status = domain.StatusFailed
		res.ErrorKind = domain.ErrAdapterTimeout
		res.Text = fmt.Sprintf("La sección de %s no respondió a tiempo. Revisá antes de pedirlo de nuevo.", dom.Description)
		r.logFailure(req, res, err)
	case err != nil:
		res.Status = domain.StatusFailed
		res.ErrorKind = domain.ErrAdapterError
		res.Text = "No pude completar eso ahora. Probá de nuevo en un rato."
		r.logFailure(req, res, err)
	case !result.OK():
		res.Status = domain.StatusFailed
		res.ErrorKind = domain.ErrAdapterError
		res.Text = orDefault(result.Summary, "No pude completar eso ahora. Probá de nuevo en un rato.")
	default:
		res.Status = domain.StatusSucceeded
		res.Text = orDefault(result.Summary, "Listo.")
		if err := r.machine.AfterSuccess(ctx, req.Tenant, act, ticket.Slots); err != nil {
			r.logFailure(req, res, err)
		}
	}
	return res, nil
}

func (r *Router) onboard(ctx context.Context, req Request, res domain.DispatchResult, in domain.Intent) domain.DispatchResult {
	h, err := r.registry.Handler(in.Domain)
	if err != nil {
		return unknown(res)
	}
	result, err := r.invoke(ctx, h, adapter.Call{
		Domain:     in.Domain,
		Action:     in.Action,
		Slots:      domain.CopySlots(in.Slots),
		Tenant:     tenantContext(req),
		Onboarding: true,
	})
	res.Status = domain.StatusDeferred
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		res.ErrorKind = domain.ErrAdapterTimeout
		res.Text = "Primero necesito configurar esta sección, pero no me respondió a tiempo. Escribime de nuevo en un rato."
		r.logFailure(req, res, err)
	case err != nil || !result.OK():
		res.ErrorKind = domain.ErrAdapterError
		res.Text = "Primero necesito configurar esta sección, pero ahora no pude arrancar. Escribime de nuevo en un rato."
		if err != nil {
			r.logFailure(req, res, err)
		}
	default:
		res.Text = orDefault(result.Summary, "Antes de eso hagamos una configuración rápida de esta sección.")
	}
	return res
}

// invoke calls h with the adapter timeout. A handler that ignores ctx still
// yields a timeout result; its goroutine finishes on its own.
func (r *Router) invoke(ctx context.Context, h adapter.DomainHandler, call adapter.Call) (adapter.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.AdapterTimeout)
	defer cancel()

	type outcome struct {
		res adapter.Result
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		var o outcome
		defer func() {
			if p := recover(); p != nil {
				o = outcome{err: fmt.Errorf("%w: %v", errAdapterPanic, p)}
			}
			done <- o
		}()
		o.res, o.err = h.Invoke(ctx, call)
	}()

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		o = outcome{err: ctx.Err()}
	}

	label := "success"
	switch {
	case o.err != nil && errors.Is(o.err, context.DeadlineExceeded):
		label = "timeout"
	case o.err != nil:
		label = "error"
	case !o.res.OK():
		label = "failed"
	}
	r.cfg.Metrics.ObserveAdapter(call.Domain, label, time.Since(start))
	return o.res, o.err
}

func (r *Router) internal(req Request, res domain.DispatchResult, err error) domain.DispatchResult {
	res.Status = domain.StatusFailed
	res.ErrorKind = domain.ErrAdapterError
	res.Text = "Tuve un problema interno con eso. Probá de nuevo en un rato."
	r.logFailure(req, res, err)
	return res
}

func (r *Router) logFailure(req Request, res domain.DispatchResult, err error) {
	r.cfg.Logger.Error("dispatch failed",
		"tenant_id", req.Tenant.ID,
		"conversation_id", req.ConversationID,
		"domain", res.Domain,
		"action", res.Action,
		"error_kind", string(res.ErrorKind),
		"err", err,
	)
}

func (r *Router) observe(req Request, res domain.DispatchResult) {
	r.cfg.Metrics.ObserveDispatch(res.Domain, string(res.Status), string(res.ErrorKind))
	r.cfg.Logger.Info("dispatch",
		"tenant_id", req.Tenant.ID,
		"conversation_id", req.ConversationID,
		"index", res.Index,
		"domain", res.Domain,
		"action", res.Action,
		"status", string(res.Status),
		"error_kind", string(res.ErrorKind),
	)
}

func unknown(res domain.DispatchResult) domain.DispatchResult {
	res.Status = domain.StatusClarification
	res.ErrorKind = domain.ErrUnknownDomain
	res.Text = "No sé cómo ayudarte con eso todavía. Puedo ayudarte con gastos, agenda, recordatorios, compras, vehículos y tu suscripción."
	return res
}

func tenantContext(req Request) adapter.TenantContext {
	return adapter.TenantContext{
		TenantID:       req.Tenant.ID,
		ConversationID: req.ConversationID,
		UserIdentity:   req.UserIdentity,
		Plan:           req.Tenant.Plan,
		Stage:          req.Tenant.Stage,
		HomeName:       req.Tenant.HomeName,
	}
}

func humanize(action string) string {
	return strings.ReplaceAll(action, "_", " ")
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

type noopRecorder struct{}

func (noopRecorder) ObserveDispatch(string, string, string)       {}
func (noopRecorder) ObserveAdapter(string, string, time.Duration) {}
