// Package lifecycle owns the tenant's subscription stage and per-domain
// onboarding state. Nothing else mutates either.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"homeai-bot/internal/catalog"
	"homeai-bot/internal/domain"
)

// TenantStore persists tenants with an optimistic version check. SaveTenant
// returns the stored tenant with its new version.
type TenantStore interface {
	GetTenant(ctx context.Context, tenantID string) (domain.Tenant, error)
	SaveTenant(ctx context.Context, t domain.Tenant) (domain.Tenant, error)
}

// DeferredStore holds at most one deferred intent per (tenant, domain).
// PutDeferred reports false when one is already held. TakeDeferred deletes
// and returns it atomically.
type DeferredStore interface {
	PutDeferred(ctx context.Context, d domain.DeferredIntent) (bool, error)
	TakeDeferred(ctx context.Context, tenantID, domainName string) (domain.DeferredIntent, bool, error)
}

// Signals are the external collaborators that drive transitions.
type Signals interface {
	CheckPaymentStatus(ctx context.Context, tenantID string) (bool, error)
	MarkSetupComplete(ctx context.Context, tenantID string, attrs map[string]string) error
	MarkOnboardingComplete(ctx context.Context, tenantID, domainName string) error
}

// Transition is published after every stage change.
type Transition struct {
	TenantID string
	From     domain.Lifecycle
	To       domain.Lifecycle
	Event    Event
	At       time.Time
}

type Publisher interface {
	PublishTransition(ctx context.Context, tr Transition) error
}

// Decision is the verdict of Check.
type Decision int

const (
	Allow Decision = iota
	Block
	Onboard
)

// Verdict tells the router what to do with an intent.
type Verdict struct {
	Decision Decision
	// Deferred is set when the intent was stored for replay after onboarding.
	Deferred bool
	Text     string
}

// Subject identifies who the checked intent came from.
type Subject struct {
	ConversationID string
	UserIdentity   string
	Intent         domain.Intent
}

// Outcome is the result of a lifecycle signal.
type Outcome struct {
	Status    domain.DispatchStatus
	ErrorKind domain.ErrorKind
	Text      string
	// Replay is the deferred intent released by an onboarding completion.
	Replay *domain.DeferredIntent
}

// Machine applies lifecycle rules to tenants.
type Machine struct {
	tenants   TenantStore
	deferred  DeferredStore
	signals   Signals
	catalog   *catalog.Catalog
	publisher Publisher
	now       func() time.Time
	logger    *slog.Logger
}

type Option func(*Machine)

func WithPublisher(p Publisher) Option {
	return func(m *Machine) {
		m.publisher = p
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

func New(tenants TenantStore, deferred DeferredStore, signals Signals, cat *catalog.Catalog, opts ...Option) (*Machine, error) {
	if tenants == nil {
		return nil, errors.New("lifecycle: tenant store must not be nil")
	}
	if deferred == nil {
		return nil, errors.New("lifecycle: deferred store must not be nil")
	}
	if signals == nil {
		return nil, errors.New("lifecycle: signals must not be nil")
	}
	if cat == nil {
		return nil, errors.New("lifecycle: catalog must not be nil")
	}
	m := &Machine{
		tenants:  tenants,
		deferred: deferred,
		signals:  signals,
		catalog:  cat,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// External reports whether the action is served by the lifecycle signals
// instead of a domain handler.
func External(sig catalog.Signal) bool {
	switch sig {
	case catalog.SignalPaymentCheck, catalog.SignalSetupComplete, catalog.SignalOnboardingComplete:
		return true
	}
	return false
}

// Check runs before any dispatch. It may move a domain from not_started to
// in_progress and store the intent for replay.
func (m *Machine) Check(ctx context.Context, t *domain.Tenant, dom *catalog.Domain, act *catalog.Action, s Subject) (Verdict, error) {
	if !act.ReachableIn(t.Stage) {
		return Verdict{Decision: Block, Text: redirect(t.Stage)}, nil
	}

	if act.Signal == catalog.SignalInviteMember {
		limit := m.catalog.MemberLimit(t.Plan)
		phone := s.Intent.Slots["phone"]
		if !t.HasMember(phone) && !t.CanAddMember(limit) {
			return Verdict{
				Decision: Block,
				Text:     fmt.Sprintf("Tu plan %s permite hasta %d miembros y ya están todos ocupados. Si querés sumar más, puedo ayudarte a cambiar de plan.", t.Plan, limit),
			}, nil
		}
	}

	if !dom.Onboarding || t.Stage != domain.LifecycleManagement || s.Intent.Replay || act.Signal == catalog.SignalOnboardingComplete {
		return Verdict{Decision: Allow}, nil
	}

	switch t.OnboardingFor(dom.Name) {
	case domain.OnboardingNotStarted:
		// The intent is held before the state moves, so a failed write
		// leaves the domain not_started and the next intent defers again.
		stored, err := m.deferred.PutDeferred(ctx, domain.DeferredIntent{
			TenantID:       t.ID,
			Domain:         dom.Name,
			ConversationID: s.ConversationID,
			UserIdentity:   s.UserIdentity,
			Intent:         s.Intent,
			CreatedAt:      m.now(),
		})
		if err != nil {
			return Verdict{}, fmt.Errorf("lifecycle: defer intent: %w", err)
		}
		if t.Onboarding == nil {
			t.Onboarding = make(map[string]domain.OnboardingState)
		}
		t.Onboarding[dom.Name] = domain.OnboardingInProgress
		if err := m.save(ctx, t); err != nil {
			delete(t.Onboarding, dom.Name)
			return Verdict{}, err
		}
		return Verdict{Decision: Onboard, Deferred: stored}, nil
	case domain.OnboardingInProgress:
		return Verdict{Decision: Onboard}, nil
	}
	return Verdict{Decision: Allow}, nil
}

// HandleSignal serves an External action for a tenant already loaded.
func (m *Machine) HandleSignal(ctx context.Context, t *domain.Tenant, domainName string, act *catalog.Action, slots map[string]string) (Outcome, error) {
	switch act.Signal {
	case catalog.SignalPaymentCheck:
		return m.confirmPayment(ctx, t)
	case catalog.SignalSetupComplete:
		return m.completeSetup(ctx, t, slots)
	case catalog.SignalOnboardingComplete:
		return m.completeOnboarding(ctx, t, domainName)
	}
	return Outcome{}, fmt.Errorf("lifecycle: %q is not an external signal", act.Signal)
}

// AfterSuccess applies the side effect of an action the domain handler
// reported as successful.
func (m *Machine) AfterSuccess(ctx context.Context, t *domain.Tenant, act *catalog.Action, slots map[string]string) error {
	switch act.Signal {
	case catalog.SignalCheckout:
		if t.Stage != domain.LifecycleAcquisition {
			return nil
		}
		if plan := strings.TrimSpace(slots["plan_type"]); plan != "" {
			t.Plan = plan
		}
		return m.fire(ctx, t, EventCheckoutStarted)
	case catalog.SignalCancel:
		return m.fire(ctx, t, EventCancelled)
	case catalog.SignalReactivate:
		return m.fire(ctx, t, EventReactivated)
	case catalog.SignalInviteMember:
		phone := domain.NormalizePhone(slots["phone"])
		if phone == "" || t.HasMember(phone) {
			return nil
		}
		t.Members = append(t.Members, phone)
		return m.save(ctx, t)
	}
	return nil
}

// ConfirmPayment runs the payment check for a tenant by id.
func (m *Machine) ConfirmPayment(ctx context.Context, tenantID string) (Outcome, error) {
	t, err := m.load(ctx, tenantID)
	if err != nil {
		return Outcome{}, err
	}
	return m.confirmPayment(ctx, &t)
}

// CompleteSetup marks setup complete for a tenant by id.
func (m *Machine) CompleteSetup(ctx context.Context, tenantID string, attrs map[string]string) (Outcome, error) {
	t, err := m.load(ctx, tenantID)
	if err != nil {
		return Outcome{}, err
	}
	if t.Stage != domain.LifecycleSetup {
		return Outcome{}, fmt.Errorf("%w: setup completion while %s", ErrInvalidTransition, t.Stage)
	}
	return m.completeSetup(ctx, &t, attrs)
}

// CompleteOnboarding marks a domain's onboarding complete for a tenant by id.
func (m *Machine) CompleteOnboarding(ctx context.Context, tenantID, domainName string) (Outcome, error) {
	dom, ok := m.catalog.Domain(domainName)
	if !ok || !dom.Onboarding {
		return Outcome{}, fmt.Errorf("%w: %q", ErrNoOnboarding, domainName)
	}
	t, err := m.load(ctx, tenantID)
	if err != nil {
		return Outcome{}, err
	}
	return m.completeOnboarding(ctx, &t, dom.Name)
}

func (m *Machine) confirmPayment(ctx context.Context, t *domain.Tenant) (Outcome, error) {
	switch t.Stage {
	case domain.LifecyclePaymentPending:
	case domain.LifecycleSetup, domain.LifecycleManagement:
		return Outcome{Status: domain.StatusSucceeded, Text: "Tu pago ya está confirmado."}, nil
	default:
		return Outcome{}, fmt.Errorf("%w: payment check while %s", ErrInvalidTransition, t.Stage)
	}

	paid, err := m.signals.CheckPaymentStatus(ctx, t.ID)
	if err != nil {
		m.logger.Warn("payment status unavailable", "tenant_id", t.ID, "err", err)
		return Outcome{
			Status:    domain.StatusUnconfirmed,
			ErrorKind: domain.ErrExternalSignalUnavailable,
			Text:      "Todavía no pude confirmar tu pago. Apenas se acredite seguimos con la configuración.",
		}, nil
	}
	if !paid {
		return Outcome{
			Status: domain.StatusUnconfirmed,
			Text:   "Todavía no veo el pago acreditado. A veces tarda unos minutos, preguntame de nuevo en un rato.",
		}, nil
	}

	if err := m.fire(ctx, t, EventPaymentConfirmed); err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Status: domain.StatusSucceeded,
		Text:   "¡Pago confirmado! Ahora configuremos tu hogar. ¿Cómo se llama tu hogar?",
	}, nil
}

func (m *Machine) completeSetup(ctx context.Context, t *domain.Tenant, attrs map[string]string) (Outcome, error) {
	if err := m.signals.MarkSetupComplete(ctx, t.ID, attrs); err != nil {
		m.logger.Warn("mark setup complete failed", "tenant_id", t.ID, "err", err)
		return Outcome{
			Status:    domain.StatusFailed,
			ErrorKind: domain.ErrAdapterError,
			Text:      "No pude guardar la configuración del hogar. Probá de nuevo en un rato.",
		}, nil
	}
	if name := strings.TrimSpace(attrs["home_name"]); name != "" {
		t.HomeName = name
	}
	if err := m.fire(ctx, t, EventSetupCompleted); err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Status: domain.StatusSucceeded,
		Text:   fmt.Sprintf("¡Listo! %s ya está configurado. Ya podés usar todas las funciones.", homeLabel(t.HomeName)),
	}, nil
}

func (m *Machine) completeOnboarding(ctx context.Context, t *domain.Tenant, domainName string) (Outcome, error) {
	if t.OnboardingFor(domainName) == domain.OnboardingComplete {
		// Drains an intent left behind by a completion that failed midway.
		out := Outcome{Status: domain.StatusSucceeded, Text: "Esa sección ya estaba configurada."}
		d, ok, err := m.deferred.TakeDeferred(ctx, t.ID, domainName)
		if err != nil {
			return Outcome{}, fmt.Errorf("lifecycle: take deferred: %w", err)
		}
		if ok {
			d.Intent.Replay = true
			out.Replay = &d
		}
		return out, nil
	}
	if err := m.signals.MarkOnboardingComplete(ctx, t.ID, domainName); err != nil {
		m.logger.Warn("mark onboarding complete failed", "tenant_id", t.ID, "domain", domainName, "err", err)
		return Outcome{
			Status:    domain.StatusFailed,
			ErrorKind: domain.ErrAdapterError,
			Text:      "No pude terminar la configuración inicial. Probá de nuevo en un rato.",
		}, nil
	}

	d, ok, err := m.deferred.TakeDeferred(ctx, t.ID, domainName)
	if err != nil {
		return Outcome{}, fmt.Errorf("lifecycle: take deferred: %w", err)
	}

	prev, had := t.Onboarding[domainName]
	if t.Onboarding == nil {
		t.Onboarding = make(map[string]domain.OnboardingState)
	}
	t.Onboarding[domainName] = domain.OnboardingComplete
	if err := m.save(ctx, t); err != nil {
		if had {
			t.Onboarding[domainName] = prev
		} else {
			delete(t.Onboarding, domainName)
		}
		if ok {
			if _, perr := m.deferred.PutDeferred(ctx, d); perr != nil {
				m.logger.Error("deferred intent lost", "tenant_id", t.ID, "domain", domainName, "err", perr)
				err = errors.Join(err, perr)
			}
		}
		return Outcome{}, err
	}

	out := Outcome{Status: domain.StatusSucceeded, Text: "¡Configuración inicial completa!"}
	if ok {
		d.Intent.Replay = true
		out.Replay = &d
	}
	return out, nil
}

func (m *Machine) fire(ctx context.Context, t *domain.Tenant, ev Event) error {
	from := t.Stage
	to, err := Next(from, ev)
	if err != nil {
		return err
	}
	t.Stage = to
	if err := m.save(ctx, t); err != nil {
		t.Stage = from
		return err
	}

	m.logger.Info("lifecycle transition",
		"tenant_id", t.ID,
		"event", string(ev),
		"from", string(from),
		"to", string(to),
	)
	if m.publisher != nil {
		tr := Transition{TenantID: t.ID, From: from, To: to, Event: ev, At: m.now()}
		if err := m.publisher.PublishTransition(ctx, tr); err != nil {
			m.logger.Warn("publish lifecycle transition failed", "tenant_id", t.ID, "err", err)
		}
	}
	return nil
}

func (m *Machine) load(ctx context.Context, tenantID string) (domain.Tenant, error) {
	t, err := m.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("lifecycle: load tenant: %w", err)
	}
	return t, nil
}

func (m *Machine) save(ctx context.Context, t *domain.Tenant) error {
	saved, err := m.tenants.SaveTenant(ctx, *t)
	if err != nil {
		return fmt.Errorf("lifecycle: save tenant: %w", err)
	}
	*t = saved
	return nil
}

func redirect(stage domain.Lifecycle) string {
	switch stage {
	case domain.LifecycleAcquisition:
		return "Para usar eso primero necesitás una suscripción. ¿Querés que te muestre los planes?"
	case domain.LifecyclePaymentPending:
		return "Todavía no tengo confirmado tu pago. Cuando se acredite seguimos, podés pedirme que revise el estado del pago."
	case domain.LifecycleSetup:
		return "Antes de eso terminemos de configurar tu hogar. ¿Cómo se llama tu hogar?"
	case domain.LifecycleManagement:
		return "Ya tenés una suscripción activa, así que eso no hace falta."
	case domain.LifecycleCancelled:
		return "Tu suscripción está cancelada. Si querés, puedo reactivarla."
	}
	return "Eso no está disponible con tu suscripción actual."
}

func homeLabel(name string) string {
	if name == "" {
		return "Tu hogar"
	}
	return name
}
