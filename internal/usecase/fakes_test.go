package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"homeai-bot/internal/adapter"
	"homeai-bot/internal/catalog"
	"homeai-bot/internal/classifier"
	"homeai-bot/internal/domain"
	"homeai-bot/internal/gate"
	"homeai-bot/internal/lifecycle"
	"homeai-bot/internal/repository"
	"homeai-bot/internal/resolver"
	"homeai-bot/internal/router"
	"homeai-bot/internal/tenantlock"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

const ownerPhone = "+5491100000000"

// memRepo is an in-memory stand-in for the DynamoDB repository.
type memRepo struct {
	mu       sync.Mutex
	tenants  map[string]domain.Tenant
	phones   map[string]string
	turns    map[string][]domain.Turn
	heads    map[string]repository.Head
	pending  map[string]domain.PendingAction
	deferred map[string]domain.DeferredIntent
	seen     map[string]bool
	nextID   int
}

func newMemRepo() *memRepo {
	return &memRepo{
		tenants:  map[string]domain.Tenant{},
		phones:   map[string]string{},
		turns:    map[string][]domain.Turn{},
		heads:    map[string]repository.Head{},
		pending:  map[string]domain.PendingAction{},
		deferred: map[string]domain.DeferredIntent{},
		seen:     map[string]bool{},
	}
}

func (m *memRepo) put(t domain.Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.ID] = t.Clone()
	for _, p := range t.Members {
		m.phones[domain.NormalizePhone(p)] = t.ID
	}
}

func (m *memRepo) tenant(id string) domain.Tenant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tenants[id].Clone()
}

func (m *memRepo) GetTenant(_ context.Context, id string) (domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return domain.Tenant{}, fmt.Errorf("mem: %w", repository.ErrNotFound)
	}
	return t.Clone(), nil
}

func (m *memRepo) SaveTenant(_ context.Context, t domain.Tenant) (domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.tenants[t.ID]; ok && cur.Version != t.Version {
		return domain.Tenant{}, repository.ErrConflict
	}
	t = t.Clone()
	t.Version++
	m.tenants[t.ID] = t
	for _, p := range t.Members {
		m.phones[domain.NormalizePhone(p)] = t.ID
	}
	return t.Clone(), nil
}

func (m *memRepo) FindTenantByPhone(ctx context.Context, phone string) (domain.Tenant, error) {
	m.mu.Lock()
	id, ok := m.phones[domain.NormalizePhone(phone)]
	m.mu.Unlock()
	if !ok {
		return domain.Tenant{}, fmt.Errorf("mem: %w", repository.ErrNotFound)
	}
	return m.GetTenant(ctx, id)
}

func (m *memRepo) CreateTenant(ctx context.Context, phone string) (domain.Tenant, error) {
	m.mu.Lock()
	m.nextID++
	id := fmt.Sprintf("tenant-%d", m.nextID)
	m.mu.Unlock()
	return m.SaveTenant(ctx, domain.Tenant{
		ID:      id,
		Stage:   domain.LifecycleAcquisition,
		Members: []string{domain.NormalizePhone(phone)},
	})
}

func (m *memRepo) MarkSeen(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		return true, nil
	}
	if m.seen[id] {
		return false, nil
	}
	m.seen[id] = true
	return true, nil
}

func (m *memRepo) RecentTurns(_ context.Context, conv string, limit int) ([]domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	turns := m.turns[conv]
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append([]domain.Turn(nil), turns...), nil
}

func (m *memRepo) AppendTurn(_ context.Context, t domain.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[t.ConversationID] = append(m.turns[t.ConversationID], t)
	return nil
}

func (m *memRepo) botTurns(conv string) []domain.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Turn
	for _, t := range m.turns[conv] {
		if t.Speaker == domain.SpeakerBot {
			out = append(out, t)
		}
	}
	return out
}

func (m *memRepo) SetHead(_ context.Context, conv, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.heads[conv]
	if !h.ReceivedAt.IsZero() && at.Before(h.ReceivedAt) {
		return false, nil
	}
	h.MessageID = id
	h.ReceivedAt = at
	m.heads[conv] = h
	return true, nil
}

func (m *memRepo) GetHead(_ context.Context, conv string) (repository.Head, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heads[conv], nil
}

func (m *memRepo) AppendCarryOver(_ context.Context, conv string, carry repository.CarryOver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.heads[conv]
	h.CarryOver.Segments = append(h.CarryOver.Segments, carry.Segments...)
	if carry.Question != nil {
		h.CarryOver.Question = carry.Question
	}
	m.heads[conv] = h
	return nil
}

func (m *memRepo) TakeCarryOver(_ context.Context, conv string) (repository.CarryOver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.heads[conv]
	out := h.CarryOver
	h.CarryOver = repository.CarryOver{}
	m.heads[conv] = h
	return out, nil
}

func (m *memRepo) SavePending(_ context.Context, p domain.PendingAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[p.ConversationID+"|"+p.Signature] = p
	return nil
}

func (m *memRepo) TakePending(_ context.Context, conv, sig string) (domain.PendingAction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[conv+"|"+sig]
	delete(m.pending, conv+"|"+sig)
	return p, ok, nil
}

func (m *memRepo) DiscardPending(_ context.Context, conv, sig string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, conv+"|"+sig)
	return nil
}

func (m *memRepo) PutDeferred(_ context.Context, d domain.DeferredIntent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := d.TenantID + "|" + d.Domain
	if _, ok := m.deferred[key]; ok {
		return false, nil
	}
	m.deferred[key] = d
	return true, nil
}

func (m *memRepo) TakeDeferred(_ context.Context, tenantID, dom string) (domain.DeferredIntent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deferred[tenantID+"|"+dom]
	delete(m.deferred, tenantID+"|"+dom)
	return d, ok, nil
}

type fakeClassifier struct {
	mu    sync.Mutex
	calls int
	fn    func(req classifier.Request) ([]domain.Intent, error)
}

func (f *fakeClassifier) Classify(_ context.Context, req classifier.Request) ([]domain.Intent, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn == nil {
		return nil, nil
	}
	return f.fn(req)
}

func (f *fakeClassifier) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingPublisher struct {
	mu          sync.Mutex
	replies     []domain.Reply
	transitions []lifecycle.Transition
}

func (p *recordingPublisher) PublishReply(_ context.Context, r domain.Reply, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies = append(p.replies, r)
	return nil
}

func (p *recordingPublisher) PublishTransition(_ context.Context, tr lifecycle.Transition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transitions = append(p.transitions, tr)
	return nil
}

func (p *recordingPublisher) Replies() []domain.Reply {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Reply(nil), p.replies...)
}

type stubSignals struct {
	paid bool
	err  error
}

func (s *stubSignals) CheckPaymentStatus(context.Context, string) (bool, error) {
	return s.paid, s.err
}

func (s *stubSignals) MarkSetupComplete(context.Context, string, map[string]string) error {
	return nil
}

func (s *stubSignals) MarkOnboardingComplete(context.Context, string, string) error {
	return nil
}

type backendCalls struct {
	mu    sync.Mutex
	calls []adapter.Call
	fn    func(ctx context.Context, c adapter.Call) (adapter.Result, error)
}

func (b *backendCalls) Invoke(ctx context.Context, c adapter.Call) (adapter.Result, error) {
	b.mu.Lock()
	b.calls = append(b.calls, c)
	b.mu.Unlock()
	if b.fn != nil {
		return b.fn(ctx, c)
	}
	return adapter.Result{Status: adapter.StatusSuccess, Summary: fmt.Sprintf("Hecho: %s %v", c.Action, c.Slots["amount"])}, nil
}

func (b *backendCalls) Calls() []adapter.Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]adapter.Call(nil), b.calls...)
}

type moderatorStub struct {
	flagged bool
}

func (m moderatorStub) Moderate(context.Context, string) (bool, error) {
	return m.flagged, nil
}

type env struct {
	svc        *Service
	repo       *memRepo
	classifier *fakeClassifier
	backend    *backendCalls
	publisher  *recordingPublisher
	signals    *stubSignals
	seq        int

	clockMu sync.Mutex
	elapsed time.Duration
}

func (e *env) now() time.Time {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()
	return testNow.Add(e.elapsed)
}

func (e *env) advance(d time.Duration) {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()
	e.elapsed += d
}

type envOption func(*Deps, *Config)

func newEnv(t *testing.T, tenant *domain.Tenant, opts ...envOption) *env {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)

	e := &env{
		repo:       newMemRepo(),
		classifier: &fakeClassifier{},
		backend:    &backendCalls{},
		publisher:  &recordingPublisher{},
		signals:    &stubSignals{},
	}
	if tenant != nil {
		e.repo.put(*tenant)
	}
	now := e.now

	reg := adapter.NewRegistry()
	for _, name := range cat.DomainNames() {
		require.NoError(t, reg.Register(name, e.backend))
	}
	g, err := gate.New(e.repo, gate.WithClock(now))
	require.NoError(t, err)
	m, err := lifecycle.New(e.repo, e.repo, e.signals, cat,
		lifecycle.WithClock(now),
		lifecycle.WithPublisher(TransitionSink{Publisher: e.publisher}),
	)
	require.NoError(t, err)
	r, err := router.New(cat, reg, g, m, router.Config{Now: now, AdapterTimeout: 100 * time.Millisecond})
	require.NoError(t, err)

	deps := Deps{
		Tenants:       e.repo,
		Conversations: e.repo,
		Resolver:      resolver.New(resolver.Config{Now: now}),
		Classifier:    e.classifier,
		Router:        r,
		Lifecycle:     m,
		Publisher:     e.publisher,
		Locker:        tenantlock.New(),
		Catalog:       cat,
	}
	cfg := Config{Now: now}
	for _, opt := range opts {
		opt(&deps, &cfg)
	}
	e.svc, err = NewService(deps, cfg)
	require.NoError(t, err)
	return e
}

func (e *env) send(t *testing.T, text string) MessageResult {
	t.Helper()
	e.seq++
	res, err := e.svc.HandleMessage(context.Background(), domain.InboundMessage{
		MessageID:    fmt.Sprintf("wamid.%d", e.seq),
		UserIdentity: ownerPhone,
		Text:         text,
		ReceivedAt:   e.now().Add(time.Duration(e.seq) * time.Second),
	})
	require.NoError(t, err)
	return res
}

func managedTenant() *domain.Tenant {
	return &domain.Tenant{
		ID:         "t1",
		Plan:       "family",
		Stage:      domain.LifecycleManagement,
		Members:    []string{ownerPhone},
		Onboarding: map[string]domain.OnboardingState{"finance": domain.OnboardingComplete},
	}
}

func segmentTexts(r domain.Reply) []string {
	out := make([]string, 0, len(r.Segments))
	for _, s := range r.Segments {
		out = append(out, s.Text)
	}
	return out
}

func expenseIntent(amount, category string) domain.Intent {
	slots := map[string]string{"amount": amount}
	if category != "" {
		slots["category"] = category
	}
	return domain.Intent{Domain: "finance", Action: "registrar_gasto", Slots: slots, Confidence: 0.93}
}
