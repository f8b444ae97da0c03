package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"homeai-bot/internal/catalog"
	"homeai-bot/internal/domain"
)

type memStore struct {
	mu      sync.Mutex
	items   map[string]domain.PendingAction
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{items: make(map[string]domain.PendingAction)}
}

func (m *memStore) SavePending(_ context.Context, p domain.PendingAction) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[p.ConversationID+"|"+p.Signature] = p
	return nil
}

func (m *memStore) TakePending(_ context.Context, conv, sig string) (domain.PendingAction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[conv+"|"+sig]
	delete(m.items, conv+"|"+sig)
	return p, ok, nil
}

func (m *memStore) DiscardPending(_ context.Context, conv, sig string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, conv+"|"+sig)
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

var bulkDelete = catalog.Action{Name: "eliminar_gasto_masivo", Policy: catalog.PolicyDestructive}

func bulkIntent() domain.Intent {
	return domain.Intent{Domain: "finance", Action: "eliminar_gasto_masivo", Slots: map[string]string{"scope": "all"}, Confidence: 0.9}
}

func newTestGate(t *testing.T) (*Gate, *memStore, *clock) {
	t.Helper()
	store := newMemStore()
	clk := &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	g, err := New(store, WithClock(clk.now))
	require.NoError(t, err)
	return g, store, clk
}

func TestAdmit_AdditiveIsReady(t *testing.T) {
	g, store, _ := newTestGate(t)
	tk, err := g.Admit(context.Background(), Admission{
		ConversationID: "c1",
		Intent:         domain.Intent{Domain: "finance", Action: "registrar_gasto", Slots: map[string]string{"amount": "5000"}},
		Action:         catalog.Action{Name: "registrar_gasto", Policy: catalog.PolicyAdditive},
	})
	require.NoError(t, err)
	require.Equal(t, StateReady, tk.State)
	require.Empty(t, store.items)
}

func TestAdmit_DestructiveParksPendingThenConfirmOnce(t *testing.T) {
	g, store, _ := newTestGate(t)
	ctx := context.Background()

	tk, err := g.Admit(ctx, Admission{TenantID: "t1", ConversationID: "c1", Intent: bulkIntent(), Action: bulkDelete})
	require.NoError(t, err)
	require.Equal(t, StatePendingConfirmation, tk.State)
	require.NotNil(t, tk.Pending)
	require.Len(t, store.items, 1)
	sig := tk.Pending.Signature
	require.Equal(t, DefaultTTL, tk.Pending.ExpiresAt.Sub(tk.Pending.CreatedAt))

	confirm := bulkIntent()
	confirm.Confirmation = &domain.Confirmation{Signature: sig, Approve: true}

	tk, err = g.Admit(ctx, Admission{ConversationID: "c1", Intent: confirm, Action: bulkDelete})
	require.NoError(t, err)
	require.Equal(t, StateReady, tk.State)
	require.Equal(t, "true", tk.Slots[ConfirmSlot])
	require.Equal(t, "all", tk.Slots["scope"])

	require.NoError(t, tk.Begin())
	require.ErrorIs(t, tk.Begin(), ErrNotReady)
	tk.Finish(true)
	require.Equal(t, StateSucceeded, tk.State)

	_, err = g.Admit(ctx, Admission{ConversationID: "c1", Intent: confirm, Action: bulkDelete})
	require.ErrorIs(t, err, ErrStalePendingAction)
}

func TestAdmit_ExpiredPendingIsStale(t *testing.T) {
	g, _, clk := newTestGate(t)
	ctx := context.Background()

	tk, err := g.Admit(ctx, Admission{ConversationID: "c1", Intent: bulkIntent(), Action: bulkDelete})
	require.NoError(t, err)

	clk.t = clk.t.Add(DefaultTTL + time.Second)
	confirm := bulkIntent()
	confirm.Confirmation = &domain.Confirmation{Signature: tk.Pending.Signature, Approve: true}

	_, err = g.Admit(ctx, Admission{ConversationID: "c1", Intent: confirm, Action: bulkDelete})
	require.ErrorIs(t, err, ErrStalePendingAction)
}

func TestAdmit_MismatchedSignatureIsStale(t *testing.T) {
	g, _, _ := newTestGate(t)
	ctx := context.Background()

	_, err := g.Admit(ctx, Admission{ConversationID: "c1", Intent: bulkIntent(), Action: bulkDelete})
	require.NoError(t, err)

	confirm := bulkIntent()
	confirm.Confirmation = &domain.Confirmation{Signature: "deadbeef", Approve: true}
	_, err = g.Admit(ctx, Admission{ConversationID: "c1", Intent: confirm, Action: bulkDelete})
	require.ErrorIs(t, err, ErrStalePendingAction)
}

func TestAdmit_NegativeDiscards(t *testing.T) {
	g, store, _ := newTestGate(t)
	ctx := context.Background()

	tk, err := g.Admit(ctx, Admission{ConversationID: "c1", Intent: bulkIntent(), Action: bulkDelete})
	require.NoError(t, err)

	reject := bulkIntent()
	reject.Confirmation = &domain.Confirmation{Signature: tk.Pending.Signature, Approve: false}
	tk, err = g.Admit(ctx, Admission{ConversationID: "c1", Intent: reject, Action: bulkDelete})
	require.NoError(t, err)
	require.Equal(t, StateDiscarded, tk.State)
	require.Empty(t, store.items)
}

func TestAdmit_AlwaysConfirmAndIntentFlag(t *testing.T) {
	require.True(t, NeedsConfirmation(catalog.Action{Policy: catalog.PolicyAlwaysConfirm}, domain.Intent{}))
	require.True(t, NeedsConfirmation(catalog.Action{Policy: catalog.PolicyAdditive}, domain.Intent{RequiresConfirmation: true}))
	require.False(t, NeedsConfirmation(catalog.Action{Policy: catalog.PolicyInformational}, domain.Intent{}))
}

func TestAdmit_StoreError(t *testing.T) {
	g, store, _ := newTestGate(t)
	store.saveErr = errors.New("throttled")

	_, err := g.Admit(context.Background(), Admission{ConversationID: "c1", Intent: bulkIntent(), Action: bulkDelete})
	require.Error(t, err)
	require.Contains(t, err.Error(), "save pending")
}

func TestTicket_FinishFailed(t *testing.T) {
	tk := &Ticket{State: StateReady}
	require.NoError(t, tk.Begin())
	tk.Finish(false)
	require.Equal(t, StateFailed, tk.State)
}
