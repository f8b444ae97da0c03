package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"homeai-bot/internal/adapter"
	"homeai-bot/internal/classifier"
	"homeai-bot/internal/domain"
	"homeai-bot/internal/lifecycle"
)

func TestConfirmPayment_NotifiesOwner(t *testing.T) {
	tenant := managedTenant()
	tenant.Stage = domain.LifecyclePaymentPending
	e := newEnv(t, tenant)
	e.signals.paid = true

	out, err := e.svc.ConfirmPayment(context.Background(), "t1")

	require.NoError(t, err)
	require.Equal(t, domain.StatusSucceeded, out.Status)
	require.Equal(t, domain.LifecycleSetup, e.repo.tenant("t1").Stage)

	replies := e.publisher.Replies()
	require.Len(t, replies, 1)
	require.Equal(t, ownerPhone, replies[0].UserIdentity)
	require.Contains(t, replies[0].Text(), "¡Pago confirmado!")

	require.Len(t, e.publisher.transitions, 1)
	require.Equal(t, lifecycle.EventPaymentConfirmed, e.publisher.transitions[0].Event)
}

func TestCompleteOnboarding_ReplaysDeferredIntent(t *testing.T) {
	tenant := managedTenant()
	tenant.Onboarding = nil
	e := newEnv(t, tenant)
	e.backend.fn = func(_ context.Context, c adapter.Call) (adapter.Result, error) {
		if c.Onboarding {
			return adapter.Result{Status: adapter.StatusSuccess, Summary: "Configuremos tus finanzas primero."}, nil
		}
		return adapter.Result{Status: adapter.StatusSuccess, Summary: "Gasto de " + c.Slots["amount"] + " registrado."}, nil
	}
	e.classifier.fn = func(classifier.Request) ([]domain.Intent, error) {
		return []domain.Intent{expenseIntent("500", "super")}, nil
	}

	res := e.send(t, "gasté 500 en el super")
	require.Equal(t, domain.StatusDeferred, res.Results[0].Status)
	require.Equal(t, domain.OnboardingInProgress, e.repo.tenant("t1").OnboardingFor("finance"))

	out, err := e.svc.CompleteOnboarding(context.Background(), "t1", " Finance ")
	require.NoError(t, err)
	require.NotNil(t, out.Replay)
	require.Equal(t, domain.OnboardingComplete, e.repo.tenant("t1").OnboardingFor("finance"))

	replies := e.publisher.Replies()
	require.Len(t, replies, 2)
	require.Equal(t, []string{"¡Configuración inicial completa!", "Gasto de 500 registrado."}, segmentTexts(replies[1]))
	require.Equal(t, conv, replies[1].ConversationID)

	// A second completion finds nothing to replay.
	out, err = e.svc.CompleteOnboarding(context.Background(), "t1", "finance")
	require.NoError(t, err)
	require.Nil(t, out.Replay)
	require.Len(t, e.backend.Calls(), 2)
}

func TestConfirmPayment_UnpaidStageIsConflict(t *testing.T) {
	for _, stage := range []domain.Lifecycle{domain.LifecycleAcquisition, domain.LifecycleCancelled} {
		tenant := managedTenant()
		tenant.Stage = stage
		e := newEnv(t, tenant)
		e.signals.paid = true

		_, err := e.svc.ConfirmPayment(context.Background(), "t1")

		requireCode(t, err, ErrorConflict)
		require.Equal(t, stage, e.repo.tenant("t1").Stage)
		require.Empty(t, e.publisher.Replies())
	}
}

func TestCompleteSetup_InvalidTransition(t *testing.T) {
	e := newEnv(t, managedTenant())

	_, err := e.svc.CompleteSetup(context.Background(), "t1", map[string]string{"home_name": "Casa"})

	requireCode(t, err, ErrorConflict)
	require.Empty(t, e.publisher.Replies())
}

func TestCompleteSetup_NotifiesOwner(t *testing.T) {
	tenant := managedTenant()
	tenant.Stage = domain.LifecycleSetup
	e := newEnv(t, tenant)

	_, err := e.svc.CompleteSetup(context.Background(), "t1", map[string]string{"home_name": "Casa Pérez"})

	require.NoError(t, err)
	require.Equal(t, "Casa Pérez", e.repo.tenant("t1").HomeName)
	require.Contains(t, e.publisher.Replies()[0].Text(), "Casa Pérez ya está configurado")
}

func TestSignals_ErrorMapping(t *testing.T) {
	e := newEnv(t, managedTenant())

	_, err := e.svc.ConfirmPayment(context.Background(), "missing")
	requireCode(t, err, ErrorNotFound)

	_, err = e.svc.CompleteOnboarding(context.Background(), "t1", "reminder")
	requireCode(t, err, ErrorInvalidInput)

	_, err = e.svc.ConfirmPayment(context.Background(), " ")
	requireCode(t, err, ErrorInvalidInput)
}

type countingTransitions struct{ events []string }

func (c *countingTransitions) IncTransition(event string) {
	c.events = append(c.events, event)
}

func TestTransitionSink(t *testing.T) {
	counter := &countingTransitions{}
	pub := &recordingPublisher{}
	tr := lifecycle.Transition{TenantID: "t1", Event: lifecycle.EventPaymentConfirmed}

	require.NoError(t, TransitionSink{Publisher: pub, Metrics: counter}.PublishTransition(context.Background(), tr))
	require.Equal(t, []string{string(lifecycle.EventPaymentConfirmed)}, counter.events)
	require.Len(t, pub.transitions, 1)

	require.NoError(t, TransitionSink{}.PublishTransition(context.Background(), tr))
}

type failingTransitions struct{}

func (failingTransitions) PublishTransition(context.Context, lifecycle.Transition) error {
	return errors.New("broker down")
}

func TestTransitionSink_PropagatesPublishError(t *testing.T) {
	err := TransitionSink{Publisher: failingTransitions{}}.PublishTransition(context.Background(), lifecycle.Transition{})
	require.EqualError(t, err, "broker down")
}
