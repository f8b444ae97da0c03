package domain

import "strings"

// Lifecycle is the subscription stage of a tenant.
type Lifecycle string

const (
	LifecycleAcquisition    Lifecycle = "acquisition"
	LifecyclePaymentPending Lifecycle = "payment_pending"
	LifecycleSetup          Lifecycle = "setup"
	LifecycleManagement     Lifecycle = "management"
	LifecycleCancelled      Lifecycle = "cancelled"
)

// Valid reports whether l is one of the known lifecycle stages.
func (l Lifecycle) Valid() bool {
	switch l {
	case LifecycleAcquisition, LifecyclePaymentPending, LifecycleSetup, LifecycleManagement, LifecycleCancelled:
		return true
	}
	return false
}

// OnboardingState tracks first-time setup of one domain for one tenant.
type OnboardingState string

const (
	OnboardingNotStarted OnboardingState = "not_started"
	OnboardingInProgress OnboardingState = "in_progress"
	OnboardingComplete   OnboardingState = "complete"
)

// Tenant is a household subscribed to the assistant.
type Tenant struct {
	ID       string
	Plan     string
	Status   string
	Stage    Lifecycle
	HomeName string
	Members  []string
	// Onboarding is keyed by domain name. A missing key means not_started.
	Onboarding map[string]OnboardingState
	// Version is bumped on every write and used as an optimistic lock.
	Version int64
}

// OnboardingFor returns the onboarding state of the given domain.
func (t Tenant) OnboardingFor(domainName string) OnboardingState {
	if s, ok := t.Onboarding[domainName]; ok && s != "" {
		return s
	}
	return OnboardingNotStarted
}

// HasMember reports whether phone already belongs to the household.
func (t Tenant) HasMember(phone string) bool {
	phone = NormalizePhone(phone)
	for _, m := range t.Members {
		if NormalizePhone(m) == phone {
			return true
		}
	}
	return false
}

// CanAddMember reports whether one more member fits in the plan limit.
// A limit of zero or less means unlimited.
func (t Tenant) CanAddMember(limit int) bool {
	if limit <= 0 {
		return true
	}
	return len(t.Members) < limit
}

// Clone returns a deep copy so callers can mutate it before a conditional write.
func (t Tenant) Clone() Tenant {
	out := t
	out.Members = append([]string(nil), t.Members...)
	out.Onboarding = make(map[string]OnboardingState, len(t.Onboarding))
	for k, v := range t.Onboarding {
		out.Onboarding[k] = v
	}
	return out
}

// NormalizePhone returns the phone in +E.164 form.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return ""
	}
	if strings.HasPrefix(phone, "+") {
		return phone
	}
	return "+" + phone
}
