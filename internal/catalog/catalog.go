// Package catalog declares the static contract between the router and the
// domain handlers: which domains exist, which actions each exposes, how each
// action is gated and in which subscription stages it can be reached.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"homeai-bot/internal/domain"
)

// Policy is the confirmation policy of an action.
type Policy string

const (
	PolicyDestructive   Policy = "destructive"
	PolicyAlwaysConfirm Policy = "always_confirm"
	PolicyAdditive      Policy = "additive"
	PolicyInformational Policy = "informational"
)

// RequiresConfirmation reports whether the action must pass through a
// PendingConfirmation round-trip before it is executed.
func (p Policy) RequiresConfirmation() bool {
	return p == PolicyDestructive || p == PolicyAlwaysConfirm
}

// Signal names a lifecycle side effect bound to an action.
type Signal string

const (
	SignalNone               Signal = ""
	SignalCheckout           Signal = "checkout"
	SignalPaymentCheck       Signal = "payment_check"
	SignalSetupComplete      Signal = "setup_complete"
	SignalOnboardingComplete Signal = "onboarding_complete"
	SignalCancel             Signal = "cancel"
	SignalReactivate         Signal = "reactivate"
	SignalInviteMember       Signal = "invite_member"
)

// Slot is a required slot together with the question asked when it is missing.
type Slot struct {
	Name   string `yaml:"name"`
	Prompt string `yaml:"prompt"`
}

// Action describes one operation of a domain.
type Action struct {
	Name     string             `yaml:"name"`
	Policy   Policy             `yaml:"policy"`
	Stages   []domain.Lifecycle `yaml:"stages"`
	Required []Slot             `yaml:"required"`
	Signal   Signal             `yaml:"signal"`
	Confirm  string             `yaml:"confirm"`
}

// ReachableIn reports whether the action may run while the tenant is in stage.
// Actions without explicit stages are management only.
func (a Action) ReachableIn(stage domain.Lifecycle) bool {
	if len(a.Stages) == 0 {
		return stage == domain.LifecycleManagement
	}
	for _, s := range a.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

// ManagementOnly reports whether the action is only reachable in management.
func (a Action) ManagementOnly() bool {
	return len(a.Stages) == 0 || (len(a.Stages) == 1 && a.Stages[0] == domain.LifecycleManagement)
}

// MissingSlot returns the first required slot absent from slots.
func (a Action) MissingSlot(slots map[string]string) (Slot, bool) {
	for _, s := range a.Required {
		if strings.TrimSpace(slots[s.Name]) == "" {
			return s, true
		}
	}
	return Slot{}, false
}

// Domain groups the actions served by one handler.
type Domain struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Onboarding  bool     `yaml:"onboarding"`
	Actions     []Action `yaml:"actions"`
}

// Plan carries the member limit of a subscription plan.
type Plan struct {
	Name       string `yaml:"name"`
	MaxMembers int    `yaml:"max_members"`
}

// Catalog is the parsed and indexed document.
type Catalog struct {
	Plans   []Plan   `yaml:"plans"`
	Domains []Domain `yaml:"domains"`

	domains map[string]*Domain
	actions map[string]*Action
	plans   map[string]Plan
}

//go:embed default.yaml
var defaultDocument []byte

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultDocument)
}

// Parse decodes a YAML catalog document and validates it.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("catalog: parse: %w", err)
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) index() error {
	if len(c.Domains) == 0 {
		return errors.New("catalog: at least one domain is required")
	}
	c.domains = make(map[string]*Domain, len(c.Domains))
	c.actions = make(map[string]*Action)
	c.plans = make(map[string]Plan, len(c.Plans))

	for i := range c.Plans {
		p := c.Plans[i]
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("catalog: plans[%d]: name must not be empty", i)
		}
		c.plans[p.Name] = p
	}

	for i := range c.Domains {
		d := &c.Domains[i]
		if strings.TrimSpace(d.Name) == "" {
			return fmt.Errorf("catalog: domains[%d]: name must not be empty", i)
		}
		if _, dup := c.domains[d.Name]; dup {
			return fmt.Errorf("catalog: duplicate domain %q", d.Name)
		}
		c.domains[d.Name] = d
		for j := range d.Actions {
			a := &d.Actions[j]
			if err := validateAction(a); err != nil {
				return fmt.Errorf("catalog: %s.actions[%d] (%q): %w", d.Name, j, a.Name, err)
			}
			key := actionKey(d.Name, a.Name)
			if _, dup := c.actions[key]; dup {
				return fmt.Errorf("catalog: duplicate action %q", key)
			}
			c.actions[key] = a
		}
	}
	return nil
}

func validateAction(a *Action) error {
	if strings.TrimSpace(a.Name) == "" {
		return errors.New("name must not be empty")
	}
	switch a.Policy {
	case PolicyDestructive, PolicyAlwaysConfirm, PolicyAdditive, PolicyInformational:
	case "":
		return errors.New("policy must not be empty")
	default:
		return fmt.Errorf("unknown policy %q", a.Policy)
	}
	for _, s := range a.Stages {
		if !s.Valid() {
			return fmt.Errorf("unknown stage %q", s)
		}
	}
	switch a.Signal {
	case SignalNone, SignalCheckout, SignalPaymentCheck, SignalSetupComplete,
		SignalOnboardingComplete, SignalCancel, SignalReactivate, SignalInviteMember:
	default:
		return fmt.Errorf("unknown signal %q", a.Signal)
	}
	for k, s := range a.Required {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("required[%d]: name must not be empty", k)
		}
	}
	return nil
}

func actionKey(domainName, action string) string {
	return domainName + "." + action
}

// Domain looks up a domain by name.
func (c *Catalog) Domain(name string) (*Domain, bool) {
	d, ok := c.domains[name]
	return d, ok
}

// Action looks up an action of a domain.
func (c *Catalog) Action(domainName, action string) (*Action, bool) {
	a, ok := c.actions[actionKey(domainName, action)]
	return a, ok
}

// MemberLimit returns the member limit of plan, or 0 when unknown.
func (c *Catalog) MemberLimit(plan string) int {
	return c.plans[plan].MaxMembers
}

// DomainNames returns all domain names in sorted order.
func (c *Catalog) DomainNames() []string {
	out := make([]string, 0, len(c.domains))
	for name := range c.domains {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Describe renders the catalog as a compact action list for classifier prompts.
func (c *Catalog) Describe() string {
	var b strings.Builder
	for _, name := range c.DomainNames() {
		d := c.domains[name]
		fmt.Fprintf(&b, "- %s: %s\n", d.Name, d.Description)
		for _, a := range d.Actions {
			fmt.Fprintf(&b, "  - %s", a.Name)
			if len(a.Required) > 0 {
				names := make([]string, 0, len(a.Required))
				for _, s := range a.Required {
					names = append(names, s.Name)
				}
				fmt.Fprintf(&b, " (%s)", strings.Join(names, ", "))
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}
