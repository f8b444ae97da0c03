// Command lifecyclectl lets an operator drive a tenant through its
// subscription lifecycle when a backend callback was lost.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"

	"homeai-bot/internal/app"
	"homeai-bot/internal/domain"
	"homeai-bot/internal/lifecycle"
)

type signaler interface {
	ConfirmPayment(ctx context.Context, tenantID string) (lifecycle.Outcome, error)
	CompleteSetup(ctx context.Context, tenantID string, attrs map[string]string) (lifecycle.Outcome, error)
	CompleteOnboarding(ctx context.Context, tenantID, domainName string) (lifecycle.Outcome, error)
}

type tenantReader interface {
	GetTenant(ctx context.Context, tenantID string) (domain.Tenant, error)
}

// session is what every subcommand needs; close releases it.
type session struct {
	signals signaler
	tenants tenantReader
	close   func() error
}

type opener func(ctx context.Context) (*session, error)

func main() {
	if err := newRootCmd(openApp).Execute(); err != nil {
		os.Exit(1)
	}
}

func openApp(ctx context.Context) (*session, error) {
	cfg, err := app.FromEnv(os.Getenv)
	if err != nil {
		return nil, err
	}
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	a, err := app.New(ctx, awsCfg, cfg, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		return nil, err
	}
	return &session{signals: a.Service, tenants: a.Repository, close: a.Close}, nil
}

func newRootCmd(open opener) *cobra.Command {
	root := &cobra.Command{
		Use:          "lifecyclectl",
		Short:        "Emit lifecycle signals for a household",
		SilenceUsage: true,
	}

	run := func(fn func(ctx context.Context, s *session, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()
			return fn(cmd.Context(), s, cmd, args)
		}
	}

	root.AddCommand(&cobra.Command{
		Use:   "payment-check <tenant>",
		Short: "Check the payment status and move the tenant to setup when it cleared",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, s *session, cmd *cobra.Command, args []string) error {
			out, err := s.signals.ConfirmPayment(ctx, args[0])
			if err != nil {
				return err
			}
			return printOutcome(cmd, out)
		}),
	})

	var homeName string
	setupCmd := &cobra.Command{
		Use:   "setup-complete <tenant>",
		Short: "Mark the household setup complete",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, s *session, cmd *cobra.Command, args []string) error {
			attrs := map[string]string{}
			if strings.TrimSpace(homeName) != "" {
				attrs["home_name"] = strings.TrimSpace(homeName)
			}
			out, err := s.signals.CompleteSetup(ctx, args[0], attrs)
			if err != nil {
				return err
			}
			return printOutcome(cmd, out)
		}),
	}
	setupCmd.Flags().StringVar(&homeName, "home-name", "", "name of the household")
	root.AddCommand(setupCmd)

	root.AddCommand(&cobra.Command{
		Use:   "onboarding-complete <tenant> <domain>",
		Short: "Mark a domain onboarded and replay the request held while it onboarded",
		Args:  cobra.ExactArgs(2),
		RunE: run(func(ctx context.Context, s *session, cmd *cobra.Command, args []string) error {
			out, err := s.signals.CompleteOnboarding(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printOutcome(cmd, out)
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "show <tenant>",
		Short: "Print the stored tenant record",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, s *session, cmd *cobra.Command, args []string) error {
			t, err := s.tenants.GetTenant(ctx, args[0])
			if err != nil {
				return err
			}
			return printTenant(cmd, t)
		}),
	})
	return root
}

func printOutcome(cmd *cobra.Command, out lifecycle.Outcome) error {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "status: %s\n", out.Status)
	if out.ErrorKind != domain.ErrNone {
		fmt.Fprintf(w, "error:  %s\n", out.ErrorKind)
	}
	fmt.Fprintf(w, "text:   %s\n", out.Text)
	if out.Replay != nil {
		fmt.Fprintf(w, "replayed %s.%s to %s\n", out.Replay.Intent.Domain, out.Replay.Intent.Action, out.Replay.ConversationID)
	}
	return nil
}

func printTenant(cmd *cobra.Command, t domain.Tenant) error {
	domains := make([]string, 0, len(t.Onboarding))
	for d := range t.Onboarding {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	onboarding := make([]map[string]string, 0, len(domains))
	for _, d := range domains {
		onboarding = append(onboarding, map[string]string{"domain": d, "state": string(t.Onboarding[d])})
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"id":         t.ID,
		"plan":       t.Plan,
		"stage":      t.Stage,
		"homeName":   t.HomeName,
		"members":    t.Members,
		"onboarding": onboarding,
		"version":    t.Version,
	})
}
