package cli

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/leadengine/internal/app"
	"github.com/ignite/leadengine/internal/domain"
	"github.com/ignite/leadengine/internal/service/ledger"
	"github.com/spf13/cobra"
)

var errNoDelivery = errors.New("collaborators.delivery.base_url is not configured")

func newSweepCmd(o *rootOptions) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Send due touches and recontact due nurture leads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now().UTC()
			if at != "" {
				t, err := parseTime("at", at)
				if err != nil {
					return err
				}
				now = t
			}
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if a.Dispatcher == nil {
					return errNoDelivery
				}
				return runLedgered(ctx, cmd, a, "sweep", func(ctx context.Context) (*ledger.Result, error) {
					rep, err := a.Cadence.Sweep(ctx, now, a.Dispatcher)
					if err != nil {
						return nil, err
					}
					return &ledger.Result{Summary: rep, Partial: len(rep.Failed) > 0}, nil
				})
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluate due work as of this time (RFC3339)")
	return cmd
}

func newSuppressCmd(o *rootOptions) *cobra.Command {
	var email, reason, source string
	cmd := &cobra.Command{
		Use:   "suppress",
		Short: "Block an email address from all future outreach",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			src := domain.SuppressionSource(source)
			if !src.Valid() {
				return &domain.ValidationError{Field: "source", Reason: "want manual, bounce or unsubscribe_reply"}
			}
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				return runLedgered(ctx, cmd, a, "suppress", func(ctx context.Context) (*ledger.Result, error) {
					res, err := a.Suppression.Suppress(ctx, email, reason, src)
					if err != nil {
						return nil, err
					}
					return &ledger.Result{Summary: res}, nil
				})
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "address to suppress")
	cmd.Flags().StringVar(&reason, "reason", "", "why the address is suppressed")
	cmd.Flags().StringVar(&source, "source", string(domain.SourceManual), "manual, bounce or unsubscribe_reply")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newTouchCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "touch",
		Short: "Report the delivery result of a scheduled touch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var messageID, sentAt string
	sent := &cobra.Command{
		Use:   "sent <touch-id>",
		Short: "Mark a touch sent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at := time.Now().UTC()
			if sentAt != "" {
				t, err := parseTime("sent-at", sentAt)
				if err != nil {
					return err
				}
				at = t
			}
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				return runLedgered(ctx, cmd, a, "touch:sent", func(ctx context.Context) (*ledger.Result, error) {
					t, err := a.Cadence.MarkSent(ctx, args[0], messageID, at)
					if err != nil {
						return nil, err
					}
					return &ledger.Result{Summary: t}, nil
				})
			})
		},
	}
	sent.Flags().StringVar(&messageID, "message-id", "", "provider message id")
	sent.Flags().StringVar(&sentAt, "sent-at", "", "send time (RFC3339), defaults to now")
	_ = sent.MarkFlagRequired("message-id")

	var reason string
	var bounce bool
	failed := &cobra.Command{
		Use:   "failed <touch-id>",
		Short: "Mark a touch failed; a bounce also suppresses the address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				return runLedgered(ctx, cmd, a, "touch:failed", func(ctx context.Context) (*ledger.Result, error) {
					t, err := a.Cadence.MarkFailed(ctx, args[0], reason, bounce)
					if err != nil {
						return nil, err
					}
					return &ledger.Result{Summary: t}, nil
				})
			})
		},
	}
	failed.Flags().StringVar(&reason, "reason", "", "failure reason")
	failed.Flags().BoolVar(&bounce, "bounce", false, "the address hard-bounced")

	cmd.AddCommand(sent, failed)
	return cmd
}

func newTransitionCmd(o *rootOptions) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "transition <lead> <stage>",
		Short: "Move a lead to another pipeline stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := domain.ParseStage(args[1])
			if err != nil {
				return err
			}
			var guard domain.Stage
			if from != "" {
				if guard, err = domain.ParseStage(from); err != nil {
					return err
				}
			}
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				return runLedgered(ctx, cmd, a, "transition", func(ctx context.Context) (*ledger.Result, error) {
					org, err := a.Engagement.ResolveOrganization(ctx, args[0])
					if err != nil {
						return nil, err
					}
					org, err = a.Pipeline.Transition(ctx, org.ID, guard, target)
					if err != nil {
						return nil, err
					}
					return &ledger.Result{Summary: org}, nil
				})
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "expected current stage; the move fails if the lead moved on")
	return cmd
}

func newMigrateCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := app.OpenStore(cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()
			applied, err := store.Migrate(cmd.Context())
			if perr := printJSON(cmd.OutOrStdout(), map[string]any{"applied": applied}); perr != nil && err == nil {
				err = perr
			}
			return err
		},
	}
}
