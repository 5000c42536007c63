package cli

import (
	"context"
	"errors"

	"github.com/ignite/leadengine/internal/app"
	"github.com/ignite/leadengine/internal/domain"
	"github.com/ignite/leadengine/internal/service/ledger"
	"github.com/spf13/cobra"
)

var errNoDiscovery = errors.New("collaborators.discovery.base_url is not configured")

func newDiscoverCmd(o *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Fetch new candidate organizations and store them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return &domain.ValidationError{Field: "limit", Reason: "must be positive"}
			}
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if a.Discovery == nil {
					return errNoDiscovery
				}
				return runLedgered(ctx, cmd, a, "discover", func(ctx context.Context) (*ledger.Result, error) {
					known, err := a.Leads.Known(ctx)
					if err != nil {
						return nil, err
					}
					batch, err := a.Discovery.Discover(ctx, limit, *known)
					if err != nil {
						return collaboratorFailure(ctx, a, domain.ActionDiscover, "", err)
					}
					rep, err := a.Leads.IntakeNew(ctx, batch)
					if err != nil {
						return nil, err
					}
					return &ledger.Result{Summary: rep}, nil
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum number of new organizations to request")
	return cmd
}
