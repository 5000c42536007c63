package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/ignite/leadengine/internal/app"
	"github.com/ignite/leadengine/internal/domain"
	"github.com/ignite/leadengine/internal/service/ledger"
	"github.com/spf13/cobra"
)

type runOutput struct {
	Run     *domain.Run `json:"run"`
	Summary any         `json:"summary,omitempty"`
}

// runLedgered executes fn as one ledger run and prints the run with its
// summary. fn's error is returned so the exit code reflects it.
func runLedgered(ctx context.Context, cmd *cobra.Command, a *app.App, command string, fn func(ctx context.Context) (*ledger.Result, error)) error {
	var summary any
	run, err := a.Ledger.Run(ctx, command, func(ctx context.Context) (*ledger.Result, error) {
		res, err := fn(ctx)
		if res != nil {
			summary = res.Summary
		}
		return res, err
	})
	if run != nil {
		printRun(cmd.ErrOrStderr(), run)
		if perr := printJSON(cmd.OutOrStdout(), runOutput{Run: run, Summary: summary}); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

// collaboratorFailure turns a failed collaborator call into a partial run.
// The failure is ledgered so the run report shows it. Any other error is
// returned as is.
func collaboratorFailure(ctx context.Context, a *app.App, action domain.LedgerAction, orgID string, err error) (*ledger.Result, error) {
	if !errors.Is(err, domain.ErrExternalFailure) {
		return nil, err
	}
	if _, _, lerr := a.Ledger.Append(ctx, domain.LedgerEntry{
		OrgID: orgID, Action: action, Outcome: domain.OutcomeFailed, Detail: err.Error(),
	}); lerr != nil {
		return nil, errors.Join(err, lerr)
	}
	return partialResult(err)
}

// partialResult reports an already ledgered collaborator failure as a
// partial run.
func partialResult(err error) (*ledger.Result, error) {
	if !errors.Is(err, domain.ErrExternalFailure) {
		return nil, err
	}
	return &ledger.Result{Summary: map[string]string{"error": err.Error()}, Partial: true}, nil
}

func printRun(w io.Writer, run *domain.Run) {
	line := fmt.Sprintf("run %s (%s) %s", run.ID, run.Command, run.Status)
	switch run.Status {
	case domain.RunSucceeded:
		fmt.Fprintln(w, color.GreenString("✓ "+line))
	case domain.RunPartial:
		fmt.Fprintln(w, color.YellowString("! "+line))
	default:
		fmt.Fprintln(w, color.RedString("✗ "+line))
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseTime accepts RFC3339 or a bare date.
func parseTime(field, s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, &domain.ValidationError{Field: field, Reason: fmt.Sprintf("%q is neither RFC3339 nor YYYY-MM-DD", s)}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
