package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ignite/leadengine/internal/domain"
	"github.com/ignite/leadengine/internal/pkg/logger"
)

// Service opens and closes runs.
type Service struct {
	repo Repository
	sink Sink
}

// NewService creates a ledger service. sink may be nil.
func NewService(repo Repository, sink Sink) *Service {
	return &Service{repo: repo, sink: sink}
}

// Result is what a run body reports back.
type Result struct {
	Summary any
	// Partial marks a run where some collaborator call failed.
	Partial bool
}

// Report is the artifact written for a finished run.
type Report struct {
	Run     domain.Run           `json:"run"`
	Summary any                  `json:"summary,omitempty"`
	Error   string               `json:"error,omitempty"`
	Entries []domain.LedgerEntry `json:"entries"`
	Calls   []domain.APICall     `json:"api_calls,omitempty"`
}

// Run executes fn inside a new run. fn's context is tagged so that every
// ledger entry it writes is attributed to the run. The run is closed as
// failed when fn errors, partial when fn says so, succeeded otherwise.
// fn's error is returned unchanged.
func (s *Service) Run(ctx context.Context, command string, fn func(ctx context.Context) (*Result, error)) (*domain.Run, error) {
	run, err := s.repo.StartRun(ctx, command)
	if err != nil {
		return nil, err
	}
	logger.Info("run started", "run_id", run.ID, "command", command)

	res, runErr := fn(domain.WithRunID(ctx, run.ID))
	if res == nil {
		res = &Result{}
	}
	status := domain.RunSucceeded
	switch {
	case runErr != nil:
		status = domain.RunFailed
	case res.Partial:
		status = domain.RunPartial
	}

	summary, err := json.Marshal(res.Summary)
	if err != nil {
		summary = []byte(fmt.Sprintf("%q", fmt.Sprint(res.Summary)))
	}
	if runErr != nil {
		summary, _ = json.Marshal(map[string]string{"error": runErr.Error()})
	}

	// The run must be closed even when the caller's context was cancelled.
	closeCtx := context.WithoutCancel(ctx)
	if err := s.repo.FinishRun(closeCtx, run.ID, status, string(summary)); err != nil {
		return run, errors.Join(runErr, err)
	}
	if fresh, err := s.repo.GetRun(closeCtx, run.ID); err == nil {
		run = fresh
	}
	logger.Info("run finished", "run_id", run.ID, "command", command, "status", status)

	if s.sink != nil {
		if err := s.writeReport(closeCtx, run, res.Summary, runErr); err != nil {
			logger.Warn("run report not written", "run_id", run.ID, "error", err)
		}
	}
	return run, runErr
}

func (s *Service) writeReport(ctx context.Context, run *domain.Run, summary any, runErr error) error {
	entries, err := s.repo.ListLedger(ctx, domain.LedgerFilter{RunID: run.ID})
	if err != nil {
		return err
	}
	calls, err := s.repo.ListAPICalls(ctx, run.ID, 1000)
	if err != nil {
		return err
	}
	rep := Report{Run: *run, Summary: summary, Entries: entries, Calls: calls}
	if runErr != nil {
		rep.Error = runErr.Error()
	}
	body, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	name := fmt.Sprintf("runs/%s/%s-%s.json", run.StartedAt.UTC().Format("2006-01-02"), run.Command, run.ID)
	loc, err := s.sink.Put(ctx, name, body)
	if err != nil {
		return err
	}
	logger.Debug("run report written", "run_id", run.ID, "location", loc)
	return nil
}

// Append records an action outside any store operation, for example a
// collaborator call that produced nothing to store.
func (s *Service) Append(ctx context.Context, e domain.LedgerEntry) (*domain.LedgerEntry, bool, error) {
	return s.repo.AppendLedger(ctx, e)
}

// List returns entries newest first.
func (s *Service) List(ctx context.Context, f domain.LedgerFilter) ([]domain.LedgerEntry, error) {
	return s.repo.ListLedger(ctx, f)
}

// Feedback returns the conversion events of an organization.
func (s *Service) Feedback(ctx context.Context, orgID string) ([]domain.OutcomeFeedback, error) {
	return s.repo.ListOutcomeFeedback(ctx, orgID)
}
