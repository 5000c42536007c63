package cadence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/leadengine/internal/domain"
	"github.com/ignite/leadengine/internal/pkg/distlock"
	"github.com/ignite/leadengine/internal/pkg/logger"
	"golang.org/x/sync/errgroup"
)

const sweepLockKey = "cadence-sweep"

// Service plans and runs outreach.
type Service struct {
	repo      Repository
	gate      Gate
	locks     *distlock.Options
	batchSize int
	workers   int
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLocks makes sweeps single-flight on the configured backend.
func WithLocks(opts distlock.Options) Option {
	return func(s *Service) { s.locks = &opts }
}

// WithBatch bounds the touches fetched per sweep and the sends in flight.
func WithBatch(batchSize, workers int) Option {
	return func(s *Service) {
		if batchSize > 0 {
			s.batchSize = batchSize
		}
		if workers > 0 {
			s.workers = workers
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, gate Gate, opts ...Option) *Service {
	s := &Service{repo: repo, gate: gate, batchSize: 200, workers: 4, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enroll starts a sequence for a qualified or nurtured lead.
func (s *Service) Enroll(ctx context.Context, req domain.EnrollRequest) (*domain.EmailSequence, error) {
	if req.Start.IsZero() {
		req.Start = s.now()
	}
	seq, err := s.repo.Enroll(ctx, req)
	if err != nil {
		return nil, err
	}
	logger.Info("cadence: enrolled", "org_id", req.OrgID, "sequence_id", seq.ID, "touches", len(seq.Touches))
	return seq, nil
}

// Plan lists the actions due at now.
func (s *Service) Plan(ctx context.Context, now time.Time) ([]DueAction, error) {
	nurture, err := s.repo.DueNurture(ctx, now)
	if err != nil {
		return nil, err
	}
	touches, err := s.repo.DueTouches(ctx, now, s.batchSize)
	if err != nil {
		return nil, err
	}
	return merge(nurture, touches), nil
}

// DueTouches lists the touches due at now.
func (s *Service) DueTouches(ctx context.Context, now time.Time) ([]domain.DueTouch, error) {
	return s.repo.DueTouches(ctx, now, s.batchSize)
}

// DueNurture lists nurtured organizations whose recontact date has come.
func (s *Service) DueNurture(ctx context.Context, now time.Time) ([]domain.Organization, error) {
	return s.repo.DueNurture(ctx, now)
}

// MarkSent records a delivery reported outside a sweep.
func (s *Service) MarkSent(ctx context.Context, touchID, messageID string, sentAt time.Time) (*domain.EmailTouch, error) {
	if messageID == "" {
		return nil, &domain.ValidationError{Field: "external_message_id", Reason: "required"}
	}
	if sentAt.IsZero() {
		sentAt = s.now()
	}
	return s.repo.MarkSent(ctx, touchID, messageID, sentAt)
}

// MarkFailed records a failed delivery. The touch stays scheduled.
func (s *Service) MarkFailed(ctx context.Context, touchID, reason string, bounce bool) (*domain.EmailTouch, error) {
	return s.repo.MarkFailed(ctx, touchID, reason, bounce)
}

// CancelRemaining cancels the scheduled touches of a sequence.
func (s *Service) CancelRemaining(ctx context.Context, sequenceID string) (int, error) {
	return s.repo.CancelRemaining(ctx, sequenceID)
}

// Outcome is the result of one dispatched action.
type Outcome struct {
	Kind    ActionKind `json:"kind"`
	OrgID   string     `json:"org_id"`
	Subject string     `json:"subject_id,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	// Skipped is set when another process held the sweep lock.
	Skipped     bool      `json:"skipped,omitempty"`
	Planned     int       `json:"planned"`
	Sent        []Outcome `json:"sent,omitempty"`
	Recontacted []Outcome `json:"recontacted,omitempty"`
	Duplicates  int       `json:"duplicates,omitempty"`
	Rejected    []Outcome `json:"rejected,omitempty"`
	Failed      []Outcome `json:"failed,omitempty"`
}

// Partial reports whether some action failed at the collaborator.
func (r *SweepReport) Partial() bool { return len(r.Failed) > 0 }

// Sweep plans at now and dispatches every due action. Per-action failures
// are ledgered and reported; only store and lock errors abort the sweep.
func (s *Service) Sweep(ctx context.Context, now time.Time, d Dispatcher) (*SweepReport, error) {
	if s.locks != nil {
		lock, err := distlock.NewLock(*s.locks, sweepLockKey)
		if err != nil {
			return nil, err
		}
		ok, err := lock.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			logger.Info("cadence: sweep already running elsewhere")
			return &SweepReport{Skipped: true}, nil
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("cadence: release sweep lock", "error", err)
			}
		}()
	}

	actions, err := s.Plan(ctx, now)
	if err != nil {
		return nil, err
	}
	rep := &SweepReport{Planned: len(actions)}
	var mu sync.Mutex
	record := func(fn func()) {
		mu.Lock()
		fn()
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, a := range actions {
		a := a
		g.Go(func() error {
			switch a.Kind {
			case ActionRecontact:
				return s.recontact(gctx, *a.Org, d, rep, record)
			default:
				return s.send(gctx, *a.Touch, d, rep, record)
			}
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}
	logger.Info("cadence: sweep finished",
		"planned", rep.Planned, "sent", len(rep.Sent), "recontacted", len(rep.Recontacted),
		"rejected", len(rep.Rejected), "failed", len(rep.Failed))
	return rep, nil
}

func (s *Service) send(ctx context.Context, t domain.DueTouch, d Dispatcher, rep *SweepReport, record func(func())) error {
	out := Outcome{Kind: ActionSendTouch, OrgID: t.OrgID, Subject: t.ID}

	if err := s.gate.Allow(ctx, t.ContactEmail); err != nil {
		if !errors.Is(err, domain.ErrSuppressed) {
			return err
		}
		out.Error = err.Error()
		record(func() { rep.Rejected = append(rep.Rejected, out) })
		return nil
	}

	msgID, sendErr := d.Send(ctx, t)
	if sendErr != nil {
		var de *domain.DeliveryError
		bounce := errors.As(sendErr, &de) && de.Bounce
		if _, err := s.repo.MarkFailed(ctx, t.ID, sendErr.Error(), bounce); err != nil && !domain.IsInvariantViolation(err) {
			return err
		}
		logger.Warn("cadence: send failed", "touch_id", t.ID, "to", t.ContactEmail, "bounce", bounce, "error", sendErr)
		out.Error = sendErr.Error()
		record(func() { rep.Failed = append(rep.Failed, out) })
		return nil
	}

	if _, err := s.repo.MarkSent(ctx, t.ID, msgID, s.now()); err != nil {
		if !domain.IsInvariantViolation(err) {
			return err
		}
		out.Error = err.Error()
		record(func() { rep.Rejected = append(rep.Rejected, out) })
		return nil
	}
	record(func() { rep.Sent = append(rep.Sent, out) })
	return nil
}

func (s *Service) recontact(ctx context.Context, org domain.Organization, d Dispatcher, rep *SweepReport, record func(func())) error {
	if org.NextOutreachAt == nil {
		return nil
	}
	key := RecontactKey(org.ID, *org.NextOutreachAt)
	done, err := s.repo.HasLedgerKey(ctx, key)
	if err != nil {
		return err
	}
	if done {
		record(func() { rep.Duplicates++ })
		return nil
	}

	out := Outcome{Kind: ActionRecontact, OrgID: org.ID, Subject: org.Domain}
	if err := d.Recontact(ctx, org); err != nil {
		if _, _, lerr := s.repo.AppendLedger(ctx, domain.LedgerEntry{
			OrgID: org.ID, SubjectID: org.Domain, Action: domain.ActionRecontact,
			Outcome: domain.OutcomeFailed, Detail: err.Error(),
		}); lerr != nil {
			return lerr
		}
		logger.Warn("cadence: recontact failed", "org_id", org.ID, "error", err)
		out.Error = err.Error()
		record(func() { rep.Failed = append(rep.Failed, out) })
		return nil
	}

	_, inserted, err := s.repo.AppendLedger(ctx, domain.LedgerEntry{
		OrgID: org.ID, SubjectID: org.Domain, Action: domain.ActionRecontact,
		Outcome: domain.OutcomeApplied, IdempotencyKey: key,
		Detail: fmt.Sprintf("next_outreach_at=%s", org.NextOutreachAt.UTC().Format(time.RFC3339)),
	})
	if err != nil {
		return err
	}
	if !inserted {
		record(func() { rep.Duplicates++ })
		return nil
	}
	record(func() { rep.Recontacted = append(rep.Recontacted, out) })
	return nil
}
