package leads

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/ignite/leadengine/internal/domain"
	"github.com/ignite/leadengine/internal/pkg/logger"
)

// Service validates and stores candidates.
type Service struct {
	repo      Repository
	monthsMin int
	monthsMax int
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithWindow overrides the outreach window bounds in months before the event.
func WithWindow(monthsMin, monthsMax int) Option {
	return func(s *Service) {
		s.monthsMin = monthsMin
		s.monthsMax = monthsMax
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		monthsMin: domain.DefaultWindowMonthsMin,
		monthsMax: domain.DefaultWindowMonthsMax,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Intake stores a batch. Organization-level failures other than
// validation stop the batch, since they mean the store is unhealthy.
func (s *Service) Intake(ctx context.Context, batch []Candidate) (*IntakeReport, error) {
	if len(batch) == 0 {
		return nil, ErrEmptyBatch
	}
	rep := &IntakeReport{}
	for _, c := range batch {
		if err := s.intakeOne(ctx, c, rep); err != nil {
			return rep, err
		}
	}
	logger.Info("intake finished",
		"candidates", len(batch), "created", len(rep.Created), "merged", len(rep.Merged),
		"qualified", len(rep.Qualified), "rejections", len(rep.Rejections))
	return rep, nil
}

// IntakeNew stores only candidates whose domain is not stored yet. A known
// domain is reported as skipped and none of its contacts or events are
// written, so a repeated discovery run creates no rows. An empty batch is
// an empty report.
func (s *Service) IntakeNew(ctx context.Context, batch []Candidate) (*IntakeReport, error) {
	rep := &IntakeReport{}
	keys := make([]string, 0, len(batch))
	for i := range batch {
		if err := batch[i].Organization.Normalize(); err != nil {
			continue
		}
		keys = append(keys, batch[i].Organization.Domain)
	}
	known, err := s.repo.DomainsExist(ctx, keys)
	if err != nil {
		return nil, err
	}
	for _, c := range batch {
		if d := c.Organization.Domain; d != "" && known[d] {
			rep.Skipped = append(rep.Skipped, d)
			continue
		}
		if err := s.intakeOne(ctx, c, rep); err != nil {
			return rep, err
		}
	}
	logger.Info("discovery intake finished",
		"candidates", len(batch), "skipped", len(rep.Skipped), "created", len(rep.Created),
		"qualified", len(rep.Qualified), "rejections", len(rep.Rejections))
	return rep, nil
}

func (s *Service) intakeOne(ctx context.Context, c Candidate, rep *IntakeReport) error {
	org, created, err := s.repo.UpsertOrganization(ctx, c.Organization)
	if err != nil {
		if rejectable(err) {
			rep.reject(c.Organization.Domain, "organization", c.Organization.Website, err)
			return nil
		}
		return err
	}
	if created {
		rep.Created = append(rep.Created, org.Domain)
	} else {
		rep.Merged = append(rep.Merged, org.Domain)
	}

	stored := 0
	for _, cc := range c.Contacts {
		if _, _, err := s.repo.UpsertContact(ctx, org.ID, cc); err != nil {
			if !rejectable(err) {
				return err
			}
			rep.reject(org.Domain, "contact", cc.Email, err)
			continue
		}
		stored++
	}
	rep.Contacts += stored

	for _, ec := range c.Events {
		if _, err := s.repo.UpsertEvent(ctx, org.ID, ec); err != nil {
			if !rejectable(err) {
				return err
			}
			rep.reject(org.Domain, "event", ec.Name, err)
			continue
		}
		rep.Events++
	}

	if stored > 0 && org.Stage == domain.StageDiscovered {
		if org, err = s.repo.Transition(ctx, org.ID, domain.StageDiscovered, domain.StageEnriched); err != nil {
			return err
		}
	}

	if c.Organization.Score != nil && scoreable(org.Stage) {
		scored, err := s.repo.ApplyScore(ctx, org.ID, *c.Organization.Score)
		switch {
		case err == nil:
			org = scored
		case rejectable(err):
			rep.reject(org.Domain, "score", "", err)
		default:
			return err
		}
	}
	if org.Stage == domain.StageQualified {
		rep.Qualified = append(rep.Qualified, org.Domain)
	}
	rep.Organizations = append(rep.Organizations, *org)
	return nil
}

// scoreable lists the stages a fresh score may be applied from. Leads
// already in outreach keep their stage and only their stored fields merge.
func scoreable(st domain.Stage) bool {
	switch st {
	case domain.StageDiscovered, domain.StageEnriched, domain.StageRejected:
		return true
	}
	return false
}

func rejectable(err error) bool {
	return errors.Is(err, domain.ErrInvalidInput) ||
		errors.Is(err, domain.ErrConflict) ||
		errors.Is(err, domain.ErrSuppressed) ||
		errors.Is(err, domain.ErrInvalidTransition)
}

func (r *IntakeReport) reject(domainKey, kind, key string, err error) {
	logger.Warn("intake rejected", "domain", domainKey, "kind", kind, "key", key, "error", err)
	r.Rejections = append(r.Rejections, Rejection{Domain: domainKey, Kind: kind, Key: key, Error: err.Error(), err: err})
}

// Known returns every stored domain and email.
func (s *Service) Known(ctx context.Context) (*KnownKeys, error) {
	domains, err := s.repo.KnownDomains(ctx)
	if err != nil {
		return nil, err
	}
	emails, err := s.repo.KnownEmails(ctx)
	if err != nil {
		return nil, err
	}
	return &KnownKeys{Domains: domains, Emails: emails}, nil
}

// InWindow evaluates every active event against the outreach window.
// An organization appears once under Inside, with its earliest inside
// event, and review entries are listed only for organizations with no
// inside event.
func (s *Service) InWindow(ctx context.Context) (*WindowReport, error) {
	now := s.now().UTC()
	events, err := s.repo.ListActiveEvents(ctx)
	if err != nil {
		return nil, err
	}
	orgs, err := s.repo.ListOrganizations(ctx, domain.OrgFilter{})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Organization, len(orgs))
	for _, o := range orgs {
		byID[o.ID] = o
	}

	inside := make(map[string]WindowLead)
	review := make(map[string]WindowLead)
	for _, e := range events {
		org, ok := byID[e.OrgID]
		if !ok {
			continue
		}
		lead := WindowLead{Organization: org, Event: e, Verdict: domain.InWindow(e, now, s.monthsMin, s.monthsMax)}
		if opens, closes, ok := e.OutreachWindow(s.monthsMin, s.monthsMax); ok {
			lead.Opens, lead.Closes = &opens, &closes
		}
		switch lead.Verdict {
		case domain.WindowInside:
			if prev, ok := inside[org.ID]; !ok || e.Date.Before(*prev.Event.Date) {
				inside[org.ID] = lead
			}
		case domain.WindowReview:
			if _, ok := review[org.ID]; !ok {
				review[org.ID] = lead
			}
		}
	}

	rep := &WindowReport{Inside: []WindowLead{}, Review: []WindowLead{}}
	for id, l := range inside {
		rep.Inside = append(rep.Inside, l)
		delete(review, id)
	}
	for _, l := range review {
		rep.Review = append(rep.Review, l)
	}
	sortLeads(rep.Inside)
	sortLeads(rep.Review)
	return rep, nil
}

func sortLeads(ls []WindowLead) {
	sort.Slice(ls, func(i, j int) bool {
		return ls[i].Organization.Domain < ls[j].Organization.Domain
	})
}
