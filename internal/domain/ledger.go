package domain

import (
	"context"
	"time"
)

// LedgerAction names the kind of action a ledger entry records.
type LedgerAction string

const (
	ActionUpsertOrganization LedgerAction = "upsert_organization"
	ActionUpsertContact      LedgerAction = "upsert_contact"
	ActionTransition         LedgerAction = "transition"
	ActionScore              LedgerAction = "score"
	ActionEnroll             LedgerAction = "enroll"
	ActionSendTouch          LedgerAction = "send_touch"
	ActionCancelSequence     LedgerAction = "cancel_sequence"
	ActionSuppress           LedgerAction = "suppress"
	ActionReply              LedgerAction = "reply"
	ActionCall               LedgerAction = "call"
	ActionMeeting            LedgerAction = "meeting"
	ActionRecontact          LedgerAction = "recontact"
	ActionDiscover           LedgerAction = "discover"
	ActionClassify           LedgerAction = "classify"
)

// LedgerOutcome is the result of an attempted action.
type LedgerOutcome string

const (
	OutcomeApplied  LedgerOutcome = "applied"
	OutcomeRejected LedgerOutcome = "rejected"
	OutcomeFailed   LedgerOutcome = "failed"
	OutcomeSkipped  LedgerOutcome = "skipped"
)

// LedgerEntry is one append-only record of an attempted action.
type LedgerEntry struct {
	ID             int64         `json:"id" db:"id"`
	RunID          string        `json:"run_id,omitempty" db:"run_id"`
	OrgID          string        `json:"org_id,omitempty" db:"org_id"`
	SubjectID      string        `json:"subject_id,omitempty" db:"subject_id"`
	Action         LedgerAction  `json:"action" db:"action"`
	Outcome        LedgerOutcome `json:"outcome" db:"outcome"`
	IdempotencyKey string        `json:"idempotency_key,omitempty" db:"idempotency_key"`
	Detail         string        `json:"detail,omitempty" db:"detail"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	PublishedAt    *time.Time    `json:"published_at,omitempty" db:"published_at"`
}

// RunStatus enumerates the lifecycle of a pipeline run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
)

// Run groups the ledger entries written by one CLI command or sweep.
type Run struct {
	ID         string     `json:"id" db:"id"`
	Command    string     `json:"command" db:"command"`
	Status     RunStatus  `json:"status" db:"status"`
	Summary    string     `json:"summary,omitempty" db:"summary"`
	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// OutcomeFeedback records a conversion event for later analysis of which
// leads convert.
type OutcomeFeedback struct {
	ID                  string    `json:"id" db:"id"`
	OrgID               string    `json:"org_id" db:"org_id"`
	ConversionEvent     Stage     `json:"conversion_event" db:"conversion_event"`
	ScoreAtTime         *int      `json:"score_at_time,omitempty" db:"score_at_time"`
	TouchNumber         *int      `json:"touch_number,omitempty" db:"touch_number"`
	DaysSinceFirstTouch *int      `json:"days_since_first_touch,omitempty" db:"days_since_first_touch"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
}

// LedgerFilter narrows ListLedger.
type LedgerFilter struct {
	OrgID  string
	RunID  string
	Action LedgerAction
	Limit  int
}

// APICall is one outbound collaborator request as seen after retries.
type APICall struct {
	ID         string        `json:"id" db:"id"`
	RunID      string        `json:"run_id,omitempty" db:"run_id"`
	Service    string        `json:"service" db:"service"`
	Operation  string        `json:"operation" db:"operation"`
	Success    bool          `json:"success" db:"success"`
	StatusCode int           `json:"status_code,omitempty" db:"status_code"`
	Duration   time.Duration `json:"duration" db:"duration_ms"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
}

type runKey struct{}

// WithRunID tags ctx so that every ledger entry written under it is
// attributed to the run.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey{}, runID)
}

// RunIDFrom returns the run id carried by ctx, if any.
func RunIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runKey{}).(string)
	return id
}
