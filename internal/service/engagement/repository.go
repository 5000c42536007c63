package engagement

import (
	"context"

	"github.com/ignite/leadengine/internal/domain"
)

// Repository is the slice of the entity store engagement needs.
type Repository interface {
	GetOrganization(ctx context.Context, id string) (*domain.Organization, error)
	GetOrganizationByDomain(ctx context.Context, domainKey string) (*domain.Organization, error)
	GetContact(ctx context.Context, id string) (*domain.Contact, error)
	GetContactByEmail(ctx context.Context, email string) (*domain.Contact, error)
	ListContacts(ctx context.Context, orgID string) ([]domain.Contact, error)
	OpenSequenceContacts(ctx context.Context, orgID string) ([]string, error)
	UpsertContact(ctx context.Context, orgID string, c domain.ContactCandidate) (*domain.Contact, bool, error)

	RecordReply(ctx context.Context, in domain.ReplyInput) (*domain.ReplyResult, error)
	RecordCall(ctx context.Context, in domain.CallInput) (*domain.CallRecord, *domain.Organization, error)
	RecordMeeting(ctx context.Context, m domain.Meeting) (*domain.Meeting, *domain.Organization, error)
	SetMeetingStatus(ctx context.Context, meetingID string, status domain.MeetingStatus) (*domain.Meeting, *domain.Organization, error)
	Transition(ctx context.Context, orgID string, guard, to domain.Stage) (*domain.Organization, error)
	OrgHistory(ctx context.Context, orgID string) (*domain.OrgHistory, error)

	AppendLedger(ctx context.Context, e domain.LedgerEntry) (*domain.LedgerEntry, bool, error)
}

// ClassifyRequest is what a classifier sees of a reply.
type ClassifyRequest struct {
	Text         string              `json:"reply_text"`
	Organization domain.Organization `json:"organization"`
	Contact      domain.Contact      `json:"contact"`
	ReceivedAt   string              `json:"received_at"`
}

// Classifier labels a reply. The generation collaborator implements it
// over HTTP; KeywordClassifier is the offline fallback.
type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (*domain.Classification, error)
}
