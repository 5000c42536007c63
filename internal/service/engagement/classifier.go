package engagement

import (
	"context"
	"strings"
	"time"

	"github.com/ignite/leadengine/internal/domain"
)

// DefaultNurtureDelay is the recontact delay when a reply asks for later
// without naming a date.
const DefaultNurtureDelay = 30 * 24 * time.Hour

// KeywordClassifier labels replies by phrase. Opt-outs are checked first
// so an angry "not interested, unsubscribe me" is always honored.
type KeywordClassifier struct {
	Now func() time.Time
}

var phraseTable = []struct {
	class   domain.ReplyClassification
	phrases []string
}{
	{domain.ReplyUnsubscribe, []string{"unsubscribe", "take me off", "stop all emails", "do not contact", "don't contact", "remove from list", "remove me from your list", "opt out"}},
	{domain.ReplyNotFit, []string{"not interested", "we don't do events", "wrong person", "remove me", "stop emailing", "we have this covered", "no thanks", "not a fit"}},
	{domain.ReplyNurture, []string{"not right now", "maybe later", "check back", "reach out in", "after our event", "mid-campaign", "next quarter", "next year", "try me in", "circle back"}},
	{domain.ReplyInterested, []string{"sounds good", "happy to chat", "let's connect", "tell me more", "let's find a time", "open to it", "that works", "interested", "sure", "yes"}},
}

func (k KeywordClassifier) Classify(_ context.Context, req ClassifyRequest) (*domain.Classification, error) {
	text := strings.ToLower(req.Text)
	for _, row := range phraseTable {
		for _, p := range row.phrases {
			if !strings.Contains(text, p) {
				continue
			}
			c := &domain.Classification{Class: row.class, KeyPhrase: p, Reasoning: "matched phrase"}
			if row.class == domain.ReplyNurture {
				now := time.Now
				if k.Now != nil {
					now = k.Now
				}
				at := domain.Day(now().Add(DefaultNurtureDelay))
				c.RecontactAt = &at
				c.RecontactNote = "asked to follow up later: \"" + p + "\""
			}
			return c, nil
		}
	}
	return nil, &domain.ValidationError{Field: "classification", Reason: "no known phrase, classify manually"}
}
