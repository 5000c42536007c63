package collab

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ignite/leadengine/internal/domain"
	"github.com/ignite/leadengine/internal/service/engagement"
)

// Classifier labels replies through the generation collaborator.
type Classifier struct {
	client *Client
}

var _ engagement.Classifier = (*Classifier)(nil)

// NewClassifier wraps client.
func NewClassifier(client *Client) *Classifier {
	return &Classifier{client: client}
}

// Classify returns the collaborator's label. Labels outside the closed set
// are rejected before they reach the store.
func (c *Classifier) Classify(ctx context.Context, req engagement.ClassifyRequest) (*domain.Classification, error) {
	var out domain.Classification
	if err := c.client.do(ctx, http.MethodPost, "/v1/classify", req, &out); err != nil {
		return nil, err
	}
	class, err := domain.ParseReplyClassification(string(out.Class))
	if err != nil {
		return nil, fmt.Errorf("classifier answered %q: %v: %w", out.Class, err, domain.ErrExternalFailure)
	}
	out.Class = class
	return &out, nil
}
