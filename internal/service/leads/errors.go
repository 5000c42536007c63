package leads

import "github.com/ignite/leadengine/internal/domain"

// ErrEmptyBatch rejects an intake call with no candidates.
var ErrEmptyBatch = &domain.ValidationError{Field: "candidates", Reason: "empty batch"}
