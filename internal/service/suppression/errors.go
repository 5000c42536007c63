package suppression

import "errors"

// ErrEmailRequired is returned for an empty address.
var ErrEmailRequired = errors.New("email is required")
