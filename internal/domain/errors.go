package domain

import "errors"

// ErrValidation marks caller mistakes (bad region code, malformed identity
// reference). These surface directly to the API layer and are never retried.
var ErrValidation = errors.New("validation")
