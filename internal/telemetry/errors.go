package telemetry

import (
	"errors"
	"fmt"
)

// Normalization failure reasons.
const (
	ReasonMissingIdentity    = "missing_identity"
	ReasonMalformedTimestamp = "malformed_timestamp"
	ReasonMalformedValue     = "malformed_value"
)

var (
	ErrMissingIdentity    = errors.New("missing session identity")
	ErrMalformedTimestamp = errors.New("malformed timestamp")
	ErrMalformedValue     = errors.New("malformed value")
)

// NormalizationError rejects a single raw point. Ingestion continues.
type NormalizationError struct {
	Reason string
	Name   string
	Detail string
}

func (e *NormalizationError) Error() string {
	msg := fmt.Sprintf("normalize %q: %s", e.Name, e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *NormalizationError) Is(target error) bool {
	switch target {
	case ErrMissingIdentity:
		return e.Reason == ReasonMissingIdentity
	case ErrMalformedTimestamp:
		return e.Reason == ReasonMalformedTimestamp
	case ErrMalformedValue:
		return e.Reason == ReasonMalformedValue
	}
	return false
}
