package session

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreCapacityExceeded marks an event dropped from a full session queue.
	ErrStoreCapacityExceeded = errors.New("session queue capacity exceeded")
	// ErrSessionClosed is returned for events that arrive after a session reached a terminal outcome.
	ErrSessionClosed = errors.New("session closed")
	// ErrUnknownTokenType and ErrUnknownLineType are matched by AccountingError.
	ErrUnknownTokenType = errors.New("unknown token type")
	ErrUnknownLineType  = errors.New("unknown line type")
)

// Accounting failure reasons.
const (
	ReasonUnknownTokenType = "unknown_token_type"
	ReasonUnknownLineType  = "unknown_line_type"
)

// AccountingError reports an event whose unit could not be classified. The
// event is still counted under an Other bucket.
type AccountingError struct {
	Reason    string
	SessionID string
	Type      string
	Value     float64
}

func (e *AccountingError) Error() string {
	return fmt.Sprintf("account session %s: %s %q (value %g counted as other)", e.SessionID, e.Reason, e.Type, e.Value)
}

func (e *AccountingError) Is(target error) bool {
	switch target {
	case ErrUnknownTokenType:
		return e.Reason == ReasonUnknownTokenType
	case ErrUnknownLineType:
		return e.Reason == ReasonUnknownLineType
	}
	return false
}
