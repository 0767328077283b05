package regulation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidParameter is returned for malformed publish requests.
	ErrInvalidParameter = errors.New("regulation: invalid parameter")
	// ErrUnknownRevision is returned by SnapshotAt for a revision never committed.
	ErrUnknownRevision = errors.New("regulation: unknown catalog revision")
)

// OverlapError rejects a publish whose interval intersects an existing
// version of the same identifier.
type OverlapError struct {
	ParameterID string
	From        time.Time
	Until       *time.Time
	Existing    Parameter
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("regulation: interval %s for %s overlaps %s",
		formatInterval(e.From, e.Until), e.ParameterID, e.Existing)
}

// InvalidIntervalError rejects an interval whose end is not after its start.
type InvalidIntervalError struct {
	ParameterID string
	From        time.Time
	Until       time.Time
}

func (e *InvalidIntervalError) Error() string {
	return fmt.Sprintf("regulation: invalid interval for %s: effective_until %s is not after effective_from %s",
		e.ParameterID, e.Until.Format(time.DateOnly), e.From.Format(time.DateOnly))
}

// UndefinedParameterError names every identifier with no version in force at Date.
type UndefinedParameterError struct {
	Date    time.Time
	Missing []string
}

func (e *UndefinedParameterError) Error() string {
	return fmt.Sprintf("regulation: no parameter in force on %s for %s",
		e.Date.Format(time.DateOnly), strings.Join(e.Missing, ", "))
}

func formatInterval(from time.Time, until *time.Time) string {
	if until == nil {
		return fmt.Sprintf("[%s, open)", from.Format(time.DateOnly))
	}
	return fmt.Sprintf("[%s, %s)", from.Format(time.DateOnly), until.Format(time.DateOnly))
}
