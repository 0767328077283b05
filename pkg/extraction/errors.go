package extraction

import (
	"fmt"
)

// RecognitionUnavailableError reports that the text-recognition service
// could not serve a request: it timed out, refused the call or is behind an
// open circuit. It is retried and finally degrades the document to review.
type RecognitionUnavailableError struct {
	Reason string
	Err    error
}

func (e *RecognitionUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("recognition unavailable: %s: %v", e.Reason, e.Err)
	}
	return "recognition unavailable: " + e.Reason
}

func (e *RecognitionUnavailableError) Unwrap() error { return e.Err }

// UnsupportedFormatError reports a document the engine cannot read. The
// pipeline surfaces it as a MalformedDeclarationError.
type UnsupportedFormatError struct {
	Name   string
	Format Format
	Detail string
}

func (e *UnsupportedFormatError) Error() string {
	msg := fmt.Sprintf("unsupported document format %q", e.Format)
	if e.Name != "" {
		msg += " for " + e.Name
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}
