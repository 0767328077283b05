package declaration

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by record stores for unknown ids.
var ErrNotFound = errors.New("declaration: record not found")

// MalformedDeclarationError rejects a document whose content does not fit
// the canonical shape. FieldPath points at the offending field, e.g.
// "lines[3].declared_rate" or "S21.G00.81.004".
type MalformedDeclarationError struct {
	FieldPath string
	Reason    string
	Err       error
}

func (e *MalformedDeclarationError) Error() string {
	msg := fmt.Sprintf("malformed declaration at %s: %s", e.FieldPath, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedDeclarationError) Unwrap() error { return e.Err }

// Malformed builds a MalformedDeclarationError.
func Malformed(path, reason string, err error) *MalformedDeclarationError {
	return &MalformedDeclarationError{FieldPath: path, Reason: reason, Err: err}
}
