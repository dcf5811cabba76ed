package plan

import "fmt"

// ErrorKind is a machine-readable validation failure category. Kinds
// surface verbatim in HTTP 400 problem responses.
type ErrorKind string

const (
	KindInvalidTarget      ErrorKind = "InvalidTarget"
	KindOverlappingTargets ErrorKind = "OverlappingTargets"
	KindEmptyTargets       ErrorKind = "EmptyTargets"
	KindTooManyTargets     ErrorKind = "TooManyTargets"
	KindInvalidPort        ErrorKind = "InvalidPort"
	KindDuplicatePort      ErrorKind = "DuplicatePort"
	KindTooManyPorts       ErrorKind = "TooManyPorts"
	KindInvalidPreset      ErrorKind = "InvalidPreset"
)

// ValidationError reports why a scan configuration was rejected. All
// validation happens before any subprocess is spawned.
type ValidationError struct {
	Kind   ErrorKind
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func validationErrorf(kind ErrorKind, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
