package protocol

import "fmt"

const (
	ErrInvalidJSON         = "E_PROTOCOL_INVALID_JSON"
	ErrMissingKind         = "E_PROTOCOL_MISSING_KIND"
	ErrPupMissingID        = "E_PUP_MISSING_ID"
	ErrPupMissingManifest  = "E_PUP_MISSING_MANIFEST"
	ErrStatsMissingID      = "E_STATS_MISSING_ID"
	ErrStatsUnknownStatus  = "E_STATS_UNKNOWN_STATUS"
	ErrJobMissingID        = "E_JOB_MISSING_ID"
	ErrSourceMissingID     = "E_SOURCE_MISSING_ID"
	ErrDefinitionEmptyName = "E_DEFINITION_EMPTY_NAME"
)

// ValidationError reports a payload rejected at the transport boundary.
type ValidationError struct {
	Code  string
	Field string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Field)
}

// Is matches any *ValidationError with the same code, so callers can use
// errors.Is(err, &ValidationError{Code: ErrPupMissingManifest}).
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}
