package apperr

import "fmt"

type WarningCode string

const (
	// TypeCoercionWarning is raised when a value was converted to another type to proceed.
	TypeCoercionWarning WarningCode = "type_coercion"
	// PrecisionLossWarning is raised when a numeric result lost precision.
	PrecisionLossWarning WarningCode = "precision_loss"
	// UnknownPropertyWarning is raised when an expression references a missing property.
	UnknownPropertyWarning WarningCode = "unknown_property"
	// DivisionByZeroWarning is raised when a division or modulo by zero produced null.
	DivisionByZeroWarning WarningCode = "division_by_zero"
	// RollupFallbackWarning is raised when a rollup fell back per its errorHandling policy.
	RollupFallbackWarning WarningCode = "rollup_fallback"
)

// Warning is a non-fatal diagnostic surfaced alongside a best-effort result.
type Warning struct {
	Code    WarningCode `json:"code" bson:"code"`
	Message string      `json:"message" bson:"message"`
}

func (w Warning) String() string { return fmt.Sprintf("%s: %s", w.Code, w.Message) }

func NewWarning(code WarningCode, format string, args ...any) Warning {
	return Warning{Code: code, Message: fmt.Sprintf(format, args...)}
}
