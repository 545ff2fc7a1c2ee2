package repositories

import "fmt"

// LedgerErrorCode enumerates repository error causes for stock ledger operations.
type LedgerErrorCode string

const (
	// LedgerErrorUnknown represents an unspecified failure.
	LedgerErrorUnknown LedgerErrorCode = "ledger_unknown"
	// LedgerErrorInsufficientStock indicates requested quantity exceeds availability.
	LedgerErrorInsufficientStock LedgerErrorCode = "ledger_insufficient_stock"
	// LedgerErrorProductNotFound indicates the product has no stock record.
	LedgerErrorProductNotFound LedgerErrorCode = "ledger_product_not_found"
	// LedgerErrorMovementExists indicates a movement with the same ID was already recorded.
	LedgerErrorMovementExists LedgerErrorCode = "ledger_movement_exists"
)

// LedgerError wraps stock-ledger failures with machine readable codes.
type LedgerError struct {
	Op      string
	Code    LedgerErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *LedgerError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *LedgerError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewLedgerError constructs a typed ledger error.
func NewLedgerError(code LedgerErrorCode, message string, err error) *LedgerError {
	if message == "" {
		message = string(code)
	}
	return &LedgerError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
