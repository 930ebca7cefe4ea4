package sponsor

import "fmt"

// Rejection codes. Each is surfaced to the caller unchanged.
const (
	CodeInvalidSender        = "invalid_sender"
	CodeInvalidTransaction   = "invalid_transaction"
	CodeCommandNotAllowed    = "command_not_allowed"
	CodeTargetNotAllowed     = "target_not_allowed"
	CodeGasOwnerMismatch     = "gas_owner_mismatch"
	CodeGasBudgetExceeded    = "gas_budget_exceeded"
	CodeInvalidUserSignature = "invalid_user_signature"
	CodeLedgerExecution      = "ledger_execution_failed"
)

// Error is a validation rejection. No sponsor signature exists when one is
// returned.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

func reject(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// LedgerExecutionError means the ledger accepted the co-signed transaction
// but its effects did not succeed.
type LedgerExecutionError struct {
	Digest      string
	LedgerError string
}

func (e *LedgerExecutionError) Error() string {
	return fmt.Sprintf("%s: transaction %s: %s", CodeLedgerExecution, e.Digest, e.LedgerError)
}

func (e *LedgerExecutionError) Code() string { return CodeLedgerExecution }
