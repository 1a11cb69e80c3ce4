package plazadto

// DomainError is the stable error surface exposed to the presentation layer.
// Code is machine-readable; Message is a developer-facing default (user-facing
// text comes from the message catalog).
type DomainError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "plaza error"
}

// Sentinel errors for the commit/archival taxonomy. Compared with errors.Is.
var (
	ErrInvalidMove = &DomainError{
		Code:    "INVALID_MOVE",
		Message: "move is not legal in the current position",
	}
	ErrBoardLocked = &DomainError{
		Code:      "BOARD_LOCKED",
		Message:   "board is locked after the previous move",
		Retryable: true,
	}
	ErrInsufficientTokens = &DomainError{
		Code:    "INSUFFICIENT_TOKENS",
		Message: "token balance is below the cost of a move",
	}
	ErrTransactionConflict = &DomainError{
		Code:      "TRANSACTION_CONFLICT",
		Message:   "a concurrent write changed the game record",
		Retryable: true,
	}
	ErrArchivalFailure = &DomainError{
		Code:      "ARCHIVAL_FAILURE",
		Message:   "archival aborted; live game state left intact",
		Retryable: true,
	}
	ErrNotSignedIn = &DomainError{
		Code:    "NOT_SIGNED_IN",
		Message: "unknown user id",
	}
	ErrNoPendingMove = &DomainError{
		Code:    "NO_PENDING_MOVE",
		Message: "no speculative move staged for commit",
	}
)
