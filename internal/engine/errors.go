package engine

import "errors"

var (
	// ErrNotAuthorized means the caller is neither the owner nor the executor
	ErrNotAuthorized = errors.New("caller not authorized")

	// ErrInvalidParameter means a zero or negative value where positive required
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrInsufficientFunds means the pool cannot pay a profit, an accrual
	// cannot cover a withdrawal, or a closing commission exceeds margin
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrOnlyConditionalCancelable means a cancel hit an immediate order
	ErrOnlyConditionalCancelable = errors.New("only conditional orders can be canceled")

	// ErrDuplicateCommand means the command id was already processed
	ErrDuplicateCommand = errors.New("duplicate command")
)
