package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes
// and to the error code recorded on a failed process.
type Code int

const (
	CodeSuccess                Code = 0
	CodeUnknown                Code = 1
	CodeValidation             Code = 2
	CodeAuth                   Code = 10
	CodeRateLimited            Code = 11
	CodeServer                 Code = 12
	CodeUnsupported            Code = 13
	CodeChainSwitch            Code = 20
	CodeTransactionCanceled    Code = 21
	CodeTransactionUnprepared  Code = 22
	CodeTransactionFailed      Code = 23
	CodeTransactionUnderpriced Code = 24
	CodeBalance                Code = 25
	CodeInterrupted            Code = 30
)

var codeNames = map[Code]string{
	CodeSuccess:                "Success",
	CodeUnknown:                "UnknownError",
	CodeValidation:             "ValidationError",
	CodeAuth:                   "AuthError",
	CodeRateLimited:            "RateLimitError",
	CodeServer:                 "ServerError",
	CodeUnsupported:            "NotFoundError",
	CodeChainSwitch:            "ChainSwitchError",
	CodeTransactionCanceled:    "TransactionCanceled",
	CodeTransactionUnprepared:  "TransactionUnprepared",
	CodeTransactionFailed:      "TransactionFailed",
	CodeTransactionUnderpriced: "TransactionUnderpriced",
	CodeBalance:                "BalanceError",
	CodeInterrupted:            "Interrupted",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error is a typed error that carries a stable error code. HumanMessage, when
// set, is safe to show to an end user as is.
type Error struct {
	Code         Code
	Message      string
	HumanMessage string
	Cause        error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// WithHuman sets the user-facing explanation and returns the receiver.
func (e *Error) WithHuman(msg string) *Error {
	e.HumanMessage = msg
	return e
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the code of the outermost typed error in err's chain, or
// CodeUnknown when err carries none.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	if typed, ok := As(err); ok {
		return typed.Code
	}
	return CodeUnknown
}

func ExitCode(err error) int {
	return int(CodeOf(err))
}
