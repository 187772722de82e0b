package aggerrors

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"
)

// JSON-RPC error codes, one per kind.
const (
	CodeNotFound           = -32001
	CodeStorageFailure     = -32002
	CodeMalformedPayload   = -32003
	CodeInvariantViolation = -32004
	CodeExternalTimeout    = -32005
)

var codeToKind = map[int]error{
	CodeNotFound:           ErrNotFound,
	CodeStorageFailure:     ErrStorageFailure,
	CodeMalformedPayload:   ErrMalformedPayload,
	CodeInvariantViolation: ErrInvariantViolation,
	CodeExternalTimeout:    ErrExternalTimeout,
}

// RPCError is what the service hands back to go-ethereum's rpc server. The
// code and data fields carry the kind so clients never parse message text.
type RPCError struct {
	Code    int
	Name    string
	Message string
}

func (e *RPCError) Error() string          { return e.Message }
func (e *RPCError) ErrorCode() int         { return e.Code }
func (e *RPCError) ErrorData() interface{} { return e.Name }

// ToRPC maps any error onto the closed protocol vocabulary. Errors without a
// kind are reported as invariant violations.
func ToRPC(err error) error {
	if err == nil {
		return nil
	}
	var already *RPCError
	if errors.As(err, &already) {
		return already
	}
	kind := Kind(err)
	code := CodeInvariantViolation
	switch kind {
	case ErrNotFound:
		code = CodeNotFound
	case ErrStorageFailure:
		code = CodeStorageFailure
	case ErrMalformedPayload:
		code = CodeMalformedPayload
	case ErrExternalTimeout:
		code = CodeExternalTimeout
	case ErrInvariantViolation:
	default:
		kind = ErrInvariantViolation
	}
	return &RPCError{Code: code, Name: GetErrorName(kind), Message: err.Error()}
}

// FromRPC converts an error returned by an rpc.Client call back into an error
// wrapping the matching kind. Transport errors pass through unchanged.
func FromRPC(err error) error {
	if err == nil {
		return nil
	}
	var rerr rpc.Error
	if !errors.As(err, &rerr) {
		return err
	}
	kind, ok := codeToKind[rerr.ErrorCode()]
	if !ok {
		return err
	}
	return fmt.Errorf("%w: %s", kind, rerr.Error())
}
