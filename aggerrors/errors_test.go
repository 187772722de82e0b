package aggerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfWrappedError(t *testing.T) {
	base := errors.New("leveldb: closed")
	err := fmt.Errorf("%w: put request: %w", ErrStorageFailure, base)

	require.Equal(t, ErrStorageFailure, Kind(err))
	assert.True(t, errors.Is(err, base))
	assert.Equal(t, "StorageFailure", GetErrorName(err))
	assert.Equal(t, "E2", GetErrorCode(err))
	assert.Nil(t, Kind(base))
	assert.Nil(t, Kind(nil))
}

func TestGetErrorDesc(t *testing.T) {
	assert.Equal(t, "Unknown proof or batch identifier.", GetErrorDesc(ErrNotFound))
	assert.Equal(t, "DESC NOT SET", GetErrorDesc(errors.New("bare")))
}

func TestToRPCKinds(t *testing.T) {
	cases := []struct {
		err  error
		code int
		name string
	}{
		{fmt.Errorf("get: %w", ErrNotFound), CodeNotFound, "NotFound"},
		{fmt.Errorf("get: %w", ErrStorageFailure), CodeStorageFailure, "StorageFailure"},
		{fmt.Errorf("get: %w", ErrMalformedPayload), CodeMalformedPayload, "MalformedPayload"},
		{fmt.Errorf("get: %w", ErrInvariantViolation), CodeInvariantViolation, "InvariantViolation"},
		{fmt.Errorf("relay: %w", ErrExternalTimeout), CodeExternalTimeout, "ExternalTimeout"},
		{errors.New("something unexpected"), CodeInvariantViolation, "InvariantViolation"},
	}
	for _, c := range cases {
		rerr := ToRPC(c.err).(*RPCError)
		assert.Equal(t, c.code, rerr.ErrorCode())
		assert.Equal(t, c.name, rerr.ErrorData())
		assert.Equal(t, c.err.Error(), rerr.Error())
	}
	assert.Nil(t, ToRPC(nil))
}

func TestFromRPCRoundTrip(t *testing.T) {
	rerr := ToRPC(fmt.Errorf("tree for batch: %w", ErrNotFound))
	back := FromRPC(rerr)
	assert.True(t, errors.Is(back, ErrNotFound))

	plain := errors.New("dial tcp: refused")
	assert.Same(t, plain, FromRPC(plain))
}
