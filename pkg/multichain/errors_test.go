package multichain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChainError(t *testing.T) {
	underlying := errors.New("connection refused")
	chainErr := NewChainError("ethereum", ErrBackfillFailed, underlying)

	require.NotNil(t, chainErr)
	assert.Equal(t, "ethereum", chainErr.Chain)
	assert.Equal(t, ErrBackfillFailed, chainErr.Op)
	assert.Equal(t, underlying, chainErr.Err)
}

func TestChainError_Error(t *testing.T) {
	tests := []struct {
		name     string
		chainErr *ChainError
		expected string
	}{
		{
			name:     "with underlying error",
			chainErr: &ChainError{Chain: "ethereum", Op: ErrBackfillFailed, Err: errors.New("connection refused")},
			expected: "chain ethereum: backfill failed: connection refused",
		},
		{
			name:     "without underlying error",
			chainErr: &ChainError{Chain: "polygon", Op: ErrDuplicateChain},
			expected: "chain polygon: chain registered twice",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.chainErr.Error())
		})
	}
}

func TestChainError_IsAndUnwrap(t *testing.T) {
	underlying := errors.New("disk full")
	err := error(NewChainError("ethereum", ErrBackfillFailed, underlying))

	assert.ErrorIs(t, err, ErrBackfillFailed)
	assert.ErrorIs(t, err, underlying)
	assert.NotErrorIs(t, err, ErrDuplicateChain)
	assert.Equal(t, underlying, errors.Unwrap(err))
}

func TestChainErrors(t *testing.T) {
	assert.Nil(t, ChainErrors(nil))
	assert.Empty(t, ChainErrors(errors.New("plain")))

	a := NewChainError("ethereum", ErrBackfillFailed, errors.New("a"))
	b := NewChainError("polygon", ErrBackfillFailed, errors.New("b"))

	single := ChainErrors(a)
	require.Len(t, single, 1)
	assert.Equal(t, "ethereum", single[0].Chain)

	joined := ChainErrors(errors.Join(a, b))
	require.Len(t, joined, 2)
	assert.Equal(t, "ethereum", joined[0].Chain)
	assert.Equal(t, "polygon", joined[1].Chain)
}
