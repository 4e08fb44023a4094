package multichain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the multichain package.
var (
	ErrNoChains       = errors.New("no chains configured")
	ErrDuplicateChain = errors.New("chain registered twice")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrBackfillFailed = errors.New("backfill failed")
	ErrChainSkipped   = errors.New("chain not started")
)

// ChainError wraps an error with chain context.
type ChainError struct {
	Chain string
	Op    error
	Err   error
}

// NewChainError creates a new chain error.
func NewChainError(chain string, op error, err error) *ChainError {
	return &ChainError{
		Chain: chain,
		Op:    op,
		Err:   err,
	}
}

// Error implements the error interface.
func (e *ChainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("chain %s: %v: %v", e.Chain, e.Op, e.Err)
	}
	return fmt.Sprintf("chain %s: %v", e.Chain, e.Op)
}

// Unwrap returns the underlying error.
func (e *ChainError) Unwrap() error {
	return e.Err
}

// Is checks if the target error matches.
func (e *ChainError) Is(target error) bool {
	return errors.Is(e.Op, target) || errors.Is(e.Err, target)
}

// ChainErrors returns every ChainError contained in err, which may be a
// single ChainError or a join of several.
func ChainErrors(err error) []*ChainError {
	if err == nil {
		return nil
	}

	var out []*ChainError
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			out = append(out, ChainErrors(e)...)
		}
		return out
	}

	var ce *ChainError
	if errors.As(err, &ce) {
		out = append(out, ce)
	}
	return out
}
