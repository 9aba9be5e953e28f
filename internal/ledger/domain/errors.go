package domain

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidOrganization    = errors.New("invalid_organization")
	ErrInvalidSnapshot        = errors.New("invalid_snapshot")
	ErrInvalidPage            = errors.New("invalid_page")
	ErrMissingTransaction     = errors.New("missing_transaction")
	ErrUnsupportedHashVersion = errors.New("unsupported_hash_version")

	// ErrChainLockTimeout is transient: the caller may retry the whole
	// transaction, sale included.
	ErrChainLockTimeout = errors.New("chain_lock_timeout")

	ErrChainConflict      = errors.New("chain_conflict")
	ErrSaleAlreadyChained = errors.New("sale_already_chained")
	ErrChainHeadMismatch  = errors.New("chain_head_mismatch")
	ErrImmutableField     = errors.New("immutable_field")
)

// ConsistencyError reports a fatal chain condition with the position it
// was detected at.
type ConsistencyError struct {
	Err            error
	OrgID          snowflake.ID
	SequenceNumber int64
	Detail         string
}

func (e *ConsistencyError) Error() string {
	msg := fmt.Sprintf("%s: org %s at sequence %d", e.Err, e.OrgID, e.SequenceNumber)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ConsistencyError) Unwrap() error { return e.Err }

// IsRetryable reports whether the append may be retried in a new transaction.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrChainLockTimeout)
}
