package domain

import "github.com/bwmarrin/snowflake"

// FailureKind classifies the first broken link found by verification.
type FailureKind string

const (
	FailureKindSequence FailureKind = "sequence"
	FailureKindLinkage  FailureKind = "linkage"
	FailureKindTamper   FailureKind = "tamper"
)

// CheckName names one of the three checks applied to every entry.
type CheckName string

const (
	CheckSequence CheckName = "sequence"
	CheckLinkage  CheckName = "linkage"
	CheckTamper   CheckName = "tamper"
)

// VerifyRequest selects the chain slice to replay. Offset counts entries
// already trusted; a zero Limit replays everything after Offset.
type VerifyRequest struct {
	OrgID  snowflake.ID
	Offset int
	Limit  int
}

// CheckDetail is one step of the verification trail.
type CheckDetail struct {
	SequenceNumber int64     `json:"sequence_number"`
	SaleID         string    `json:"sale_id,omitempty"`
	Check          CheckName `json:"check"`
	Passed         bool      `json:"passed"`
	Expected       string    `json:"expected,omitempty"`
	Actual         string    `json:"actual,omitempty"`
	Message        string    `json:"message,omitempty"`
}

// VerificationResult is the outcome of replaying a chain slice. A broken
// chain is a result, never an error.
type VerificationResult struct {
	OrgID        string        `json:"org_id"`
	Valid        bool          `json:"valid"`
	TotalChecked int           `json:"total_checked"`
	Offset       int           `json:"offset"`
	Limit        int           `json:"limit"`
	BrokenAt     *int64        `json:"broken_at,omitempty"`
	FailureKind  *FailureKind  `json:"failure_kind,omitempty"`
	Message      string        `json:"message"`
	Details      []CheckDetail `json:"details"`
}

// MarkBroken records the first failing check and closes the result.
func (r *VerificationResult) MarkBroken(seq int64, kind FailureKind, message string) {
	r.Valid = false
	r.BrokenAt = &seq
	r.FailureKind = &kind
	r.Message = message
}
