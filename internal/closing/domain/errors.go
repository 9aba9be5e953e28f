package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidOrganization     = errors.New("invalid_organization")
	ErrInvalidDate             = errors.New("invalid_date")
	ErrReportDateInFuture      = errors.New("report_date_in_future")
	ErrReportNotFound          = errors.New("report_not_found")
	ErrInvalidStatus           = errors.New("invalid_status")
	ErrInvalidStatusTransition = errors.New("invalid_status_transition")
	ErrReportSignatureMismatch = errors.New("report_signature_mismatch")
	ErrUnsupportedSignature    = errors.New("unsupported_signature_version")
	ErrImmutableField          = errors.New("immutable_field")
	ErrReportAlreadyExists     = errors.New("report_already_exists")
)

// AlreadyExistsError carries the existing report so callers can return it
// alongside the conflict.
type AlreadyExistsError struct {
	Existing *DailyReport
}

func (e *AlreadyExistsError) Error() string {
	if e.Existing == nil {
		return ErrReportAlreadyExists.Error()
	}
	return fmt.Sprintf("%s: org %s date %s", ErrReportAlreadyExists, e.Existing.OrgID, e.Existing.BusinessDate)
}

func (e *AlreadyExistsError) Unwrap() error { return ErrReportAlreadyExists }
