package domain

import "errors"

var (
	ErrInvalidOrganization  = errors.New("invalid_organization")
	ErrInvalidPaymentMethod = errors.New("invalid_payment_method")
	ErrInvalidLines         = errors.New("invalid_lines")
	ErrInvalidQuantity      = errors.New("invalid_quantity")
	ErrInvalidUnitPrice     = errors.New("invalid_unit_price")
	ErrInvalidVATRate       = errors.New("invalid_vat_rate")
	ErrInvalidCurrency      = errors.New("invalid_currency")
	ErrSaleNotFound         = errors.New("sale_not_found")
	ErrInvalidRange         = errors.New("invalid_range")
	ErrCompletedInFuture    = errors.New("completed_at_in_future")
	// ErrBusinessDayClosed rejects a sale dated inside a day whose Z report
	// already exists.
	ErrBusinessDayClosed = errors.New("business_day_closed")
)
