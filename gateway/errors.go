package gateway

import (
	"errors"
	"net/http"

	"invoiceflow/core"
	nativecommon "invoiceflow/native/common"
	"invoiceflow/native/lendingpool"
	"invoiceflow/native/registry"
	"invoiceflow/native/verification"
)

// ErrorKind buckets engine failures for API consumers.
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindAuthorization      ErrorKind = "authorization"
	KindNotFound           ErrorKind = "not_found"
	KindStateConflict      ErrorKind = "state_conflict"
	KindPolicyViolation    ErrorKind = "policy_violation"
	KindResourceExhaustion ErrorKind = "resource_exhaustion"
	KindUnavailable        ErrorKind = "unavailable"
	KindInternal           ErrorKind = "internal"
)

// classify maps an engine sentinel to its taxonomy kind and HTTP status.
func classify(err error) (ErrorKind, int) {
	switch {
	case errors.Is(err, registry.ErrInvalidAmount),
		errors.Is(err, registry.ErrInvalidFraudScore),
		errors.Is(err, registry.ErrInvalidCollateral),
		errors.Is(err, verification.ErrInvalidFraudScore),
		errors.Is(err, verification.ErrLengthMismatch),
		errors.Is(err, verification.ErrDuplicateInvoice),
		errors.Is(err, lendingpool.ErrInvalidAmount),
		errors.Is(err, lendingpool.ErrOutOfRange):
		return KindValidation, http.StatusBadRequest

	case errors.Is(err, registry.ErrNotAdmin),
		errors.Is(err, registry.ErrNotAuthorized),
		errors.Is(err, registry.ErrNotOwner),
		errors.Is(err, verification.ErrNotAdmin),
		errors.Is(err, verification.ErrNotAgent),
		errors.Is(err, lendingpool.ErrNotAdmin),
		errors.Is(err, lendingpool.ErrNotOwner),
		errors.Is(err, core.ErrNotAdmin):
		return KindAuthorization, http.StatusForbidden

	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, lendingpool.ErrLoanNotFound):
		return KindNotFound, http.StatusNotFound

	case errors.Is(err, registry.ErrAlreadyVerified),
		errors.Is(err, registry.ErrAlreadyLocked),
		errors.Is(err, registry.ErrNotLocked),
		errors.Is(err, registry.ErrInvoiceLocked),
		errors.Is(err, lendingpool.ErrAlreadyLocked),
		errors.Is(err, lendingpool.ErrAlreadyRepaid),
		errors.Is(err, lendingpool.ErrLoanDefaulted),
		errors.Is(err, lendingpool.ErrNotLiquidatable):
		return KindStateConflict, http.StatusConflict

	case errors.Is(err, lendingpool.ErrNotVerified),
		errors.Is(err, lendingpool.ErrExceedsLTV),
		errors.Is(err, lendingpool.ErrBelowMinimum),
		errors.Is(err, lendingpool.ErrAboveMaximum),
		errors.Is(err, lendingpool.ErrAmountMismatch),
		errors.Is(err, lendingpool.ErrInsufficientPayment):
		return KindPolicyViolation, http.StatusUnprocessableEntity

	case errors.Is(err, lendingpool.ErrInsufficientLiquidity),
		errors.Is(err, lendingpool.ErrInsufficientBalance),
		errors.Is(err, nativecommon.ErrQuotaRequestsExceeded),
		errors.Is(err, nativecommon.ErrQuotaValueExceeded):
		return KindResourceExhaustion, http.StatusUnprocessableEntity

	case errors.Is(err, nativecommon.ErrModulePaused):
		return KindUnavailable, http.StatusServiceUnavailable

	default:
		return KindInternal, http.StatusInternalServerError
	}
}
