package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation   Code = "VALIDATION_ERROR"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"
	CodeNotFound     Code = "NOT_FOUND"
	CodeConflict     Code = "CONFLICT"
	CodeRateLimit    Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal     Code = "INTERNAL_ERROR"
	CodeDependency   Code = "DEPENDENCY_ERROR"

	// Metering and billing domain codes.
	CodeNotChargeable         Code = "NOT_CHARGEABLE"
	CodeInsufficientCredits   Code = "INSUFFICIENT_CREDITS"
	CodeFreeQuotaExceeded     Code = "FREE_QUOTA_EXCEEDED"
	CodeNegativeBalance       Code = "NEGATIVE_BALANCE"
	CodeNoPayerAvailable      Code = "NO_PAYER_AVAILABLE"
	CodeOrderNotFound         Code = "ORDER_NOT_FOUND"
	CodeOrderNotCancelable    Code = "ORDER_NOT_CANCELABLE"
	CodeRechargeInProgress    Code = "RECHARGE_IN_PROGRESS"
	CodeCustomerMissing       Code = "CUSTOMER_MISSING"
	CodeNoPaymentMethod       Code = "NO_PAYMENT_METHOD"
	CodeGatewayFailed         Code = "GATEWAY_FAILED"
	CodeReconcileInconsistent Code = "RECONCILE_INCONSISTENT"
)

type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
}

var metadataByCode = map[Code]Metadata{
	CodeValidation: {
		HTTPStatus:     http.StatusBadRequest,
		PublicMessage:  "validation failed",
		DetailsAllowed: true,
	},
	CodeUnauthorized: {
		HTTPStatus:    http.StatusUnauthorized,
		PublicMessage: "authentication required",
	},
	CodeForbidden: {
		HTTPStatus:    http.StatusForbidden,
		PublicMessage: "access denied",
	},
	CodeNotFound: {
		HTTPStatus:    http.StatusNotFound,
		PublicMessage: "resource not found",
	},
	CodeConflict: {
		HTTPStatus:    http.StatusConflict,
		PublicMessage: "conflict detected",
	},
	CodeRateLimit: {
		HTTPStatus:    http.StatusTooManyRequests,
		PublicMessage: "rate limit exceeded",
	},
	CodeInternal: {
		HTTPStatus:    http.StatusInternalServerError,
		Retryable:     true,
		PublicMessage: "internal server error",
	},
	CodeDependency: {
		HTTPStatus:     http.StatusServiceUnavailable,
		Retryable:      true,
		PublicMessage:  "dependency unavailable",
		DetailsAllowed: true,
	},
	CodeNotChargeable: {
		HTTPStatus:    http.StatusForbidden,
		PublicMessage: "capability is not chargeable",
	},
	CodeInsufficientCredits: {
		HTTPStatus:     http.StatusPaymentRequired,
		PublicMessage:  "insufficient credits",
		DetailsAllowed: true,
	},
	CodeFreeQuotaExceeded: {
		HTTPStatus:    http.StatusTooManyRequests,
		PublicMessage: "daily free quota exhausted",
	},
	CodeNegativeBalance: {
		HTTPStatus:    http.StatusConflict,
		PublicMessage: "account balance is negative",
	},
	CodeNoPayerAvailable: {
		HTTPStatus:    http.StatusPaymentRequired,
		PublicMessage: "no payer account available",
	},
	CodeOrderNotFound: {
		HTTPStatus:    http.StatusNotFound,
		PublicMessage: "payment order not found",
	},
	CodeOrderNotCancelable: {
		HTTPStatus:     http.StatusUnprocessableEntity,
		PublicMessage:  "payment order is not cancelable",
		DetailsAllowed: true,
	},
	CodeRechargeInProgress: {
		HTTPStatus:    http.StatusConflict,
		PublicMessage: "a recharge is already in progress",
	},
	CodeCustomerMissing: {
		HTTPStatus:    http.StatusUnprocessableEntity,
		PublicMessage: "gateway customer is not configured",
	},
	CodeNoPaymentMethod: {
		HTTPStatus:    http.StatusUnprocessableEntity,
		PublicMessage: "no payment method on file",
	},
	CodeGatewayFailed: {
		HTTPStatus:     http.StatusBadGateway,
		Retryable:      true,
		PublicMessage:  "payment gateway operation failed",
		DetailsAllowed: true,
	},
	CodeReconcileInconsistent: {
		HTTPStatus:    http.StatusOK,
		PublicMessage: "event references an unknown order",
	},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// HasCode reports whether err carries the given domain code anywhere in its chain.
func HasCode(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.Code() == code
}
