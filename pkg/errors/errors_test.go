package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestMetadataForKnownCodes(t *testing.T) {
	tests := []struct {
		code      Code
		status    int
		publicMsg string
		retryable bool
		detailsOK bool
	}{
		{code: CodeValidation, status: http.StatusBadRequest, publicMsg: "validation failed", detailsOK: true},
		{code: CodeUnauthorized, status: http.StatusUnauthorized, publicMsg: "authentication required"},
		{code: CodeNotChargeable, status: http.StatusForbidden, publicMsg: "capability is not chargeable"},
		{code: CodeInsufficientCredits, status: http.StatusPaymentRequired, publicMsg: "insufficient credits", detailsOK: true},
		{code: CodeFreeQuotaExceeded, status: http.StatusTooManyRequests, publicMsg: "daily free quota exhausted"},
		{code: CodeOrderNotCancelable, status: http.StatusUnprocessableEntity, publicMsg: "payment order is not cancelable", detailsOK: true},
		{code: CodeGatewayFailed, status: http.StatusBadGateway, publicMsg: "payment gateway operation failed", retryable: true, detailsOK: true},
		{code: CodeInternal, status: http.StatusInternalServerError, publicMsg: "internal server error", retryable: true},
	}

	for _, tt := range tests {
		meta := MetadataFor(tt.code)
		if meta.HTTPStatus != tt.status {
			t.Fatalf("code %s expected status %d got %d", tt.code, tt.status, meta.HTTPStatus)
		}
		if meta.PublicMessage != tt.publicMsg {
			t.Fatalf("code %s expected public message %q got %q", tt.code, tt.publicMsg, meta.PublicMessage)
		}
		if meta.Retryable != tt.retryable {
			t.Fatalf("code %s expected retryable %v got %v", tt.code, tt.retryable, meta.Retryable)
		}
		if meta.DetailsAllowed != tt.detailsOK {
			t.Fatalf("code %s expected details allowed %v got %v", tt.code, tt.detailsOK, meta.DetailsAllowed)
		}
	}
}

func TestMetadataForUnknownCodeDefaultsToInternal(t *testing.T) {
	meta := MetadataFor("SOMETHING_UNKNOWN")
	if meta.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected internal status, got %d", meta.HTTPStatus)
	}
}

func TestAsUnwrapsThroughChain(t *testing.T) {
	inner := New(CodeInsufficientCredits, "balance too low")
	wrapped := fmt.Errorf("while billing: %w", inner)

	typed := As(wrapped)
	if typed == nil {
		t.Fatal("expected typed error")
	}
	if typed.Code() != CodeInsufficientCredits {
		t.Fatalf("expected insufficient credits, got %s", typed.Code())
	}
}

func TestHasCode(t *testing.T) {
	err := Wrap(CodeGatewayFailed, stdErrors.New("boom"), "create invoice")
	if !HasCode(err, CodeGatewayFailed) {
		t.Fatal("expected gateway code")
	}
	if HasCode(err, CodeOrderNotFound) {
		t.Fatal("unexpected order-not-found code")
	}
	if HasCode(nil, CodeGatewayFailed) {
		t.Fatal("nil error should not match")
	}
}
