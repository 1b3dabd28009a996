package sverrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAsExtractsWrappedError(t *testing.T) {
	cause := errors.New("underlying failure")
	se := NotFound("tier_not_found", "tier is not registered", cause)
	wrapped := fmt.Errorf("reservation failed: %w", se)

	extracted, ok := As(wrapped)
	if !ok {
		t.Fatalf("expected As to find the wrapped *Error")
	}
	if extracted.Kind != KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", extracted.Kind)
	}
	if extracted.Unwrap() != cause {
		t.Fatalf("expected Unwrap to return the original cause")
	}
}

func TestAsReturnsFalseForUnrelatedError(t *testing.T) {
	if _, ok := As(errors.New("plain error")); ok {
		t.Fatalf("expected As to return false for a non-sverrors error")
	}
}

func TestHTTPStatusMapsEveryKind(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:              400,
		KindAuthorizationDenied:     403,
		KindNotFound:                404,
		KindConflict:                409,
		KindInventoryExhausted:      409,
		KindStorageError:            500,
		KindExternalError:           502,
		KindGenesisNotReady:         409,
		KindGenesisAlreadyFinalized: 409,
		KindFatal:                   500,
	}
	for kind, want := range cases {
		if got := HTTPStatus(kind); got != want {
			t.Fatalf("kind %v: expected status %d, got %d", kind, want, got)
		}
	}
}

func TestErrorMessageHidesCauseUnlessDebugged(t *testing.T) {
	cause := errors.New("internal sqlite detail")
	se := StorageError("store_write_failed", "failed to persist record", cause)

	if se.DebugDetail() != cause.Error() {
		t.Fatalf("expected DebugDetail to expose the cause for operators, got %q", se.DebugDetail())
	}

	withoutCause := Validation("bad_input", "amount must be positive", nil)
	if withoutCause.DebugDetail() != "" {
		t.Fatalf("expected DebugDetail to be empty when there is no cause")
	}
}
