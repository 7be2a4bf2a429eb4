package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(CodeNotFound, "user missing"))
	if !stderrors.Is(err, New(CodeNotFound, "other message")) {
		t.Fatal("expected code match through wrapping")
	}
	if stderrors.Is(err, New(CodeAccessDenied, "user missing")) {
		t.Fatal("expected mismatch on different code")
	}
}

func TestWrapUnwrapsCause(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(CodeIntegrityViolation, "write failed", cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("expected cause in chain")
	}
	if CodeOf(err) != CodeIntegrityViolation {
		t.Fatalf("expected integrity code, got %s", CodeOf(err))
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if CodeOf(nil) != "" {
		t.Fatal("expected empty code for nil")
	}
	if CodeOf(stderrors.New("boom")) != CodeUnknown {
		t.Fatal("expected unknown code for plain error")
	}
}

func TestValidationCollectsEveryField(t *testing.T) {
	var v Validation
	if v.Err() != nil {
		t.Fatal("expected nil error when empty")
	}
	v.Add("last_name", "required")
	v.Add("email", "taken")
	v.Add("email", "invalid")

	err := v.Err()
	fields := FieldsOf(err)
	if len(fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(fields))
	}
	if fields[0].Field != "email" || fields[0].Reason != "taken" {
		t.Fatalf("unexpected first field: %+v", fields[0])
	}
	if !HasCode(err, CodeValidationFailed) {
		t.Fatalf("expected validation code, got %v", err)
	}
	if err.Error() != "validation failed: email, last_name" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestValidationMerge(t *testing.T) {
	var inner Validation
	inner.Add("city", "required")

	var outer Validation
	outer.Add("line1", "required")
	outer.Merge(inner.Err())
	outer.Merge(stderrors.New("ignored"))

	if got := len(FieldsOf(outer.Err())); got != 2 {
		t.Fatalf("expected 2 merged fields, got %d", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeValidationFailed:   http.StatusUnprocessableEntity,
		CodeAccessDenied:       http.StatusForbidden,
		CodeNotFound:           http.StatusNotFound,
		CodeIntegrityViolation: http.StatusInternalServerError,
		CodeUnknown:            http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := code.HTTPStatus(); got != want {
			t.Fatalf("%s: expected %d, got %d", code, want, got)
		}
	}
	if CodeIntegrityViolation.Public() {
		t.Fatal("integrity violations must stay opaque")
	}
}
