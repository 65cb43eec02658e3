package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "error without cause",
			err:  &AppError{Code: ErrCodeNotFound, Message: "job not found"},
			want: "job not found",
		},
		{
			name: "error with cause",
			err: &AppError{
				Code:    ErrCodeInternal,
				Message: "failed to persist",
				Cause:   errors.New("underlying error"),
			},
			want: "failed to persist: underlying error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("AppError.Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	base := NotFoundf("job %s not found", "abc")
	wrapped := fmt.Errorf("get status: %w", base)

	if !IsNotFound(wrapped) {
		t.Fatalf("IsNotFound(%v) = false, want true", wrapped)
	}
	if IsConflict(wrapped) {
		t.Fatalf("IsConflict(%v) = true, want false", wrapped)
	}
	if got := GetCode(wrapped); got != ErrCodeNotFound {
		t.Fatalf("GetCode() = %q, want %q", got, ErrCodeNotFound)
	}
}

func TestValidationField(t *testing.T) {
	err := ValidationField("image_refs", "at least one image reference is required")
	if !IsValidation(err) {
		t.Fatal("expected validation error")
	}
	if got := GetField(err); got != "image_refs" {
		t.Fatalf("GetField() = %q, want image_refs", got)
	}
	if GetField(errors.New("plain")) != "" {
		t.Fatal("expected empty field for non-app error")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, ErrCodeInternal, "x") != nil {
		t.Fatal("Wrap(nil) should return nil")
	}
	cause := errors.New("dial tcp: refused")
	err := Wrapf(cause, ErrCodeUnavailable, "fetch %d", 3)
	if !errors.Is(err, cause) {
		t.Fatal("wrapped error should unwrap to cause")
	}
	if !IsUnavailable(err) {
		t.Fatal("expected unavailable code")
	}
}
