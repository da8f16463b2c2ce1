package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with all defaults", func(t *testing.T) {
		err := NewError(ErrCodeInvalidConfig, "configuration is invalid")
		if err.Code != ErrCodeInvalidConfig {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidConfig)
		}
		if err.Category != CategoryConfiguration {
			t.Errorf("Category = %v, want %v", err.Category, CategoryConfiguration)
		}
		if err.Details == nil || err.Context == nil {
			t.Error("Details and Context maps must be initialized")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("sets correct retryable defaults", func(t *testing.T) {
		if !NewError(ErrCodeStorageBackend, "down").Retryable {
			t.Error("StorageBackend should be retryable by default")
		}
		if NewError(ErrCodeNoFetcherMiss, "miss").Retryable {
			t.Error("NoFetcherMiss should not be retryable by default")
		}
	})
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodeConfigLoad, CategoryConfiguration},
		{ErrCodeNoFetcherMiss, CategoryCache},
		{ErrCodeFetchTimeout, CategoryCache},
		{ErrCodeQuotaExceeded, CategoryStorage},
		{ErrCodeCorruptState, CategoryStorage},
		{ErrCodePredictionDataInsufficient, CategoryPrediction},
		{ErrCodeNotInitialized, CategoryState},
		{ErrCodeRetryExhausted, CategoryOperation},
		{ErrorCode("SOMETHING_ELSE"), CategoryInternal},
	}

	for _, tt := range tests {
		if got := GetCategory(tt.code); got != tt.want {
			t.Errorf("GetCategory(%s) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestErrorFormatting(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeFetchFailed, "upstream failed").
		WithComponent("cache").
		WithOperation("get").
		WithCause(fmt.Errorf("connection reset"))

	got := err.Error()
	want := "[cache:get] FETCH_FAILED: upstream failed: connection reset"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	if !strings.Contains(err.String(), "Cause=\"connection reset\"") {
		t.Errorf("String() missing cause: %s", err.String())
	}
}

func TestErrorsIsMatchesByCode(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("outer: %w", NoFetcherMiss("user:1"))

	if !errors.Is(err, NewError(ErrCodeNoFetcherMiss, "")) {
		t.Error("errors.Is should match by code through wrapping")
	}
	if errors.Is(err, NewError(ErrCodeFetchTimeout, "")) {
		t.Error("errors.Is matched a different code")
	}
}

func TestHasCodeFollowsCauses(t *testing.T) {
	t.Parallel()

	inner := NewError(ErrCodeQuotaExceeded, "quota")
	outer := StorageBackend("set", "entry:a", inner)

	if !HasCode(outer, ErrCodeStorageBackend) {
		t.Error("outer code not found")
	}
	if !HasCode(outer, ErrCodeQuotaExceeded) {
		t.Error("inner code not found through cause chain")
	}
	if HasCode(outer, ErrCodeFetchTimeout) {
		t.Error("unexpected code match")
	}
	if CodeOf(outer) != ErrCodeStorageBackend {
		t.Errorf("CodeOf = %s", CodeOf(outer))
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Error("plain errors have no code")
	}
}

func TestFetchTimeoutUnwrapsToDeadline(t *testing.T) {
	t.Parallel()

	err := FetchTimeout("report:7", 50*time.Millisecond, context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("FetchTimeout should unwrap to its cause")
	}
	if err.Context["key"] != "report:7" {
		t.Errorf("key context = %q", err.Context["key"])
	}
}

func TestFields(t *testing.T) {
	t.Parallel()

	fields := StorageBackend("get", "entry:x", errors.New("io")).Fields()
	if fields["error_code"] != "STORAGE_BACKEND" {
		t.Errorf("error_code = %v", fields["error_code"])
	}
	if fields["key"] != "entry:x" || fields["operation"] != "get" {
		t.Errorf("unexpected fields %v", fields)
	}
}

func TestJSONOmitsCause(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Wrap(errors.New("secret"), ErrCodeInternalError, "boom"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "secret") {
		t.Errorf("cause leaked into JSON: %s", data)
	}
}
