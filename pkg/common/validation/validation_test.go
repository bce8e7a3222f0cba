package validation

import (
	"testing"
	"time"

	"github.com/vnykmshr/gatekeep/pkg/common/errors"
)

func checkValidation(t *testing.T, err error, wantError bool) {
	t.Helper()
	if wantError {
		if err == nil {
			t.Fatal("expected error, got nil")
		}
		if !errors.IsValidationError(err) {
			t.Errorf("expected ValidationError, got %T", err)
		}
		return
	}
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestValidatePositive(t *testing.T) {
	tests := []struct {
		name      string
		value     int
		wantError bool
	}{
		{"positive value", 10, false},
		{"positive value 1", 1, false},
		{"zero value", 0, true},
		{"negative value", -1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkValidation(t, ValidatePositive("lockout", "maxAttempts", tt.value), tt.wantError)
		})
	}
}

func TestValidateNonNegative(t *testing.T) {
	tests := []struct {
		name      string
		value     float64
		wantError bool
	}{
		{"positive value", 0.4, false},
		{"zero value", 0.0, false},
		{"negative value", -0.1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkValidation(t, ValidateNonNegative("load", "cpuWeight", tt.value), tt.wantError)
		})
	}
}

func TestValidatePositiveDuration(t *testing.T) {
	tests := []struct {
		name      string
		value     time.Duration
		wantError bool
	}{
		{"one minute", time.Minute, false},
		{"one nanosecond", time.Nanosecond, false},
		{"zero", 0, true},
		{"negative", -time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkValidation(t, ValidatePositiveDuration("ratelimit", "window", tt.value), tt.wantError)
		})
	}
}

func TestValidateOrdered(t *testing.T) {
	tests := []struct {
		name          string
		min, val, max int
		wantError     bool
	}{
		{"inside", 1, 5, 10, false},
		{"at bounds", 5, 5, 5, false},
		{"below min", 6, 5, 10, true},
		{"above max", 1, 11, 10, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkValidation(t, ValidateOrdered("ratelimit", "limit", tt.min, tt.val, tt.max), tt.wantError)
		})
	}
}

func TestValidateNotNil(t *testing.T) {
	checkValidation(t, ValidateNotNil("lock", "store", struct{}{}), false)
	checkValidation(t, ValidateNotNil("lock", "store", nil), true)
}

func TestValidateNotEmpty(t *testing.T) {
	checkValidation(t, ValidateNotEmpty("lock", "resource", "orders"), false)
	checkValidation(t, ValidateNotEmpty("lock", "resource", ""), true)
}
