package utils

import (
	"context"
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestFormatUSD(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{0, "$0.00"},
		{1234.5, "$1,234.50"},
		{1_000_000, "$1,000,000.00"},
		{-9876.54, "-$9,876.54"},
		{999, "$999.00"},
	}
	for _, c := range cases {
		if got := FormatUSD(c.in); got != c.want {
			t.Errorf("FormatUSD(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFormatUSDProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	usdPattern := regexp.MustCompile(`^-?\$(\d{1,3})(,\d{3})*\.\d{2}$`)

	properties.Property("groups thousands and keeps two decimals", prop.ForAll(
		func(amount float64) bool {
			if math.IsNaN(amount) || math.IsInf(amount, 0) || math.Abs(amount) > 1e12 {
				return true
			}
			return usdPattern.MatchString(FormatUSD(amount))
		},
		gen.Float64Range(-1e12, 1e12),
	))

	properties.Property("round trips the numeric value", prop.ForAll(
		func(amount float64) bool {
			formatted := FormatUSD(amount)
			stripped := strings.NewReplacer("$", "", ",", "").Replace(formatted)
			parsed, err := strconv.ParseFloat(stripped, 64)
			if err != nil {
				return false
			}
			return math.Abs(parsed-amount) < 0.005+math.Abs(amount)*1e-12
		},
		gen.Float64Range(-1e9, 1e9),
	))

	properties.TestingRun(t)
}

func TestFormatPercent(t *testing.T) {
	if got := FormatPercent(0.1234); got != "+12.34%" {
		t.Errorf("FormatPercent(0.1234) = %q", got)
	}
	if got := FormatPercent(-0.05); got != "-5.00%" {
		t.Errorf("FormatPercent(-0.05) = %q", got)
	}
	if got := FormatPercent(0); got != "0.00%" {
		t.Errorf("FormatPercent(0) = %q", got)
	}
}

func TestFormatPnL(t *testing.T) {
	if got := FormatPnL(1500); got != "+$1,500.00" {
		t.Errorf("FormatPnL(1500) = %q", got)
	}
	if got := FormatPnL(-300.25); got != "-$300.25" {
		t.Errorf("FormatPnL(-300.25) = %q", got)
	}
}

func TestFormatCompact(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{500, "500.00"},
		{1500, "1.50K"},
		{2_500_000, "2.50M"},
		{3_100_000_000, "3.10B"},
		{-1500, "-1.50K"},
	}
	for _, c := range cases {
		if got := FormatCompact(c.in); got != c.want {
			t.Errorf("FormatCompact(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}

	attempts := 0
	result, err := RetryWithResult(context.Background(), cfg, func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 42 || attempts != 3 {
		t.Errorf("got result %d after %d attempts", result, attempts)
	}
}

func TestRetryReturnsLastError(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}

	last := errors.New("still down")
	err := Retry(context.Background(), cfg, func() error { return last })
	if !errors.Is(err, last) {
		t.Errorf("expected last error, got %v", err)
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 100, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}

	attempts := 0
	err := Retry(ctx, cfg, func() error {
		attempts++
		cancel()
		return errors.New("failing")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected a single attempt, got %d", attempts)
	}
}

func TestCalculateBackoffCapsAtMax(t *testing.T) {
	if d := CalculateBackoff(0, 100*time.Millisecond, time.Second, 2); d != 100*time.Millisecond {
		t.Errorf("attempt 0: %v", d)
	}
	if d := CalculateBackoff(2, 100*time.Millisecond, time.Second, 2); d != 400*time.Millisecond {
		t.Errorf("attempt 2: %v", d)
	}
	if d := CalculateBackoff(10, 100*time.Millisecond, time.Second, 2); d != time.Second {
		t.Errorf("attempt 10: %v", d)
	}
}
