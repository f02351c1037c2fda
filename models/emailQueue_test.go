package models

import (
	"testing"
	"time"
)

func TestValidateRecipientEmail(t *testing.T) {
	valid := []string{"a@b.co", "jane.doe@acme.com", "x+tag@sub.domain.io"}
	for _, email := range valid {
		if err := ValidateRecipientEmail(email); err != nil {
			t.Fatalf("ValidateRecipientEmail(%q) = %v, want nil", email, err)
		}
	}

	invalid := []string{"", "   ", "a@b.c", "no-at-sign.com", "two@@signs.com", "a@b@c.com"}
	for _, email := range invalid {
		if err := ValidateRecipientEmail(email); err == nil {
			t.Fatalf("ValidateRecipientEmail(%q) = nil, want error", email)
		}
	}
}

func TestEmailRetryBackoff(t *testing.T) {
	t.Setenv("EMAIL_RETRY_BASE_BACKOFF_SECONDS", "60")

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{5, 10 * time.Minute}, // capped
		{10, 10 * time.Minute},
		{0, time.Minute},
	}
	for _, tc := range cases {
		if got := EmailRetryBackoff(tc.attempt); got != tc.want {
			t.Fatalf("EmailRetryBackoff(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestDefaultMaxRetries(t *testing.T) {
	if got := DefaultMaxRetries(); got != 3 {
		t.Fatalf("default max retries = %d, want 3", got)
	}
	t.Setenv("EMAIL_MAX_RETRIES", "5")
	if got := DefaultMaxRetries(); got != 5 {
		t.Fatalf("env max retries = %d, want 5", got)
	}
	t.Setenv("EMAIL_MAX_RETRIES", "junk")
	if got := DefaultMaxRetries(); got != 3 {
		t.Fatalf("bad env must fall back to 3, got %d", got)
	}
}
