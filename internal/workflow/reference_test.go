package workflow

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizeAddress(t *testing.T) {
	valid := map[string]string{
		"t1@school.org":      "t1@school.org",
		"  T1@School.ORG ":   "t1@school.org",
		"first.last@mail.co": "first.last@mail.co",
	}
	for input, want := range valid {
		got, err := NormalizeAddress(input)
		if err != nil {
			t.Fatalf("NormalizeAddress(%q) error = %v", input, err)
		}
		if got != want {
			t.Fatalf("NormalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}

	invalid := []string{"", "not-an-email", "a@b", "Sam <sam@school.org>", "@school.org", "sam@.org", "sam@school."}
	for _, input := range invalid {
		if _, err := NormalizeAddress(input); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("NormalizeAddress(%q) expected InvalidAddress, got %v", input, err)
		}
	}
}

func TestNormalizeContributionKey(t *testing.T) {
	key, err := NormalizeContributionKey(2, " Psychology ")
	if err != nil || key != "Psychology" {
		t.Fatalf("unexpected result %q %v", key, err)
	}
	key, err = NormalizeContributionKey(3, "ignored")
	if err != nil || key != "" {
		t.Fatalf("expected section 3 to drop subject key, got %q %v", key, err)
	}
	if _, err := NormalizeContributionKey(2, " "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, section := range []int{0, 1, 4} {
		if _, err := NormalizeContributionKey(section, "x"); !errors.Is(err, ErrInvalidSection) {
			t.Fatalf("section %d: expected InvalidSection, got %v", section, err)
		}
	}
}

func TestCanCompleteNarrative(t *testing.T) {
	if err := CanCompleteNarrative(0, 3); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure without accepted invite, got %v", err)
	}
	if err := CanCompleteNarrative(1, 0); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure without contributions, got %v", err)
	}
	if err := CanCompleteNarrative(1, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestInviteExpiredAt(t *testing.T) {
	created := time.Date(2025, 10, 1, 9, 0, 0, 0, time.UTC)
	ttl := 24 * time.Hour

	if InviteExpiredAt(InvitePending, created, ttl, created.Add(23*time.Hour)) {
		t.Fatal("expected pending invite to be live before ttl")
	}
	if !InviteExpiredAt(InvitePending, created, ttl, created.Add(24*time.Hour)) {
		t.Fatal("expected pending invite to expire at ttl")
	}
	if InviteExpiredAt(InviteAccepted, created, ttl, created.Add(48*time.Hour)) {
		t.Fatal("accepted invites never expire")
	}
	if InviteExpiredAt(InvitePending, created, 0, created.Add(10000*time.Hour)) {
		t.Fatal("zero ttl disables expiry")
	}
}

func TestAcademicYear(t *testing.T) {
	if got := CurrentAcademicYear(time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)); got != "2025/2026" {
		t.Fatalf("unexpected year %q", got)
	}
	if got := CurrentAcademicYear(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)); got != "2025/2026" {
		t.Fatalf("unexpected year %q", got)
	}

	cases := map[string]string{
		"":          "",
		"2025/2026": "2025/2026",
		"2025-26":   "2025/2026",
		"2025 / 26": "2025/2026",
	}
	for input, want := range cases {
		got, err := NormalizeAcademicYear(input)
		if err != nil || got != want {
			t.Errorf("NormalizeAcademicYear(%q) = %q, %v; want %q", input, got, err, want)
		}
	}
	for _, input := range []string{"2025", "2025/2027", "next year"} {
		if _, err := NormalizeAcademicYear(input); !errors.Is(err, ErrValidation) {
			t.Errorf("NormalizeAcademicYear(%q) expected validation error, got %v", input, err)
		}
	}
}
