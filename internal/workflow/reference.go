package workflow

import (
	"fmt"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// InviteStatus is the lifecycle state of a reference invite.
type InviteStatus string

const (
	InvitePending  InviteStatus = "PENDING"
	InviteAccepted InviteStatus = "ACCEPTED"
	InviteExpired  InviteStatus = "EXPIRED"
	InviteRevoked  InviteStatus = "REVOKED"
)

// Live invites block a second invite to the same address.
func (s InviteStatus) Live() bool {
	return s == InvitePending || s == InviteAccepted
}

// InviteExpiredAt reports whether a pending invite created at createdAt has
// outlived ttl. A non-positive ttl disables expiry.
func InviteExpiredAt(status InviteStatus, createdAt time.Time, ttl time.Duration, now time.Time) bool {
	if status != InvitePending || ttl <= 0 {
		return false
	}
	return !now.Before(createdAt.Add(ttl))
}

// NormalizeAddress validates a bare e-mail address and lower-cases it.
// Display-name forms ("Sam <sam@x.org>") are rejected.
func NormalizeAddress(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", InvalidAddress("email is required")
	}
	parsed, err := mail.ParseAddress(trimmed)
	if err != nil || parsed.Address != trimmed || parsed.Name != "" {
		return "", InvalidAddress("%q is not a valid email address", trimmed)
	}
	at := strings.LastIndex(trimmed, "@")
	domain := trimmed[at+1:]
	if at <= 0 || !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return "", InvalidAddress("%q is not a valid email address", trimmed)
	}
	return strings.ToLower(trimmed), nil
}

const (
	SectionSubject   = 2
	SectionStatement = 3
)

// NormalizeContributionKey validates the section and returns the subject key
// to store. Section 3 covers the whole statement and never carries a subject.
func NormalizeContributionKey(section int, subjectKey string) (string, error) {
	switch section {
	case SectionSubject:
		key := strings.TrimSpace(subjectKey)
		if key == "" {
			return "", Validation("subjectKey is required for section 2")
		}
		return key, nil
	case SectionStatement:
		return "", nil
	default:
		return "", InvalidSection("section must be 2 or 3, got %d", section)
	}
}

// CanCompleteNarrative enforces the precondition for locking the compiled
// narrative.
func CanCompleteNarrative(acceptedInvites, contributions int) error {
	if acceptedInvites < 1 {
		return PreconditionFailed("at least one accepted invite is required")
	}
	if contributions < 1 {
		return PreconditionFailed("at least one contribution is required")
	}
	return nil
}

// CurrentAcademicYear uses a September rollover: 2025-10-01 is "2025/2026".
func CurrentAcademicYear(now time.Time) string {
	start := now.Year()
	if now.Month() < time.September {
		start--
	}
	return formatYear(start)
}

func formatYear(start int) string {
	return fmt.Sprintf("%d/%d", start, start+1)
}

var academicYearPattern = regexp.MustCompile(`^(\d{4})\s*[/-]\s*(\d{2}|\d{4})$`)

// NormalizeAcademicYear accepts "2025/2026", "2025-26" and "2025/26". An empty
// value stays empty and means "best match" to the caller.
func NormalizeAcademicYear(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", nil
	}
	match := academicYearPattern.FindStringSubmatch(trimmed)
	if match == nil {
		return "", Validation("academic year %q must look like 2025/2026", trimmed)
	}
	start, _ := strconv.Atoi(match[1])
	end, _ := strconv.Atoi(match[2])
	if len(match[2]) == 2 {
		end += (start / 100) * 100
	}
	if end != start+1 {
		return "", Validation("academic year %q must span consecutive years", trimmed)
	}
	return formatYear(start), nil
}
