// Package cms mirrors committed records into the secondary content store and
// normalizes what comes back out of it.
package cms

import (
	"strconv"
	"strings"

	"refflow/api/internal/util"
)

type Kind string

const (
	KindRecord       Kind = "record"
	KindInvite       Kind = "invite"
	KindContribution Kind = "contribution"
	KindNarrative    Kind = "narrative"
	KindComment      Kind = "comment"
)

func joinKey(kind Kind, parts ...string) string {
	return string(kind) + ":" + strings.Join(parts, "|")
}

func RecordKey(ownerEmail, academicYear string) string {
	return joinKey(KindRecord, strings.ToLower(ownerEmail), academicYear)
}

func InviteKey(ownerEmail, academicYear, invitedEmail string) string {
	return joinKey(KindInvite, strings.ToLower(ownerEmail), academicYear, strings.ToLower(invitedEmail))
}

func ContributionKey(ownerEmail, academicYear string, section int, subjectKey, authorEmail string) string {
	return joinKey(KindContribution, strings.ToLower(ownerEmail), academicYear, strconv.Itoa(section), subjectKey, strings.ToLower(authorEmail))
}

func NarrativeKey(ownerEmail, academicYear string) string {
	return joinKey(KindNarrative, strings.ToLower(ownerEmail), academicYear)
}

func CommentKey(ownerEmail, academicYear, commentID string) string {
	return joinKey(KindComment, strings.ToLower(ownerEmail), academicYear, commentID)
}

// DocID is the mirror document id for a natural key. Replaying a write for the
// same key always targets the same document.
func DocID(key string) string {
	return util.Digest(key)
}
