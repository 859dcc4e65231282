package cms

import (
	"strings"

	"refflow/api/internal/workflow"
)

// LegacyRecord is an application record recovered from a mirror document
// written before the relational store held it.
type LegacyRecord struct {
	OwnerEmail   string
	AcademicYear string
	Statement    string
	Status       workflow.Status
	EditsReason  string
}

// ParseLegacyRecord reads a mirror document, tolerating the structured and
// renamed fields older writers produced.
func ParseLegacyRecord(raw []byte) LegacyRecord {
	return LegacyRecord{
		OwnerEmail:   strings.ToLower(FirstField(raw, "ownerEmail", "studentEmail", "email")),
		AcademicYear: FirstField(raw, "academicYear", "academic_year"),
		Statement:    FirstField(raw, "statement", "personalStatement"),
		Status:       workflow.ParseStatus(FirstField(raw, "status", "statementStatus")),
		EditsReason:  FirstField(raw, "editsReason", "edits_reason"),
	}
}
