package app

import (
	"time"

	"refflow/api/internal/cms"
	"refflow/api/internal/store"
)

// Mirror documents carry the natural key fields next to the payload so the
// CMS side can filter on them. Field names match what cms.ParseLegacyRecord
// reads back.

func recordDoc(record store.ApplicationRecord) cms.Document {
	return cms.Document{
		Key:  cms.RecordKey(record.OwnerEmail, record.AcademicYear),
		Kind: cms.KindRecord,
		Fields: map[string]any{
			"ownerEmail":    record.OwnerEmail,
			"academicYear":  record.AcademicYear,
			"statement":     record.Statement,
			"status":        string(record.Status),
			"editsReason":   record.EditsReason,
			"updatedByRole": record.UpdatedByRole,
			"updatedAt":     record.UpdatedAt.Format(time.RFC3339),
		},
	}
}

func inviteDoc(record store.ApplicationRecord, invite store.Invite) cms.Document {
	fields := map[string]any{
		"ownerEmail":   record.OwnerEmail,
		"academicYear": record.AcademicYear,
		"invitedEmail": invite.InvitedEmail,
		"status":       string(invite.Status),
		"createdAt":    invite.CreatedAt.Format(time.RFC3339),
	}
	if invite.AcceptedAt != nil {
		fields["acceptedAt"] = invite.AcceptedAt.Format(time.RFC3339)
	}
	return cms.Document{
		Key:    cms.InviteKey(record.OwnerEmail, record.AcademicYear, invite.InvitedEmail),
		Kind:   cms.KindInvite,
		Fields: fields,
	}
}

func contributionDoc(record store.ApplicationRecord, item store.Contribution) cms.Document {
	return cms.Document{
		Key:  cms.ContributionKey(record.OwnerEmail, record.AcademicYear, item.Section, item.SubjectKey, item.AuthorEmail),
		Kind: cms.KindContribution,
		Fields: map[string]any{
			"ownerEmail":   record.OwnerEmail,
			"academicYear": record.AcademicYear,
			"section":      item.Section,
			"subjectKey":   item.SubjectKey,
			"authorEmail":  item.AuthorEmail,
			"authorName":   item.AuthorName,
			"text":         item.Text,
			"revision":     item.Revision,
			"updatedAt":    item.UpdatedAt.Format(time.RFC3339),
		},
	}
}

func narrativeDoc(record store.ApplicationRecord, narrative store.CompiledNarrative) cms.Document {
	fields := map[string]any{
		"ownerEmail":   record.OwnerEmail,
		"academicYear": record.AcademicYear,
		"text":         narrative.Text,
		"updatedBy":    narrative.UpdatedBy,
		"updatedAt":    narrative.UpdatedAt.Format(time.RFC3339),
		"complete":     narrative.Complete,
		"completedBy":  narrative.CompletedBy,
	}
	if narrative.CompletedAt != nil {
		fields["completedAt"] = narrative.CompletedAt.Format(time.RFC3339)
	}
	return cms.Document{
		Key:    cms.NarrativeKey(record.OwnerEmail, record.AcademicYear),
		Kind:   cms.KindNarrative,
		Fields: fields,
	}
}

func commentDoc(record store.ApplicationRecord, comment store.Comment) cms.Document {
	return cms.Document{
		Key:  cms.CommentKey(record.OwnerEmail, record.AcademicYear, comment.ID),
		Kind: cms.KindComment,
		Fields: map[string]any{
			"ownerEmail":   record.OwnerEmail,
			"academicYear": record.AcademicYear,
			"authorEmail":  comment.AuthorEmail,
			"authorRole":   comment.AuthorRole,
			"body":         comment.Body,
			"createdAt":    comment.CreatedAt.Format(time.RFC3339),
		},
	}
}

// aggregateDocs lists every mirror key an aggregate occupies, for deletion.
func aggregateDocs(agg store.Aggregate) []cms.Document {
	record := agg.Record
	docs := []cms.Document{recordDoc(record)}
	for _, invite := range agg.Invites {
		docs = append(docs, inviteDoc(record, invite))
	}
	for _, item := range agg.Contributions {
		docs = append(docs, contributionDoc(record, item))
	}
	if agg.Narrative != nil {
		docs = append(docs, narrativeDoc(record, *agg.Narrative))
	}
	for _, comment := range agg.Comments {
		docs = append(docs, commentDoc(record, comment))
	}
	return docs
}
