package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"refflow/api/internal/export"
	"refflow/api/internal/rbac"
	"refflow/api/internal/store"
	"refflow/api/internal/workflow"
)

// SaveCompiled replaces the tutor's merged narrative. The completion flag is
// left as it is.
func (s *Service) SaveCompiled(ctx context.Context, caller rbac.Caller, owner, year, text string) (view NarrativeView, err error) {
	defer s.observe("save_compiled", &err)

	return s.updateNarrative(ctx, caller, owner, year, func(agg store.Aggregate, narrative *store.CompiledNarrative) (bool, error) {
		narrative.Text = text
		narrative.UpdatedAt = s.now()
		narrative.UpdatedBy = strings.ToLower(caller.Email)
		return true, nil
	})
}

// MarkCompiledComplete locks the narrative once at least one invite has been
// accepted and at least one contribution exists. Marking a complete
// narrative again changes nothing.
func (s *Service) MarkCompiledComplete(ctx context.Context, caller rbac.Caller, owner, year string) (view NarrativeView, err error) {
	defer s.observe("mark_compiled_complete", &err)

	return s.updateNarrative(ctx, caller, owner, year, func(agg store.Aggregate, narrative *store.CompiledNarrative) (bool, error) {
		if narrative.Complete {
			return false, nil
		}
		if err := workflow.CanCompleteNarrative(len(agg.AcceptedInvites()), len(agg.Contributions)); err != nil {
			return false, err
		}
		now := s.now()
		narrative.Complete = true
		narrative.CompletedAt = &now
		narrative.CompletedBy = strings.ToLower(caller.Email)
		return true, nil
	})
}

// UnmarkCompiledComplete reopens the narrative. Unmarking an open narrative
// changes nothing.
func (s *Service) UnmarkCompiledComplete(ctx context.Context, caller rbac.Caller, owner, year string) (view NarrativeView, err error) {
	defer s.observe("unmark_compiled_complete", &err)

	return s.updateNarrative(ctx, caller, owner, year, func(agg store.Aggregate, narrative *store.CompiledNarrative) (bool, error) {
		if !narrative.Complete {
			return false, nil
		}
		narrative.Complete = false
		narrative.CompletedAt = nil
		narrative.CompletedBy = ""
		return true, nil
	})
}

// updateNarrative applies mutate under the record lock. mutate reports
// whether it changed anything; unchanged narratives are neither written nor
// mirrored.
func (s *Service) updateNarrative(
	ctx context.Context,
	caller rbac.Caller,
	owner, year string,
	mutate func(store.Aggregate, *store.CompiledNarrative) (bool, error),
) (NarrativeView, error) {
	ref, err := newRecordRef(owner, year)
	if err != nil {
		return NarrativeView{}, err
	}
	if !rbac.Can(caller.Role, rbac.ActionCompile) {
		return NarrativeView{}, workflow.RoleDenied("only the tutor may edit the compiled reference")
	}
	record, err := s.findRecord(ctx, ref)
	if err != nil {
		return NarrativeView{}, err
	}

	var (
		narrative store.CompiledNarrative
		changed   bool
	)
	err = s.store.WithRecordLock(ctx, record.ID, func(tx store.Tx) error {
		agg, err := tx.Aggregate(ctx)
		if err != nil {
			return err
		}
		record = agg.Record
		if agg.Narrative != nil {
			narrative = *agg.Narrative
		} else {
			narrative = store.CompiledNarrative{RecordID: record.ID}
		}
		changed, err = mutate(agg, &narrative)
		if err != nil || !changed {
			return err
		}
		return tx.SaveNarrative(ctx, narrative)
	})
	if err != nil {
		return NarrativeView{}, err
	}

	if changed {
		s.enqueue(narrativeDoc(record, narrative))
	}
	return *narrativeView(&narrative), nil
}

// ExportCompiled renders the compiled narrative for download.
func (s *Service) ExportCompiled(ctx context.Context, caller rbac.Caller, owner, year, format string) (*export.Result, error) {
	ref, err := newRecordRef(owner, year)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(caller.Role, rbac.ActionExport) {
		return nil, workflow.RoleDenied("students cannot export the compiled reference")
	}
	outputFormat, ok := export.ParseFormat(strings.ToLower(strings.TrimSpace(format)))
	if !ok {
		return nil, workflow.Validation("format must be pdf or docx")
	}
	if s.export == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	record, err := s.findRecord(ctx, ref)
	if err != nil {
		return nil, err
	}
	agg, err := s.store.LoadAggregate(ctx, record.ID)
	if err != nil {
		return nil, fmt.Errorf("load aggregate: %w", err)
	}
	if agg.Narrative == nil || strings.TrimSpace(agg.Narrative.Text) == "" {
		return nil, workflow.PreconditionFailed("the compiled reference is empty")
	}

	reference := export.Reference{
		StudentEmail: agg.Record.OwnerEmail,
		AcademicYear: agg.Record.AcademicYear,
		Text:         agg.Narrative.Text,
		UpdatedBy:    agg.Narrative.UpdatedBy,
		UpdatedAt:    agg.Narrative.UpdatedAt,
		Complete:     agg.Narrative.Complete,
		CompletedBy:  agg.Narrative.CompletedBy,
		CompletedAt:  agg.Narrative.CompletedAt,
	}
	seen := map[string]bool{}
	for _, item := range agg.Contributions {
		key := item.AuthorEmail + "|" + item.SubjectKey
		if seen[key] {
			continue
		}
		seen[key] = true
		reference.Contributors = append(reference.Contributors, export.Contributor{
			Name:    item.AuthorName,
			Email:   item.AuthorEmail,
			Subject: item.SubjectKey,
		})
	}

	result, err := s.export.Export(ctx, reference, outputFormat)
	switch {
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil)
	case err != nil:
		return nil, fmt.Errorf("export compiled reference: %w", err)
	}
	return result, nil
}
