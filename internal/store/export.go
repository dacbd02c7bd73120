package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/oralexam/internal/model"
)

// ExportReports builds an export document from every stored session report.
// learnerID filters by learner when non-empty.
func (s *Store) ExportReports(ctx context.Context, learnerID string) (model.ReportExport, error) {
	reports, err := s.ListReports(ctx)
	if err != nil {
		return model.ReportExport{}, fmt.Errorf("list reports: %w", err)
	}

	info, err := s.GetRunInfo(ctx)
	if err != nil {
		return model.ReportExport{}, fmt.Errorf("get run info: %w", err)
	}

	selected := []model.StoredReport{}
	for _, r := range reports {
		if learnerID != "" && r.LearnerID != learnerID {
			continue
		}
		selected = append(selected, r)
	}

	return model.ReportExport{
		ExportID:      uuid.NewString(),
		Date:          time.Now().UTC().Format(time.DateOnly),
		PromptVersion: info.PromptVersion,
		NumReports:    len(selected),
		Reports:       selected,
	}, nil
}
