package content

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/oralexam/internal/model"
)

// Dataset file names inside the corpus directory.
const (
	PhasesFile            = "phases.jsonl"
	RubricsFile           = "rubrics.jsonl"
	ScenariosFile         = "scenarios.jsonl"
	QuestionsFile         = "questions.jsonl"
	CommonErrorsFile      = "common_errors.jsonl"
	FeedbackTemplatesFile = "feedback_templates.jsonl"
	WeightsFile           = "composite_weights.jsonl"
)

// maxLineBytes bounds a single JSONL record.
const maxLineBytes = 1 << 20

// Load reads every dataset table from dir concurrently and builds a Corpus.
// A missing or unreadable file yields an empty table and a warning.
func Load(ctx context.Context, dir string, opts ...Option) (*Corpus, error) {
	if dir == "" {
		return nil, errors.New("corpus directory is required")
	}
	o := applyOptions(opts)

	var t Tables
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		t.Phases, err = loadTable[model.PhaseDescriptor](gctx, dir, PhasesFile, o.logger)
		return
	})
	g.Go(func() (err error) {
		t.Rubrics, err = loadTable[model.Rubric](gctx, dir, RubricsFile, o.logger)
		return
	})
	g.Go(func() (err error) {
		t.Scenarios, err = loadTable[model.Scenario](gctx, dir, ScenariosFile, o.logger)
		return
	})
	g.Go(func() (err error) {
		t.Questions, err = loadTable[model.Question](gctx, dir, QuestionsFile, o.logger)
		return
	})
	g.Go(func() (err error) {
		t.CommonErrors, err = loadTable[model.CommonError](gctx, dir, CommonErrorsFile, o.logger)
		return
	})
	g.Go(func() (err error) {
		t.FeedbackTemplates, err = loadTable[model.FeedbackTemplate](gctx, dir, FeedbackTemplatesFile, o.logger)
		return
	})
	g.Go(func() (err error) {
		t.Weights, err = loadTable[model.CriterionWeight](gctx, dir, WeightsFile, o.logger)
		return
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	c := newCorpus(t, o)
	o.logger.Info("loaded corpus", "dir", dir,
		"phases", len(t.Phases),
		"scenarios", len(t.Scenarios),
		"questions", len(t.Questions),
		"rubrics", len(t.Rubrics),
		"common_errors", len(c.errors),
		"feedback_templates", len(t.FeedbackTemplates),
		"weights", len(t.Weights),
	)
	return c, nil
}

// loadTable decodes one JSON object per line. Blank lines are ignored and
// malformed lines are skipped with a warning. Only context cancellation is
// reported as an error.
func loadTable[T any](ctx context.Context, dir, name string, logger *slog.Logger) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("corpus file missing, using empty table", "path", path)
		} else {
			logger.Warn("corpus file unreadable, using empty table", "path", path, "error", err)
		}
		return nil, nil
	}

	var rows []T
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}
		var row T
		if err := json.Unmarshal(raw, &row); err != nil {
			logger.Warn("skipping malformed corpus record", "path", path, "line", line, "error", err)
			continue
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		logger.Warn("corpus file truncated", "path", path, "line", line, "error", err)
	}
	return rows, nil
}

// Stats returns per-table row counts.
func (c *Corpus) Stats() map[string]int {
	return map[string]int{
		PhasesFile:            len(c.phases),
		RubricsFile:           len(c.rubrics),
		ScenariosFile:         len(c.scenarios),
		QuestionsFile:         len(c.questions),
		CommonErrorsFile:      len(c.errors),
		FeedbackTemplatesFile: len(c.templates),
		WeightsFile:           len(c.weights),
	}
}

func (c *Corpus) String() string {
	return fmt.Sprintf("corpus{scenarios=%d questions=%d errors=%d}", len(c.scenarios), len(c.questions), len(c.errors))
}
