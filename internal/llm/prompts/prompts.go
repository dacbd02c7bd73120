package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/pavelanni/oralexam/internal/model"
)

// Version is the declared tag of the templates below. Bump it whenever a
// template changes so stored reproducibility payloads stay comparable.
const Version = "oralexam-prompts-v3"

// MaxAnswerRunes caps the learner text embedded in a prompt.
const MaxAnswerRunes = 4000

//go:embed templates/*.tmpl
var Templates embed.FS

var (
	candidateAnswerRegex = regexp.MustCompile(`(?i)</?\s*candidate-answer\b[^>]*>`)
	answerGuideRegex     = regexp.MustCompile(`(?i)</?\s*answer-guide\b[^>]*>`)
	systemRegex          = regexp.MustCompile(`(?i)</?\s*system(-instructions)?\b[^>]*>`)
)

var (
	loadOnce      sync.Once
	loadErr       error
	coachTemplate *template.Template
	evalTemplate  *template.Template
)

var funcs = template.FuncMap{
	"join": func(items any, sep string) string {
		switch v := items.(type) {
		case []string:
			return strings.Join(v, sep)
		case []model.Criterion:
			parts := make([]string, len(v))
			for i, c := range v {
				parts[i] = string(c)
			}
			return strings.Join(parts, sep)
		}
		return fmt.Sprint(items)
	},
}

// Load parses the templates from fsys. Only the first call has an effect.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		coachTemplate, loadErr = parse(fsys, "templates/coach.tmpl")
		if loadErr != nil {
			return
		}
		evalTemplate, loadErr = parse(fsys, "templates/evaluate.tmpl")
	})
	return loadErr
}

func parse(fsys fs.FS, name string) (*template.Template, error) {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, errors.New("failed to read prompt file " + name + ": " + err.Error())
	}
	tmpl, err := template.New(name).Funcs(funcs).Parse(string(content))
	if err != nil {
		return nil, errors.New("failed to parse prompt template " + name + ": " + err.Error())
	}
	return tmpl, nil
}

type coachData struct {
	model.TurnContext
	LanguageName string
}

type evalData struct {
	model.TurnContext
	LanguageName string
	Answer       string
	Criteria     []model.Criterion
}

// BuildCoachPrompt renders the system prompt for dialogue generation.
func BuildCoachPrompt(tc model.TurnContext) (string, error) {
	if err := Load(Templates); err != nil {
		return "", fmt.Errorf("templates load failed: %w", err)
	}
	var buf bytes.Buffer
	if err := coachTemplate.Execute(&buf, coachData{TurnContext: tc, LanguageName: LanguageName(tc.Language)}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// BuildEvalPrompt renders the evaluation prompt for one learner answer.
func BuildEvalPrompt(tc model.TurnContext, answer string) (string, error) {
	if err := Load(Templates); err != nil {
		return "", fmt.Errorf("templates load failed: %w", err)
	}
	data := evalData{
		TurnContext:  tc,
		LanguageName: LanguageName(tc.Language),
		Answer:       Sanitize(answer),
		Criteria:     model.Criteria,
	}
	var buf bytes.Buffer
	if err := evalTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// LanguageName returns the English name of a BCP 47 code, or the code itself.
func LanguageName(code string) string {
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	if name := display.English.Tags().Name(tag); name != "" {
		return name
	}
	return code
}

// Sanitize strips prompt delimiters from learner text and caps its length.
func Sanitize(answer string) string {
	answer = candidateAnswerRegex.ReplaceAllString(answer, "")
	answer = answerGuideRegex.ReplaceAllString(answer, "")
	answer = systemRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > MaxAnswerRunes {
		runes := []rune(answer)
		answer = string(runes[:MaxAnswerRunes]) + "\n\n[Answer truncated due to length]"
	}
	return answer
}
