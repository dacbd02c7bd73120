package session

import (
	"github.com/pavelanni/oralexam/internal/mode"
	"github.com/pavelanni/oralexam/internal/model"
)

// BuildContext assembles the turn context: phase descriptor and target
// skills, scenario framing and instructions, the private answer guide,
// the current question and the mode directive.
func (o *Orchestrator) BuildContext(st *model.SessionState, effective model.Level) model.TurnContext {
	desc, ok := o.content.PhaseDescriptor(st.CurrentPhase())
	if !ok {
		o.logger.Debug("phase descriptor missing, using defaults", "phase", st.CurrentPhase())
	}

	tc := model.TurnContext{
		Language:       st.Config.Language,
		Mode:           st.Config.Mode,
		EffectiveLevel: effective,
		Phase:          desc,
		Question:       st.CurrentPrompt,
	}
	if p, err := mode.Lookup(st.Config.Mode); err == nil {
		tc.Directive = p.Directive
	}
	if sc := st.CurrentScenario; sc != nil {
		tc.ScenarioID = sc.ID
		tc.Framing = sc.ContextText
		tc.Instructions = sc.InstructionText
		tc.AnswerGuide = append([]string(nil), sc.ExpectedElements...)
		tc.Rubrics = o.content.RubricsByID(sc.LinkedRubricIDs)
	}
	return tc
}
