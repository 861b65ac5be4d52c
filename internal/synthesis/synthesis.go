package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/Zarichney-Development/cookbook-factory-sub000/config"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/oracle"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/recipe"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/telemetry"
)

const synthesizerSystemPrompt = `You are a chef composing one personalized recipe from several source recipes.
Respect every constraint you are given (dietary restrictions, allergies, skill level, theme).
Blend techniques and ingredients from the sources rather than copying one of them.
Return JSON of the form
{"title": "...", "description": "...", "servings": "...", "prep_time": "...",
 "cook_time": "...", "total_time": "...", "ingredients": ["..."], "directions": ["..."],
 "notes": "...", "inspired_by": ["source url", ...]}.
inspired_by must list only the source URLs you actually drew from.
When you receive revision feedback, produce a full revised recipe in the same format.`

const analyzerSystemPrompt = `You are a culinary editor judging whether a recipe satisfies a customer's constraints.
Score strictly: a recipe that violates a dietary restriction or allergy can never pass.
Return JSON of the form
{"quality_score": 0-100, "analysis": "...", "suggestions": "..."}.
analysis explains the score; suggestions tell the chef what to change.
When you receive a revised recipe, re-score it against the same constraints.`

const (
	defaultAnalysis    = "No detailed analysis was provided for this draft."
	defaultSuggestions = "Review the order constraints and improve clarity, structure, and constraint compliance."
)

// Result is the outcome of one synthesis loop: the terminal draft, the
// drafts the analyzer rejected on the way, and whether the terminal draft
// actually cleared the quality gate.
type Result struct {
	Recipe   *recipe.SynthesizedRecipe
	Rejected []*recipe.SynthesizedRecipe
	Passed   bool
	Rounds   int
}

// Loop drives the two-agent synthesis negotiation: a synthesizer drafting
// recipes and an analyzer scoring them, each in its own conversational
// session, until the quality gate passes or the round budget runs out.
type Loop struct {
	cfg       config.SynthesisConfig
	oracle    oracle.Oracle
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

func New(cfg config.SynthesisConfig, orc oracle.Oracle, tel *telemetry.Telemetry) *Loop {
	return &Loop{
		cfg:       cfg,
		oracle:    orc,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[SYNTHESIS] ", log.LstdFlags),
	}
}

type verdict struct {
	QualityScore int    `json:"quality_score"`
	Analysis     string `json:"analysis"`
	Suggestions  string `json:"suggestions"`
}

// Synthesize runs the loop for one recipe name. Exhausting the round budget
// is not an error: the last draft is returned as terminal with Passed false.
// Both sessions are torn down on every exit path.
func (l *Loop) Synthesize(ctx context.Context, query string, candidates []*recipe.Recipe, constraints recipe.OrderConstraints) (*Result, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no candidate recipes for %q", query)
	}

	synthID, err := l.oracle.CreateSession(ctx, oracle.TaskSynthesis, synthesizerSystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("opening synthesizer session: %w", err)
	}
	defer l.endSession(ctx, synthID)

	analyzerID, err := l.oracle.CreateSession(ctx, oracle.TaskSynthesis, analyzerSystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("opening analyzer session: %w", err)
	}
	defer l.endSession(ctx, analyzerID)

	opening, err := openingPrompt(query, candidates, constraints)
	if err != nil {
		return nil, err
	}
	if err := l.oracle.AddTurn(ctx, synthID, opening); err != nil {
		return nil, fmt.Errorf("seeding synthesizer: %w", err)
	}

	result := &Result{}
	for round := 1; round <= l.cfg.MaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.Rounds = round
		l.telemetry.RecordSynthesisRound()

		draft := &recipe.SynthesizedRecipe{}
		if err := l.oracle.ReadStructured(ctx, synthID, draft); err != nil {
			return nil, fmt.Errorf("synthesis round %d: %w", round, err)
		}

		v, err := l.analyze(ctx, analyzerID, draft, constraints, round)
		if err != nil {
			return nil, fmt.Errorf("analysis round %d: %w", round, err)
		}
		draft.QualityScore = v.QualityScore
		draft.AnalysisText = v.Analysis
		draft.SuggestionsText = v.Suggestions
		result.Recipe = draft

		if v.QualityScore >= l.cfg.QualityThreshold {
			result.Passed = true
			l.logger.Printf("%q passed quality gate (score %d) in round %d", query, v.QualityScore, round)
			break
		}

		l.logger.Printf("%q scored %d in round %d, below threshold %d", query, v.QualityScore, round, l.cfg.QualityThreshold)
		result.Rejected = append(result.Rejected, draft)
		if round == l.cfg.MaxRounds {
			break
		}
		revision := fmt.Sprintf("The previous draft scored %d/100.\nAnalysis: %s\nRevise the recipe accordingly: %s",
			v.QualityScore, v.Analysis, v.Suggestions)
		if err := l.oracle.AddTurn(ctx, synthID, revision); err != nil {
			return nil, fmt.Errorf("requesting revision %d: %w", round+1, err)
		}
	}

	l.telemetry.RecordSynthesisOutcome(result.Passed)
	return result, nil
}

// analyze sends a draft to the analyzer. The full constraints travel only
// with the first draft; the analyzer's session remembers them for revisions.
func (l *Loop) analyze(ctx context.Context, analyzerID string, draft *recipe.SynthesizedRecipe, constraints recipe.OrderConstraints, round int) (verdict, error) {
	draftJSON, err := json.Marshal(draft)
	if err != nil {
		return verdict{}, err
	}
	var turn string
	if round == 1 {
		constraintsJSON, err := json.Marshal(constraints)
		if err != nil {
			return verdict{}, err
		}
		turn = fmt.Sprintf("Constraints:\n%s\nDraft recipe:\n%s", constraintsJSON, draftJSON)
	} else {
		turn = fmt.Sprintf("Revised recipe:\n%s", draftJSON)
	}
	if err := l.oracle.AddTurn(ctx, analyzerID, turn); err != nil {
		return verdict{}, err
	}

	var v verdict
	if err := l.oracle.ReadStructured(ctx, analyzerID, &v); err != nil {
		return verdict{}, err
	}
	if strings.TrimSpace(v.Analysis) == "" {
		v.Analysis = defaultAnalysis
	}
	if strings.TrimSpace(v.Suggestions) == "" {
		v.Suggestions = defaultSuggestions
	}
	return v, nil
}

func openingPrompt(query string, candidates []*recipe.Recipe, constraints recipe.OrderConstraints) (string, error) {
	constraintsJSON, err := json.Marshal(constraints)
	if err != nil {
		return "", err
	}
	sources := make([]*recipe.Recipe, len(candidates))
	copy(sources, candidates)
	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Requested dish: %s\nConstraints:\n%s\nSource recipes:\n%s",
		query, constraintsJSON, sourcesJSON), nil
}

// endSession tears a session down even when the surrounding context is
// already cancelled.
func (l *Loop) endSession(ctx context.Context, id string) {
	if err := l.oracle.EndSession(context.WithoutCancel(ctx), id); err != nil {
		l.logger.Printf("failed to end session %s: %v", id, err)
	}
}
