package ranker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/oracle"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/recipe"
)

const rankSystemPrompt = `You judge how relevant a recipe is to a requested dish.
Given a query and a recipe, return JSON of the form
{"score": 0-100, "reasoning": "..."}. 100 means the recipe is exactly the requested
dish; 0 means unrelated. Judge the dish itself, not the recipe's quality.`

const cleanSystemPrompt = `You normalize scraped recipe data without losing information.
Standardize units and time formats, split merged ingredient or step lines, strip scraping
boilerplate (site names, ad text, "jump to recipe"), and keep every original detail.
Return JSON of the form
{"title": "...", "description": "...", "servings": "...", "prep_time": "...",
 "cook_time": "...", "total_time": "...", "ingredients": ["..."], "directions": ["..."],
 "notes": "..."}.
Never invent ingredients or steps that are not in the input.`

// Ranker scores recipe relevance and normalizes scraped recipe data through
// the oracle.
type Ranker struct {
	oracle oracle.Oracle
	logger *log.Logger
}

func New(orc oracle.Oracle) *Ranker {
	return &Ranker{
		oracle: orc,
		logger: log.New(log.Writer(), "[RANKER] ", log.LstdFlags),
	}
}

// Rank scores rec's relevance to query and stores the result in the
// recipe's relevancy map. A recipe already scored at or above acceptable for
// this exact query is never re-ranked.
func (rk *Ranker) Rank(ctx context.Context, rec *recipe.Recipe, query string, acceptable int) (recipe.RelevancyEntry, error) {
	if entry, ok := rec.RelevancyFor(query); ok && entry.Score >= acceptable {
		return entry, nil
	}

	payload, err := json.Marshal(rankView(rec))
	if err != nil {
		return recipe.RelevancyEntry{}, err
	}
	var reply struct {
		Score     int    `json:"score"`
		Reasoning string `json:"reasoning"`
	}
	prompt := fmt.Sprintf("Query: %s\nRecipe:\n%s", query, payload)
	if err := rk.oracle.Submit(ctx, oracle.TaskRanking, rankSystemPrompt, prompt, &reply); err != nil {
		return recipe.RelevancyEntry{}, fmt.Errorf("ranking %q against %q: %w", rec.Title, query, err)
	}
	if reply.Score < 0 {
		reply.Score = 0
	}
	if reply.Score > 100 {
		reply.Score = 100
	}

	entry := recipe.RelevancyEntry{Query: query, Score: reply.Score, Reasoning: reply.Reasoning}
	rec.SetRelevancy(query, entry)
	stored, _ := rec.RelevancyFor(query)
	return stored, nil
}

// rankView trims the recipe to the fields relevance judging needs.
func rankView(rec *recipe.Recipe) map[string]any {
	return map[string]any{
		"title":       rec.Title,
		"aliases":     rec.Aliases,
		"description": rec.Description,
		"ingredients": rec.Ingredients,
	}
}

type cleanedFields struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Servings    string   `json:"servings"`
	PrepTime    string   `json:"prep_time"`
	CookTime    string   `json:"cook_time"`
	TotalTime   string   `json:"total_time"`
	Ingredients []string `json:"ingredients"`
	Directions  []string `json:"directions"`
	Notes       string   `json:"notes"`
}

// Clean normalizes a scraped recipe in place. Already-cleaned recipes are
// skipped. Source URL, image URL, and relevancy scores are never touched. A
// content-policy rejection is a soft failure: the recipe stays uncleaned
// and usable.
func (rk *Ranker) Clean(ctx context.Context, rec *recipe.Recipe) error {
	if rec.Cleaned {
		return nil
	}

	payload, err := json.Marshal(cleanedFields{
		Title:       rec.Title,
		Description: rec.Description,
		Servings:    rec.Servings,
		PrepTime:    rec.PrepTime,
		CookTime:    rec.CookTime,
		TotalTime:   rec.TotalTime,
		Ingredients: rec.Ingredients,
		Directions:  rec.Directions,
		Notes:       rec.Notes,
	})
	if err != nil {
		return err
	}

	var reply cleanedFields
	if err := rk.oracle.Submit(ctx, oracle.TaskCleaning, cleanSystemPrompt, string(payload), &reply); err != nil {
		if errors.Is(err, oracle.ErrContentPolicy) {
			rk.logger.Printf("cleaning %q rejected by content policy, keeping original", rec.Title)
			return nil
		}
		return fmt.Errorf("cleaning %q: %w", rec.Title, err)
	}
	if len(reply.Ingredients) == 0 || len(reply.Directions) == 0 {
		rk.logger.Printf("cleaning %q returned empty fields, keeping original", rec.Title)
		return nil
	}

	if t := strings.TrimSpace(reply.Title); t != "" {
		rec.Title = t
	}
	rec.Description = reply.Description
	rec.Servings = reply.Servings
	rec.PrepTime = reply.PrepTime
	rec.CookTime = reply.CookTime
	rec.TotalTime = reply.TotalTime
	rec.Ingredients = reply.Ingredients
	rec.Directions = reply.Directions
	rec.Notes = reply.Notes
	rec.MarkCleaned()
	return nil
}
