package recipe

import (
	"fmt"
	"strings"
	"time"
)

// RelevancyEntry is a cached oracle judgement of how well a recipe answers a
// single query. Entries are added per query and never downgraded.
type RelevancyEntry struct {
	Query     string `json:"query"`
	Score     int    `json:"score"` // 0-100
	Reasoning string `json:"reasoning,omitempty"`
}

// Recipe is the canonical representation of a scraped source recipe. Identity
// is the fingerprint derived from the canonical source URL, so the same page
// scraped twice maps onto one record.
type Recipe struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Aliases     []string `json:"aliases,omitempty"` // Aliases[0] is the original scraped title
	IndexTitle  string   `json:"index_title,omitempty"`
	Description string   `json:"description,omitempty"`
	Servings    string   `json:"servings,omitempty"`
	PrepTime    string   `json:"prep_time,omitempty"`
	CookTime    string   `json:"cook_time,omitempty"`
	TotalTime   string   `json:"total_time,omitempty"`
	Ingredients []string `json:"ingredients"`
	Directions  []string `json:"directions"`
	Notes       string   `json:"notes,omitempty"`
	SourceURL   string   `json:"source_url"`
	ImageURL    string   `json:"image_url,omitempty"`
	Cleaned     bool     `json:"cleaned"`

	Relevancy map[string]RelevancyEntry `json:"relevancy,omitempty"`
}

// RelevancyFor returns the cached relevancy entry for query, if any.
func (r *Recipe) RelevancyFor(query string) (RelevancyEntry, bool) {
	if r.Relevancy == nil {
		return RelevancyEntry{}, false
	}
	e, ok := r.Relevancy[normalizeQuery(query)]
	return e, ok
}

// SetRelevancy records a score for query. Existing entries are only replaced
// by an equal or higher score, keeping the relevancy map monotonic.
func (r *Recipe) SetRelevancy(query string, entry RelevancyEntry) {
	key := normalizeQuery(query)
	if r.Relevancy == nil {
		r.Relevancy = make(map[string]RelevancyEntry, 1)
	}
	if existing, ok := r.Relevancy[key]; ok && existing.Score > entry.Score {
		return
	}
	entry.Query = query
	r.Relevancy[key] = entry
}

// MarkCleaned flips the cleaned flag. It never reverts.
func (r *Recipe) MarkCleaned() { r.Cleaned = true }

// Clone returns a deep copy. Mutating the copy never affects the original.
func (r *Recipe) Clone() *Recipe {
	c := *r
	c.Aliases = append([]string(nil), r.Aliases...)
	c.Ingredients = append([]string(nil), r.Ingredients...)
	c.Directions = append([]string(nil), r.Directions...)
	if r.Relevancy != nil {
		c.Relevancy = make(map[string]RelevancyEntry, len(r.Relevancy))
		for k, v := range r.Relevancy {
			c.Relevancy[k] = v
		}
	}
	return &c
}

// AllTitles returns the title plus every alias, original casing, without
// duplicates. The slice is safe for the caller to mutate.
func (r *Recipe) AllTitles() []string {
	seen := make(map[string]struct{}, len(r.Aliases)+1)
	out := make([]string, 0, len(r.Aliases)+1)
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		key := strings.ToLower(s)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	add(r.Title)
	for _, a := range r.Aliases {
		add(a)
	}
	return out
}

func normalizeQuery(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

// SynthesizedRecipe is one draft produced by the synthesis loop. Each revision
// supersedes the previous one; the last draft with a passing quality score (or
// the last draft when the round budget runs out) is terminal.
type SynthesizedRecipe struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Servings    string   `json:"servings,omitempty"`
	PrepTime    string   `json:"prep_time,omitempty"`
	CookTime    string   `json:"cook_time,omitempty"`
	TotalTime   string   `json:"total_time,omitempty"`
	Ingredients []string `json:"ingredients"`
	Directions  []string `json:"directions"`
	Notes       string   `json:"notes,omitempty"`
	InspiredBy  []string `json:"inspired_by,omitempty"` // source URLs actually used
	ImageURL    string   `json:"image_url,omitempty"`

	QualityScore    int    `json:"quality_score"`
	AnalysisText    string `json:"analysis,omitempty"`
	SuggestionsText string `json:"suggestions,omitempty"`
}

// OrderConstraints is the user preference payload forwarded verbatim to the
// oracle. The pipeline never interprets individual fields.
type OrderConstraints struct {
	DietaryRestrictions []string          `json:"dietary_restrictions,omitempty"`
	Allergies           []string          `json:"allergies,omitempty"`
	SkillLevel          string            `json:"skill_level,omitempty"`
	Theme               string            `json:"theme,omitempty"`
	Extra               map[string]string `json:"extra,omitempty"`
}

// SkippedRecipe reports a recipe name the order could not fulfill, with the
// queries that were attempted, so the caller can notify the end user.
type SkippedRecipe struct {
	Name     string   `json:"name"`
	Attempts []string `json:"attempts"`
	Reason   string   `json:"reason"`
}

// RecipeResult pairs a synthesized recipe with the drafts the analyzer
// rejected on the way, kept for audit.
type RecipeResult struct {
	Name           string               `json:"name"`
	Recipe         *SynthesizedRecipe   `json:"recipe"`
	RejectedDrafts []*SynthesizedRecipe `json:"rejected_drafts,omitempty"`
}

// CookbookOrder is one user submission: the list of recipe names to fulfill
// plus the constraints applied to every synthesis. The scheduler appends
// results as names complete; once processing finishes the order is not
// mutated again.
type CookbookOrder struct {
	OrderID            string           `json:"order_id"`
	RecipeNames        []string         `json:"recipe_names"`
	Constraints        OrderConstraints `json:"constraints"`
	SynthesizedRecipes []RecipeResult   `json:"synthesized_recipes,omitempty"`
	Skipped            []SkippedRecipe  `json:"skipped,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	CompletedAt        time.Time        `json:"completed_at,omitempty"`
}

// ErrNoRecipe is returned when every relaxation attempt for a recipe name came
// back empty. It is an expected outcome, reported on the order rather than
// failing it.
type ErrNoRecipe struct {
	Query    string
	Attempts []string
}

func (e ErrNoRecipe) Error() string {
	return fmt.Sprintf("no recipe found for %q after %d attempts", e.Query, len(e.Attempts))
}
