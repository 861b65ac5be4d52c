package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Zarichney-Development/cookbook-factory-sub000/config"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/oracle"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/recipe"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/synthesis"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/telemetry"
)

const relaxSystemPrompt = `You broaden recipe search queries that returned no results.
Given the dish the customer asked for and the queries already attempted, propose one
broader query likely to find related recipes. Return JSON of the form {"query": "..."}.`

const relaxAggressiveSystemPrompt = `You reduce a dish request to its most general form.
Generalize the dish into a single noun phrase naming the base dish, dropping qualifiers,
brands, and styles. Return JSON of the form {"query": "..."}.`

// Crawler turns a query into parsed candidate recipes.
type Crawler interface {
	Scrape(ctx context.Context, query, targetSite string, exclude map[string]struct{}) ([]*recipe.Recipe, error)
}

// Ranker scores and normalizes candidates.
type Ranker interface {
	Rank(ctx context.Context, rec *recipe.Recipe, query string, acceptable int) (recipe.RelevancyEntry, error)
	Clean(ctx context.Context, rec *recipe.Recipe) error
}

// Repository is the shared recipe index.
type Repository interface {
	Search(ctx context.Context, query string) ([]*recipe.Recipe, error)
	Merge(ctx context.Context, recipes []*recipe.Recipe) error
	KnownFingerprints(ctx context.Context) (map[string]struct{}, error)
}

// Synthesizer runs the quality loop for one recipe name.
type Synthesizer interface {
	Synthesize(ctx context.Context, query string, candidates []*recipe.Recipe, constraints recipe.OrderConstraints) (*synthesis.Result, error)
}

// Scheduler fans the acquisition-and-synthesis pipeline out across every
// recipe name in an order, bounded by a worker limit.
type Scheduler struct {
	cfg       config.OrderConfig
	repo      Repository
	crawler   Crawler
	ranker    Ranker
	loop      Synthesizer
	oracle    oracle.Oracle
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

func New(cfg config.OrderConfig, repo Repository, cr Crawler, rk Ranker, loop Synthesizer, orc oracle.Oracle, tel *telemetry.Telemetry) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		repo:      repo,
		crawler:   cr,
		ranker:    rk,
		loop:      loop,
		oracle:    orc,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[ORDER] ", log.LstdFlags),
	}
}

// Fulfill processes every recipe name in the order with bounded parallelism.
// A name that cannot be fulfilled is reported on order.Skipped, never as an
// error: the order always completes. When sampleOnly is set, work is
// cancelled cooperatively once MaxSampleRecipes names have completed.
func (s *Scheduler) Fulfill(ctx context.Context, order *recipe.CookbookOrder, sampleOnly bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	limit := s.cfg.MaxParallelTasks
	target := len(order.RecipeNames)
	if sampleOnly {
		if s.cfg.MaxSampleRecipes < limit {
			limit = s.cfg.MaxSampleRecipes
		}
		if s.cfg.MaxSampleRecipes < target {
			target = s.cfg.MaxSampleRecipes
		}
	}

	var mu sync.Mutex
	g := &errgroup.Group{}
	g.SetLimit(limit)
	for _, name := range order.RecipeNames {
		name := name
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			result, err := s.fulfillName(ctx, name, order.Constraints)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				if len(order.SynthesizedRecipes) >= target {
					// Sampling already satisfied while we were in flight.
					return nil
				}
				order.SynthesizedRecipes = append(order.SynthesizedRecipes, *result)
				if len(order.SynthesizedRecipes) >= target {
					cancel()
				}
			case errors.Is(err, context.Canceled) && ctx.Err() != nil:
				// Cooperative shutdown, not a failure of this name.
			default:
				var noRecipe recipe.ErrNoRecipe
				skip := recipe.SkippedRecipe{Name: name, Reason: err.Error()}
				if errors.As(err, &noRecipe) {
					skip.Attempts = noRecipe.Attempts
				}
				s.logger.Printf("skipping %q: %v", name, err)
				order.Skipped = append(order.Skipped, skip)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	order.CompletedAt = time.Now().UTC()
	s.telemetry.RecordOrderCompleted(len(order.Skipped))
	s.logger.Printf("order %s completed: %d synthesized, %d skipped",
		order.OrderID, len(order.SynthesizedRecipes), len(order.Skipped))
	return nil
}

// fulfillName runs the full pipeline for one recipe name: repository search,
// crawl on insufficiency, rank/clean/merge, then the synthesis loop, with
// query relaxation when a query yields nothing usable.
func (s *Scheduler) fulfillName(ctx context.Context, name string, constraints recipe.OrderConstraints) (*recipe.RecipeResult, error) {
	query := name
	acceptable := s.cfg.AcceptableScore
	attempts := []string{}
	relaxer := newRelaxer(s.oracle, name)
	defer relaxer.close(ctx)

	for attempt := 0; attempt < s.cfg.MaxRelaxationAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attempts = append(attempts, query)

		candidates, err := s.gather(ctx, query, acceptable)
		if err != nil {
			return nil, err
		}
		if len(candidates) > 0 {
			return s.synthesize(ctx, name, candidates, constraints)
		}

		s.logger.Printf("%q yielded nothing usable (attempt %d/%d)", query, attempt+1, s.cfg.MaxRelaxationAttempts)
		if attempt == s.cfg.MaxRelaxationAttempts-1 {
			break
		}

		// Later attempts generalize harder and accept weaker matches.
		aggressive := attempt+1 >= s.cfg.MaxRelaxationAttempts/2
		next, err := relaxer.broaden(ctx, query, attempts, aggressive)
		if err != nil {
			s.logger.Printf("query relaxation failed for %q: %v", query, err)
			break
		}
		query = next
		if acceptable > 30 {
			acceptable -= 10
		}
	}
	return nil, recipe.ErrNoRecipe{Query: name, Attempts: attempts}
}

// gather returns candidates clearing the acceptable-score bar for query,
// crawling for more when the repository alone is too thin.
func (s *Scheduler) gather(ctx context.Context, query string, acceptable int) ([]*recipe.Recipe, error) {
	known, err := s.repo.Search(ctx, query)
	if err != nil {
		return nil, err
	}

	relevant := filterRelevant(known, query, acceptable)
	if len(relevant) >= s.cfg.MinRelevantRecipes {
		return s.topN(relevant, query), nil
	}

	exclude, err := s.repo.KnownFingerprints(ctx)
	if err != nil {
		return nil, err
	}
	scraped, err := s.crawler.Scrape(ctx, query, "", exclude)
	if err != nil {
		return nil, fmt.Errorf("crawling for %q: %w", query, err)
	}

	pool := append(known, scraped...)
	for _, rec := range pool {
		if _, err := s.ranker.Rank(ctx, rec, query, acceptable); err != nil {
			return nil, err
		}
	}
	if err := s.repo.Merge(ctx, pool); err != nil {
		return nil, err
	}

	return s.topN(filterRelevant(pool, query, acceptable), query), nil
}

func (s *Scheduler) synthesize(ctx context.Context, name string, candidates []*recipe.Recipe, constraints recipe.OrderConstraints) (*recipe.RecipeResult, error) {
	for _, rec := range candidates {
		if err := s.ranker.Clean(ctx, rec); err != nil {
			return nil, err
		}
	}
	if err := s.repo.Merge(ctx, candidates); err != nil {
		return nil, err
	}

	result, err := s.loop.Synthesize(ctx, name, candidates, constraints)
	if err != nil {
		return nil, err
	}
	return &recipe.RecipeResult{
		Name:           name,
		Recipe:         result.Recipe,
		RejectedDrafts: result.Rejected,
	}, nil
}

func filterRelevant(recipes []*recipe.Recipe, query string, acceptable int) []*recipe.Recipe {
	seen := make(map[string]struct{}, len(recipes))
	var out []*recipe.Recipe
	for _, rec := range recipes {
		if _, dup := seen[rec.ID]; dup {
			continue
		}
		seen[rec.ID] = struct{}{}
		if entry, ok := rec.RelevancyFor(query); ok && entry.Score >= acceptable {
			out = append(out, rec)
		}
	}
	return out
}

// topN orders by relevancy score for the query, best first, and caps at the
// synthesis hand-off size.
func (s *Scheduler) topN(recipes []*recipe.Recipe, query string) []*recipe.Recipe {
	sort.SliceStable(recipes, func(i, j int) bool {
		ei, _ := recipes[i].RelevancyFor(query)
		ej, _ := recipes[j].RelevancyFor(query)
		return ei.Score > ej.Score
	})
	if len(recipes) > s.cfg.MaxSynthesisRecipes {
		recipes = recipes[:s.cfg.MaxSynthesisRecipes]
	}
	return recipes
}

// relaxer wraps the query-broadening conversation. The conversational
// session is created lazily and remembers every failed attempt; the
// aggressive strategy is a one-shot request instead.
type relaxer struct {
	oracle    oracle.Oracle
	name      string
	sessionID string
}

func newRelaxer(orc oracle.Oracle, name string) *relaxer {
	return &relaxer{oracle: orc, name: name}
}

func (r *relaxer) broaden(ctx context.Context, query string, attempts []string, aggressive bool) (string, error) {
	var reply struct {
		Query string `json:"query"`
	}

	if aggressive {
		prompt := fmt.Sprintf("Dish: %s", query)
		if err := r.oracle.Submit(ctx, oracle.TaskNaming, relaxAggressiveSystemPrompt, prompt, &reply); err != nil {
			return "", err
		}
	} else {
		if r.sessionID == "" {
			id, err := r.oracle.CreateSession(ctx, oracle.TaskNaming, relaxSystemPrompt)
			if err != nil {
				return "", err
			}
			r.sessionID = id
		}
		turn := fmt.Sprintf("The customer asked for %q. Queries attempted so far with no results: %s.",
			r.name, strings.Join(attempts, "; "))
		if err := r.oracle.AddTurn(ctx, r.sessionID, turn); err != nil {
			return "", err
		}
		if err := r.oracle.ReadStructured(ctx, r.sessionID, &reply); err != nil {
			return "", err
		}
	}

	next := strings.TrimSpace(reply.Query)
	if next == "" || strings.EqualFold(next, query) {
		return "", fmt.Errorf("relaxation produced no new query")
	}
	return next, nil
}

func (r *relaxer) close(ctx context.Context) {
	if r.sessionID == "" {
		return
	}
	_ = r.oracle.EndSession(context.WithoutCancel(ctx), r.sessionID)
}
