package order

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Zarichney-Development/cookbook-factory-sub000/config"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/recipe"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/synthesis"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/telemetry"
)

type fakeRepo struct {
	mu      sync.Mutex
	byQuery map[string][]*recipe.Recipe
	merged  int
}

func (f *fakeRepo) Search(_ context.Context, query string) ([]*recipe.Recipe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byQuery[query], nil
}

func (f *fakeRepo) Merge(_ context.Context, recipes []*recipe.Recipe) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged += len(recipes)
	return nil
}

func (f *fakeRepo) KnownFingerprints(context.Context) (map[string]struct{}, error) {
	return map[string]struct{}{}, nil
}

type fakeCrawler struct {
	byQuery map[string][]*recipe.Recipe
	calls   atomic.Int32
}

func (f *fakeCrawler) Scrape(_ context.Context, query, _ string, _ map[string]struct{}) ([]*recipe.Recipe, error) {
	f.calls.Add(1)
	return f.byQuery[query], nil
}

type fakeRanker struct{ score int }

func (f *fakeRanker) Rank(_ context.Context, rec *recipe.Recipe, query string, _ int) (recipe.RelevancyEntry, error) {
	entry := recipe.RelevancyEntry{Query: query, Score: f.score}
	rec.SetRelevancy(query, entry)
	return entry, nil
}

func (f *fakeRanker) Clean(_ context.Context, rec *recipe.Recipe) error {
	rec.MarkCleaned()
	return nil
}

type fakeLoop struct {
	delay time.Duration
	calls atomic.Int32
}

func (f *fakeLoop) Synthesize(ctx context.Context, query string, _ []*recipe.Recipe, _ recipe.OrderConstraints) (*synthesis.Result, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &synthesis.Result{
		Recipe: &recipe.SynthesizedRecipe{Title: query, QualityScore: 90},
		Passed: true,
		Rounds: 1,
	}, nil
}

// relaxOracle answers every structured request with {"query": <scripted>}.
type relaxOracle struct {
	mu      sync.Mutex
	queries []string
	idx     int
	ended   int
}

func (o *relaxOracle) next(out any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := "relaxed"
	if o.idx < len(o.queries) {
		q = o.queries[o.idx]
		o.idx++
	}
	return json.Unmarshal([]byte(fmt.Sprintf(`{"query": %q}`, q)), out)
}

func (o *relaxOracle) Submit(_ context.Context, _, _, _ string, out any) error { return o.next(out) }
func (o *relaxOracle) CreateSession(context.Context, string, string) (string, error) {
	return "relax", nil
}
func (o *relaxOracle) AddTurn(context.Context, string, string) error { return nil }
func (o *relaxOracle) ReadStructured(_ context.Context, _ string, out any) error {
	return o.next(out)
}
func (o *relaxOracle) EndSession(context.Context, string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended++
	return nil
}

func testConfig() config.OrderConfig {
	return config.OrderConfig{
		MaxParallelTasks:      4,
		MaxSampleRecipes:      3,
		AcceptableScore:       70,
		MinRelevantRecipes:    1,
		MaxSynthesisRecipes:   5,
		MaxRelaxationAttempts: 4,
	}
}

func scored(id, title, query string) *recipe.Recipe {
	r := &recipe.Recipe{ID: id, Title: title, Ingredients: []string{"x"}, Directions: []string{"y"}}
	r.SetRelevancy(query, recipe.RelevancyEntry{Score: 95})
	return r
}

func newTestScheduler(repo *fakeRepo, cr *fakeCrawler, loop *fakeLoop, orc *relaxOracle, cfg config.OrderConfig) *Scheduler {
	return New(cfg, repo, cr, &fakeRanker{score: 90}, loop, orc, telemetry.New(config.TelemetryConfig{}))
}

func TestFulfillGracefulSkip(t *testing.T) {
	repo := &fakeRepo{byQuery: map[string][]*recipe.Recipe{}}
	cr := &fakeCrawler{byQuery: map[string][]*recipe.Recipe{}}
	orc := &relaxOracle{queries: []string{"broader stew", "stew", "soup"}}
	sched := newTestScheduler(repo, cr, &fakeLoop{}, orc, testConfig())

	ord := &recipe.CookbookOrder{OrderID: "o1", RecipeNames: []string{"dragonfruit wellington"}}
	if err := sched.Fulfill(context.Background(), ord, false); err != nil {
		t.Fatalf("Fulfill must complete despite empty results: %v", err)
	}
	if len(ord.SynthesizedRecipes) != 0 {
		t.Fatalf("expected no synthesized recipes, got %d", len(ord.SynthesizedRecipes))
	}
	if len(ord.Skipped) != 1 {
		t.Fatalf("expected 1 skipped name, got %d", len(ord.Skipped))
	}
	skip := ord.Skipped[0]
	if skip.Name != "dragonfruit wellington" {
		t.Fatalf("wrong skipped name: %q", skip.Name)
	}
	if len(skip.Attempts) == 0 || skip.Attempts[0] != "dragonfruit wellington" {
		t.Fatalf("attempted queries not reported: %v", skip.Attempts)
	}
	if ord.CompletedAt.IsZero() {
		t.Fatal("order not marked completed")
	}
}

func TestFulfillRelaxationFindsBroaderQuery(t *testing.T) {
	// The original name finds nothing; the relaxed query does.
	repo := &fakeRepo{byQuery: map[string][]*recipe.Recipe{
		"stew": {scored("fp1", "Beef Stew", "stew")},
	}}
	cr := &fakeCrawler{byQuery: map[string][]*recipe.Recipe{}}
	orc := &relaxOracle{queries: []string{"stew"}}
	loop := &fakeLoop{}
	sched := newTestScheduler(repo, cr, loop, orc, testConfig())

	ord := &recipe.CookbookOrder{OrderID: "o1", RecipeNames: []string{"grandma's secret stew"}}
	if err := sched.Fulfill(context.Background(), ord, false); err != nil {
		t.Fatal(err)
	}
	if len(ord.SynthesizedRecipes) != 1 {
		t.Fatalf("expected relaxed query to succeed, got %d results (skipped: %v)", len(ord.SynthesizedRecipes), ord.Skipped)
	}
	// The result keeps the customer's name even though a relaxed query found it.
	if ord.SynthesizedRecipes[0].Name != "grandma's secret stew" {
		t.Fatalf("result name = %q", ord.SynthesizedRecipes[0].Name)
	}
	if orc.ended == 0 {
		t.Fatal("relaxation session not torn down")
	}
}

func TestFulfillSamplingEarlyStop(t *testing.T) {
	byQuery := map[string][]*recipe.Recipe{}
	names := make([]string, 10)
	for i := range names {
		names[i] = fmt.Sprintf("dish-%d", i)
		byQuery[names[i]] = []*recipe.Recipe{scored(fmt.Sprintf("fp-%d", i), names[i], names[i])}
	}
	repo := &fakeRepo{byQuery: byQuery}
	loop := &fakeLoop{delay: 10 * time.Millisecond}
	sched := newTestScheduler(repo, &fakeCrawler{}, loop, &relaxOracle{}, testConfig())

	ord := &recipe.CookbookOrder{OrderID: "o1", RecipeNames: names}
	if err := sched.Fulfill(context.Background(), ord, true); err != nil {
		t.Fatal(err)
	}
	if got := len(ord.SynthesizedRecipes); got != 3 {
		t.Fatalf("sampling produced %d recipes, want exactly 3", got)
	}
	if calls := loop.calls.Load(); calls >= 10 {
		t.Fatalf("expected remaining work cancelled, but all %d names synthesized", calls)
	}
}

func TestFulfillIsolatesFailures(t *testing.T) {
	repo := &fakeRepo{byQuery: map[string][]*recipe.Recipe{
		"beef stew": {scored("fp1", "Beef Stew", "beef stew")},
	}}
	orc := &relaxOracle{queries: []string{"nothing", "still nothing", "nope"}}
	sched := newTestScheduler(repo, &fakeCrawler{}, &fakeLoop{}, orc, testConfig())

	ord := &recipe.CookbookOrder{
		OrderID:     "o1",
		RecipeNames: []string{"beef stew", "unicorn fillet"},
	}
	if err := sched.Fulfill(context.Background(), ord, false); err != nil {
		t.Fatal(err)
	}
	if len(ord.SynthesizedRecipes) != 1 || ord.SynthesizedRecipes[0].Name != "beef stew" {
		t.Fatalf("fulfilled names wrong: %+v", ord.SynthesizedRecipes)
	}
	if len(ord.Skipped) != 1 || ord.Skipped[0].Name != "unicorn fillet" {
		t.Fatalf("skipped names wrong: %+v", ord.Skipped)
	}
}
