package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/recipe"
)

// memStore is an in-memory Store recording every group write.
type memStore struct {
	mu     sync.Mutex
	groups map[string][]*recipe.Recipe
	saves  int
}

func newMemStore() *memStore {
	return &memStore{groups: make(map[string][]*recipe.Recipe)}
}

func (m *memStore) LoadAll(context.Context) (map[string][]*recipe.Recipe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]*recipe.Recipe, len(m.groups))
	for k, v := range m.groups {
		out[k] = append([]*recipe.Recipe(nil), v...)
	}
	return out, nil
}

func (m *memStore) SaveGroup(_ context.Context, indexTitle string, recipes []*recipe.Recipe) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.groups[indexTitle] = append([]*recipe.Recipe(nil), recipes...)
	return nil
}

type namingOracle struct {
	reply string
	err   error
	calls int
}

func (f *namingOracle) Submit(_ context.Context, _, _, _ string, out any) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return json.Unmarshal([]byte(f.reply), out)
}

func (f *namingOracle) CreateSession(context.Context, string, string) (string, error) {
	return "", errors.New("not implemented")
}
func (f *namingOracle) AddTurn(context.Context, string, string) error { return nil }
func (f *namingOracle) ReadStructured(context.Context, string, any) error {
	return errors.New("not implemented")
}
func (f *namingOracle) EndSession(context.Context, string) error { return nil }

func newRecipe(id, title string) *recipe.Recipe {
	return &recipe.Recipe{
		ID:          id,
		Title:       title,
		Aliases:     []string{title},
		Ingredients: []string{"x"},
		Directions:  []string{"y"},
		SourceURL:   "https://example.com/" + id,
	}
}

func TestMergeIdempotent(t *testing.T) {
	store := newMemStore()
	orc := &namingOracle{reply: `{"index_title": "Beef Stew", "aliases": ["Beef Stew"]}`}
	repo := New(store, orc)
	ctx := context.Background()

	recipes := []*recipe.Recipe{newRecipe("fp1", "Classic Beef Stew"), newRecipe("fp2", "Hearty Beef Stew")}
	if err := repo.Merge(ctx, recipes); err != nil {
		t.Fatalf("first merge: %v", err)
	}
	first, err := repo.Search(ctx, "beef stew")
	if err != nil {
		t.Fatal(err)
	}

	if err := repo.Merge(ctx, recipes); err != nil {
		t.Fatalf("second merge: %v", err)
	}
	second, err := repo.Search(ctx, "beef stew")
	if err != nil {
		t.Fatal(err)
	}

	if len(first) != 2 || len(second) != len(first) {
		t.Fatalf("merge not idempotent: first=%d second=%d", len(first), len(second))
	}
	for key, group := range store.groups {
		seen := make(map[string]struct{})
		for _, r := range group {
			if _, dup := seen[r.ID]; dup {
				t.Fatalf("group %q holds duplicate fingerprint %s", key, r.ID)
			}
			seen[r.ID] = struct{}{}
		}
	}
}

func TestMergeUpdatesExistingInPlace(t *testing.T) {
	store := newMemStore()
	orc := &namingOracle{reply: `{"index_title": "Beef Stew", "aliases": []}`}
	repo := New(store, orc)
	ctx := context.Background()

	original := newRecipe("fp1", "Beef Stew")
	original.SetRelevancy("beef stew", recipe.RelevancyEntry{Score: 90})
	if err := repo.Merge(ctx, []*recipe.Recipe{original}); err != nil {
		t.Fatal(err)
	}

	rescrape := newRecipe("fp1", "Beef Stew")
	rescrape.SetRelevancy("winter stew", recipe.RelevancyEntry{Score: 70})
	rescrape.MarkCleaned()
	if err := repo.Merge(ctx, []*recipe.Recipe{rescrape}); err != nil {
		t.Fatal(err)
	}

	results, err := repo.Search(ctx, "beef stew")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected one canonical record, got %d", len(results))
	}
	got := results[0]
	if e, ok := got.RelevancyFor("beef stew"); !ok || e.Score != 90 {
		t.Fatalf("original relevancy lost: %+v", e)
	}
	if e, ok := got.RelevancyFor("winter stew"); !ok || e.Score != 70 {
		t.Fatalf("incoming relevancy not unioned: %+v", e)
	}
	if !got.Cleaned {
		t.Fatal("cleaned flag not merged")
	}
}

func TestSearchRanking(t *testing.T) {
	store := newMemStore()
	orc := &namingOracle{err: errors.New("oracle down")} // fall back to scraped titles
	repo := New(store, orc)
	ctx := context.Background()

	exact := newRecipe("fp-exact", "Beef Stew")
	contains := newRecipe("fp-contains", "Slow Cooker Beef Stew")
	aliasExact := newRecipe("fp-alias", "Grandma's Sunday Pot")
	aliasExact.Aliases = append(aliasExact.Aliases, "Beef Stew")

	if err := repo.Merge(ctx, []*recipe.Recipe{contains, aliasExact, exact}); err != nil {
		t.Fatal(err)
	}

	results, err := repo.Search(ctx, "Beef Stew")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].ID != "fp-exact" {
		t.Fatalf("exact title match not first: %s", results[0].ID)
	}
	if results[1].ID != "fp-contains" {
		t.Fatalf("title-contains match not second: %s", results[1].ID)
	}
	if results[2].ID != "fp-alias" {
		t.Fatalf("alias match not third: %s", results[2].ID)
	}
}

func TestIndexTitleAssignment(t *testing.T) {
	store := newMemStore()
	orc := &namingOracle{reply: `{"index_title": "Beef Stew", "aliases": ["Beef Stew", "Classic Beef Stew Recipe - FoodSite"]}`}
	repo := New(store, orc)
	ctx := context.Background()

	r := newRecipe("fp1", "Classic Beef Stew Recipe - FoodSite")
	if err := repo.Merge(ctx, []*recipe.Recipe{r}); err != nil {
		t.Fatal(err)
	}
	if r.IndexTitle != "Beef Stew" {
		t.Fatalf("index title = %q", r.IndexTitle)
	}
	// First alias stays the original scraped title.
	if len(r.Aliases) == 0 || r.Aliases[0] != "Classic Beef Stew Recipe - FoodSite" {
		t.Fatalf("original scraped title not preserved as first alias: %v", r.Aliases)
	}
	if _, ok := store.groups["Beef Stew"]; !ok {
		t.Fatalf("group not persisted under index title: %v", store.groups)
	}
}

func TestIndexTitleFallbackOnOracleFailure(t *testing.T) {
	store := newMemStore()
	orc := &namingOracle{err: errors.New("oracle down")}
	repo := New(store, orc)

	r := newRecipe("fp1", "Beef Stew")
	if err := repo.Merge(context.Background(), []*recipe.Recipe{r}); err != nil {
		t.Fatal(err)
	}
	if r.IndexTitle != "Beef Stew" {
		t.Fatalf("expected fallback to scraped title, got %q", r.IndexTitle)
	}
}

func TestSearchReturnsCopies(t *testing.T) {
	store := newMemStore()
	repo := New(store, &namingOracle{reply: `{"index_title": "Beef Stew", "aliases": []}`})
	ctx := context.Background()

	if err := repo.Merge(ctx, []*recipe.Recipe{newRecipe("fp1", "Beef Stew")}); err != nil {
		t.Fatal(err)
	}

	first, err := repo.Search(ctx, "beef stew")
	if err != nil || len(first) != 1 {
		t.Fatalf("Search = %v, %v", first, err)
	}
	first[0].Title = "Mangled"
	first[0].Ingredients[0] = "mangled"
	first[0].Aliases = append(first[0].Aliases, "Mangled Alias")
	first[0].SetRelevancy("mangled", recipe.RelevancyEntry{Score: 10})

	second, err := repo.Search(ctx, "beef stew")
	if err != nil || len(second) != 1 {
		t.Fatalf("Search = %v, %v", second, err)
	}
	if second[0].Title != "Beef Stew" || second[0].Ingredients[0] != "x" {
		t.Fatalf("caller mutation leaked into the index: %+v", second[0])
	}
	if len(second[0].Aliases) != 1 {
		t.Fatalf("caller alias append leaked into the index: %v", second[0].Aliases)
	}
	if _, ok := second[0].RelevancyFor("mangled"); ok {
		t.Fatal("caller relevancy write leaked into the index")
	}
}

func TestConcurrentSearchRankMerge(t *testing.T) {
	store := newMemStore()
	repo := New(store, &namingOracle{reply: `{"index_title": "Beef Stew", "aliases": []}`})
	ctx := context.Background()

	if err := repo.Merge(ctx, []*recipe.Recipe{newRecipe("fp1", "Beef Stew")}); err != nil {
		t.Fatal(err)
	}

	// Workers for different queries all land on the one canonical record:
	// each scores its own query on the copy and folds it back in while the
	// others read and merge concurrently.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			query := fmt.Sprintf("stew variant %d", i)
			for j := 0; j < 20; j++ {
				results, err := repo.Search(ctx, "beef stew")
				if err != nil || len(results) == 0 {
					t.Errorf("worker %d: Search = %v, %v", i, results, err)
					return
				}
				rec := results[0]
				rec.SetRelevancy(query, recipe.RelevancyEntry{Score: 50 + j})
				if err := repo.Merge(ctx, []*recipe.Recipe{rec}); err != nil {
					t.Errorf("worker %d: Merge: %v", i, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	results, err := repo.Search(ctx, "beef stew")
	if err != nil || len(results) != 1 {
		t.Fatalf("Search = %v, %v", results, err)
	}
	for i := 0; i < 8; i++ {
		query := fmt.Sprintf("stew variant %d", i)
		entry, ok := results[0].RelevancyFor(query)
		if !ok || entry.Score != 69 {
			t.Fatalf("worker %d relevancy lost: %+v (present=%t)", i, entry, ok)
		}
	}
}

func TestContainsAndKnownFingerprints(t *testing.T) {
	store := newMemStore()
	repo := New(store, &namingOracle{reply: `{"index_title": "T", "aliases": []}`})
	ctx := context.Background()

	if err := repo.Merge(ctx, []*recipe.Recipe{newRecipe("fp1", "T")}); err != nil {
		t.Fatal(err)
	}
	ok, err := repo.Contains(ctx, "fp1")
	if err != nil || !ok {
		t.Fatalf("Contains(fp1) = %t, %v", ok, err)
	}
	ok, err = repo.Contains(ctx, "fp2")
	if err != nil || ok {
		t.Fatalf("Contains(fp2) = %t, %v", ok, err)
	}
	fps, err := repo.KnownFingerprints(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := fps["fp1"]; !ok || len(fps) != 1 {
		t.Fatalf("KnownFingerprints = %v", fps)
	}
}

func TestInitLoadsExistingGroups(t *testing.T) {
	store := newMemStore()
	stored := newRecipe("fp1", "Beef Stew")
	stored.IndexTitle = "Beef Stew"
	store.groups["Beef Stew"] = []*recipe.Recipe{stored}

	repo := New(store, &namingOracle{})
	results, err := repo.Search(context.Background(), "beef stew")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != "fp1" {
		t.Fatalf("stored recipes not loaded: %v", results)
	}
}
