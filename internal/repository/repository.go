package repository

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/oracle"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/recipe"
)

const indexTitleSystemPrompt = `You assign canonical index titles to scraped recipes.
Given a recipe title and its known aliases, return JSON of the form
{"index_title": "...", "aliases": ["...", ...]}: a short canonical title suitable as an
index key, and a refreshed alias list with scraping boilerplate (site names, "Recipe",
"Best Ever", rating text) stripped. Keep every genuinely distinct name.`

// Repository is the concurrency-safe in-memory index of every recipe seen,
// backed by a durable Store. Merge is its single write path. Records held in
// the index are never mutated after publication: Search hands out copies, and
// Merge replaces a record with a fresh merged copy rather than updating it,
// so readers always see a consistent snapshot.
type Repository struct {
	store  Store
	oracle oracle.Oracle
	logger *log.Logger

	initOnce sync.Once
	initErr  error

	// byFingerprint: fingerprint -> *recipe.Recipe (immutable once stored).
	// byKey: normalized title/alias -> *keySet of fingerprints.
	byFingerprint sync.Map
	byKey         sync.Map

	// Serializes Merge calls and the group writes they trigger. Readers go
	// through the sync.Maps and never need it.
	writeMu sync.Mutex
}

// keySet is the set of fingerprints answering to one index key.
type keySet struct {
	mu  sync.Mutex
	fps map[string]struct{}
}

func (k *keySet) add(fp string) {
	k.mu.Lock()
	k.fps[fp] = struct{}{}
	k.mu.Unlock()
}

func (k *keySet) snapshot() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, 0, len(k.fps))
	for fp := range k.fps {
		out = append(out, fp)
	}
	return out
}

func New(store Store, orc oracle.Oracle) *Repository {
	return &Repository{
		store:  store,
		oracle: orc,
		logger: log.New(log.Writer(), "[REPOSITORY] ", log.LstdFlags),
	}
}

// ensureInit loads the durable store exactly once; concurrent callers before
// the first load completes wait on the one in-flight load.
func (r *Repository) ensureInit(ctx context.Context) error {
	r.initOnce.Do(func() {
		groups, err := r.store.LoadAll(ctx)
		if err != nil {
			r.initErr = fmt.Errorf("loading recipe store: %w", err)
			return
		}
		var n int
		for _, recipes := range groups {
			for _, rec := range recipes {
				r.indexRecipe(rec)
				n++
			}
		}
		r.logger.Printf("loaded %d recipes in %d groups", n, len(groups))
	})
	return r.initErr
}

func (r *Repository) indexRecipe(rec *recipe.Recipe) {
	r.byFingerprint.Store(rec.ID, rec)
	for _, key := range rec.AllTitles() {
		r.indexKey(key, rec.ID)
	}
	if rec.IndexTitle != "" {
		r.indexKey(rec.IndexTitle, rec.ID)
	}
}

func (r *Repository) indexKey(key, fp string) {
	key = normalizeKey(key)
	if key == "" {
		return
	}
	actual, _ := r.byKey.LoadOrStore(key, &keySet{fps: make(map[string]struct{})})
	actual.(*keySet).add(fp)
}

// Contains reports whether a fingerprint is already indexed.
func (r *Repository) Contains(ctx context.Context, id string) (bool, error) {
	if err := r.ensureInit(ctx); err != nil {
		return false, err
	}
	_, ok := r.byFingerprint.Load(id)
	return ok, nil
}

// KnownFingerprints returns the set of indexed fingerprints, for crawl
// exclusion.
func (r *Repository) KnownFingerprints(ctx context.Context) (map[string]struct{}, error) {
	if err := r.ensureInit(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]struct{})
	r.byFingerprint.Range(func(key, _ any) bool {
		out[key.(string)] = struct{}{}
		return true
	})
	return out, nil
}

// Search match tiers, best first.
const (
	tierTitleExact = iota
	tierTitleContains
	tierAliasExact
	tierAliasContains
	tierOther
)

// Search returns every recipe whose index keys match the query exactly or by
// substring in either direction, ranked: exact title match, then title
// containing the query, then alias exact, then alias containing, then the
// rest. Results are copies; callers rank and clean them freely and fold
// changes back in through Merge.
func (r *Repository) Search(ctx context.Context, query string) ([]*recipe.Recipe, error) {
	if err := r.ensureInit(ctx); err != nil {
		return nil, err
	}
	q := normalizeKey(query)
	if q == "" {
		return nil, nil
	}

	matched := make(map[string]*recipe.Recipe)
	r.byKey.Range(func(key, value any) bool {
		k := key.(string)
		if k != q && !strings.Contains(k, q) && !strings.Contains(q, k) {
			return true
		}
		for _, fp := range value.(*keySet).snapshot() {
			if _, dup := matched[fp]; dup {
				continue
			}
			if rec, ok := r.byFingerprint.Load(fp); ok {
				matched[fp] = rec.(*recipe.Recipe)
			}
		}
		return true
	})

	results := make([]*recipe.Recipe, 0, len(matched))
	for _, rec := range matched {
		results = append(results, rec.Clone())
	}
	sort.SliceStable(results, func(i, j int) bool {
		ti, tj := matchTier(results[i], q), matchTier(results[j], q)
		if ti != tj {
			return ti < tj
		}
		return results[i].Title < results[j].Title
	})
	return results, nil
}

func matchTier(rec *recipe.Recipe, q string) int {
	title := normalizeKey(rec.Title)
	if title == q {
		return tierTitleExact
	}
	if strings.Contains(title, q) {
		return tierTitleContains
	}
	for _, alias := range rec.Aliases {
		if normalizeKey(alias) == q {
			return tierAliasExact
		}
	}
	for _, alias := range rec.Aliases {
		if strings.Contains(normalizeKey(alias), q) {
			return tierAliasContains
		}
	}
	return tierOther
}

// Merge indexes the given recipes and persists every group it touches.
// Recipes without a canonical index title get one from the oracle first.
// Existing records for the same fingerprint are merged, never duplicated:
// relevancy entries are unioned and the cleaned flag kept. The index never
// holds caller pointers; every record it publishes is a private copy.
func (r *Repository) Merge(ctx context.Context, recipes []*recipe.Recipe) error {
	if err := r.ensureInit(ctx); err != nil {
		return err
	}
	if len(recipes) == 0 {
		return nil
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	touched := make(map[string]struct{})
	for _, incoming := range recipes {
		var canonical *recipe.Recipe
		if existing, ok := r.byFingerprint.Load(incoming.ID); ok {
			canonical = existing.(*recipe.Recipe).Clone()
			mergeInto(canonical, incoming)
		} else {
			if incoming.IndexTitle == "" {
				r.assignIndexTitle(ctx, incoming)
			}
			canonical = incoming.Clone()
		}
		r.indexRecipe(canonical)
		touched[canonical.IndexTitle] = struct{}{}
	}

	for indexTitle := range touched {
		if err := r.saveGroup(ctx, indexTitle); err != nil {
			return err
		}
	}
	return nil
}

// mergeInto folds an incoming scrape of a known fingerprint into the
// canonical record. Relevancy never downgrades and cleaned never reverts.
func mergeInto(canonical, incoming *recipe.Recipe) {
	for query, entry := range incoming.Relevancy {
		canonical.SetRelevancy(query, entry)
	}
	if incoming.Cleaned {
		canonical.MarkCleaned()
	}
	for _, alias := range incoming.Aliases {
		if !containsFold(canonical.Aliases, alias) {
			canonical.Aliases = append(canonical.Aliases, alias)
		}
	}
	if canonical.ImageURL == "" {
		canonical.ImageURL = incoming.ImageURL
	}
	if canonical.Notes == "" {
		canonical.Notes = incoming.Notes
	}
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// assignIndexTitle asks the oracle for a canonical index title plus a
// refreshed alias list. The first alias always stays the original scraped
// title; oracle failure degrades to using the recipe title as-is.
func (r *Repository) assignIndexTitle(ctx context.Context, rec *recipe.Recipe) {
	original := rec.Title
	if len(rec.Aliases) > 0 {
		original = rec.Aliases[0]
	}

	prompt := fmt.Sprintf("Title: %s\nAliases: %s", rec.Title, strings.Join(rec.Aliases, "; "))
	var reply struct {
		IndexTitle string   `json:"index_title"`
		Aliases    []string `json:"aliases"`
	}
	if err := r.oracle.Submit(ctx, oracle.TaskNaming, indexTitleSystemPrompt, prompt, &reply); err != nil || strings.TrimSpace(reply.IndexTitle) == "" {
		if err != nil {
			r.logger.Printf("index title request failed for %q, keeping scraped title: %v", rec.Title, err)
		}
		rec.IndexTitle = rec.Title
		return
	}

	rec.IndexTitle = strings.TrimSpace(reply.IndexTitle)
	aliases := []string{original}
	for _, alias := range reply.Aliases {
		alias = strings.TrimSpace(alias)
		if alias != "" && !containsFold(aliases, alias) {
			aliases = append(aliases, alias)
		}
	}
	rec.Aliases = aliases
}

func (r *Repository) saveGroup(ctx context.Context, indexTitle string) error {
	var members []*recipe.Recipe
	r.byFingerprint.Range(func(_, value any) bool {
		rec := value.(*recipe.Recipe)
		if rec.IndexTitle == indexTitle {
			members = append(members, rec)
		}
		return true
	})
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	if err := r.store.SaveGroup(ctx, indexTitle, members); err != nil {
		return fmt.Errorf("persisting group %q: %w", indexTitle, err)
	}
	return nil
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
