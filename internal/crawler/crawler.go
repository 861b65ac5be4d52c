package crawler

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Zarichney-Development/cookbook-factory-sub000/config"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/fetch"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/helpers"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/oracle"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/recipe"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/telemetry"
)

const narrowSystemPrompt = `You select the most promising recipe links from a search-results page.
Given a numbered list of candidate URLs and a desired count, return JSON of the form
{"indices": [1, 4, ...]} naming the 1-based indices of the candidates most likely to be
full recipes matching the query. Return at most the desired count of indices.`

// Crawler turns a free-text query into parsed candidate recipes by visiting
// configured sites in parallel.
type Crawler struct {
	cfg       config.CrawlerConfig
	sites     []Site
	static    fetch.Fetcher
	browser   fetch.Fetcher
	oracle    oracle.Oracle
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

func New(cfg config.CrawlerConfig, orc oracle.Oracle, tel *telemetry.Telemetry) (*Crawler, error) {
	sites, skipped, err := LoadSites(cfg.SitesFile)
	if err != nil {
		return nil, err
	}
	logger := log.New(log.Writer(), "[CRAWLER] ", log.LstdFlags)
	for _, name := range skipped {
		logger.Printf("WARNING: site %q is missing required selectors, skipping", name)
	}
	if len(sites) == 0 {
		return nil, fmt.Errorf("no usable sites in %s", cfg.SitesFile)
	}
	static, err := fetch.New(fetch.KindStatic, cfg.FetchTimeout, cfg.FetchRetries)
	if err != nil {
		return nil, err
	}
	browser, err := fetch.New(fetch.KindBrowser, cfg.FetchTimeout, cfg.FetchRetries)
	if err != nil {
		return nil, err
	}
	return &Crawler{
		cfg:       cfg,
		sites:     sites,
		static:    static,
		browser:   browser,
		oracle:    orc,
		telemetry: tel,
		logger:    logger,
	}, nil
}

// Scrape visits every eligible site for the query and returns parsed recipes
// in interleaved cross-site order. targetSite, when non-empty, restricts the
// crawl to the named site. Fingerprints present in exclude are dropped
// before page fetching.
func (c *Crawler) Scrape(ctx context.Context, query, targetSite string, exclude map[string]struct{}) ([]*recipe.Recipe, error) {
	sites := c.eligibleSites(targetSite)
	if len(sites) == 0 {
		return nil, fmt.Errorf("no site named %q configured", targetSite)
	}

	// Random visiting order so the interleave never statically favors the
	// first configured site.
	rand.Shuffle(len(sites), func(i, j int) { sites[i], sites[j] = sites[j], sites[i] })

	perSite := make([][]*recipe.Recipe, len(sites))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxParallelSites)
	for i, site := range sites {
		i, site := i, site
		g.Go(func() error {
			recipes, err := c.scrapeSite(gctx, site, query, exclude)
			if err != nil {
				// One broken site never fails the crawl.
				c.logger.Printf("site %s failed for %q: %v", site.Name, query, err)
				c.telemetry.RecordSiteError(site.Name)
				return nil
			}
			if len(recipes) == 0 {
				c.telemetry.RecordEmptySite(site.Name)
			}
			perSite[i] = recipes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Interleave(perSite), nil
}

func (c *Crawler) eligibleSites(targetSite string) []Site {
	if targetSite == "" {
		out := make([]Site, len(c.sites))
		copy(out, c.sites)
		return out
	}
	for _, s := range c.sites {
		if strings.EqualFold(s.Name, targetSite) {
			return []Site{s}
		}
	}
	return nil
}

func (c *Crawler) scrapeSite(ctx context.Context, site Site, query string, exclude map[string]struct{}) ([]*recipe.Recipe, error) {
	searchURL := site.SearchURL(query)
	html, err := c.fetcherFor(site).HTML(ctx, searchURL)
	if err != nil {
		return nil, fmt.Errorf("fetching search page: %w", err)
	}
	c.telemetry.RecordPageFetched(site.Name)

	links, err := fetch.Links(html, searchURL, site.Selectors.Candidates)
	if err != nil {
		return nil, fmt.Errorf("extracting candidates: %w", err)
	}

	candidates := c.dedupe(links, exclude)
	if len(candidates) == 0 {
		return nil, nil
	}
	if len(candidates) > c.cfg.MaxCandidatesPerSite {
		candidates = c.narrow(ctx, query, candidates)
	}

	recipes := make([]*recipe.Recipe, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxParallelPages)
	for i, url := range candidates {
		i, url := i, url
		g.Go(func() error {
			r, err := c.parsePage(gctx, site, url)
			if err != nil {
				// Drop the one page, keep the site.
				c.logger.Printf("dropping %s: %v", url, err)
				return nil
			}
			c.telemetry.RecordPageFetched(site.Name)
			recipes[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := recipes[:0]
	for _, r := range recipes {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

// dedupe canonicalizes and deduplicates candidate URLs, dropping any whose
// fingerprint the caller already holds.
func (c *Crawler) dedupe(links []fetch.Link, exclude map[string]struct{}) []string {
	seen := make(map[string]struct{}, len(links))
	var out []string
	for _, l := range links {
		canonical, err := helpers.CanonicalURL(l.URL)
		if err != nil {
			continue
		}
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		if exclude != nil {
			fp, err := helpers.URLFingerprint(canonical)
			if err == nil {
				if _, known := exclude[fp]; known {
					continue
				}
			}
		}
		out = append(out, canonical)
	}
	return out
}

// narrow asks the oracle which candidates to pursue. Any failure, empty
// reply, or unmappable index degrades to taking candidates in original
// order.
func (c *Crawler) narrow(ctx context.Context, query string, candidates []string) []string {
	want := c.cfg.MaxCandidatesPerSite

	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\nDesired count: %d\nCandidates:\n", query, want)
	for i, u := range candidates {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, u)
	}

	var reply struct {
		Indices []int `json:"indices"`
	}
	if err := c.oracle.Submit(ctx, oracle.TaskRanking, narrowSystemPrompt, sb.String(), &reply); err != nil {
		c.logger.Printf("candidate narrowing failed, keeping original order: %v", err)
		return candidates[:want]
	}

	var selected []string
	for _, idx := range reply.Indices {
		if idx < 1 || idx > len(candidates) {
			continue
		}
		selected = append(selected, candidates[idx-1])
		if len(selected) == want {
			break
		}
	}
	if len(selected) == 0 {
		return candidates[:want]
	}
	return selected
}

func (c *Crawler) parsePage(ctx context.Context, site Site, url string) (*recipe.Recipe, error) {
	html, err := c.fetcherFor(site).HTML(ctx, url)
	if err != nil {
		return nil, err
	}

	title, err := fetch.Text(html, site.Selectors.Title)
	if err != nil {
		return nil, err
	}
	if title == "" {
		// Selector missed: readability still recovers a title for most pages.
		if t, _, rerr := fetch.ArticleText(html, url, c.cfg.MaxPageChars); rerr == nil && t != "" {
			title = t
		}
	}
	if title == "" {
		return nil, fmt.Errorf("no title found")
	}

	ingredients, err := fetch.Texts(html, site.Selectors.Ingredients)
	if err != nil {
		return nil, err
	}
	if len(ingredients) == 0 {
		return nil, fmt.Errorf("no ingredients found")
	}
	directions, err := fetch.Texts(html, site.Selectors.Directions)
	if err != nil {
		return nil, err
	}
	if len(directions) == 0 {
		return nil, fmt.Errorf("no directions found")
	}

	fp, err := helpers.URLFingerprint(url)
	if err != nil {
		return nil, err
	}

	r := &recipe.Recipe{
		ID:          fp,
		Title:       title,
		Aliases:     []string{title},
		Ingredients: ingredients,
		Directions:  directions,
		SourceURL:   url,
	}
	r.Description = optionalText(html, site.Selectors.Description)
	r.Servings = optionalText(html, site.Selectors.Servings)
	r.PrepTime = optionalText(html, site.Selectors.PrepTime)
	r.CookTime = optionalText(html, site.Selectors.CookTime)
	r.TotalTime = optionalText(html, site.Selectors.TotalTime)
	r.Notes = optionalText(html, site.Selectors.Notes)
	if site.Selectors.Image != "" {
		if src, err := fetch.Attr(html, site.Selectors.Image, "src"); err == nil {
			r.ImageURL = src
		}
	}
	return r, nil
}

func optionalText(html, selector string) string {
	if selector == "" {
		return ""
	}
	t, err := fetch.Text(html, selector)
	if err != nil {
		return ""
	}
	return t
}

func (c *Crawler) fetcherFor(site Site) fetch.Fetcher {
	if site.Dynamic {
		return c.browser
	}
	return c.static
}

// Interleave merges per-site ranked lists round-robin so one prolific site
// cannot crowd out the others.
func Interleave(perSite [][]*recipe.Recipe) []*recipe.Recipe {
	var total int
	for _, list := range perSite {
		total += len(list)
	}
	out := make([]*recipe.Recipe, 0, total)
	for depth := 0; len(out) < total; depth++ {
		for _, list := range perSite {
			if depth < len(list) {
				out = append(out, list[depth])
			}
		}
	}
	return out
}
