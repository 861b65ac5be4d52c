package crawler

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Selectors are the CSS selectors used to pull recipe fields out of a site's
// markup. Candidates applies to the search-results page; the rest apply to a
// recipe page.
type Selectors struct {
	Candidates  string `json:"candidates"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Servings    string `json:"servings"`
	PrepTime    string `json:"prep_time"`
	CookTime    string `json:"cook_time"`
	TotalTime   string `json:"total_time"`
	Ingredients string `json:"ingredients"`
	Directions  string `json:"directions"`
	Notes       string `json:"notes"`
	Image       string `json:"image"`
}

// siteEntry is the on-disk shape of one site or template. Sites may name a
// template to inherit from; any field the site sets overrides the template.
type siteEntry struct {
	Template       string    `json:"template"`
	BaseURL        string    `json:"base_url"`
	SearchTemplate string    `json:"search_template"`
	Selectors      Selectors `json:"selectors"`
	Dynamic        bool      `json:"dynamic"`
}

type sitesFile struct {
	Templates map[string]siteEntry `json:"templates"`
	Sites     map[string]siteEntry `json:"sites"`
}

// Site is a fully resolved crawl target: template fields merged with site
// overrides into one flat record.
type Site struct {
	Name           string
	BaseURL        string
	SearchTemplate string
	Selectors      Selectors
	Dynamic        bool
}

// SearchURL builds the search-page URL for a query. A template containing
// the {query} placeholder is substituted; anything else is treated as a
// suffix appended after the query.
func (s Site) SearchURL(query string) string {
	escaped := strings.ReplaceAll(strings.TrimSpace(query), " ", "+")
	if strings.Contains(s.SearchTemplate, "{query}") {
		return s.BaseURL + strings.ReplaceAll(s.SearchTemplate, "{query}", escaped)
	}
	return s.BaseURL + escaped + s.SearchTemplate
}

// complete reports whether the site carries every selector the parser
// cannot work without.
func (s Site) complete() bool {
	return s.BaseURL != "" &&
		s.Selectors.Candidates != "" &&
		s.Selectors.Title != "" &&
		s.Selectors.Ingredients != "" &&
		s.Selectors.Directions != ""
}

// LoadSites reads the site configuration and resolves template inheritance.
// Sites missing required selectors are returned in skipped rather than
// failing the load.
func LoadSites(path string) (sites []Site, skipped []string, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading sites config: %w", err)
	}
	var file sitesFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, nil, fmt.Errorf("parsing sites config %s: %w", path, err)
	}
	if len(file.Sites) == 0 {
		return nil, nil, fmt.Errorf("sites config %s defines no sites", path)
	}

	for name, entry := range file.Sites {
		resolved := Site{Name: name}
		if entry.Template != "" {
			tmpl, ok := file.Templates[entry.Template]
			if !ok {
				return nil, nil, fmt.Errorf("site %q references unknown template %q", name, entry.Template)
			}
			applyEntry(&resolved, tmpl)
		}
		applyEntry(&resolved, entry)
		if !resolved.complete() {
			skipped = append(skipped, name)
			continue
		}
		sites = append(sites, resolved)
	}
	return sites, skipped, nil
}

func applyEntry(site *Site, entry siteEntry) {
	if entry.BaseURL != "" {
		site.BaseURL = entry.BaseURL
	}
	if entry.SearchTemplate != "" {
		site.SearchTemplate = entry.SearchTemplate
	}
	if entry.Dynamic {
		site.Dynamic = true
	}
	overlaySelectors(&site.Selectors, entry.Selectors)
}

func overlaySelectors(dst *Selectors, src Selectors) {
	if src.Candidates != "" {
		dst.Candidates = src.Candidates
	}
	if src.Title != "" {
		dst.Title = src.Title
	}
	if src.Description != "" {
		dst.Description = src.Description
	}
	if src.Servings != "" {
		dst.Servings = src.Servings
	}
	if src.PrepTime != "" {
		dst.PrepTime = src.PrepTime
	}
	if src.CookTime != "" {
		dst.CookTime = src.CookTime
	}
	if src.TotalTime != "" {
		dst.TotalTime = src.TotalTime
	}
	if src.Ingredients != "" {
		dst.Ingredients = src.Ingredients
	}
	if src.Directions != "" {
		dst.Directions = src.Directions
	}
	if src.Notes != "" {
		dst.Notes = src.Notes
	}
	if src.Image != "" {
		dst.Image = src.Image
	}
}
