package fetch

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

// Link is an anchor extracted from a document, with its href resolved
// against the page URL.
type Link struct {
	URL  string
	Text string
}

// Links returns every anchor matching selector, hrefs resolved to absolute
// URLs. Anchors without an href are skipped.
func Links(html, pageURL, selector string) ([]Link, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parsing document: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parsing page url %q: %w", pageURL, err)
	}

	var links []Link
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		node := sel
		if !sel.Is("a") {
			node = sel.Find("a").First()
		}
		href, ok := node.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		links = append(links, Link{
			URL:  base.ResolveReference(ref).String(),
			Text: strings.TrimSpace(sel.Text()),
		})
	})
	return links, nil
}

// Text returns the trimmed text of the first node matching selector, or ""
// when nothing matches.
func Text(html, selector string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parsing document: %w", err)
	}
	return strings.TrimSpace(doc.Find(selector).First().Text()), nil
}

// Texts returns the trimmed text of every node matching selector, empty
// entries removed.
func Texts(html, selector string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parsing document: %w", err)
	}
	var out []string
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		if t := strings.TrimSpace(sel.Text()); t != "" {
			out = append(out, t)
		}
	})
	return out, nil
}

// Attr returns the named attribute of the first node matching selector.
func Attr(html, selector, name string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parsing document: %w", err)
	}
	val, _ := doc.Find(selector).First().Attr(name)
	return strings.TrimSpace(val), nil
}

// ArticleText runs readability over a document and returns its main text,
// truncated to maxChars. It is the fallback when a site's selectors stop
// matching.
func ArticleText(html, pageURL string, maxChars int) (title, text string, err error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		u = &url.URL{}
	}
	article, err := readability.FromReader(strings.NewReader(html), u)
	if err != nil {
		return "", "", fmt.Errorf("extracting article: %w", err)
	}
	text = strings.TrimSpace(article.TextContent)
	if maxChars > 0 && len(text) > maxChars {
		text = text[:maxChars]
	}
	return strings.TrimSpace(article.Title), text, nil
}
