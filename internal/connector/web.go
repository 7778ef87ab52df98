package connector

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"

	"github.com/lysyi3m/ingest-comb/internal/database"
	"github.com/lysyi3m/ingest-comb/internal/fault"
	"github.com/lysyi3m/ingest-comb/internal/normalize"
)

const defaultMaxPages = 20

// WebConnector crawls a site starting at the source URL and following links
// on the same host, one level deep.
type WebConnector struct {
	fetcher  *fetcher
	maxPages int
}

func NewWebConnector(f *fetcher, maxPages int) *WebConnector {
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	return &WebConnector{fetcher: f, maxPages: maxPages}
}

func (c *WebConnector) Fetch(ctx context.Context, source database.Source) ([]FetchedItem, error) {
	if source.URL == "" {
		return nil, fault.Configurationf("source %s has no url", source.ID)
	}
	root, err := url.Parse(source.URL)
	if err != nil || root.Host == "" {
		return nil, fault.Configurationf("source %s has an invalid url %q", source.ID, source.URL)
	}
	root.Fragment = ""

	data, err := c.fetcher.get(ctx, root.String())
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("failed to fetch root page: %w", err))
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse root page: %w", err)
	}

	items := []FetchedItem{extractPage(root, data, doc)}

	links := discoverLinks(root, doc, c.maxPages-1)
	slog.Debug("Discovered pages", "source_id", source.ID, "root", root.String(), "links", len(links))

	for _, link := range links {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		items = append(items, c.fetchPage(ctx, link))
	}

	return items, nil
}

func (c *WebConnector) fetchPage(ctx context.Context, page *url.URL) FetchedItem {
	data, err := c.fetcher.get(ctx, page.String())
	if err != nil {
		return failedItem(page.String(), page.String(), err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return FetchedItem{
			ExternalID: page.String(),
			URL:        page.String(),
			Status:     database.FetchStatusParseError,
			Error:      err.Error(),
		}
	}

	return extractPage(page, data, doc)
}

// extractPage prefers the readability article text and falls back to the
// whole body when no article can be found.
func extractPage(page *url.URL, data []byte, doc *goquery.Document) FetchedItem {
	title := strings.TrimSpace(doc.Find("title").First().Text())
	description, _ := doc.Find(`meta[name="description"]`).Attr("content")

	var mainText string
	article, err := readability.FromReader(bytes.NewReader(data), page)
	if err == nil {
		mainText = strings.TrimSpace(article.TextContent)
		if title == "" {
			title = article.Title
		}
	}
	if mainText == "" {
		body := doc.Find("body").Clone()
		body.Find("script, style, noscript").Remove()
		mainText = strings.TrimSpace(body.Text())
	}

	return FetchedItem{
		ExternalID: page.String(),
		URL:        page.String(),
		Fields: normalize.Fields{
			Title:       title,
			MainText:    mainText,
			Description: strings.TrimSpace(description),
		},
		Status: database.FetchStatusOK,
	}
}

// discoverLinks returns up to limit distinct same-host links of doc, in
// document order, without fragments and without the root itself.
func discoverLinks(root *url.URL, doc *goquery.Document, limit int) []*url.URL {
	if limit <= 0 {
		return nil
	}

	seen := map[string]bool{root.String(): true}
	var links []*url.URL

	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return true
		}

		abs := root.ResolveReference(ref)
		abs.Fragment = ""
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return true
		}
		if !strings.EqualFold(abs.Host, root.Host) {
			return true
		}

		key := abs.String()
		if seen[key] {
			return true
		}
		seen[key] = true
		links = append(links, abs)

		return len(links) < limit
	})

	return links
}
