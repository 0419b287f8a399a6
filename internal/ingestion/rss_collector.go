package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/STRATINT/digest/internal/errs"
	"github.com/STRATINT/digest/internal/logging"
	"github.com/STRATINT/digest/internal/models"
)

// RSSCollector reads RSS 2.0 and Atom feeds (release notes, status pages,
// changelogs) and keeps the items published inside the time range.
type RSSCollector struct {
	client *http.Client
	logger *slog.Logger
}

// NewRSSCollector creates an RSS collector. A nil client uses a default one.
func NewRSSCollector(client *http.Client, logger *slog.Logger) *RSSCollector {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RSSCollector{
		client: client,
		logger: logging.OrDiscard(logger).With("collector", "rss"),
	}
}

// rssDocument represents the RSS 2.0 feed structure.
type rssDocument struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Title string    `xml:"title"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
	GUID        string `xml:"guid"`
	Author      string `xml:"author"`
	Creator     string `xml:"http://purl.org/dc/elements/1.1/ creator"`
	Category    string `xml:"category"`
}

// atomFeed represents the Atom feed structure.
type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Title   string      `xml:"title"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title     string     `xml:"title"`
	Link      atomLink   `xml:"link"`
	Content   string     `xml:"content"`
	Summary   string     `xml:"summary"`
	Published string     `xml:"published"`
	Updated   string     `xml:"updated"`
	ID        string     `xml:"id"`
	Author    atomAuthor `xml:"author"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
}

type atomAuthor struct {
	Name string `xml:"name"`
}

// feedItem is the format-independent view of an RSS item or Atom entry.
type feedItem struct {
	id        string
	title     string
	link      string
	content   string
	author    string
	category  string
	published string
}

// Type implements Collector.
func (c *RSSCollector) Type() string { return "rss" }

// Validate implements Collector.
func (c *RSSCollector) Validate(cfg models.SourceConfig) models.ValidationResult {
	if missing := requireSettings(cfg, "feeds"); len(missing) > 0 {
		return models.Invalid(missing...)
	}

	var problems []string
	for _, feed := range feedList(cfg) {
		u, err := url.Parse(feed)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			problems = append(problems, fmt.Sprintf("feed %q is not an http(s) URL", feed))
		}
	}
	if len(problems) > 0 {
		return models.Invalid(problems...)
	}
	return models.Valid()
}

// ConfigSchema implements Collector.
func (c *RSSCollector) ConfigSchema() Schema {
	return objectSchema("rss", "RSS 2.0 or Atom feeds filtered by publish date", []string{"feeds"},
		map[string]SchemaProperty{
			"feeds": {Type: "string", Description: "comma separated feed URLs"},
		})
}

// TestConnection implements Collector by fetching the first feed.
func (c *RSSCollector) TestConnection(ctx context.Context, cfg models.SourceConfig) (bool, error) {
	feeds := feedList(cfg)
	if len(feeds) == 0 {
		return false, errs.New(errs.Validation, "no feeds configured")
	}
	if _, err := c.fetchFeed(ctx, feeds[0]); err != nil {
		return false, err
	}
	return true, nil
}

// Collect implements Collector. A failing feed is logged and skipped; the
// collection fails only when every feed fails.
func (c *RSSCollector) Collect(ctx context.Context, cfg models.SourceConfig, tr models.TimeRange) (*models.CollectedBatch, error) {
	feeds := feedList(cfg)
	records := []models.Record{}
	var lastErr error
	failed := 0

	for _, feedURL := range feeds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		items, err := c.fetchFeed(ctx, feedURL)
		if err != nil {
			failed++
			lastErr = err
			c.logger.Error("failed to fetch feed", "source", cfg.Name, "url", feedURL, "error", err)
			continue
		}

		kept := 0
		for _, item := range items {
			published, ok := parsePubDate(item.published)
			if !ok || !tr.Contains(published) {
				continue
			}
			records = append(records, item.toRecord(feedURL, published))
			kept++
		}

		c.logger.Debug("fetched feed",
			"source", cfg.Name,
			"url", feedURL,
			"items", len(items),
			"in_range", kept,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	if failed > 0 && failed == len(feeds) {
		return nil, fmt.Errorf("all %d feeds failed: %w", failed, lastErr)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})

	return &models.CollectedBatch{
		Source:      cfg.Name,
		Type:        c.Type(),
		TimeRange:   tr,
		Records:     records,
		CollectedAt: time.Now(),
	}, nil
}

func (c *RSSCollector) fetchFeed(ctx context.Context, feedURL string) ([]feedItem, error) {
	body, err := c.fetchFeedWithHTTP(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	return parseFeed(body)
}

// parseFeed tries RSS 2.0 first, then Atom.
func parseFeed(body []byte) ([]feedItem, error) {
	var rss rssDocument
	rssErr := xml.Unmarshal(body, &rss)
	if rssErr == nil {
		items := make([]feedItem, 0, len(rss.Channel.Items))
		for _, it := range rss.Channel.Items {
			author := it.Author
			if author == "" {
				author = it.Creator
			}
			link := strings.TrimSpace(it.Link)
			if link == "" {
				link = strings.TrimSpace(it.GUID)
			}
			items = append(items, feedItem{
				id:        strings.TrimSpace(it.GUID),
				title:     cleanText(it.Title),
				link:      link,
				content:   cleanText(it.Description),
				author:    strings.TrimSpace(author),
				category:  strings.TrimSpace(it.Category),
				published: strings.TrimSpace(it.PubDate),
			})
		}
		return items, nil
	}

	var atom atomFeed
	atomErr := xml.Unmarshal(body, &atom)
	if atomErr != nil {
		return nil, errs.Wrap(errs.Processing, atomErr, "failed to parse as RSS (error: %v) or Atom (error: %v)", rssErr, atomErr)
	}

	items := make([]feedItem, 0, len(atom.Entries))
	for _, e := range atom.Entries {
		content := e.Content
		if strings.TrimSpace(content) == "" {
			content = e.Summary
		}
		published := e.Published
		if published == "" {
			published = e.Updated
		}
		items = append(items, feedItem{
			id:        strings.TrimSpace(e.ID),
			title:     cleanText(e.Title),
			link:      strings.TrimSpace(e.Link.Href),
			content:   cleanText(content),
			author:    strings.TrimSpace(e.Author.Name),
			published: strings.TrimSpace(published),
		})
	}
	return items, nil
}

func (it feedItem) toRecord(feedURL string, published time.Time) models.Record {
	id := it.id
	if id == "" {
		id = hashString(it.link + it.title)
	}
	md := map[string]string{"feed_url": feedURL}
	if it.category != "" {
		md["category"] = it.category
	}
	return models.Record{
		ID:        id,
		Kind:      "feed_item",
		Author:    it.author,
		Title:     it.title,
		Body:      it.content,
		URL:       it.link,
		Timestamp: published,
		Metadata:  md,
	}
}

func feedList(cfg models.SourceConfig) []string {
	raw := cfg.Setting("feeds", "")
	if raw == "" {
		return nil
	}
	var feeds []string
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			feeds = append(feeds, f)
		}
	}
	return feeds
}

// parsePubDate attempts to parse RSS pubDate and Atom date formats.
func parsePubDate(dateStr string) (time.Time, bool) {
	if dateStr == "" {
		return time.Time{}, false
	}

	formats := []string{
		time.RFC3339,
		time.RFC1123Z,
		time.RFC1123,
		time.RFC822Z,
		time.RFC822,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04:05 MST",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, dateStr); err == nil {
			return t, true
		}
	}

	if t, err := time.ParseInLocation("2006-01-02 15:04:05", dateStr, time.UTC); err == nil {
		return t, true
	}

	return time.Time{}, false
}

// cleanText removes HTML tags and extra whitespace.
func cleanText(text string) string {
	for _, tag := range []string{"<p>", "</p>", "<br>", "<br/>", "<br />"} {
		text = strings.ReplaceAll(text, tag, "\n")
	}

	for {
		start := strings.Index(text, "<")
		if start == -1 {
			break
		}
		end := strings.Index(text[start:], ">")
		if end == -1 {
			break
		}
		text = text[:start] + text[start+end+1:]
	}

	text = strings.TrimSpace(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}

	return text
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

func (c *RSSCollector) fetchFeedWithHTTP(ctx context.Context, feedURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, err, "failed to create request: %v", err)
	}
	req.Header.Set("User-Agent", "digest-rss-collector/1.0")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.Connection, err, "http get failed: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errs.New(errs.RateLimit, "feed %s returned 429", feedURL)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errs.New(errs.Authentication, "feed %s returned %d", feedURL, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, errs.New(errs.Connection, "feed %s returned %d", feedURL, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, errs.New(errs.Processing, "unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, errs.Wrap(errs.Connection, err, "failed to read body: %v", err)
	}

	return body, nil
}
