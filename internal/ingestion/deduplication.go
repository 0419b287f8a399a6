package ingestion

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/STRATINT/digest/internal/models"
)

var (
	whitespacePattern  = regexp.MustCompile(`\s+`)
	urlPattern         = regexp.MustCompile(`https?://[^\s]+`)
	mentionPattern     = regexp.MustCompile(`@\w+`)
	issueRefPattern    = regexp.MustCompile(`\(#\d+\)|#\d+`)
	punctuationPattern = regexp.MustCompile(`[.,!?;:"'` + "`" + `]+`)
	tokenPattern       = regexp.MustCompile(`\w+`)
)

// DefaultSimilarityThreshold is the title similarity above which two records
// by the same author are treated as the same piece of work.
const DefaultSimilarityThreshold = 0.85

// DeduplicationStats reports what a Deduplicator removed.
type DeduplicationStats struct {
	TotalProcessed int     `json:"total_processed"`
	Duplicates     int     `json:"duplicates"`
	Unique         int     `json:"unique"`
	DuplicateRate  float64 `json:"duplicate_rate"`
}

// Deduplicator drops records that were already seen in an earlier batch, such
// as a commit cherry-picked into two repositories or a feed item syndicated
// to two feeds. It is not safe for concurrent use.
type Deduplicator struct {
	threshold float64
	seen      map[string]struct{}
	byAuthor  map[string][]string
	stats     DeduplicationStats
}

// NewDeduplicator creates a deduplicator. A threshold outside (0, 1] disables
// near-duplicate matching and only exact fingerprints are removed.
func NewDeduplicator(threshold float64) *Deduplicator {
	return &Deduplicator{
		threshold: threshold,
		seen:      make(map[string]struct{}),
		byAuthor:  make(map[string][]string),
	}
}

// IsNew reports whether r has not been seen before.
func (d *Deduplicator) IsNew(r models.Record) bool {
	if _, ok := d.seen[ComputeRecordHash(r)]; ok {
		return false
	}
	if d.threshold <= 0 || d.threshold > 1 || r.Author == "" {
		return true
	}
	title := NormalizeContent(r.Title)
	for _, prev := range d.byAuthor[r.Author] {
		if jaccardSimilarity(title, prev) >= d.threshold {
			return false
		}
	}
	return true
}

// Mark records r as seen.
func (d *Deduplicator) Mark(r models.Record) {
	d.seen[ComputeRecordHash(r)] = struct{}{}
	if r.Author != "" {
		d.byAuthor[r.Author] = append(d.byAuthor[r.Author], NormalizeContent(r.Title))
	}
}

// Filter returns copies of batches without duplicate records. The first
// occurrence wins, so earlier batches keep their records. Input batches are
// not modified.
func (d *Deduplicator) Filter(batches []models.CollectedBatch) []models.CollectedBatch {
	out := make([]models.CollectedBatch, 0, len(batches))
	for _, batch := range batches {
		filtered := batch
		filtered.Records = make([]models.Record, 0, len(batch.Records))
		for _, r := range batch.Records {
			d.stats.TotalProcessed++
			if !d.IsNew(r) {
				d.stats.Duplicates++
				continue
			}
			d.Mark(r)
			filtered.Records = append(filtered.Records, r)
			d.stats.Unique++
		}
		out = append(out, filtered)
	}

	if d.stats.TotalProcessed > 0 {
		d.stats.DuplicateRate = float64(d.stats.Duplicates) / float64(d.stats.TotalProcessed)
	}
	return out
}

// Stats returns the counters accumulated by Filter.
func (d *Deduplicator) Stats() DeduplicationStats {
	return d.stats
}

// ComputeRecordHash fingerprints a record by kind, URL, author and normalized
// content. IDs are left out since the same change gets a different ID in
// every source it appears in.
func ComputeRecordHash(r models.Record) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s",
		r.Kind,
		r.URL,
		strings.ToLower(r.Author),
		NormalizeContent(r.Title),
		NormalizeContent(r.Body),
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// NormalizeContent standardizes text for comparison.
func NormalizeContent(content string) string {
	normalized := strings.ToLower(content)
	normalized = whitespacePattern.ReplaceAllString(normalized, " ")
	normalized = strings.TrimSpace(normalized)
	normalized = urlPattern.ReplaceAllString(normalized, "[URL]")
	normalized = mentionPattern.ReplaceAllString(normalized, "[MENTION]")
	normalized = issueRefPattern.ReplaceAllString(normalized, "")
	normalized = punctuationPattern.ReplaceAllString(normalized, "")
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(normalized, " "))
}

// jaccardSimilarity compares the word sets of two normalized strings.
func jaccardSimilarity(s1, s2 string) float64 {
	tokens1 := tokenPattern.FindAllString(s1, -1)
	tokens2 := tokenPattern.FindAllString(s2, -1)

	if len(tokens1) == 0 && len(tokens2) == 0 {
		return 1.0
	}
	if len(tokens1) == 0 || len(tokens2) == 0 {
		return 0.0
	}

	set1 := make(map[string]bool, len(tokens1))
	set2 := make(map[string]bool, len(tokens2))
	for _, token := range tokens1 {
		set1[token] = true
	}
	for _, token := range tokens2 {
		set2[token] = true
	}

	intersection := 0
	for token := range set1 {
		if set2[token] {
			intersection++
		}
	}

	union := len(set1) + len(set2) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}
