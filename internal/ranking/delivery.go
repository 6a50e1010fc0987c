package ranking

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// DeliveryBand maps deliveries taking at most MaxDays days to Score.
type DeliveryBand struct {
	MaxDays float64 `toml:"max_days" json:"max_days"`
	Score   float64 `toml:"score" json:"score"`
}

// DefaultDeliveryTable is used when no table is configured.
var DefaultDeliveryTable = []DeliveryBand{
	{MaxDays: 0, Score: 100},
	{MaxDays: 1, Score: 90},
	{MaxDays: 2, Score: 80},
	{MaxDays: 3, Score: 70},
	{MaxDays: 5, Score: 55},
	{MaxDays: 7, Score: 40},
	{MaxDays: 14, Score: 20},
}

// defaultTailScore applies beyond the last band.
const defaultTailScore = 5

// DeliveryTable is a sorted, validated duration-to-score table.
type DeliveryTable struct {
	bands []DeliveryBand
	tail  float64
}

// NewDeliveryTable validates bands. Scores must lie in [0,100] and must not
// increase as MaxDays grows.
func NewDeliveryTable(bands []DeliveryBand) (*DeliveryTable, error) {
	if len(bands) == 0 {
		bands = DefaultDeliveryTable
	}
	sorted := append([]DeliveryBand(nil), bands...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MaxDays < sorted[j].MaxDays })
	for i, b := range sorted {
		if b.MaxDays < 0 {
			return nil, fmt.Errorf("ranking: delivery band %d: negative max_days", i)
		}
		if b.Score < 0 || b.Score > 100 {
			return nil, fmt.Errorf("ranking: delivery band %d: score %.2f outside 0-100", i, b.Score)
		}
		if i > 0 && b.Score > sorted[i-1].Score {
			return nil, fmt.Errorf("ranking: delivery table must be non-increasing (%.1f days scores %.2f > %.2f)",
				b.MaxDays, b.Score, sorted[i-1].Score)
		}
	}
	tail := float64(defaultTailScore)
	if last := sorted[len(sorted)-1].Score; last < tail {
		tail = last
	}
	return &DeliveryTable{bands: sorted, tail: tail}, nil
}

// Score maps a number of days to a 0-100 score.
func (t *DeliveryTable) Score(days float64) float64 {
	for _, b := range t.bands {
		if days <= b.MaxDays {
			return b.Score
		}
	}
	return t.tail
}

var (
	numberRe = regexp.MustCompile(`\d+(?:\.\d+)?`)
	weekRe   = regexp.MustCompile(`\bweeks?\b|\bwks?\b`)
	monthRe  = regexp.MustCompile(`\bmonths?\b`)
	hourRe   = regexp.MustCompile(`\bhours?\b|\bhrs?\b`)
)

// ParseDeliveryDays converts a free-form delivery descriptor to a number of
// days. The largest number mentioned is used ("3-5 days" is 5). It reports
// false when the text carries no recognizable duration.
func ParseDeliveryDays(text string) (float64, bool) {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return 0, false
	}
	switch {
	case strings.Contains(t, "same day"), strings.Contains(t, "same-day"), strings.Contains(t, "today"):
		return 0, true
	case strings.Contains(t, "next day"), strings.Contains(t, "next-day"),
		strings.Contains(t, "tomorrow"), strings.Contains(t, "one day"), strings.Contains(t, "1-day"):
		return 1, true
	}

	matches := numberRe.FindAllString(t, -1)
	if len(matches) == 0 {
		return 0, false
	}
	maxN := 0.0
	for _, m := range matches {
		n, err := strconv.ParseFloat(m, 64)
		if err == nil && n > maxN {
			maxN = n
		}
	}
	switch {
	case hourRe.MatchString(t):
		return maxN / 24, true
	case weekRe.MatchString(t):
		return maxN * 7, true
	case monthRe.MatchString(t):
		return maxN * 30, true
	}
	return maxN, true
}
