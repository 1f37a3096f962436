package scoring

import (
	"socialwatch/internal/models"
)

// Engagement classes returned by Classify.
const (
	ClassLow     = "low"
	ClassAverage = "average"
	ClassHigh    = "high"
	ClassViral   = "viral"
)

// Trend directions returned by Trend.
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

// stabilityBand is the relative delta under which a series counts as flat.
const stabilityBand = 0.05

// Score maps raw engagement counts to [0,100]. Shares and comments carry
// more weight than likes; negative counts are clamped to zero.
func Score(item models.ContentItem) int {
	e := models.ClampEngagement(item.Engagement)
	raw := e.Likes + 2*e.Shares + 3*e.Comments
	if raw > 100 {
		return 100
	}
	return raw
}

// Classify buckets a score. The viral boundary is closed: exactly 80
// classifies as viral.
func Classify(score int) string {
	switch {
	case score < 30:
		return ClassLow
	case score < 60:
		return ClassAverage
	case score < 80:
		return ClassHigh
	default:
		return ClassViral
	}
}

// Trend splits the series at its midpoint and compares half means. A
// relative delta under 5% is stable; otherwise the sign of the change
// gives the direction. Series shorter than two points are stable.
func Trend(history []float64) string {
	if len(history) < 2 {
		return TrendStable
	}
	mid := len(history) / 2
	first := mean(history[:mid])
	second := mean(history[mid:])

	if first == 0 {
		if second == 0 {
			return TrendStable
		}
		return TrendIncreasing
	}
	delta := (second - first) / first
	if delta > -stabilityBand && delta < stabilityBand {
		return TrendStable
	}
	if delta > 0 {
		return TrendIncreasing
	}
	return TrendDecreasing
}

// TrendAssessment maps a raw direction to improving/degrading/stable for
// the caller's metric orientation. Pass improvingIsLower=true for
// response-time-style series.
func TrendAssessment(history []float64, improvingIsLower bool) string {
	switch Trend(history) {
	case TrendStable:
		return "stable"
	case TrendIncreasing:
		if improvingIsLower {
			return "degrading"
		}
		return "improving"
	default:
		if improvingIsLower {
			return "improving"
		}
		return "degrading"
	}
}

// DropPercentage returns how far current sits below baseline, in percent.
// Zero when there is no drop or no baseline.
func DropPercentage(baseline, current float64) float64 {
	if baseline <= 0 || current >= baseline {
		return 0
	}
	return (baseline - current) / baseline * 100
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
