package scoring

import (
	"testing"

	"socialwatch/internal/models"
)

func item(likes, shares, comments int) models.ContentItem {
	return models.ContentItem{Engagement: models.Engagement{Likes: likes, Shares: shares, Comments: comments}}
}

func TestScoreWeightsAndCap(t *testing.T) {
	if got := Score(item(10, 5, 5)); got != 35 {
		t.Fatalf("expected 35 got %d", got)
	}
	// 100 + 50 + 135 caps at 100.
	if got := Score(item(100, 25, 45)); got != 100 {
		t.Fatalf("expected cap at 100 got %d", got)
	}
	if got := Score(item(0, 0, 0)); got != 0 {
		t.Fatalf("expected 0 got %d", got)
	}
}

func TestScoreClampsNegativeCounts(t *testing.T) {
	if got := Score(item(-10, -5, 3)); got != 9 {
		t.Fatalf("expected clamped score 9 got %d", got)
	}
}

func TestScoreMonotonicInComments(t *testing.T) {
	prev := -1
	for comments := 0; comments <= 40; comments++ {
		s := Score(item(7, 3, comments))
		if s < prev {
			t.Fatalf("score decreased at comments=%d: %d < %d", comments, s, prev)
		}
		prev = s
	}
}

func TestClassifyBoundaries(t *testing.T) {
	cases := []struct {
		score int
		want  string
	}{
		{0, ClassLow},
		{29, ClassLow},
		{30, ClassAverage},
		{59, ClassAverage},
		{60, ClassHigh},
		{79, ClassHigh},
		{80, ClassViral},
		{100, ClassViral},
	}
	for _, c := range cases {
		if got := Classify(c.score); got != c.want {
			t.Fatalf("Classify(%d) = %s, want %s", c.score, got, c.want)
		}
	}
}

func TestTrendFlatSeriesIsStable(t *testing.T) {
	if got := Trend([]float64{42, 42, 42, 42, 42, 42}); got != TrendStable {
		t.Fatalf("expected stable got %s", got)
	}
}

func TestTrendDetectsDrop(t *testing.T) {
	got := Trend([]float64{100, 100, 100, 50, 50, 50})
	if got != TrendDecreasing {
		t.Fatalf("expected decreasing got %s", got)
	}
	// Lower-is-better orientation: the same drop is an improvement.
	if a := TrendAssessment([]float64{100, 100, 100, 50, 50, 50}, true); a != "improving" {
		t.Fatalf("expected improving got %s", a)
	}
}

func TestTrendSmallDeltaIsStable(t *testing.T) {
	if got := Trend([]float64{100, 100, 102, 102}); got != TrendStable {
		t.Fatalf("expected stable for 2%% delta got %s", got)
	}
}

func TestTrendShortSeries(t *testing.T) {
	if got := Trend([]float64{7}); got != TrendStable {
		t.Fatalf("expected stable for single point got %s", got)
	}
	if got := Trend(nil); got != TrendStable {
		t.Fatalf("expected stable for empty series got %s", got)
	}
}

func TestDropPercentage(t *testing.T) {
	if got := DropPercentage(200, 50); got != 75 {
		t.Fatalf("expected 75 got %v", got)
	}
	if got := DropPercentage(100, 120); got != 0 {
		t.Fatalf("expected 0 for growth got %v", got)
	}
	if got := DropPercentage(0, 10); got != 0 {
		t.Fatalf("expected 0 for empty baseline got %v", got)
	}
}
