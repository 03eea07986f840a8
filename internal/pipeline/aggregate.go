package pipeline

import (
	"sort"

	"github.com/shpitdev/reviewer-profile-enricher/internal/enrich"
)

// BatchResult is the outcome sequence for one batch.
type BatchResult struct {
	Batch    Batch
	Outcomes []enrich.Outcome
	// Err is the session failure that cut the batch short, if any.
	Err error
}

// fill pads outcomes with Error up to size and truncates anything beyond it.
func fill(outcomes []enrich.Outcome, size int) []enrich.Outcome {
	if len(outcomes) > size {
		return outcomes[:size]
	}
	for len(outcomes) < size {
		outcomes = append(outcomes, enrich.Failed())
	}
	return outcomes
}

// Aggregate concatenates batch results in batch order into a sequence of length
// n. Short batches are padded with Error; positions no batch covers stay Error.
func Aggregate(n int, results []BatchResult) []enrich.Outcome {
	sorted := make([]BatchResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Batch.ID < sorted[j].Batch.ID })

	out := make([]enrich.Outcome, n)
	for i := range out {
		out[i] = enrich.Failed()
	}
	for _, r := range sorted {
		for i, o := range fill(r.Outcomes, r.Batch.Len()) {
			if pos := r.Batch.Start + i; pos >= 0 && pos < n {
				out[pos] = o
			}
		}
	}
	return out
}

// Column serializes outcomes into profile column values.
func Column(outcomes []enrich.Outcome) []string {
	col := make([]string, len(outcomes))
	for i, o := range outcomes {
		col[i] = o.String()
	}
	return col
}

// Summary counts outcomes by kind.
type Summary struct {
	Rows          int
	Batches       int
	FailedBatches int
	Found         int
	NotFound      int
	Anonymous     int
	Errors        int
}

func summarize(outcomes []enrich.Outcome) Summary {
	s := Summary{Rows: len(outcomes)}
	for _, o := range outcomes {
		switch o.Kind {
		case enrich.KindFound:
			s.Found++
		case enrich.KindNotFound:
			s.NotFound++
		case enrich.KindAnonymous:
			s.Anonymous++
		default:
			s.Errors++
		}
	}
	return s
}
