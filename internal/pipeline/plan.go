// Package pipeline plans reviewer records into batches and drives them through
// profile resolution, one browser session per batch.
package pipeline

import "github.com/shpitdev/reviewer-profile-enricher/internal/enrich"

const (
	DefaultWorkers  = 3
	DefaultMinBatch = 5
)

// Batch is a contiguous run of records resolved under one session.
type Batch struct {
	ID int
	// Start is the dataset position of Records[0].
	Start   int
	Records []enrich.Record
}

// Len returns the number of records in the batch.
func (b Batch) Len() int { return len(b.Records) }

// BatchSize returns max(minBatch, n/workers). Non-positive workers and minBatch
// take their defaults.
func BatchSize(n, workers, minBatch int) int {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if minBatch <= 0 {
		minBatch = DefaultMinBatch
	}
	return max(minBatch, n/workers)
}

// PlanBatches splits records into contiguous batches of BatchSize, preserving
// order. The last batch holds the remainder. Zero records yield no batches.
func PlanBatches(records []enrich.Record, workers, minBatch int) []Batch {
	n := len(records)
	if n == 0 {
		return nil
	}
	size := BatchSize(n, workers, minBatch)
	batches := make([]Batch, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		batches = append(batches, Batch{
			ID:      len(batches),
			Start:   start,
			Records: records[start:end:end],
		})
	}
	return batches
}
