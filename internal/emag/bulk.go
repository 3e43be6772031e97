package emag

import (
	"context"
	"fmt"
	"time"
)

// DefaultChunkSize is the upstream's documented per-request entity cap
// for bulk save endpoints.
const DefaultChunkSize = 50

// BulkOptions configures a SendBulk call.
type BulkOptions[T any] struct {
	ChunkSize int
	// Delay is inserted between chunks so sustained pushes stay under
	// the per-minute quota.
	Delay time.Duration
	// Validate, when set, filters items before chunking. Invalid items
	// are counted and excluded, never sent.
	Validate func(T) error
}

// ChunkResult records the outcome of one chunk submission.
type ChunkResult struct {
	Index int
	Size  int
	Err   error
}

// BulkReport aggregates a SendBulk call for caller-level reporting.
type BulkReport struct {
	Submitted int
	Invalid   int
	Failed    int
	Errors    []string
	Chunks    []ChunkResult
}

// SendBulk splits items into fixed-size chunks and invokes op once per
// chunk, sequentially. A chunk failure is recorded against all items in
// that chunk and does not stop later chunks. The only hard error is
// context cancellation between chunks.
func SendBulk[T any](ctx context.Context, items []T, op func(context.Context, []T) error, opts BulkOptions[T]) (*BulkReport, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}

	report := &BulkReport{}

	valid := items
	if opts.Validate != nil {
		valid = make([]T, 0, len(items))
		for i, item := range items {
			if err := opts.Validate(item); err != nil {
				report.Invalid++
				report.Errors = append(report.Errors, fmt.Sprintf("item %d: %v", i, err))
				continue
			}
			valid = append(valid, item)
		}
	}

	for start, idx := 0, 0; start < len(valid); start, idx = start+opts.ChunkSize, idx+1 {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if idx > 0 && opts.Delay > 0 {
			if err := sleepContext(ctx, opts.Delay); err != nil {
				return report, err
			}
		}

		end := start + opts.ChunkSize
		if end > len(valid) {
			end = len(valid)
		}
		chunk := valid[start:end]

		err := op(ctx, chunk)
		report.Chunks = append(report.Chunks, ChunkResult{Index: idx, Size: len(chunk), Err: err})
		if err != nil {
			report.Failed += len(chunk)
			report.Errors = append(report.Errors, fmt.Sprintf("chunk %d (%d items): %v", idx, len(chunk), err))
			continue
		}
		report.Submitted += len(chunk)
	}
	return report, nil
}
