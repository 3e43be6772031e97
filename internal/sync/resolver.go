package sync

import "github.com/ioko18/magflow-erp-sub002/internal/types"

// ShouldOverwrite decides whether a freshly fetched upstream record
// replaces the existing local one. Pure and deterministic: identical
// inputs always yield the same verdict.
//
// NewestWins compares the upstream's reported modification time against
// the local record's last-known upstream modification time; the upstream
// wins only when strictly newer, and a missing timestamp on either side
// defaults to overwrite. Manual never overwrites; the caller flags the
// record for human review instead.
func ShouldOverwrite(local *types.RecordMeta, fresh types.Record, strategy types.Strategy) bool {
	switch strategy {
	case types.StrategyUpstreamPriority:
		return true
	case types.StrategyLocalPriority:
		return false
	case types.StrategyManual:
		return false
	case types.StrategyNewestWins:
		if local == nil || local.UpstreamModifiedAt == nil || fresh.ModifiedAt == nil {
			return true
		}
		return fresh.ModifiedAt.After(*local.UpstreamModifiedAt)
	}
	return false
}
