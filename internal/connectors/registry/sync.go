package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/open-sspm/open-spend/internal/costs"
)

// RunSync times importFn and folds its outcome into a SyncResult.
func RunSync(ctx context.Context, source string, importFn func(context.Context) ([]costs.ToolCost, error)) SyncResult {
	started := time.Now()
	records, err := importFn(ctx)
	finished := time.Now()

	result := SyncResult{
		Source:       source,
		SyncDuration: finished.Sub(started),
		SyncedAt:     finished.UTC(),
	}
	if err != nil {
		result.Err = fmt.Errorf("%s sync: %w", source, err)
		result.ToolCosts = []costs.ToolCost{}
		return result
	}
	if records == nil {
		records = []costs.ToolCost{}
	}
	result.Success = true
	result.ToolCosts = records
	result.ItemsImported = len(records)
	return result
}
