package tracker

import (
	"context"

	"github.com/serieswatch/serieswatch-go/internal/datastore"
)

// ProbeOnce runs a single change probe synchronously, bypassing the queue.
// Used by the one-shot diagnostic command.
func (t *Tracker) ProbeOnce(ctx context.Context, asin string) (datastore.ResultMap, error) {
	return t.runProbe(ctx, asin)
}
