package reindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/realmindex/internal/engine"
	"github.com/roach88/realmindex/internal/index"
	"github.com/roach88/realmindex/internal/ir"
	"github.com/roach88/realmindex/internal/queue"
)

// ViaQueue rebuilds a realm by publishing a whole-realm from-scratch job
// and waiting for its result. The queue's category timeout bounds the job;
// ctx bounds the wait.
func ViaQueue(p engine.Publisher) RebuildFunc {
	return func(ctx context.Context, realmURL string) (ir.Stats, error) {
		job, err := p.Publish(engine.CategoryFromScratch, engine.RebuildArgs{RealmURL: realmURL})
		if err != nil {
			return ir.Stats{}, fmt.Errorf("publish rebuild of %s: %w", realmURL, err)
		}
		raw, err := job.Wait(ctx)
		if err != nil {
			if isQueueTimeout(err) {
				return ir.Stats{}, &index.IndexError{
					Code:     index.ErrCodeJobTimeout,
					Message:  fmt.Sprintf("job %s timed out", job.ID),
					RealmURL: realmURL,
					Err:      err,
				}
			}
			return ir.Stats{}, err
		}
		var stats ir.Stats
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &stats); err != nil {
				return ir.Stats{}, fmt.Errorf("decode stats of job %s: %w", job.ID, err)
			}
		}
		return stats, nil
	}
}

func isQueueTimeout(err error) bool {
	var te *queue.TimeoutError
	if errors.As(err, &te) {
		return true
	}
	var je *queue.JobError
	return errors.As(err, &je) && je.Timeout
}
