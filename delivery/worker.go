package delivery

import (
	"context"
	"time"

	"github.com/deemkeen/fedicore/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// finishedRetention is how long delivered and failed items are kept for inspection.
const finishedRetention = 7 * 24 * time.Hour

// Worker retries pending deliveries in the background.
type Worker struct {
	queue     *Queue
	interval  time.Duration
	batchSize int
	workers   int
	log       *zap.SugaredLogger
}

func NewWorker(queue *Queue, interval time.Duration, batchSize, workers int, log *zap.SugaredLogger) *Worker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if workers <= 0 {
		workers = 1
	}
	return &Worker{
		queue:     queue,
		interval:  interval,
		batchSize: batchSize,
		workers:   workers,
		log:       log,
	}
}

// Run processes the queue every interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.log.Infof("DeliveryWorker: Starting, interval %s", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	lastPurge := time.Now()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("DeliveryWorker: Stopped")
			return
		case <-ticker.C:
			if _, err := w.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
				w.log.Errorf("DeliveryWorker: Failed to process queue: %v", err)
			}
			if time.Since(lastPurge) > time.Hour {
				lastPurge = time.Now()
				if n, err := w.queue.Purge(ctx, lastPurge.Add(-finishedRetention)); err != nil {
					w.log.Warnf("DeliveryWorker: Failed to purge finished items: %v", err)
				} else if n > 0 {
					w.log.Infof("DeliveryWorker: Purged %d finished items", n)
				}
			}
		}
	}
}

// ProcessBatch attempts every due item once and returns how many were
// delivered. Items for the same inbox go in creation order; after a failure
// the rest of that inbox waits for the next batch.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	items, err := w.queue.repo.ReadPendingDeliveries(ctx, w.queue.now().UTC(), w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	w.log.Debugf("DeliveryWorker: Processing %d pending deliveries", len(items))

	groups := groupByInbox(items)
	delivered := make([]int, len(groups))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.workers)
	for i, group := range groups {
		g.Go(func() error {
			for j := range group {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if err := w.queue.attempt(gctx, &group[j]); err != nil {
					return nil
				}
				delivered[i]++
			}
			return nil
		})
	}
	err = g.Wait()

	total := 0
	for _, n := range delivered {
		total += n
	}
	return total, err
}

// groupByInbox splits items per inbox, keeping their order.
func groupByInbox(items []domain.DeliveryQueueItem) [][]domain.DeliveryQueueItem {
	index := make(map[string]int)
	var groups [][]domain.DeliveryQueueItem
	for _, item := range items {
		i, ok := index[item.TargetInboxURL]
		if !ok {
			i = len(groups)
			index[item.TargetInboxURL] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], item)
	}
	return groups
}
