package queue

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/vincentbai/pageping/internal/database"
	"github.com/vincentbai/pageping/internal/models"
	"github.com/vincentbai/pageping/internal/monitoring"
)

// Popper is the read side of a queue.
type Popper interface {
	Pop(ctx context.Context) (models.PagePing, error)
}

// Inserter stores drained pings.
type Inserter interface {
	InsertPings(ctx context.Context, pings []models.PagePing) error
}

// Drainer moves queued pings into a store in batches.
type Drainer struct {
	queue     Popper
	store     Inserter
	interval  time.Duration
	batchSize int
	metrics   *monitoring.Metrics
	logger    *zap.Logger
}

func NewDrainer(q Popper, store Inserter, interval time.Duration, batchSize int, m *monitoring.Metrics, l *zap.Logger) *Drainer {
	if batchSize <= 0 {
		batchSize = 100
	}
	if l == nil {
		l = zap.NewNop()
	}
	return &Drainer{
		queue:     q,
		store:     store,
		interval:  interval,
		batchSize: batchSize,
		metrics:   m,
		logger:    l,
	}
}

// Run drains until ctx is cancelled.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n, err := d.DrainOnce(ctx)
				if err != nil {
					d.logger.Error("failed to drain ping queue", zap.Error(err))
					break
				}
				if n < d.batchSize {
					break
				}
			}
		}
	}
}

// DrainOnce pops up to one batch and stores it. It returns the number of
// pings stored.
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	batch := make([]models.PagePing, 0, d.batchSize)
	for len(batch) < d.batchSize {
		ping, err := d.queue.Pop(ctx)
		if errors.Is(err, ErrEmpty) {
			break
		}
		if errors.Is(err, ErrMalformed) {
			d.logger.Warn("dropping queued ping", zap.Error(err))
			d.metrics.AddCollectorPings("rejected", 1)
			continue
		}
		if err != nil {
			// pings already popped are still stored below
			d.logger.Error("failed to pop queued ping", zap.Error(err))
			break
		}
		batch = append(batch, ping)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	err := d.store.InsertPings(ctx, batch)
	var vErr *database.ValidationError
	if errors.As(err, &vErr) {
		// the batch was rolled back; store the valid pings on their own
		return d.insertEach(ctx, batch)
	}
	if err != nil {
		d.metrics.AddCollectorPings("failed", len(batch))
		return 0, err
	}
	d.metrics.AddCollectorPings("stored", len(batch))
	d.logger.Debug("drained queued pings", zap.Int("count", len(batch)))
	return len(batch), nil
}

// insertEach stores pings one at a time, dropping those the store rejects.
// It reports how many pings were consumed from the batch.
func (d *Drainer) insertEach(ctx context.Context, batch []models.PagePing) (int, error) {
	for i, ping := range batch {
		err := d.store.InsertPings(ctx, []models.PagePing{ping})
		var vErr *database.ValidationError
		switch {
		case errors.As(err, &vErr):
			d.logger.Warn("dropping invalid queued ping", zap.String("url", ping.URL), zap.Error(err))
			d.metrics.AddCollectorPings("rejected", 1)
		case err != nil:
			d.metrics.AddCollectorPings("failed", len(batch)-i)
			return i, err
		default:
			d.metrics.AddCollectorPings("stored", 1)
		}
	}
	return len(batch), nil
}
