// Package sink delivers emitted page pings to wherever they are recorded.
// Every sink makes a single attempt per ping.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vincentbai/pageping/internal/models"
)

// HTTPSink posts each ping to a collector as a one-element batch.
type HTTPSink struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSink targets collectorURL + "/pings". A nil client gets a 5s timeout.
func NewHTTPSink(collectorURL string, client *http.Client) *HTTPSink {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPSink{
		endpoint: strings.TrimRight(collectorURL, "/") + "/pings",
		client:   client,
	}
}

func (s *HTTPSink) TrackPagePing(ctx context.Context, ping models.PagePing) error {
	body, err := json.Marshal(models.Batch{Pings: []models.PagePing{ping}})
	if err != nil {
		return fmt.Errorf("failed to encode ping: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post ping: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("collector returned %s", resp.Status)
	}
	return nil
}

// Pusher is the write side of the ping queue.
type Pusher interface {
	Push(ctx context.Context, ping models.PagePing) error
}

// QueueSink pushes pings onto a queue for the collector to drain.
type QueueSink struct {
	queue Pusher
}

func NewQueueSink(q Pusher) *QueueSink {
	return &QueueSink{queue: q}
}

func (s *QueueSink) TrackPagePing(ctx context.Context, ping models.PagePing) error {
	return s.queue.Push(ctx, ping)
}

// Inserter is the write side of a ping store.
type Inserter interface {
	InsertPings(ctx context.Context, pings []models.PagePing) error
}

// StoreSink writes pings straight into a store.
type StoreSink struct {
	store Inserter
}

func NewStoreSink(store Inserter) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) TrackPagePing(ctx context.Context, ping models.PagePing) error {
	return s.store.InsertPings(ctx, []models.PagePing{ping})
}

// LogSink logs pings and keeps nothing.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) TrackPagePing(_ context.Context, ping models.PagePing) error {
	fields := []zap.Field{
		zap.String("url", ping.URL),
		zap.Float64("min_y", ping.MinYOffset),
		zap.Float64("max_y", ping.MaxYOffset),
	}
	if e := ping.Engagement; e != nil {
		fields = append(fields,
			zap.String("page_view_id", e.PageViewID),
			zap.Int("engaged_seconds", e.EngagedSeconds),
		)
	}
	s.logger.Info("page ping", fields...)
	return nil
}
