package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vincentbai/pageping/internal/database"
	"github.com/vincentbai/pageping/internal/models"
	"github.com/vincentbai/pageping/internal/monitoring"
)

type fakeQueue struct {
	items []any // models.PagePing or error
}

func (f *fakeQueue) Pop(ctx context.Context) (models.PagePing, error) {
	if len(f.items) == 0 {
		return models.PagePing{}, ErrEmpty
	}
	item := f.items[0]
	f.items = f.items[1:]
	if err, ok := item.(error); ok {
		return models.PagePing{}, err
	}
	return item.(models.PagePing), nil
}

type fakeStore struct {
	batches  [][]models.PagePing
	err      error
	validate bool
}

// InsertPings is all or nothing, like the real stores.
func (f *fakeStore) InsertPings(ctx context.Context, pings []models.PagePing) error {
	if f.err != nil {
		return f.err
	}
	if f.validate {
		for _, p := range pings {
			if err := database.ValidatePing(p); err != nil {
				return err
			}
		}
	}
	f.batches = append(f.batches, pings)
	return nil
}

func ping(ts int64) models.PagePing {
	return models.PagePing{TSUTC: ts, URL: "https://example.com/"}
}

func TestNewDefaultsKey(t *testing.T) {
	assert.Equal(t, DefaultKey, New(nil, "").Key())
	assert.Equal(t, "custom", New(nil, "custom").Key())
}

func TestEncodeDecode(t *testing.T) {
	in := ping(1700000000000)
	in.Engagement = &models.Engagement{PageViewID: "pv-1", EngagedSeconds: 12}

	payload, err := Encode(in)
	require.NoError(t, err)
	assert.Contains(t, payload, `"pv_id":"pv-1"`)

	out, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode("{not json")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDrainOnceBatches(t *testing.T) {
	q := &fakeQueue{items: []any{ping(1), ping(2), ping(3)}}
	store := &fakeStore{}
	d := NewDrainer(q, store, time.Second, 2, nil, nil)

	n, err := d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	require.Len(t, store.batches, 2)
	assert.Equal(t, int64(3), store.batches[1][0].TSUTC)
}

func TestDrainOnceSkipsMalformed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := monitoring.NewMetrics(reg)
	q := &fakeQueue{items: []any{ping(1), ErrMalformed, ping(2)}}
	store := &fakeStore{}
	d := NewDrainer(q, store, time.Second, 10, m, nil)

	n, err := d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CollectorPings.WithLabelValues("rejected")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CollectorPings.WithLabelValues("stored")))
}

func TestDrainOnceStopsOnPopError(t *testing.T) {
	q := &fakeQueue{items: []any{ping(1), errors.New("connection refused"), ping(2)}}
	store := &fakeStore{}
	d := NewDrainer(q, store, time.Second, 10, nil, nil)

	n, err := d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, q.items, 1)
}

func TestDrainOnceStoreFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := monitoring.NewMetrics(reg)
	q := &fakeQueue{items: []any{ping(1), ping(2)}}
	store := &fakeStore{err: errors.New("disk full")}
	d := NewDrainer(q, store, time.Second, 10, m, nil)

	_, err := d.DrainOnce(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CollectorPings.WithLabelValues("failed")))
}

func TestDrainOnceKeepsValidPingsOnRejection(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := monitoring.NewMetrics(reg)
	bad := ping(2)
	bad.URL = ""
	q := &fakeQueue{items: []any{ping(1), bad, ping(3)}}
	store := &fakeStore{validate: true}
	d := NewDrainer(q, store, time.Second, 10, m, nil)

	n, err := d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var stored []int64
	for _, batch := range store.batches {
		for _, p := range batch {
			stored = append(stored, p.TSUTC)
		}
	}
	assert.Equal(t, []int64{1, 3}, stored)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CollectorPings.WithLabelValues("stored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CollectorPings.WithLabelValues("rejected")))
}

func TestRunStopsOnCancel(t *testing.T) {
	q := &fakeQueue{items: []any{ping(1)}}
	store := &fakeStore{}
	d := NewDrainer(q, store, 10*time.Millisecond, 10, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
