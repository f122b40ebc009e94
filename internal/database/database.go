package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/vincentbai/pageping/internal/models"
)

// ErrNotFound is returned when a page view has no pings.
var ErrNotFound = errors.New("page view not found")

// Store persists page pings on the collector side.
type Store interface {
	InsertPings(ctx context.Context, pings []models.PagePing) error
	Summarize(ctx context.Context, pageViewID string) (*models.VisitSummary, error)
	Ping(ctx context.Context) error
	Close() error
}

// ValidationError marks a ping the store refused without touching the database.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid ping: " + e.Reason
}

// ValidatePing checks a ping before it is stored.
func ValidatePing(ping models.PagePing) error {
	if ping.URL == "" {
		return &ValidationError{"URL cannot be empty"}
	}
	if ping.TSUTC <= 0 {
		return &ValidationError{"timestamp must be positive"}
	}
	if ping.MinXOffset > ping.MaxXOffset || ping.MinYOffset > ping.MaxYOffset {
		return &ValidationError{"scroll extent is inverted"}
	}
	if e := ping.Engagement; e != nil {
		if e.LoadMinXOffset > e.LoadMaxXOffset || e.LoadMinYOffset > e.LoadMaxYOffset {
			return &ValidationError{"load scroll extent is inverted"}
		}
		if e.EngagedSeconds < 0 {
			return &ValidationError{"engaged seconds cannot be negative"}
		}
	}
	return nil
}

func validateAll(pings []models.PagePing) error {
	for i, ping := range pings {
		if err := ValidatePing(ping); err != nil {
			return fmt.Errorf("ping %d: %w", i, err)
		}
	}
	return nil
}

// row flattens a ping into column order shared by both stores.
func row(ping models.PagePing, contextJSON string) []any {
	var (
		loadMinX, loadMaxX, loadMinY, loadMaxY, x, y any
		pageViewID, pageLoad, engaged              any
	)
	if e := ping.Engagement; e != nil {
		loadMinX, loadMaxX, loadMinY, loadMaxY = e.LoadMinXOffset, e.LoadMaxXOffset, e.LoadMinYOffset, e.LoadMaxYOffset
		x, y = e.XOffset, e.YOffset
		pageViewID, pageLoad, engaged = e.PageViewID, e.PageLoadTime, e.EngagedSeconds
	}
	return []any{
		ping.TSUTC, ping.URL, ping.Title, ping.ReferrerURL,
		ping.MinXOffset, ping.MaxXOffset, ping.MinYOffset, ping.MaxYOffset,
		loadMinX, loadMaxX, loadMinY, loadMaxY, x, y,
		pageViewID, pageLoad, engaged,
		contextJSON,
	}
}
