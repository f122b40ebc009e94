package models

import "time"

// PagePing is one "still here" signal for a page view.
type PagePing struct {
	TSUTC       int64  `json:"ts_utc"` // ms since epoch
	URL         string `json:"url"`
	Title       string `json:"title"`
	ReferrerURL string `json:"referrer"`

	// Scroll extent since the previous ping
	MinXOffset float64 `json:"pp_mix"`
	MaxXOffset float64 `json:"pp_max"`
	MinYOffset float64 `json:"pp_miy"`
	MaxYOffset float64 `json:"pp_may"`

	Engagement *Engagement    `json:"engagement,omitempty"` // nil for legacy pings
	Context    map[string]any `json:"context"`
}

// Engagement carries the fields a legacy ping omits.
type Engagement struct {
	LoadMinXOffset float64 `json:"pp_lmix"`
	LoadMaxXOffset float64 `json:"pp_lmax"`
	LoadMinYOffset float64 `json:"pp_lmiy"`
	LoadMaxYOffset float64 `json:"pp_lmay"`
	XOffset        float64 `json:"pp_x"`
	YOffset        float64 `json:"pp_y"`
	PageViewID     string  `json:"pv_id"`
	PageLoadTime   int64   `json:"pv_dtm"` // ms since epoch
	EngagedSeconds int     `json:"engaged_s"`
}

// Legacy reports whether the ping uses the reduced call shape.
func (p PagePing) Legacy() bool {
	return p.Engagement == nil
}

// Fields returns the ping in downstream call order. Legacy pings have 8
// fields, full pings 17.
func (p PagePing) Fields() []any {
	if p.Engagement == nil {
		return []any{
			p.URL, p.Title, p.ReferrerURL,
			p.MinXOffset, p.MaxXOffset, p.MinYOffset, p.MaxYOffset,
			p.Context,
		}
	}
	e := p.Engagement
	return []any{
		p.URL, p.Title, p.ReferrerURL,
		p.MinXOffset, p.MaxXOffset, p.MinYOffset, p.MaxYOffset,
		e.LoadMinXOffset, e.LoadMaxXOffset, e.LoadMinYOffset, e.LoadMaxYOffset,
		e.XOffset, e.YOffset,
		e.PageViewID, e.PageLoadTime, e.EngagedSeconds,
		p.Context,
	}
}

type Batch struct {
	Pings []PagePing `json:"pings"`
}

// VisitSummary is what the collector derives from the pings of one page view.
type VisitSummary struct {
	PageViewID        string    `json:"page_view_id"`
	URL               string    `json:"url"`
	Pings             int       `json:"pings"`
	FirstPingAt       time.Time `json:"first_ping_at"`
	LastPingAt        time.Time `json:"last_ping_at"`
	EngagedSeconds    int       `json:"engaged_seconds"`
	MaxScrollDepthX   float64   `json:"max_scroll_depth_x"`
	MaxScrollDepthY   float64   `json:"max_scroll_depth_y"`
	PageLoadTime      time.Time `json:"page_load_time"`
	VisitDurationSecs float64   `json:"visit_duration_seconds"` // last ping minus page load
}
