// Package scroll records how far a visitor scrolled, per time scope.
package scroll

// Offset is a viewport scroll offset in pixels.
type Offset struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Extent is the range of offsets observed within a scope.
type Extent struct {
	MinX float64 `json:"min_x"`
	MaxX float64 `json:"max_x"`
	MinY float64 `json:"min_y"`
	MaxY float64 `json:"max_y"`
}

// Contains reports whether o lies within the extent on both axes.
func (e Extent) Contains(o Offset) bool {
	return e.MinX <= o.X && o.X <= e.MaxX && e.MinY <= o.Y && o.Y <= e.MaxY
}

// Scope selects which extent an operation applies to.
type Scope int

const (
	// SincePing is reset every time a ping is emitted.
	SincePing Scope = iota
	// SinceLoad is reset once, at install.
	SinceLoad
)

func (s Scope) String() string {
	switch s {
	case SincePing:
		return "since_ping"
	case SinceLoad:
		return "since_load"
	default:
		return "unknown"
	}
}

// Tracker holds one extent per scope.
type Tracker struct {
	extents [2]Extent
}

// Reset collapses the scope's extent onto o.
func (t *Tracker) Reset(scope Scope, o Offset) {
	t.extents[scope] = Extent{MinX: o.X, MaxX: o.X, MinY: o.Y, MaxY: o.Y}
}

// Update widens the scope's extent to include o. Each axis moves at most one
// bound per sample, and a new minimum takes precedence.
func (t *Tracker) Update(scope Scope, o Offset) {
	e := &t.extents[scope]

	if o.X < e.MinX {
		e.MinX = o.X
	} else if o.X > e.MaxX {
		e.MaxX = o.X
	}

	if o.Y < e.MinY {
		e.MinY = o.Y
	} else if o.Y > e.MaxY {
		e.MaxY = o.Y
	}
}

// Extent returns the scope's current extent.
func (t *Tracker) Extent(scope Scope) Extent {
	return t.extents[scope]
}
