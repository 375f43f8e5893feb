package types

import (
	"fmt"
	"time"
)

// Window is a half-open time interval [Start, End)
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewWindow builds a UTC window and rejects start > end
func NewWindow(start, end time.Time) (Window, error) {
	if start.After(end) {
		return Window{}, fmt.Errorf("window start %s is after end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return Window{Start: start.UTC(), End: end.UTC()}, nil
}

// LookbackWindow returns [now - days, now)
func LookbackWindow(now time.Time, days int) Window {
	now = now.UTC()
	return Window{Start: now.AddDate(0, 0, -days), End: now}
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

func (w Window) IsEmpty() bool {
	return !w.Start.Before(w.End)
}

// Slices cuts the window into consecutive, non-overlapping sub-windows no longer than span.
// A non-positive span yields the window itself; an empty window yields nothing.
func (w Window) Slices(span time.Duration) []Window {
	if w.IsEmpty() {
		return nil
	}
	if span <= 0 || w.Duration() <= span {
		return []Window{w}
	}

	var slices []Window
	for start := w.Start; start.Before(w.End); start = start.Add(span) {
		end := start.Add(span)
		if end.After(w.End) {
			end = w.End
		}
		slices = append(slices, Window{Start: start, End: end})
	}
	return slices
}

func (w Window) String() string {
	return w.Start.UTC().Format(time.RFC3339) + "/" + w.End.UTC().Format(time.RFC3339)
}
