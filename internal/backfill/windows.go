package backfill

import "time"

// Window is one bounded slice of the historical range. The event history
// API is rate-limited upstream, so requests are always windowed.
type Window struct {
	Start time.Time
	End   time.Time
}

// Windows splits [start, end) into consecutive chunks of at most size,
// oldest first. The final window is partial when the range does not divide
// evenly: 30 days at 7-day windows yields 4 full windows and 1 partial.
func Windows(start, end time.Time, size time.Duration) []Window {
	if !start.Before(end) || size <= 0 {
		return nil
	}
	var out []Window
	for cur := start; cur.Before(end); cur = cur.Add(size) {
		w := Window{Start: cur, End: cur.Add(size)}
		if w.End.After(end) {
			w.End = end
		}
		out = append(out, w)
	}
	return out
}
