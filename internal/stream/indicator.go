package stream

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Indicator is a human-readable rendering of a Status.
type Indicator struct {
	Label  string `json:"label"`
	Stale  bool   `json:"stale"`
	Detail string `json:"detail,omitempty"`
}

func (i Indicator) String() string {
	if i.Detail == "" {
		return i.Label
	}
	return i.Label + " (" + i.Detail + ")"
}

var stateLabels = map[State]string{
	StateIdle:       "idle",
	StateConnecting: "connecting",
	StateOpen:       "online",
	StateError:      "offline",
	StateClosed:     "closed",
}

// Describe renders st as of now. An open connection with no event for
// staleAfter is labelled stale.
func Describe(st Status, now time.Time, staleAfter time.Duration) Indicator {
	ind := Indicator{Label: stateLabels[st.State]}
	if ind.Label == "" {
		ind.Label = string(st.State)
	}
	if st.Stale(now, staleAfter) {
		ind.Label = "stale"
		ind.Stale = true
	}

	switch {
	case st.State == StateError && st.RetryIn > 0:
		ind.Detail = fmt.Sprintf("retry in %dms", st.RetryIn.Milliseconds())
	case st.Last != nil:
		ind.Detail = "last event " + humanize.RelTime(st.Last.Time, now, "ago", "from now")
	case st.State == StateOpen:
		ind.Detail = "no events since " + humanize.RelTime(st.Changed, now, "ago", "from now")
	}
	return ind
}
