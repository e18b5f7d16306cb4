package moderation

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type memberKey struct {
	GuildID int64
	UserID  int64
}

// SpamDetector keeps a sliding window of message times per member.
// Times must carry a monotonic reading (time.Now()) so wall clock jumps do
// not shrink or stretch the window.
type SpamDetector struct {
	windows *xsync.MapOf[memberKey, []time.Time]
}

func NewSpamDetector() *SpamDetector {
	return &SpamDetector{windows: xsync.NewMapOf[memberKey, []time.Time]()}
}

// Observe records a message at now. When the window reaches the threshold it
// returns the spam signal and clears the member's window.
func (d *SpamDetector) Observe(guildID, userID int64, now time.Time, p GuildPolicy) (Signal, bool) {
	if p.SpamThreshold <= 0 || p.SpamWindow <= 0 {
		return Signal{}, false
	}
	fired := false
	d.windows.Compute(memberKey{guildID, userID}, func(old []time.Time, _ bool) ([]time.Time, bool) {
		kept := prune(old, now, p.SpamWindow)
		kept = append(kept, now)
		if len(kept) >= p.SpamThreshold {
			fired = true
			return nil, true
		}
		return kept, false
	})
	if !fired {
		return Signal{}, false
	}
	return Signal{Category: "spam", Action: p.SpamAction, Source: SourceSpam}, true
}

// Len returns the number of timestamps currently held for a member.
func (d *SpamDetector) Len(guildID, userID int64) int {
	w, _ := d.windows.Load(memberKey{guildID, userID})
	return len(w)
}

// Sweep drops windows whose newest entry is older than maxWindow.
func (d *SpamDetector) Sweep(now time.Time, maxWindow time.Duration) int {
	var stale []memberKey
	d.windows.Range(func(k memberKey, w []time.Time) bool {
		if len(w) == 0 || now.Sub(w[len(w)-1]) > maxWindow {
			stale = append(stale, k)
		}
		return true
	})
	for _, k := range stale {
		d.windows.Compute(k, func(w []time.Time, loaded bool) ([]time.Time, bool) {
			if !loaded || len(w) == 0 || now.Sub(w[len(w)-1]) > maxWindow {
				return nil, true
			}
			return w, false
		})
	}
	return len(stale)
}

func prune(w []time.Time, now time.Time, window time.Duration) []time.Time {
	i := 0
	for i < len(w) && now.Sub(w[i]) > window {
		i++
	}
	// Copy so the slice stored in the map is never aliased by a concurrent reader.
	out := make([]time.Time, len(w)-i, len(w)-i+1)
	copy(out, w[i:])
	return out
}
