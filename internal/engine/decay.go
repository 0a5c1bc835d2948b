package engine

import (
	"time"

	"github.com/sablewood/reverie/pkg/types"
)

// DefaultJournalExpiryDays is the journal decay window. A journal memory
// older than this is expired: still stored, excluded from active
// consideration, and only revivable by promotion before the boundary.
// Core memories never expire.
const DefaultJournalExpiryDays = 7

// ActiveJournal filters memories down to kept, non-expired journal entries.
func ActiveJournal(memories []*types.Memory, now time.Time, windowDays int) []*types.Memory {
	var active []*types.Memory
	for _, mem := range memories {
		if mem.Type != types.MemoryJournal || !mem.Kept() {
			continue
		}
		if mem.Expired(now, windowDays) {
			continue
		}
		active = append(active, mem)
	}
	return active
}

// ExpiredJournal filters memories down to kept journal entries past the
// expiry boundary. Used for operator reporting; expiry never deletes rows.
func ExpiredJournal(memories []*types.Memory, now time.Time, windowDays int) []*types.Memory {
	var expired []*types.Memory
	for _, mem := range memories {
		if mem.Type != types.MemoryJournal || !mem.Kept() {
			continue
		}
		if mem.Expired(now, windowDays) {
			expired = append(expired, mem)
		}
	}
	return expired
}
