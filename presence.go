package chatsync

import "slices"

// presenceTracker holds the last known online flag per user. Entries are
// created lazily and never removed.
type presenceTracker struct {
	online map[string]bool
}

func newPresenceTracker() *presenceTracker {
	return &presenceTracker{online: make(map[string]bool)}
}

// touch dedupes ids, creates missing entries as offline and returns the
// ids that should be queried.
func (p *presenceTracker) touch(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || slices.Contains(out, id) {
			continue
		}
		if _, ok := p.online[id]; !ok {
			p.online[id] = false
		}
		out = append(out, id)
	}
	return out
}

// apply upserts a batch and returns the entries whose value changed. An
// absent entry counts as offline.
func (p *presenceTracker) apply(batch []PresenceUpdate) []PresenceUpdate {
	var changed []PresenceUpdate
	for _, u := range batch {
		if u.UserID == "" {
			continue
		}
		if p.online[u.UserID] != u.IsOnline {
			changed = append(changed, u)
		}
		p.online[u.UserID] = u.IsOnline
	}
	return changed
}

func (p *presenceTracker) isOnline(userID string) bool {
	return p.online[userID]
}
