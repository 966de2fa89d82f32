package chat

import "time"

// SkewThreshold bounds how far a sender's clock may drift before the local arrival
// time is used for ordering instead.
const SkewThreshold = 6 * time.Hour

// SortKey returns the ordering key of m evaluated at now, in seconds.
func SortKey(m *Message, now time.Time) int64 {
	nowSec := now.Unix()
	if m.CreatedAt == 0 {
		return nowSec
	}
	diff := m.CreatedAt - nowSec
	if diff < 0 {
		diff = -diff
	}
	if diff > int64(SkewThreshold/time.Second) {
		if m.ReceivedAt.IsZero() {
			return nowSec
		}
		return m.ReceivedAt.Unix()
	}
	return m.CreatedAt
}

// Less is the total order of a room buffer: sort key, then id.
func Less(a, b *Message) bool {
	if a.sortKey != b.sortKey {
		return a.sortKey < b.sortKey
	}
	return a.ID < b.ID
}
