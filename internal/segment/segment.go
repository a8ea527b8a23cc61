// Package segment maps named audience segments to recipient sets using
// engagement recency.
package segment

import "time"

// EngagementWindow separates active from inactive subscribers.
const EngagementWindow = 30 * 24 * time.Hour

// Subscriber is the slice of a subscriber record the dispatch engine
// needs: where to send and how recently they engaged.
type Subscriber struct {
	Email         string
	Name          string
	LastEngagedAt *time.Time // nil = never engaged
}

// Resolve filters subscribers by segment name. "active" keeps subscribers
// engaged within the trailing window, "inactive" keeps the rest (including
// never-engaged). Any other segment name applies no filter.
func Resolve(name string, subs []Subscriber, now time.Time) []Subscriber {
	cutoff := now.Add(-EngagementWindow)

	switch name {
	case "active":
		out := make([]Subscriber, 0, len(subs))
		for _, s := range subs {
			if s.LastEngagedAt != nil && s.LastEngagedAt.After(cutoff) {
				out = append(out, s)
			}
		}
		return out
	case "inactive":
		out := make([]Subscriber, 0, len(subs))
		for _, s := range subs {
			if s.LastEngagedAt == nil || !s.LastEngagedAt.After(cutoff) {
				out = append(out, s)
			}
		}
		return out
	default:
		return subs
	}
}
