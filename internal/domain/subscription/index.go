package subscription

import (
	"slices"
)

// Demand is the aggregate signal derived from the index. It is comparable
// so callers can detect changes with ==.
type Demand struct {
	HasPCM               bool
	HasTranscriptionLike bool
	LocationRate         LocationRate
}

// HasMedia reports whether any audio derived stream is wanted
func (d Demand) HasMedia() bool {
	return d.HasPCM || d.HasTranscriptionLike
}

// Index maps every topic to the set of packages subscribed to it. Demand is
// always recomputed from set sizes, so one app's churn can never erase
// another app's interest. Not safe for concurrent use; the owning manager
// serializes access.
type Index struct {
	topics map[Subscription]map[string]struct{}
}

// NewIndex creates an empty index
func NewIndex() *Index {
	return &Index{topics: make(map[Subscription]map[string]struct{})}
}

// ApplyDelta removes pkg from every topic in removed and adds it to every
// topic in added. Repeating a delta is a no-op.
func (x *Index) ApplyDelta(pkg string, removed, added []Subscription) {
	for _, sub := range removed {
		members, ok := x.topics[sub]
		if !ok {
			continue
		}
		delete(members, pkg)
		if len(members) == 0 {
			delete(x.topics, sub)
		}
	}
	for _, sub := range added {
		members, ok := x.topics[sub]
		if !ok {
			members = make(map[string]struct{})
			x.topics[sub] = members
		}
		members[pkg] = struct{}{}
	}
}

// RemovePackage drops pkg from every topic.
func (x *Index) RemovePackage(pkg string) {
	for sub, members := range x.topics {
		delete(members, pkg)
		if len(members) == 0 {
			delete(x.topics, sub)
		}
	}
}

// HasSubscribers reports whether any package wants topic. AnyLocation
// matches location subscribers of every rate.
func (x *Index) HasSubscribers(topic Subscription) bool {
	for _, key := range x.keys(topic) {
		if len(x.topics[key]) > 0 {
			return true
		}
	}
	return false
}

// SubscribersOf returns the sorted packages subscribed to topic.
func (x *Index) SubscribersOf(topic Subscription) []string {
	keys := x.keys(topic)
	if len(keys) == 1 {
		return sortedMembers(x.topics[keys[0]])
	}

	union := make(map[string]struct{})
	for _, key := range keys {
		for pkg := range x.topics[key] {
			union[pkg] = struct{}{}
		}
	}
	return sortedMembers(union)
}

func (x *Index) keys(topic Subscription) []Subscription {
	if topic.Kind() == KindLocation && topic.Rate == RateOff {
		return []Subscription{
			{Stream: LocationStream, Rate: RateSlow},
			{Stream: LocationStream, Rate: RateFast},
		}
	}
	return []Subscription{topic}
}

// Demand derives the aggregate signals from the current sets.
func (x *Index) Demand() Demand {
	var d Demand
	for sub, members := range x.topics {
		if len(members) == 0 {
			continue
		}
		switch sub.Kind() {
		case KindLanguage:
			d.HasTranscriptionLike = true
		case KindLocation:
			if sub.Rate > d.LocationRate {
				d.LocationRate = sub.Rate
			}
		default:
			if sub.Stream == AudioChunk {
				d.HasPCM = true
			}
		}
	}
	return d
}

// LanguageStreams returns the active transcription and translation topics,
// sorted by canonical form.
func (x *Index) LanguageStreams() []Subscription {
	var out []Subscription
	for sub, members := range x.topics {
		if sub.Kind() == KindLanguage && len(members) > 0 {
			out = append(out, sub)
		}
	}
	sortSubs(out)
	return out
}

// Topics returns every topic with at least one subscriber
func (x *Index) Topics() []Subscription {
	out := make([]Subscription, 0, len(x.topics))
	for sub := range x.topics {
		out = append(out, sub)
	}
	sortSubs(out)
	return out
}

// Clear empties the index
func (x *Index) Clear() {
	clear(x.topics)
}

func sortedMembers(members map[string]struct{}) []string {
	if len(members) == 0 {
		return nil
	}
	out := make([]string, 0, len(members))
	for pkg := range members {
		out = append(out, pkg)
	}
	slices.Sort(out)
	return out
}
