package offer

import (
	"sort"
	"sync"
)

// PreferenceAggregator maintains the conference's effective codec order
// across joiner cohorts using a Borda count: each ranked list
// contributes its positions as scores, lowest total wins. Codecs absent
// from any voter's list are filtered out entirely so visitors are never
// offered a codec someone cannot decode.
type PreferenceAggregator struct {
	mu    sync.Mutex
	votes map[string][]string
}

// NewPreferenceAggregator returns an empty aggregator.
func NewPreferenceAggregator() *PreferenceAggregator {
	return &PreferenceAggregator{votes: make(map[string][]string)}
}

// Vote records (or replaces) one participant's ranked preference.
// Empty preferences count as abstentions.
func (a *PreferenceAggregator) Vote(participant string, ranked []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(ranked) == 0 {
		delete(a.votes, participant)
		return
	}
	cp := make([]string, len(ranked))
	copy(cp, ranked)
	a.votes[participant] = cp
}

// Retract drops a participant's vote.
func (a *PreferenceAggregator) Retract(participant string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.votes, participant)
}

// Effective computes the aggregated order. Only codecs present in every
// vote survive; ties break on codec name for determinism.
func (a *PreferenceAggregator) Effective() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.votes) == 0 {
		return nil
	}

	scores := make(map[string]int)
	seenBy := make(map[string]int)
	for _, ranked := range a.votes {
		for pos, codec := range ranked {
			scores[codec] += pos + 1
			seenBy[codec]++
		}
	}

	out := make([]string, 0, len(scores))
	for codec, n := range seenBy {
		if n == len(a.votes) {
			out = append(out, codec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if scores[out[i]] != scores[out[j]] {
			return scores[out[i]] < scores[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}
