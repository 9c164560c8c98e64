package matchmaker

import (
	"sort"

	"github.com/larrybui/cardmatch/internal/domain"
)

// Pair is two candidates matched together by a pairing strategy.
type Pair struct {
	A, B domain.Candidate
}

// pairFIFO pairs consecutive entries in popped order. batch is
// assumed already score-sorted, which store.PopBatch guarantees.
func pairFIFO(batch []domain.Candidate) (pairs []Pair, leftover []domain.Candidate) {
	i := 0
	for i+1 < len(batch) {
		pairs = append(pairs, Pair{A: batch[i], B: batch[i+1]})
		i += 2
	}
	if i < len(batch) {
		leftover = append(leftover, batch[i])
	}
	return pairs, leftover
}

// pairMMR pairs by smallest absolute score difference within an acceptance
// window that widens with retryCount. It is a pure, deterministic function
// of the batch and retryCount: sort by score, then greedily pair each
// still-unpaired candidate with its nearest still-unpaired neighbor whose
// score difference is within the window.
func pairMMR(batch []domain.Candidate, retryCount int) (pairs []Pair, leftover []domain.Candidate) {
	sorted := make([]domain.Candidate, len(batch))
	copy(sorted, batch)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score < sorted[j].Score })

	window := mmrWindow(retryCount)
	used := make([]bool, len(sorted))

	for i := range sorted {
		if used[i] {
			continue
		}
		best := -1
		bestDiff := int64(-1)
		for j := i + 1; j < len(sorted); j++ {
			if used[j] {
				continue
			}
			diff := sorted[j].Score - sorted[i].Score
			if diff < 0 {
				diff = -diff
			}
			if diff > window {
				break // sorted ascending, no closer candidate lies further out
			}
			if bestDiff == -1 || diff < bestDiff {
				bestDiff = diff
				best = j
			}
		}
		if best == -1 {
			leftover = append(leftover, sorted[i])
			continue
		}
		used[i] = true
		used[best] = true
		pairs = append(pairs, Pair{A: sorted[i], B: sorted[best]})
	}
	return pairs, leftover
}

// mmrWindow widens the acceptance window geometrically with retryCount,
// starting at a base window of 100 MMR and doubling per retry, capped at
// 1600 so the window cannot grow unboundedly across many skipped ticks.
func mmrWindow(retryCount int) int64 {
	const base = int64(100)
	const maxWindow = int64(1600)
	window := base
	for i := 0; i < retryCount; i++ {
		window *= 2
		if window >= maxWindow {
			return maxWindow
		}
	}
	return window
}

// pair dispatches to the mode's configured pairing strategy.
func pair(batch []domain.Candidate, usesMMR bool, retryCount int) (pairs []Pair, leftover []domain.Candidate) {
	if usesMMR {
		return pairMMR(batch, retryCount)
	}
	return pairFIFO(batch)
}
