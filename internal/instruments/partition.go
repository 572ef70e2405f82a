// Package instruments resolves the instrument universe and splits it across
// feed connections.
package instruments

import "tickstream/internal/model"

// MaxSockets is the feed's ceiling on concurrent connections per account.
const MaxSockets = 3

// Partition distributes tokens round-robin across n buckets (n clamped to
// [1, MaxSockets]). Every token lands in exactly one bucket; duplicates keep
// their first position. Exactly n buckets are returned, some possibly empty.
func Partition(tokens []int64, n int) []model.TokenPartition {
	if n > MaxSockets {
		n = MaxSockets
	}
	if n < 1 {
		n = 1
	}
	buckets := make([]model.TokenPartition, n)
	seen := make(map[int64]struct{}, len(tokens))
	i := 0
	for _, tok := range tokens {
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		buckets[i%n] = append(buckets[i%n], tok)
		i++
	}
	return buckets
}
