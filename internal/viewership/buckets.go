// Package viewership groups a stream's chat into synthetic minutes.
//
// A bucket closes when a message arrives more than 59 seconds after the
// message that opened it; the next bucket is opened by that message. Silence
// between bursts therefore never produces empty buckets, and the bucket index
// advances by exactly one regardless of how much time passed.
package viewership

import (
	"sort"
	"time"

	"github.com/you/gnasty-spam/internal/core"
)

const bucketSpan = 59 * time.Second

// Bucketize returns the start time of the chat (the earliest timestamp) and
// its per-minute buckets, numbered contiguously from 1. Messages without a
// timestamp are not counted. msgs is not modified.
func Bucketize(msgs []core.Message) (time.Time, []core.ViewershipBucket) {
	sorted := make([]core.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Ts.IsZero() {
			sorted = append(sorted, m)
		}
	}
	if len(sorted) == 0 {
		return time.Time{}, nil
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Ts.Before(sorted[j].Ts)
	})

	start := sorted[0].Ts
	ref := start
	buckets := []core.ViewershipBucket{{Offset: 1}}
	seen := map[string]struct{}{}
	for _, m := range sorted {
		if m.Ts.Sub(ref) > bucketSpan {
			buckets = append(buckets, core.ViewershipBucket{Offset: len(buckets) + 1})
			seen = map[string]struct{}{}
			ref = m.Ts
		}
		cur := &buckets[len(buckets)-1]
		cur.MessageCount++
		if _, ok := seen[m.User]; !ok {
			seen[m.User] = struct{}{}
			cur.ViewerCount++
		}
	}
	return start, buckets
}

// Build returns the viewership report for scope. It is empty when the scope has
// no messages, otherwise it holds exactly one entry.
func Build(scope core.Scope, msgs []core.Message) []core.Viewership {
	start, buckets := Bucketize(msgs)
	if len(buckets) == 0 {
		return []core.Viewership{}
	}
	return []core.Viewership{{
		ChannelID: scope.ChannelID,
		StreamID:  scope.StreamID,
		StartTime: start.UTC().Format(core.StartTimeLayout),
		PerMinute: buckets,
	}}
}
