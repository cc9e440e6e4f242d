// Package spam ranks repeated chat texts within one scope.
package spam

import (
	"context"
	"sort"

	"github.com/you/gnasty-spam/internal/core"
)

// Options controls candidate selection and ordering.
type Options struct {
	// Threshold is the occurrence count a text must strictly exceed.
	Threshold int
	// Ascending sorts by occurrence count ascending instead of descending.
	Ascending bool
}

// DefaultOptions uses the default spam threshold with descending order.
func DefaultOptions() Options {
	return Options{Threshold: core.DefaultSpamThreshold}
}

// Source supplies the messages of a scope. Both a decoded export and the
// stored chat log satisfy it.
type Source interface {
	Messages(ctx context.Context, scope core.Scope) ([]core.Message, error)
}

// Counts are the per-text tallies the candidates are derived from.
type Counts struct {
	Occurrences map[string]int
	Users       map[string]map[string]struct{}
}

// Count tallies occurrences and distinct users per text.
func Count(msgs []core.Message) Counts {
	c := Counts{
		Occurrences: make(map[string]int),
		Users:       make(map[string]map[string]struct{}),
	}
	for _, m := range msgs {
		c.Occurrences[m.Text]++
		users, ok := c.Users[m.Text]
		if !ok {
			users = make(map[string]struct{})
			c.Users[m.Text] = users
		}
		users[m.User] = struct{}{}
	}
	return c
}

// Aggregate returns the spam candidates for msgs, which must all belong to
// scope. An empty input yields an empty, non-nil slice.
func Aggregate(scope core.Scope, msgs []core.Message, opts Options) []core.SpamCandidate {
	counts := Count(msgs)
	out := make([]core.SpamCandidate, 0)
	for text, n := range counts.Occurrences {
		if n <= opts.Threshold {
			continue
		}
		out = append(out, core.SpamCandidate{
			ChannelID:         scope.ChannelID,
			StreamID:          scope.StreamID,
			Text:              text,
			OccurrenceCount:   n,
			DistinctUserCount: len(counts.Users[text]),
		})
	}
	sortCandidates(out, opts.Ascending)
	return out
}

// FromSource loads the scope's messages from src and aggregates them.
func FromSource(ctx context.Context, src Source, scope core.Scope, opts Options) ([]core.SpamCandidate, error) {
	msgs, err := src.Messages(ctx, scope)
	if err != nil {
		return nil, err
	}
	return Aggregate(scope, msgs, opts), nil
}

// SortForListing orders candidates the way persisted spam is read back:
// occurrences desc, distinct users desc, text asc.
func SortForListing(cands []core.SpamCandidate) {
	sortCandidates(cands, false)
}

func sortCandidates(cands []core.SpamCandidate, ascending bool) {
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.OccurrenceCount != b.OccurrenceCount {
			if ascending {
				return a.OccurrenceCount < b.OccurrenceCount
			}
			return a.OccurrenceCount > b.OccurrenceCount
		}
		if a.DistinctUserCount != b.DistinctUserCount {
			return a.DistinctUserCount > b.DistinctUserCount
		}
		return a.Text < b.Text
	})
}

// Static adapts an in-memory message list to Source. Messages outside the
// requested scope are skipped.
type Static []core.Message

func (s Static) Messages(_ context.Context, scope core.Scope) ([]core.Message, error) {
	out := make([]core.Message, 0, len(s))
	for _, m := range s {
		if m.Scope() == scope {
			out = append(out, m)
		}
	}
	return out, nil
}
