// Package scores maintains per-post vote counters: patched by deltas from VoteChanged
// events and periodically overwritten by a recount of post_votes.
package scores

import (
	"sort"

	"github.com/md-rashed-zaman/eventrelay/services/community-service/internal/votes"
)

// Counts is the aggregate of one post. Score is always Up - Down.
type Counts struct {
	Up   int64 `json:"upvotes"`
	Down int64 `json:"downvotes"`
}

func (c Counts) Score() int64 { return c.Up - c.Down }

func (c Counts) Add(d Delta) Counts {
	return Counts{Up: c.Up + d.Up, Down: c.Down + d.Down}
}

// Delta is a signed increment. Deltas commute, so events may be applied in any order.
type Delta struct {
	Up   int64
	Down int64
}

func (d Delta) Zero() bool { return d.Up == 0 && d.Down == 0 }

func (d Delta) Score() int64 { return d.Up - d.Down }

// DeltaFor is the counter change implied by one vote moving from previous to current.
func DeltaFor(previous, current votes.Direction) Delta {
	var d Delta
	if previous == votes.Up {
		d.Up--
	}
	if previous == votes.Down {
		d.Down--
	}
	if current == votes.Up {
		d.Up++
	}
	if current == votes.Down {
		d.Down++
	}
	return d
}

// Vote is one authoritative post_votes row.
type Vote struct {
	PostID    string
	UserID    string
	Direction votes.Direction
}

// Tally recomputes the aggregate of every post from scratch.
func Tally(vs []Vote) map[string]Counts {
	out := make(map[string]Counts)
	for _, v := range vs {
		c := out[v.PostID]
		switch v.Direction {
		case votes.Up:
			c.Up++
		case votes.Down:
			c.Down++
		}
		out[v.PostID] = c
	}
	return out
}

// Drift is a post whose stored aggregate differs from its recount.
type Drift struct {
	PostID string `json:"post_id"`
	Stored Counts `json:"stored"`
	Actual Counts `json:"actual"`
}

func (d Drift) ScoreDelta() int64 { return d.Actual.Score() - d.Stored.Score() }

// Diff lists drifted posts, including stored aggregates with no votes left and votes
// with no stored aggregate.
func Diff(actual, stored map[string]Counts) []Drift {
	var out []Drift
	for id, a := range actual {
		if s := stored[id]; s != a {
			out = append(out, Drift{PostID: id, Stored: s, Actual: a})
		}
	}
	for id, s := range stored {
		if _, ok := actual[id]; !ok && s != (Counts{}) {
			out = append(out, Drift{PostID: id, Stored: s})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PostID < out[j].PostID })
	return out
}
