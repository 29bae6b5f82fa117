package votes

import (
	"errors"
	"fmt"
	"strings"
)

// EventVoteChanged is emitted whenever a user's vote on a post changes direction.
const EventVoteChanged = "VoteChanged.v1"

var ErrInvalidVote = errors.New("invalid vote")

// Direction is -1 (down), 0 (retracted) or 1 (up).
type Direction int

const (
	Down      Direction = -1
	Retracted Direction = 0
	Up        Direction = 1
)

func (d Direction) Valid() bool {
	return d >= Down && d <= Up
}

// ParseDirection accepts "up", "down", "none" or the numeric form.
func ParseDirection(raw string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "up", "1", "+1":
		return Up, nil
	case "down", "-1":
		return Down, nil
	case "none", "retract", "0":
		return Retracted, nil
	}
	return 0, fmt.Errorf("%w: direction %q", ErrInvalidVote, raw)
}

// Changed is the VoteChanged.v1 payload.
type Changed struct {
	PostID   string    `json:"post_id"`
	UserID   string    `json:"user_id"`
	Previous Direction `json:"previous"`
	Current  Direction `json:"current"`
}

func (c Changed) Validate() error {
	if strings.TrimSpace(c.PostID) == "" || strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("%w: post_id and user_id are required", ErrInvalidVote)
	}
	if !c.Previous.Valid() || !c.Current.Valid() {
		return fmt.Errorf("%w: direction out of range", ErrInvalidVote)
	}
	return nil
}
