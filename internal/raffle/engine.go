// Package raffle implements the weighted draw over collected chat messages.
//
// Tally groups a message batch into participants and assigns each a capped
// entry weight; Draw selects a single winner with probability proportional to
// that weight. Both are pure: all state lives in the Pool value and nothing
// persists between raffles.
package raffle

import (
	"errors"
	"math/rand"
	"time"

	"github.com/you/chat-raffle/internal/core"
)

// DefaultMaxEntries caps how many entries a single author can hold regardless
// of how many messages they posted.
const DefaultMaxEntries = 5

// ErrNoEntries is returned when a raffle has nothing to draw from.
var ErrNoEntries = errors.New("raffle: no entries to draw from")

// Participant is one distinct author derived from a message batch.
type Participant struct {
	AuthorID    string   `json:"author_id"`
	DisplayName string   `json:"display_name"` // first observed name for this author
	MessageCnt  int      `json:"message_count"`
	Weight      int      `json:"weight"` // min(MessageCnt, cap)
	Messages    []string `json:"-"`      // ordered message texts for this author
}

// Pool is the tallied participant set for one raffle, in first-seen order so
// that seeded draws are reproducible.
type Pool struct {
	byID          map[string]*Participant
	order         []string
	totalMessages int
	totalWeight   int
}

// Result is the outcome of a single draw.
type Result struct {
	Winner            Participant `json:"winner"`
	WinningText       string      `json:"winning_text"`
	TotalMessages     int         `json:"total_messages"`
	TotalParticipants int         `json:"total_participants"`
}

// Tally groups messages by author and assigns capped weights. The cap must be
// positive; pass DefaultMaxEntries unless configured otherwise.
func Tally(messages []core.Message, maxEntries int) (*Pool, error) {
	if len(messages) == 0 {
		return nil, ErrNoEntries
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	pool := &Pool{
		byID:          make(map[string]*Participant),
		totalMessages: len(messages),
	}

	for _, msg := range messages {
		p, ok := pool.byID[msg.AuthorID]
		if !ok {
			p = &Participant{
				AuthorID:    msg.AuthorID,
				DisplayName: msg.AuthorName,
			}
			pool.byID[msg.AuthorID] = p
			pool.order = append(pool.order, msg.AuthorID)
		}
		p.MessageCnt++
		p.Messages = append(p.Messages, msg.Text)
	}

	for _, id := range pool.order {
		p := pool.byID[id]
		p.Weight = p.MessageCnt
		if p.Weight > maxEntries {
			p.Weight = maxEntries
		}
		pool.totalWeight += p.Weight
	}

	return pool, nil
}

// Draw selects one participant with probability weight/totalWeight. A nil rng
// draws from a time-seeded source; tests inject a seeded *rand.Rand for exact
// outcomes.
func Draw(pool *Pool, rng *rand.Rand) (Result, error) {
	if pool == nil || len(pool.order) == 0 {
		return Result{}, ErrNoEntries
	}
	if pool.totalWeight <= 0 {
		// Should be unreachable given Tally's weight >= 1 invariant.
		return Result{}, ErrNoEntries
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	r := rng.Intn(pool.totalWeight)
	cumulative := 0
	var winner *Participant
	for _, id := range pool.order {
		p := pool.byID[id]
		cumulative += p.Weight
		if r < cumulative {
			winner = p
			break
		}
	}
	if winner == nil {
		// Unreachable: r < totalWeight and weights sum to totalWeight.
		return Result{}, ErrNoEntries
	}

	winning := ""
	if n := len(winner.Messages); n > 0 {
		// The most recent comment is the one read out as the winning entry.
		winning = winner.Messages[n-1]
	}

	return Result{
		Winner:            *winner,
		WinningText:       winning,
		TotalMessages:     pool.totalMessages,
		TotalParticipants: len(pool.order),
	}, nil
}

// Run is the convenience composition of Tally and Draw.
func Run(messages []core.Message, maxEntries int, rng *rand.Rand) (Result, error) {
	pool, err := Tally(messages, maxEntries)
	if err != nil {
		return Result{}, err
	}
	return Draw(pool, rng)
}

// Participants returns the tallied participants in first-seen order.
func (p *Pool) Participants() []Participant {
	if p == nil {
		return nil
	}
	out := make([]Participant, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, *p.byID[id])
	}
	return out
}

// TotalWeight is the sum of all capped entry weights.
func (p *Pool) TotalWeight() int {
	if p == nil {
		return 0
	}
	return p.totalWeight
}

// TotalMessages is the unweighted count of input records.
func (p *Pool) TotalMessages() int {
	if p == nil {
		return 0
	}
	return p.totalMessages
}
