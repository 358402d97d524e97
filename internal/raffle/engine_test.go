package raffle

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/you/chat-raffle/internal/core"
)

func msgs(pairs ...[2]string) []core.Message {
	out := make([]core.Message, 0, len(pairs))
	for i, p := range pairs {
		out = append(out, core.Message{
			ID:         fmt.Sprintf("m%d", i),
			AuthorID:   p[0],
			AuthorName: "name-" + p[0],
			Text:       p[1],
		})
	}
	return out
}

func repeat(author string, n int) [][2]string {
	out := make([][2]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, [2]string{author, fmt.Sprintf("%s says %d", author, i)})
	}
	return out
}

func TestTallyWeightCap(t *testing.T) {
	tests := []struct {
		name       string
		count      int
		wantWeight int
	}{
		{"single message", 1, 1},
		{"at the cap", 5, 5},
		{"far past the cap", 100, 5},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pool, err := Tally(msgs(repeat("u1", tc.count)...), DefaultMaxEntries)
			if err != nil {
				t.Fatalf("Tally() error = %v", err)
			}
			parts := pool.Participants()
			if len(parts) != 1 {
				t.Fatalf("expected 1 participant, got %d", len(parts))
			}
			if parts[0].Weight != tc.wantWeight {
				t.Fatalf("weight = %d, want %d", parts[0].Weight, tc.wantWeight)
			}
			if parts[0].MessageCnt != tc.count {
				t.Fatalf("message count = %d, want %d", parts[0].MessageCnt, tc.count)
			}
		})
	}
}

func TestTallyCountInvariants(t *testing.T) {
	batch := append(repeat("a", 5), repeat("b", 3)...)
	batch = append(batch, repeat("c", 2)...)

	pool, err := Tally(msgs(batch...), DefaultMaxEntries)
	if err != nil {
		t.Fatalf("Tally() error = %v", err)
	}
	if pool.TotalMessages() != 10 {
		t.Fatalf("TotalMessages() = %d, want 10", pool.TotalMessages())
	}
	if got := len(pool.Participants()); got != 3 {
		t.Fatalf("participants = %d, want 3", got)
	}
	if pool.TotalWeight() != 10 {
		t.Fatalf("TotalWeight() = %d, want 10", pool.TotalWeight())
	}
}

func TestTallyFirstSeenOrderAndName(t *testing.T) {
	batch := []core.Message{
		{ID: "1", AuthorID: "b", AuthorName: "Bea", Text: "hi"},
		{ID: "2", AuthorID: "a", AuthorName: "Al", Text: "yo"},
		{ID: "3", AuthorID: "b", AuthorName: "Bea (renamed)", Text: "again"},
	}
	pool, err := Tally(batch, DefaultMaxEntries)
	if err != nil {
		t.Fatalf("Tally() error = %v", err)
	}
	parts := pool.Participants()
	if parts[0].AuthorID != "b" || parts[1].AuthorID != "a" {
		t.Fatalf("unexpected order: %v, %v", parts[0].AuthorID, parts[1].AuthorID)
	}
	if parts[0].DisplayName != "Bea" {
		t.Fatalf("display name = %q, want first observed %q", parts[0].DisplayName, "Bea")
	}
}

func TestTallyEmptyInput(t *testing.T) {
	if _, err := Tally(nil, DefaultMaxEntries); !errors.Is(err, ErrNoEntries) {
		t.Fatalf("Tally(nil) error = %v, want ErrNoEntries", err)
	}
}

func TestDrawEmptyPool(t *testing.T) {
	if _, err := Draw(nil, nil); !errors.Is(err, ErrNoEntries) {
		t.Fatalf("Draw(nil) error = %v, want ErrNoEntries", err)
	}
	if _, err := Draw(&Pool{byID: map[string]*Participant{}}, nil); !errors.Is(err, ErrNoEntries) {
		t.Fatalf("Draw(empty) error = %v, want ErrNoEntries", err)
	}
}

func TestDrawDeterministicForSeed(t *testing.T) {
	batch := append(repeat("a", 2), repeat("b", 4)...)
	batch = append(batch, repeat("c", 1)...)

	pool, err := Tally(msgs(batch...), DefaultMaxEntries)
	if err != nil {
		t.Fatalf("Tally() error = %v", err)
	}

	first, err := Draw(pool, rand.New(rand.NewSource(42)))
	if err != nil {
		t.Fatalf("Draw() error = %v", err)
	}
	second, err := Draw(pool, rand.New(rand.NewSource(42)))
	if err != nil {
		t.Fatalf("Draw() error = %v", err)
	}
	if first.Winner.AuthorID != second.Winner.AuthorID {
		t.Fatalf("same seed picked %q then %q", first.Winner.AuthorID, second.Winner.AuthorID)
	}
	if first.WinningText != second.WinningText {
		t.Fatalf("same seed reported %q then %q", first.WinningText, second.WinningText)
	}
}

func TestDrawWeightedFairness(t *testing.T) {
	// A holds 1 entry, B holds 4; over many seeded draws B should win close
	// to 4/5 of the time.
	batch := append(repeat("a", 1), repeat("b", 4)...)
	pool, err := Tally(msgs(batch...), DefaultMaxEntries)
	if err != nil {
		t.Fatalf("Tally() error = %v", err)
	}

	const trials = 20000
	wins := map[string]int{}
	for seed := int64(0); seed < trials; seed++ {
		res, err := Draw(pool, rand.New(rand.NewSource(seed)))
		if err != nil {
			t.Fatalf("Draw() error = %v", err)
		}
		wins[res.Winner.AuthorID]++
	}

	ratio := float64(wins["b"]) / float64(trials)
	if ratio < 0.77 || ratio > 0.83 {
		t.Fatalf("b won %.3f of draws, want ~0.80 (wins=%v)", ratio, wins)
	}
}

func TestDrawWinningMessageIsMostRecent(t *testing.T) {
	batch := []core.Message{
		{ID: "1", AuthorID: "u1", AuthorName: "U1", Text: "hi"},
		{ID: "2", AuthorID: "u1", AuthorName: "U1", Text: "pick me"},
		{ID: "3", AuthorID: "u1", AuthorName: "U1", Text: "final"},
	}
	res, err := Run(batch, DefaultMaxEntries, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.WinningText != "final" {
		t.Fatalf("winning text = %q, want %q", res.WinningText, "final")
	}
}

func TestRunSingleParticipantSingleMessage(t *testing.T) {
	batch := []core.Message{{ID: "1", AuthorID: "u1", AuthorName: "Solo", Text: "hello"}}

	res, err := Run(batch, DefaultMaxEntries, rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Winner.AuthorID != "u1" {
		t.Fatalf("winner = %q, want u1", res.Winner.AuthorID)
	}
	if res.WinningText != "hello" {
		t.Fatalf("winning text = %q, want hello", res.WinningText)
	}
	if res.TotalMessages != 1 || res.TotalParticipants != 1 {
		t.Fatalf("totals = %d/%d, want 1/1", res.TotalMessages, res.TotalParticipants)
	}
}

func TestRunEmptyInput(t *testing.T) {
	if _, err := Run(nil, DefaultMaxEntries, nil); !errors.Is(err, ErrNoEntries) {
		t.Fatalf("Run(nil) error = %v, want ErrNoEntries", err)
	}
}
