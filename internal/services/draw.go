package services

import (
	"math/rand"
	"sync"
	"time"

	"roulette/internal/models"
)

// Source supplies uniform integers in [0, n). *rand.Rand satisfies it.
type Source interface {
	Intn(n int) int
}

// Randomizer is a Source safe for concurrent use.
// It is not cryptographically secure; the draw only has to look fair.
type Randomizer struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandomizer seeds a Randomizer from the clock.
func NewRandomizer() *Randomizer {
	return NewSeededRandomizer(time.Now().UnixNano())
}

// NewSeededRandomizer returns a Randomizer with a fixed seed, for reproducible draws.
func NewSeededRandomizer(seed int64) *Randomizer {
	return &Randomizer{rnd: rand.New(rand.NewSource(seed))} // #nosec G404
}

// Intn returns a uniform int in [0, n). It panics if n <= 0.
func (r *Randomizer) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Intn(n)
}

// Draw picks an index into pool uniformly at random.
// The pool is not modified, so repeated calls may return the same index.
func Draw(pool []models.UserRecord, src Source) (int, error) {
	if len(pool) == 0 {
		return 0, models.EmptyPoolError("there are no retweeters to draw from")
	}
	return src.Intn(len(pool)), nil
}

// RecordWinner returns winners with pool[index] appended.
// Neither pool nor the backing array of winners is modified.
func RecordWinner(winners, pool []models.UserRecord, index int) []models.UserRecord {
	out := make([]models.UserRecord, len(winners), len(winners)+1)
	copy(out, winners)
	return append(out, pool[index])
}

// eligibleIndexes lists pool indexes whose id has not won yet.
func eligibleIndexes(pool, winners []models.UserRecord) []int {
	won := make(map[string]bool, len(winners))
	for _, w := range winners {
		won[w.ID] = true
	}
	var idx []int
	for i, u := range pool {
		if !won[u.ID] {
			idx = append(idx, i)
		}
	}
	return idx
}
