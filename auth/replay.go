package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrReplay is returned when a signature is observed twice within its window.
var ErrReplay = errors.New("signature replayed")

// sweepThreshold triggers a full prune when the map grows past this size, so
// a burst of traffic does not leave expired entries resident forever.
const sweepThreshold = 4096

// ReplayGuard remembers recently seen signatures until they expire. It is
// process-local: a restart clears it, which is safe because the timestamp
// skew check independently bounds how long an old signature stays usable.
type ReplayGuard struct {
	window time.Duration

	mu   sync.Mutex
	seen map[common.Hash]time.Time // signature digest -> expiry
}

// NewReplayGuard creates a guard whose entries expire after window.
func NewReplayGuard(window time.Duration) *ReplayGuard {
	return &ReplayGuard{
		window: window,
		seen:   make(map[common.Hash]time.Time),
	}
}

// Observe records the signature and reports whether it was fresh. A signature
// already present and unexpired yields ErrReplay; an expired entry is treated
// as fresh and re-armed.
func (g *ReplayGuard) Observe(sig []byte, now time.Time) error {
	digest := crypto.Keccak256Hash(sig)

	g.mu.Lock()
	defer g.mu.Unlock()

	if expiry, ok := g.seen[digest]; ok && now.Before(expiry) {
		return ErrReplay
	}
	g.seen[digest] = now.Add(g.window)

	if len(g.seen) > sweepThreshold {
		g.prune(now)
	}
	return nil
}

// prune drops expired entries. Caller holds g.mu.
func (g *ReplayGuard) prune(now time.Time) {
	for digest, expiry := range g.seen {
		if !now.Before(expiry) {
			delete(g.seen, digest)
		}
	}
}
