package broker

import (
	"sync"

	"github.com/openlobby/peerbroker/pkg/api"
)

// Game is a peer namespace. The maps below, together with the
// connected set of every session bound to this game, are guarded by
// mu: one lock is the game's whole serialization domain, so peer
// binds, alias moves and negotiation bookkeeping never interleave.
// Separate games don't contend.
type Game struct {
	id string

	mu         sync.Mutex
	peers      map[api.PeerId]*Session
	aliases    map[string]api.PeerId
	nextPeerId api.PeerId
}

func newGame(id string) *Game {
	return &Game{
		id:         id,
		peers:      make(map[api.PeerId]*Session, 8),
		aliases:    make(map[string]api.PeerId),
		nextPeerId: 1,
	}
}

// generateNewPeerId hands out the next never-used peer id.
// Callers must hold g.mu.
func (g *Game) generateNewPeerId() api.PeerId {
	id := g.nextPeerId
	g.nextPeerId++
	return id
}

// adoptPeerId raises the allocator's high-water mark over a reclaimed
// id, so the id can't be handed out a second time. Callers must hold
// g.mu.
func (g *Game) adoptPeerId(id api.PeerId) {
	if id >= g.nextPeerId {
		g.nextPeerId = id + 1
	}
}

// aliasesOf collects every alias owned by the peer. Callers must hold
// g.mu.
func (g *Game) aliasesOf(id api.PeerId) (names []string) {
	for name, owner := range g.aliases {
		if owner == id {
			names = append(names, name)
		}
	}
	return
}
