package broker

import (
	"github.com/openlobby/peerbroker/pkg/api"
	"github.com/openlobby/peerbroker/pkg/logger"
	"github.com/openlobby/peerbroker/pkg/network"
)

// transport is the session's back-channel to its connection: writes
// land on the connection's ordered send queue without blocking, Close
// asks for an asynchronous teardown.
type transport interface {
	Write(data []byte)
	Close()
}

// Session is the per-connection protocol state machine. A session
// stays unauthenticated until its hello passes, then holds a stable
// peer id within its game until the transport dies.
//
// The fields split into three groups: conn, id and url are set once at
// construction; peerId, game, webRTCSupport, trickleICE and log are
// written by the session's own read loop during the hello, before the
// session is published in game.peers, and are immutable after that;
// connected belongs to the game's serialization domain and must only
// be touched under game.mu.
type Session struct {
	id   network.Uid
	conn transport
	url  string
	hub  *Hub

	peerId        api.PeerId
	game          *Game
	webRTCSupport bool
	trickleICE    bool
	reconnect     string

	// ids of peers this session negotiates with; keyed by peer id, not
	// session, so a dead counterpart never leaves a dangling reference
	connected map[api.PeerId]struct{}

	log *logger.Logger
}

func newSession(hub *Hub, conn transport, url string, log *logger.Logger) *Session {
	id := network.NewUid()
	return &Session{
		id:        id,
		conn:      conn,
		url:       url,
		hub:       hub,
		connected: make(map[api.PeerId]struct{}),
		log:       log.Extend(log.With().Str("cid", id.Short())),
	}
}

// Close asks the transport to shut down; disconnect handling runs when
// the read loop exits.
func (s *Session) Close() { s.conn.Close() }

// disconnect unbinds the session from its game. The peer id slot, the
// owned aliases and every negotiation edge pointing at the peer are
// dropped, peers engaged with it in either direction get a synthetic
// refusal so their negotiation state can collapse, and the identity is
// frozen into the reconnect store. A session superseded by a
// reconnected successor owns nothing anymore and leaves no trace.
func (s *Session) disconnect() {
	game := s.game
	if game == nil {
		return
	}

	game.mu.Lock()
	if game.peers[s.peerId] != s {
		game.mu.Unlock()
		s.log.Debug().Msg("the peer id has been taken over, nothing to do")
		return
	}
	delete(game.peers, s.peerId)

	aliases := game.aliasesOf(s.peerId)
	for _, name := range aliases {
		delete(game.aliases, name)
	}

	for _, peer := range game.peers {
		_, engaged := s.connected[peer.peerId]
		if _, reverse := peer.connected[s.peerId]; reverse {
			delete(peer.connected, s.peerId)
			engaged = true
		}
		if engaged {
			peer.sendPeerRefused(s.peerId)
		}
	}
	game.mu.Unlock()

	s.hub.rec.Freeze(s.reconnect, s.peerId, game.id, aliases)

	metrics.Peers.Dec()
	metrics.Aliases.Sub(float64(len(aliases)))
	s.log.Info().Msgf("peer %v left game %v", s.peerId, game.id)
}
