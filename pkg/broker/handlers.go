package broker

import (
	"errors"
	"fmt"

	"github.com/openlobby/peerbroker/pkg/api"
)

var (
	// ErrProtocolViolation marks packets that are illegal in the
	// session's current state. Fatal before authentication.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrDecode marks packets whose payload can't be unmarshalled.
	ErrDecode = errors.New("malformed packet")
)

// processMsg runs one inbound packet through the state machine. A
// non-nil return is a hard failure and the caller drops the session;
// every recoverable condition is answered with a reject or a failure
// result to the sender instead.
func (s *Session) processMsg(in api.In) error {
	// only a hello moves a session out of the unauthenticated state
	if s.peerId == 0 && in.T != api.HelloServer {
		s.log.Warn().Msgf("got %v from a non-authenticated connection %v", in.T, s.url)
		return fmt.Errorf("%w: %v before hello", ErrProtocolViolation, in.T)
	}

	switch in.T {
	case api.HelloServer:
		rq := api.Unwrap[api.HelloServerRequest](in.Payload)
		if rq == nil {
			return badPayload(in.T)
		}
		return s.HandleHello(rq)
	case api.HelloClient:
		s.log.Error().Msg("got HelloClient, not supposed to happen")
	case api.P2POffer:
		rq := api.Unwrap[api.OfferRequest](in.Payload)
		if rq == nil {
			return badPayload(in.T)
		}
		s.HandleOffer(rq)
	case api.P2PAnswer:
		rq := api.Unwrap[api.AnswerRequest](in.Payload)
		if rq == nil {
			return badPayload(in.T)
		}
		s.HandleAnswer(rq)
	case api.ICECandidate:
		rq := api.Unwrap[api.CandidateExchange](in.Payload)
		if rq == nil {
			return badPayload(in.T)
		}
		s.HandleCandidate(rq)
	case api.P2PReject:
		rq := api.Unwrap[api.RejectNotice](in.Payload)
		if rq == nil {
			return badPayload(in.T)
		}
		s.HandleReject(rq)
	case api.P2PConnected:
		s.HandleConnected(api.Unwrap[api.ConnectedNotice](in.Payload))
	case api.P2PDisconnect:
		s.HandleDisconnect(api.Unwrap[api.DisconnectNotice](in.Payload))
	case api.P2PRelayData:
		rq := api.Unwrap[api.RelayData](in.Payload)
		if rq == nil {
			return badPayload(in.T)
		}
		s.HandleRelayData(rq)
	case api.AliasRegister:
		rq := api.Unwrap[api.AliasRegisterRequest](in.Payload)
		if rq == nil {
			return badPayload(in.T)
		}
		s.HandleAliasRegister(rq)
	case api.AliasUnregister:
		s.HandleAliasUnregister(api.Unwrap[api.AliasUnregisterRequest](in.Payload))
	case api.AliasLookup:
		rq := api.Unwrap[api.AliasLookupRequest](in.Payload)
		if rq == nil {
			return badPayload(in.T)
		}
		s.HandleAliasLookup(rq)
	default:
		s.log.Warn().Msgf("unhandled packet: %v", in.T)
	}
	return nil
}

func badPayload(t api.PT) error { return fmt.Errorf("%w: bad %v payload", ErrDecode, t) }

// HandleHello authenticates the session within a game and binds its
// peer id, either a fresh one or one reclaimed through a reconnect
// token. The reply carries the id, a new token and the ICE servers to
// advertise.
func (s *Session) HandleHello(rq *api.HelloServerRequest) error {
	if s.peerId != 0 {
		s.log.Error().Msgf("got hello from a client which already has a peer id (%v)", s.peerId)
		return nil
	}
	if rq.Flags&api.FlagWebRTC == 0 {
		s.log.Error().Msgf("client %v does not support WebRTC", s.url)
		return nil
	}

	game, err := s.hub.games.Verify(rq.Game, rq.Secret)
	if err != nil {
		return fmt.Errorf("%w: game %q", err, rq.Game)
	}

	s.game = game
	s.webRTCSupport = true
	s.trickleICE = rq.Flags&api.FlagNoTrickle == 0

	var (
		peerId  api.PeerId
		evicted *Session
	)
	game.mu.Lock()
	if rq.Reconnect != "" {
		record, err := s.hub.rec.Claim(rq.Reconnect, game.id)
		if err != nil {
			s.log.Info().Err(err).Msg("reconnect denied, the peer starts fresh")
			metrics.Reconnects.WithLabelValues("rejected").Inc()
		} else {
			peerId = record.Peer
			game.adoptPeerId(peerId)
			restored := 0
			for _, name := range record.Aliases {
				if _, taken := game.aliases[name]; !taken {
					game.aliases[name] = peerId
					restored++
				}
			}
			metrics.Aliases.Add(float64(restored))
			// a half-open predecessor still bound to the id hands over
			// its negotiations and gets dropped
			if old := game.peers[peerId]; old != nil {
				s.connected = old.connected
				old.connected = make(map[api.PeerId]struct{})
				evicted = old
			}
			metrics.Reconnects.WithLabelValues("resumed").Inc()
			s.log.Info().Msgf("re-establishing state for peer %v", peerId)
		}
	}
	if peerId == 0 {
		peerId = game.generateNewPeerId()
	}
	s.peerId = peerId
	s.log = s.log.Extend(s.log.With().Str("g", game.id).Uint32("p", uint32(peerId)))
	game.peers[peerId] = s
	aliases := game.aliasesOf(peerId)
	game.mu.Unlock()

	if evicted != nil {
		evicted.Close()
	} else {
		metrics.Peers.Inc()
	}

	s.reconnect = s.hub.rec.Issue(peerId, game.id, aliases)
	s.log.Info().Msgf("got hello from %v (platform: %v, trickle: %v)",
		s.url, rq.Attributes["platform"], s.trickleICE)
	s.sendHelloClient(peerId, s.reconnect, s.hub.ice)
	return nil
}

// HandleOffer relays an SDP offer to the target peer and records the
// caller's side of the negotiation. Emulated connections are not
// served by this broker.
func (s *Session) HandleOffer(rq *api.OfferRequest) {
	if rq.Flags&api.FlagEmulated != 0 {
		s.log.Info().Msgf("refusing an emulated connection to peer %v", rq.Peer)
		s.sendNoSuchPeer(rq.Peer)
		return
	}

	game := s.game
	game.mu.Lock()
	defer game.mu.Unlock()

	target, ok := game.peers[rq.Peer]
	if !ok {
		s.log.Warn().Msgf("offer to nonexistent peer %v", rq.Peer)
		s.sendNoSuchPeer(rq.Peer)
		return
	}
	if !target.webRTCSupport {
		s.log.Info().Msgf("peer %v has no WebRTC support, refusing the offer", rq.Peer)
		s.sendPeerRefused(rq.Peer)
		return
	}

	s.connected[rq.Peer] = struct{}{}
	s.log.Debug().Msgf("offer to peer %v", rq.Peer)
	target.sendConnect(s.peerId, rq.Flags, rq.Offer)
}

// HandleAnswer completes a negotiation the target started. An answer
// to a peer who never sent an offer bounces the same way as an answer
// to a missing peer.
func (s *Session) HandleAnswer(rq *api.AnswerRequest) {
	game := s.game
	game.mu.Lock()
	defer game.mu.Unlock()

	target, ok := game.peers[rq.Peer]
	if !ok {
		s.log.Warn().Msgf("answer to nonexistent peer %v", rq.Peer)
		s.sendNoSuchPeer(rq.Peer)
		return
	}
	if _, negotiating := target.connected[s.peerId]; !negotiating {
		s.log.Warn().Msgf("answer to peer %v who has not requested a connection", rq.Peer)
		s.sendNoSuchPeer(rq.Peer)
		return
	}

	s.connected[rq.Peer] = struct{}{}
	s.log.Debug().Msgf("answer to peer %v", rq.Peer)
	target.sendResponse(s.peerId, rq.Offer)
}

// HandleCandidate forwards one ICE candidate to the target peer.
func (s *Session) HandleCandidate(rq *api.CandidateExchange) {
	game := s.game
	game.mu.Lock()
	defer game.mu.Unlock()

	target, ok := game.peers[rq.Peer]
	if !ok {
		s.log.Warn().Msgf("candidate for nonexistent peer %v", rq.Peer)
		s.sendNoSuchPeer(rq.Peer)
		return
	}
	target.sendCandidate(s.peerId, rq.Candidate)
}

// HandleReject forwards a refusal to the peer whose offer is being
// declined. Both reasons collapse into a refusal for the target; a
// NotFound from a client means it is confused, which is worth a log
// line and nothing else.
func (s *Session) HandleReject(rq *api.RejectNotice) {
	game := s.game
	game.mu.Lock()
	defer game.mu.Unlock()

	target, ok := game.peers[rq.Peer]
	if !ok {
		s.log.Warn().Msgf("reject (%v) of nonexistent peer %v", rq.Reason, rq.Peer)
		return
	}
	if rq.Reason == api.ReasonNotFound {
		s.log.Warn().Msgf("unexpected NotFound reject of peer %v", rq.Peer)
	} else {
		s.log.Info().Msgf("refused a connection from peer %v", rq.Peer)
	}
	target.sendPeerRefused(s.peerId)
}

// HandleConnected acknowledges a completed negotiation. Nothing is
// torn down: the edge stays so answers and candidates can still flow
// through a renegotiation.
func (s *Session) HandleConnected(rq *api.ConnectedNotice) {
	var peer api.PeerId
	if rq != nil {
		peer = rq.Peer
	}
	s.log.Debug().Msgf("connected to peer %v", peer)
}

// HandleDisconnect drops the negotiation edge between the two peers on
// both sides.
func (s *Session) HandleDisconnect(rq *api.DisconnectNotice) {
	if rq == nil {
		s.log.Debug().Msg("p2p disconnect without a peer")
		return
	}
	game := s.game
	game.mu.Lock()
	defer game.mu.Unlock()

	delete(s.connected, rq.Peer)
	if target, ok := game.peers[rq.Peer]; ok {
		delete(target.connected, s.peerId)
	}
	s.log.Debug().Msgf("p2p disconnect from peer %v", rq.Peer)
}

// HandleRelayData forwards an opaque blob to the target peer verbatim.
func (s *Session) HandleRelayData(rq *api.RelayData) {
	game := s.game
	game.mu.Lock()
	defer game.mu.Unlock()

	target, ok := game.peers[rq.Peer]
	if !ok {
		s.log.Warn().Msgf("relay to nonexistent peer %v", rq.Peer)
		s.sendNoSuchPeer(rq.Peer)
		return
	}
	s.log.Debug().Msgf("relaying %v bytes to peer %v", len(rq.Data), rq.Peer)
	target.sendRelay(s.peerId, rq.Data)
}

// HandleAliasRegister binds the name to the caller unless another peer
// holds it. Re-registering one's own name succeeds and changes
// nothing.
func (s *Session) HandleAliasRegister(rq *api.AliasRegisterRequest) {
	game := s.game
	game.mu.Lock()
	defer game.mu.Unlock()

	owner, taken := game.aliases[rq.Alias]
	if taken && owner != s.peerId {
		s.log.Info().Msgf("alias %q is already registered to peer %v", rq.Alias, owner)
		s.sendAliasResult(rq.Alias, false)
		return
	}
	if !taken {
		game.aliases[rq.Alias] = s.peerId
		metrics.Aliases.Inc()
	}
	s.log.Info().Msgf("registered alias %q", rq.Alias)
	s.sendAliasResult(rq.Alias, true)
}

// HandleAliasUnregister removes one name owned by the caller, or every
// owned name when the request names none.
func (s *Session) HandleAliasUnregister(rq *api.AliasUnregisterRequest) {
	var alias string
	if rq != nil {
		alias = rq.Alias
	}

	game := s.game
	game.mu.Lock()
	defer game.mu.Unlock()

	if alias != "" {
		if game.aliases[alias] != s.peerId {
			s.log.Info().Msgf("alias %q is not registered to this peer", alias)
			s.sendAliasResult(alias, false)
			return
		}
		delete(game.aliases, alias)
		metrics.Aliases.Dec()
		s.log.Info().Msgf("unregistered alias %q", alias)
		s.sendAliasResult(alias, true)
		return
	}

	names := game.aliasesOf(s.peerId)
	for _, name := range names {
		delete(game.aliases, name)
	}
	metrics.Aliases.Sub(float64(len(names)))
	s.log.Info().Msgf("unregistered all %v aliases", len(names))
	s.sendAliasResult("", true)
}

// HandleAliasLookup resolves a name; unknown names resolve to peer
// zero.
func (s *Session) HandleAliasLookup(rq *api.AliasLookupRequest) {
	game := s.game
	game.mu.Lock()
	peer := game.aliases[rq.Alias]
	game.mu.Unlock()

	s.log.Debug().Msgf("alias %q resolved to peer %v", rq.Alias, peer)
	s.sendAliasResolved(rq.Alias, peer)
}
