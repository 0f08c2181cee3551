package broker

import "github.com/openlobby/peerbroker/pkg/api"

// notify puts one outbound packet onto the session's send queue. An
// encode failure drops the packet, not the session.
func (s *Session) notify(t api.PT, payload any) {
	data, err := api.Encode(t, payload)
	if err != nil {
		s.log.Error().Err(err).Msgf("couldn't encode %v, the packet is dropped", t)
		return
	}
	metrics.Sent.WithLabelValues(t.String()).Inc()
	s.conn.Write(data)
}

func (s *Session) sendHelloClient(peer api.PeerId, token string, ice []string) {
	s.notify(api.HelloClient, api.HelloClientReply{Peer: peer, Reconnect: token, Ice: ice})
}

// sendNoSuchPeer is the uniform reply for requests this broker won't
// route, whether the target is missing or merely unreachable.
func (s *Session) sendNoSuchPeer(peer api.PeerId) {
	s.notify(api.P2PReject, api.RejectNotice{Peer: peer, Reason: api.ReasonNotFound})
}

func (s *Session) sendPeerRefused(peer api.PeerId) {
	s.notify(api.P2PReject, api.RejectNotice{Peer: peer, Reason: api.ReasonPeerRefused})
}

func (s *Session) sendConnect(from api.PeerId, flags uint32, offer string) {
	s.notify(api.P2PConnect, api.ConnectReply{Peer: from, Flags: flags, Offer: offer})
}

func (s *Session) sendResponse(from api.PeerId, offer string) {
	s.notify(api.P2PResponse, api.ResponseReply{Peer: from, Offer: offer})
}

func (s *Session) sendCandidate(from api.PeerId, candidate string) {
	s.notify(api.ICECandidate, api.CandidateExchange{Peer: from, Candidate: candidate})
}

func (s *Session) sendRelay(from api.PeerId, data []byte) {
	s.notify(api.P2PRelayData, api.RelayData{Peer: from, Data: data})
}

func (s *Session) sendAliasResolved(alias string, peer api.PeerId) {
	s.notify(api.AliasResolved, api.AliasResolvedReply{Alias: alias, Peer: peer})
}

func (s *Session) sendAliasResult(alias string, ok bool) {
	s.notify(api.AliasResult, api.AliasResultReply{Alias: alias, Ok: ok})
}
