package broker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/openlobby/peerbroker/pkg/api"
	"github.com/openlobby/peerbroker/pkg/config"
	"github.com/openlobby/peerbroker/pkg/logger"
)

// fakeTransport records outbound frames instead of writing them to a
// socket.
type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (f *fakeTransport) Write(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, append([]byte(nil), data...))
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// pop decodes and drains every recorded frame.
func (f *fakeTransport) pop(t *testing.T) []api.In {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []api.In
	for _, frame := range f.frames {
		packet, err := api.Decode(frame)
		if err != nil {
			t.Fatalf("the broker emitted a malformed frame: %v", err)
		}
		out = append(out, packet)
	}
	f.frames = nil
	return out
}

func testConf() config.BrokerConfig {
	conf := config.BrokerConfig{}
	conf.Broker.Games = []config.GameAuth{
		{Key: "asteroids", Secret: "s3cret"},
		{Key: "tetris", Secret: "blocks"},
	}
	conf.Broker.Reconnect.TTL = time.Minute
	conf.Broker.Reconnect.SweepEvery = time.Second
	conf.Webrtc.IceServers = []config.IceServer{{Urls: "stun:stun.l.google.com:19302"}}
	return conf
}

func testHub() *Hub { return NewHub(testConf(), logger.Default()) }

func mustEncode(t *testing.T, pt api.PT, payload any) []byte {
	t.Helper()
	data, err := api.Encode(pt, payload)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// connect opens a raw unauthenticated session on the hub.
func connect(h *Hub) (*Session, *fakeTransport) {
	conn := &fakeTransport{}
	return newSession(h, conn, "test-conn", logger.Default()), conn
}

// hello opens a session and pushes one hello through it.
func hello(t *testing.T, h *Hub, game, secret string, flags uint32, token string) (*Session, *fakeTransport) {
	t.Helper()
	s, conn := connect(h)
	h.OnFrame(s, mustEncode(t, api.HelloServer, api.HelloServerRequest{
		Game: game, Secret: secret, Flags: flags, Reconnect: token,
	}))
	return s, conn
}

// join authenticates a fresh peer in the asteroids game and returns
// the handshake reply.
func join(t *testing.T, h *Hub) (*Session, *fakeTransport, *api.HelloClientReply) {
	t.Helper()
	s, conn := hello(t, h, "asteroids", "s3cret", api.FlagWebRTC, "")
	reply := unwrapOne[api.HelloClientReply](t, conn, api.HelloClient)
	return s, conn, reply
}

// unwrapOne expects exactly one recorded packet of the given type and
// returns its payload.
func unwrapOne[T any](t *testing.T, conn *fakeTransport, pt api.PT) *T {
	t.Helper()
	packets := conn.pop(t)
	if len(packets) != 1 {
		t.Fatalf("expected a single %v packet, got %v packets", pt, len(packets))
	}
	if packets[0].T != pt {
		t.Fatalf("expected %v, got %v", pt, packets[0].T)
	}
	payload := api.Unwrap[T](packets[0].Payload)
	if payload == nil {
		t.Fatalf("%v payload didn't unwrap", pt)
	}
	return payload
}

func expectNothing(t *testing.T, conn *fakeTransport) {
	t.Helper()
	if packets := conn.pop(t); len(packets) > 0 {
		t.Fatalf("expected no packets, got %v: %v", len(packets), packets[0].T)
	}
}

// checkGame asserts the game's structural invariants: bindings point
// back at their peer id and aliases resolve to live peers.
func checkGame(t *testing.T, g *Game) {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	for pid, s := range g.peers {
		if s.peerId != pid {
			t.Errorf("peer %v is bound to a session with id %v", pid, s.peerId)
		}
		if s.game != g {
			t.Errorf("peer %v is bound to a foreign game", pid)
		}
		if pid >= g.nextPeerId {
			t.Errorf("peer %v is not below the allocator mark %v", pid, g.nextPeerId)
		}
	}
	for name, pid := range g.aliases {
		if _, ok := g.peers[pid]; !ok {
			t.Errorf("alias %q points at unbound peer %v", name, pid)
		}
	}
}

func TestHelloHandshake(t *testing.T) {
	h := testHub()

	a, _, replyA := join(t, h)
	if replyA.Peer != 1 {
		t.Errorf("expected peer id 1, got %v", replyA.Peer)
	}
	if len(replyA.Reconnect) != 64 {
		t.Errorf("expected a 64-char reconnect token, got %q", replyA.Reconnect)
	}
	if len(replyA.Ice) != 1 || replyA.Ice[0] != "stun:stun.l.google.com:19302" {
		t.Errorf("unexpected ice advertisement: %v", replyA.Ice)
	}

	_, _, replyB := join(t, h)
	if replyB.Peer != 2 {
		t.Errorf("expected peer id 2, got %v", replyB.Peer)
	}
	if replyB.Reconnect == replyA.Reconnect {
		t.Errorf("two peers share a reconnect token")
	}
	checkGame(t, a.game)
}

func TestHelloRejectsBadCredentials(t *testing.T) {
	h := testHub()
	tests := []struct {
		name, game, secret string
	}{
		{name: "wrong secret", game: "asteroids", secret: "nope"},
		{name: "unknown game", game: "pong", secret: "s3cret"},
		{name: "empty game", game: "", secret: ""},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s, conn := hello(t, h, test.game, test.secret, api.FlagWebRTC, "")
			if !conn.isClosed() {
				t.Errorf("expected the connection to be dropped")
			}
			expectNothing(t, conn)
			if s.peerId != 0 {
				t.Errorf("a rejected session got peer id %v", s.peerId)
			}
		})
	}
}

func TestHelloRequiresWebRTCFlag(t *testing.T) {
	h := testHub()
	s, conn := hello(t, h, "asteroids", "s3cret", 0, "")
	if conn.isClosed() {
		t.Fatalf("a hello without WebRTC support must be ignored, not dropped")
	}
	expectNothing(t, conn)
	if s.peerId != 0 {
		t.Fatalf("the session got authenticated without WebRTC support")
	}

	// the client may retry on the same connection
	h.OnFrame(s, mustEncode(t, api.HelloServer, api.HelloServerRequest{
		Game: "asteroids", Secret: "s3cret", Flags: api.FlagWebRTC,
	}))
	reply := unwrapOne[api.HelloClientReply](t, conn, api.HelloClient)
	if reply.Peer != 1 {
		t.Errorf("expected peer id 1, got %v", reply.Peer)
	}
}

func TestSecondHelloIsIgnored(t *testing.T) {
	h := testHub()
	s, conn, reply := join(t, h)

	h.OnFrame(s, mustEncode(t, api.HelloServer, api.HelloServerRequest{
		Game: "tetris", Secret: "blocks", Flags: api.FlagWebRTC,
	}))
	expectNothing(t, conn)
	if conn.isClosed() {
		t.Errorf("a duplicate hello must not drop the session")
	}
	if s.peerId != reply.Peer || s.game.id != "asteroids" {
		t.Errorf("a duplicate hello changed the session identity: peer %v game %v", s.peerId, s.game.id)
	}
}

func TestPreAuthPacketDropsConnection(t *testing.T) {
	h := testHub()
	s, conn := connect(h)
	h.OnFrame(s, mustEncode(t, api.P2POffer, api.OfferRequest{Peer: 1, Offer: "sdp"}))
	if !conn.isClosed() {
		t.Errorf("expected the connection to be dropped")
	}
	expectNothing(t, conn)
}

func TestMalformedTrafficDropsConnection(t *testing.T) {
	h := testHub()

	t.Run("frame", func(t *testing.T) {
		s, conn := connect(h)
		h.OnFrame(s, []byte(`{"t":`))
		if !conn.isClosed() {
			t.Errorf("expected the connection to be dropped")
		}
	})

	t.Run("payload", func(t *testing.T) {
		s, conn, _ := join(t, h)
		h.OnFrame(s, []byte(`{"t":10,"p":"not-an-offer"}`))
		if !conn.isClosed() {
			t.Errorf("expected the connection to be dropped")
		}
		expectNothing(t, conn)
	})
}

func TestUnknownPacketIsIgnoredAfterAuth(t *testing.T) {
	h := testHub()
	s, conn, _ := join(t, h)

	h.OnFrame(s, []byte(`{"t":250,"p":{"x":1}}`))
	expectNothing(t, conn)
	if conn.isClosed() {
		t.Errorf("an unknown packet type dropped an authenticated session")
	}

	// an inbound server-to-client packet is forbidden but not fatal
	h.OnFrame(s, mustEncode(t, api.HelloClient, api.HelloClientReply{Peer: 9}))
	expectNothing(t, conn)
	if conn.isClosed() {
		t.Errorf("an inbound HelloClient dropped an authenticated session")
	}
}

func TestOfferAnswerRoundTrip(t *testing.T) {
	h := testHub()
	a, connA, replyA := join(t, h)
	b, connB, replyB := join(t, h)

	h.OnFrame(a, mustEncode(t, api.P2POffer, api.OfferRequest{Peer: replyB.Peer, Offer: "sdp-offer"}))
	fwd := unwrapOne[api.ConnectReply](t, connB, api.P2PConnect)
	if fwd.Peer != replyA.Peer || fwd.Offer != "sdp-offer" {
		t.Fatalf("mangled offer forward: %+v", fwd)
	}

	h.OnFrame(b, mustEncode(t, api.P2PAnswer, api.AnswerRequest{Peer: replyA.Peer, Offer: "sdp-answer"}))
	rsp := unwrapOne[api.ResponseReply](t, connA, api.P2PResponse)
	if rsp.Peer != replyB.Peer || rsp.Offer != "sdp-answer" {
		t.Fatalf("mangled answer forward: %+v", rsp)
	}

	a.game.mu.Lock()
	_, ab := a.connected[b.peerId]
	_, ba := b.connected[a.peerId]
	a.game.mu.Unlock()
	if !ab || !ba {
		t.Errorf("negotiation edges are not symmetric: a->b %v, b->a %v", ab, ba)
	}
	checkGame(t, a.game)
}

func TestOfferToMissingPeer(t *testing.T) {
	h := testHub()
	a, connA, _ := join(t, h)

	h.OnFrame(a, mustEncode(t, api.P2POffer, api.OfferRequest{Peer: 99, Offer: "sdp"}))
	reject := unwrapOne[api.RejectNotice](t, connA, api.P2PReject)
	if reject.Peer != 99 || reject.Reason != api.ReasonNotFound {
		t.Errorf("expected NotFound for peer 99, got %+v", reject)
	}
	if connA.isClosed() {
		t.Errorf("a soft failure must not drop the session")
	}
}

func TestEmulatedOfferRefused(t *testing.T) {
	h := testHub()
	a, connA, _ := join(t, h)
	b, connB, replyB := join(t, h)

	h.OnFrame(a, mustEncode(t, api.P2POffer, api.OfferRequest{
		Peer: replyB.Peer, Flags: api.FlagEmulated, Offer: "sdp",
	}))
	reject := unwrapOne[api.RejectNotice](t, connA, api.P2PReject)
	if reject.Peer != replyB.Peer || reject.Reason != api.ReasonNotFound {
		t.Errorf("expected NotFound for an emulated offer, got %+v", reject)
	}
	expectNothing(t, connB)

	a.game.mu.Lock()
	_, edge := a.connected[b.peerId]
	a.game.mu.Unlock()
	if edge {
		t.Errorf("an emulated offer left a negotiation edge")
	}
}

func TestOfferToPeerWithoutWebRTC(t *testing.T) {
	h := testHub()
	a, connA, _ := join(t, h)
	b, connB, replyB := join(t, h)

	// capability mismatch is possible only with historical clients, the
	// current hello refuses sessions without WebRTC support
	b.game.mu.Lock()
	b.webRTCSupport = false
	b.game.mu.Unlock()

	h.OnFrame(a, mustEncode(t, api.P2POffer, api.OfferRequest{Peer: replyB.Peer, Offer: "sdp"}))
	reject := unwrapOne[api.RejectNotice](t, connA, api.P2PReject)
	if reject.Peer != replyB.Peer || reject.Reason != api.ReasonPeerRefused {
		t.Errorf("expected PeerRefused, got %+v", reject)
	}
	expectNothing(t, connB)

	a.game.mu.Lock()
	_, edge := a.connected[b.peerId]
	a.game.mu.Unlock()
	if edge {
		t.Errorf("a refused offer left a negotiation edge")
	}
}

func TestAnswerWithoutOffer(t *testing.T) {
	h := testHub()
	_, connA, replyA := join(t, h)
	b, connB, _ := join(t, h)

	h.OnFrame(b, mustEncode(t, api.P2PAnswer, api.AnswerRequest{Peer: replyA.Peer, Offer: "sdp"}))
	reject := unwrapOne[api.RejectNotice](t, connB, api.P2PReject)
	if reject.Peer != replyA.Peer || reject.Reason != api.ReasonNotFound {
		t.Errorf("expected NotFound for an unsolicited answer, got %+v", reject)
	}
	expectNothing(t, connA)
}

func TestCandidateExchange(t *testing.T) {
	h := testHub()
	a, connA, replyA := join(t, h)
	_, connB, replyB := join(t, h)

	h.OnFrame(a, mustEncode(t, api.ICECandidate, api.CandidateExchange{
		Peer: replyB.Peer, Candidate: "candidate:1 1 UDP 2122252543 10.0.0.2 44444 typ host",
	}))
	fwd := unwrapOne[api.CandidateExchange](t, connB, api.ICECandidate)
	if fwd.Peer != replyA.Peer || fwd.Candidate == "" {
		t.Errorf("mangled candidate forward: %+v", fwd)
	}

	h.OnFrame(a, mustEncode(t, api.ICECandidate, api.CandidateExchange{Peer: 42, Candidate: "x"}))
	reject := unwrapOne[api.RejectNotice](t, connA, api.P2PReject)
	if reject.Peer != 42 || reject.Reason != api.ReasonNotFound {
		t.Errorf("expected NotFound for peer 42, got %+v", reject)
	}
}

func TestRejectForwarding(t *testing.T) {
	h := testHub()
	a, connA, replyA := join(t, h)
	b, connB, replyB := join(t, h)

	h.OnFrame(a, mustEncode(t, api.P2POffer, api.OfferRequest{Peer: replyB.Peer, Offer: "sdp"}))
	connB.pop(t)

	// the callee declines
	h.OnFrame(b, mustEncode(t, api.P2PReject, api.RejectNotice{Peer: replyA.Peer, Reason: api.ReasonPeerRefused}))
	reject := unwrapOne[api.RejectNotice](t, connA, api.P2PReject)
	if reject.Peer != replyB.Peer || reject.Reason != api.ReasonPeerRefused {
		t.Errorf("expected PeerRefused from peer %v, got %+v", replyB.Peer, reject)
	}

	// a NotFound reason still lands as a refusal
	h.OnFrame(b, mustEncode(t, api.P2PReject, api.RejectNotice{Peer: replyA.Peer, Reason: api.ReasonNotFound}))
	reject = unwrapOne[api.RejectNotice](t, connA, api.P2PReject)
	if reject.Reason != api.ReasonPeerRefused {
		t.Errorf("expected PeerRefused, got %+v", reject)
	}

	// rejecting a missing peer goes nowhere
	h.OnFrame(b, mustEncode(t, api.P2PReject, api.RejectNotice{Peer: 77, Reason: api.ReasonPeerRefused}))
	expectNothing(t, connB)
	if connB.isClosed() {
		t.Errorf("rejecting a missing peer must not drop the session")
	}
}

func TestConnectedNoticeChangesNothing(t *testing.T) {
	h := testHub()
	a, connA, _ := join(t, h)
	_, _, replyB := join(t, h)

	h.OnFrame(a, mustEncode(t, api.P2PConnected, api.ConnectedNotice{Peer: replyB.Peer}))
	expectNothing(t, connA)
	checkGame(t, a.game)
}

func TestP2PDisconnectDropsEdges(t *testing.T) {
	h := testHub()
	a, _, replyA := join(t, h)
	b, connB, replyB := join(t, h)

	h.OnFrame(a, mustEncode(t, api.P2POffer, api.OfferRequest{Peer: replyB.Peer, Offer: "sdp"}))
	connB.pop(t)
	h.OnFrame(b, mustEncode(t, api.P2PAnswer, api.AnswerRequest{Peer: replyA.Peer, Offer: "sdp"}))

	h.OnFrame(a, mustEncode(t, api.P2PDisconnect, api.DisconnectNotice{Peer: replyB.Peer}))

	a.game.mu.Lock()
	_, ab := a.connected[b.peerId]
	_, ba := b.connected[a.peerId]
	a.game.mu.Unlock()
	if ab || ba {
		t.Errorf("edges survived a p2p disconnect: a->b %v, b->a %v", ab, ba)
	}
}

func TestRelayDataForwarding(t *testing.T) {
	h := testHub()
	a, connA, replyA := join(t, h)
	_, connB, replyB := join(t, h)

	blob := []byte{0x00, 0x80, 0xff, 0x01}
	h.OnFrame(a, mustEncode(t, api.P2PRelayData, api.RelayData{Peer: replyB.Peer, Data: blob}))
	relay := unwrapOne[api.RelayData](t, connB, api.P2PRelayData)
	if relay.Peer != replyA.Peer {
		t.Errorf("expected relay from peer %v, got %v", replyA.Peer, relay.Peer)
	}
	if string(relay.Data) != string(blob) {
		t.Errorf("relay payload mangled: %x", relay.Data)
	}

	h.OnFrame(a, mustEncode(t, api.P2PRelayData, api.RelayData{Peer: 11, Data: blob}))
	reject := unwrapOne[api.RejectNotice](t, connA, api.P2PReject)
	if reject.Reason != api.ReasonNotFound {
		t.Errorf("expected NotFound for peer 11, got %+v", reject)
	}
}

func TestRelayPreservesOrder(t *testing.T) {
	h := testHub()
	a, _, _ := join(t, h)
	_, connB, replyB := join(t, h)

	const n = 20
	for i := 0; i < n; i++ {
		h.OnFrame(a, mustEncode(t, api.P2PRelayData, api.RelayData{
			Peer: replyB.Peer, Data: []byte(fmt.Sprintf("msg-%02d", i)),
		}))
	}
	packets := connB.pop(t)
	if len(packets) != n {
		t.Fatalf("expected %v relayed packets, got %v", n, len(packets))
	}
	for i, packet := range packets {
		relay := api.Unwrap[api.RelayData](packet.Payload)
		if relay == nil {
			t.Fatalf("relay %v didn't unwrap", i)
		}
		if want := fmt.Sprintf("msg-%02d", i); string(relay.Data) != want {
			t.Fatalf("relay order broken at %v: got %q", i, relay.Data)
		}
	}
}

func TestAliasLifecycle(t *testing.T) {
	h := testHub()
	a, connA, replyA := join(t, h)
	b, connB, _ := join(t, h)

	h.OnFrame(a, mustEncode(t, api.AliasRegister, api.AliasRegisterRequest{Alias: "alice"}))
	result := unwrapOne[api.AliasResultReply](t, connA, api.AliasResult)
	if !result.Ok || result.Alias != "alice" {
		t.Fatalf("register failed: %+v", result)
	}

	h.OnFrame(b, mustEncode(t, api.AliasLookup, api.AliasLookupRequest{Alias: "alice"}))
	resolved := unwrapOne[api.AliasResolvedReply](t, connB, api.AliasResolved)
	if resolved.Peer != replyA.Peer {
		t.Fatalf("alias resolved to peer %v, expected %v", resolved.Peer, replyA.Peer)
	}

	// the name is taken
	h.OnFrame(b, mustEncode(t, api.AliasRegister, api.AliasRegisterRequest{Alias: "alice"}))
	result = unwrapOne[api.AliasResultReply](t, connB, api.AliasResult)
	if result.Ok {
		t.Fatalf("a taken alias got re-registered")
	}

	// but not for its owner
	h.OnFrame(a, mustEncode(t, api.AliasRegister, api.AliasRegisterRequest{Alias: "alice"}))
	result = unwrapOne[api.AliasResultReply](t, connA, api.AliasResult)
	if !result.Ok {
		t.Fatalf("the owner couldn't re-register its own alias")
	}

	h.OnFrame(a, mustEncode(t, api.AliasUnregister, api.AliasUnregisterRequest{Alias: "alice"}))
	result = unwrapOne[api.AliasResultReply](t, connA, api.AliasResult)
	if !result.Ok {
		t.Fatalf("unregister failed: %+v", result)
	}

	// the second unregister is a no-op failure
	h.OnFrame(a, mustEncode(t, api.AliasUnregister, api.AliasUnregisterRequest{Alias: "alice"}))
	result = unwrapOne[api.AliasResultReply](t, connA, api.AliasResult)
	if result.Ok {
		t.Fatalf("unregister of a free alias reported success")
	}

	h.OnFrame(b, mustEncode(t, api.AliasLookup, api.AliasLookupRequest{Alias: "alice"}))
	resolved = unwrapOne[api.AliasResolvedReply](t, connB, api.AliasResolved)
	if resolved.Peer != 0 {
		t.Fatalf("a freed alias still resolves to peer %v", resolved.Peer)
	}
	checkGame(t, a.game)
}

func TestAliasUnregisterForeignName(t *testing.T) {
	h := testHub()
	a, connA, replyA := join(t, h)
	b, connB, _ := join(t, h)

	h.OnFrame(a, mustEncode(t, api.AliasRegister, api.AliasRegisterRequest{Alias: "alice"}))
	connA.pop(t)

	h.OnFrame(b, mustEncode(t, api.AliasUnregister, api.AliasUnregisterRequest{Alias: "alice"}))
	result := unwrapOne[api.AliasResultReply](t, connB, api.AliasResult)
	if result.Ok {
		t.Fatalf("a foreign alias got unregistered")
	}

	h.OnFrame(b, mustEncode(t, api.AliasLookup, api.AliasLookupRequest{Alias: "alice"}))
	resolved := unwrapOne[api.AliasResolvedReply](t, connB, api.AliasResolved)
	if resolved.Peer != replyA.Peer {
		t.Fatalf("the alias moved to peer %v", resolved.Peer)
	}
}

func TestAliasUnregisterAll(t *testing.T) {
	h := testHub()
	a, connA, _ := join(t, h)
	_, connB, _ := join(t, h)

	for _, name := range []string{"alice", "alice-2", "alice-3"} {
		h.OnFrame(a, mustEncode(t, api.AliasRegister, api.AliasRegisterRequest{Alias: name}))
	}
	connA.pop(t)

	h.OnFrame(a, mustEncode(t, api.AliasUnregister, api.AliasUnregisterRequest{}))
	result := unwrapOne[api.AliasResultReply](t, connA, api.AliasResult)
	if !result.Ok {
		t.Fatalf("unregister-all failed: %+v", result)
	}

	for _, name := range []string{"alice", "alice-2", "alice-3"} {
		h.OnFrame(a, mustEncode(t, api.AliasLookup, api.AliasLookupRequest{Alias: name}))
		resolved := unwrapOne[api.AliasResolvedReply](t, connA, api.AliasResolved)
		if resolved.Peer != 0 {
			t.Errorf("alias %q survived unregister-all", name)
		}
	}
	expectNothing(t, connB)

	// an unregister without any payload means the same thing
	h.OnFrame(a, mustEncode(t, api.AliasRegister, api.AliasRegisterRequest{Alias: "alice"}))
	connA.pop(t)
	h.OnFrame(a, []byte(`{"t":31}`))
	result = unwrapOne[api.AliasResultReply](t, connA, api.AliasResult)
	if !result.Ok {
		t.Fatalf("a payload-less unregister failed: %+v", result)
	}
	h.OnFrame(a, mustEncode(t, api.AliasLookup, api.AliasLookupRequest{Alias: "alice"}))
	resolved := unwrapOne[api.AliasResolvedReply](t, connA, api.AliasResolved)
	if resolved.Peer != 0 {
		t.Errorf("the alias survived a payload-less unregister")
	}
}

func TestDisconnectSweepsNegotiationState(t *testing.T) {
	h := testHub()
	a, _, replyA := join(t, h)
	b, connB, replyB := join(t, h)
	c, connC, _ := join(t, h)

	// a negotiates with b both ways, c has only offered to a
	h.OnFrame(a, mustEncode(t, api.P2POffer, api.OfferRequest{Peer: replyB.Peer, Offer: "sdp"}))
	connB.pop(t)
	h.OnFrame(b, mustEncode(t, api.P2PAnswer, api.AnswerRequest{Peer: replyA.Peer, Offer: "sdp"}))
	h.OnFrame(c, mustEncode(t, api.P2POffer, api.OfferRequest{Peer: replyA.Peer, Offer: "sdp"}))

	game := a.game
	h.OnDisconnect(a)

	// both get told the peer is gone and drop their edges
	reject := unwrapOne[api.RejectNotice](t, connB, api.P2PReject)
	if reject.Peer != replyA.Peer || reject.Reason != api.ReasonPeerRefused {
		t.Errorf("expected a synthetic refusal at b, got %+v", reject)
	}
	packets := connC.pop(t)
	found := false
	for _, packet := range packets {
		if packet.T == api.P2PReject {
			found = true
		}
	}
	if !found {
		t.Errorf("the offering peer got no synthetic refusal")
	}

	game.mu.Lock()
	_, bound := game.peers[replyA.Peer]
	_, ba := b.connected[replyA.Peer]
	_, ca := c.connected[replyA.Peer]
	left := len(game.peers)
	game.mu.Unlock()
	if bound {
		t.Errorf("the peer is still bound after disconnect")
	}
	if ba || ca {
		t.Errorf("stale edges survived the teardown: b %v, c %v", ba, ca)
	}
	if left != 2 {
		t.Errorf("expected 2 bound peers, got %v", left)
	}
	checkGame(t, game)
}

func TestDisconnectFreesAliasesAndReservesId(t *testing.T) {
	h := testHub()
	a, connA, replyA := join(t, h)
	h.OnFrame(a, mustEncode(t, api.AliasRegister, api.AliasRegisterRequest{Alias: "alice"}))
	connA.pop(t)

	h.OnDisconnect(a)

	b, connB, replyB := join(t, h)
	if replyB.Peer == replyA.Peer {
		t.Fatalf("a dropped peer id %v got reissued", replyA.Peer)
	}

	h.OnFrame(b, mustEncode(t, api.AliasRegister, api.AliasRegisterRequest{Alias: "alice"}))
	result := unwrapOne[api.AliasResultReply](t, connB, api.AliasResult)
	if !result.Ok {
		t.Fatalf("a freed alias stayed reserved: %+v", result)
	}
	checkGame(t, b.game)
}

func TestGamesAreIsolated(t *testing.T) {
	h := testHub()
	a, connA, replyA := join(t, h)
	b, connB := hello(t, h, "tetris", "blocks", api.FlagWebRTC, "")
	replyB := unwrapOne[api.HelloClientReply](t, connB, api.HelloClient)

	if replyA.Peer != 1 || replyB.Peer != 1 {
		t.Fatalf("games share the peer id space: %v, %v", replyA.Peer, replyB.Peer)
	}

	// peer 1 exists in both games, but not peer 2 in tetris
	h.OnFrame(b, mustEncode(t, api.P2POffer, api.OfferRequest{Peer: 2, Offer: "sdp"}))
	reject := unwrapOne[api.RejectNotice](t, connB, api.P2PReject)
	if reject.Reason != api.ReasonNotFound {
		t.Fatalf("an offer crossed the game boundary: %+v", reject)
	}

	h.OnFrame(a, mustEncode(t, api.AliasRegister, api.AliasRegisterRequest{Alias: "alice"}))
	connA.pop(t)
	h.OnFrame(b, mustEncode(t, api.AliasLookup, api.AliasLookupRequest{Alias: "alice"}))
	resolved := unwrapOne[api.AliasResolvedReply](t, connB, api.AliasResolved)
	if resolved.Peer != 0 {
		t.Fatalf("an alias crossed the game boundary: %+v", resolved)
	}
}

func TestReconnectRestoresIdentity(t *testing.T) {
	h := testHub()
	a, connA, replyA := join(t, h)
	h.OnFrame(a, mustEncode(t, api.AliasRegister, api.AliasRegisterRequest{Alias: "alice"}))
	connA.pop(t)

	h.OnDisconnect(a)

	a2, conn2 := hello(t, h, "asteroids", "s3cret", api.FlagWebRTC, replyA.Reconnect)
	reply2 := unwrapOne[api.HelloClientReply](t, conn2, api.HelloClient)
	if reply2.Peer != replyA.Peer {
		t.Fatalf("reconnect got peer id %v, expected %v", reply2.Peer, replyA.Peer)
	}
	if reply2.Reconnect == replyA.Reconnect {
		t.Fatalf("the reconnect token was not rotated")
	}

	// the alias came back with the identity
	b, connB, _ := join(t, h)
	h.OnFrame(b, mustEncode(t, api.AliasLookup, api.AliasLookupRequest{Alias: "alice"}))
	resolved := unwrapOne[api.AliasResolvedReply](t, connB, api.AliasResolved)
	if resolved.Peer != replyA.Peer {
		t.Fatalf("the alias didn't survive the reconnect: %+v", resolved)
	}

	// fresh ids keep growing from above the restored one
	if b.peerId <= a2.peerId {
		t.Fatalf("the allocator reissued a reclaimed range: %v after %v", b.peerId, a2.peerId)
	}
	checkGame(t, a2.game)
}

func TestReconnectTokenIsSingleUse(t *testing.T) {
	h := testHub()
	a, _, replyA := join(t, h)
	h.OnDisconnect(a)

	_, conn2 := hello(t, h, "asteroids", "s3cret", api.FlagWebRTC, replyA.Reconnect)
	reply2 := unwrapOne[api.HelloClientReply](t, conn2, api.HelloClient)
	if reply2.Peer != replyA.Peer {
		t.Fatalf("the first claim failed: %+v", reply2)
	}

	// the token is burned, the next claim starts fresh
	_, conn3 := hello(t, h, "asteroids", "s3cret", api.FlagWebRTC, replyA.Reconnect)
	reply3 := unwrapOne[api.HelloClientReply](t, conn3, api.HelloClient)
	if reply3.Peer == replyA.Peer {
		t.Fatalf("a burned token restored peer id %v", reply3.Peer)
	}
}

func TestReconnectForeignGameStartsFresh(t *testing.T) {
	h := testHub()
	a, _, replyA := join(t, h)
	h.OnDisconnect(a)

	// the token is useless in another game
	_, connT := hello(t, h, "tetris", "blocks", api.FlagWebRTC, replyA.Reconnect)
	replyT := unwrapOne[api.HelloClientReply](t, connT, api.HelloClient)
	if replyT.Peer != 1 {
		t.Fatalf("a foreign token influenced the id assignment: %+v", replyT)
	}

	// and the record survives for the right game
	_, conn2 := hello(t, h, "asteroids", "s3cret", api.FlagWebRTC, replyA.Reconnect)
	reply2 := unwrapOne[api.HelloClientReply](t, conn2, api.HelloClient)
	if reply2.Peer != replyA.Peer {
		t.Fatalf("a foreign claim burned the record: %+v", reply2)
	}
}

func TestReconnectEvictsLivePredecessor(t *testing.T) {
	h := testHub()
	a, connA, replyA := join(t, h)
	b, connB, replyB := join(t, h)

	h.OnFrame(a, mustEncode(t, api.P2POffer, api.OfferRequest{Peer: replyB.Peer, Offer: "sdp"}))
	connB.pop(t)

	// same token shows up on a second connection while the first one
	// is still half-open
	a2, conn2 := hello(t, h, "asteroids", "s3cret", api.FlagWebRTC, replyA.Reconnect)
	reply2 := unwrapOne[api.HelloClientReply](t, conn2, api.HelloClient)
	if reply2.Peer != replyA.Peer {
		t.Fatalf("the takeover got peer id %v, expected %v", reply2.Peer, replyA.Peer)
	}
	if !connA.isClosed() {
		t.Errorf("the predecessor transport is still open")
	}

	// the negotiation moved over: the answer lands on the new connection
	h.OnFrame(b, mustEncode(t, api.P2PAnswer, api.AnswerRequest{Peer: replyA.Peer, Offer: "sdp-answer"}))
	rsp := unwrapOne[api.ResponseReply](t, conn2, api.P2PResponse)
	if rsp.Peer != replyB.Peer {
		t.Fatalf("the answer went astray: %+v", rsp)
	}

	// the late teardown of the predecessor must not damage anything
	h.OnDisconnect(a)
	a2.game.mu.Lock()
	bound := a2.game.peers[replyA.Peer] == a2
	a2.game.mu.Unlock()
	if !bound {
		t.Fatalf("the predecessor teardown unbound the successor")
	}
	expectNothing(t, connB)
	checkGame(t, a2.game)
}

func TestReconnectDoesNotStealTakenAlias(t *testing.T) {
	h := testHub()
	a, connA, replyA := join(t, h)
	h.OnFrame(a, mustEncode(t, api.AliasRegister, api.AliasRegisterRequest{Alias: "alice"}))
	connA.pop(t)
	h.OnDisconnect(a)

	// someone else grabs the name during the reconnect window
	c, connC, replyC := join(t, h)
	h.OnFrame(c, mustEncode(t, api.AliasRegister, api.AliasRegisterRequest{Alias: "alice"}))
	result := unwrapOne[api.AliasResultReply](t, connC, api.AliasResult)
	if !result.Ok {
		t.Fatalf("a freed alias stayed reserved: %+v", result)
	}

	_, conn2 := hello(t, h, "asteroids", "s3cret", api.FlagWebRTC, replyA.Reconnect)
	reply2 := unwrapOne[api.HelloClientReply](t, conn2, api.HelloClient)
	if reply2.Peer != replyA.Peer {
		t.Fatalf("reconnect failed: %+v", reply2)
	}

	h.OnFrame(c, mustEncode(t, api.AliasLookup, api.AliasLookupRequest{Alias: "alice"}))
	resolved := unwrapOne[api.AliasResolvedReply](t, connC, api.AliasResolved)
	if resolved.Peer != replyC.Peer {
		t.Fatalf("the reconnect stole the alias: %+v", resolved)
	}
}
