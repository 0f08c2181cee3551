// Package api defines the broker's signaling protocol.
//
// Each websocket frame carries exactly one JSON-encoded "packet" of the
// following structure:
//
//	t - (required) one of the predefined unique packet types;
//	p - (optional) packet payload with type-specific data.
//
// The packets differentiate by their predefined types with which it is
// possible to unwrap the payload into distinct request/response data
// structures.
//
// Example:
//
//	{"t":2,"p":{"peer":1,"reconnect":"af12...","ice":["stun:stun.l.google.com:19302"]}}
package api

import (
	"github.com/goccy/go-json"
)

type PT uint8

// Packet codes:
//
//	x  - hello handshake
//	1x - peer-to-peer negotiation
//	3x - alias registry
const (
	HelloServer   PT = 1
	HelloClient   PT = 2
	P2POffer      PT = 10
	P2PAnswer     PT = 11
	P2PConnect    PT = 12
	P2PResponse   PT = 13
	P2PReject     PT = 14
	ICECandidate  PT = 15
	P2PConnected  PT = 16
	P2PDisconnect PT = 17
	P2PRelayData  PT = 18

	AliasRegister   PT = 30
	AliasUnregister PT = 31
	AliasLookup     PT = 32
	AliasResolved   PT = 33
	AliasResult     PT = 34
)

func (p PT) String() string {
	switch p {
	case HelloServer:
		return "HelloServer"
	case HelloClient:
		return "HelloClient"
	case P2POffer:
		return "P2POffer"
	case P2PAnswer:
		return "P2PAnswer"
	case P2PConnect:
		return "P2PConnect"
	case P2PResponse:
		return "P2PResponse"
	case P2PReject:
		return "P2PReject"
	case ICECandidate:
		return "ICECandidate"
	case P2PConnected:
		return "P2PConnected"
	case P2PDisconnect:
		return "P2PDisconnect"
	case P2PRelayData:
		return "P2PRelayData"
	case AliasRegister:
		return "AliasRegister"
	case AliasUnregister:
		return "AliasUnregister"
	case AliasLookup:
		return "AliasLookup"
	case AliasResolved:
		return "AliasResolved"
	case AliasResult:
		return "AliasResult"
	default:
		return "Unknown"
	}
}

// PeerId identifies a peer within its game. Zero means unassigned,
// and in replies it denotes "not found".
type PeerId uint32

// HelloServer flag bits.
const (
	FlagWebRTC    uint32 = 1 << 0 // client supports WebRTC (required)
	FlagNoTrickle uint32 = 1 << 1 // disable trickle ICE
)

// P2POffer flag bits.
const (
	FlagEmulated uint32 = 1 << 0 // emulated connection request, always rejected
)

// RejectReason explains a P2PReject packet.
type RejectReason uint8

const (
	ReasonNotFound    RejectReason = 1
	ReasonPeerRefused RejectReason = 2
)

func (r RejectReason) String() string {
	switch r {
	case ReasonNotFound:
		return "NotFound"
	case ReasonPeerRefused:
		return "PeerRefused"
	}
	return "Unknown"
}

type In struct {
	T       PT              `json:"t"`
	Payload json.RawMessage `json:"p,omitempty"` // should be json.RawMessage for 2-pass unmarshal
}

type Out struct {
	T       uint8 `json:"t"`
	Payload any   `json:"p,omitempty"`
}

func Unwrap[T any](data []byte) *T {
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil
	}
	return out
}
