package api

type (
	// HelloServerRequest authenticates a connection within a game.
	// Flags carry the client capabilities (see FlagWebRTC, FlagNoTrickle),
	// Reconnect presents a previously issued reconnect token, and
	// Attributes hold optional client metadata such as the platform label.
	HelloServerRequest struct {
		Game       string            `json:"game"`
		Secret     string            `json:"secret,omitempty"`
		Flags      uint32            `json:"flags,omitempty"`
		Reconnect  string            `json:"reconnect,omitempty"`
		Attributes map[string]string `json:"attributes,omitempty"`
	}

	// HelloClientReply completes the handshake: the assigned peer id,
	// a fresh reconnect token, and the ICE servers in the legacy
	// semicolon-separated form.
	HelloClientReply struct {
		Peer      PeerId   `json:"peer"`
		Reconnect string   `json:"reconnect,omitempty"`
		Ice       []string `json:"ice,omitempty"`
	}

	OfferRequest struct {
		Peer  PeerId `json:"peer"`
		Flags uint32 `json:"flags,omitempty"`
		Offer string `json:"offer"`
	}

	AnswerRequest struct {
		Peer  PeerId `json:"peer"`
		Offer string `json:"offer"`
	}

	// ConnectReply forwards an offer to its target; Peer is the originator.
	ConnectReply struct {
		Peer  PeerId `json:"peer"`
		Flags uint32 `json:"flags,omitempty"`
		Offer string `json:"offer"`
	}

	// ResponseReply forwards an answer back; Peer is the answerer.
	ResponseReply struct {
		Peer  PeerId `json:"peer"`
		Offer string `json:"offer"`
	}

	RejectNotice struct {
		Peer   PeerId       `json:"peer"`
		Reason RejectReason `json:"reason"`
	}

	CandidateExchange struct {
		Peer      PeerId `json:"peer"`
		Candidate string `json:"candidate"`
	}

	ConnectedNotice struct {
		Peer PeerId `json:"peer"`
	}

	DisconnectNotice struct {
		Peer PeerId `json:"peer"`
	}

	RelayData struct {
		Peer PeerId `json:"peer"`
		Data []byte `json:"data"`
	}

	AliasRegisterRequest struct {
		Alias string `json:"alias"`
	}

	// AliasUnregisterRequest with an empty alias drops every name
	// owned by the sender.
	AliasUnregisterRequest struct {
		Alias string `json:"alias,omitempty"`
	}

	AliasLookupRequest struct {
		Alias string `json:"alias"`
	}

	// AliasResolvedReply resolves an alias; Peer is zero when the name
	// is not registered.
	AliasResolvedReply struct {
		Alias string `json:"alias"`
		Peer  PeerId `json:"peer"`
	}

	AliasResultReply struct {
		Alias string `json:"alias"`
		Ok    bool   `json:"ok"`
	}
)
