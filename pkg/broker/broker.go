package broker

import (
	"context"
	"errors"

	"github.com/openlobby/peerbroker/pkg/api"
	"github.com/openlobby/peerbroker/pkg/config"
	"github.com/openlobby/peerbroker/pkg/logger"
	"github.com/openlobby/peerbroker/pkg/monitoring"
	"github.com/openlobby/peerbroker/pkg/network/httpx"
	"github.com/openlobby/peerbroker/pkg/network/websocket"
	"github.com/openlobby/peerbroker/pkg/service"
)

// Hub terminates every signaling connection: inbound frames go through
// OnFrame, teardown through OnDisconnect. It owns the game directory,
// the reconnect store and the ICE advertisement.
type Hub struct {
	service.RunnableService

	conf     config.BrokerConfig
	games    *Directory
	rec      *ReconnectStore
	ice      []string
	upgrader *websocket.Upgrader
	log      *logger.Logger
}

// New assembles the broker service group: the hub, its HTTP endpoint
// and the optional monitoring server.
func New(conf config.BrokerConfig, log *logger.Logger) (services service.Group, err error) {
	hub := NewHub(conf, log)
	h, err := NewHTTPServer(conf, log, func(mux *httpx.Mux) {
		mux.HandleFunc("/ws", hub.handleConnection)
	})
	if err != nil {
		return services, err
	}
	services.Add(hub, h)
	if conf.Broker.Monitoring.IsEnabled() {
		m, err := monitoring.New(conf.Broker.Monitoring, h.GetHost(), log)
		if err != nil {
			return services, err
		}
		services.Add(m)
	}
	return services, nil
}

func NewHub(conf config.BrokerConfig, log *logger.Logger) *Hub {
	ice := make([]string, 0, len(conf.Webrtc.IceServers))
	for _, server := range conf.Webrtc.IceServers {
		ice = append(ice, api.LegacyICE(server.Urls, server.Username, server.Credential))
	}
	return &Hub{
		conf:     conf,
		games:    NewDirectory(conf.Broker, log),
		rec:      NewReconnectStore(conf.Broker.Reconnect, log),
		ice:      ice,
		upgrader: websocket.NewUpgrader(conf.Broker.Origin),
		log:      log,
	}
}

func NewHTTPServer(conf config.BrokerConfig, log *logger.Logger, fnMux func(*httpx.Mux)) (*httpx.Server, error) {
	return httpx.NewServer(
		conf.Broker.Server.GetAddr(),
		func(*httpx.Server) httpx.Handler {
			h := httpx.NewServeMux()
			fnMux(h)
			return h
		},
		httpx.WithServerConfig(conf.Broker.Server),
		httpx.WithLogger(log),
		httpx.WithZone(conf.Broker.Zone),
	)
}

// handleConnection owns one websocket connection from upgrade to
// teardown.
func (h *Hub) handleConnection(w httpx.ResponseWriter, r *httpx.Request) {
	defer func() {
		if err := recover(); err != nil {
			h.log.Error().Msgf("recovered: %v", err)
		}
	}()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("connection upgrade failed")
		return
	}
	ws, err := websocket.NewServerWithConn(conn, h.log)
	if err != nil {
		h.log.Error().Err(err).Msg("couldn't init the socket")
		return
	}

	session := newSession(h, ws, r.RemoteAddr, h.log)
	ws.OnMessage = func(message []byte, err error) {
		if err != nil {
			return
		}
		h.OnFrame(session, message)
	}
	session.log.Debug().Msgf("new connection from %v", session.url)
	ws.Listen()
	<-ws.Done
	h.OnDisconnect(session)
}

// OnFrame pushes one framed message through the session state machine.
// Undecodable frames and hard protocol failures drop the transport.
func (h *Hub) OnFrame(session *Session, frame []byte) {
	packet, err := api.Decode(frame)
	if err != nil {
		session.log.Error().Err(err).Msg("dropping the connection on a malformed frame")
		metrics.Failures.WithLabelValues("decode").Inc()
		session.Close()
		return
	}
	if err := session.processMsg(packet); err != nil {
		session.log.Error().Err(err).Msgf("dropping the connection on %v", packet.T)
		metrics.Failures.WithLabelValues(failureReason(err)).Inc()
		session.Close()
	}
}

// OnDisconnect finalizes the session after its transport is gone.
func (h *Hub) OnDisconnect(session *Session) {
	session.disconnect()
	session.log.Debug().Msg("connection closed")
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrProtocolViolation):
		return "protocol"
	case errors.Is(err, ErrDecode):
		return "decode"
	}
	return "other"
}

// Run starts the reconnect record janitor.
func (h *Hub) Run() { h.rec.Run() }

// Shutdown stops the janitor and drops every connected session.
func (h *Hub) Shutdown(context.Context) error {
	h.log.Debug().Msg("shutting down the signaling hub")
	h.rec.Stop()
	h.games.ForEach(func(g *Game) {
		g.mu.Lock()
		for _, session := range g.peers {
			session.Close()
		}
		g.mu.Unlock()
	})
	return nil
}

func (h *Hub) String() string { return "hub:" + h.conf.Broker.Server.GetAddr() }
