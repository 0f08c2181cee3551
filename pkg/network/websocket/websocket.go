package websocket

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/openlobby/peerbroker/pkg/logger"
	"github.com/openlobby/peerbroker/pkg/network"
)

const (
	maxMessageSize = 64 * 1024
	pingTime       = pongTime * 9 / 10
	pongTime       = 60 * time.Second
	writeWait      = 10 * time.Second
	closeWait      = time.Second
)

type WS struct {
	id    network.Uid
	conn  deadlinedConn
	queue *sendQueue

	OnMessage WSMessageHandler

	pingPong bool
	server   bool

	shutdown *sync.WaitGroup
	Done     chan struct{}

	log *logger.Logger
}

type WSMessageHandler func(message []byte, err error)

type Upgrader struct {
	websocket.Upgrader
}

var DefaultUpgrader = Upgrader{
	Upgrader: websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		WriteBufferPool: &sync.Pool{},
	},
}

// NewUpgrader makes an upgrader with the Origin check bound to the
// given host. The wildcard origin allows any cross-origin request.
func NewUpgrader(origin string) *Upgrader {
	u := DefaultUpgrader
	switch origin {
	case "*":
		u.CheckOrigin = func(r *http.Request) bool { return true }
	case "":
	default:
		u.CheckOrigin = func(r *http.Request) bool { return r.Header.Get("Origin") == origin }
	}
	return &u
}

// NewServerWithConn wraps an already upgraded connection.
func NewServerWithConn(conn *websocket.Conn, log *logger.Logger) (*WS, error) {
	return newSocket(conn, true, log), nil
}

func NewClient(address url.URL, log *logger.Logger) (*WS, error) {
	conn, _, err := websocket.DefaultDialer.Dial(address.String(), nil)
	if err != nil {
		return nil, err
	}
	return newSocket(conn, false, log), nil
}

func newSocket(conn *websocket.Conn, server bool, log *logger.Logger) *WS {
	shut := sync.WaitGroup{}
	shut.Add(2)

	id := network.NewUid()
	return &WS{
		id:       id,
		conn:     deadlinedConn{sock: conn, wt: writeWait},
		queue:    newSendQueue(),
		pingPong: server,
		server:   server,
		shutdown: &shut,
		Done:     make(chan struct{}, 1),
		log:      log.Extend(log.With().Str("ws", id.Short())),
	}
}

func (ws *WS) Id() network.Uid { return ws.id }
func (ws *WS) IsServer() bool  { return ws.server }

// Listen starts the reader and writer pumps.
// The OnMessage handler should be set beforehand.
func (ws *WS) Listen() {
	if ws.OnMessage == nil {
		ws.OnMessage = func([]byte, error) {}
	}
	go ws.writer()
	go ws.reader()
}

// reader pumps messages from the websocket connection to the OnMessage callback.
// Blocking, must be called as goroutine. Serializes all websocket reads.
func (ws *WS) reader() {
	defer func() {
		ws.queue.close()
		ws.shutdown.Done()
		ws.close()
	}()
	ws.conn.setup(func(conn *websocket.Conn) {
		conn.SetReadLimit(maxMessageSize)
		if ws.pingPong {
			_ = conn.SetReadDeadline(time.Now().Add(pongTime))
			conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(pongTime)); return nil })
		}
	})
	for {
		message, err := ws.conn.read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.log.Debug().Err(err).Msg("ws read")
			}
			break
		}
		ws.OnMessage(message, err)
	}
}

// writer drains the outbound queue into the websocket connection.
// Blocking, must be called as goroutine. Serializes all websocket writes.
func (ws *WS) writer() {
	var ticker *time.Ticker
	var ping <-chan time.Time
	if ws.pingPong {
		ticker = time.NewTicker(pingTime)
		ping = ticker.C
	}
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
		ws.shutdown.Done()
		ws.close()
	}()
	for {
		select {
		case <-ws.queue.ready:
			for _, message := range ws.queue.pop() {
				if err := ws.conn.write(websocket.TextMessage, message); err != nil {
					ws.log.Debug().Err(err).Msg("ws write")
					return
				}
			}
			if ws.queue.isClosed() {
				_ = ws.conn.write(websocket.CloseMessage, []byte{})
				// don't wait the full pong period for the peer's close frame
				ws.conn.setup(func(c *websocket.Conn) { _ = c.SetReadDeadline(time.Now().Add(closeWait)) })
				return
			}
		case <-ping:
			if err := ws.conn.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Write queues data for delivery preserving the enqueue order.
// It never blocks the caller; frames left in the queue when the
// connection dies are dropped.
func (ws *WS) Write(data []byte) { ws.queue.push(data) }

func (ws *WS) Close() { ws.queue.close() }

func (ws *WS) close() {
	ws.shutdown.Wait()
	_ = ws.conn.close()
	ws.Done <- struct{}{}
}
