package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type deadlinedConn struct {
	sock *websocket.Conn
	wt   time.Duration
}

func (conn *deadlinedConn) setup(fn func(conn *websocket.Conn)) { fn(conn.sock) }

func (conn *deadlinedConn) close() error { return conn.sock.Close() }

func (conn *deadlinedConn) read() (message []byte, err error) {
	_, message, err = conn.sock.ReadMessage()
	return
}

func (conn *deadlinedConn) write(t int, mess []byte) error {
	if err := conn.sock.SetWriteDeadline(time.Now().Add(conn.wt)); err != nil {
		return err
	}
	return conn.sock.WriteMessage(t, mess)
}

// sendQueue buffers outbound frames in FIFO order. Pushes never block,
// so a slow socket stalls only its own writer and not the code that
// produced the frame. The ready channel fires on every transition of
// the queue from empty to non-empty.
type sendQueue struct {
	mu     sync.Mutex
	buf    [][]byte
	ready  chan struct{}
	closed bool
}

func newSendQueue() *sendQueue { return &sendQueue{ready: make(chan struct{}, 1)} }

func (q *sendQueue) push(data []byte) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	wasEmpty := len(q.buf) == 0
	q.buf = append(q.buf, data)
	q.mu.Unlock()
	if wasEmpty {
		q.signal()
	}
	return true
}

// pop takes the whole buffered batch preserving the push order.
func (q *sendQueue) pop() [][]byte {
	q.mu.Lock()
	batch := q.buf
	q.buf = nil
	q.mu.Unlock()
	return batch
}

func (q *sendQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *sendQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *sendQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
