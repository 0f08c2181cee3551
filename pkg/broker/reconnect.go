package broker

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/openlobby/peerbroker/pkg/api"
	"github.com/openlobby/peerbroker/pkg/config"
	"github.com/openlobby/peerbroker/pkg/logger"
	"github.com/zeebo/blake3"
)

var (
	errTokenStale   = errors.New("reconnect token is no longer valid")
	errTokenForeign = errors.New("reconnect token belongs to another game")
)

// PeerRecord preserves a dropped peer's identity for the reconnect
// window: the id it held, the game it belongs to and the aliases to
// restore on return.
type PeerRecord struct {
	Token   string
	Peer    api.PeerId
	Game    string
	Aliases []string
	Expiry  time.Time
}

// ReconnectStore maps reconnect tokens to preserved peer records.
// Tokens are bearer credentials: a claim hands the record to whoever
// presents the token first and burns it. The store is its own
// serialization domain and never takes any game lock.
type ReconnectStore struct {
	ttl   time.Duration
	sweep time.Duration
	log   *logger.Logger
	now   func() time.Time

	mu      sync.Mutex
	records map[string]*PeerRecord

	done chan struct{}
}

func NewReconnectStore(conf config.Reconnect, log *logger.Logger) *ReconnectStore {
	return &ReconnectStore{
		ttl:     conf.TTL,
		sweep:   conf.SweepEvery,
		log:     log,
		now:     time.Now,
		records: make(map[string]*PeerRecord),
		done:    make(chan struct{}),
	}
}

// Issue mints a fresh token for the peer and stores its record. Every
// successful hello gets exactly one token.
func (s *ReconnectStore) Issue(peer api.PeerId, game string, aliases []string) string {
	token := newToken(peer)
	s.put(&PeerRecord{Token: token, Peer: peer, Game: game, Aliases: aliases})
	return token
}

// Freeze refreshes the record behind the token with the final alias
// set at disconnect and restarts its expiry window. A record already
// collected by the janitor is recreated, since the client still holds
// the token.
func (s *ReconnectStore) Freeze(token string, peer api.PeerId, game string, aliases []string) {
	if token == "" {
		return
	}
	s.put(&PeerRecord{Token: token, Peer: peer, Game: game, Aliases: aliases})
}

// Claim consumes the record for the token. A token presented to a
// different game doesn't burn the record, so a misdirected claim can't
// revoke the real owner's reconnect window.
func (s *ReconnectStore) Claim(token string, game string) (PeerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[token]
	if !ok || rec.Expiry.Before(s.now()) {
		if ok {
			delete(s.records, token)
		}
		return PeerRecord{}, errTokenStale
	}
	if rec.Game != game {
		return PeerRecord{}, errTokenForeign
	}
	delete(s.records, token)
	return *rec, nil
}

func (s *ReconnectStore) put(rec *PeerRecord) {
	s.mu.Lock()
	rec.Expiry = s.now().Add(s.ttl)
	s.records[rec.Token] = rec
	s.mu.Unlock()
}

// Run starts the expiry janitor.
func (s *ReconnectStore) Run() {
	go func() {
		tick := time.NewTicker(s.sweep)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				if n := s.Sweep(); n > 0 {
					s.log.Debug().Msgf("collected %v expired reconnect records", n)
				}
			case <-s.done:
				return
			}
		}
	}()
}

// Sweep drops expired records and reports how many were collected.
func (s *ReconnectStore) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	collected := 0
	for token, rec := range s.records {
		if rec.Expiry.Before(now) {
			delete(s.records, token)
			collected++
		}
	}
	return collected
}

func (s *ReconnectStore) Stop() { close(s.done) }

// newToken derives an opaque reconnect token: fresh uuid entropy bound
// to the peer id, hidden behind a digest.
func newToken(peer api.PeerId) string {
	seed := uuid.Must(uuid.NewV4())
	buf := make([]byte, 0, 20)
	buf = append(buf, seed.Bytes()...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(peer))
	digest := blake3.Sum256(buf)
	return hex.EncodeToString(digest[:])
}
