package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TheusHen/hail/hail/crypto"
	"github.com/TheusHen/hail/hail/transport"
)

var (
	ErrWrongState = errors.New("session: peer not in expected state")
	ErrPeerExists = errors.New("session: peer already registered")
)

// State is the handshake progress of one registry entry. It only moves
// forward.
type State uint8

const (
	StateNone State = iota
	// StateAwaitingHailResponse: the acceptor sent its offer and waits for
	// the initiator's public key.
	StateAwaitingHailResponse
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateAwaitingHailResponse:
		return "AWAITING_HAIL_RESPONSE"
	case StateConnected:
		return "CONNECTED"
	default:
		return "NONE"
	}
}

type entry struct {
	state    State
	exchange crypto.KeyExchange
	channel  *crypto.SecureChannel
	secret   []byte
	opened   time.Time
}

// DeriveFunc turns a pending exchange into an established channel. It
// returns the channel and the raw shared secret, which the registry keeps.
type DeriveFunc func(ex crypto.KeyExchange) (*crypto.SecureChannel, []byte, error)

// Registry is the per-peer connection arena. Entries are created by Open or
// Adopt, advanced by Promote and dropped by Remove; nothing else mutates
// them.
type Registry struct {
	mu      sync.Mutex
	entries map[transport.PeerID]*entry
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		entries: map[transport.PeerID]*entry{},
		now:     time.Now,
	}
}

// Open registers an acceptor-side entry holding its pending exchange.
func (r *Registry) Open(peer transport.PeerID, ex crypto.KeyExchange) error {
	if ex == nil {
		return errors.New("session: nil exchange")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[peer]; ok {
		return fmt.Errorf("%w: %s", ErrPeerExists, peer)
	}
	r.entries[peer] = &entry{
		state:    StateAwaitingHailResponse,
		exchange: ex,
		opened:   r.now(),
	}
	return nil
}

// Adopt registers an initiator-side entry whose channel is already derived.
func (r *Registry) Adopt(peer transport.PeerID, ch *crypto.SecureChannel, secret []byte) error {
	if ch == nil {
		return errors.New("session: nil channel")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[peer]; ok {
		return fmt.Errorf("%w: %s", ErrPeerExists, peer)
	}
	r.entries[peer] = &entry{
		state:   StateConnected,
		channel: ch,
		secret:  append([]byte(nil), secret...),
		opened:  r.now(),
	}
	return nil
}

// Promote moves an awaiting entry to Connected using derive. The exchange is
// destroyed exactly once whatever derive returns. If derive fails the entry
// is dropped and its error returned. Entries in any other state are left
// untouched and ErrWrongState is returned.
func (r *Registry) Promote(peer transport.PeerID, derive DeriveFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[peer]
	if !ok || e.state != StateAwaitingHailResponse {
		return ErrWrongState
	}

	ch, secret, err := derive(e.exchange)
	e.exchange.Destroy()
	e.exchange = nil
	if err != nil {
		delete(r.entries, peer)
		return err
	}
	if ch == nil {
		delete(r.entries, peer)
		return errors.New("session: derive returned no channel")
	}
	e.channel = ch
	e.secret = secret
	e.state = StateConnected
	return nil
}

// Remove drops the entry and destroys any pending exchange. It reports
// whether an entry existed.
func (r *Registry) Remove(peer transport.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[peer]
	if !ok {
		return false
	}
	if e.exchange != nil {
		e.exchange.Destroy()
		e.exchange = nil
	}
	for i := range e.secret {
		e.secret[i] = 0
	}
	delete(r.entries, peer)
	return true
}

func (r *Registry) State(peer transport.PeerID) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[peer]; ok {
		return e.state
	}
	return StateNone
}

// Channel returns the cipher of a Connected peer.
func (r *Registry) Channel(peer transport.PeerID) (*crypto.SecureChannel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[peer]
	if !ok || e.state != StateConnected {
		return nil, false
	}
	if e.channel == nil {
		panic(fmt.Sprintf("session: %s connected without a cipher", peer))
	}
	return e.channel, true
}

// SharedSecret returns a copy of the raw secret of a Connected peer.
func (r *Registry) SharedSecret(peer transport.PeerID) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[peer]
	if !ok || e.state != StateConnected {
		return nil, false
	}
	return append([]byte(nil), e.secret...), true
}

// Age reports how long ago the entry was created.
func (r *Registry) Age(peer transport.PeerID) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[peer]
	if !ok {
		return 0, false
	}
	return r.now().Sub(e.opened), true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Peers returns all registered peers in ascending order.
func (r *Registry) Peers() []transport.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]transport.PeerID, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sortPeers(out)
	return out
}

// Stale returns the peers still awaiting a response that were opened before
// cutoff, oldest id first.
func (r *Registry) Stale(cutoff time.Time) []transport.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []transport.PeerID
	for id, e := range r.entries {
		if e.state == StateAwaitingHailResponse && e.opened.Before(cutoff) {
			out = append(out, id)
		}
	}
	sortPeers(out)
	return out
}

func sortPeers(ids []transport.PeerID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
