package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/hail/hail/crypto"
	"github.com/TheusHen/hail/hail/transport"
)

// countingExchange records Destroy calls.
type countingExchange struct {
	crypto.KeyExchange
	destroyed int
}

func (c *countingExchange) Destroy() {
	c.destroyed++
	c.KeyExchange.Destroy()
}

func newCountingExchange(t *testing.T) *countingExchange {
	x, err := crypto.NewX25519Exchange()
	require.NoError(t, err)
	return &countingExchange{KeyExchange: x}
}

func testChannel(t *testing.T) *crypto.SecureChannel {
	p, err := crypto.DeriveCipherParams([]byte("registry test secret"))
	require.NoError(t, err)
	ch, err := crypto.NewSecureChannel(p, crypto.Acceptor)
	require.NoError(t, err)
	return ch
}

func deriveOK(ch *crypto.SecureChannel, secret []byte) DeriveFunc {
	return func(crypto.KeyExchange) (*crypto.SecureChannel, []byte, error) {
		return ch, secret, nil
	}
}

func TestRegistryOpenPromote(t *testing.T) {
	r := NewRegistry()
	ex := newCountingExchange(t)
	const peer = transport.PeerID(7)

	require.NoError(t, r.Open(peer, ex))
	assert.Equal(t, StateAwaitingHailResponse, r.State(peer))
	_, ok := r.Channel(peer)
	assert.False(t, ok, "awaiting entry must not expose a channel")
	_, ok = r.SharedSecret(peer)
	assert.False(t, ok)

	ch := testChannel(t)
	require.NoError(t, r.Promote(peer, deriveOK(ch, []byte{1, 2, 3})))
	assert.Equal(t, StateConnected, r.State(peer))
	assert.Equal(t, 1, ex.destroyed)

	got, ok := r.Channel(peer)
	require.True(t, ok)
	assert.Same(t, ch, got)

	secret, ok := r.SharedSecret(peer)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, secret)
	secret[0] = 0xff
	again, _ := r.SharedSecret(peer)
	assert.Equal(t, byte(1), again[0], "SharedSecret must return a copy")
}

func TestRegistryPromoteStateGuard(t *testing.T) {
	r := NewRegistry()
	called := 0
	derive := func(crypto.KeyExchange) (*crypto.SecureChannel, []byte, error) {
		called++
		return testChannel(t), nil, nil
	}

	assert.ErrorIs(t, r.Promote(1, derive), ErrWrongState, "unknown peer")

	require.NoError(t, r.Adopt(2, testChannel(t), []byte("s")))
	assert.ErrorIs(t, r.Promote(2, derive), ErrWrongState, "already connected")
	assert.Equal(t, StateConnected, r.State(2))

	ex := newCountingExchange(t)
	require.NoError(t, r.Open(3, ex))
	require.NoError(t, r.Promote(3, derive))
	assert.ErrorIs(t, r.Promote(3, derive), ErrWrongState, "second promote")
	assert.Equal(t, 1, called)
	assert.Equal(t, 1, ex.destroyed)
}

func TestRegistryPromoteFailureDropsEntry(t *testing.T) {
	r := NewRegistry()
	ex := newCountingExchange(t)
	require.NoError(t, r.Open(4, ex))

	boom := errors.New("boom")
	err := r.Promote(4, func(crypto.KeyExchange) (*crypto.SecureChannel, []byte, error) {
		return nil, nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateNone, r.State(4))
	assert.Equal(t, 1, ex.destroyed)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryRemoveIdempotent(t *testing.T) {
	r := NewRegistry()
	ex := newCountingExchange(t)
	require.NoError(t, r.Open(5, ex))

	assert.True(t, r.Remove(5))
	assert.False(t, r.Remove(5))
	assert.False(t, r.Remove(99))
	assert.Equal(t, 1, ex.destroyed, "pending exchange destroyed once")
	assert.Equal(t, StateNone, r.State(5))
	assert.Zero(t, r.Len())

	// A removed peer id can be reused.
	require.NoError(t, r.Open(5, newCountingExchange(t)))
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Open(1, newCountingExchange(t)))
	assert.ErrorIs(t, r.Open(1, newCountingExchange(t)), ErrPeerExists)
	assert.ErrorIs(t, r.Adopt(1, testChannel(t), nil), ErrPeerExists)
	assert.Equal(t, StateAwaitingHailResponse, r.State(1))
}

func TestRegistryStale(t *testing.T) {
	r := NewRegistry()
	base := time.Unix(1700000000, 0)
	now := base
	r.now = func() time.Time { return now }

	require.NoError(t, r.Open(3, newCountingExchange(t)))
	require.NoError(t, r.Open(1, newCountingExchange(t)))
	require.NoError(t, r.Adopt(2, testChannel(t), nil))
	now = base.Add(5 * time.Second)
	require.NoError(t, r.Open(4, newCountingExchange(t)))

	assert.Equal(t, []transport.PeerID{1, 3}, r.Stale(base.Add(time.Second)))
	assert.Empty(t, r.Stale(base))
	assert.Equal(t, []transport.PeerID{1, 2, 3, 4}, r.Peers())

	age, ok := r.Age(1)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, age)
}

func TestRegistryConnectedWithoutCipherPanics(t *testing.T) {
	r := NewRegistry()
	r.entries[9] = &entry{state: StateConnected}
	assert.Panics(t, func() { r.Channel(9) })
}
