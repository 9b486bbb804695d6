package quic

import (
	"bytes"
	"io"
	"log"
	"testing"
	"time"

	"github.com/TheusHen/hail/hail/transport"
)

func waitEvent(t *testing.T, tr *Transport, kind transport.EventKind) transport.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ev := tr.Poll()
		if ev.Kind == kind {
			return ev
		}
		if ev.Kind == transport.EventNone {
			time.Sleep(2 * time.Millisecond)
			continue
		}
		if ev.Kind == transport.EventConnectFailed {
			t.Fatalf("connect failed: %v", ev.Err)
		}
	}
	t.Fatalf("timed out waiting for %s", kind)
	return transport.Event{}
}

func loopback(t *testing.T, compress bool) (server, client *Transport) {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	server = New(Config{Addr: "127.0.0.1:0", Compress: compress, PingInterval: 20 * time.Millisecond, Logger: quiet})
	if err := server.Initialize(); err != nil {
		t.Fatalf("server Initialize: %v", err)
	}
	if err := server.StartAsServer(); err != nil {
		t.Fatalf("StartAsServer: %v", err)
	}
	t.Cleanup(func() { _ = server.Shutdown() })

	addr := server.Addr()
	if addr == nil {
		t.Fatalf("expected listener addr")
	}
	client = New(Config{Addr: addr.String(), Compress: compress, PingInterval: 20 * time.Millisecond, Logger: quiet})
	if err := client.Initialize(); err != nil {
		t.Fatalf("client Initialize: %v", err)
	}
	if err := client.StartAsClient(); err != nil {
		t.Fatalf("StartAsClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Shutdown() })
	return server, client
}

func TestLoopbackSendReceive(t *testing.T) {
	server, client := loopback(t, false)

	cliPeer := waitEvent(t, client, transport.EventConnected).Peer
	srvPeer := waitEvent(t, server, transport.EventConnected).Peer

	if err := client.Send(cliPeer, []byte("ping over quic"), transport.ReliableOrdered); err != nil {
		t.Fatalf("client Send: %v", err)
	}
	ev := waitEvent(t, server, transport.EventData)
	if ev.Peer != srvPeer || !bytes.Equal(ev.Data, []byte("ping over quic")) {
		t.Fatalf("unexpected data event %+v", ev)
	}

	if err := server.Send(srvPeer, []byte("datagram"), transport.Unreliable); err != nil {
		t.Fatalf("server Send unreliable: %v", err)
	}
	// Datagrams may be lost, but not on loopback in practice.
	ev = waitEvent(t, client, transport.EventData)
	if !bytes.Equal(ev.Data, []byte("datagram")) {
		t.Fatalf("unexpected datagram %q", ev.Data)
	}

	if err := client.Send(cliPeer+100, []byte("x"), transport.Reliable); err != transport.ErrUnknownPeer {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestLoopbackCompressedFrames(t *testing.T) {
	server, client := loopback(t, true)
	cliPeer := waitEvent(t, client, transport.EventConnected).Peer
	waitEvent(t, server, transport.EventConnected)

	big := bytes.Repeat([]byte("compressible "), 5000)
	if err := client.Send(cliPeer, big, transport.ReliableOrdered); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ev := waitEvent(t, server, transport.EventData)
	if !bytes.Equal(ev.Data, big) {
		t.Fatalf("payload mismatch after decompression")
	}
}

func TestLoopbackRoundTripTime(t *testing.T) {
	server, client := loopback(t, false)
	cliPeer := waitEvent(t, client, transport.EventConnected).Peer
	waitEvent(t, server, transport.EventConnected)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rtt, err := client.RoundTripTime(cliPeer)
		if err != nil {
			t.Fatalf("RoundTripTime: %v", err)
		}
		if rtt > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no round trip sample")
}

func TestLoopbackDisconnect(t *testing.T) {
	server, client := loopback(t, false)
	cliPeer := waitEvent(t, client, transport.EventConnected).Peer
	srvPeer := waitEvent(t, server, transport.EventConnected).Peer

	if err := client.DisconnectPeer(cliPeer); err != nil {
		t.Fatalf("DisconnectPeer: %v", err)
	}
	if err := client.DisconnectPeer(cliPeer); err != transport.ErrUnknownPeer {
		t.Fatalf("expected ErrUnknownPeer on second disconnect, got %v", err)
	}
	ev := waitEvent(t, server, transport.EventDisconnected)
	if ev.Peer != srvPeer {
		t.Fatalf("disconnect for wrong peer %s", ev.Peer)
	}
}

func TestStartRequiresInitialize(t *testing.T) {
	tr := New(Config{Addr: "127.0.0.1:0"})
	if err := tr.StartAsServer(); err != transport.ErrNotInitialized {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if ev := tr.Poll(); ev.Kind != transport.EventNone {
		t.Fatalf("expected no event, got %s", ev.Kind)
	}
	noAddr := New(Config{})
	if err := noAddr.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer noAddr.Shutdown()
	if err := noAddr.StartAsClient(); err != ErrNoAddr {
		t.Fatalf("expected ErrNoAddr, got %v", err)
	}
}

func TestFrameCodec(t *testing.T) {
	var buf bytes.Buffer
	fw := newFrameWriter(&buf, true)
	small := frame{typ: framePacket, payload: []byte("ok")}
	big := frame{typ: framePacket, payload: bytes.Repeat([]byte{7}, 4096)}
	for _, f := range []frame{small, big, {typ: framePing, payload: []byte{1, 2, 3, 4, 5, 6, 7, 8}}} {
		if err := fw.write(f); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if buf.Len() >= 4096 {
		t.Fatalf("large repetitive payload was not compressed (%d bytes)", buf.Len())
	}

	fr := newFrameReader(&buf)
	for _, want := range []frame{small, big} {
		got, err := fr.read()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got.typ != want.typ || !bytes.Equal(got.payload, want.payload) {
			t.Fatalf("frame mismatch")
		}
	}
	if got, err := fr.read(); err != nil || got.typ != framePing {
		t.Fatalf("expected ping frame, got %v %v", got.typ, err)
	}

	if err := fw.write(frame{typ: 0}); err != ErrInvalidFrame {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
	bad := newFrameReader(bytes.NewReader([]byte{2, 0, 0xff, 0xff, 0xff, 0xff}))
	if _, err := bad.read(); err == nil {
		t.Fatalf("expected oversized frame to be rejected")
	}
}
