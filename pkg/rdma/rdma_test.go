package rdma

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeFrameRoundTrip(t *testing.T) {
	h := handshake{QP: [2]qpParams{
		{RecvBlockSize: 131072, SendBlockSize: 131072, LID: 0x12, QPN: 0x1a2b, PSN: 0x3c4d},
		{RecvBlockSize: 65536, SendBlockSize: 65536, LID: 0x12, QPN: 0x1a2c, PSN: 0x3c4e},
	}}

	frame := encodeFrame(h)
	require.Len(t, frame, FrameSize)

	got, err := parseFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestHandshakeFrameRejectsMalformedField(t *testing.T) {
	h := handshake{QP: [2]qpParams{
		{RecvBlockSize: 131072, SendBlockSize: 131072, LID: 1, QPN: 2, PSN: 3},
		{RecvBlockSize: 65536, SendBlockSize: 65536, LID: 1, QPN: 4, PSN: 5},
	}}
	frame := encodeFrame(h)

	// Corrupt the tenth field: nine parseable fields are not enough.
	text := string(bytes.TrimRight(frame, "\x00"))
	idx := bytes.LastIndex([]byte(text), []byte("PSN="))
	copy(frame[idx+4:], "zz")

	_, err := parseFrame(frame)
	assert.Error(t, err)
}

func TestHandshakeFrameRejectsGarbage(t *testing.T) {
	frame := make([]byte, FrameSize)
	copy(frame, "hello there\n")
	_, err := parseFrame(frame)
	assert.Error(t, err)
}

// pipePair establishes a connected transport pair over loopback. The
// device name must be unique per test: devices are process-wide.
func pipePair(t *testing.T, opts Options, name string) (*Transport, *Transport, chan []byte) {
	t.Helper()
	opts.DeviceName = name

	received := make(chan []byte, 16)
	serverReady := make(chan *Transport, 1)

	ln, err := Listen("127.0.0.1:0", opts, func(tr *Transport, ev Event) {
		if ev != EventPollIn {
			return
		}
		msg := make([]byte, 0, tr.Pending())
		chunk := make([]byte, 4096)
		for {
			n := tr.Receive(chunk)
			if n == 0 {
				break
			}
			msg = append(msg, chunk[:n]...)
		}
		received <- msg
	})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		tr, err := ln.Accept()
		if err == nil {
			serverReady <- tr
		}
	}()

	client := New(opts, nil)
	require.NoError(t, client.Connect(ln.Addr()))
	t.Cleanup(client.Disconnect)

	server := <-serverReady
	t.Cleanup(server.Disconnect)
	return client, server, received
}

func waitMsg(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestSmallMessageRoundTrip(t *testing.T) {
	client, _, received := pipePair(t, Options{SendSize: 4096, RecvSize: 4096}, "dev-small")

	require.NoError(t, client.Writev([]byte("hello "), []byte("verbs")))
	assert.Equal(t, []byte("hello verbs"), waitMsg(t, received))

	// Credits regenerate: many more messages than the send window pass
	// through, and the counter settles back at the full window.
	for i := 0; i < 200; i++ {
		require.NoError(t, client.Writev([]byte(fmt.Sprintf("msg-%d", i))))
		waitMsg(t, received)
	}
	require.Eventually(t, func() bool {
		return client.peers[0].quota.current() == client.peers[0].quota.max
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOversizedMessageTakesAuxPath(t *testing.T) {
	opts := Options{SendSize: 8192, RecvSize: 8192, SendCount: 4, RecvCount: 4}
	client, _, received := pipePair(t, opts, "dev-aux")

	payload := bytes.Repeat([]byte{0xab}, 200000)
	require.NoError(t, client.Writev(payload))

	got := waitMsg(t, received)
	assert.Equal(t, len(payload), len(got))
	assert.True(t, bytes.Equal(payload, got))

	// Both credits came back after the completions drained.
	require.Eventually(t, func() bool {
		return client.peers[0].quota.current() == client.peers[0].quota.max &&
			client.peers[1].quota.current() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBoundaryLengthSelectsPath(t *testing.T) {
	opts := Options{SendSize: 4096, RecvSize: 4096, SendCount: 4, RecvCount: 4}
	client, _, received := pipePair(t, opts, "dev-boundary")

	limit := client.SendSize() + postHeadroom

	// Exactly at the limit: inline on QP0, aux credit untouched.
	require.NoError(t, client.Writev(bytes.Repeat([]byte{1}, limit)))
	assert.Len(t, waitMsg(t, received), limit)
	assert.Equal(t, 1, client.peers[1].quota.current())

	// One byte past the limit: the auxiliary path engages.
	require.NoError(t, client.Writev(bytes.Repeat([]byte{2}, limit+1)))
	got := waitMsg(t, received)
	assert.Len(t, got, limit+1)
}

func TestQuotaBoundsInvariant(t *testing.T) {
	q := newQuota(4)
	assert.Equal(t, 4, q.current())
	for i := 0; i < 4; i++ {
		require.NoError(t, q.get())
	}
	assert.Equal(t, 0, q.current())

	// Extra puts never push past the initial window.
	for i := 0; i < 10; i++ {
		q.put()
	}
	assert.Equal(t, 4, q.current())
}

func TestQuotaBlocksAndWakesOnPut(t *testing.T) {
	q := newQuota(1)
	require.NoError(t, q.get())

	done := make(chan error, 1)
	go func() { done <- q.get() }()

	select {
	case <-done:
		t.Fatal("get returned with no credits")
	case <-time.After(100 * time.Millisecond):
	}

	q.put()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked getter never woke")
	}
}

func TestQuotaShutdownWakesWaiters(t *testing.T) {
	q := newQuota(1)
	require.NoError(t, q.get())

	done := make(chan error, 1)
	go func() { done <- q.get() }()
	time.Sleep(50 * time.Millisecond)

	q.stop()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("teardown did not wake the blocked sender")
	}
}

func TestDisconnectNotifiesUpperLayer(t *testing.T) {
	opts := Options{SendSize: 4096, RecvSize: 4096}
	opts.DeviceName = "dev-disconnect"

	events := make(chan Event, 4)
	ln, err := Listen("127.0.0.1:0", opts, func(tr *Transport, ev Event) {})
	require.NoError(t, err)
	defer ln.Close()
	go func() { _, _ = ln.Accept() }()

	client := New(opts, func(ev Event) { events <- ev })
	require.NoError(t, client.Connect(ln.Addr()))

	client.Disconnect()
	select {
	case ev := <-events:
		assert.Equal(t, EventDisconnect, ev)
	case <-time.After(time.Second):
		t.Fatal("no disconnect notification")
	}

	// I/O after teardown fails fast.
	assert.Error(t, client.Writev([]byte("late")))
}

func TestPostListMembershipInvariant(t *testing.T) {
	q := newPostQueue(2, 64)
	a, p := q.counts()
	assert.Equal(t, 0, a)
	assert.Equal(t, 2, p)

	post := q.get()
	a, p = q.counts()
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, p)
	assert.False(t, post.Aux())

	q.put(post)
	a, p = q.counts()
	assert.Equal(t, 0, a)
	assert.Equal(t, 2, p)

	// Aux posts belong to no list; put is a no-op for them.
	aux := newPost(128, true)
	q.put(aux)
	a, p = q.counts()
	assert.Equal(t, 0, a)
	assert.Equal(t, 2, p)
}

func TestQPRegistry(t *testing.T) {
	var reg qpRegistry
	p1 := &qpPeer{qpNum: 5}
	p2 := &qpPeer{qpNum: 5 + qpBuckets} // same bucket, chained
	reg.register(p1.qpNum, p1)
	reg.register(p2.qpNum, p2)

	assert.Same(t, p1, reg.lookup(p1.qpNum))
	assert.Same(t, p2, reg.lookup(p2.qpNum))
	assert.Nil(t, reg.lookup(999))

	reg.unregister(p1.qpNum)
	assert.Nil(t, reg.lookup(p1.qpNum))
	assert.Same(t, p2, reg.lookup(p2.qpNum))
}

func TestNegotiatedBlockSizeIsMinimum(t *testing.T) {
	ready := make(chan *Transport, 1)
	serverOpts := Options{SendSize: 4096, RecvSize: 4096, DeviceName: "dev-min-srv"}
	ln, err := Listen("127.0.0.1:0", serverOpts, nil)
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		tr, err := ln.Accept()
		if err == nil {
			ready <- tr
		}
	}()

	clientOpts := Options{SendSize: 16384, RecvSize: 16384, DeviceName: "dev-min-cli"}
	client := New(clientOpts, nil)
	require.NoError(t, client.Connect(ln.Addr()))
	defer client.Disconnect()

	server := <-ready
	defer server.Disconnect()

	// The client wanted 16K sends but the server only receives 4K.
	assert.Equal(t, 4096, client.SendSize())
	// The server's sends stay at its own smaller configuration.
	assert.Equal(t, 4096, server.SendSize())
}
