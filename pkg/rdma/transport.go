package rdma

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cuemby/brickd/pkg/log"
	"github.com/cuemby/brickd/pkg/metrics"
)

// postHeadroom is the extra room every pool post carries beyond the
// negotiated block size, covering protocol headers without a second copy.
const postHeadroom = 2048

// needDataMR is the control-line prefix announcing an oversized message.
const needDataMR = "NeedDataMR"

// Event is an upper-layer notification.
type Event int

const (
	// EventPollIn means a message is readable through Receive.
	EventPollIn Event = iota
	// EventDisconnect means the transport died; no further I/O works.
	EventDisconnect
)

// Options configures a transport before Connect or Accept.
type Options struct {
	DeviceName string
	SendCount  int
	RecvCount  int
	SendSize   int
	RecvSize   int
	MTU        int
}

// DefaultOptions mirror the transport's tuning defaults.
func DefaultOptions() Options {
	return Options{
		DeviceName: "mthca0",
		SendCount:  64,
		RecvCount:  64,
		SendSize:   128 * 1024,
		RecvSize:   128 * 1024,
		MTU:        2048,
	}
}

func (o *Options) fillDefaults() {
	def := DefaultOptions()
	if o.DeviceName == "" {
		o.DeviceName = def.DeviceName
	}
	if o.SendCount == 0 {
		o.SendCount = def.SendCount
	}
	if o.RecvCount == 0 {
		o.RecvCount = def.RecvCount
	}
	if o.SendSize == 0 {
		o.SendSize = def.SendSize
	}
	if o.RecvSize == 0 {
		o.RecvSize = def.RecvSize
	}
	if o.MTU == 0 {
		o.MTU = def.MTU
	}
}

// qpPeer is one queue pair's endpoint state: its credit counter, the
// negotiated block sizes, and the identity triples from the handshake.
type qpPeer struct {
	t     *Transport
	qpNum uint32

	sendCount int
	recvCount int
	sendSize  int
	recvSize  int

	quota *quota

	local  qpParams
	remote qpParams

	auxMu      sync.Mutex
	pendingAux *Post
	auxReady   chan struct{}
	auxBarrier chan struct{}
}

// postAuxRecv registers the one-shot receive buffer for an announced
// oversized message and wakes the QP1 poller waiting on it.
func (p *qpPeer) postAuxRecv(post *Post) {
	p.auxMu.Lock()
	p.pendingAux = post
	ready := p.auxReady
	p.auxMu.Unlock()
	select {
	case ready <- struct{}{}:
	default:
	}
}

// waitAuxPost blocks until the rendezvous provides the aux post, or the
// transport dies.
func (p *qpPeer) waitAuxPost() *Post {
	for {
		p.auxMu.Lock()
		post := p.pendingAux
		p.pendingAux = nil
		p.auxMu.Unlock()
		if post != nil {
			return post
		}
		if p.t.bailed.Load() {
			return nil
		}
		<-p.auxReady
	}
}

// Transport is one dual-queue-pair connection.
type Transport struct {
	opts Options
	dev  *Device
	conn net.Conn

	// peers[0] is the control queue pair, peers[1] the auxiliary one.
	peers [2]*qpPeer

	notify func(Event)

	dataMu  sync.Mutex
	data    []byte
	dataOff int

	writeMu sync.Mutex
	bailed  atomic.Bool
}

// wireHeader frames queue-pair traffic on the bootstrap socket: one byte
// of QP index, the destination QPN, and the payload length.
const wireHeaderLen = 1 + 4 + 4

// New prepares a transport; Connect or a Listener's Accept brings it up.
func New(opts Options, notify func(Event)) *Transport {
	opts.fillDefaults()
	t := &Transport{
		opts:   opts,
		dev:    openDevice(opts.DeviceName, opts),
		notify: notify,
	}
	return t
}

// otherPeer returns the transport's other queue pair: the aux peer when
// given the control peer and vice versa.
func (t *Transport) otherPeer(p *qpPeer) *qpPeer {
	if p == t.peers[1] {
		return t.peers[0]
	}
	return t.peers[1]
}

// Connect dials the peer's bootstrap address and runs the handshake.
func (t *Transport) Connect(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("rdma: connect %s: %w", addr, err)
	}
	return t.setup(conn)
}

// setup runs the frame exchange on an established socket and brings both
// queue pairs to ready state.
func (t *Transport) setup(conn net.Conn) error {
	t.conn = conn

	for i := range t.peers {
		t.peers[i] = &qpPeer{
			t:          t,
			qpNum:      t.dev.allocQPN(),
			sendCount:  t.opts.SendCount,
			recvCount:  t.opts.RecvCount,
			sendSize:   t.opts.SendSize,
			recvSize:   t.opts.RecvSize,
			auxReady:   make(chan struct{}, 1),
			auxBarrier: make(chan struct{}, 1),
		}
		t.peers[i].local = qpParams{
			RecvBlockSize: uint32(t.opts.RecvSize),
			SendBlockSize: uint32(t.opts.SendSize),
			LID:           1,
			QPN:           t.peers[i].qpNum,
			PSN:           t.peers[i].qpNum * 7,
		}
	}

	ours := handshake{QP: [2]qpParams{t.peers[0].local, t.peers[1].local}}
	theirs, err := exchangeFrames(conn, ours)
	if err != nil {
		conn.Close()
		return err
	}

	// Each direction runs at the smaller of the two advertised block
	// sizes, so neither side can post a buffer its peer cannot receive.
	for i := range t.peers {
		p := t.peers[i]
		p.remote = theirs.QP[i]
		if int(p.remote.RecvBlockSize) < p.sendSize {
			p.sendSize = int(p.remote.RecvBlockSize)
		}
		if int(p.remote.SendBlockSize) < p.recvSize {
			p.recvSize = int(p.remote.SendBlockSize)
		}
		t.dev.qpReg.register(p.qpNum, p)
	}

	// Post-handshake credit: a full window on the control queue pair, a
	// single slot on the auxiliary one.
	t.peers[0].quota = newQuota(t.opts.SendCount)
	t.peers[1].quota = newQuota(1)

	go t.readLoop()
	log.WithComponent("rdma").Debug().
		Uint32("qp0", t.peers[0].qpNum).
		Uint32("qp1", t.peers[1].qpNum).
		Str("device", t.dev.name).
		Msg("transport established")
	return nil
}

// SendSize reports the control queue pair's negotiated block size.
func (t *Transport) SendSize() int { return t.peers[0].sendSize }

// Writev sends the vector as one message. Anything that fits a pool post
// goes inline on QP0; larger payloads announce themselves with a control
// line on QP0 and travel as a one-shot aux post on QP1.
func (t *Transport) Writev(vec ...[]byte) error {
	if t.bailed.Load() {
		return fmt.Errorf("rdma: transport is down")
	}
	total := 0
	for _, b := range vec {
		total += len(b)
	}

	ctrl := t.peers[0]
	if total <= ctrl.sendSize+postHeadroom {
		post := t.dev.sendPool.get()
		if len(post.buf) < total {
			post.buf = make([]byte, total)
		}
		off := 0
		for _, b := range vec {
			off += copy(post.buf[off:], b)
		}
		if err := ctrl.quota.get(); err != nil {
			t.dev.sendPool.put(post)
			return err
		}
		t.observeCredits()
		if err := t.writeWire(0, ctrl.remote.QPN, post.buf[:total]); err != nil {
			ctrl.quota.put()
			t.dev.sendPool.put(post)
			t.bail(err)
			return err
		}
		t.dev.sendCQ <- completion{qpn: ctrl.qpNum, post: post, n: total}
		return nil
	}

	// Oversized: a fresh aux post carries the payload on QP1, announced
	// by a control line on QP0. The receiver rendezvouses on the control
	// line because the two queue pairs have no mutual ordering.
	log.WithComponent("rdma").Debug().Int("bytes", total).Msg("using aux channel for oversized message")
	data := newPost(total, true)
	off := 0
	for _, b := range vec {
		off += copy(data.buf[off:], b)
	}

	ctrlPost := t.dev.sendPool.get()
	line := fmt.Sprintf("%s:%d\n", needDataMR, total)
	n := copy(ctrlPost.buf, line)
	// The trailing NUL travels too; receivers treat the header as text
	// ended by the newline.
	if n < len(ctrlPost.buf) {
		ctrlPost.buf[n] = 0
		n++
	}

	if err := ctrl.quota.get(); err != nil {
		t.dev.sendPool.put(ctrlPost)
		return err
	}
	if err := t.writeWire(0, ctrl.remote.QPN, ctrlPost.buf[:n]); err != nil {
		ctrl.quota.put()
		t.dev.sendPool.put(ctrlPost)
		t.bail(err)
		return err
	}
	t.dev.sendCQ <- completion{qpn: ctrl.qpNum, post: ctrlPost, n: n}

	aux := t.peers[1]
	if err := aux.quota.get(); err != nil {
		return err
	}
	t.observeCredits()
	if err := t.writeWire(1, aux.remote.QPN, data.buf); err != nil {
		aux.quota.put()
		t.bail(err)
		return err
	}
	t.dev.sendCQ <- completion{qpn: aux.qpNum, post: data, n: total}
	return nil
}

// writeWire frames one queue-pair message onto the bootstrap socket.
func (t *Transport) writeWire(qpIdx byte, destQPN uint32, payload []byte) error {
	header := make([]byte, wireHeaderLen)
	header[0] = qpIdx
	binary.BigEndian.PutUint32(header[1:5], destQPN)
	binary.BigEndian.PutUint32(header[5:9], uint32(len(payload)))

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.conn.Write(header); err != nil {
		return err
	}
	_, err := t.conn.Write(payload)
	return err
}

// readLoop turns inbound socket frames into receive-CQ completions.
func (t *Transport) readLoop() {
	header := make([]byte, wireHeaderLen)
	for {
		if _, err := io.ReadFull(t.conn, header); err != nil {
			t.bail(err)
			return
		}
		qpIdx := header[0]
		qpn := binary.BigEndian.Uint32(header[1:5])
		length := int(binary.BigEndian.Uint32(header[5:9]))
		if qpIdx > 1 || length < 0 {
			t.bail(fmt.Errorf("rdma: malformed wire frame"))
			return
		}

		if qpIdx == 0 {
			post := t.dev.recvPool.get()
			if len(post.buf) < length {
				post.buf = make([]byte, length)
			}
			if _, err := io.ReadFull(t.conn, post.buf[:length]); err != nil {
				t.dev.recvPool.put(post)
				t.bail(err)
				return
			}
			t.dev.recvCQ[0] <- completion{qpn: qpn, post: post, n: length}
			continue
		}

		// QP1 payloads land in a scratch buffer; the poller copies them
		// into the aux post once the rendezvous provides it.
		raw := make([]byte, length)
		if _, err := io.ReadFull(t.conn, raw); err != nil {
			t.bail(err)
			return
		}
		t.dev.recvCQ[1] <- completion{qpn: qpn, raw: raw, n: length}
	}
}

// deliver points the transport at a completed message and notifies the
// upper layer, which reads it out through Receive.
func (t *Transport) deliver(buf []byte) {
	t.dataMu.Lock()
	t.data = buf
	t.dataOff = 0
	t.dataMu.Unlock()
	if t.notify != nil {
		t.notify(EventPollIn)
	}
}

// Receive copies out of the current message, advancing the read offset.
// It returns 0 once the message is exhausted.
func (t *Transport) Receive(buf []byte) int {
	t.dataMu.Lock()
	defer t.dataMu.Unlock()
	if t.data == nil || t.dataOff >= len(t.data) {
		return 0
	}
	n := copy(buf, t.data[t.dataOff:])
	t.dataOff += n
	return n
}

// Pending reports how many unread bytes the current message still holds.
func (t *Transport) Pending() int {
	t.dataMu.Lock()
	defer t.dataMu.Unlock()
	if t.data == nil {
		return 0
	}
	return len(t.data) - t.dataOff
}

// Disconnect tears the transport down cleanly.
func (t *Transport) Disconnect() {
	t.bail(nil)
}

// bail is the single failure path: shut the socket, wake every blocked
// sender, unregister the queue pairs, and notify the upper layer once.
func (t *Transport) bail(cause error) {
	if !t.bailed.CompareAndSwap(false, true) {
		return
	}
	if cause != nil {
		log.WithComponent("rdma").Error().Err(cause).Msg("transport bailing")
	}
	if t.conn != nil {
		_ = t.conn.Close()
	}
	for _, p := range t.peers {
		if p == nil {
			continue
		}
		if p.quota != nil {
			p.quota.stop()
		}
		t.dev.qpReg.unregister(p.qpNum)
		select {
		case p.auxReady <- struct{}{}:
		default:
		}
	}
	if t.notify != nil {
		t.notify(EventDisconnect)
	}
}

func (t *Transport) observeCredits() {
	if t.peers[0] == nil || t.peers[0].quota == nil {
		return
	}
	addr := "unconnected"
	if t.conn != nil {
		addr = t.conn.RemoteAddr().String()
	}
	metrics.RDMASendCredits.WithLabelValues(addr, "qp0").Set(float64(t.peers[0].quota.current()))
	metrics.RDMASendCredits.WithLabelValues(addr, "qp1").Set(float64(t.peers[1].quota.current()))
}

// Listener accepts inbound transports on a bootstrap TCP socket.
type Listener struct {
	opts   Options
	ln     net.Listener
	notify func(*Transport, Event)
}

// Listen binds the bootstrap listener.
func Listen(addr string, opts Options, notify func(*Transport, Event)) (*Listener, error) {
	opts.fillDefaults()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rdma: listen %s: %w", addr, err)
	}
	return &Listener{opts: opts, ln: ln, notify: notify}, nil
}

// Addr returns the bound bootstrap address.
func (l *Listener) Addr() string { return l.ln.Addr().String() }

// Accept waits for one inbound connection and completes its handshake.
func (l *Listener) Accept() (*Transport, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	var t *Transport
	t = New(l.opts, func(ev Event) {
		if l.notify != nil {
			l.notify(t, ev)
		}
	})
	if err := t.setup(conn); err != nil {
		return nil, err
	}
	return t, nil
}

// Close stops accepting new transports.
func (l *Listener) Close() error { return l.ln.Close() }
