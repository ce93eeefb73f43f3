package rdma

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cuemby/brickd/pkg/log"
	"github.com/cuemby/brickd/pkg/metrics"
)

// qpBuckets is the size of the per-device QP-number hash.
const qpBuckets = 42

// completion is one completion-queue entry.
type completion struct {
	qpn  uint32
	post *Post
	n    int
	// raw carries a QP1 payload that arrived before its aux post was
	// allocated; the QP1 poller copies it once the rendezvous completes.
	raw []byte
	err error
}

// qpEntry is one chain link in the QP-number -> peer hash.
type qpEntry struct {
	qpn  uint32
	peer *qpPeer
	next *qpEntry
}

// qpRegistry maps QP numbers to peers, open-chained over 42 buckets.
type qpRegistry struct {
	mu      sync.Mutex
	buckets [qpBuckets]*qpEntry
}

func (r *qpRegistry) register(qpn uint32, p *qpPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hash := qpn % qpBuckets
	r.buckets[hash] = &qpEntry{qpn: qpn, peer: p, next: r.buckets[hash]}
}

func (r *qpRegistry) lookup(qpn uint32) *qpPeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	for e := r.buckets[qpn%qpBuckets]; e != nil; e = e.next {
		if e.qpn == qpn {
			return e.peer
		}
	}
	return nil
}

func (r *qpRegistry) unregister(qpn uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hash := qpn % qpBuckets
	var prev *qpEntry
	for e := r.buckets[hash]; e != nil; prev, e = e, e.next {
		if e.qpn != qpn {
			continue
		}
		if prev == nil {
			r.buckets[hash] = e.next
		} else {
			prev.next = e.next
		}
		return
	}
}

// Device models one verbs context: the shared send completion queue, the
// two receive completion queues, the post pools, the QP-number registry,
// and the three poller goroutines. Devices are process-wide and shared by
// every transport bound to the same device name.
type Device struct {
	name string

	sendCQ chan completion
	recvCQ [2]chan completion

	sendPool *postQueue
	recvPool *postQueue

	qpReg  qpRegistry
	nextQP atomic.Uint32
}

var (
	devicesMu sync.Mutex
	devices   = make(map[string]*Device)
)

// openDevice returns the process-wide device for name, creating it and
// starting its pollers on first use.
func openDevice(name string, opts Options) *Device {
	devicesMu.Lock()
	defer devicesMu.Unlock()
	if d, ok := devices[name]; ok {
		return d
	}
	d := &Device{
		name:     name,
		sendCQ:   make(chan completion, opts.SendCount*1024),
		sendPool: newPostQueue(opts.SendCount, opts.SendSize+postHeadroom),
		recvPool: newPostQueue(opts.RecvCount, opts.RecvSize+postHeadroom),
	}
	d.recvCQ[0] = make(chan completion, opts.RecvCount*2)
	d.recvCQ[1] = make(chan completion, opts.RecvCount*2)
	d.nextQP.Store(1)

	go d.sendPoller()
	go d.recvPoller(0)
	go d.recvPoller(1)

	devices[name] = d
	return d
}

// allocQPN hands out process-unique queue pair numbers.
func (d *Device) allocQPN() uint32 {
	return d.nextQP.Add(1)
}

// sendPoller drains the shared send CQ: every completion returns one
// credit to its peer, and the post goes back to the pool or, for aux
// posts, is dropped for the collector.
func (d *Device) sendPoller() {
	logger := log.WithComponent("rdma")
	for wc := range d.sendCQ {
		peer := d.qpReg.lookup(wc.qpn)
		if peer == nil {
			logger.Warn().Uint32("qpn", wc.qpn).Msg("send completion for unknown queue pair")
			continue
		}
		if wc.err != nil {
			peer.t.bail(wc.err)
			continue
		}
		peer.quota.put()
		d.sendPool.put(wc.post)
		d.observePools(peer)
	}
}

// recvPoller drains one receive CQ. The QP0 poller handles the aux
// rendezvous: a NeedDataMR control line allocates the aux post, hands it
// to the QP1 side, and blocks on the barrier until the QP1 poller has
// delivered the oversized payload.
func (d *Device) recvPoller(idx int) {
	logger := log.WithComponent("rdma")
	for wc := range d.recvCQ[idx] {
		peer := d.qpReg.lookup(wc.qpn)
		if peer == nil {
			logger.Warn().Uint32("qpn", wc.qpn).Msg("receive completion for unknown queue pair")
			continue
		}
		if wc.err != nil {
			peer.t.bail(wc.err)
			continue
		}
		if idx == 0 {
			d.handleControlRecv(peer, wc)
		} else {
			d.handleAuxRecv(peer, wc)
		}
	}
}

// handleControlRecv processes one QP0 completion.
func (d *Device) handleControlRecv(peer *qpPeer, wc completion) {
	t := peer.t
	buf := wc.post.buf[:wc.n]
	if len(buf) >= len(needDataMR) && string(buf[:len(needDataMR)]) == needDataMR {
		line := string(buf)
		if idx := strings.IndexByte(line, '\n'); idx >= 0 {
			line = line[:idx]
		}
		length, err := strconv.Atoi(strings.TrimPrefix(line, needDataMR+":"))
		if err != nil || length <= 0 {
			t.bail(err)
			d.recvPool.put(wc.post)
			return
		}

		aux := t.otherPeer(peer)
		aux.postAuxRecv(newPost(length, true))
		// The QP1 poller releases the barrier once the oversized payload
		// has been delivered upstairs.
		<-aux.auxBarrier
		d.recvPool.put(wc.post)
		return
	}

	t.deliver(wc.post.buf[:wc.n])
	d.recvPool.put(wc.post)
	d.observePools(peer)
}

// handleAuxRecv processes one QP1 completion: wait for the rendezvous to
// produce the aux post, copy the payload in, deliver, destroy the post
// (this poller is its sole owner), and release the QP0 barrier.
func (d *Device) handleAuxRecv(peer *qpPeer, wc completion) {
	aux := peer.waitAuxPost()
	if aux == nil {
		peer.t.bail(nil)
		return
	}
	n := copy(aux.buf, wc.raw)
	peer.t.deliver(aux.buf[:n])
	// aux posts are one-shot; dropping the reference destroys it.
	peer.auxBarrier <- struct{}{}
}

func (d *Device) observePools(peer *qpPeer) {
	sa, sp := d.sendPool.counts()
	ra, rp := d.recvPool.counts()
	metrics.RDMAPostPoolSize.WithLabelValues("send", "active").Set(float64(sa))
	metrics.RDMAPostPoolSize.WithLabelValues("send", "passive").Set(float64(sp))
	metrics.RDMAPostPoolSize.WithLabelValues("recv", "active").Set(float64(ra))
	metrics.RDMAPostPoolSize.WithLabelValues("recv", "passive").Set(float64(rp))
}
