/*
Package rdma is the verbs-style message transport between data-path
processes: dual queue pairs per connection, registered-buffer post pools,
credit-based send flow control, and completion-queue poller goroutines.

Each transport runs two queue pairs. QP0 carries normal-sized messages out
of a fixed-size post pool; QP1 carries single oversized messages in
one-shot aux posts. A message larger than the negotiated send block (plus
header headroom) is announced on QP0 with a "NeedDataMR:<length>" control
line, and the payload follows on QP1 once the receiver has posted an aux
buffer of that length. The two queue pairs have no mutual ordering, which
is exactly why the rendezvous exists.

Connections bootstrap over TCP: each side writes a fixed 256-byte text
frame carrying both queue pairs' block sizes and LID/QPN/PSN triples, then
takes the minimum of its own and the peer's block size per direction. The
same socket then carries the framed queue-pair traffic, standing in for
the fabric.

Flow control is a per-QP credit counter guarded by a mutex and condition
variable: a sender blocks when its quota is zero, and the send-completion
poller is the only producer of credits. Teardown flips a shutdown flag
under the same lock and broadcasts, so a blocked sender always wakes when
the transport dies. Any completion error bails the whole transport: the
socket shuts down, both queue pairs drain, and the upper layer sees a
disconnect.
*/
package rdma
