package rdma

import (
	"fmt"
	"io"
	"strings"
)

// FrameSize is the fixed length of the bootstrap handshake frame.
const FrameSize = 256

// qpParams is one queue pair's advertisement in the handshake.
type qpParams struct {
	RecvBlockSize uint32
	SendBlockSize uint32
	LID           uint16
	QPN           uint32
	PSN           uint32
}

// handshake is both queue pairs' worth of parameters.
type handshake struct {
	QP [2]qpParams
}

// frameFormat carries ten hex fields; all ten must parse or the peer
// rejects the handshake.
const frameFormat = "QP1:RECV_BLKSIZE=%08x:SEND_BLKSIZE=%08x\n" +
	"QP2:RECV_BLKSIZE=%08x:SEND_BLKSIZE=%08x\n" +
	"QP1:LID=%04x:QPN=%06x:PSN=%06x\n" +
	"QP2:LID=%04x:QPN=%06x:PSN=%06x\n"

// encodeFrame renders the handshake zero-padded to FrameSize bytes.
func encodeFrame(h handshake) []byte {
	text := fmt.Sprintf(frameFormat,
		h.QP[0].RecvBlockSize, h.QP[0].SendBlockSize,
		h.QP[1].RecvBlockSize, h.QP[1].SendBlockSize,
		h.QP[0].LID, h.QP[0].QPN, h.QP[0].PSN,
		h.QP[1].LID, h.QP[1].QPN, h.QP[1].PSN,
	)
	frame := make([]byte, FrameSize)
	copy(frame, text)
	return frame
}

// parseFrame decodes a peer's handshake frame, rejecting it unless every
// one of the ten fields parses.
func parseFrame(frame []byte) (handshake, error) {
	var h handshake
	text := strings.TrimRight(string(frame), "\x00")
	n, err := fmt.Sscanf(text, frameFormat,
		&h.QP[0].RecvBlockSize, &h.QP[0].SendBlockSize,
		&h.QP[1].RecvBlockSize, &h.QP[1].SendBlockSize,
		&h.QP[0].LID, &h.QP[0].QPN, &h.QP[0].PSN,
		&h.QP[1].LID, &h.QP[1].QPN, &h.QP[1].PSN,
	)
	if err != nil || n != 10 {
		return handshake{}, fmt.Errorf("rdma: malformed handshake frame (%d of 10 fields): %v", n, err)
	}
	return h, nil
}

// exchangeFrames writes our frame and reads the peer's; the read blocks
// until the full 256 bytes arrive.
func exchangeFrames(rw io.ReadWriter, ours handshake) (handshake, error) {
	if _, err := rw.Write(encodeFrame(ours)); err != nil {
		return handshake{}, fmt.Errorf("rdma: send handshake: %w", err)
	}
	frame := make([]byte, FrameSize)
	if _, err := io.ReadFull(rw, frame); err != nil {
		return handshake{}, fmt.Errorf("rdma: receive handshake: %w", err)
	}
	return parseFrame(frame)
}
