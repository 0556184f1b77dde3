package webrtc

import "sync"

// NackHistory is a small ring buffer of recently-sent RTP packets for one
// SSRC, consulted when an RTPFB/NACK (RFC4585) arrives so the requested
// sequence numbers can be retransmitted without re-encoding.
type NackHistory struct {
	mu   sync.Mutex
	size int
	buf  map[uint16]*rtpWireFrame
	seqs []uint16
}

// NewNackHistory creates a NackHistory retaining up to size packets.
func NewNackHistory(size int) *NackHistory {
	return &NackHistory{
		size: size,
		buf:  make(map[uint16]*rtpWireFrame, size),
	}
}

// Put records a sent packet, evicting the oldest entry once size is
// exceeded.
func (h *NackHistory) Put(p *rtpWireFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	seq := p.header.SequenceNumber
	if _, exists := h.buf[seq]; !exists {
		h.seqs = append(h.seqs, seq)
	}
	h.buf[seq] = p

	for len(h.seqs) > h.size {
		oldest := h.seqs[0]
		h.seqs = h.seqs[1:]
		delete(h.buf, oldest)
	}
}

// Get returns the packet previously sent with the given sequence number,
// if it is still retained.
func (h *NackHistory) Get(seq uint16) (*rtpWireFrame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.buf[seq]
	return p, ok
}
