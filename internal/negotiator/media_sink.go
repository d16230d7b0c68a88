package negotiator

import (
	"sync"

	"github.com/pion/rtp"
)

// MediaSink receives the remote participant's RTP packets. The packet and its
// payload are reused once WriteRTP returns; sinks that keep them must copy.
type MediaSink interface {
	WriteRTP(kind string, packet *rtp.Packet) error
}

// TrackStats summarises what a PacketCounter saw for one media kind.
type TrackStats struct {
	Packets      uint64
	Bytes        uint64
	SSRC         uint32
	LastSequence uint16
}

// PacketCounter is a MediaSink that only keeps per-kind counters. Useful for
// headless clients and probes.
type PacketCounter struct {
	mu    sync.Mutex
	stats map[string]TrackStats
}

func NewPacketCounter() *PacketCounter {
	return &PacketCounter{stats: make(map[string]TrackStats)}
}

func (p *PacketCounter) WriteRTP(kind string, packet *rtp.Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.stats[kind]
	st.Packets++
	st.Bytes += uint64(len(packet.Payload))
	st.SSRC = packet.SSRC
	st.LastSequence = packet.SequenceNumber
	p.stats[kind] = st
	return nil
}

func (p *PacketCounter) Stats(kind string) TrackStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats[kind]
}
