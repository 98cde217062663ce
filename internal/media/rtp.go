package media

import "github.com/pion/rtp"

// packetBufferSize bounds the channel depth between a producer's ingress
// and each consumer forwarding its stream inside a media worker process,
// so one slow consumer applies backpressure only to itself.
const packetBufferSize = 256

// Forward copies one RTP packet to every active subscriber channel. A
// subscriber that falls behind has packets dropped rather than blocking
// the producer's read loop — the SFU convention that a stalled consumer
// loses frames, not the room. Used by internal/mediaworker's session
// pipeline, which owns the actual RTP read loop.
func Forward(pkt *rtp.Packet, subscribers []chan *rtp.Packet) {
	for _, ch := range subscribers {
		select {
		case ch <- pkt:
		default:
		}
	}
}
