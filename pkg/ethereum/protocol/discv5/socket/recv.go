package socket

import (
	"errors"
	"fmt"
	"github.com/drgomesp/discspy/pkg/ethereum/protocol/discv5"
	"github.com/ethereum/go-ethereum/p2p/netutil"
	"net"
	"time"
)

// recvLoop runs in its own goroutine and reads packets from the network.
func (s *Socket) recvLoop() error {
	defer close(s.recv)

	buf := make([]byte, discv5.MaxPacketSize)
	for {
		nbytes, from, err := s.conn.ReadFromUDP(buf)
		if netutil.IsTemporaryError(err) {
			// Ignore temporary read errors.
			s.log.Debug().Err(err).Msg("Temporary UDP read error")
			continue
		} else if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("udp read: %w", err)
		}
		s.handlePacket(from, buf[:nbytes])
	}
}

// handlePacket filters and decodes a datagram and passes it on. Bad packets
// are counted and dropped.
func (s *Socket) handlePacket(from *net.UDPAddr, data []byte) {
	s.metrics.ingress.Inc(1)
	if !s.filter.Allow(from, time.Now()) {
		s.metrics.filtered.Inc(1)
		s.log.Trace().Stringer("addr", from).Msg("Filtered packet")
		return
	}

	p, err := discv5.Decode(s.localID, data)
	if err != nil {
		s.metrics.dropped.Inc(1)
		s.log.Debug().Err(err).Stringer("addr", from).Int("size", len(data)).Msg("Bad discv5 packet")
		return
	}
	s.log.Trace().Stringer("addr", from).Stringer("id", p.Header.SrcID).Msg("<< " + kindName(p))

	select {
	case s.recv <- InboundPacket{Src: from, Packet: p}:
	case <-s.ctx.Done():
	}
}

func kindName(p *discv5.Packet) string {
	switch p.Header.Kind.(type) {
	case *discv5.Message:
		return "MESSAGE"
	case *discv5.WhoAreYou:
		return "WHOAREYOU"
	case *discv5.Handshake:
		return "HANDSHAKE"
	default:
		return "UNKNOWN"
	}
}
