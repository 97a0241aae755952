package socket

// sendLoop runs in its own goroutine and writes queued packets.
func (s *Socket) sendLoop() error {
	for {
		select {
		case out := <-s.send:
			s.write(out)
		case <-s.ctx.Done():
			return nil
		}
	}
}

func (s *Socket) write(out OutboundPacket) {
	enc, err := out.Packet.Encode(out.DstID)
	if err != nil {
		s.writeFailed(out)
		s.log.Warn().Err(err).Stringer("addr", out.Dst).Msg("Can't encode packet")
		return
	}
	if _, err := s.conn.WriteToUDP(enc, out.Dst); err != nil {
		s.writeFailed(out)
		s.log.Debug().Err(err).Stringer("addr", out.Dst).Msg("UDP write error")
		return
	}
	s.metrics.egress.Inc(1)
	s.log.Trace().Stringer("addr", out.Dst).Stringer("id", out.DstID).Msg(">> " + kindName(out.Packet))
}

// writeFailed undoes the expected-response registration made by Send.
func (s *Socket) writeFailed(out OutboundPacket) {
	s.metrics.egressErrors.Inc(1)
	if !out.Packet.IsWhoAreYou() {
		s.expected.Done(out.Dst)
	}
}
