// Package socket runs the UDP send and receive loops of a discv5 node.
//
// Packets are decoded on the receive goroutine and encoded on the send
// goroutine, so a flood of bad datagrams costs codec time there and not in
// the code that consumes Recv.
package socket

import (
	"context"
	"errors"
	"github.com/drgomesp/discspy/pkg/ethereum/protocol/discv5"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"net"
)

var ErrClosed = errors.New("socket closed")

// InboundPacket is a decoded packet and the address it came from. The
// sender's node ID is Packet.Header.SrcID.
type InboundPacket struct {
	Src    *net.UDPAddr
	Packet *discv5.Packet
}

// OutboundPacket is a packet to be masked for DstID and sent to Dst.
type OutboundPacket struct {
	Dst    *net.UDPAddr
	DstID  enode.ID
	Packet *discv5.Packet
}

type Config struct {
	// LocalID is used to unmask inbound headers.
	LocalID enode.ID
	Filter  FilterConfig
	// Expected is shared with whoever consumes responses. Created if nil.
	Expected  *ExpectedResponses
	QueueSize int
	Log       zerolog.Logger
}

func DefaultConfig(localID enode.ID) Config {
	return Config{
		LocalID:   localID,
		Filter:    DefaultFilterConfig(),
		QueueSize: 64,
		Log:       zerolog.Nop(),
	}
}

type Socket struct {
	conn    *net.UDPConn
	localID enode.ID
	log     zerolog.Logger

	filter   *Filter
	expected *ExpectedResponses
	metrics  *socketMetrics

	send chan OutboundPacket
	recv chan InboundPacket

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New starts the send and receive loops on conn. The socket owns conn from
// now on and closes it when ctx is done or Close is called.
func New(ctx context.Context, conn *net.UDPConn, cfg Config) *Socket {
	if cfg.Expected == nil {
		cfg.Expected = NewExpectedResponses()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig(cfg.LocalID).QueueSize
	}

	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)
	s := &Socket{
		conn:     conn,
		localID:  cfg.LocalID,
		log:      cfg.Log.With().Str("component", "discv5/socket").Logger(),
		filter:   NewFilter(cfg.Filter, cfg.Expected),
		expected: cfg.Expected,
		metrics:  newSocketMetrics(),
		send:     make(chan OutboundPacket, cfg.QueueSize),
		recv:     make(chan InboundPacket, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		group:    group,
	}

	group.Go(s.recvLoop)
	group.Go(s.sendLoop)
	group.Go(func() error {
		<-ctx.Done()
		return conn.Close()
	})
	return s
}

// LocalAddr returns the address the socket is bound to.
func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// LocalID returns the ID used to unmask inbound headers.
func (s *Socket) LocalID() enode.ID {
	return s.localID
}

// Expected returns the table of sources that bypass the filter.
func (s *Socket) Expected() *ExpectedResponses {
	return s.expected
}

// Recv returns the channel of decoded inbound packets. It is closed when the
// receive loop exits.
func (s *Socket) Recv() <-chan InboundPacket {
	return s.recv
}

// Send queues a packet for the send loop. Anything but a WHOAREYOU expects a
// reply, so the destination is registered as an expected source.
func (s *Socket) Send(ctx context.Context, out OutboundPacket) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	expectReply := !out.Packet.IsWhoAreYou()
	if expectReply {
		s.expected.Expect(out.Dst)
	}
	select {
	case s.send <- out:
		return nil
	case <-ctx.Done():
		if expectReply {
			s.expected.Done(out.Dst)
		}
		return ctx.Err()
	case <-s.ctx.Done():
		if expectReply {
			s.expected.Done(out.Dst)
		}
		return ErrClosed
	}
}

// Close stops both loops and closes the connection.
func (s *Socket) Close() error {
	s.cancel()
	err := s.group.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Stats returns the packet counters. They stay zero unless metrics are
// enabled.
func (s *Socket) Stats() Stats {
	return s.metrics.stats()
}
