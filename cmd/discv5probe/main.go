// Command discv5probe sends random discv5 packets to a node and waits for the
// WHOAREYOU challenges they provoke.
package main

import (
	"context"
	"crypto/ecdsa"
	"flag"
	"github.com/davecgh/go-spew/spew"
	"github.com/drgomesp/discspy/pkg/ethereum/protocol/discv5"
	"github.com/drgomesp/discspy/pkg/ethereum/protocol/discv5/socket"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"net"
	"os"
	"os/signal"
	"time"
)

var nodeURL = flag.String("node", "", "enr: or enode: URL of the node to probe")
var listenAddr = flag.String("addr", "0.0.0.0:0", "Local UDP address")
var nodeKey = flag.String("key", "", "Hex private key, random if empty")
var count = flag.Int("n", 1, "Number of probes to send")
var probeRate = flag.Float64("rate", 2, "Probes per second")
var timeout = flag.Duration("timeout", 5*time.Second, "How long to wait for the last challenge")
var verbose = flag.Bool("v", false, "Dump every challenge in great detail")

func init() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

type probe struct {
	nonce discv5.Nonce
	sent  time.Time
}

func main() {
	flag.Parse()
	if *nodeURL == "" {
		log.Fatal().Msg("-node is required")
	}
	node, err := enode.Parse(enode.ValidSchemes, *nodeURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid node URL")
	}
	if node.IP() == nil || node.UDP() == 0 {
		log.Fatal().Msgf("Node %v has no UDP endpoint", node.ID())
	}
	dst := &net.UDPAddr{IP: node.IP(), Port: node.UDP()}

	key, err := loadKey()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid key")
	}
	localID := enode.PubkeyToIDV4(&key.PublicKey)

	laddr, err := net.ResolveUDPAddr("udp", *listenAddr)
	if err != nil {
		log.Fatal().Err(err).Send()
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		log.Fatal().Err(err).Send()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := socket.DefaultConfig(localID)
	cfg.Log = log.Logger
	sock := socket.New(ctx, conn, cfg)
	log.Info().Msgf("Probing %v at %v from %v", node.ID(), dst, sock.LocalAddr())

	answered := run(ctx, sock, node.ID(), dst)
	if err := sock.Close(); err != nil {
		log.Error().Err(err).Msg("Socket failed")
	}
	log.Info().Msgf("%d/%d probes answered", answered, *count)
	if answered == 0 {
		os.Exit(1)
	}
}

func loadKey() (*ecdsa.PrivateKey, error) {
	if *nodeKey == "" {
		return crypto.GenerateKey()
	}
	return crypto.HexToECDSA(*nodeKey)
}

// run sends the probes and collects challenges until every probe is answered
// or the timeout passes after the last send.
func run(ctx context.Context, sock *socket.Socket, dstID enode.ID, dst *net.UDPAddr) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	localID := sock.LocalID()
	pending := make(map[discv5.Nonce]probe, *count)
	limiter := rate.NewLimiter(rate.Limit(*probeRate), 1)
	answered := 0

	sent := make(chan probe)
	go func() {
		defer close(sent)
		for i := 0; i < *count; i++ {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			p, err := discv5.NewRandom(localID)
			if err != nil {
				log.Error().Err(err).Send()
				return
			}
			nonce, _ := p.MessageNonce()
			pr := probe{nonce: nonce, sent: time.Now()}
			select {
			case sent <- pr:
			case <-ctx.Done():
				return
			}
			if err := sock.Send(ctx, socket.OutboundPacket{Dst: dst, DstID: dstID, Packet: p}); err != nil {
				log.Error().Err(err).Msg("Can't send probe")
				return
			}
			log.Debug().Msgf("Sent probe %d with nonce %v", i+1, nonce)
		}
	}()

	deadline := time.NewTimer(*timeout)
	defer deadline.Stop()
	sending := true
	for sending || len(pending) > 0 {
		select {
		case pr, ok := <-sent:
			if !ok {
				sent, sending = nil, false
				continue
			}
			pending[pr.nonce] = pr
			resetTimer(deadline, *timeout)

		case in, ok := <-sock.Recv():
			if !ok {
				return answered
			}
			challenge, isChallenge := in.Packet.Header.Kind.(*discv5.WhoAreYou)
			if !isChallenge {
				log.Debug().Msgf("Ignoring %v from %v", in.Packet.Header.Kind, in.Src)
				continue
			}
			pr, known := pending[challenge.RequestNonce]
			if !known {
				log.Debug().Msgf("Ignoring unsolicited challenge from %v", in.Src)
				continue
			}
			delete(pending, challenge.RequestNonce)
			sock.Expected().Done(dst)
			answered++

			log.Info().
				Stringer("src_id", in.Packet.Header.SrcID).
				Stringer("id_nonce", challenge.IDNonce).
				Uint64("enr_seq", challenge.RecordSeq).
				Dur("rtt", time.Since(pr.sent)).
				Msg("Got WHOAREYOU")
			if *verbose {
				spew.Dump(in.Packet)
			}

		case <-deadline.C:
			log.Warn().Msgf("Timed out with %d probes unanswered", len(pending))
			return answered

		case <-ctx.Done():
			return answered
		}
	}
	return answered
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
