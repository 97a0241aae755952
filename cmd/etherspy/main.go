package main

import (
	"errors"
	"flag"
	"github.com/davecgh/go-spew/spew"
	"github.com/drgomesp/discspy/pkg/ethereum/protocol/discv4"
	"github.com/drgomesp/discspy/pkg/ethereum/protocol/discv5"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/google/gopacket"
	"github.com/google/gopacket/examples/util"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"os"
	"time"
)

var iface = flag.String("i", "enp9s0", "Interface to get packets from")
var fname = flag.String("r", "", "Filename to read from, overrides -i")
var snaplen = flag.Int("s", 1600, "SnapLen for pcap packet capture")
var filter = flag.String("f", "udp and dst port 30303", "BPF filter for pcap")
var logAllPackets = flag.Bool("v", false, "Logs every packet in great detail")
var nodeKey = flag.String("key", "", "Hex private key of the capturing node, used to unmask discv5 headers")
var nodeID = flag.String("id", "", "Hex node ID of the capturing node, alternative to -key")
var logStats = flag.Bool("metrics", false, "Count packets and log the counters every minute")

var (
	capturedCounter    metrics.Counter
	discv5Counter      metrics.Counter
	discv4Counter      metrics.Counter
	undecodableCounter metrics.Counter
)

func init() {
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func main() {
	defer util.Run()()
	var handle *pcap.Handle
	var err error

	metrics.Enabled = *logStats
	capturedCounter = metrics.GetOrRegisterCounter("etherspy/captured", nil)
	discv5Counter = metrics.GetOrRegisterCounter("etherspy/discv5", nil)
	discv4Counter = metrics.GetOrRegisterCounter("etherspy/discv4", nil)
	undecodableCounter = metrics.GetOrRegisterCounter("etherspy/undecodable", nil)

	localID, haveID, err := localNodeID()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid local node")
	}
	if haveID {
		log.Info().Msgf("Unmasking discv5 headers for node %v", localID)
	} else {
		log.Warn().Msg("No -key or -id given, only discv4 packets will be decoded")
	}

	// Set up pcap packet capture
	if *fname != "" {
		log.Info().Msgf("Reading from pcap dump %q", *fname)
		handle, err = pcap.OpenOffline(*fname)
	} else {
		log.Info().Msgf("Starting capture on interface %q", *iface)
		handle, err = pcap.OpenLive(*iface, int32(*snaplen), true, pcap.BlockForever)
	}
	if err != nil {
		log.Fatal().Err(err).Send()
	}
	defer handle.Close()

	if err := handle.SetBPFFilter(*filter); err != nil {
		log.Fatal().Err(err).Send()
	}

	log.Info().Msg("reading in packets")

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case packet := <-packetSource.Packets():
			// A nil packet indicates the end of a pcap file.
			if packet == nil {
				logCounters()
				return
			}

			udp, ok := packet.TransportLayer().(*layers.UDP)
			if !ok || len(udp.Payload) == 0 {
				continue
			}

			if *logAllPackets {
				spew.Dump(packet)
			}

			capturedCounter.Inc(1)
			handlePayload(localID, haveID, packet, udp.Payload)

		case <-ticker.C:
			logCounters()
		}
	}
}

// localNodeID returns the ID whose masking key unmasks captured discv5 headers.
func localNodeID() (enode.ID, bool, error) {
	switch {
	case *nodeKey != "":
		key, err := crypto.HexToECDSA(*nodeKey)
		if err != nil {
			return enode.ID{}, false, err
		}
		return enode.PubkeyToIDV4(&key.PublicKey), true, nil
	case *nodeID != "":
		id, err := enode.ParseID(*nodeID)
		if err != nil {
			return enode.ID{}, false, err
		}
		return id, true, nil
	}
	return enode.ID{}, false, nil
}

// handlePayload tries discv5 first and falls back to discv4 when the header
// does not unmask. Decode errors are logged and never stop the capture.
func handlePayload(localID enode.ID, haveID bool, packet gopacket.Packet, payload []byte) {
	var flow string
	if nl := packet.NetworkLayer(); nl != nil {
		flow = nl.NetworkFlow().String()
	}

	if haveID {
		p, err := discv5.Decode(localID, payload)
		if err == nil {
			discv5Counter.Inc(1)
			log.Info().Str("flow", flow).Stringer("src_id", p.Header.SrcID).Msg(p.Header.Kind.String())
			if *logAllPackets {
				spew.Dump(p)
			}
			return
		}
		if !errors.Is(err, discv5.ErrHeaderDecryptionFailed) {
			undecodableCounter.Inc(1)
			log.Debug().Err(err).Str("flow", flow).Msg("Bad discv5 packet")
			return
		}
	}

	p, err := discv4.Decode(payload)
	if err != nil {
		undecodableCounter.Inc(1)
		log.Debug().Err(err).Str("flow", flow).Int("size", len(payload)).Msg("Unknown packet")
		log.Trace().Str("payload", hexutil.Encode(payload)).Send()
		return
	}
	discv4Counter.Inc(1)
	log.Info().Str("flow", flow).Stringer("src_id", p.From.ID()).Msg(p.Kind.String())
	if *logAllPackets {
		spew.Dump(p.Body)
	}
}

func logCounters() {
	if !metrics.Enabled {
		return
	}
	log.Info().
		Int64("captured", capturedCounter.Count()).
		Int64("discv5", discv5Counter.Count()).
		Int64("discv4", discv4Counter.Count()).
		Int64("undecodable", undecodableCounter.Count()).
		Msg("Packet counters")
}
