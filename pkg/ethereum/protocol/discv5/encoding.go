package discv5

import (
	"encoding/binary"
	"fmt"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"math"
)

// PacketHeader is the masked part of a packet.
type PacketHeader struct {
	SrcID enode.ID
	Kind  Kind
}

// StaticHeader contains the fixed-size fields in front of the auth-data.
type StaticHeader struct {
	ProtocolID [8]byte
	SrcID      enode.ID
	Flag       byte
	AuthSize   uint16
}

// Encode returns the header in its unmasked wire form.
func (h *PacketHeader) Encode() ([]byte, error) {
	auth, err := h.Kind.AuthData()
	if err != nil {
		return nil, err
	}
	if len(auth) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: auth-data is %d bytes", ErrFieldTooLarge, len(auth))
	}

	buf := make([]byte, sizeofStaticHeader, sizeofStaticHeader+len(auth))
	copy(buf, protocolID[:])
	copy(buf[len(protocolID):], h.SrcID[:])
	buf[40] = h.Kind.Flag()
	binary.BigEndian.PutUint16(buf[41:], uint16(len(auth)))
	return append(buf, auth...), nil
}

// AuthenticatedData returns the data the message cipher authenticates for this
// header. WHOAREYOU packets carry no message, so there is none for them.
func (h *PacketHeader) AuthenticatedData() ([]byte, error) {
	if _, ok := h.Kind.(*WhoAreYou); ok {
		return nil, nil
	}
	return h.Encode()
}

func (h *PacketHeader) String() string {
	return fmt.Sprintf("PacketHeader { src_id: %v, kind: %v }", h.SrcID, h.Kind)
}

// decodeStaticHeader parses an unmasked static header.
func decodeStaticHeader(b []byte) (sh StaticHeader) {
	_ = b[sizeofStaticHeader-1]
	copy(sh.ProtocolID[:], b[:8])
	copy(sh.SrcID[:], b[8:40])
	sh.Flag = b[40]
	sh.AuthSize = binary.BigEndian.Uint16(b[41:43])
	return sh
}

// checkValid performs some basic validity checks on the header.
// The packetLen here is the length remaining after the static header.
func (h *StaticHeader) checkValid(packetLen int) error {
	if h.ProtocolID != protocolID {
		return ErrHeaderDecryptionFailed
	}
	if int(h.AuthSize) > packetLen {
		return ErrInvalidAuthDataSize
	}
	return nil
}
