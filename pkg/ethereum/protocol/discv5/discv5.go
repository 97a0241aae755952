// Package discv5 implements the packet encoding of the Discovery v5 Wire Protocol.
// https://github.com/ethereum/devp2p/blob/master/discv5/discv5-wire.md
//
// A packet is a random masking IV, a header masked with AES-CTR under the
// first 16 bytes of the recipient's node ID, and the message ciphertext.
// Masking is not encryption: the key is public. Message encryption and the
// handshake that produces its keys happen outside of this package.
package discv5

import (
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"
)

const MaxPacketSize = 1280

var protocolID = [8]byte{'d', 'i', 's', 'c', 'v', '5', ' ', ' '}

// Errors.
var (
	ErrTooSmall               = errors.New("packet too small")
	ErrHeaderDecryptionFailed = errors.New("header decryption failed")
	ErrInvalidAuthDataSize    = errors.New("invalid auth-data size")
	ErrInvalidVersion         = errors.New("invalid handshake version")
	ErrInvalidENR             = errors.New("invalid node record")
	ErrUnknownPacket          = errors.New("unknown packet")
	ErrFieldTooLarge          = errors.New("header field too large")
)

// Protocol constants.
const (
	handshakeVersion = 1

	// protocol-id, src-id, flag, authdata-size
	sizeofStaticHeader     = 8 + 32 + 1 + 2
	sizeofStaticPacketData = sizeofMaskingIV + sizeofStaticHeader
	minPacketSize          = sizeofStaticPacketData + sizeofMessageAuthData

	randomPacketMsgSize = 44
)

// Packet is a discv5 packet. Message holds the encrypted message, it is
// always empty for WHOAREYOU.
type Packet struct {
	IV      MaskingIV
	Header  PacketHeader
	Message []byte
}

// NewMessage creates an ordinary message packet.
func NewMessage(src enode.ID, nonce Nonce, ciphertext []byte) *Packet {
	return &Packet{
		IV:      randomIV(),
		Header:  PacketHeader{SrcID: src, Kind: &Message{Nonce: nonce}},
		Message: ciphertext,
	}
}

// NewWhoAreYou creates a challenge for the packet with the given nonce.
func NewWhoAreYou(src enode.ID, requestNonce Nonce, idNonce IDNonce, recordSeq uint64) *Packet {
	return &Packet{
		IV: randomIV(),
		Header: PacketHeader{SrcID: src, Kind: &WhoAreYou{
			RequestNonce: requestNonce,
			IDNonce:      idNonce,
			RecordSeq:    recordSeq,
		}},
	}
}

// NewHandshake creates a handshake packet. The caller sets Message once the
// message has been encrypted with the new session keys.
func NewHandshake(src enode.ID, nonce Nonce, idNonceSig, ephemeralKey []byte, record *enr.Record) *Packet {
	return &Packet{
		IV: randomIV(),
		Header: PacketHeader{SrcID: src, Kind: &Handshake{
			Nonce:        nonce,
			IDNonceSig:   idNonceSig,
			EphemeralKey: ephemeralKey,
			Record:       record,
		}},
	}
}

// NewRandom creates a message packet with a random nonce and random
// ciphertext. The recipient can't decrypt it and answers with WHOAREYOU.
func NewRandom(src enode.ID) (*Packet, error) {
	ciphertext := make([]byte, randomPacketMsgSize)
	if _, err := crand.Read(ciphertext); err != nil {
		return nil, fmt.Errorf("can't generate random packet: %w", err)
	}
	return NewMessage(src, randomNonce(), ciphertext), nil
}

// IsWhoAreYou reports whether p is a WHOAREYOU packet.
func (p *Packet) IsWhoAreYou() bool {
	_, ok := p.Header.Kind.(*WhoAreYou)
	return ok
}

// MessageNonce returns the nonce of the packet's message.
func (p *Packet) MessageNonce() (Nonce, bool) {
	switch k := p.Header.Kind.(type) {
	case *Message:
		return k.Nonce, true
	case *Handshake:
		return k.Nonce, true
	default:
		return Nonce{}, false
	}
}

// Encode masks the header for dstID and returns the packet in wire form.
func (p *Packet) Encode(dstID enode.ID) ([]byte, error) {
	header, err := p.Header.Encode()
	if err != nil {
		return nil, err
	}
	maskHeader(dstID, p.IV, header)

	buf := make([]byte, 0, sizeofMaskingIV+len(header)+len(p.Message))
	buf = append(buf, p.IV[:]...)
	buf = append(buf, header...)
	buf = append(buf, p.Message...)
	return buf, nil
}

// Decode decodes a packet sent to localID. The input is not modified and the
// returned packet does not reference it.
func Decode(localID enode.ID, input []byte) (*Packet, error) {
	if len(input) < minPacketSize {
		return nil, ErrTooSmall
	}
	var p Packet
	copy(p.IV[:], input[:sizeofMaskingIV])
	mask := maskingStream(localID, p.IV)

	// Unmask and verify the static header.
	static := make([]byte, sizeofStaticHeader)
	mask.XORKeyStream(static, input[sizeofMaskingIV:sizeofStaticPacketData])
	head := decodeStaticHeader(static)
	if err := head.checkValid(len(input) - sizeofStaticPacketData); err != nil {
		return nil, err
	}

	// Unmask auth data with the rest of the keystream.
	authDataEnd := sizeofStaticPacketData + int(head.AuthSize)
	authData := make([]byte, head.AuthSize)
	mask.XORKeyStream(authData, input[sizeofStaticPacketData:authDataEnd])

	kind, err := DecodeKind(head.Flag, authData)
	if err != nil {
		return nil, err
	}
	p.Header = PacketHeader{SrcID: head.SrcID, Kind: kind}

	msg := input[authDataEnd:]
	if len(msg) > 0 && p.IsWhoAreYou() {
		return nil, fmt.Errorf("%w: WHOAREYOU with %d bytes of message", ErrUnknownPacket, len(msg))
	}
	if len(msg) > 0 {
		p.Message = append([]byte(nil), msg...)
	}
	return &p, nil
}

func (p *Packet) String() string {
	return fmt.Sprintf("Packet { iv: %v, header: %v, message: %s }", p.IV, &p.Header, hex.EncodeToString(p.Message))
}
