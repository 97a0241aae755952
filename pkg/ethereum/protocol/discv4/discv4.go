// Package discv4 implements the packet format of the Discovery v4 Wire Protocol.
// https://github.com/ethereum/devp2p/blob/master/discv4.md
//
// It is used to recognize v4 traffic that shares a port with discv5.
package discv4

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/enr"
	"github.com/ethereum/go-ethereum/rlp"
)

const (
	macSize  = 32
	sigSize  = crypto.SignatureLength
	headSize = macSize + sigSize
)

// Errors.
var (
	ErrPacketTooSmall = errors.New("packet too small")
	ErrBadHash        = errors.New("bad hash")
	ErrUnknownKind    = errors.New("unknown packet type")
)

type PacketKind byte

const (
	PacketPing = PacketKind(iota + 1)
	PacketPong
	PacketFindNode
	PacketNeighbors
	PacketENRRequest
	PacketENRResponse
)

func (k PacketKind) String() string {
	switch k {
	case PacketPing:
		return "PING/v4"
	case PacketPong:
		return "PONG/v4"
	case PacketFindNode:
		return "FINDNODE/v4"
	case PacketNeighbors:
		return "NEIGHBORS/v4"
	case PacketENRRequest:
		return "ENRREQUEST/v4"
	case PacketENRResponse:
		return "ENRRESPONSE/v4"
	default:
		return fmt.Sprintf("UNKNOWN/v4(%d)", byte(k))
	}
}

type Ping struct {
	Version    uint
	From, To   Endpoint
	Expiration uint64
	Rest       []rlp.RawValue `rlp:"tail"`
}

type Pong struct {
	To         Endpoint
	ReplyTok   []byte
	Expiration uint64
	Rest       []rlp.RawValue `rlp:"tail"`
}

type FindNode struct {
	Target     NodeID
	Expiration uint64
	Rest       []rlp.RawValue `rlp:"tail"`
}

type Neighbors struct {
	Nodes      []Node
	Expiration uint64
	Rest       []rlp.RawValue `rlp:"tail"`
}

type ENRRequest struct {
	Expiration uint64
	Rest       []rlp.RawValue `rlp:"tail"`
}

type ENRResponse struct {
	ReplyTok []byte
	Record   enr.Record
	Rest     []rlp.RawValue `rlp:"tail"`
}

// Packet is a decoded v4 packet.
type Packet struct {
	Hash []byte
	From NodeID
	Kind PacketKind
	Body interface{}
}

func newBody(kind PacketKind) (interface{}, error) {
	switch kind {
	case PacketPing:
		return new(Ping), nil
	case PacketPong:
		return new(Pong), nil
	case PacketFindNode:
		return new(FindNode), nil
	case PacketNeighbors:
		return new(Neighbors), nil
	case PacketENRRequest:
		return new(ENRRequest), nil
	case PacketENRResponse:
		return new(ENRResponse), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, byte(kind))
	}
}

// Decode verifies the hash and signature of a v4 packet and decodes its body.
func Decode(buf []byte) (*Packet, error) {
	if len(buf) < headSize+1 {
		return nil, ErrPacketTooSmall
	}

	hash, sig, sigdata := buf[:macSize], buf[macSize:headSize], buf[headSize:]
	if !bytes.Equal(hash, crypto.Keccak256(buf[macSize:])) {
		return nil, ErrBadHash
	}

	fromID, err := recoverNodeID(crypto.Keccak256(sigdata), sig)
	if err != nil {
		return nil, err
	}

	kind := PacketKind(sigdata[0])
	body, err := newBody(kind)
	if err != nil {
		return nil, err
	}
	s := rlp.NewStream(bytes.NewReader(sigdata[1:]), 0)
	if err := s.Decode(body); err != nil {
		return nil, fmt.Errorf("can't decode %v body: %w", kind, err)
	}

	return &Packet{
		Hash: append([]byte(nil), hash...),
		From: fromID,
		Kind: kind,
		Body: body,
	}, nil
}

// Encode signs and hashes a v4 packet.
func Encode(key *ecdsa.PrivateKey, kind PacketKind, body interface{}) ([]byte, error) {
	b := new(bytes.Buffer)
	b.Write(make([]byte, headSize))
	b.WriteByte(byte(kind))
	if err := rlp.Encode(b, body); err != nil {
		return nil, fmt.Errorf("can't encode %v body: %w", kind, err)
	}
	packet := b.Bytes()
	sig, err := crypto.Sign(crypto.Keccak256(packet[headSize:]), key)
	if err != nil {
		return nil, err
	}
	copy(packet[macSize:], sig)
	copy(packet, crypto.Keccak256(packet[macSize:]))
	return packet, nil
}
