package discv5

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"
	"github.com/ethereum/go-ethereum/rlp"
)

// Packet header flag values.
const (
	flagMessage = iota
	flagWhoareyou
	flagHandshake
)

// Authdata sizes.
const (
	sizeofMessageAuthData   = sizeofNonce
	sizeofWhoareyouAuthData = sizeofNonce + sizeofIDNonce + 8
	// version, nonce, sig size, pubkey size
	sizeofHandshakeAuthData = 1 + sizeofNonce + 2
	// largest signature or public key the one byte size prefix can describe
	maxHandshakeFieldSize = 255
)

// Kind is the kind-specific part of a packet header. It is implemented by
// *Message, *WhoAreYou and *Handshake only.
type Kind interface {
	// Flag returns the header flag byte of the kind.
	Flag() byte
	// AuthData returns the encoded auth-data section of the header.
	AuthData() ([]byte, error)
	String() string

	kind()
}

// Message is the header of an ordinary message packet.
type Message struct {
	Nonce Nonce
}

// WhoAreYou is the header of a challenge packet.
type WhoAreYou struct {
	RequestNonce Nonce   // nonce of the packet that caused the challenge
	IDNonce      IDNonce // to be signed by the recipient
	RecordSeq    uint64  // highest known ENR sequence of the recipient
}

// Handshake is the header of a handshake message packet.
type Handshake struct {
	Nonce        Nonce
	IDNonceSig   []byte
	EphemeralKey []byte
	Record       *enr.Record // nil unless the challenger's copy is outdated
}

func (*Message) kind()   {}
func (*WhoAreYou) kind() {}
func (*Handshake) kind() {}

func (*Message) Flag() byte   { return flagMessage }
func (*WhoAreYou) Flag() byte { return flagWhoareyou }
func (*Handshake) Flag() byte { return flagHandshake }

func (k *Message) AuthData() ([]byte, error) {
	auth := make([]byte, sizeofMessageAuthData)
	copy(auth, k.Nonce[:])
	return auth, nil
}

func (k *WhoAreYou) AuthData() ([]byte, error) {
	auth := make([]byte, sizeofWhoareyouAuthData)
	copy(auth, k.RequestNonce[:])
	copy(auth[sizeofNonce:], k.IDNonce[:])
	binary.BigEndian.PutUint64(auth[sizeofNonce+sizeofIDNonce:], k.RecordSeq)
	return auth, nil
}

func (k *Handshake) AuthData() ([]byte, error) {
	if len(k.IDNonceSig) > maxHandshakeFieldSize {
		return nil, fmt.Errorf("%w: id nonce signature is %d bytes", ErrFieldTooLarge, len(k.IDNonceSig))
	}
	if len(k.EphemeralKey) > maxHandshakeFieldSize {
		return nil, fmt.Errorf("%w: ephemeral key is %d bytes", ErrFieldTooLarge, len(k.EphemeralKey))
	}
	var record []byte
	if k.Record != nil {
		var err error
		if record, err = rlp.EncodeToBytes(k.Record); err != nil {
			return nil, fmt.Errorf("can't encode record: %w", err)
		}
	}

	size := sizeofHandshakeAuthData + len(k.IDNonceSig) + len(k.EphemeralKey) + len(record)
	auth := make([]byte, 0, size)
	auth = append(auth, handshakeVersion)
	auth = append(auth, k.Nonce[:]...)
	auth = append(auth, byte(len(k.IDNonceSig)), byte(len(k.EphemeralKey)))
	auth = append(auth, k.IDNonceSig...)
	auth = append(auth, k.EphemeralKey...)
	auth = append(auth, record...)
	return auth, nil
}

func (k *Message) String() string {
	return fmt.Sprintf("Message { nonce: %v }", k.Nonce)
}

func (k *WhoAreYou) String() string {
	return fmt.Sprintf("WhoAreYou { request_nonce: %v, id_nonce: %v, enr_seq: %d }",
		k.RequestNonce, k.IDNonce, k.RecordSeq)
}

func (k *Handshake) String() string {
	return fmt.Sprintf("Handshake { nonce: %v, id_nonce_sig: %s, ephem_pubkey: %s, record: %s }",
		k.Nonce, hex.EncodeToString(k.IDNonceSig), hex.EncodeToString(k.EphemeralKey), recordString(k.Record))
}

func recordString(r *enr.Record) string {
	if r == nil {
		return "none"
	}
	if n, err := enode.New(enode.ValidSchemes, r); err == nil {
		return n.String()
	}
	return fmt.Sprintf("invalid(seq=%d)", r.Seq())
}

// DecodeKind decodes the auth-data section of a header with the given flag.
func DecodeKind(flag byte, authData []byte) (Kind, error) {
	switch flag {
	case flagMessage:
		return decodeMessageAuthData(authData)
	case flagWhoareyou:
		return decodeWhoareyouAuthData(authData)
	case flagHandshake:
		return decodeHandshakeAuthData(authData)
	default:
		return nil, fmt.Errorf("%w: flag %d", ErrUnknownPacket, flag)
	}
}

func decodeMessageAuthData(auth []byte) (*Message, error) {
	if len(auth) != sizeofMessageAuthData {
		return nil, ErrInvalidAuthDataSize
	}
	k := new(Message)
	copy(k.Nonce[:], auth)
	return k, nil
}

func decodeWhoareyouAuthData(auth []byte) (*WhoAreYou, error) {
	if len(auth) != sizeofWhoareyouAuthData {
		return nil, ErrInvalidAuthDataSize
	}
	k := new(WhoAreYou)
	copy(k.RequestNonce[:], auth[:sizeofNonce])
	copy(k.IDNonce[:], auth[sizeofNonce:sizeofNonce+sizeofIDNonce])
	k.RecordSeq = binary.BigEndian.Uint64(auth[sizeofNonce+sizeofIDNonce:])
	return k, nil
}

func decodeHandshakeAuthData(auth []byte) (*Handshake, error) {
	if len(auth) < sizeofHandshakeAuthData {
		return nil, ErrInvalidAuthDataSize
	}
	if v := auth[0]; v != handshakeVersion {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVersion, v)
	}
	k := new(Handshake)
	copy(k.Nonce[:], auth[1:1+sizeofNonce])
	sigSize := int(auth[1+sizeofNonce])
	keySize := int(auth[2+sizeofNonce])

	varspace := auth[sizeofHandshakeAuthData:]
	if len(varspace) < sigSize+keySize {
		return nil, ErrInvalidAuthDataSize
	}
	k.IDNonceSig = append([]byte(nil), varspace[:sigSize]...)
	k.EphemeralKey = append([]byte(nil), varspace[sigSize:sigSize+keySize]...)

	if rest := varspace[sigSize+keySize:]; len(rest) > 0 {
		k.Record = new(enr.Record)
		if err := rlp.DecodeBytes(rest, k.Record); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidENR, err)
		}
		// Checks the identity scheme and signature.
		if _, err := enode.New(enode.ValidSchemes, k.Record); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidENR, err)
		}
	}
	return k, nil
}
