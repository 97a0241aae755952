package discv5

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"net"
	"strings"
	"testing"
)

var (
	testKeyA = hexKey("eef77acb6c6a6eebc5b363a475ac583ec7eccdb42b6481424c60f59aa326547f")
	testKeyB = hexKey("66fb62bfbd66b9177a138c1e5cddbe4f7c30c343e94e68df8769459cb1cde628")
	testIDA  = enode.PubkeyToIDV4(&testKeyA.PublicKey)
	testIDB  = enode.PubkeyToIDV4(&testKeyB.PublicKey)
)

const testRecordURL = "enr:-H24QBfhsHORjaMtZAZCx2LA4ngWmOSXH4qzmnd0atrYPwHnb_yHTFkkgIu-fFCJCILCuKASh6CwgxLR1ToX1Rf16ycBgmlkgnY0gmlwhH8AAAGJc2VjcDI1NmsxoQMT0UIR4Ch7I2GhYViQqbUhIIBUbQoleuTP-Wz1NJksuQ"

func hexKey(s string) *ecdsa.PrivateKey {
	key, err := crypto.HexToECDSA(s)
	if err != nil {
		panic(err)
	}
	return key
}

func hexBytes(t testing.TB, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func repeatID(b byte) (id enode.ID) {
	copy(id[:], bytes.Repeat([]byte{b}, len(id)))
	return id
}

func repeatNonce(b byte) (n Nonce) {
	copy(n[:], bytes.Repeat([]byte{b}, len(n)))
	return n
}

func ivFromUint(v uint64) (iv MaskingIV) {
	binary.BigEndian.PutUint64(iv[8:], v)
	return iv
}

// recordComparer compares records by their signed encoding.
var recordComparer = cmp.Comparer(func(a, b *enr.Record) bool {
	if a == nil || b == nil {
		return a == b
	}
	encA, errA := rlp.EncodeToBytes(a)
	encB, errB := rlp.EncodeToBytes(b)
	return errA == nil && errB == nil && bytes.Equal(encA, encB)
})

func requirePacketEqual(t *testing.T, want, got *Packet) {
	t.Helper()
	if diff := cmp.Diff(want, got, recordComparer); diff != "" {
		t.Fatalf("packet mismatch (-want +got):\n%s", diff)
	}
}

func testRecord(t *testing.T) *enr.Record {
	t.Helper()
	var r enr.Record
	r.SetSeq(1)
	r.Set(enr.IP(net.IP{127, 0, 0, 1}))
	r.Set(enr.TCP(9000))
	require.NoError(t, enode.SignV4(&r, testKeyA))
	return &r
}

// Reference packets in wire form. Encode vectors are masked for testIDB or
// repeatID(4), decode vectors for testIDB.
const (
	messageVector             = "0000000000000000000000000000000b4f3ab1857252d94edf25b8bda34d42d8260ec07cfbb0b826e8067831b5af17ad5566dc48f0d48d73b9942b9bb5d5d5c9e08a3585038c4d010101010101010101010101"
	whoareyouVector           = "00000000000000000000000000000000088b3d4342776668980a4adf72a8fcaa963f24b27a2f6bb44c7ed5ca10e87de130f94d2390b9853c3ecb9ad5e368892ec562137bf19c6d0a9191a5651c4f415117bdfa0c7ab86af62b7a9784eceb28008d03ede83bd1369631f9f3d8da0b45"
	handshakeVector           = "0000000000000000000000000000000035a14bcdb8448e04f25747c7493c12d052da4583e19f19d5fe5a8d438a4b5b518dfead9d80200875c33d42d29bed582c1d561390390af686d994770f24d8da18605ff3f5b60b090c61515093a88ef4c02186f7d1b5c9a88fdb8cfae239f13e451758751561b439d8044e27cecdf646f2aa1c9ecbd5faf37eb6794f6337f4b2a885391e631f72deb808c63bf0b0faed23d7117f7a2e1f98c28bd017"
	handshakeRecordVector     = "0000000000000000000000000000000035a14bcdb8448e045bfec0dda3cb8cd3d28f5dc8cae1ef446ec303591d35d45c767284d6d58594cdc33dc4d29bed582c1d561390390af686d994770f24d8da18605ff3f5b60b090c61515093a88ef4c02186f7d1b5c9a88fdb8cfae239f13e451758751561b439d8044e27cecdf646f2aa1c9ecbd5faf37eb6794f6337f4b2a885391e631f72deb808c63bf0b0faed23d7117f7a2e1f98c28bd01774f273648aacc15fec7016235dfb3ace8f8ffd6f63ea1958d5cbe6ca51c9ec78d8bf1b4f326b4dfd90fec9ea5a4aed319818bb4ec872986bd559d8b56cf4589d22e0fe1cbd6f63358ab38c7637d3e45a233ed56dadb635603abd38cfb1ad7ad358bda590c9544ee00782b475477e47f5e0b986988b76101b4da99b018e80c76c0d0de15cabfe"
	zeroIVMessageVector       = "00000000000000000000000000000000088b3d4342776668980a4adf72a8fcaa963f24b27a2f6bb44c7ed5ca10e87de130f94d2390b9853c3fcba2e0d55fb91ff7512f46cfa355171717171717171717171717"
	pingVector                = "00000000000000000000000000000000088b3d4342776668980a4adf72a8fcaa963f24b27a2f6bb44c7ed5ca10e87de130f94d2390b9853c3fcba22b1e9472d43c9ae48d04689eb84102ed931f66d180cbb4219f369a24f4e6b24d7bdc2a04"
	pingHandshakeVector       = "00000000000000000000000000000000088b3d4342776668980a4adf72a8fcaa963f24b27a2f6bb44c7ed5ca10e87de130f94d2390b9853c3dcb21d51e9472d43c9ae48d04689ef4d3d2602a5e89ac340f9e81e722b1d7dac2578d520dd5bc6dc1e38ad3ab33012be1a5d259267a0947bf242219834c5702d1c694c0ceb4a6a27b5d68bd2c2e32e6cb9696706adff216ab862a9186875f9494150c4ae06fa4d1f0396c93f215fa4ef52417d9c40a31564e8d5f31a7f08c38045ff5e30d9661838b1eabee9f1e561120bc7fccc3d4569a69fdf04f31230ae4be20404467d9ea9ab3cd"
	pingHandshakeRecordVector = "00000000000000000000000000000000088b3d4342776668980a4adf72a8fcaa963f24b27a2f6bb44c7ed5ca10e87de130f94d2390b9853c3dcaa0d51e9472d43c9ae48d04689ef4d3d2602a5e89ac340f9e81e722b1d7dac2578d520dd5bc6dc1e38ad3ab33012be1a5d259267a0947bf242219834c5702d1c694c0ceb4a6a27b5d68bd2c2e32e6cb9696706adff216ab862a9186875f9494150c4ae06fa4d1f0396c93f215fa4ef52417d9c40a31564e8d5f31a7f08c38045ff5e30d9661838b1eabee9f1e561120bcc4d9f2f9c839152b4ab970e029b2395b97e8c3aa8d3b497ee98a15e865bcd34effa8b83eb6396bca60ad8f0bff1e047e278454bc2b3d6404c12106a9d0b6107fc2383976fc05fbda2c954d402c28c8fb53a2b3a4b111c286ba2ac4ff880168323c6e97b01dbcbeef4f234e5849f75ab007217c919820aaa1c8a7926d3625917fccc3d4569a69fd8aca026be87afab8e8e645d1ee888992"
)

func TestTestIDs(t *testing.T) {
	require.Equal(t, "aaaa8419e9f49d0083561b48287df592939a8d19947d8c0ef88f2a4856a69fbb", testIDA.String())
	require.Equal(t, "bbbb9d047f0488c0b5a93c1c3f2d8bafc7c8ff337024a55434a0d0555de64db9", testIDB.String())
}

func TestEncodeVectors(t *testing.T) {
	tests := []struct {
		name   string
		dst    enode.ID
		packet func(t *testing.T) *Packet
		want   string
	}{
		{
			name: "message",
			dst:  testIDB,
			packet: func(t *testing.T) *Packet {
				return &Packet{
					IV:      ivFromUint(11),
					Header:  PacketHeader{SrcID: testIDA, Kind: &Message{Nonce: repeatNonce(12)}},
					Message: bytes.Repeat([]byte{1}, 12),
				}
			},
			want: messageVector,
		},
		{
			name: "whoareyou",
			dst:  testIDB,
			packet: func(t *testing.T) *Packet {
				k := &WhoAreYou{RecordSeq: 0}
				copy(k.RequestNonce[:], hexBytes(t, "0102030405060708090a0b0c"))
				copy(k.IDNonce[:], hexBytes(t, "0102030405060708090a0b0c0d0e0f1000000000000000000000000000000000"))
				return &Packet{Header: PacketHeader{SrcID: testIDA, Kind: k}}
			},
			want: whoareyouVector,
		},
		{
			name: "handshake",
			dst:  repeatID(4),
			packet: func(t *testing.T) *Packet {
				return &Packet{Header: PacketHeader{SrcID: repeatID(3), Kind: &Handshake{
					Nonce:        repeatNonce(52),
					IDNonceSig:   bytes.Repeat([]byte{5}, 64),
					EphemeralKey: bytes.Repeat([]byte{6}, 33),
				}}}
			},
			want: handshakeVector,
		},
		{
			name: "handshake with record",
			dst:  repeatID(4),
			packet: func(t *testing.T) *Packet {
				return &Packet{Header: PacketHeader{SrcID: testIDA, Kind: &Handshake{
					Nonce:        repeatNonce(52),
					IDNonceSig:   bytes.Repeat([]byte{5}, 64),
					EphemeralKey: bytes.Repeat([]byte{6}, 33),
					Record:       testRecord(t),
				}}}
			},
			want: handshakeRecordVector,
		},
		{
			name: "message with zero iv",
			dst:  testIDB,
			packet: func(t *testing.T) *Packet {
				return &Packet{
					Header:  PacketHeader{SrcID: testIDA, Kind: &Message{Nonce: repeatNonce(52)}},
					Message: bytes.Repeat([]byte{23}, 12),
				}
			},
			want: zeroIVMessageVector,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			packet := test.packet(t)
			enc, err := packet.Encode(test.dst)
			require.NoError(t, err)
			require.Equal(t, test.want, hex.EncodeToString(enc))

			dec, err := Decode(test.dst, enc)
			require.NoError(t, err)
			requirePacketEqual(t, packet, dec)
		})
	}
}

func TestDecodeVectors(t *testing.T) {
	var pingNonce Nonce
	copy(pingNonce[:], bytes.Repeat([]byte{0xff}, sizeofNonce))
	sig := "c14a44c1e56c122877e65606ad2ce92d1ad6e13e946d4ce0673b90e237bdd05c2181fc714c008686a08eb4df52faab7614a469576e9ab1363377a7de100aedc2"
	ephkey := "9a003ba6517b473fa0cd74aefe99dadfdb34627f90fec6362df85803908f53a50f497889e4a9c74f48321875f8601ec65650fa0922fda04d69089b79af7f5533"

	node, err := enode.Parse(enode.ValidSchemes, testRecordURL)
	require.NoError(t, err)
	require.Equal(t, testIDA, node.ID())

	tests := []struct {
		name  string
		input string
		want  *Packet
	}{
		{
			name:  "ping",
			input: pingVector,
			want: &Packet{
				Header:  PacketHeader{SrcID: testIDA, Kind: &Message{Nonce: pingNonce}},
				Message: hexBytes(t, "b84102ed931f66d180cbb4219f369a24f4e6b24d7bdc2a04"),
			},
		},
		{
			name:  "ping handshake",
			input: pingHandshakeVector,
			want: &Packet{
				Header: PacketHeader{SrcID: testIDA, Kind: &Handshake{
					Nonce:        pingNonce,
					IDNonceSig:   hexBytes(t, sig),
					EphemeralKey: hexBytes(t, ephkey),
				}},
				Message: hexBytes(t, "7fccc3d4569a69fdf04f31230ae4be20404467d9ea9ab3cd"),
			},
		},
		{
			name:  "ping handshake with record",
			input: pingHandshakeRecordVector,
			want: &Packet{
				Header: PacketHeader{SrcID: testIDA, Kind: &Handshake{
					Nonce:        pingNonce,
					IDNonceSig:   hexBytes(t, sig),
					EphemeralKey: hexBytes(t, ephkey),
					Record:       node.Record(),
				}},
				Message: hexBytes(t, "7fccc3d4569a69fd8aca026be87afab8e8e645d1ee888992"),
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			input := hexBytes(t, test.input)
			p, err := Decode(testIDB, input)
			require.NoError(t, err)
			requirePacketEqual(t, test.want, p)

			enc, err := p.Encode(testIDB)
			require.NoError(t, err)
			require.Equal(t, input, enc)
		})
	}
}

func TestAuthenticatedData(t *testing.T) {
	msg := NewMessage(testIDA, repeatNonce(1), []byte{1, 2, 3})
	ad, err := msg.Header.AuthenticatedData()
	require.NoError(t, err)
	enc, err := msg.Header.Encode()
	require.NoError(t, err)
	require.Equal(t, enc, ad)
	require.Len(t, ad, sizeofStaticHeader+sizeofMessageAuthData)
	require.Equal(t, "discv5  ", string(ad[:8]))

	hs := NewHandshake(testIDA, repeatNonce(1), make([]byte, 64), make([]byte, 33), nil)
	ad, err = hs.Header.AuthenticatedData()
	require.NoError(t, err)
	require.Len(t, ad, sizeofStaticHeader+sizeofHandshakeAuthData+64+33)

	way := NewWhoAreYou(testIDA, repeatNonce(1), IDNonce{}, 7)
	ad, err = way.Header.AuthenticatedData()
	require.NoError(t, err)
	require.Empty(t, ad)
}

func TestHeaderEncodeLayout(t *testing.T) {
	h := PacketHeader{SrcID: repeatID(9), Kind: &WhoAreYou{RecordSeq: 0x0102030405060708}}
	enc, err := h.Encode()
	require.NoError(t, err)
	require.Len(t, enc, sizeofStaticHeader+sizeofWhoareyouAuthData)

	sh := decodeStaticHeader(enc)
	require.Equal(t, protocolID, sh.ProtocolID)
	require.Equal(t, repeatID(9), sh.SrcID)
	require.Equal(t, byte(flagWhoareyou), sh.Flag)
	require.Equal(t, uint16(sizeofWhoareyouAuthData), sh.AuthSize)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, enc[len(enc)-8:])
}

func TestPacketString(t *testing.T) {
	p := &Packet{
		IV:      ivFromUint(11),
		Header:  PacketHeader{SrcID: testIDA, Kind: &Message{Nonce: repeatNonce(12)}},
		Message: []byte{0xca, 0xfe},
	}
	s := p.String()
	require.True(t, strings.HasPrefix(s, "Packet { iv: 0000000000000000000000000000000b"), s)
	require.Contains(t, s, testIDA.String())
	require.Contains(t, s, "Message { nonce: 0c0c0c0c0c0c0c0c0c0c0c0c }")
	require.Contains(t, s, "message: cafe")

	hs := &Handshake{Nonce: repeatNonce(1), IDNonceSig: []byte{5}, EphemeralKey: []byte{6}, Record: testRecord(t)}
	require.Contains(t, hs.String(), "record: enr:")
	require.Contains(t, (&Handshake{}).String(), "record: none")

	way := &WhoAreYou{RecordSeq: 42}
	require.Contains(t, way.String(), "enr_seq: 42")
}
