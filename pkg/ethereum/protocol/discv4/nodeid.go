package discv4

import (
	"crypto/ecdsa"
	"fmt"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/enode"
)

// NodeID is the uncompressed public key of a v4 node without its prefix byte.
type NodeID [64]byte

// String() returns NodeID as a long hexadecimal number.
func (n NodeID) String() string {
	return fmt.Sprintf("%x", n[:])
}

// ID returns the node ID used by discv5 and the node record, keccak256(n).
func (n NodeID) ID() enode.ID {
	return enode.ID(crypto.Keccak256Hash(n[:]))
}

// PubkeyID returns the NodeID of the given key.
func PubkeyID(pub *ecdsa.PublicKey) (id NodeID) {
	copy(id[:], crypto.FromECDSAPub(pub)[1:])
	return id
}

// recoverNodeID computes the public key used to sign the
// given hash from the signature.
func recoverNodeID(hash, sig []byte) (id NodeID, err error) {
	pubkey, err := crypto.Ecrecover(hash, sig)
	if err != nil {
		return id, err
	}
	if len(pubkey)-1 != len(id) {
		return id, fmt.Errorf("recovered pubkey has %d bits, want %d bits", len(pubkey)*8, (len(id)+1)*8)
	}
	copy(id[:], pubkey[1:])
	return id, nil
}
