// Package chain provides the binary block chunk format streamed by
// snapshot-style RPC routes.
package chain

import (
	"crypto/sha256"
)

const (
	// HashSize is the size of a SHA-256 hash in bytes.
	HashSize = sha256.Size // 32 bytes

	// HeaderSize is the exact encoded size of a block header in bytes.
	HeaderSize = 4 + HashSize + HashSize + HashSize + 8 + 8 + HashSize // 148
)

// Hash is a fixed-size SHA-256 digest.
type Hash [HashSize]byte

// BlockHeader contains the fixed-size metadata of a block.
type BlockHeader struct {
	// Sequence is the block's position in the chain.
	Sequence uint32

	// PreviousBlockHash is the hash of the preceding block's header.
	PreviousBlockHash Hash

	// TransactionRoot commits to the block's transaction list.
	TransactionRoot Hash

	// Target is the proof-of-work difficulty target.
	Target Hash

	// Randomness is the miner-chosen nonce.
	Randomness uint64

	// Timestamp is the block creation time in unix milliseconds.
	Timestamp int64

	// Graffiti is arbitrary miner-supplied data.
	Graffiti Hash
}

// CompactBlock is one streamed ledger block: a fixed-size header plus a
// variable-length transaction list.
type CompactBlock struct {
	Header       BlockHeader
	Transactions [][]byte
}

// BlockHash computes the SHA-256 hash of the encoded header.
func BlockHash(h *BlockHeader) Hash {
	var buf [HeaderSize]byte
	encodeHeader(buf[:], h)
	return sha256.Sum256(buf[:])
}

// HashTx computes the SHA-256 hash of a raw transaction.
func HashTx(tx []byte) Hash {
	return sha256.Sum256(tx)
}
