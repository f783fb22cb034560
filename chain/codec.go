package chain

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Codec errors.
var (
	// ErrShortWrite is returned when an encode produces a different number
	// of bytes than SizeOf declared.
	ErrShortWrite = errors.New("encoded size does not match declared size")

	// ErrTruncated is returned when a decode runs out of input.
	ErrTruncated = errors.New("truncated block chunk")
)

// SizeOf computes the exact encoded size of a block before allocation:
// header + uvarint(txCount) + per-transaction uvarint(len) + bytes.
func SizeOf(b *CompactBlock) int {
	size := HeaderSize + uvarintLen(uint64(len(b.Transactions)))
	for _, tx := range b.Transactions {
		size += uvarintLen(uint64(len(tx))) + len(tx)
	}
	return size
}

// Encode serializes a block into a buffer of exactly SizeOf(b) bytes.
func Encode(b *CompactBlock) ([]byte, error) {
	size := SizeOf(b)
	out := make([]byte, size)

	encodeHeader(out[:HeaderSize], &b.Header)
	n := HeaderSize

	n += binary.PutUvarint(out[n:], uint64(len(b.Transactions)))
	for _, tx := range b.Transactions {
		n += binary.PutUvarint(out[n:], uint64(len(tx)))
		n += copy(out[n:], tx)
	}

	if n != size {
		return nil, fmt.Errorf("%w: wrote %d, declared %d", ErrShortWrite, n, size)
	}
	return out, nil
}

// decodeChunkSize bounds how much Decode allocates ahead of the bytes it
// has actually read, so wire-supplied lengths cannot force huge
// allocations before the input runs out.
const decodeChunkSize = 64 * 1024

// Decode reads one block from r, consuming exactly SizeOf of the result.
// Length prefixes are untrusted: allocation grows with the bytes read, so
// a crafted count or length yields ErrTruncated, never a panic or an
// unbounded allocation.
func Decode(r io.Reader) (*CompactBlock, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrTruncated, err)
	}

	b := &CompactBlock{}
	decodeHeader(hdr[:], &b.Header)

	br := byteReader{r: r}
	count, err := binary.ReadUvarint(&br)
	if err != nil {
		return nil, fmt.Errorf("%w: transaction count: %v", ErrTruncated, err)
	}

	for i := uint64(0); i < count; i++ {
		txLen, err := binary.ReadUvarint(&br)
		if err != nil {
			return nil, fmt.Errorf("%w: transaction %d length: %v", ErrTruncated, i, err)
		}
		tx, err := readExact(r, txLen)
		if err != nil {
			return nil, fmt.Errorf("%w: transaction %d: %v", ErrTruncated, i, err)
		}
		b.Transactions = append(b.Transactions, tx)
	}

	return b, nil
}

// readExact reads exactly n bytes, allocating at most decodeChunkSize
// beyond what has been read so far.
func readExact(r io.Reader, n uint64) ([]byte, error) {
	var buf []byte
	for n > 0 {
		step := n
		if step > decodeChunkSize {
			step = decodeChunkSize
		}
		start := len(buf)
		buf = append(buf, make([]byte, step)...)
		if _, err := io.ReadFull(r, buf[start:]); err != nil {
			return nil, err
		}
		n -= step
	}
	return buf, nil
}

// DecodeBytes decodes a block from a byte slice.
func DecodeBytes(data []byte) (*CompactBlock, error) {
	return Decode(bytes.NewReader(data))
}

// encodeHeader writes the fixed-size header into dst, which must be at
// least HeaderSize bytes.
func encodeHeader(dst []byte, h *BlockHeader) {
	binary.LittleEndian.PutUint32(dst[0:], h.Sequence)
	n := 4
	n += copy(dst[n:], h.PreviousBlockHash[:])
	n += copy(dst[n:], h.TransactionRoot[:])
	n += copy(dst[n:], h.Target[:])
	binary.LittleEndian.PutUint64(dst[n:], h.Randomness)
	n += 8
	binary.LittleEndian.PutUint64(dst[n:], uint64(h.Timestamp))
	n += 8
	copy(dst[n:], h.Graffiti[:])
}

// decodeHeader reads the fixed-size header from src.
func decodeHeader(src []byte, h *BlockHeader) {
	h.Sequence = binary.LittleEndian.Uint32(src[0:])
	n := 4
	n += copy(h.PreviousBlockHash[:], src[n:])
	n += copy(h.TransactionRoot[:], src[n:])
	n += copy(h.Target[:], src[n:])
	h.Randomness = binary.LittleEndian.Uint64(src[n:])
	n += 8
	h.Timestamp = int64(binary.LittleEndian.Uint64(src[n:]))
	n += 8
	copy(h.Graffiti[:], src[n:])
}

// uvarintLen returns the number of bytes PutUvarint would write for v.
func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// byteReader adapts an io.Reader to io.ByteReader for ReadUvarint without
// buffering past the varint.
type byteReader struct {
	r io.Reader
}

func (b *byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}
