package scash

import (
	"bytes"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// PreimageSize is the length of the header without the RandomX hash.
	PreimageSize = 80
	// HeaderSize is the length of a full Scash block header.
	HeaderSize = PreimageSize + chainhash.HashSize
)

// Header is a Scash block header. The first six fields form the 80-byte
// Bitcoin-style pre-image; HashRandomX is the proof-of-work hash appended
// to it. Hash fields hold internal (little-endian) byte order, their String
// form is the big-endian display hex.
type Header struct {
	Version     int32
	PrevBlock   chainhash.Hash
	MerkleRoot  chainhash.Hash
	Time        uint32
	Bits        uint32
	Nonce       uint32
	HashRandomX chainhash.Hash
}

func (h *Header) wireHeader() *wire.BlockHeader {
	return &wire.BlockHeader{
		Version:    h.Version,
		PrevBlock:  h.PrevBlock,
		MerkleRoot: h.MerkleRoot,
		Timestamp:  time.Unix(int64(h.Time), 0),
		Bits:       h.Bits,
		Nonce:      h.Nonce,
	}
}

// EncodePreimage returns the 80-byte hashing pre-image.
func (h *Header) EncodePreimage() [PreimageSize]byte {
	var out [PreimageSize]byte
	buf := bytes.NewBuffer(out[:0])
	// Writing into a fixed buffer cannot fail.
	_ = h.wireHeader().Serialize(buf)
	return out
}

// Encode returns the full 112-byte header.
func (h *Header) Encode() [HeaderSize]byte {
	var out [HeaderSize]byte
	pre := h.EncodePreimage()
	copy(out[:PreimageSize], pre[:])
	copy(out[PreimageSize:], h.HashRandomX[:])
	return out
}

// BlockHash returns the double-SHA256 of the full header.
func (h *Header) BlockHash() chainhash.Hash {
	raw := h.Encode()
	return chainhash.DoubleHashH(raw[:])
}

// DecodePreimage parses an 80-byte pre-image. HashRandomX is left zero.
func DecodePreimage(b []byte) (*Header, error) {
	if len(b) != PreimageSize {
		return nil, fmt.Errorf("pre-image must be %d bytes, got %d", PreimageSize, len(b))
	}

	var wh wire.BlockHeader
	if err := wh.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("decode pre-image: %w", err)
	}

	return &Header{
		Version:    wh.Version,
		PrevBlock:  wh.PrevBlock,
		MerkleRoot: wh.MerkleRoot,
		Time:       uint32(wh.Timestamp.Unix()),
		Bits:       wh.Bits,
		Nonce:      wh.Nonce,
	}, nil
}

// DecodeHeader parses a full 112-byte header.
func DecodeHeader(b []byte) (*Header, error) {
	if len(b) != HeaderSize {
		return nil, fmt.Errorf("header must be %d bytes, got %d", HeaderSize, len(b))
	}

	h, err := DecodePreimage(b[:PreimageSize])
	if err != nil {
		return nil, err
	}
	copy(h.HashRandomX[:], b[PreimageSize:])
	return h, nil
}

// HeaderTime reads the timestamp field straight from an encoded header or
// pre-image.
func HeaderTime(b []byte) (uint32, error) {
	if len(b) < PreimageSize {
		return 0, fmt.Errorf("header too short: %d bytes", len(b))
	}
	return uint32(b[68]) | uint32(b[69])<<8 | uint32(b[70])<<16 | uint32(b[71])<<24, nil
}
