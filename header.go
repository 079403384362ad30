package chunkstream

import "errors"

// HeaderSize is the fixed, padding-free size in bytes of ChunkHeader on the
// wire. Fields are serialized one at a time rather than via struct packing
// so the encoded form can never pick up compiler-inserted padding.
const HeaderSize = 4 + 4 + 2 + 2 + 4 + 2

// Transmission types carried in ChunkHeader.Type.
const (
	TypeInit   uint16 = 0
	TypeResend uint16 = 1
)

// ErrShortHeader is returned by DecodeHeader when the buffer is shorter than
// HeaderSize. The caller drops the datagram.
var ErrShortHeader = errors.New("chunkstream: datagram shorter than chunk header")

// ChunkHeader is the wire record that precedes every chunk's payload (or, for
// a header-only datagram, a retransmission request). All fields are
// unsigned and appear on the wire in network (big-endian) byte order
// regardless of host endianness.
type ChunkHeader struct {
	ID          uint32
	TotalSize   uint32
	TotalChunks uint16
	ChunkIndex  uint16
	ChunkSize   uint32
	Type        uint16
}

// EncodeHeader writes h into buf in network byte order. buf must have length
// at least HeaderSize.
func EncodeHeader(h ChunkHeader, buf []byte) {
	byteOrder.PutUint32(buf[0:4], h.ID)
	byteOrder.PutUint32(buf[4:8], h.TotalSize)
	byteOrder.PutUint16(buf[8:10], h.TotalChunks)
	byteOrder.PutUint16(buf[10:12], h.ChunkIndex)
	byteOrder.PutUint32(buf[12:16], h.ChunkSize)
	byteOrder.PutUint16(buf[16:18], h.Type)
}

// DecodeHeader reads a ChunkHeader from the start of buf, converting every
// field from network to host byte order. It fails if buf is shorter than
// HeaderSize; it does not validate the field values themselves.
func DecodeHeader(buf []byte) (ChunkHeader, error) {
	if len(buf) < HeaderSize {
		return ChunkHeader{}, ErrShortHeader
	}
	return ChunkHeader{
		ID:          byteOrder.Uint32(buf[0:4]),
		TotalSize:   byteOrder.Uint32(buf[4:8]),
		TotalChunks: byteOrder.Uint16(buf[8:10]),
		ChunkIndex:  byteOrder.Uint16(buf[10:12]),
		ChunkSize:   byteOrder.Uint32(buf[12:16]),
		Type:        byteOrder.Uint16(buf[16:18]),
	}, nil
}
