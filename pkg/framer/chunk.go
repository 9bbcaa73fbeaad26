package framer

import (
	"encoding/binary"

	"github.com/Krajiyah/ble-p2p/pkg/models"
	"github.com/Krajiyah/ble-p2p/pkg/util"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// HeaderSize is the size of the chunk header: kind, transfer id, sequence, total and payload length
const HeaderSize = 1 + 4 + 2 + 2 + 2

const maxChunks = 1<<16 - 1

// Kind tells data chunks from control chunks
type Kind byte

const (
	// Data chunks carry a slice of a message PDU
	Data Kind = iota + 1
	// Hello is sent once by the central right after connecting and carries its identity
	Hello
)

// Chunk is one characteristic write worth of a transfer
type Chunk struct {
	Kind       Kind
	TransferID uint32
	Seq        uint16
	Total      uint16
	Payload    []byte
}

// NewTransferID returns a random transfer id
func NewTransferID() uint32 { return uuid.New().ID() }

// MaxPayload is the number of payload bytes a chunk can carry over a link with the given mtu
func MaxPayload(mtu int) int {
	return mtu - util.ATTWriteOverhead - HeaderSize
}

// HelloChunk announces the identity of the central
func HelloChunk(id models.PeerIdentity) Chunk {
	return Chunk{Kind: Hello, TransferID: NewTransferID(), Seq: 0, Total: 1, Payload: id.Bytes()}
}

// Encode returns the wire form of the chunk
func (c Chunk) Encode() []byte {
	b := make([]byte, HeaderSize+len(c.Payload))
	b[0] = byte(c.Kind)
	binary.LittleEndian.PutUint32(b[1:5], c.TransferID)
	binary.LittleEndian.PutUint16(b[5:7], c.Seq)
	binary.LittleEndian.PutUint16(b[7:9], c.Total)
	binary.LittleEndian.PutUint16(b[9:11], uint16(len(c.Payload)))
	copy(b[HeaderSize:], c.Payload)
	return b
}

// DecodeChunk parses a value written to the message characteristic
func DecodeChunk(b []byte) (Chunk, error) {
	if len(b) < HeaderSize {
		return Chunk{}, errors.Wrapf(models.ErrMalformedChunk, "%d bytes is shorter than the header", len(b))
	}
	c := Chunk{
		Kind:       Kind(b[0]),
		TransferID: binary.LittleEndian.Uint32(b[1:5]),
		Seq:        binary.LittleEndian.Uint16(b[5:7]),
		Total:      binary.LittleEndian.Uint16(b[7:9]),
	}
	if c.Kind != Data && c.Kind != Hello {
		return Chunk{}, errors.Wrapf(models.ErrMalformedChunk, "unknown kind %d", c.Kind)
	}
	n := int(binary.LittleEndian.Uint16(b[9:11]))
	if n != len(b)-HeaderSize {
		return Chunk{}, errors.Wrapf(models.ErrMalformedChunk, "payload length %d, got %d bytes", n, len(b)-HeaderSize)
	}
	if c.Total == 0 || c.Seq >= c.Total {
		return Chunk{}, errors.Wrapf(models.ErrMalformedChunk, "sequence %d of %d", c.Seq, c.Total)
	}
	c.Payload = append([]byte(nil), b[HeaderSize:]...)
	return c, nil
}

// Split cuts payload into ordered data chunks that each fit in one write over a link with the given mtu
func Split(transferID uint32, payload []byte, mtu int) ([]Chunk, error) {
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	lim := MaxPayload(mtu)
	if lim <= 0 {
		return nil, errors.Errorf("mtu %d too small", mtu)
	}
	total := (len(payload) + lim - 1) / lim
	if total > maxChunks {
		return nil, errors.Wrapf(models.ErrMessageTooLarge, "%d bytes needs %d chunks", len(payload), total)
	}
	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		end := (i + 1) * lim
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, Chunk{
			Kind:       Data,
			TransferID: transferID,
			Seq:        uint16(i),
			Total:      uint16(total),
			Payload:    payload[i*lim : end],
		})
	}
	return chunks, nil
}
