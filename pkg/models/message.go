package models

import (
	"github.com/Krajiyah/ble-p2p/pkg/util"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldID protowire.Number = iota + 1
	fieldTimeToLive
	fieldSource
	fieldDestination
	fieldPayloadType
	fieldPayload
)

// MessageOverhead bounds the bytes a PDU adds to its payload: protowire framing of the
// other fields plus the LZ4 frame around incompressible data
const MessageOverhead = 256

// Message is the unit exchanged between nodes; its PDU travels as one framed transfer
type Message struct {
	ID          uuid.UUID
	TimeToLive  int32
	Source      PeerIdentity
	Destination PeerIdentity
	PayloadType uuid.UUID
	Payload     []byte
}

// NewMessage returns a message with a fresh id and the default time to live
func NewMessage(source, destination PeerIdentity, payload []byte) *Message {
	return &Message{
		ID:          uuid.New(),
		TimeToLive:  util.TimeToLiveDefault,
		Source:      source,
		Destination: destination,
		Payload:     payload,
	}
}

// IsBroadcast is true when the message has no destination
func (m *Message) IsBroadcast() bool { return m.Destination.IsZero() }

// Relayed returns a copy with one less hop to live
func (m *Message) Relayed() *Message {
	cp := *m
	cp.TimeToLive--
	return &cp
}

func appendOptional(b []byte, num protowire.Number, v [16]byte) []byte {
	if v == [16]byte{} {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v[:])
}

// Data will return the compressed PDU of the message
func (m *Message) Data() ([]byte, error) {
	if m.ID == uuid.Nil {
		return nil, errors.New("message id is required")
	}
	var b []byte
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendBytes(b, m.ID[:])
	if m.TimeToLive != 0 {
		b = protowire.AppendTag(b, fieldTimeToLive, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.TimeToLive))
	}
	b = appendOptional(b, fieldSource, m.Source)
	b = appendOptional(b, fieldDestination, m.Destination)
	b = appendOptional(b, fieldPayloadType, m.PayloadType)
	if len(m.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	return util.Compress(b)
}

func consumeUUID(b []byte, dst *[16]byte) (int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, protowire.ParseError(n)
	}
	if len(v) != 16 {
		return n, errors.Errorf("uuid field must be 16 bytes, got %d", len(v))
	}
	copy(dst[:], v)
	return n, nil
}

// GetMessageFromBytes decodes a PDU produced by Data, refusing payloads above maxPayload bytes
func GetMessageFromBytes(data []byte, maxPayload int) (*Message, error) {
	b, err := util.Decompress(data, maxPayload+MessageOverhead)
	if errors.Cause(err) == util.ErrLimitExceeded {
		return nil, errors.Wrap(ErrMessageTooLarge, err.Error())
	}
	if err != nil {
		return nil, errors.Wrap(err, "Decompress issue")
	}
	m := &Message{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "invalid message tag")
		}
		b = b[n:]
		switch {
		case num == fieldID && typ == protowire.BytesType:
			n, err = consumeUUID(b, (*[16]byte)(&m.ID))
		case num == fieldSource && typ == protowire.BytesType:
			n, err = consumeUUID(b, (*[16]byte)(&m.Source))
		case num == fieldDestination && typ == protowire.BytesType:
			n, err = consumeUUID(b, (*[16]byte)(&m.Destination))
		case num == fieldPayloadType && typ == protowire.BytesType:
			n, err = consumeUUID(b, (*[16]byte)(&m.PayloadType))
		case num == fieldTimeToLive && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			m.TimeToLive = int32(v)
		case num == fieldPayload && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			m.Payload = append([]byte(nil), v...)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "field %d", num)
		}
		if n < 0 {
			return nil, errors.Wrapf(protowire.ParseError(n), "field %d", num)
		}
		b = b[n:]
	}
	if m.ID == uuid.Nil {
		return nil, errors.New("message id is required")
	}
	if len(m.Payload) > maxPayload {
		return nil, errors.Wrapf(ErrMessageTooLarge, "payload of %d bytes", len(m.Payload))
	}
	return m, nil
}
