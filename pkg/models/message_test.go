package models

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/Krajiyah/ble-p2p/pkg/util"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gotest.tools/assert"
)

func TestMessageData(t *testing.T) {
	expected := NewMessage(identityOf(1), identityOf(5), bytes.Repeat([]byte("hi "), 100))
	expected.PayloadType = uuid.New()
	data, err := expected.Data()
	assert.NilError(t, err)
	actual, err := GetMessageFromBytes(data, util.MaxMessageSize)
	assert.NilError(t, err)
	assert.DeepEqual(t, actual, expected)
	assert.Assert(t, !actual.IsBroadcast())
}

func TestBroadcastMessageData(t *testing.T) {
	expected := NewMessage(identityOf(1), ZeroIdentity, []byte("x"))
	assert.Equal(t, expected.TimeToLive, int32(util.TimeToLiveDefault))
	data, err := expected.Data()
	assert.NilError(t, err)
	actual, err := GetMessageFromBytes(data, util.MaxMessageSize)
	assert.NilError(t, err)
	assert.Assert(t, actual.IsBroadcast())
	assert.Equal(t, actual.ID, expected.ID)
	assert.Equal(t, actual.TimeToLive, expected.TimeToLive)

	relayed := actual.Relayed()
	assert.Equal(t, relayed.TimeToLive, expected.TimeToLive-1)
	assert.Equal(t, actual.TimeToLive, expected.TimeToLive)
}

func TestMessageRequiresID(t *testing.T) {
	_, err := (&Message{Payload: []byte("x")}).Data()
	assert.ErrorContains(t, err, "id is required")

	data, err := util.Compress([]byte{})
	assert.NilError(t, err)
	_, err = GetMessageFromBytes(data, util.MaxMessageSize)
	assert.ErrorContains(t, err, "id is required")
}

func TestMessageGarbage(t *testing.T) {
	data, err := util.Compress([]byte{0x0a, 0x03, 1, 2, 3})
	assert.NilError(t, err)
	_, err = GetMessageFromBytes(data, util.MaxMessageSize)
	assert.ErrorContains(t, err, "must be 16 bytes")
}

func TestMessageSizeLimit(t *testing.T) {
	// zeros compress to a PDU far below the limit they expand past
	bomb := NewMessage(identityOf(1), identityOf(2), make([]byte, 16*util.MaxMessageSize))
	data, err := bomb.Data()
	assert.NilError(t, err)
	assert.Assert(t, len(data) < util.MaxMessageSize)
	_, err = GetMessageFromBytes(data, util.MaxMessageSize)
	assert.Equal(t, errors.Cause(err), ErrMessageTooLarge)

	payload := make([]byte, 1024)
	_, err = rand.Read(payload)
	assert.NilError(t, err)
	m := NewMessage(identityOf(1), identityOf(2), payload)
	m.PayloadType = uuid.New()
	data, err = m.Data()
	assert.NilError(t, err)
	assert.Assert(t, len(data) <= len(payload)+MessageOverhead)
	actual, err := GetMessageFromBytes(data, len(payload))
	assert.NilError(t, err)
	assert.DeepEqual(t, actual.Payload, payload)
	_, err = GetMessageFromBytes(data, len(payload)-1)
	assert.Equal(t, errors.Cause(err), ErrMessageTooLarge)
}
