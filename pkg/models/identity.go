package models

import (
	"bytes"
	"encoding/base64"
	"strings"

	"github.com/Krajiyah/ble-p2p/pkg/util"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// PeerIdentitySize is the length in bytes of a PeerIdentity
const PeerIdentitySize = 16

// PeerIdentity uniquely identifies a node
type PeerIdentity [PeerIdentitySize]byte

// ZeroIdentity is used as destination of broadcast messages
var ZeroIdentity PeerIdentity

// NewPeerIdentity returns a random identity
func NewPeerIdentity() PeerIdentity {
	return PeerIdentityFromUUID(uuid.New())
}

// PeerIdentityFromUUID converts a uuid into an identity
func PeerIdentityFromUUID(u uuid.UUID) PeerIdentity {
	return PeerIdentity(u)
}

// ParsePeerIdentity parses the canonical uuid form returned by String
func ParsePeerIdentity(s string) (PeerIdentity, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ZeroIdentity, errors.Wrapf(err, "invalid peer identity %q", s)
	}
	return PeerIdentityFromUUID(u), nil
}

// PeerIdentityFromBytes copies b into an identity
func PeerIdentityFromBytes(b []byte) (PeerIdentity, error) {
	var id PeerIdentity
	if len(b) != PeerIdentitySize {
		return id, errors.Errorf("peer identity must be %d bytes, got %d", PeerIdentitySize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// PeerIdentityFromLocalName extracts the identity from an advertised local name
func PeerIdentityFromLocalName(name string) (PeerIdentity, error) {
	if !strings.HasPrefix(name, util.LocalNamePrefix) {
		return ZeroIdentity, errors.Errorf("local name %q is not a peer name", name)
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(name, util.LocalNamePrefix))
	if err != nil {
		return ZeroIdentity, errors.Wrapf(err, "invalid local name %q", name)
	}
	return PeerIdentityFromBytes(b)
}

// Compare orders identities byte-wise; lower identities initiate connections
func (id PeerIdentity) Compare(other PeerIdentity) int {
	return bytes.Compare(id[:], other[:])
}

func (id PeerIdentity) IsZero() bool { return id == ZeroIdentity }

func (id PeerIdentity) Bytes() []byte {
	b := make([]byte, PeerIdentitySize)
	copy(b, id[:])
	return b
}

// LocalName is the advertised form of the identity
func (id PeerIdentity) LocalName() string {
	return util.LocalNamePrefix + base64.RawURLEncoding.EncodeToString(id[:])
}

func (id PeerIdentity) String() string {
	return uuid.UUID(id).String()
}
