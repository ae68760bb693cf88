package oid

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/json"
	"errors"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

type OidType int

const (
	OidVersionV01 = 0x01

	OidTypeSession    = 0x00 // Receiving session. Derived from the descriptor bytes unless supplied by the caller.
	OidTypeDescriptor = 0x01 // Descriptor of an artifact version.
	OidTypeArtifact   = 0x02 // Assembled artifact.

	OidPaddingByte = 0xAA
)

var ErrorHashNot32Bytes = errors.New("hash must be 32 bytes")
var ErrorInvalidOidString = errors.New("invalid OID string")
var ErrorInvalidOidFormat = errors.New("invalid OID format")
var ErrorUnexpectedOidType = errors.New("unexpected OID type")

// Byte structure of an OID is as follows <version:1><padding:1><type:1><hash:32>
// Raw bytes are encoded by Base32, which keeps the text form safe for use as a file name.

// Oid structure holds the string representation of the OID as well as cached type and binary representation.
// Oid implements the MarshalBinary and UnmarshalBinary interfaces to assist CBOR encoding and avoid redundancy
type Oid struct {
	b [35]byte
	t OidType
	s string
}

func (o *Oid) String() string {
	return o.s
}

func (o *Oid) Type() OidType {
	return o.t
}

// Hash returns the 32-byte digest part of the OID.
func (o *Oid) Hash() [32]byte {
	var h [32]byte
	copy(h[:], o.b[3:])
	return h
}

func (o *Oid) MarshalBinary() ([]byte, error) {
	return o.b[:], nil
}

func (o *Oid) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return ErrorInvalidOidFormat
	}

	switch data[0] {
	case OidVersionV01:
		if len(data) != 35 {
			return ErrorInvalidOidString
		}
		if data[1] != OidPaddingByte {
			return ErrorInvalidOidString
		}
		o.t = OidType(data[2])
		o.s = base32.StdEncoding.EncodeToString(data)
		copy(o.b[:], data)
	default:
		return ErrorInvalidOidFormat
	}

	return nil
}

func (o *Oid) MarshalText() ([]byte, error) {
	return []byte(o.s), nil
}

func (o *Oid) UnmarshalText(data []byte) error {
	parsed, err := FromString(string(data))
	if err != nil {
		return err
	}
	*o = *parsed
	return nil
}

func (o *Oid) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

func (o *Oid) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return o.UnmarshalText([]byte(s))
}

func Encode(t OidType, hash [32]byte) *Oid {
	o := &Oid{t: t}
	o.b[0] = OidVersionV01
	o.b[1] = OidPaddingByte
	o.b[2] = byte(t)
	copy(o.b[3:], hash[:])
	o.s = base32.StdEncoding.EncodeToString(o.b[:])
	return o
}

// FromContent derives an OID of the given type from the BLAKE3 digest of data.
func FromContent(t OidType, data []byte) *Oid {
	return Encode(t, blake3.Sum256(data))
}

func FromString(s string) (*Oid, error) {
	oidBytes, err := base32.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrorInvalidOidString
	}

	o := &Oid{}
	if err := o.UnmarshalBinary(oidBytes); err != nil {
		return nil, err
	}
	return o, nil
}

// FromStringOfType parses s and checks that the OID carries type t.
func FromStringOfType(s string, t OidType) (*Oid, error) {
	o, err := FromString(s)
	if err != nil {
		return nil, err
	}
	if o.t != t {
		return nil, ErrorUnexpectedOidType
	}
	return o, nil
}

func FromStringMustParse(s string) *Oid {
	o, err := FromString(s)
	if err != nil {
		log.Fatalf("Failed to parse OID: %v", err)
	}
	return o
}

func Random(t OidType) (*Oid, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, err
	}
	return Encode(t, buf), nil
}

// Equal helper
func (o *Oid) Equal(other *Oid) bool {
	if o == nil && other == nil {
		return true
	}
	if o == nil || other == nil {
		return false
	}
	return o.b == other.b
}
