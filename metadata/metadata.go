// Package metadata owns the mutable MetaData record exchanged over RPC: its
// three encoded variants, disk persistence, and monotonic sequence number.
// Wire encoding for all three variants is real SSZ via
// github.com/ferranbt/fastssz; every variant here is a fixed-size SSZ
// container (no variable-length fields), so encoding is a straight
// concatenation with no offset table.
package metadata

import (
	"os"
	"path/filepath"

	ssz "github.com/ferranbt/fastssz"
	"github.com/pkg/errors"
	bitfield "github.com/prysmaticlabs/go-bitfield"
)

// Metadata is the common surface over the v1/v2/v3 variants.
type Metadata interface {
	SequenceNumber() uint64
	AttestationBitfield() bitfield.Bitvector64
	// SyncCommitteeBitfield reports ok=false for the v1 variant, which
	// carries no syncnets field.
	SyncCommitteeBitfield() (bits bitfield.Bitvector4, ok bool)
	// CustodySubnetCount reports ok=false for v1/v2 variants.
	CustodySubnetCount() (count uint64, ok bool)
	Version() int
	MarshalSSZ() ([]byte, error)
}

// V1 is the seq+attnets variant: 8-byte seq + 8-byte Bitvector64 attnets.
type V1 struct {
	Seq     uint64
	Attnets bitfield.Bitvector64
}

func (m *V1) SequenceNumber() uint64                             { return m.Seq }
func (m *V1) AttestationBitfield() bitfield.Bitvector64          { return m.Attnets }
func (m *V1) SyncCommitteeBitfield() (bitfield.Bitvector4, bool) { return nil, false }
func (m *V1) CustodySubnetCount() (uint64, bool)                 { return 0, false }
func (m *V1) Version() int                                       { return 1 }

const v1SSZSize = 16

// MarshalSSZ encodes seq || attnets, the fixed 16-byte wire form.
func (m *V1) MarshalSSZ() ([]byte, error) {
	if len(m.Attnets) != 8 {
		return nil, errors.New("metadata: v1 attnets must be 8 bytes")
	}
	buf := make([]byte, 0, v1SSZSize)
	buf = ssz.MarshalUint64(buf, m.Seq)
	buf = append(buf, m.Attnets...)
	return buf, nil
}

// UnmarshalSSZ decodes a V1 from its fixed 16-byte wire form.
func (m *V1) UnmarshalSSZ(buf []byte) error {
	if len(buf) != v1SSZSize {
		return errors.Errorf("metadata: v1 expected buffer with length %d, got %d", v1SSZSize, len(buf))
	}
	m.Seq = ssz.UnmarshallUint64(buf[:8])
	m.Attnets = append(bitfield.Bitvector64{}, buf[8:16]...)
	return nil
}

// V2 adds syncnets: 8-byte seq + 8-byte attnets + 1-byte Bitvector4 syncnets.
type V2 struct {
	Seq      uint64
	Attnets  bitfield.Bitvector64
	Syncnets bitfield.Bitvector4
}

func (m *V2) SequenceNumber() uint64                    { return m.Seq }
func (m *V2) AttestationBitfield() bitfield.Bitvector64 { return m.Attnets }
func (m *V2) SyncCommitteeBitfield() (bitfield.Bitvector4, bool) {
	return m.Syncnets, true
}
func (m *V2) CustodySubnetCount() (uint64, bool) { return 0, false }
func (m *V2) Version() int                       { return 2 }

const v2SSZSize = 17

// MarshalSSZ encodes seq || attnets || syncnets, the fixed 17-byte wire form.
func (m *V2) MarshalSSZ() ([]byte, error) {
	if len(m.Attnets) != 8 {
		return nil, errors.New("metadata: v2 attnets must be 8 bytes")
	}
	if len(m.Syncnets) != 1 {
		return nil, errors.New("metadata: v2 syncnets must be 1 byte")
	}
	buf := make([]byte, 0, v2SSZSize)
	buf = ssz.MarshalUint64(buf, m.Seq)
	buf = append(buf, m.Attnets...)
	buf = append(buf, m.Syncnets...)
	return buf, nil
}

// UnmarshalSSZ decodes a V2 from its fixed 17-byte wire form.
func (m *V2) UnmarshalSSZ(buf []byte) error {
	if len(buf) != v2SSZSize {
		return errors.Errorf("metadata: v2 expected buffer with length %d, got %d", v2SSZSize, len(buf))
	}
	m.Seq = ssz.UnmarshallUint64(buf[:8])
	m.Attnets = append(bitfield.Bitvector64{}, buf[8:16]...)
	m.Syncnets = append(bitfield.Bitvector4{}, buf[16:17]...)
	return nil
}

// V3 adds custody_subnet_count: V2 plus an 8-byte csc, the PeerDAS custody
// field.
type V3 struct {
	Seq      uint64
	Attnets  bitfield.Bitvector64
	Syncnets bitfield.Bitvector4
	CSC      uint64
}

func (m *V3) SequenceNumber() uint64                    { return m.Seq }
func (m *V3) AttestationBitfield() bitfield.Bitvector64 { return m.Attnets }
func (m *V3) SyncCommitteeBitfield() (bitfield.Bitvector4, bool) {
	return m.Syncnets, true
}
func (m *V3) CustodySubnetCount() (uint64, bool) { return m.CSC, true }
func (m *V3) Version() int                       { return 3 }

const v3SSZSize = 25

// MarshalSSZ encodes seq || attnets || syncnets || csc, the fixed 25-byte
// wire form.
func (m *V3) MarshalSSZ() ([]byte, error) {
	if len(m.Attnets) != 8 {
		return nil, errors.New("metadata: v3 attnets must be 8 bytes")
	}
	if len(m.Syncnets) != 1 {
		return nil, errors.New("metadata: v3 syncnets must be 1 byte")
	}
	buf := make([]byte, 0, v3SSZSize)
	buf = ssz.MarshalUint64(buf, m.Seq)
	buf = append(buf, m.Attnets...)
	buf = append(buf, m.Syncnets...)
	buf = ssz.MarshalUint64(buf, m.CSC)
	return buf, nil
}

// UnmarshalSSZ decodes a V3 from its fixed 25-byte wire form.
func (m *V3) UnmarshalSSZ(buf []byte) error {
	if len(buf) != v3SSZSize {
		return errors.Errorf("metadata: v3 expected buffer with length %d, got %d", v3SSZSize, len(buf))
	}
	m.Seq = ssz.UnmarshallUint64(buf[:8])
	m.Attnets = append(bitfield.Bitvector64{}, buf[8:16]...)
	m.Syncnets = append(bitfield.Bitvector4{}, buf[16:17]...)
	m.CSC = ssz.UnmarshallUint64(buf[17:25])
	return nil
}

const metadataFileName = "metadata.ssz"

// versionTag prefixes the persisted SSZ payload by one byte so Load can
// dispatch to the right variant; SSZ containers don't self-describe their
// type the way a JSON envelope would.
func versionTag(v int) byte { return byte(v) }

// Store owns the local node's current MetaData and its persistence.
type Store struct {
	dir     string
	current Metadata
}

// LoadOrCreate loads the persisted metadata record from dir; on any load or
// decode failure it adopts initial as given, sequence number included, and
// persists it.
func LoadOrCreate(dir string, initial Metadata) *Store {
	s := &Store{dir: dir}
	loaded, err := load(dir)
	if err != nil {
		s.current = initial
		_ = s.persist()
		return s
	}
	s.current = loaded
	return s
}

// Current returns the current metadata record.
func (s *Store) Current() Metadata { return s.current }

// Adopt replaces the current record if candidate's sequence number is
// strictly newer, and persists on replacement.
func (s *Store) Adopt(candidate Metadata) bool {
	if candidate == nil {
		return false
	}
	if s.current != nil && candidate.SequenceNumber() <= s.current.SequenceNumber() {
		return false
	}
	s.current = candidate
	_ = s.persist()
	return true
}

// BumpAttestationBits rebuilds the current record with a new attnets
// bitfield and seq+1, preserving the variant.
func (s *Store) BumpAttestationBits(bits bitfield.Bitvector64) {
	switch m := s.current.(type) {
	case *V1:
		s.current = &V1{Seq: m.Seq + 1, Attnets: bits}
	case *V2:
		s.current = &V2{Seq: m.Seq + 1, Attnets: bits, Syncnets: m.Syncnets}
	case *V3:
		s.current = &V3{Seq: m.Seq + 1, Attnets: bits, Syncnets: m.Syncnets, CSC: m.CSC}
	}
	_ = s.persist()
}

func (s *Store) persist() error {
	if s.dir == "" || s.current == nil {
		return nil
	}
	payload, err := s.current.MarshalSSZ()
	if err != nil {
		return errors.Wrap(err, "metadata: marshal ssz")
	}
	raw := append([]byte{versionTag(s.current.Version())}, payload...)
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return errors.Wrap(err, "metadata: create network dir")
	}
	return os.WriteFile(filepath.Join(s.dir, metadataFileName), raw, 0o600)
}

func load(dir string) (Metadata, error) {
	if dir == "" {
		return nil, errors.New("metadata: no network dir configured")
	}
	raw, err := os.ReadFile(filepath.Join(dir, metadataFileName))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.New("metadata: empty file")
	}
	version, payload := raw[0], raw[1:]
	switch version {
	case 1:
		var m V1
		if err := m.UnmarshalSSZ(payload); err != nil {
			return nil, err
		}
		return &m, nil
	case 2:
		var m V2
		if err := m.UnmarshalSSZ(payload); err != nil {
			return nil, err
		}
		return &m, nil
	case 3:
		var m V3
		if err := m.UnmarshalSSZ(payload); err != nil {
			return nil, err
		}
		return &m, nil
	default:
		return nil, errors.Errorf("metadata: unrecognized version %d", version)
	}
}
