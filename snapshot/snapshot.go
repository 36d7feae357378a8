// Package snapshot implements the section-oriented, magic-tagged snapshot
// container: a magic header, a small versioned header, and a set of named
// sections whose payloads are encoded with the versionize framework.
// Section payloads are decoded lazily, on the first ReadSection call.
package snapshot

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/tinyrange/microvmm/versionize"
)

// MaxSectionSize is the per-section ceiling named in the container format.
const MaxSectionSize = 256 * 1024

// Header is the small, versioned preamble that follows the magic_id.
type Header struct {
	DataVersion  uint16
	SectionCount uint16
}

// Snapshot is an in-memory view of a snapshot container: a header plus
// sections keyed by name, along with the version map and target app
// version used to encode new sections written into it.
type Snapshot struct {
	Header          Header
	Arch            Arch
	TargetAppVersion uint16
	VersionMap      *versionize.VersionMap

	sections map[string][]byte
	order    []string
}

// New creates an empty Snapshot that will encode sections for
// targetAppVersion using vm.
func New(arch Arch, vm *versionize.VersionMap, targetAppVersion uint16) *Snapshot {
	return &Snapshot{
		Header:           Header{DataVersion: targetAppVersion, SectionCount: 0},
		Arch:             arch,
		TargetAppVersion: targetAppVersion,
		VersionMap:       vm,
		sections:         make(map[string][]byte),
	}
}

// Serializer is implemented by any value WriteSection can encode.
type Serializer interface {
	Serialize(w *versionize.Writer, vm *versionize.VersionMap, targetAppVersion uint16) error
}

// Deserializer is implemented by any value ReadSection can decode into.
type Deserializer interface {
	Deserialize(r *versionize.Reader, vm *versionize.VersionMap, sourceAppVersion uint16) error
}

// WriteSection serializes obj using the snapshot's target app version and
// version map, inserting the resulting section and replacing any prior
// entry with the same name.
func (s *Snapshot) WriteSection(name string, obj Serializer) error {
	var buf bytes.Buffer
	if err := obj.Serialize(versionize.NewWriter(&buf), s.VersionMap, s.TargetAppVersion); err != nil {
		return fmt.Errorf("snapshot: encode section %q: %w", name, err)
	}
	if buf.Len() > MaxSectionSize {
		return fmt.Errorf("%w: section %q is %d bytes", ErrSectionTooLarge, name, buf.Len())
	}
	if _, exists := s.sections[name]; !exists {
		s.order = append(s.order, name)
	}
	s.sections[name] = buf.Bytes()
	s.Header.SectionCount = uint16(len(s.sections))
	return nil
}

// ReadSection deserializes the section named name into obj, using the
// header's data version as the source app version. It returns
// (false, nil) if no section with that name exists.
func (s *Snapshot) ReadSection(name string, obj Deserializer) (bool, error) {
	data, ok := s.sections[name]
	if !ok {
		return false, nil
	}
	if err := obj.Deserialize(versionize.NewReader(bytes.NewReader(data)), s.VersionMap, s.Header.DataVersion); err != nil {
		return true, fmt.Errorf("snapshot: decode section %q: %w", name, err)
	}
	return true, nil
}

// Save writes magic + header + all sections to w, in an unspecified
// section order (readers key by name).
func (s *Snapshot) Save(w io.Writer) error {
	magic, err := BuildMagic(s.Arch, CurrentFormatVersion)
	if err != nil {
		return err
	}

	bw := versionize.NewWriter(w)
	if err := bw.WriteUint64(magic); err != nil {
		return err
	}
	if err := bw.WriteUint16(s.Header.DataVersion); err != nil {
		return err
	}
	if err := bw.WriteUint16(s.Header.SectionCount); err != nil {
		return err
	}

	names := make([]string, 0, len(s.sections))
	for name := range s.sections {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		data := s.sections[name]
		if err := bw.WriteString(name); err != nil {
			return err
		}
		if err := bw.WriteSeqLen(len(data)); err != nil {
			return err
		}
		if err := bw.WriteBytes(data); err != nil {
			return err
		}
	}
	return nil
}

// Load parses the magic, header, and every section's raw bytes from r.
// Section payloads are not decoded until ReadSection is called for them.
func Load(r io.Reader, vm *versionize.VersionMap) (*Snapshot, error) {
	br := versionize.NewReader(r)

	magic, err := br.ReadUint64()
	if err != nil {
		return nil, &HeaderError{Err: err}
	}
	arch, _, err := ValidateMagic(magic)
	if err != nil {
		return nil, &HeaderError{Err: err}
	}

	dataVersion, err := br.ReadUint16()
	if err != nil {
		return nil, &HeaderError{Err: err}
	}
	sectionCount, err := br.ReadUint16()
	if err != nil {
		return nil, &HeaderError{Err: err}
	}

	s := &Snapshot{
		Header:           Header{DataVersion: dataVersion, SectionCount: sectionCount},
		Arch:             arch,
		TargetAppVersion: dataVersion,
		VersionMap:       vm,
		sections:         make(map[string][]byte, sectionCount),
	}

	for i := uint16(0); i < sectionCount; i++ {
		name, err := br.ReadString()
		if err != nil {
			return nil, &HeaderError{Err: err}
		}
		n, err := br.ReadSeqLen()
		if err != nil {
			return nil, &HeaderError{Err: err}
		}
		if n > MaxSectionSize {
			return nil, fmt.Errorf("%w: section %q is %d bytes", ErrSectionTooLarge, name, n)
		}
		data, err := br.ReadBytes(n)
		if err != nil {
			return nil, &HeaderError{Err: err}
		}
		if _, exists := s.sections[name]; !exists {
			s.order = append(s.order, name)
		}
		s.sections[name] = data
	}

	return s, nil
}

// SectionNames returns the names of every section currently present, in
// insertion order.
func (s *Snapshot) SectionNames() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}
