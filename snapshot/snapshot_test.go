package snapshot

import (
	"bytes"
	"testing"

	"github.com/tinyrange/microvmm/versionize"
)

type kvSection struct {
	Key   string
	Value uint32
}

func (k *kvSection) Name() string    { return "kvSection" }
func (k *kvSection) Version() uint16 { return 1 }

func (k *kvSection) Serialize(w *versionize.Writer, vm *versionize.VersionMap, targetAppVersion uint16) error {
	if err := w.WriteString(k.Key); err != nil {
		return err
	}
	return w.WriteUint32(k.Value)
}

func (k *kvSection) Deserialize(r *versionize.Reader, vm *versionize.VersionMap, sourceAppVersion uint16) error {
	key, err := r.ReadString()
	if err != nil {
		return err
	}
	k.Key = key
	v, err := r.ReadUint32()
	k.Value = v
	return err
}

func TestSaveLoadRoundTrip(t *testing.T) {
	vm := versionize.NewVersionMap()
	snap := New(ArchX86_64, vm, 1)

	sections := map[string]*kvSection{
		"alpha": {Key: "alpha", Value: 1},
		"beta":  {Key: "beta", Value: 2},
	}
	for name, v := range sections {
		if err := snap.WriteSection(name, v); err != nil {
			t.Fatalf("WriteSection(%s): %v", name, err)
		}
	}

	var buf bytes.Buffer
	if err := snap.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(&buf, vm)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	for name, want := range sections {
		got := &kvSection{}
		found, err := loaded.ReadSection(name, got)
		if err != nil {
			t.Fatalf("ReadSection(%s): %v", name, err)
		}
		if !found {
			t.Fatalf("section %s not found after round trip", name)
		}
		if got.Key != want.Key || got.Value != want.Value {
			t.Fatalf("section %s: got %+v, want %+v", name, got, want)
		}
	}
}

func TestReadSectionAbsentReturnsFalse(t *testing.T) {
	vm := versionize.NewVersionMap()
	snap := New(ArchAArch64, vm, 1)

	got := &kvSection{}
	found, err := snap.ReadSection("nope", got)
	if err != nil {
		t.Fatalf("ReadSection: %v", err)
	}
	if found {
		t.Fatalf("expected section to be absent")
	}
}

func TestMagicArchMismatchIsFatal(t *testing.T) {
	vm := versionize.NewVersionMap()
	snap := New(ArchX86_64, vm, 1)

	var buf bytes.Buffer
	if err := snap.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw := buf.Bytes()
	// Flip every bit of the magic's top byte, part of the arch tag.
	raw[7] ^= 0xff

	if _, err := Load(bytes.NewReader(raw), vm); err == nil {
		t.Fatalf("expected a corrupted arch tag to fail to load")
	}
}

func TestBuildValidateMagicRoundTrip(t *testing.T) {
	for _, arch := range []Arch{ArchX86_64, ArchAArch64} {
		magic, err := BuildMagic(arch, CurrentFormatVersion)
		if err != nil {
			t.Fatalf("BuildMagic(%v): %v", arch, err)
		}
		gotArch, gotVersion, err := ValidateMagic(magic)
		if err != nil {
			t.Fatalf("ValidateMagic: %v", err)
		}
		if gotArch != arch || gotVersion != CurrentFormatVersion {
			t.Fatalf("got (%v, %d), want (%v, %d)", gotArch, gotVersion, arch, CurrentFormatVersion)
		}
	}
}

func TestValidateMagicRejectsUnknownArch(t *testing.T) {
	if _, _, err := ValidateMagic(0xffffffffffff0001); err == nil {
		t.Fatalf("expected an unknown arch tag to be rejected")
	}
}

// versionedSection has a field that only exists from struct version 2
// onward, driven by the VersionMap rather than a hardcoded version.
type versionedSection struct {
	Base  uint32
	Extra uint32
}

func (v *versionedSection) Name() string    { return "versionedSection" }
func (v *versionedSection) Version() uint16 { return 2 }

func (v *versionedSection) Serialize(w *versionize.Writer, vm *versionize.VersionMap, targetAppVersion uint16) error {
	if err := w.WriteUint32(v.Base); err != nil {
		return err
	}
	if vm.GetTypeVersion(targetAppVersion, v.Name()) >= 2 {
		return w.WriteUint32(v.Extra)
	}
	return nil
}

func (v *versionedSection) Deserialize(r *versionize.Reader, vm *versionize.VersionMap, sourceAppVersion uint16) error {
	base, err := r.ReadUint32()
	if err != nil {
		return err
	}
	v.Base = base
	if vm.GetTypeVersion(sourceAppVersion, v.Name()) >= 2 {
		extra, err := r.ReadUint32()
		if err != nil {
			return err
		}
		v.Extra = extra
	}
	return nil
}

// TestSaveLoadRoundTripNonDefaultAppVersion exercises the bug class where
// Header.DataVersion diverges from the targetAppVersion a snapshot was
// encoded with: app version 2 overrides versionedSection's struct version
// to 2, so WriteSection must encode Extra and ReadSection, after a real
// Save/Load round trip, must decode it back using the same app version
// recorded in the header rather than the magic's format version.
func TestSaveLoadRoundTripNonDefaultAppVersion(t *testing.T) {
	vm := versionize.NewVersionMap()
	vm.NewVersion().SetTypeVersion("versionedSection", 2)

	const targetAppVersion = 2
	snap := New(ArchX86_64, vm, targetAppVersion)

	want := &versionedSection{Base: 7, Extra: 99}
	if err := snap.WriteSection("v", want); err != nil {
		t.Fatalf("WriteSection: %v", err)
	}

	var buf bytes.Buffer
	if err := snap.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(&buf, vm)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Header.DataVersion != targetAppVersion {
		t.Fatalf("got header data_version %d, want %d", loaded.Header.DataVersion, targetAppVersion)
	}

	got := &versionedSection{}
	found, err := loaded.ReadSection("v", got)
	if err != nil {
		t.Fatalf("ReadSection: %v", err)
	}
	if !found {
		t.Fatalf("section v not found after round trip")
	}
	if got.Base != want.Base || got.Extra != want.Extra {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestWriteSectionOverwritesSameName(t *testing.T) {
	vm := versionize.NewVersionMap()
	snap := New(ArchX86_64, vm, 1)

	if err := snap.WriteSection("s", &kvSection{Key: "first", Value: 1}); err != nil {
		t.Fatalf("WriteSection: %v", err)
	}
	if err := snap.WriteSection("s", &kvSection{Key: "second", Value: 2}); err != nil {
		t.Fatalf("WriteSection: %v", err)
	}
	if len(snap.SectionNames()) != 1 {
		t.Fatalf("got %d sections, want 1", len(snap.SectionNames()))
	}

	got := &kvSection{}
	if _, err := snap.ReadSection("s", got); err != nil {
		t.Fatalf("ReadSection: %v", err)
	}
	if got.Key != "second" {
		t.Fatalf("got key %q, want the overwritten value", got.Key)
	}
}
