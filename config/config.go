// Package config holds the YAML-tagged configuration structs that an
// embedding VMM decodes and threads into this module's constructors. It
// intentionally owns no decoding logic beyond struct tags -- callers
// decode a larger document with gopkg.in/yaml.v3 and pass the resulting
// struct values straight to guestmem/vsock constructors.
package config

// MappingOptions mirrors guestmem.MappingOptions with YAML tags, letting a
// VMM configuration document carry the huge-pages toggle as an explicit,
// named field instead of a process-wide global.
type MappingOptions struct {
	HugePages bool `yaml:"huge_pages"`
}

// GuestMemoryRegion describes one region of guest memory as it would
// appear in a VMM configuration document: either anonymous (Path empty) or
// file-backed.
type GuestMemoryRegion struct {
	GuestBase uint64 `yaml:"guest_base"`
	Size      uint64 `yaml:"size"`
	Path      string `yaml:"path,omitempty"`
	Offset    int64  `yaml:"offset,omitempty"`
	Shared    bool   `yaml:"shared,omitempty"`
}

// GuestMemoryConfig is the top-level guest memory section of a VMM
// configuration document.
type GuestMemoryConfig struct {
	Mapping MappingOptions      `yaml:"mapping"`
	Regions []GuestMemoryRegion `yaml:"regions"`
}

// VsockConfig is the vsock device section of a VMM configuration document.
type VsockConfig struct {
	GuestCID uint64 `yaml:"guest_cid"`
	// UDSPath is the host-side Unix domain socket path a concrete Backend
	// implementation would listen on; this module does not implement that
	// backend itself (see vsock.Backend), it only carries the
	// configuration value through.
	UDSPath string `yaml:"uds_path"`
}
