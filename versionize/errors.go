package versionize

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownType names a type that was never registered with
	// SetTypeVersion. VersionMap.GetTypeVersion does not return it: an
	// unregistered type resolves to struct version 1.
	ErrUnknownType = errors.New("versionize: unknown type in version map")
)

// SerializeError wraps an encoding failure with the name of the type being
// encoded.
type SerializeError struct {
	TypeName string
	Err      error
}

func (e *SerializeError) Error() string {
	return fmt.Sprintf("versionize: serialize %s: %v", e.TypeName, e.Err)
}

func (e *SerializeError) Unwrap() error { return e.Err }

// DeserializeError wraps a decoding failure with the name of the type being
// decoded.
type DeserializeError struct {
	TypeName string
	Err      error
}

func (e *DeserializeError) Error() string {
	return fmt.Sprintf("versionize: deserialize %s: %v", e.TypeName, e.Err)
}

func (e *DeserializeError) Unwrap() error { return e.Err }
