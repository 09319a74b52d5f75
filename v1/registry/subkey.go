package registry

import (
	"strconv"

	"github.com/google/uuid"
)

// ConnID is the opaque handle a host assigns to a client connection. The
// registry only compares and copies it.
type ConnID uuid.UUID

// NewConnID returns a fresh connection handle.
func NewConnID() ConnID {
	return ConnID(uuid.New())
}

func (c ConnID) String() string {
	return uuid.UUID(c).String()
}

// SubKey discriminates logical sub-locks living under one key name. The zero
// value is NoSubKey, which is itself a valid discriminator and never equal to
// any Sub(n).
type SubKey struct {
	n   int32
	set bool
}

// NoSubKey is the discriminator used when a command carries no sub-key and
// for every channel subscription.
var NoSubKey = SubKey{}

// Sub returns the concrete sub-key n.
func Sub(n int32) SubKey {
	return SubKey{n: n, set: true}
}

// Value returns the sub-key number and whether one is set.
func (s SubKey) Value() (int32, bool) {
	return s.n, s.set
}

// IsSet reports whether s is a concrete sub-key.
func (s SubKey) IsSet() bool {
	return s.set
}

func (s SubKey) String() string {
	if !s.set {
		return "-"
	}
	return strconv.FormatInt(int64(s.n), 10)
}

// suffix is appended to notifications addressed to a waiter on s.
func (s SubKey) suffix() string {
	if !s.set {
		return ""
	}
	return " [sub_key=" + strconv.FormatInt(int64(s.n), 10) + "]"
}
