// Package securemem stores the bridge's shared-secret token in
// memory-protected storage using memguard, so it cannot be read out of a
// core dump or swap.
package securemem

import (
	"crypto/subtle"

	"github.com/awnumar/memguard"
)

// Init arms memguard's global protections. Call once from main before
// creating any String.
func Init() {
	memguard.CatchInterrupt()
}

// Purge wipes all secure storage. Call on process exit.
func Purge() {
	memguard.Purge()
}

// String holds sensitive text in encrypted memory.
type String struct {
	buf *memguard.LockedBuffer
}

// NewString stores the plaintext in encrypted memory. An empty plaintext
// yields a nil String, which compares equal only to the empty string.
func NewString(plaintext string) *String {
	if plaintext == "" {
		return nil
	}
	return &String{buf: memguard.NewBufferFromBytes([]byte(plaintext))}
}

// IsEmpty reports whether no value is stored.
func (s *String) IsEmpty() bool {
	return s == nil || s.buf == nil || len(s.buf.Bytes()) == 0
}

// Equal compares the stored value against other in constant time.
func (s *String) Equal(other string) bool {
	if s.IsEmpty() {
		return other == ""
	}
	return subtle.ConstantTimeCompare(s.buf.Bytes(), []byte(other)) == 1
}

// String returns a plaintext copy living in regular memory. Use sparingly.
func (s *String) String() string {
	if s.IsEmpty() {
		return ""
	}
	return string(s.buf.Bytes())
}

// Destroy securely wipes the value. The String must not be used afterwards.
func (s *String) Destroy() {
	if s != nil && s.buf != nil {
		s.buf.Destroy()
		s.buf = nil
	}
}
