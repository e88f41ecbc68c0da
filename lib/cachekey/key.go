// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cachekey

import (
	"fmt"
	"strings"
)

// KeySize is the size of a Key's binary encoding: both halves
// concatenated.
const KeySize = 2 * HashSize

// Key identifies one cached artifact by the content of its inputs
// (Primary) and the transformation applied to them (Secondary). A Key
// is immutable; build one with [NewKey], [ParseKey] or [Entry.Seal].
type Key struct {
	Primary   Hash
	Secondary Hash
}

// NewKey pairs the two halves.
func NewKey(primary, secondary Hash) Key {
	return Key{Primary: primary, Secondary: secondary}
}

// IsZero reports whether k is the zero Key, which no sealed entry ever
// produces.
func (k Key) IsZero() bool {
	return k == Key{}
}

// String returns "<primary hex>:<secondary hex>".
func (k Key) String() string {
	return FormatHash(k.Primary) + ":" + FormatHash(k.Secondary)
}

// Short returns the first 12 hex characters of each half, for logs.
func (k Key) Short() string {
	return FormatHash(k.Primary)[:12] + ":" + FormatHash(k.Secondary)[:12]
}

// ParseKey parses the String form of a key.
func ParseKey(text string) (Key, error) {
	primaryText, secondaryText, found := strings.Cut(text, ":")
	if !found {
		return Key{}, fmt.Errorf("parsing key %q: missing ':' separator", text)
	}
	primary, err := ParseHash(primaryText)
	if err != nil {
		return Key{}, fmt.Errorf("parsing key primary: %w", err)
	}
	secondary, err := ParseHash(secondaryText)
	if err != nil {
		return Key{}, fmt.Errorf("parsing key secondary: %w", err)
	}
	return Key{Primary: primary, Secondary: secondary}, nil
}

// MarshalBinary encodes the key as Primary||Secondary. The CBOR codec
// uses it, so keys travel as a single 64-byte byte string.
func (k Key) MarshalBinary() ([]byte, error) {
	data := make([]byte, KeySize)
	copy(data[:HashSize], k.Primary[:])
	copy(data[HashSize:], k.Secondary[:])
	return data, nil
}

// UnmarshalBinary decodes the MarshalBinary form.
func (k *Key) UnmarshalBinary(data []byte) error {
	if len(data) != KeySize {
		return fmt.Errorf("key is %d bytes, want %d", len(data), KeySize)
	}
	copy(k.Primary[:], data[:HashSize])
	copy(k.Secondary[:], data[HashSize:])
	return nil
}
