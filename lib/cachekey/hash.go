// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cachekey

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/zeebo/blake3"
)

// HashSize is the size in bytes of every hash in this package.
const HashSize = 32

// Hash is a 32-byte BLAKE3 digest.
type Hash [HashSize]byte

// domainKey is a 32-byte key for BLAKE3 keyed hashing. The byte values
// are the ASCII domain name zero-padded to 32 bytes so they stay
// readable in hex dumps. Changing one invalidates every stored key in
// that domain.
type domainKey [32]byte

var (
	inputDomainKey = domainKey{
		'a', 's', 's', 'e', 't', 'c', 'a', 'c', 'h', 'e', '.', 'i', 'n', 'p', 'u', 't',
	}

	paramsDomainKey = domainKey{
		'a', 's', 's', 'e', 't', 'c', 'a', 'c', 'h', 'e', '.', 'p', 'a', 'r', 'a', 'm', 's',
	}

	contentDomainKey = domainKey{
		'a', 's', 's', 'e', 't', 'c', 'a', 'c', 'h', 'e', '.', 'c', 'o', 'n', 't', 'e', 'n', 't',
	}
)

func newHasher(key domainKey) *blake3.Hasher {
	// NewKeyed only fails on a key that is not 32 bytes, which the
	// domainKey type rules out.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("cachekey: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return hasher
}

func sum(hasher *blake3.Hasher) Hash {
	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// writeField writes a length-prefixed field so that adjacent fields
// cannot be re-split into a different sequence with the same bytes.
func writeField(w io.Writer, data []byte) {
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(data)))
	w.Write(length[:])
	w.Write(data)
}

// HashContent computes the content-domain hash of a file's bytes. The
// storage engine records it per file and verifies it on every fetch.
func HashContent(data []byte) Hash {
	hasher := newHasher(contentDomainKey)
	hasher.Write(data)
	return sum(hasher)
}

// HashParams computes the secondary half of a key from an ordered
// parameter list. Order is significant: ["RGBA8888", "split"] and
// ["split", "RGBA8888"] produce different hashes.
func HashParams(params []string) Hash {
	hasher := newHasher(paramsDomainKey)
	var count [8]byte
	binary.BigEndian.PutUint64(count[:], uint64(len(params)))
	hasher.Write(count[:])
	for _, param := range params {
		writeField(hasher, []byte(param))
	}
	return sum(hasher)
}

// HashFiles computes an input-domain hash over an in-memory file set,
// using the same layout as [HashDirectory]: files sorted by path, each
// contributing its slash-separated path and content hash.
func HashFiles(files Files) Hash {
	sorted := files.Sorted()
	hasher := newHasher(inputDomainKey)
	for _, file := range sorted {
		writeField(hasher, []byte(file.Path))
		contentHash := HashContent(file.Data)
		hasher.Write(contentHash[:])
	}
	return sum(hasher)
}

// HashDirectory computes the primary hash of a directory tree: every
// regular file below root, ordered by slash-separated relative path.
// Directories contribute only through the files they contain, so empty
// directories do not change the hash. Symlinks and other non-regular
// files are skipped.
func HashDirectory(root string) (Hash, error) {
	type fileRef struct {
		relative string
		absolute string
	}
	var refs []fileRef

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		relative, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		refs = append(refs, fileRef{relative: filepath.ToSlash(relative), absolute: path})
		return nil
	})
	if err != nil {
		return Hash{}, fmt.Errorf("walking %s: %w", root, err)
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].relative < refs[j].relative })

	hasher := newHasher(inputDomainKey)
	for _, ref := range refs {
		contentHash, err := hashFileContent(ref.absolute)
		if err != nil {
			return Hash{}, err
		}
		writeField(hasher, []byte(ref.relative))
		hasher.Write(contentHash[:])
	}
	return sum(hasher), nil
}

func hashFileContent(path string) (Hash, error) {
	file, err := os.Open(path)
	if err != nil {
		return Hash{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer file.Close()

	hasher := newHasher(contentDomainKey)
	if _, err := io.Copy(hasher, file); err != nil {
		return Hash{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return sum(hasher), nil
}

// FormatHash returns the lowercase hex encoding of a hash.
func FormatHash(hash Hash) string {
	return hex.EncodeToString(hash[:])
}

// ParseHash parses a 64-character hex string into a Hash.
func ParseHash(hexString string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return hash, fmt.Errorf("parsing hash: %w", err)
	}
	if len(decoded) != HashSize {
		return hash, fmt.Errorf("hash is %d bytes, want %d", len(decoded), HashSize)
	}
	copy(hash[:], decoded)
	return hash, nil
}
