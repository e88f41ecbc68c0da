// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package cachestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// lockFileName is held with an exclusive flock for as long as a Store
// is open, so a second server or an administrative command cannot
// write into a directory that a running server owns.
const lockFileName = "LOCK"

type dirLock struct {
	file *os.File
}

func acquireDirLock(root string) (*dirLock, error) {
	path := filepath.Join(root, lockFileName)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, ioError("opening lock file", err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, root)
		}
		return nil, ioError("locking store directory", err)
	}

	// The pid is informational only; the flock is what excludes.
	file.Truncate(0)
	fmt.Fprintf(file, "%d\n", os.Getpid())
	return &dirLock{file: file}, nil
}

func (l *dirLock) release() error {
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return ioError("unlocking store directory", err)
	}
	return l.file.Close()
}
