// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits with code 1. Use it in
// main() for errors from run() where the structured logger may not be
// initialized.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// Exit ends the process for an error returned by a command. An error
// carrying an ExitCode method has already reported itself, so the
// process exits with that code and prints nothing; any other error
// goes through Fatal.
func Exit(err error) {
	if code, ok := exitCode(err); ok {
		os.Exit(code)
	}
	Fatal(err)
}

func exitCode(err error) (int, bool) {
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode(), true
	}
	return 0, false
}
