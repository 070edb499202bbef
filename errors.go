// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package greenrt

import (
	"errors"
	"fmt"
)

// errClosedFile is returned by every File operation once Close has run.
var errClosedFile = errors.New("greenrt: operation on closed file")

func panicf(format string, v ...interface{}) {
	panic(fmt.Sprintf(format, v...))
}

// ioError wraps a syscall-level failure: Error() reproduces
// strerror(errno), optionally prefixed with a path.
type ioError struct {
	path string // may be empty
	err  error
}

func (e *ioError) Error() string {
	if e.path == "" {
		return e.err.Error()
	}
	return fmt.Sprintf("%s: %s", e.path, e.err.Error())
}

func (e *ioError) Unwrap() error { return e.err }

func wrapIOError(path string, err error) error {
	if err == nil {
		return nil
	}
	return &ioError{path: path, err: err}
}
