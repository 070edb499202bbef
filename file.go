// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package greenrt

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/detailyang/go-fallocate"
	"github.com/jacobsa/reqtrace"
	"golang.org/x/sys/unix"

	"github.com/kschndr/greenrt/internal/bufpool"
)

// File is a non-blocking file descriptor wrapper. Every operation that
// would otherwise block suspends the calling task via the owning
// Scheduler's YieldIO instead.
type File struct {
	sched *Scheduler
	fd    int
	path  string

	closed bool

	vbufMode string // "no", "line", "full"
	vbufSize int
	wbuf     []byte

	rbuf    []byte
	rbufPos int

	cmd *exec.Cmd // non-nil only for a Popen'd file
}

const maxReadAll = 1 << 40

// Open opens path on the default Scheduler. mode follows the familiar
// fopen vocabulary: r, r+, w, w+, a, a+, each optionally suffixed with b
// (accepted and ignored; there is no text/binary distinction on Unix).
func Open(path, mode string) (*File, error) { return Default().Open(path, mode) }

// Popen starts command through /bin/sh -c and returns a File attached to
// its standard output (mode "r") or standard input (mode "w").
func Popen(command, mode string) (*File, error) { return Default().Popen(command, mode) }

func parseOpenFlags(mode string) (int, error) {
	switch strings.ReplaceAll(mode, "b", "") {
	case "r":
		return unix.O_RDONLY, nil
	case "r+":
		return unix.O_RDWR, nil
	case "w":
		return unix.O_WRONLY | unix.O_CREAT | unix.O_TRUNC, nil
	case "w+":
		return unix.O_RDWR | unix.O_CREAT | unix.O_TRUNC, nil
	case "a":
		return unix.O_WRONLY | unix.O_CREAT | unix.O_APPEND, nil
	case "a+":
		return unix.O_RDWR | unix.O_CREAT | unix.O_APPEND, nil
	default:
		return 0, fmt.Errorf("greenrt: unknown open mode %q", mode)
	}
}

// AdoptFD wraps an already-open descriptor (a pipe end, a socket, anything
// fcntl-able) as a non-blocking File on s. name is used only for error
// messages and debug logging.
func (s *Scheduler) AdoptFD(fd int, name string) (*File, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, wrapIOError(name, err)
	}
	return &File{
		sched:    s,
		fd:       fd,
		path:     name,
		vbufMode: "full",
		vbufSize: bufpool.BufSize,
	}, nil
}

// Open opens path against s: every File it returns suspends tasks on s,
// never on some other Scheduler.
func (s *Scheduler) Open(path, mode string) (*File, error) {
	flags, err := parseOpenFlags(mode)
	if err != nil {
		return nil, err
	}
	flags |= unix.O_NONBLOCK

	fd, err := unix.Open(path, flags, 0666)
	if err != nil {
		return nil, wrapIOError(path, err)
	}

	f := &File{
		sched:    s,
		fd:       fd,
		path:     path,
		vbufMode: "full",
		vbufSize: bufpool.BufSize,
	}

	if s.cfg.Preallocate && flags&(unix.O_WRONLY|unix.O_RDWR) != 0 {
		tryPreallocate(fd, int64(bufpool.BufSize*4))
	}

	return f, nil
}

// tryPreallocate asks the filesystem for a throughput hint via go-fallocate.
// Unsupported filesystems (ENOTSUP and friends) are silently ignored; this
// is an optimization, not a correctness requirement.
func tryPreallocate(fd int, hint int64) {
	// os.File closes its descriptor when closed or garbage collected; hand it
	// a duplicate so fd's lifetime stays with File.Close.
	dup, err := unix.Dup(fd)
	if err != nil {
		return
	}
	osf := os.NewFile(uintptr(dup), "")
	defer osf.Close()

	_ = fallocate.Fallocate(osf, 0, hint)
}

// Popen starts command through s's shell and wraps the requested end of
// its pipe. mode "r" reads the child's stdout; mode "w" writes its stdin.
func (s *Scheduler) Popen(command, mode string) (*File, error) {
	cmd := exec.Command("/bin/sh", "-c", command)

	f := &File{
		sched:    s,
		path:     command,
		cmd:      cmd,
		vbufMode: "full",
		vbufSize: bufpool.BufSize,
	}

	switch mode {
	case "r":
		rc, err := cmd.StdoutPipe()
		if err != nil {
			return nil, wrapIOError(command, err)
		}
		osf, ok := rc.(*os.File)
		if !ok {
			return nil, fmt.Errorf("greenrt: popen: unexpected pipe type %T", rc)
		}
		f.fd = detachFD(osf)
	case "w":
		wc, err := cmd.StdinPipe()
		if err != nil {
			return nil, wrapIOError(command, err)
		}
		osf, ok := wc.(*os.File)
		if !ok {
			return nil, fmt.Errorf("greenrt: popen: unexpected pipe type %T", wc)
		}
		f.fd = detachFD(osf)
	default:
		return nil, fmt.Errorf("greenrt: popen: unknown mode %q", mode)
	}

	if err := cmd.Start(); err != nil {
		return nil, wrapIOError(command, err)
	}
	if err := unix.SetNonblock(f.fd, true); err != nil {
		return nil, wrapIOError(command, err)
	}

	return f, nil
}

// detachFD duplicates osf's descriptor and closes osf, so that neither
// osf's finalizer nor a later close of osf (cmd.Wait closes its pipe ends)
// can release the returned fd; its lifetime becomes the caller's
// responsibility. It returns -1 if the descriptor cannot be duplicated.
func detachFD(osf *os.File) int {
	fd, err := unix.Dup(int(osf.Fd()))
	osf.Close()
	if err != nil {
		return -1
	}
	return fd
}

// Close is idempotent. Any task still parked on this descriptor is failed
// immediately: it is unparked and will observe errClosedFile the next time
// it retries its syscall.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true

	for _, waiter := range f.sched.wait.RemoveFD(f.fd) {
		f.sched.setNextHint(waiter)
	}

	if f.cmd != nil {
		err := unix.Close(f.fd)
		f.fd = -1
		go f.cmd.Wait() // reap without blocking the closing task
		if err != nil {
			return wrapIOError(f.path, err)
		}
		return nil
	}

	err := unix.Close(f.fd)
	f.fd = -1
	if err != nil {
		return wrapIOError(f.path, err)
	}
	return nil
}

func (f *File) rawRead(p []byte) (n int, err error) {
	ctx, report := reqtrace.StartSpan(context.Background(), "greenrt.File.Read")
	_ = ctx
	defer func() { report(err) }()

	for {
		if f.closed {
			return 0, errClosedFile
		}
		n, rerr := unix.Read(f.fd, p)
		if rerr == nil {
			return n, nil
		}
		if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
			if yerr := f.sched.YieldIO(Read, f.fd, 0); yerr != nil {
				return 0, wrapIOError(f.path, yerr)
			}
			continue
		}
		return 0, wrapIOError(f.path, rerr)
	}
}

func (f *File) rawWrite(p []byte) (n int, err error) {
	ctx, report := reqtrace.StartSpan(context.Background(), "greenrt.File.Write")
	_ = ctx
	defer func() { report(err) }()

	for {
		if f.closed {
			return 0, errClosedFile
		}
		n, werr := unix.Write(f.fd, p)
		if werr == nil {
			return n, nil
		}
		if werr == unix.EAGAIN || werr == unix.EWOULDBLOCK {
			if yerr := f.sched.YieldIO(Write, f.fd, 0); yerr != nil {
				return 0, wrapIOError(f.path, yerr)
			}
			continue
		}
		return 0, wrapIOError(f.path, werr)
	}
}

// fixedRead reads up to remaining bytes, looping on short reads, and
// returns nil (no error) once remaining bytes have been collected or the
// descriptor has hit EOF. A nil, nil result means EOF with nothing read.
func (f *File) fixedRead(remaining int) ([]byte, error) {
	var out []byte

	if f.rbufPos < len(f.rbuf) {
		avail := f.rbuf[f.rbufPos:]
		take := remaining
		if take > len(avail) {
			take = len(avail)
		}
		out = append(out, avail[:take]...)
		f.rbufPos += take
		remaining -= take
	}

	for remaining > 0 {
		buf := f.sched.bufpool.Get()
		want := len(buf)
		if want > remaining {
			want = remaining
		}
		n, err := f.rawRead(buf[:want])
		if err != nil {
			f.sched.bufpool.Put(buf)
			if len(out) == 0 {
				return nil, err
			}
			return out, nil
		}
		if n == 0 {
			f.sched.bufpool.Put(buf)
			break
		}
		out = append(out, buf[:n]...)
		remaining -= n
		f.sched.bufpool.Put(buf)
	}

	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// readLine returns the next newline-terminated line (without the
// terminator) buffered from fd, retaining any leftover bytes across calls.
// At EOF with a non-empty trailing partial line it returns that line
// alongside io.EOF; at clean EOF it returns ("", io.EOF).
func (f *File) readLine() (string, error) {
	for {
		if idx := bytes.IndexByte(f.rbuf[f.rbufPos:], '\n'); idx >= 0 {
			line := string(f.rbuf[f.rbufPos : f.rbufPos+idx])
			f.rbufPos += idx + 1
			return line, nil
		}

		leftover := append([]byte{}, f.rbuf[f.rbufPos:]...)

		buf := f.sched.bufpool.Get()
		n, err := f.rawRead(buf)
		if err != nil {
			f.sched.bufpool.Put(buf)
			f.rbuf, f.rbufPos = nil, 0
			if len(leftover) > 0 {
				return string(leftover), nil
			}
			return "", err
		}
		if n == 0 {
			f.sched.bufpool.Put(buf)
			f.rbuf, f.rbufPos = nil, 0
			if len(leftover) > 0 {
				return string(leftover), io.EOF
			}
			return "", io.EOF
		}

		f.rbuf = append(leftover, buf[:n]...)
		f.rbufPos = 0
		f.sched.bufpool.Put(buf)
	}
}

func isFloatByte(c byte) bool {
	switch {
	case c >= '0' && c <= '9':
		return true
	case c == '.' || c == '+' || c == '-' || c == 'e' || c == 'E':
		return true
	}
	return false
}

// scanFloatToken looks for a complete numeric token at the front of b
// (after skipping leading whitespace). complete is false when b might be
// holding only a prefix of a longer token, in which case the caller should
// read more data before trying again.
func scanFloatToken(b []byte) (token string, consumed int, complete bool) {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t' || b[i] == '\n' || b[i] == '\r') {
		i++
	}
	start := i
	for i < len(b) && isFloatByte(b[i]) {
		i++
	}
	if start == i {
		// A non-numeric byte means no number here; only running out of
		// data leaves the question open.
		return "", i, i < len(b)
	}
	if i == len(b) {
		return "", start, false
	}
	return string(b[start:i]), i, true
}

// readNumber scans a single floating point token for a "*n" read spec.
// Trailing delimiters (e.g. the space after "42.5" in "42.5 foo") are left
// in the buffer for a subsequent read.
func (f *File) readNumber() (interface{}, error) {
	for {
		if tok, consumed, complete := scanFloatToken(f.rbuf[f.rbufPos:]); complete {
			f.rbufPos += consumed
			if tok == "" {
				return nil, nil
			}
			v, err := strconv.ParseFloat(tok, 64)
			if err != nil {
				return nil, wrapIOError(f.path, err)
			}
			return v, nil
		}

		buf := f.sched.bufpool.Get()
		n, err := f.rawRead(buf)
		if err != nil {
			f.sched.bufpool.Put(buf)
			return nil, err
		}
		if n == 0 {
			f.sched.bufpool.Put(buf)
			tok, consumed, _ := scanFloatToken(f.rbuf[f.rbufPos:])
			f.rbufPos += consumed
			if tok == "" {
				return nil, nil
			}
			v, perr := strconv.ParseFloat(tok, 64)
			if perr != nil {
				return nil, wrapIOError(f.path, perr)
			}
			return v, nil
		}

		f.rbuf = append(f.rbuf[f.rbufPos:], buf[:n]...)
		f.rbufPos = 0
		f.sched.bufpool.Put(buf)
	}
}

// Read evaluates each spec against f in order, returning one result per
// spec. A spec is an int (read exactly that many bytes), "*l" (a line),
// "*n" (a number), or "*a" (everything until EOF); no specs is shorthand
// for a single "*l".
func (f *File) Read(specs ...interface{}) ([]interface{}, error) {
	if f.closed {
		return nil, errClosedFile
	}
	if len(specs) == 0 {
		specs = []interface{}{"*l"}
	}

	out := make([]interface{}, 0, len(specs))
	for _, spec := range specs {
		v, err := f.readOne(spec)
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (f *File) readOne(spec interface{}) (interface{}, error) {
	switch v := spec.(type) {
	case int:
		return f.fixedRead(v)
	case string:
		switch v {
		case "*l":
			line, err := f.readLine()
			if err == io.EOF {
				if line != "" {
					return line, nil
				}
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			return line, nil
		case "*n":
			return f.readNumber()
		case "*a":
			b, err := f.fixedRead(maxReadAll)
			if err != nil {
				return nil, err
			}
			if b == nil {
				return []byte{}, nil
			}
			return b, nil
		default:
			panicf("greenrt: unknown read spec %q", v)
		}
	default:
		panicf("greenrt: unknown read spec %T", spec)
	}
	panic("unreachable")
}

func stringify(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// Write stringifies and writes each item in order, buffering per the
// current SetVBuf mode.
func (f *File) Write(items ...interface{}) error {
	if f.closed {
		return errClosedFile
	}
	for _, it := range items {
		if err := f.writeAll([]byte(stringify(it))); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) writeAll(p []byte) error {
	switch f.vbufMode {
	case "no":
		return f.flushBytes(p)

	case "line":
		f.wbuf = append(f.wbuf, p...)
		if idx := bytes.LastIndexByte(f.wbuf, '\n'); idx >= 0 {
			if err := f.flushBytes(f.wbuf[:idx+1]); err != nil {
				return err
			}
			f.wbuf = append([]byte{}, f.wbuf[idx+1:]...)
		}
		return nil

	default: // "full"
		f.wbuf = append(f.wbuf, p...)
		for len(f.wbuf) >= f.vbufSize {
			if err := f.flushBytes(f.wbuf[:f.vbufSize]); err != nil {
				return err
			}
			f.wbuf = append([]byte{}, f.wbuf[f.vbufSize:]...)
		}
		return nil
	}
}

func (f *File) flushBytes(p []byte) error {
	for len(p) > 0 {
		n, err := f.rawWrite(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// Flush writes out any buffered bytes accumulated under a "line" or "full"
// SetVBuf mode.
func (f *File) Flush() error {
	if f.closed {
		return errClosedFile
	}
	if len(f.wbuf) == 0 {
		return nil
	}
	err := f.flushBytes(f.wbuf)
	f.wbuf = f.wbuf[:0]
	return err
}

// Seek repositions the descriptor. whence is "set", "cur" (the default),
// or "end"; any other value is a programming error.
func (f *File) Seek(whence string, offset int64) error {
	if f.closed {
		return errClosedFile
	}

	var w int
	switch whence {
	case "", "cur":
		w = unix.SEEK_CUR
	case "set":
		w = unix.SEEK_SET
	case "end":
		w = unix.SEEK_END
	default:
		panicf("greenrt: unknown seek whence %q", whence)
	}

	_, err := unix.Seek(f.fd, offset, w)
	if err != nil {
		return wrapIOError(f.path, err)
	}

	f.rbuf, f.rbufPos = nil, 0
	return nil
}

// SetVBuf controls output buffering: "no" writes through immediately,
// "line" flushes on every newline, "full" (the default) flushes once size
// bytes (BufSize if size <= 0) have accumulated.
func (f *File) SetVBuf(mode string, size int) error {
	if f.closed {
		return errClosedFile
	}

	switch mode {
	case "no":
		f.vbufMode = "no"
	case "line":
		f.vbufMode = "line"
	case "full":
		f.vbufMode = "full"
		if size > 0 {
			f.vbufSize = size
		} else {
			f.vbufSize = bufpool.BufSize
		}
	default:
		panicf("greenrt: unknown buffering mode %q", mode)
	}
	return nil
}

// Lines returns an iterator closure: each call returns the next line and
// true, or ("", false) once the file is exhausted.
func (f *File) Lines() func() (string, bool) {
	return func() (string, bool) {
		if f.closed {
			return "", false
		}
		line, err := f.readLine()
		if err == io.EOF {
			if line != "" {
				return line, true
			}
			return "", false
		}
		if err != nil {
			return "", false
		}
		return line, true
	}
}
