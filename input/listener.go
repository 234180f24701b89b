// Package input accepts raw audit record lines from the local collector
// or kernel dispatcher over a Unix-domain stream socket and hands each
// parsed line to the accumulator, per spec.md §6's input socket contract.
package input

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"auoms.dev/auomsd/rawrecord"
)

// Sink receives each successfully parsed record. Sink errors are the
// caller's concern (e.g. the accumulator rejecting a record); they do
// not close the connection.
type Sink func(rec *rawrecord.RawEventRecord) error

// ErrorHandler is invoked for each line that fails to parse. Recovery
// per spec.md §7's ParseError policy is always the same here: skip the
// offending line, log it, keep the connection open.
type ErrorHandler func(line string, err error)

// Config configures one input listener.
type Config struct {
	// Path is the Unix socket address. A leading '@' selects Linux's
	// abstract namespace (no filesystem entry, no chmod); otherwise Path
	// names a filesystem path created with Mode.
	Path string
	Mode os.FileMode
}

func (c *Config) setDefaults() {
	if c.Mode == 0 {
		c.Mode = 0o600
	}
}

// Listener accepts connections on one Unix-domain stream socket and
// feeds every newline-delimited raw audit record line it reads to Sink.
type Listener struct {
	cfg     Config
	sink    Sink
	onError ErrorHandler

	mu sync.Mutex
	ln net.Listener
}

// New builds a Listener. onError may be nil to silently drop parse
// errors (not recommended in production; cmd/auomsd always supplies a
// rate-limited logging handler).
func New(cfg Config, sink Sink, onError ErrorHandler) *Listener {
	cfg.setDefaults()
	if onError == nil {
		onError = func(string, error) {}
	}
	return &Listener{cfg: cfg, sink: sink, onError: onError}
}

// socketAddr converts a '@name' path into the raw abstract-namespace
// form (a leading NUL byte), the same convention net.Dial("unix", ...)
// and the kernel's own getaddrinfo-adjacent unix(7) address parsing use.
func socketAddr(path string) (addr string, abstract bool) {
	if strings.HasPrefix(path, "@") {
		return "\x00" + path[1:], true
	}
	return path, false
}

// ListenUnix opens a Unix-domain stream socket at path (abstract if it
// starts with '@'), chmod'd to mode for filesystem-path sockets, and
// returns it as a net.Listener. It's built directly on golang.org/x/sys/unix
// rather than net.Listen so abstract-namespace addressing is explicit and
// so the same socket/bind/listen sequence can later grow SO_PASSCRED-style
// options without switching stacks.
func ListenUnix(path string, mode os.FileMode) (net.Listener, error) {
	addr, abstract := socketAddr(path)
	if !abstract {
		_ = os.Remove(addr)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("input: socket: %w", err)
	}
	closeFD := true
	defer func() {
		if closeFD {
			_ = unix.Close(fd)
		}
	}()

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: addr}); err != nil {
		return nil, fmt.Errorf("input: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return nil, fmt.Errorf("input: listen %s: %w", path, err)
	}
	if !abstract {
		if err := os.Chmod(addr, mode); err != nil {
			return nil, fmt.Errorf("input: chmod %s: %w", addr, err)
		}
	}

	f := os.NewFile(uintptr(fd), "auoms-input-"+path)
	ln, err := net.FileListener(f)
	_ = f.Close() // FileListener dup()s the fd; the original is no longer needed.
	closeFD = false
	if err != nil {
		return nil, fmt.Errorf("input: file listener %s: %w", path, err)
	}
	return ln, nil
}

// DialUnix dials a Unix-domain stream socket with the same abstract-namespace
// convention as ListenUnix. It's exported for cmd/auomsd to build output.Dialer
// values that connect to downstream peers over the same socket family.
func DialUnix(ctx context.Context, path string) (net.Conn, error) {
	addr, _ := socketAddr(path)
	var d net.Dialer
	return d.DialContext(ctx, "unix", addr)
}

// Run opens the socket and accepts connections until ctx is canceled.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := ListenUnix(l.cfg.Path, l.cfg.Mode)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-done:
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			return fmt.Errorf("input: accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.serve(ctx, conn)
		}()
	}
}

// serve reads newline-delimited lines from one accepted connection until
// it closes or ctx is canceled, parsing and forwarding each to Sink.
func (l *Listener) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, rawrecord.MaxLineSize), rawrecord.MaxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, err := rawrecord.Parse(line)
		if err != nil {
			l.onError(line, err)
			continue
		}
		if err := l.sink(rec); err != nil {
			l.onError(line, err)
		}
	}
}

// Close stops accepting new connections; connections already accepted
// keep running until ctx (passed to Run) is canceled.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}
