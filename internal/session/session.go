// Package session implements the per-connection byte-stream adapter that
// bridges a client's HTTP polling cadence to a blocking upstream TCP
// socket: a bounded write-inbox and read-outbox, drained and fed by a
// reader/writer worker pair that own the socket for the session's
// lifetime.
package session

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dianwoshishi/neo-reGeorg-go/internal/relayerr"
)

const (
	queueCapacity = 1024
	readChunkSize = 1024
	readWait      = 10 * time.Millisecond
)

// Session owns one upstream TCP connection plus the two background
// workers that bridge it to the request/reply API. Exactly one
// reader-worker and one writer-worker exist for its lifetime; once closed,
// stays closed.
type Session struct {
	conn net.Conn

	writeInbox chan []byte
	readOutbox chan []byte

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	// workersLeft counts the reader and writer workers still running; the
	// socket is only fully released once both have exited, since either
	// may still be mid-operation on it.
	workersLeft atomic.Int32

	// ioErr is the upstream I/O error that triggered setClosed, if any. It
	// is written at most once, before the closed flag is stored, so any
	// reader that has observed closed==true via IsClosed/Load may read it
	// without further synchronization.
	ioErr error
}

// New takes ownership of an already-connected socket and spawns the
// reader/writer workers. The caller must not use conn directly afterward.
func New(conn net.Conn) *Session {
	s := &Session{
		conn:       conn,
		writeInbox: make(chan []byte, queueCapacity),
		readOutbox: make(chan []byte, queueCapacity),
		done:       make(chan struct{}),
	}
	s.workersLeft.Store(2)

	var g errgroup.Group
	g.Go(func() error {
		s.readLoop()
		return nil
	})
	g.Go(func() error {
		s.writeLoop()
		return nil
	})
	// Every current exit path out of readLoop/writeLoop already calls
	// setClosed before returning, so this is normally a no-op absorbed by
	// closeOnce; it exists as a backstop so the pair can never both exit
	// without the session being marked closed.
	go func() {
		_ = g.Wait()
		s.setClosed(nil)
	}()
	return s
}

// setClosed flips the closed flag, recording err (if this is the call that
// wins the race) as the cause, and wakes anything blocked waiting on the
// session's lifetime. Idempotent; the first caller's err sticks.
func (s *Session) setClosed(err error) {
	s.closeOnce.Do(func() {
		s.ioErr = err
		s.closed.Store(true)
		close(s.done)
	})
}

// LastError reports the upstream I/O error that caused the session to
// close, wrapped as *relayerr.IoError, or nil if it is still open or closed
// without a recorded cause (for example via Close). An upstream EOF is
// recorded as a cause like any other read error.
func (s *Session) LastError() error {
	if s.ioErr == nil {
		return nil
	}
	return &relayerr.IoError{Err: s.ioErr}
}

// readLoop pulls bytes off the upstream socket and pushes them to the
// read-outbox until closed, EOF, or an I/O error.
func (s *Session) readLoop() {
	defer s.shutdownConn()

	buf := make([]byte, readChunkSize)
	for !s.closed.Load() {
		n, err := s.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !s.pushReadOutbox(chunk) {
				s.setClosed(nil)
				return
			}
		}
		if err != nil {
			// Clean EOF and any other read error both end the session the
			// same way: no more upstream data is coming. Either is recorded
			// as the closing cause so Read can surface it to the dispatcher.
			s.setClosed(err)
			return
		}
	}
}

// pushReadOutbox enqueues chunk, blocking while the queue is full, and
// reports false if the session closes while it waits.
func (s *Session) pushReadOutbox(chunk []byte) bool {
	select {
	case s.readOutbox <- chunk:
		return true
	case <-s.done:
		return false
	}
}

// writeLoop pops chunks off the write-inbox and writes them to the
// upstream socket until closed or a write fails.
func (s *Session) writeLoop() {
	defer s.shutdownConn()

	for {
		select {
		case chunk := <-s.writeInbox:
			if s.closed.Load() {
				return
			}
			if err := writeAll(s.conn, chunk); err != nil {
				s.setClosed(err)
				return
			}
		case <-s.done:
			return
		}
	}
}

func writeAll(conn net.Conn, data []byte) error {
	for len(data) > 0 {
		n, err := conn.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// shutdownConn attempts a graceful half-close of the socket's write
// direction (both workers do this on exit) and, once both the reader and writer workers have made this call,
// releases the underlying socket for good.
func (s *Session) shutdownConn() {
	if tc, ok := s.conn.(interface{ CloseWrite() error }); ok {
		_ = tc.CloseWrite()
	}
	if s.workersLeft.Add(-1) == 0 {
		_ = s.conn.Close()
	}
}

// Write enqueues a copy of data to the write-inbox without waiting for it
// to reach the wire. Fails with ErrSessionClosed if the session is already
// closed. If the session closes while the enqueue is pending, it returns
// the recorded upstream error as *relayerr.IoError when there is one, and
// ErrSendFailed otherwise.
func (s *Session) Write(data []byte) error {
	if s.closed.Load() {
		return relayerr.ErrSessionClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)

	select {
	case s.writeInbox <- cp:
		return nil
	case <-s.done:
		s.closed.Store(true)
		if err := s.LastError(); err != nil {
			return err
		}
		return relayerr.ErrSendFailed
	}
}

// Read atomically snapshots the closed state, non-blockingly drains every
// chunk already buffered in the read-outbox, and — if nothing was
// available and the session was open at snapshot time — waits up to 10ms
// for one more chunk before returning whatever it has. An empty Ok result
// is legal: it means the upstream is idle and the session remains open.
func (s *Session) Read() ([]byte, error) {
	wasClosed := s.closed.Load()

	var out []byte
drain:
	for {
		select {
		case chunk := <-s.readOutbox:
			out = append(out, chunk...)
		default:
			break drain
		}
	}

	if len(out) == 0 && !wasClosed {
		select {
		case chunk := <-s.readOutbox:
			out = append(out, chunk...)
		case <-s.done:
			if len(out) == 0 {
				if err := s.LastError(); err != nil {
					return nil, err
				}
				return nil, relayerr.ErrSessionClosed
			}
		case <-time.After(readWait):
		}
	}

	if len(out) == 0 && s.closed.Load() {
		if err := s.LastError(); err != nil {
			return nil, err
		}
		return nil, relayerr.ErrSessionClosed
	}
	return out, nil
}

// Close marks the session terminated. The reader and writer workers
// observe this on their next iteration and exit; the socket is released
// once both have returned.
func (s *Session) Close() {
	s.setClosed(nil)
}

// IsClosed reports the current closed state.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}
