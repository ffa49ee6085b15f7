//go:build linux

package session

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	DefaultBufferSize    = 1024
	DefaultWriteInterval = time.Second
	DefaultPayloadPrefix = "Ping "
)

var (
	ErrInvalidFD = errors.New("session: invalid file descriptor")
	ErrNotIdle   = errors.New("session: already started")
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Logger is the logging interface used by sessions.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Session. Zero values select the defaults.
type Options struct {
	BufferSize    int
	WriteInterval time.Duration
	// Payload builds the message for write number seq, counting from zero.
	Payload func(seq uint64) []byte
	// OnData receives a private copy of every chunk read. It runs on the
	// read goroutine and should not block.
	OnData func(sessionID string, data []byte)
	Logger Logger
}

// PrefixPayload returns a Payload writing prefix followed by the sequence
// number.
func PrefixPayload(prefix string) func(uint64) []byte {
	return func(seq uint64) []byte {
		return strconv.AppendUint([]byte(prefix), seq, 10)
	}
}

func (o *Options) setDefaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.WriteInterval <= 0 {
		o.WriteInterval = DefaultWriteInterval
	}
	if o.Payload == nil {
		o.Payload = PrefixPayload(DefaultPayloadPrefix)
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
}

// Stats counts traffic on a session.
type Stats struct {
	BytesRead     uint64
	BytesWritten  uint64
	ChunksRead    uint64
	ChunksWritten uint64
}

// Session runs a concurrent read loop and write loop over one connected
// stream descriptor. The session owns the descriptor from New onwards and
// closes it exactly once.
//
// Thread Safety:
//   - Stop, State, Stats and Done may be called from any goroutine.
//   - Start may be called once.
type Session struct {
	id   string
	fd   int
	opts Options
	log  Logger

	mu          sync.Mutex
	state       State
	readActive  bool
	writeActive bool
	br          *bridge
	epfd        int

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	fdOnce   sync.Once
	loops    sync.WaitGroup

	bytesRead     atomic.Uint64
	bytesWritten  atomic.Uint64
	chunksRead    atomic.Uint64
	chunksWritten atomic.Uint64
}

// New wraps fd in an idle session.
func New(fd int, opts Options) (*Session, error) {
	if fd < 0 {
		return nil, ErrInvalidFD
	}
	opts.setDefaults()
	id := uuid.NewString()
	return &Session{
		id:   id,
		fd:   fd,
		opts: opts,
		log:  &prefixed{Logger: opts.Logger, args: []any{"session", id, "fd", fd}},
		epfd: -1,
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}, nil
}

func (s *Session) ID() string { return s.id }

// Done is closed once the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Stats() Stats {
	return Stats{
		BytesRead:     s.bytesRead.Load(),
		BytesWritten:  s.bytesWritten.Load(),
		ChunksRead:    s.chunksRead.Load(),
		ChunksWritten: s.chunksWritten.Load(),
	}
}

// Start prepares the readiness set and launches both loops. If any setup
// step fails every resource, including the descriptor, is released and the
// session is Closed.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return ErrNotIdle
	}

	if err := unix.SetNonblock(s.fd, true); err != nil {
		s.log.Warn("setting descriptor non-blocking failed", "error", err)
	}

	br, err := newBridge()
	if err != nil {
		s.abortLocked()
		return err
	}
	s.br = br

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		s.abortLocked()
		return fmt.Errorf("session: epoll create: %w", err)
	}
	s.epfd = epfd

	if err := s.watch(br.Fd(), unix.EPOLLIN); err != nil {
		s.abortLocked()
		return fmt.Errorf("session: watch bridge: %w", err)
	}
	if err := s.watch(s.fd, unix.EPOLLIN|unix.EPOLLRDHUP); err != nil {
		s.abortLocked()
		return fmt.Errorf("session: watch descriptor: %w", err)
	}

	s.state = StateRunning
	s.readActive = true
	s.writeActive = true
	s.loops.Add(2)
	go s.readLoop()
	go s.writeLoop()
	go s.closer()
	s.log.Info("session started")
	return nil
}

func (s *Session) watch(fd int, events uint32) error {
	return unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

// abortLocked releases whatever Start managed to create. s.mu must be held.
func (s *Session) abortLocked() {
	s.releaseLocked()
	s.state = StateClosed
	close(s.done)
}

func (s *Session) releaseLocked() {
	if s.br != nil {
		if err := s.br.Close(); err != nil {
			s.log.Warn("closing bridge failed", "error", err)
		}
	}
	if s.epfd >= 0 {
		if err := unix.Close(s.epfd); err != nil {
			s.log.Warn("closing epoll failed", "error", err)
		}
		s.epfd = -1
	}
	s.closeFD()
}

func (s *Session) closeFD() {
	s.fdOnce.Do(func() {
		if err := unix.Close(s.fd); err != nil {
			s.log.Warn("closing descriptor failed", "error", err)
			return
		}
		s.log.Debug("descriptor closed")
	})
}

// Stop ends both loops and releases every resource, then returns. It is
// idempotent and safe to call from any goroutine other than the OnData hook.
func (s *Session) Stop() {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.abortLocked()
		s.mu.Unlock()
		return
	case StateClosed:
		s.mu.Unlock()
		<-s.done
		return
	}
	s.mu.Unlock()

	s.requestStop()
	<-s.done
}

// requestStop clears the active flags and wakes both loops. It does not
// wait, so the loops themselves may call it.
func (s *Session) requestStop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.readActive = false
		s.writeActive = false
		if s.state == StateRunning {
			s.state = StateStopping
		}
		br := s.br
		s.mu.Unlock()

		if br != nil {
			if err := br.Signal(); err != nil {
				s.log.Warn("signalling bridge failed", "error", err)
			}
		}
		close(s.quit)
	})
}

func (s *Session) closer() {
	s.loops.Wait()
	s.mu.Lock()
	s.releaseLocked()
	s.state = StateClosed
	s.mu.Unlock()

	st := s.Stats()
	s.log.Info("session closed",
		"bytes_read", st.BytesRead,
		"bytes_written", st.BytesWritten,
	)
	close(s.done)
}

func (s *Session) active(write bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if write {
		return s.writeActive
	}
	return s.readActive
}

func (s *Session) readLoop() {
	defer s.loops.Done()
	defer s.requestStop()

	buf := make([]byte, s.opts.BufferSize)
	events := make([]unix.EpollEvent, 2)
	bfd := int32(s.br.Fd())

	for s.active(false) {
		n, err := unix.EpollWait(s.epfd, events, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			s.log.Warn("epoll wait failed", "error", err)
			return
		}
		ready := false
		for _, ev := range events[:n] {
			if ev.Fd == bfd {
				s.log.Debug("read loop woken for stop")
				return
			}
			ready = true
		}
		if ready && !s.readOnce(buf) {
			return
		}
	}
}

// readOnce performs a single read and reports whether the loop should go on.
func (s *Session) readOnce(buf []byte) bool {
	n, err := unix.Read(s.fd, buf)
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return true
	case err != nil:
		s.log.Warn("read failed", "error", err)
		return false
	case n == 0:
		s.log.Info("peer closed stream")
		return false
	}

	s.bytesRead.Add(uint64(n))
	s.chunksRead.Add(1)
	data := slices.Clone(buf[:n])
	s.log.Debug("data received", "bytes", n)
	if s.opts.OnData != nil {
		s.opts.OnData(s.id, data)
	}
	return true
}

func (s *Session) writeLoop() {
	defer s.loops.Done()
	defer s.requestStop()

	ticker := time.NewTicker(s.opts.WriteInterval)
	defer ticker.Stop()

	var seq uint64
	for {
		if !s.active(true) {
			return
		}
		if !s.writeOnce(seq) {
			return
		}
		seq++

		select {
		case <-s.quit:
			return
		case <-ticker.C:
		}
	}
}

func (s *Session) writeOnce(seq uint64) bool {
	msg := s.opts.Payload(seq)
	n, err := unix.Write(s.fd, msg)
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		s.log.Debug("write would block, skipping", "seq", seq)
		return true
	case err != nil:
		s.log.Warn("write failed", "error", err)
		return false
	case n == 0 && len(msg) > 0:
		s.log.Warn("zero-length write")
		return false
	}
	s.bytesWritten.Add(uint64(n))
	s.chunksWritten.Add(1)
	return true
}

type prefixed struct {
	Logger
	args []any
}

func (p *prefixed) Debug(msg string, args ...any) { p.Logger.Debug(msg, slices.Concat(p.args, args)...) }
func (p *prefixed) Info(msg string, args ...any)  { p.Logger.Info(msg, slices.Concat(p.args, args)...) }
func (p *prefixed) Warn(msg string, args ...any)  { p.Logger.Warn(msg, slices.Concat(p.args, args)...) }
func (p *prefixed) Error(msg string, args ...any) { p.Logger.Error(msg, slices.Concat(p.args, args)...) }
