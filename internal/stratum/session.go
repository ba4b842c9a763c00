package stratum

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/scashpool/internal/jobs"
	"github.com/bardlex/scashpool/internal/validation"
	"github.com/bardlex/scashpool/pkg/log"
)

// State is a session's position in the protocol.
type State int32

// Session states. A session only moves forward; Closed is terminal.
const (
	StateConnected State = iota
	StateSubscribed
	StateAuthorized
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateAuthorized:
		return "authorized"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Send errors.
var (
	ErrSessionClosed  = errors.New("session closed")
	ErrSendBufferFull = errors.New("outbound buffer full")
)

// Session is one miner connection.
type Session struct {
	id       string
	conn     net.Conn
	logger   *log.Logger
	settings Settings
	deps     Deps

	state atomic.Int32

	mu          sync.RWMutex
	workerName  string
	extraNonce1 string
	userAgent   string

	connectedAt time.Time
	outbound    chan []byte
	done        chan struct{}
	closeOnce   sync.Once
}

// NewSession creates a session for conn. Zero settings fall back to pool
// defaults.
func NewSession(id string, conn net.Conn, settings Settings, deps Deps, logger *log.Logger) *Session {
	if settings.Difficulty <= 0 {
		settings.Difficulty = 1
	}
	if settings.Extranonce2Size <= 0 {
		settings.Extranonce2Size = 4
	}
	if settings.SendBufferSize <= 0 {
		settings.SendBufferSize = 100
	}
	if settings.MaxLineSize <= 0 {
		settings.MaxLineSize = 16 * 1024
	}
	if deps.Auth == nil {
		deps.Auth = AcceptAll{}
	}

	return &Session{
		id:          id,
		conn:        conn,
		logger:      logger.WithSession(id, conn.RemoteAddr().String()),
		settings:    settings,
		deps:        deps,
		connectedAt: time.Now(),
		outbound:    make(chan []byte, settings.SendBufferSize),
		done:        make(chan struct{}),
	}
}

// Serve runs the session until the client disconnects, a fatal read error
// occurs or ctx is cancelled.
func (s *Session) Serve(ctx context.Context) error {
	s.logger.LogConnection("connected", s.RemoteAddr())

	go s.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	return s.readLoop(ctx)
}

// readLoop splits the stream into lines and handles them in order.
func (s *Session) readLoop(ctx context.Context) error {
	defer s.Close()

	lines := &lineSplitter{max: s.settings.MaxLineSize, onOverflow: func() {
		s.logger.Warn("discarding oversized message", "max_line_size", s.settings.MaxLineSize)
	}}
	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, min(4096, s.settings.MaxLineSize)), s.settings.MaxLineSize)
	scanner.Split(lines.split)

	for {
		if s.settings.ReadTimeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout)); err != nil {
				return nil
			}
		}

		if !scanner.Scan() {
			if s.State() == StateClosed {
				return nil
			}
			if err := scanner.Err(); err != nil {
				s.logger.WithError(err).Warn("read failed")
				return err
			}
			s.logger.Info("client disconnected")
			return nil
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		s.logger.LogStratumMessage("received", string(line))
		s.handleLine(ctx, line)
	}
}

// lineSplitter splits on newlines like bufio.ScanLines but drops a line
// longer than max up to its terminating newline instead of failing the scan.
type lineSplitter struct {
	max        int
	discarding bool
	onOverflow func()
}

func (l *lineSplitter) split(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		if l.discarding {
			l.discarding = false
			return i + 1, nil, nil
		}
		return i + 1, bytes.TrimSuffix(data[:i], []byte{'\r'}), nil
	}
	if len(data) >= l.max {
		if !l.discarding {
			l.discarding = true
			if l.onOverflow != nil {
				l.onOverflow()
			}
		}
		return len(data), nil, nil
	}
	if atEOF && len(data) > 0 {
		if l.discarding {
			return len(data), nil, nil
		}
		return len(data), data, nil
	}
	return 0, nil, nil
}

// writeLoop drains the outbound queue onto the socket.
func (s *Session) writeLoop() {
	defer s.Close()

	for {
		select {
		case <-s.done:
			return
		case data := <-s.outbound:
			if s.settings.WriteTimeout > 0 {
				if err := s.conn.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout)); err != nil {
					return
				}
			}
			if _, err := s.conn.Write(data); err != nil {
				if s.State() != StateClosed {
					s.logger.WithError(err).Warn("write failed")
				}
				return
			}
			s.logger.LogStratumMessage("sent", string(bytes.TrimSpace(data)))
		}
	}
}

func (s *Session) handleLine(ctx context.Context, line []byte) {
	req, err := DecodeRequest(line)
	if err != nil {
		var pe *ParamsError
		if errors.As(err, &pe) {
			s.logger.Warn("invalid params", "method", pe.Method, "error", pe.Err)
			s.reply(NewErrorResponse(pe.ID, ErrorInvalidParams, "Invalid params"))
			return
		}
		s.logger.Warn("discarding unparseable message", "error", err)
		return
	}

	switch r := req.(type) {
	case *SubscribeRequest:
		s.handleSubscribe(r)
	case *AuthorizeRequest:
		s.handleAuthorize(ctx, r)
	case *SubmitRequest:
		s.handleSubmit(ctx, r)
	case *ExtranonceSubscribeRequest:
		s.handleExtranonceSubscribe(r)
	case *UnknownRequest:
		s.logger.Debug("ignoring unknown method", "method", r.Method)
	}
}

func (s *Session) handleSubscribe(r *SubscribeRequest) {
	en1 := s.ExtraNonce1()
	if en1 == "" {
		var err error
		en1, err = s.deps.Extranonces.Allocate()
		if err != nil {
			s.logger.WithError(err).Error("extranonce allocation failed")
			s.reply(NewErrorResponse(r.ID, ErrorOther, "Extranonce space exhausted"))
			return
		}
		s.mu.Lock()
		if s.State() == StateClosed {
			s.mu.Unlock()
			s.deps.Extranonces.Release(en1)
			return
		}
		s.extraNonce1 = en1
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.userAgent = r.UserAgent
	s.mu.Unlock()
	s.advance(StateSubscribed)

	subscriptions := [][]string{
		{MethodSetDifficulty, s.id},
		{MethodNotify, s.id},
	}
	s.reply(NewResponse(r.ID, []any{subscriptions, en1, s.settings.Extranonce2Size}))
	s.logger.Info("session subscribed", "extranonce1", en1, "user_agent", r.UserAgent)

	s.notify(MethodSetDifficulty, []any{s.settings.Difficulty})
	if job := s.deps.Jobs.Current(); job != nil {
		if err := s.SendJob(job); err != nil {
			s.logger.WithError(err).Warn("failed to send initial job")
		}
	}
}

func (s *Session) handleAuthorize(ctx context.Context, r *AuthorizeRequest) {
	ok, err := s.deps.Auth.Authenticate(ctx, r.Username, r.Password)
	if err != nil {
		s.logger.WithError(err).Error("authentication failed", "worker", r.Username)
		s.reply(NewErrorResponse(r.ID, ErrorUnauthorized, "Authentication unavailable"))
		return
	}
	if !ok {
		s.logger.Warn("worker rejected", "worker", r.Username)
		s.reply(NewErrorResponse(r.ID, ErrorUnauthorized, "Unauthorized worker"))
		return
	}

	s.mu.Lock()
	s.workerName = r.Username
	s.mu.Unlock()
	s.advance(StateAuthorized)

	s.reply(NewResponse(r.ID, true))
	s.logger.Info("worker authorized", "worker", r.Username)
	s.notify(MethodSetDifficulty, []any{s.settings.Difficulty})
}

func (s *Session) handleSubmit(ctx context.Context, r *SubmitRequest) {
	if s.State() != StateAuthorized {
		s.reply(NewErrorResponse(r.ID, ErrorUnauthorized, "Unauthorized worker"))
		return
	}
	en1 := s.ExtraNonce1()
	if en1 == "" {
		s.reply(NewErrorResponse(r.ID, ErrorNotSubscribed, "Not subscribed"))
		return
	}

	share := &validation.Share{
		JobID:       r.JobID,
		WorkerName:  s.WorkerName(),
		Extranonce1: en1,
		Extranonce2: r.ExtraNonce2,
		NTime:       r.NTime,
		Nonce:       r.Nonce,
		Difficulty:  s.settings.Difficulty,
		SessionID:   s.id,
		RemoteAddr:  s.RemoteAddr(),
		SubmittedAt: time.Now(),
	}

	err := s.deps.Shares.HandleShare(ctx, share)
	if err == nil {
		s.reply(NewResponse(r.ID, true))
		return
	}

	var se *validation.ShareError
	if errors.As(err, &se) {
		s.reply(NewErrorResponse(r.ID, ErrorOther, se.Error()))
		return
	}
	s.logger.WithError(err).Error("share handling failed")
	s.reply(NewErrorResponse(r.ID, ErrorOther, "Internal error"))
}

func (s *Session) handleExtranonceSubscribe(r *ExtranonceSubscribeRequest) {
	s.reply(NewResponse(r.ID, true))
	if en1 := s.ExtraNonce1(); en1 != "" {
		s.notify(MethodSetExtranonce, []any{en1, s.settings.Extranonce2Size})
	}
}

// advance moves the state forward, never backward and never out of Closed.
func (s *Session) advance(to State) {
	for {
		cur := s.state.Load()
		if State(cur) >= to {
			return
		}
		if s.state.CompareAndSwap(cur, int32(to)) {
			return
		}
	}
}

func (s *Session) reply(resp *Response) {
	if err := s.send(resp); err != nil {
		s.logger.WithError(err).Warn("failed to send response", "id", string(resp.ID))
	}
}

func (s *Session) notify(method string, params []any) {
	if err := s.send(NewNotification(method, params)); err != nil {
		s.logger.WithError(err).Warn("failed to send notification", "method", method)
	}
}

func (s *Session) send(v any) error {
	data, err := EncodeLine(v)
	if err != nil {
		return err
	}
	return s.SendRaw(data)
}

// SendRaw queues an encoded frame without blocking.
func (s *Session) SendRaw(data []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrSendBufferFull
	}
}

// SendJob queues a mining.notify for job.
func (s *Session) SendJob(job *jobs.Job) error {
	return s.send(NewNotification(MethodNotify, NotifyParams(job)))
}

// Close ends the session. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.done)
		_ = s.conn.Close()

		// Read under mu after the state store so a concurrent subscribe
		// either sees Closed or leaves its extranonce1 for us to release.
		if en1 := s.ExtraNonce1(); en1 != "" && s.deps.Extranonces != nil {
			s.deps.Extranonces.Release(en1)
		}
		s.logger.LogConnection("disconnected", s.RemoteAddr())

		if s.deps.OnClose != nil {
			s.deps.OnClose(s)
		}
	})
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ID returns the unique session identifier.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the remote address of the client connection.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// State returns the current protocol state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// IsSubscribed reports whether the session receives job notifications. An
// authorized session that never subscribed has no extranonce1 and does not.
func (s *Session) IsSubscribed() bool {
	return s.State() != StateClosed && s.ExtraNonce1() != ""
}

// WorkerName returns the authorized worker name.
func (s *Session) WorkerName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workerName
}

// ExtraNonce1 returns the session's extranonce1, empty before subscribe.
func (s *Session) ExtraNonce1() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.extraNonce1
}

// UserAgent returns the miner software reported on subscribe.
func (s *Session) UserAgent() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userAgent
}

// ConnectedAt returns when the session was created.
func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

// Settings returns the session's settings snapshot.
func (s *Session) Settings() Settings {
	return s.settings
}
