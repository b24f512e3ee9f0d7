// Package relay exposes the running controller on a Unix domain socket so the
// CLI can read status and submit mode changes. Each connection carries one
// JSON request and one JSON response.
package relay

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/turtacn/closedloop/internal/status"
	"github.com/turtacn/closedloop/pkg/consts"
	"github.com/turtacn/closedloop/pkg/errors"
	"github.com/turtacn/closedloop/pkg/logger"
)

// Operations.
const (
	OpStatus  = "status"
	OpMode    = "mode"
	OpAccept  = "accept"
	OpInvoke  = "invoke"
	OpGlucose = "glucose"
)

type Request struct {
	Op      string   `json:"op"`
	Mode    string   `json:"mode,omitempty"`
	Minutes int      `json:"minutes,omitempty"`
	Reasons []string `json:"reasons,omitempty"`
	Glucose float64  `json:"glucose,omitempty"`
}

type Response struct {
	OK       bool             `json:"ok"`
	Error    string           `json:"error,omitempty"`
	Code     int              `json:"code,omitempty"`
	Accepted bool             `json:"accepted,omitempty"`
	Outcome  string           `json:"outcome,omitempty"`
	Status   *status.Document `json:"status,omitempty"`
}

// Backend answers relay requests.
type Backend interface {
	Status(ctx context.Context) (status.Document, error)
	ChangeMode(ctx context.Context, mode string, minutes int, reasons []string) (bool, error)
	Accept(ctx context.Context) bool
	Invoke(ctx context.Context) (string, error)
	AddGlucose(ctx context.Context, mgdl float64) error
}

type Server struct {
	socketPath string
	backend    Backend
	timeout    time.Duration
	log        logger.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

func NewServer(path string, backend Backend, timeout time.Duration, log logger.Logger) *Server {
	if timeout <= 0 {
		timeout = consts.DefaultRelayTimeout
	}
	return &Server{socketPath: path, backend: backend, timeout: timeout, log: logger.OrDefault(log)}
}

// PrepareSocket creates the Unix domain socket, replacing a stale one.
func (s *Server) PrepareSocket() (net.Listener, error) {
	if _, err := os.Stat(s.socketPath); err == nil {
		os.Remove(s.socketPath)
	}
	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return nil, err
	}
	// Only the owning user may talk to the controller
	os.Chmod(s.socketPath, 0700)
	return l, nil
}

// Serve accepts connections until ctx ends or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	l, err := s.PrepareSocket()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = l
	s.mu.Unlock()
	s.log.Info("Relay: listening", "socket", s.socketPath)

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

// Close stops the listener and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	s.ln = nil
	os.Remove(s.socketPath)
	return err
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(s.timeout))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.log.Warn("Relay: bad request", "err", err)
		json.NewEncoder(conn).Encode(Response{Error: "bad request: " + err.Error()})
		return
	}

	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp := s.dispatch(rctx, req)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.log.Warn("Relay: reply failed", "op", req.Op, "err", err)
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Op {
	case OpStatus:
		doc, err := s.backend.Status(ctx)
		if err != nil {
			return failure(err)
		}
		return Response{OK: true, Status: &doc}
	case OpMode:
		accepted, err := s.backend.ChangeMode(ctx, req.Mode, req.Minutes, req.Reasons)
		if err != nil {
			return failure(err)
		}
		return Response{OK: true, Accepted: accepted}
	case OpAccept:
		return Response{OK: true, Accepted: s.backend.Accept(ctx)}
	case OpInvoke:
		outcome, err := s.backend.Invoke(ctx)
		if err != nil {
			r := failure(err)
			r.Outcome = outcome
			return r
		}
		return Response{OK: true, Outcome: outcome}
	case OpGlucose:
		if err := s.backend.AddGlucose(ctx, req.Glucose); err != nil {
			return failure(err)
		}
		return Response{OK: true}
	default:
		return Response{Error: "unknown op " + req.Op}
	}
}

func failure(err error) Response {
	return Response{Error: err.Error(), Code: int(errors.CodeOf(err))}
}

// Call sends one request to the relay at path.
func Call(ctx context.Context, path string, req Request, timeout time.Duration) (Response, error) {
	if timeout <= 0 {
		timeout = consts.DefaultRelayTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return Response{}, errors.New(errors.ErrCodeCommunicationTimeout, "relay.Call", "controller not reachable at "+path, err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Response{}, errors.New(errors.ErrCodeCommunicationTimeout, "relay.Call", "send failed", err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, errors.New(errors.ErrCodeCommunicationTimeout, "relay.Call", "no reply", err)
	}
	return resp, nil
}

// Personal.AI order the ending
