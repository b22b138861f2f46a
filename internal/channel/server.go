package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	dbgerrors "github.com/ctagard/stepdbg/internal/errors"
	"github.com/ctagard/stepdbg/pkg/types"
)

// Handler executes one request and builds its response.
type Handler func(ctx context.Context, req types.Request) types.Response

// Server accepts requests on a unix socket and runs them one at a time.
// While a command holds the slot, a pause request is passed to the
// interrupt handler and every other request fails with SESSION_BUSY.
type Server struct {
	ln        net.Listener
	handle    Handler
	interrupt Handler

	// ReadTimeout bounds how long a client may take to send its request.
	ReadTimeout time.Duration

	slot chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// Listen opens a unix socket at path, replacing a leftover socket file.
func Listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing old socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, err
	}
	return ln, nil
}

// NewServer serves handle on ln. interrupt may be nil.
func NewServer(ln net.Listener, handle, interrupt Handler) *Server {
	return &Server{
		ln:          ln,
		handle:      handle,
		interrupt:   interrupt,
		ReadTimeout: 10 * time.Second,
		slot:        make(chan struct{}, 1),
	}
}

// Addr returns the listening address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve accepts connections until Close is called or ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.ln.Close() })
	defer stop()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// Close stops accepting and waits for in-flight requests to be answered.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ln.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	s.wg.Wait()
	return err
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if s.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
	}
	var req types.Request
	if err := readMessage(bufio.NewReader(conn), &req); err != nil {
		// liveness probes connect and hang up without a request
		if !errors.Is(err, io.EOF) {
			log.Printf("Reading request: %v", err)
		}
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	resp := s.dispatch(ctx, req)
	resp.ID = req.ID
	if err := writeMessage(conn, resp); err != nil {
		log.Printf("Writing response to %s: %v", req.Command, err)
	}
}

func (s *Server) dispatch(ctx context.Context, req types.Request) types.Response {
	select {
	case s.slot <- struct{}{}:
		defer func() { <-s.slot }()
		return s.handle(ctx, req)
	default:
	}
	if req.Command == types.CommandPause && s.interrupt != nil {
		return s.interrupt(ctx, req)
	}
	return ErrorResponse(req.ID, dbgerrors.SessionBusy())
}

// ErrorResponse converts err into an error response.
func ErrorResponse(id string, err error) types.Response {
	de := dbgerrors.FromError(err)
	return types.Response{
		ID:     id,
		Status: types.StatusError,
		Error: &types.ErrorInfo{
			Code:    string(de.Code),
			Message: de.Message,
			Hint:    de.Hint,
			Details: de.Details,
		},
	}
}

// AsError returns the DebugError carried by an error response, or nil.
func AsError(resp types.Response) *dbgerrors.DebugError {
	if resp.Status != types.StatusError || resp.Error == nil {
		return nil
	}
	return &dbgerrors.DebugError{
		Code:    dbgerrors.ErrorCode(resp.Error.Code),
		Message: resp.Error.Message,
		Hint:    resp.Error.Hint,
		Details: resp.Error.Details,
	}
}
