// Package daptest provides an in-memory debug adapter for tests.
package daptest

import (
	"bufio"
	"net"
	"sync"

	"github.com/google/go-dap"
)

// Handler answers one request. It runs on the server's goroutine and
// replies through Respond, Fail and Emit.
type Handler func(s *Server, req dap.RequestMessage)

// Server is the adapter end of a net.Pipe.
type Server struct {
	conn   net.Conn
	writer *bufio.Writer
	mu     sync.Mutex
	seq    int
	handle Handler

	reqMu    sync.Mutex
	requests []string
	done     chan struct{}
}

// Start serves handle on one end of a pipe and returns the other end.
func Start(handle Handler) (*Server, net.Conn) {
	client, server := net.Pipe()
	s := &Server{
		conn:   server,
		writer: bufio.NewWriter(server),
		handle: handle,
		done:   make(chan struct{}),
	}
	go s.serve()
	return s, client
}

func (s *Server) serve() {
	defer close(s.done)
	reader := bufio.NewReader(s.conn)
	for {
		msg, err := dap.ReadProtocolMessage(reader)
		if err != nil {
			return
		}
		req, ok := msg.(dap.RequestMessage)
		if !ok {
			continue
		}
		s.reqMu.Lock()
		s.requests = append(s.requests, req.GetRequest().Command)
		s.reqMu.Unlock()
		s.handle(s, req)
	}
}

// Requests returns the commands received so far, in order.
func (s *Server) Requests() []string {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *Server) send(msg dap.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := dap.WriteProtocolMessage(s.writer, msg); err != nil {
		return
	}
	_ = s.writer.Flush()
}

func (s *Server) nextSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// Respond sends a successful response to req.
func (s *Server) Respond(req dap.RequestMessage, resp dap.ResponseMessage) {
	r := resp.GetResponse()
	r.Seq = s.nextSeq()
	r.Type = "response"
	r.Command = req.GetRequest().Command
	r.RequestSeq = req.GetRequest().Seq
	r.Success = true
	s.send(resp)
}

// Fail sends an error response to req.
func (s *Server) Fail(req dap.RequestMessage, message string) {
	resp := &dap.ErrorResponse{}
	resp.Seq = s.nextSeq()
	resp.Type = "response"
	resp.Command = req.GetRequest().Command
	resp.RequestSeq = req.GetRequest().Seq
	resp.Message = message
	s.send(resp)
}

// Emit sends an event.
func (s *Server) Emit(ev dap.EventMessage) {
	e := ev.GetEvent()
	e.Seq = s.nextSeq()
	e.Type = "event"
	s.send(ev)
}

// Stopped emits a stopped event.
func (s *Server) Stopped(reason string, threadID int) {
	s.Emit(&dap.StoppedEvent{
		Event: dap.Event{Event: "stopped"},
		Body:  dap.StoppedEventBody{Reason: reason, ThreadId: threadID, AllThreadsStopped: true},
	})
}

// Exited emits exited followed by terminated.
func (s *Server) Exited(code int) {
	s.Emit(&dap.ExitedEvent{Event: dap.Event{Event: "exited"}, Body: dap.ExitedEventBody{ExitCode: code}})
	s.Emit(&dap.TerminatedEvent{Event: dap.Event{Event: "terminated"}})
}

// Close closes the adapter end and waits for the serve loop.
func (s *Server) Close() {
	_ = s.conn.Close()
	<-s.done
}
