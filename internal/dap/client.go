package dap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/go-dap"
)

// ErrClosed is returned once the adapter connection is gone.
var ErrClosed = errors.New("debug adapter connection closed")

// StoppedInfo contains information about why the debugger stopped
type StoppedInfo struct {
	Reason      string
	ThreadID    int
	Description string
	Text        string
	AllStopped  bool
}

// EventKind identifies the events the client queues.
type EventKind int

const (
	EventStopped EventKind = iota
	EventTerminated
	EventExited
)

// Event is a stopped, terminated or exited event from the adapter.
type Event struct {
	Kind     EventKind
	Stopped  StoppedInfo
	ExitCode int
}

// Client provides a high-level API for DAP operations
type Client struct {
	transport *Transport

	// Response handling
	pendingRequests map[int]chan dap.Message
	mu              sync.Mutex

	// Capabilities from initialize response
	capabilities dap.Capabilities

	// Initialization synchronization
	initialized     chan struct{}
	initializedOnce sync.Once

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewClient creates a new DAP client with the given transport
func NewClient(transport *Transport) *Client {
	c := &Client{
		transport:       transport,
		pendingRequests: make(map[int]chan dap.Message),
		initialized:     make(chan struct{}),
		events:          make(chan Event, 64),
		done:            make(chan struct{}),
	}

	c.wg.Add(1)
	go c.readLoop()

	return c
}

// Done is closed when the adapter connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// readLoop continuously reads messages from the transport
func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.done)

	consecutiveErrors := 0
	const maxConsecutiveErrors = 5

	for {
		msg, err := c.transport.Receive()
		if err != nil {
			if closedErr(err) {
				return
			}
			// A message go-dap cannot decode leaves the stream intact; skip it.
			consecutiveErrors++
			log.Printf("DAP transport error (attempt %d/%d): %v", consecutiveErrors, maxConsecutiveErrors, err)
			if consecutiveErrors >= maxConsecutiveErrors {
				log.Printf("DAP transport: too many consecutive errors, stopping read loop")
				return
			}
			continue
		}

		consecutiveErrors = 0
		c.handleMessage(msg)
	}
}

// handleMessage routes incoming messages to the appropriate handler
func (c *Client) handleMessage(msg dap.Message) {
	switch m := msg.(type) {
	case dap.ResponseMessage:
		seq := m.GetResponse().RequestSeq
		c.mu.Lock()
		if ch, ok := c.pendingRequests[seq]; ok {
			ch <- msg
			delete(c.pendingRequests, seq)
		}
		c.mu.Unlock()
	case *dap.InitializedEvent:
		c.initializedOnce.Do(func() {
			close(c.initialized)
		})
	case *dap.StoppedEvent:
		c.push(Event{Kind: EventStopped, Stopped: StoppedInfo{
			Reason:      m.Body.Reason,
			ThreadID:    m.Body.ThreadId,
			Description: m.Body.Description,
			Text:        m.Body.Text,
			AllStopped:  m.Body.AllThreadsStopped,
		}})
	case *dap.TerminatedEvent:
		c.push(Event{Kind: EventTerminated})
	case *dap.ExitedEvent:
		c.push(Event{Kind: EventExited, ExitCode: m.Body.ExitCode})
	case *dap.OutputEvent:
		if m.Body.Category != "telemetry" {
			log.Printf("[target %s] %s", m.Body.Category, m.Body.Output)
		}
	}
}

func (c *Client) push(ev Event) {
	select {
	case c.events <- ev:
	default:
		log.Printf("DAP event queue full, dropping event kind %d", ev.Kind)
	}
}

// NextEvent returns the next queued event. After the connection ends, queued
// events are still delivered before ErrClosed.
func (c *Client) NextEvent(ctx context.Context) (Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	default:
	}
	select {
	case ev := <-c.events:
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-c.done:
		select {
		case ev := <-c.events:
			return ev, nil
		default:
			return Event{}, ErrClosed
		}
	}
}

// sendRequest sends a request and waits for the response
func (c *Client) sendRequest(ctx context.Context, req dap.RequestMessage) (dap.Message, error) {
	seq := c.transport.NextSeq()
	r := req.GetRequest()
	r.Seq = seq
	r.Type = "request"

	respCh := make(chan dap.Message, 1)
	c.mu.Lock()
	c.pendingRequests[seq] = respCh
	c.mu.Unlock()

	if err := c.transport.Send(req); err != nil {
		c.forget(seq)
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		c.forget(seq)
		return nil, fmt.Errorf("%s request: %w", r.Command, ctx.Err())
	case <-c.done:
		c.forget(seq)
		return nil, ErrClosed
	}
}

func (c *Client) forget(seq int) {
	c.mu.Lock()
	delete(c.pendingRequests, seq)
	c.mu.Unlock()
}

// roundTrip sends req and checks that the adapter answered with a successful T.
func roundTrip[T dap.ResponseMessage](ctx context.Context, c *Client, req dap.RequestMessage) (T, error) {
	var zero T
	resp, err := c.sendRequest(ctx, req)
	if err != nil {
		return zero, err
	}
	typed, ok := resp.(T)
	if !ok {
		if er, isErr := resp.(*dap.ErrorResponse); isErr {
			return zero, fmt.Errorf("%s failed: %s", req.GetRequest().Command, er.Message)
		}
		return zero, fmt.Errorf("unexpected response type: %T", resp)
	}
	if r := typed.GetResponse(); !r.Success {
		return zero, fmt.Errorf("%s failed: %s", r.Command, r.Message)
	}
	return typed, nil
}

func request(command string) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Type: "request"},
		Command:         command,
	}
}

// Initialize sends the initialize request
func (c *Client) Initialize(ctx context.Context, clientID, clientName string) (*dap.InitializeResponse, error) {
	req := &dap.InitializeRequest{
		Request: request("initialize"),
		Arguments: dap.InitializeRequestArguments{
			ClientID:                     clientID,
			ClientName:                   clientName,
			AdapterID:                    clientID,
			Locale:                       "en-US",
			LinesStartAt1:                true,
			ColumnsStartAt1:              true,
			PathFormat:                   "path",
			SupportsVariableType:         true,
			SupportsVariablePaging:       true,
			SupportsRunInTerminalRequest: false,
		},
	}

	resp, err := roundTrip[*dap.InitializeResponse](ctx, c, req)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.capabilities = resp.Body
	c.mu.Unlock()
	return resp, nil
}

// WaitInitialized waits for the initialized event
func (c *Client) WaitInitialized(ctx context.Context) error {
	select {
	case <-c.initialized:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for initialized event: %w", ctx.Err())
	case <-c.done:
		return ErrClosed
	}
}

// LaunchAsync sends a launch request without waiting for its response.
// debugpy answers launch only after configurationDone, so the caller
// configures breakpoints first and then calls WaitForLaunchResponse.
func (c *Client) LaunchAsync(args map[string]interface{}) (chan dap.Message, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal launch args: %w", err)
	}

	seq := c.transport.NextSeq()
	req := &dap.LaunchRequest{
		Request:   request("launch"),
		Arguments: argsJSON,
	}
	req.Seq = seq

	respCh := make(chan dap.Message, 1)
	c.mu.Lock()
	c.pendingRequests[seq] = respCh
	c.mu.Unlock()

	if err := c.transport.Send(req); err != nil {
		c.forget(seq)
		return nil, err
	}
	return respCh, nil
}

// WaitForLaunchResponse waits for the launch response on the channel
func (c *Client) WaitForLaunchResponse(ctx context.Context, respCh chan dap.Message) error {
	select {
	case resp := <-respCh:
		r, ok := resp.(dap.ResponseMessage)
		if !ok {
			return fmt.Errorf("unexpected response type: %T", resp)
		}
		if !r.GetResponse().Success {
			return fmt.Errorf("launch failed: %s", r.GetResponse().Message)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("launch response: %w", ctx.Err())
	case <-c.done:
		return ErrClosed
	}
}

// ConfigurationDone signals that configuration is complete
func (c *Client) ConfigurationDone(ctx context.Context) error {
	_, err := roundTrip[*dap.ConfigurationDoneResponse](ctx, c, &dap.ConfigurationDoneRequest{
		Request: request("configurationDone"),
	})
	return err
}

// Disconnect ends the debug session
func (c *Client) Disconnect(ctx context.Context, terminateDebuggee bool) error {
	_, err := roundTrip[*dap.DisconnectResponse](ctx, c, &dap.DisconnectRequest{
		Request:   request("disconnect"),
		Arguments: &dap.DisconnectArguments{TerminateDebuggee: terminateDebuggee},
	})
	return err
}

// Threads gets all threads
func (c *Client) Threads(ctx context.Context) ([]dap.Thread, error) {
	resp, err := roundTrip[*dap.ThreadsResponse](ctx, c, &dap.ThreadsRequest{
		Request: request("threads"),
	})
	if err != nil {
		return nil, err
	}
	return resp.Body.Threads, nil
}

// StackTrace gets the stack trace for a thread
func (c *Client) StackTrace(ctx context.Context, threadID, startFrame, levels int) ([]dap.StackFrame, int, error) {
	resp, err := roundTrip[*dap.StackTraceResponse](ctx, c, &dap.StackTraceRequest{
		Request: request("stackTrace"),
		Arguments: dap.StackTraceArguments{
			ThreadId:   threadID,
			StartFrame: startFrame,
			Levels:     levels,
		},
	})
	if err != nil {
		return nil, 0, err
	}
	return resp.Body.StackFrames, resp.Body.TotalFrames, nil
}

// Scopes gets the scopes for a stack frame
func (c *Client) Scopes(ctx context.Context, frameID int) ([]dap.Scope, error) {
	resp, err := roundTrip[*dap.ScopesResponse](ctx, c, &dap.ScopesRequest{
		Request:   request("scopes"),
		Arguments: dap.ScopesArguments{FrameId: frameID},
	})
	if err != nil {
		return nil, err
	}
	return resp.Body.Scopes, nil
}

// Variables gets variables for a reference; count 0 asks for all of them.
func (c *Client) Variables(ctx context.Context, variablesRef, start, count int) ([]dap.Variable, error) {
	args := dap.VariablesArguments{
		VariablesReference: variablesRef,
	}
	if start > 0 {
		args.Start = start
	}
	if count > 0 {
		args.Count = count
	}

	resp, err := roundTrip[*dap.VariablesResponse](ctx, c, &dap.VariablesRequest{
		Request:   request("variables"),
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}
	return resp.Body.Variables, nil
}

// Evaluate evaluates an expression
func (c *Client) Evaluate(ctx context.Context, expression string, frameID int, evalContext string) (*dap.EvaluateResponseBody, error) {
	resp, err := roundTrip[*dap.EvaluateResponse](ctx, c, &dap.EvaluateRequest{
		Request: request("evaluate"),
		Arguments: dap.EvaluateArguments{
			Expression: expression,
			FrameId:    frameID,
			Context:    evalContext,
		},
	})
	if err != nil {
		return nil, err
	}
	return &resp.Body, nil
}

// SetBreakpoints replaces the breakpoints of one source file
func (c *Client) SetBreakpoints(ctx context.Context, source dap.Source, breakpoints []dap.SourceBreakpoint) ([]dap.Breakpoint, error) {
	resp, err := roundTrip[*dap.SetBreakpointsResponse](ctx, c, &dap.SetBreakpointsRequest{
		Request: request("setBreakpoints"),
		Arguments: dap.SetBreakpointsArguments{
			Source:      source,
			Breakpoints: breakpoints,
		},
	})
	if err != nil {
		return nil, err
	}
	return resp.Body.Breakpoints, nil
}

// SetExceptionBreakpoints selects the exception filters the adapter stops on
func (c *Client) SetExceptionBreakpoints(ctx context.Context, filters []string) error {
	if filters == nil {
		filters = []string{}
	}
	_, err := roundTrip[*dap.SetExceptionBreakpointsResponse](ctx, c, &dap.SetExceptionBreakpointsRequest{
		Request:   request("setExceptionBreakpoints"),
		Arguments: dap.SetExceptionBreakpointsArguments{Filters: filters},
	})
	return err
}

// SetFunctionBreakpoints replaces all function breakpoints
func (c *Client) SetFunctionBreakpoints(ctx context.Context, names []string) ([]dap.Breakpoint, error) {
	bps := make([]dap.FunctionBreakpoint, 0, len(names))
	for _, name := range names {
		bps = append(bps, dap.FunctionBreakpoint{Name: name})
	}
	resp, err := roundTrip[*dap.SetFunctionBreakpointsResponse](ctx, c, &dap.SetFunctionBreakpointsRequest{
		Request:   request("setFunctionBreakpoints"),
		Arguments: dap.SetFunctionBreakpointsArguments{Breakpoints: bps},
	})
	if err != nil {
		return nil, err
	}
	return resp.Body.Breakpoints, nil
}

// ExceptionInfo describes the exception a thread stopped on
func (c *Client) ExceptionInfo(ctx context.Context, threadID int) (*dap.ExceptionInfoResponseBody, error) {
	resp, err := roundTrip[*dap.ExceptionInfoResponse](ctx, c, &dap.ExceptionInfoRequest{
		Request:   request("exceptionInfo"),
		Arguments: dap.ExceptionInfoArguments{ThreadId: threadID},
	})
	if err != nil {
		return nil, err
	}
	return &resp.Body, nil
}

// Continue continues execution
func (c *Client) Continue(ctx context.Context, threadID int) error {
	_, err := roundTrip[*dap.ContinueResponse](ctx, c, &dap.ContinueRequest{
		Request:   request("continue"),
		Arguments: dap.ContinueArguments{ThreadId: threadID},
	})
	return err
}

// Next steps over
func (c *Client) Next(ctx context.Context, threadID int) error {
	_, err := roundTrip[*dap.NextResponse](ctx, c, &dap.NextRequest{
		Request:   request("next"),
		Arguments: dap.NextArguments{ThreadId: threadID},
	})
	return err
}

// StepIn steps into
func (c *Client) StepIn(ctx context.Context, threadID int) error {
	_, err := roundTrip[*dap.StepInResponse](ctx, c, &dap.StepInRequest{
		Request:   request("stepIn"),
		Arguments: dap.StepInArguments{ThreadId: threadID},
	})
	return err
}

// StepOut steps out
func (c *Client) StepOut(ctx context.Context, threadID int) error {
	_, err := roundTrip[*dap.StepOutResponse](ctx, c, &dap.StepOutRequest{
		Request:   request("stepOut"),
		Arguments: dap.StepOutArguments{ThreadId: threadID},
	})
	return err
}

// Pause pauses execution
func (c *Client) Pause(ctx context.Context, threadID int) error {
	_, err := roundTrip[*dap.PauseResponse](ctx, c, &dap.PauseRequest{
		Request:   request("pause"),
		Arguments: dap.PauseArguments{ThreadId: threadID},
	})
	return err
}

// Capabilities returns the capabilities from the initialize response
func (c *Client) Capabilities() dap.Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities
}

// Close shuts down the client
func (c *Client) Close() error {
	err := c.transport.Close()
	c.wg.Wait()
	return err
}
