// Package jsonrpc implements the framed JSON-RPC 2.0 connection used
// to speak to protocol backends over their standard I/O pipes.
//
// Messages are framed with Content-Length headers per the Language
// Server Protocol base convention. The connection owns a single read
// loop; responses correlate to requests by id and may arrive out of
// order, notifications dispatch to registered handlers, and
// server-initiated requests are answered through request handlers or
// the fallback.
package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrConnClosed is returned for operations on a closed connection.
var ErrConnClosed = errors.New("jsonrpc connection closed")

// NotificationHandler handles an incoming notification.
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler handles an incoming server-initiated request and
// returns the result to send back, or an error.
type RequestHandler func(method string, params json.RawMessage) (any, error)

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes, plus the LSP extensions backends use.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeServerNotInitialized = -32002
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
)

// request is an outgoing JSON-RPC message: a request, a notification,
// or a reply to a server-initiated request.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method,omitempty"`
	Params  any    `json:"params,omitempty"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// response is an incoming reply to one of our requests.
type response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Conn is a framed bidirectional JSON-RPC connection.
// Safe for concurrent use.
type Conn struct {
	reader *bufio.Reader

	writeMu sync.Mutex
	writer  io.Writer

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan *response

	handlerMu sync.RWMutex
	notifs    map[string]NotificationHandler
	requests  map[string]RequestHandler
	fallback  func(method string, hasID bool)

	closed    atomic.Bool
	done      chan struct{}
	closeErr  error
	closeOnce sync.Once
}

// NewConn creates a connection over the given pipes. Call Start to
// begin the read loop; register handlers first so messages the backend
// emits immediately after spawn are not dropped.
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{
		reader:   bufio.NewReaderSize(r, 64*1024),
		writer:   w,
		pending:  make(map[int64]chan *response),
		notifs:   make(map[string]NotificationHandler),
		requests: make(map[string]RequestHandler),
		done:     make(chan struct{}),
	}
}

// Start begins reading messages in a background goroutine.
func (c *Conn) Start() {
	go c.readLoop()
}

// Done returns a channel closed when the connection shuts down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether the connection has shut down.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// Err returns the cause the connection closed with, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close shuts the connection down. Pending calls fail with cause when
// non-nil, otherwise with ErrConnClosed.
func (c *Conn) Close(cause error) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.mu.Lock()
		c.closeErr = cause
		// Waiters select on done and read the cause afterwards; the
		// pending channels are abandoned rather than closed to avoid
		// racing handleResponse.
		c.pending = make(map[int64]chan *response)
		c.mu.Unlock()

		close(c.done)
	})
}

// Call sends a request and blocks until its response arrives, the
// context expires, or the connection closes.
func (c *Conn) Call(ctx context.Context, method string, params any, result any) error {
	if c.closed.Load() {
		return c.causeOr(ErrConnClosed)
	}

	id := c.nextID.Add(1)
	ch := make(chan *response, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(&request{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.causeOr(ErrConnClosed)
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 && string(resp.Result) != "null" {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal %s result: %w", method, err)
			}
		}
		return nil
	}
}

// CallRaw is Call with the raw result bytes returned, for callers that
// inspect the response without a schema.
func (c *Conn) CallRaw(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.Call(ctx, method, params, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Notify sends a notification. No response is expected or correlated.
func (c *Conn) Notify(method string, params any) error {
	if c.closed.Load() {
		return c.causeOr(ErrConnClosed)
	}
	return c.write(&request{JSONRPC: "2.0", Method: method, Params: params})
}

// OnNotification registers a handler for a notification method.
func (c *Conn) OnNotification(method string, handler NotificationHandler) {
	c.handlerMu.Lock()
	c.notifs[method] = handler
	c.handlerMu.Unlock()
}

// OnRequest registers a handler for a server-initiated request method.
func (c *Conn) OnRequest(method string, handler RequestHandler) {
	c.handlerMu.Lock()
	c.requests[method] = handler
	c.handlerMu.Unlock()
}

// SetFallback registers an observer for methods with no handler.
// Unhandled requests are still answered (with an empty result) so
// chatty backends never see a protocol error; the fallback exists for
// logging.
func (c *Conn) SetFallback(fn func(method string, hasID bool)) {
	c.handlerMu.Lock()
	c.fallback = fn
	c.handlerMu.Unlock()
}

func (c *Conn) causeOr(def error) error {
	if err := c.Err(); err != nil {
		return err
	}
	return def
}

// write frames and sends one message.
func (c *Conn) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := fmt.Fprintf(c.writer, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// readLoop reads and dispatches messages until the stream ends.
func (c *Conn) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		msg, err := c.readMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.ErrUnexpectedEOF) {
				c.Close(nil)
				return
			}
			// Malformed frame; skip and keep reading.
			continue
		}
		c.dispatch(msg)
	}
}

// readMessage reads one Content-Length framed message.
func (c *Conn) readMessage() (json.RawMessage, error) {
	var contentLength int
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if after, ok := strings.CutPrefix(strings.ToLower(line), "content-length:"); ok {
			n, err := strconv.Atoi(strings.TrimSpace(after))
			if err != nil {
				return nil, fmt.Errorf("bad Content-Length: %w", err)
			}
			contentLength = n
		}
		// Content-Type and unknown headers are ignored.
	}

	if contentLength <= 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return nil, err
	}
	return body, nil
}

// dispatch routes one incoming message.
func (c *Conn) dispatch(data json.RawMessage) {
	var probe struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return
	}

	switch {
	case probe.ID != nil && probe.Method == "":
		// Response to one of our requests.
		c.handleResponse(&response{ID: *probe.ID, Result: probe.Result, Error: probe.Error})

	case probe.ID != nil:
		// Server-initiated request.
		var params struct {
			Params json.RawMessage `json:"params"`
		}
		_ = json.Unmarshal(data, &params)
		go c.handleRequest(*probe.ID, probe.Method, params.Params)

	case probe.Method != "":
		var params struct {
			Params json.RawMessage `json:"params"`
		}
		_ = json.Unmarshal(data, &params)
		c.handleNotification(probe.Method, params.Params)
	}
}

// handleResponse hands a response to its waiting caller.
func (c *Conn) handleResponse(resp *response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if ok {
		ch <- resp
	}
}

// handleRequest answers a server-initiated request. Requests with no
// registered handler get an empty success result, which keeps chatty
// backends from treating us as broken.
func (c *Conn) handleRequest(id int64, method string, params json.RawMessage) {
	c.handlerMu.RLock()
	handler := c.requests[method]
	fallback := c.fallback
	c.handlerMu.RUnlock()

	if handler == nil {
		if fallback != nil {
			fallback(method, true)
		}
		_ = c.write(&request{JSONRPC: "2.0", ID: &id, Result: json.RawMessage("null")})
		return
	}

	result, err := handler(method, params)
	if err != nil {
		rpcErr, ok := err.(*Error)
		if !ok {
			rpcErr = &Error{Code: CodeInternalError, Message: err.Error()}
		}
		_ = c.write(&request{JSONRPC: "2.0", ID: &id, Error: rpcErr})
		return
	}
	if result == nil {
		result = json.RawMessage("null")
	}
	_ = c.write(&request{JSONRPC: "2.0", ID: &id, Result: result})
}

// handleNotification hands a notification to its handler, if any.
// Handlers run on their own goroutine so a slow consumer cannot stall
// the read loop.
func (c *Conn) handleNotification(method string, params json.RawMessage) {
	c.handlerMu.RLock()
	handler := c.notifs[method]
	fallback := c.fallback
	c.handlerMu.RUnlock()

	if handler == nil {
		if fallback != nil {
			fallback(method, false)
		}
		return
	}
	go handler(method, params)
}
