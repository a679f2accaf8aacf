package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	jsonrpc "github.com/felixgeelhaar/mcp-go/protocol"
	mcptransport "github.com/felixgeelhaar/mcp-go/transport"

	"github.com/reglet-dev/mcphost/internal/application/dto"
	"github.com/reglet-dev/mcphost/internal/domain/execution"
	"github.com/reglet-dev/mcphost/internal/domain/protocol"
	"github.com/reglet-dev/mcphost/internal/version"
)

// ProtocolVersion is the newest protocol revision this server speaks.
const ProtocolVersion = "2025-06-18"

// maxMessageSize bounds one inbound line.
const maxMessageSize = 16 << 20

// maxForwardedSize is the longest line the stdio transport's scanner accepts.
const maxForwardedSize = bufio.MaxScanTokenSize - 1

var _ mcptransport.Handler = (*Server)(nil)

// Handler dispatches protocol requests; the router implements it.
type Handler interface {
	Handle(ctx context.Context, req *dto.Request) (*dto.Response, error)
}

// Server serves Handler over the mcp-go stdio transport. Router requests
// run in their own goroutines so cancellations and client replies keep
// flowing while a call is in progress.
type Server struct {
	handler Handler
	in      io.Reader
	out     io.Writer
	logger  *slog.Logger

	stdio *mcptransport.Stdio
	pipeR *io.PipeReader
	pipeW *io.PipeWriter

	writeMu sync.Mutex

	mu         sync.Mutex
	inflight   map[string]context.CancelFunc
	pending    map[string]chan *clientReply
	clientCaps clientCapabilities
	logLevel   protocol.LogLevel

	nextID atomic.Int64
	wg     sync.WaitGroup
}

type clientCapabilities struct {
	Roots       *json.RawMessage `json:"roots,omitempty"`
	Elicitation *json.RawMessage `json:"elicitation,omitempty"`
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a server reading requests from in and writing to out.
// A Server serves once.
func NewServer(handler Handler, in io.Reader, out io.Writer, opts ...Option) *Server {
	s := &Server{
		handler:  handler,
		in:       in,
		out:      out,
		logger:   slog.Default(),
		inflight: make(map[string]context.CancelFunc),
		pending:  make(map[string]chan *clientReply),
		logLevel: protocol.LevelInfo,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pipeR, s.pipeW = io.Pipe()
	s.stdio = mcptransport.NewStdio(
		mcptransport.WithStdin(s.pipeR),
		mcptransport.WithStdout(&lineWriter{s: s}))
	return s
}

// Serve reads messages until in is exhausted or ctx is done, then waits
// for in-flight requests to finish.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		_ = s.pipeR.Close()
		s.wg.Wait()
		s.failPending()
	}()

	go s.demux()

	if err := s.stdio.Serve(ctx, s); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read stdin: %w", err)
	}
	return nil
}

// demux hands client replies to waiting calls and forwards everything else
// to the stdio transport.
func (s *Server) demux() {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var reply clientReply
		if json.Unmarshal(line, &reply) == nil && reply.isReply() {
			s.deliver(&reply)
			continue
		}
		if len(line) > maxForwardedSize {
			s.rejectOversized(&reply, len(line))
			continue
		}
		forwarded := make([]byte, 0, len(line)+1)
		forwarded = append(append(forwarded, line...), '\n')
		if _, err := s.pipeW.Write(forwarded); err != nil {
			return
		}
	}
	_ = s.pipeW.CloseWithError(scanner.Err())
}

func (s *Server) rejectOversized(msg *clientReply, size int) {
	if msg.Method != "" && len(msg.ID) == 0 {
		s.logger.Warn("dropping oversized notification", "method", msg.Method, "bytes", size)
		return
	}
	id := msg.ID
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	_ = s.writeMessage(jsonrpc.NewErrorResponse(id,
		jsonrpc.NewInvalidRequest(fmt.Sprintf("message of %d bytes exceeds the %d byte limit", size, maxForwardedSize))))
}

// HandleRequest implements the mcp-go transport handler. Session methods
// answer inline; router methods answer asynchronously.
func (s *Server) HandleRequest(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if req.JSONRPC != jsonrpc.JSONRPCVersion {
		if req.IsNotification() {
			return nil, nil
		}
		return nil, jsonrpc.NewInvalidRequest("unsupported jsonrpc version")
	}
	if req.IsNotification() {
		s.handleNotification(ctx, req)
		return nil, nil
	}

	switch req.Method {
	case jsonrpc.MethodInitialize:
		result, rpcErr := s.initialize(req.Params)
		if rpcErr != nil {
			return nil, rpcErr
		}
		return jsonrpc.NewResponse(req.ID, result), nil
	case jsonrpc.MethodPing:
		return jsonrpc.NewResponse(req.ID, struct{}{}), nil
	case jsonrpc.MethodLoggingSetLevel:
		var params struct {
			Level protocol.LogLevel `json:"level"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, invalidParams(err)
		}
		s.mu.Lock()
		s.logLevel = params.Level
		s.mu.Unlock()
		return jsonrpc.NewResponse(req.ID, struct{}{}), nil
	}

	s.start(ctx, req)
	return nil, nil
}

// start runs a router request in the background and writes its response.
func (s *Server) start(ctx context.Context, req *jsonrpc.Request) {
	reqCtx, cancel := context.WithCancel(ctx)
	key := string(req.ID)
	s.mu.Lock()
	s.inflight[key] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, key)
			s.mu.Unlock()
			cancel()
		}()
		result, rpcErr := s.handleRequest(reqCtx, req)
		if rpcErr != nil {
			_ = s.writeMessage(jsonrpc.NewErrorResponse(req.ID, rpcErr))
			return
		}
		_ = s.writeMessage(jsonrpc.NewResponse(req.ID, result))
	}()
}

func (s *Server) handleNotification(ctx context.Context, req *jsonrpc.Request) {
	switch req.Method {
	case jsonrpc.MethodInitialized:
	case jsonrpc.MethodCancelled:
		var params struct {
			RequestID json.RawMessage `json:"requestId"`
		}
		if json.Unmarshal(req.Params, &params) == nil {
			s.mu.Lock()
			cancel := s.inflight[string(params.RequestID)]
			s.mu.Unlock()
			if cancel != nil {
				cancel()
			}
		}
	case jsonrpc.MethodRootsListChanged:
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ctx := execution.WithCallContext(ctx, execution.NewCallContext())
			_, _ = s.handler.Handle(ctx, &dto.Request{Operation: dto.OpRootsListChanged})
		}()
	default:
		s.logger.Debug("ignoring notification", "method", req.Method)
	}
}

func (s *Server) handleRequest(ctx context.Context, msg *jsonrpc.Request) (json.RawMessage, *jsonrpc.Error) {
	req, rpcErr := toRequest(msg)
	if rpcErr != nil {
		return nil, rpcErr
	}
	req.Metadata.RequestID = string(msg.ID)
	ctx = execution.WithCallContext(ctx, execution.NewCallContext())

	resp, err := s.handler.Handle(ctx, req)
	if req.Operation == dto.OpCallTool && resp != nil && resp.Class != dto.ClassToolNotFound && len(resp.Result) > 0 {
		// Tool failures are results with isError set, not protocol errors.
		return resp.Result, nil
	}
	if err != nil {
		class := ""
		if resp != nil {
			class = string(resp.Class)
		}
		return nil, toRPCError(err, class)
	}
	if len(resp.Metadata.Warnings) > 0 {
		s.logger.Warn("partial listing", "method", msg.Method, "omitted", resp.Metadata.Warnings)
	}
	if len(resp.Result) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return resp.Result, nil
}

// toRequest maps a protocol method onto a router request.
func toRequest(msg *jsonrpc.Request) (*dto.Request, *jsonrpc.Error) {
	var named struct {
		Name      string          `json:"name"`
		URI       string          `json:"uri"`
		Arguments json.RawMessage `json:"arguments"`
	}
	decode := func() *jsonrpc.Error {
		if len(msg.Params) == 0 {
			return nil
		}
		if err := json.Unmarshal(msg.Params, &named); err != nil {
			return invalidParams(err)
		}
		return nil
	}

	switch msg.Method {
	case jsonrpc.MethodToolsList:
		return &dto.Request{Operation: dto.OpListTools}, nil
	case jsonrpc.MethodResourcesList:
		return &dto.Request{Operation: dto.OpListResources}, nil
	case jsonrpc.MethodResourcesTemplatesList:
		return &dto.Request{Operation: dto.OpListResourceTemplates}, nil
	case jsonrpc.MethodPromptsList:
		return &dto.Request{Operation: dto.OpListPrompts}, nil
	case jsonrpc.MethodToolsCall:
		if err := decode(); err != nil {
			return nil, err
		}
		return &dto.Request{Operation: dto.OpCallTool, Target: named.Name, Arguments: named.Arguments}, nil
	case jsonrpc.MethodPromptsGet:
		if err := decode(); err != nil {
			return nil, err
		}
		return &dto.Request{Operation: dto.OpGetPrompt, Target: named.Name, Arguments: named.Arguments}, nil
	case jsonrpc.MethodResourcesRead:
		if err := decode(); err != nil {
			return nil, err
		}
		return &dto.Request{Operation: dto.OpReadResource, Target: named.URI}, nil
	case jsonrpc.MethodCompletionComplete:
		return &dto.Request{Operation: dto.OpComplete, Arguments: msg.Params}, nil
	default:
		return nil, jsonrpc.NewMethodNotFound("method not found: " + msg.Method)
	}
}

func (s *Server) initialize(raw json.RawMessage) (json.RawMessage, *jsonrpc.Error) {
	var params struct {
		ProtocolVersion string             `json:"protocolVersion"`
		Capabilities    clientCapabilities `json:"capabilities"`
		ClientInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"clientInfo"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, invalidParams(err)
		}
	}
	s.mu.Lock()
	s.clientCaps = params.Capabilities
	s.mu.Unlock()
	s.logger.Info("client connected", "client", params.ClientInfo.Name, "client_version", params.ClientInfo.Version,
		"protocol_version", params.ProtocolVersion)

	negotiated := params.ProtocolVersion
	if negotiated == "" {
		negotiated = ProtocolVersion
	}
	result, _ := json.Marshal(map[string]any{
		"protocolVersion": negotiated,
		"capabilities": map[string]any{
			"tools":       map[string]bool{"listChanged": true},
			"resources":   map[string]bool{"listChanged": true},
			"prompts":     map[string]bool{"listChanged": true},
			"logging":     struct{}{},
			"completions": struct{}{},
		},
		"serverInfo": map[string]string{"name": "mcphost", "version": version.Get().Version},
	})
	return result, nil
}

// call sends a server-to-client request and waits for the answer.
func (s *Server) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	id := json.RawMessage(strconv.Quote("mcphost-" + strconv.FormatInt(s.nextID.Add(1), 10)))
	ch := make(chan *clientReply, 1)

	s.mu.Lock()
	s.pending[string(id)] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, string(id))
		s.mu.Unlock()
	}()

	if err := s.writeMessage(&jsonrpc.Request{JSONRPC: jsonrpc.JSONRPCVersion, ID: id, Method: method, Params: raw}); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply, ok := <-ch:
		if !ok {
			return nil, errClosed
		}
		if reply.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, reply.Error)
		}
		return reply.Result, nil
	}
}

func (s *Server) deliver(reply *clientReply) {
	s.mu.Lock()
	ch := s.pending[string(reply.ID)]
	delete(s.pending, string(reply.ID))
	s.mu.Unlock()
	if ch == nil {
		s.logger.Debug("dropping response to unknown request", "id", string(reply.ID))
		return
	}
	ch <- reply
}

func (s *Server) failPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
}

func (s *Server) notify(method string, params any) error {
	return s.stdio.SendNotification(method, params)
}

func (s *Server) writeMessage(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		s.logger.Error("failed to write message", "error", err)
		return err
	}
	return nil
}

// lineWriter is the stdio transport's stdout. It emits only whole lines so
// the transport's writes never interleave with the server's own.
type lineWriter struct {
	s   *Server
	buf []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.s.writeMu.Lock()
	defer w.s.writeMu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			return len(p), nil
		}
		if _, err := w.s.out.Write(w.buf[:i+1]); err != nil {
			w.buf = w.buf[:0]
			return 0, err
		}
		w.buf = append(w.buf[:0], w.buf[i+1:]...)
	}
}
