package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	jsonrpc "github.com/felixgeelhaar/mcp-go/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/mcphost/internal/application/dto"
	apperrors "github.com/reglet-dev/mcphost/internal/application/errors"
	"github.com/reglet-dev/mcphost/internal/domain/protocol"
)

type handlerFunc func(ctx context.Context, req *dto.Request) (*dto.Response, error)

func (f handlerFunc) Handle(ctx context.Context, req *dto.Request) (*dto.Response, error) {
	return f(ctx, req)
}

// wireMessage is any message the server writes.
type wireMessage struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int        `json:"code"`
		Message string     `json:"message"`
		Data    *errorData `json:"data"`
	} `json:"error"`
}

type testClient struct {
	w        io.Writer
	messages chan *wireMessage
}

func (c *testClient) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = c.w.Write(append(data, '\n'))
	require.NoError(t, err)
}

func (c *testClient) request(t *testing.T, id int, method string, params any) {
	t.Helper()
	msg := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		msg["params"] = params
	}
	c.send(t, msg)
}

func (c *testClient) next(t *testing.T) *wireMessage {
	t.Helper()
	select {
	case m := <-c.messages:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server message")
		return nil
	}
}

func startServer(t *testing.T, h Handler) (*Server, *testClient) {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	srv := NewServer(h, inR, outW)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	c := &testClient{w: inW, messages: make(chan *wireMessage, 64)}
	go func() {
		scanner := bufio.NewScanner(outR)
		for scanner.Scan() {
			var m wireMessage
			if json.Unmarshal(scanner.Bytes(), &m) == nil {
				c.messages <- &m
			}
		}
	}()

	t.Cleanup(func() {
		_ = inW.Close()
		cancel()
		<-done
		_ = outR.Close()
		_ = outW.Close()
	})
	return srv, c
}

func noHandler(t *testing.T) Handler {
	return handlerFunc(func(context.Context, *dto.Request) (*dto.Response, error) {
		t.Error("handler should not be called")
		return nil, nil
	})
}

func TestServer_Initialize(t *testing.T) {
	_, c := startServer(t, noHandler(t))

	c.request(t, 1, "initialize", map[string]any{
		"protocolVersion": "2025-03-26",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]string{"name": "test", "version": "1.0"},
	})
	resp := c.next(t)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `1`, string(resp.ID))

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
		Capabilities map[string]json.RawMessage `json:"capabilities"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "2025-03-26", result.ProtocolVersion)
	assert.Equal(t, "mcphost", result.ServerInfo.Name)
	assert.Contains(t, result.Capabilities, "tools")
}

func TestServer_Ping(t *testing.T) {
	_, c := startServer(t, noHandler(t))
	c.request(t, 7, "ping", nil)
	resp := c.next(t)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{}`, string(resp.Result))
}

func TestServer_ToolsCall(t *testing.T) {
	var got *dto.Request
	h := handlerFunc(func(_ context.Context, req *dto.Request) (*dto.Response, error) {
		got = req
		return &dto.Response{Result: json.RawMessage(`{"content":[{"type":"text","text":"hi"}]}`)}, nil
	})
	_, c := startServer(t, h)

	c.request(t, 2, "tools/call", map[string]any{"name": "echo::say", "arguments": map[string]string{"text": "hi"}})
	resp := c.next(t)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"content":[{"type":"text","text":"hi"}]}`, string(resp.Result))

	require.NotNil(t, got)
	assert.Equal(t, dto.OpCallTool, got.Operation)
	assert.Equal(t, "echo::say", got.Target)
	assert.JSONEq(t, `{"text":"hi"}`, string(got.Arguments))
	assert.Equal(t, "2", got.Metadata.RequestID)
}

func TestServer_ToolErrorIsResult(t *testing.T) {
	h := handlerFunc(func(context.Context, *dto.Request) (*dto.Response, error) {
		return &dto.Response{
			Result:  json.RawMessage(`{"content":[{"type":"text","text":"boom"}],"isError":true}`),
			IsError: true,
			Class:   dto.ClassToolError,
		}, apperrors.NewToolError("echo", "echo::say")
	})
	_, c := startServer(t, h)

	c.request(t, 3, "tools/call", map[string]any{"name": "echo::say"})
	resp := c.next(t)
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), `"isError":true`)
}

func TestServer_UnknownToolIsInvalidParams(t *testing.T) {
	h := handlerFunc(func(context.Context, *dto.Request) (*dto.Response, error) {
		return &dto.Response{IsError: true, Class: dto.ClassToolNotFound},
			apperrors.NewUnknownTargetError("nope::tool", "no plugin named nope")
	})
	_, c := startServer(t, h)

	c.request(t, 4, "tools/call", map[string]any{"name": "nope::tool"})
	resp := c.next(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
	require.NotNil(t, resp.Error.Data)
	assert.Equal(t, string(apperrors.KindUnknownTarget), resp.Error.Data.Kind)
}

func TestServer_ResourceReadFailureIsInternal(t *testing.T) {
	var got *dto.Request
	h := handlerFunc(func(_ context.Context, req *dto.Request) (*dto.Response, error) {
		got = req
		return &dto.Response{IsError: true, Class: dto.ClassPluginUnavailable},
			apperrors.NewPluginFaultError("files", "read_resource", assert.AnError)
	})
	_, c := startServer(t, h)

	c.request(t, 5, "resources/read", map[string]string{"uri": "file:///etc/motd"})
	resp := c.next(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInternalError, resp.Error.Code)
	assert.Equal(t, string(apperrors.KindPluginFault), resp.Error.Data.Kind)
	assert.Equal(t, string(dto.ClassPluginUnavailable), resp.Error.Data.Class)
	assert.Equal(t, dto.OpReadResource, got.Operation)
	assert.Equal(t, "file:///etc/motd", got.Target)
}

func TestServer_MethodNotFound(t *testing.T) {
	_, c := startServer(t, noHandler(t))
	c.request(t, 6, "sampling/createMessage", map[string]any{})
	resp := c.next(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)
}

func TestServer_ParseError(t *testing.T) {
	_, c := startServer(t, noHandler(t))
	_, err := c.w.Write([]byte("{not json\n"))
	require.NoError(t, err)
	resp := c.next(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeParseError, resp.Error.Code)

	c.request(t, 2, "ping", nil)
	assert.Nil(t, c.next(t).Error)
}

func TestServer_WrongVersionIsInvalidRequest(t *testing.T) {
	_, c := startServer(t, noHandler(t))
	c.send(t, map[string]any{"jsonrpc": "1.0", "id": 3, "method": "ping"})
	resp := c.next(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidRequest, resp.Error.Code)
	assert.JSONEq(t, `3`, string(resp.ID))
}

func TestServer_OversizedRequestIsRejected(t *testing.T) {
	_, c := startServer(t, noHandler(t))

	c.request(t, 11, "tools/call", map[string]any{
		"name":      "echo::say",
		"arguments": map[string]string{"text": strings.Repeat("x", 70*1024)},
	})
	resp := c.next(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidRequest, resp.Error.Code)
	assert.JSONEq(t, `11`, string(resp.ID))

	c.request(t, 12, "ping", nil)
	next := c.next(t)
	assert.Nil(t, next.Error)
	assert.JSONEq(t, `12`, string(next.ID))
}

func TestServer_SlowRequestDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	h := handlerFunc(func(ctx context.Context, req *dto.Request) (*dto.Response, error) {
		if req.Target == "slow::wait" {
			<-release
		}
		return &dto.Response{Result: json.RawMessage(`{"content":[]}`)}, nil
	})
	_, c := startServer(t, h)

	c.request(t, 1, "tools/call", map[string]any{"name": "slow::wait"})
	c.request(t, 2, "tools/call", map[string]any{"name": "fast::go"})
	first := c.next(t)
	assert.JSONEq(t, `2`, string(first.ID))

	close(release)
	second := c.next(t)
	assert.JSONEq(t, `1`, string(second.ID))
}

func TestServer_CancelledNotificationCancelsRequest(t *testing.T) {
	started := make(chan struct{})
	h := handlerFunc(func(ctx context.Context, _ *dto.Request) (*dto.Response, error) {
		close(started)
		<-ctx.Done()
		return &dto.Response{IsError: true}, apperrors.NewTimeoutError("slow", "list_tools", ctx.Err())
	})
	_, c := startServer(t, h)

	c.request(t, 9, "tools/list", nil)
	<-started
	c.send(t, map[string]any{
		"jsonrpc": "2.0",
		"method":  "notifications/cancelled",
		"params":  map[string]any{"requestId": 9},
	})
	resp := c.next(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(apperrors.KindTimeout), resp.Error.Data.Kind)
}

func TestServer_RootsListChangedReachesHandler(t *testing.T) {
	var (
		mu  sync.Mutex
		ops []dto.Operation
	)
	seen := make(chan struct{}, 1)
	h := handlerFunc(func(_ context.Context, req *dto.Request) (*dto.Response, error) {
		mu.Lock()
		ops = append(ops, req.Operation)
		mu.Unlock()
		seen <- struct{}{}
		return &dto.Response{}, nil
	})
	_, c := startServer(t, h)

	c.send(t, map[string]any{"jsonrpc": "2.0", "method": "notifications/roots/list_changed"})
	select {
	case <-seen:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []dto.Operation{dto.OpRootsListChanged}, ops)
}

func TestServer_LogRespectsClientLevel(t *testing.T) {
	srv, c := startServer(t, noHandler(t))

	c.request(t, 1, "logging/setLevel", map[string]string{"level": "warning"})
	require.Nil(t, c.next(t).Error)

	ctx := context.Background()
	require.NoError(t, srv.Log(ctx, protocol.LogNotification{Level: protocol.LevelInfo, Data: json.RawMessage(`"quiet"`)}))
	require.NoError(t, srv.Log(ctx, protocol.LogNotification{Level: protocol.LevelError, Logger: "alpha", Data: json.RawMessage(`"loud"`)}))

	msg := c.next(t)
	assert.Equal(t, "notifications/message", msg.Method)
	assert.JSONEq(t, `{"level":"error","logger":"alpha","data":"loud"}`, string(msg.Params))
}

func TestServer_NotifyListChanged(t *testing.T) {
	srv, c := startServer(t, noHandler(t))

	require.NoError(t, srv.NotifyListChanged(context.Background(), protocol.ListResources))
	assert.Equal(t, "notifications/resources/list_changed", c.next(t).Method)

	assert.Error(t, srv.NotifyListChanged(context.Background(), protocol.ListKind("widgets")))
}

func TestServer_ListRootsWithoutCapability(t *testing.T) {
	srv, _ := startServer(t, noHandler(t))
	roots, err := srv.ListRoots(context.Background())
	require.NoError(t, err)
	assert.Empty(t, roots)
}

func TestServer_ListRootsAsksClient(t *testing.T) {
	srv, c := startServer(t, noHandler(t))
	c.request(t, 1, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{"roots": map[string]bool{"listChanged": true}},
	})
	require.Nil(t, c.next(t).Error)

	type answer struct {
		roots []protocol.Root
		err   error
	}
	done := make(chan answer, 1)
	go func() {
		roots, err := srv.ListRoots(context.Background())
		done <- answer{roots, err}
	}()

	req := c.next(t)
	require.Equal(t, "roots/list", req.Method)
	c.send(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"result":  map[string]any{"roots": []map[string]string{{"uri": "file:///work", "name": "work"}}},
	})

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, []protocol.Root{{URI: "file:///work", Name: "work"}}, got.roots)
}

func TestServer_ElicitRequiresCapability(t *testing.T) {
	srv, _ := startServer(t, noHandler(t))
	_, err := srv.Elicit(context.Background(), "name?", nil)
	assert.ErrorIs(t, err, errNoElicitation)
}

func TestServer_ElicitReturnsAnswer(t *testing.T) {
	srv, c := startServer(t, noHandler(t))
	c.request(t, 1, "initialize", map[string]any{
		"capabilities": map[string]any{"elicitation": map[string]any{}},
	})
	require.Nil(t, c.next(t).Error)

	done := make(chan *protocol.ElicitResult, 1)
	go func() {
		res, err := srv.Elicit(context.Background(), "name?", json.RawMessage(`{"type":"object"}`))
		assert.NoError(t, err)
		done <- res
	}()

	req := c.next(t)
	require.Equal(t, "elicitation/create", req.Method)
	assert.Contains(t, string(req.Params), `"message":"name?"`)
	c.send(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"result":  map[string]any{"action": "accept", "content": map[string]string{"name": "ada"}},
	})

	res := <-done
	require.NotNil(t, res)
	assert.Equal(t, "accept", res.Action)
	assert.JSONEq(t, `{"name":"ada"}`, string(res.Content))
}

func TestToRPCError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"invalid arguments", apperrors.NewInvalidArgumentsError("p", "p::t", assert.AnError), jsonrpc.CodeInvalidParams},
		{"unknown target", apperrors.NewUnknownTargetError("x", "missing"), jsonrpc.CodeInvalidParams},
		{"pool exhausted", apperrors.NewPoolExhaustedError("p", time.Second), jsonrpc.CodeInternalError},
		{"plain", assert.AnError, jsonrpc.CodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, toRPCError(tt.err, "").Code)
		})
	}
}
