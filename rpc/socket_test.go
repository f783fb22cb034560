package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hpool-dev/ironfish/logging"
)

// socketClient wraps a framed client connection for tests.
type socketClient struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func dialSocket(t *testing.T, network, address string) *socketClient {
	t.Helper()

	conn, err := net.Dial(network, address)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &socketClient{conn: conn, scanner: scanner}
}

func (c *socketClient) send(t *testing.T, frame string) {
	t.Helper()
	_, err := c.conn.Write([]byte(frame + "\n"))
	require.NoError(t, err)
}

func (c *socketClient) readEnvelope(t *testing.T) Envelope {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.True(t, c.scanner.Scan(), "expected a frame, got %v", c.scanner.Err())

	var env Envelope
	require.NoError(t, json.Unmarshal(c.scanner.Bytes(), &env))
	return env
}

func (c *socketClient) readResponse(t *testing.T) ResponseMessage {
	t.Helper()
	env := c.readEnvelope(t)
	require.Equal(t, KindMessage, env.Type)

	var resp ResponseMessage
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	return resp
}

func (c *socketClient) readStream(t *testing.T) StreamMessage {
	t.Helper()
	env := c.readEnvelope(t)
	require.Equal(t, KindStream, env.Type)

	var stream StreamMessage
	require.NoError(t, json.Unmarshal(env.Data, &stream))
	return stream
}

// echoRouter responds 200 with the request's own parameters.
func echoRouter() Router {
	return RouterFunc(func(ctx context.Context, route string, req *Request) error {
		return req.Respond(http.StatusOK, map[string]any{
			"route":  route,
			"params": req.Params(),
		})
	})
}

func startSocketListener(t *testing.T, cfg SocketConfig, deps Deps) *SocketListener {
	t.Helper()

	l := NewSocketListener(cfg, deps)
	require.NoError(t, l.Start())
	t.Cleanup(func() { l.Stop() })
	return l
}

func TestSocketListener_RequestResponse(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "rpc.sock")
	l := startSocketListener(t, SocketConfig{Network: "unix", Address: sock}, Deps{Router: echoRouter()})
	require.True(t, l.IsRunning())

	client := dialSocket(t, "unix", sock)
	client.send(t, `{"mid":1,"type":"node/getStatus","data":{"full":true}}`)
	client.send(t, `{"mid":2,"type":"node/getVersion"}`)

	// Concurrent dispatch: responses can arrive in either order.
	byID := map[uint64]ResponseMessage{}
	for i := 0; i < 2; i++ {
		resp := client.readResponse(t)
		byID[resp.ID] = resp
	}

	resp, ok := byID[1]
	require.True(t, ok)
	require.Equal(t, http.StatusOK, resp.Status)
	require.JSONEq(t, `{"route":"node/getStatus","params":{"full":true}}`, string(resp.Data))

	resp, ok = byID[2]
	require.True(t, ok)
	require.JSONEq(t, `{"route":"node/getVersion","params":null}`, string(resp.Data))
}

func TestSocketListener_Stream(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "rpc.sock")
	router := RouterFunc(func(ctx context.Context, route string, req *Request) error {
		for seq := 1; seq <= 3; seq++ {
			if err := req.Stream(map[string]int{"seq": seq}); err != nil {
				return err
			}
		}
		return req.Respond(http.StatusOK, nil)
	})
	startSocketListener(t, SocketConfig{Network: "unix", Address: sock}, Deps{Router: router})

	client := dialSocket(t, "unix", sock)
	client.send(t, `{"mid":5,"type":"chain/followStream"}`)

	for seq := 1; seq <= 3; seq++ {
		stream := client.readStream(t)
		require.Equal(t, uint64(5), stream.ID)
		require.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, seq), string(stream.Data))
	}

	resp := client.readResponse(t)
	require.Equal(t, uint64(5), resp.ID)
	require.Equal(t, http.StatusOK, resp.Status)
}

func TestSocketListener_StructuredError(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "rpc.sock")
	router := RouterFunc(func(ctx context.Context, route string, req *Request) error {
		return NewRouteNotFoundError(route)
	})
	startSocketListener(t, SocketConfig{Network: "unix", Address: sock}, Deps{Router: router})

	client := dialSocket(t, "unix", sock)
	client.send(t, `{"mid":3,"type":"no/such/route"}`)

	resp := client.readResponse(t)
	require.Equal(t, uint64(3), resp.ID)
	require.Equal(t, http.StatusNotFound, resp.Status)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(resp.Data, &payload))
	require.Equal(t, CodeRouteNotFound, payload.Code)
}

func TestSocketListener_MalformedTargeted(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "rpc.sock")
	startSocketListener(t, SocketConfig{Network: "unix", Address: sock}, Deps{Router: echoRouter()})

	client := dialSocket(t, "unix", sock)
	client.send(t, `{"mid":9}`)

	// The mid was recoverable, so the error is a targeted response.
	resp := client.readResponse(t)
	require.Equal(t, uint64(9), resp.ID)
	require.Equal(t, http.StatusBadRequest, resp.Status)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(resp.Data, &payload))
	require.Equal(t, CodeMalformedRequest, payload.Code)

	// The connection survives malformed frames.
	client.send(t, `{"mid":10,"type":"ping"}`)
	resp = client.readResponse(t)
	require.Equal(t, uint64(10), resp.ID)
}

func TestSocketListener_MalformedNumericMid(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "rpc.sock")
	startSocketListener(t, SocketConfig{Network: "unix", Address: sock}, Deps{Router: echoRouter()})

	client := dialSocket(t, "unix", sock)
	client.send(t, `{"mid":-1,"type":"ping"}`)

	// The id was numeric, so the rejection echoes it verbatim.
	env := client.readEnvelope(t)
	require.Equal(t, KindMessage, env.Type)

	var resp rawIDResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	require.Equal(t, "-1", string(resp.ID))
	require.Equal(t, http.StatusBadRequest, resp.Status)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(resp.Data, &payload))
	require.Equal(t, CodeMalformedRequest, payload.Code)

	// The connection survives malformed frames.
	client.send(t, `{"mid":2,"type":"ping"}`)
	ok := client.readResponse(t)
	require.Equal(t, uint64(2), ok.ID)
}

func TestSocketListener_MalformedConnectionScoped(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "rpc.sock")
	startSocketListener(t, SocketConfig{Network: "unix", Address: sock}, Deps{Router: echoRouter()})

	client := dialSocket(t, "unix", sock)
	client.send(t, `this is not json`)

	env := client.readEnvelope(t)
	require.Equal(t, KindMalformedRequest, env.Type)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	require.Equal(t, CodeMalformedRequest, payload.Code)
}

func TestSocketListener_DisconnectCancelsRequests(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "rpc.sock")
	cancelled := make(chan struct{})
	router := RouterFunc(func(ctx context.Context, route string, req *Request) error {
		select {
		case <-ctx.Done():
			close(cancelled)
		case <-time.After(5 * time.Second):
		}
		return nil
	})
	startSocketListener(t, SocketConfig{Network: "unix", Address: sock}, Deps{Router: router})

	client := dialSocket(t, "unix", sock)
	client.send(t, `{"mid":1,"type":"chain/followStream"}`)

	time.Sleep(50 * time.Millisecond)
	client.conn.Close()

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not observe disconnect")
	}
}

func TestSocketListener_PendingBound(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "rpc.sock")
	release := make(chan struct{})
	router := RouterFunc(func(ctx context.Context, route string, req *Request) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return req.Respond(http.StatusOK, nil)
	})
	startSocketListener(t, SocketConfig{
		Network:           "unix",
		Address:           sock,
		MaxPendingPerConn: 1,
	}, Deps{Router: router})

	client := dialSocket(t, "unix", sock)
	client.send(t, `{"mid":1,"type":"slow"}`)

	// Give the first request time to register as pending.
	time.Sleep(50 * time.Millisecond)
	client.send(t, `{"mid":2,"type":"slow"}`)

	resp := client.readResponse(t)
	require.Equal(t, uint64(2), resp.ID)
	require.Equal(t, http.StatusServiceUnavailable, resp.Status)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(resp.Data, &payload))
	require.Equal(t, CodeTooManyRequests, payload.Code)

	close(release)
	resp = client.readResponse(t)
	require.Equal(t, uint64(1), resp.ID)
	require.Equal(t, http.StatusOK, resp.Status)
}

func TestSocketListener_FaultTearsDownConnection(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "rpc.sock")
	faults := make(chan error, 1)
	router := RouterFunc(func(ctx context.Context, route string, req *Request) error {
		return fmt.Errorf("handler bug")
	})
	startSocketListener(t, SocketConfig{Network: "unix", Address: sock}, Deps{
		Router: router,
		Fault:  func(transport string, err error) { faults <- err },
	})

	client := dialSocket(t, "unix", sock)
	client.send(t, `{"mid":1,"type":"broken"}`)

	select {
	case err := <-faults:
		require.ErrorContains(t, err, "handler bug")
	case <-time.After(2 * time.Second):
		t.Fatal("fault hook never fired")
	}

	// Nothing was written to the wire; the connection just dies.
	client.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.False(t, client.scanner.Scan())
}

func TestSocketListener_TCP(t *testing.T) {
	l := startSocketListener(t, SocketConfig{Network: "tcp", Address: "127.0.0.1:0"}, Deps{Router: echoRouter()})

	client := dialSocket(t, "tcp", l.Addr().String())
	client.send(t, `{"mid":1,"type":"ping"}`)

	resp := client.readResponse(t)
	require.Equal(t, uint64(1), resp.ID)
	require.Equal(t, http.StatusOK, resp.Status)
}

// syncBuffer is a concurrency-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSocketListener_DebugLogging(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "rpc.sock")
	sink := &syncBuffer{}
	router := RouterFunc(func(ctx context.Context, route string, req *Request) error {
		return NewRouteNotFoundError(route)
	})
	startSocketListener(t, SocketConfig{Network: "unix", Address: sock}, Deps{
		Router: router,
		Logger: logging.NewTextLogger(sink, slog.LevelDebug),
	})

	client := dialSocket(t, "unix", sock)
	client.send(t, `{"mid":1,"type":"no/such/route"}`)

	resp := client.readResponse(t)
	require.Equal(t, http.StatusNotFound, resp.Status)

	// Dispatch and frame writes log asynchronously to the response.
	require.Eventually(t, func() bool {
		out := sink.String()
		return strings.Contains(out, "status=404") &&
			strings.Contains(out, "duration_ms=") &&
			strings.Contains(out, "size_bytes=") &&
			strings.Contains(out, "direction=outbound")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSocketListener_StartStopIdempotent(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "rpc.sock")
	l := NewSocketListener(SocketConfig{Network: "unix", Address: sock}, Deps{Router: echoRouter()})

	require.NoError(t, l.Start())
	require.True(t, l.IsRunning())
	require.NoError(t, l.Start())

	require.NoError(t, l.Stop())
	require.False(t, l.IsRunning())
	require.NoError(t, l.Stop())
}
