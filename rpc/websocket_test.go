package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"
)

func startWSServer(t *testing.T, router Router) (*WSListener, *httptest.Server) {
	t.Helper()

	l := NewWSListener(WSConfig{}, Deps{Router: router})
	srv := httptest.NewServer(l.Handler())
	t.Cleanup(func() {
		srv.Close()
		l.Close()
	})
	return l, srv
}

func dialWS(t *testing.T, url string) net.Conn {
	t.Helper()

	url = strings.Replace(url, "http://", "ws://", 1)
	conn, br, _, err := ws.Dial(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	if br != nil {
		// Frames may already be buffered behind the handshake response;
		// keep reading through the returned reader so they are not lost.
		conn = bufferedConn{Conn: conn, br: br}
	}
	return conn
}

type bufferedConn struct {
	net.Conn
	br *bufio.Reader
}

func (c bufferedConn) Read(p []byte) (int, error) { return c.br.Read(p) }

func readWSData(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, _, err := wsutil.ReadServerData(conn)
	require.NoError(t, err)
	return data
}

func TestWSListener_StreamRoute(t *testing.T) {
	router := RouterFunc(func(ctx context.Context, route string, req *Request) error {
		var params struct {
			Limit string `json:"limit"`
		}
		if err := req.DecodeParams(&params); err != nil {
			return err
		}
		if params.Limit != "2" {
			return NewValidationError("limit must be 2")
		}

		for seq := 1; seq <= 2; seq++ {
			if err := req.Stream(map[string]int{"seq": seq}); err != nil {
				return err
			}
		}
		return req.Respond(http.StatusOK, nil)
	})
	_, srv := startWSServer(t, router)

	conn := dialWS(t, srv.URL+"/chain/followStream?limit=2")

	require.JSONEq(t, `{"seq":1}`, string(readWSData(t, conn)))
	require.JSONEq(t, `{"seq":2}`, string(readWSData(t, conn)))

	var env httpEnvelope
	require.NoError(t, json.Unmarshal(readWSData(t, conn), &env))
	require.Equal(t, http.StatusOK, env.Status)

	// Terminal response ends the socket.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := wsutil.ReadServerData(conn)
	require.Error(t, err)
}

func TestWSListener_RejectsNonStreamRoute(t *testing.T) {
	_, srv := startWSServer(t, echoRouter())

	// The upgrade succeeds, then the socket is closed with a policy
	// violation close frame.
	conn := dialWS(t, srv.URL+"/node/getStatus")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := wsutil.ReadServerData(conn)
	require.Error(t, err)

	closed, ok := err.(wsutil.ClosedError)
	require.True(t, ok, "expected a close frame, got %v", err)
	require.Equal(t, ws.StatusPolicyViolation, closed.Code)
}

func TestWSListener_StructuredError(t *testing.T) {
	router := RouterFunc(func(ctx context.Context, route string, req *Request) error {
		return NewValidationError("missing account")
	})
	_, srv := startWSServer(t, router)

	conn := dialWS(t, srv.URL+"/account/balanceStream")

	var env httpEnvelope
	require.NoError(t, json.Unmarshal(readWSData(t, conn), &env))
	require.Equal(t, http.StatusBadRequest, env.Status)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	require.Equal(t, CodeValidation, payload.Code)
}

func TestWSListener_ClientDisconnectCancels(t *testing.T) {
	cancelled := make(chan struct{})
	router := RouterFunc(func(ctx context.Context, route string, req *Request) error {
		select {
		case <-ctx.Done():
			close(cancelled)
		case <-time.After(5 * time.Second):
		}
		return nil
	})
	_, srv := startWSServer(t, router)

	conn := dialWS(t, srv.URL+"/chain/followStream")
	time.Sleep(50 * time.Millisecond)
	conn.Close()

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not observe disconnect")
	}
}

func TestWSListener_CloseDisconnectsClients(t *testing.T) {
	started := make(chan struct{})
	router := RouterFunc(func(ctx context.Context, route string, req *Request) error {
		close(started)
		<-ctx.Done()
		return nil
	})
	l, srv := startWSServer(t, router)

	conn := dialWS(t, srv.URL+"/chain/followStream")
	<-started

	l.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := wsutil.ReadServerData(conn)
	require.Error(t, err)
}
