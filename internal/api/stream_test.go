package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdcam-go/internal/testutil"
)

func dialStream(t *testing.T, f *fixture, origin string) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(f.server.Handler())
	t.Cleanup(ts.Close)

	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) StreamMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testutil.ShortTestTimeout)))
	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestStreamReceivesNewRecords(t *testing.T) {
	f := newFixture(t, nil)
	conn := dialStream(t, f, "")

	assert.Equal(t, "connected", readFrame(t, conn).Type)
	assert.Eventually(t, func() bool { return f.server.hub.count() == 1 }, time.Second, 5*time.Millisecond)

	rec := f.do(t, uploadRequest(t, "cardinal.png", testutil.PNG(t, 32, 32)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[ResultResponse](t, rec).Result

	msg := readFrame(t, conn)
	assert.Equal(t, "record", msg.Type)
	require.NotNil(t, msg.Record)
	assert.Equal(t, created.ID, msg.Record.ID)
	assert.Equal(t, "Cardinal", msg.Record.SpeciesName())
}

func TestStreamClientRemovedOnDisconnect(t *testing.T) {
	f := newFixture(t, nil)
	conn := dialStream(t, f, "")
	readFrame(t, conn)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return f.server.hub.count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStreamRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AllowedOrigins = []string{"http://birdcam.local"} })
	ts := httptest.NewServer(f.server.Handler())
	t.Cleanup(ts.Close)

	header := http.Header{"Origin": []string{"http://evil.example"}}
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if conn != nil {
		_ = conn.Close()
	}
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStreamClosedOnShutdown(t *testing.T) {
	f := newFixture(t, nil)
	conn := dialStream(t, f, "")
	readFrame(t, conn)

	done := make(chan error, 1)
	go func() {
		_ = conn.SetReadDeadline(time.Now().Add(testutil.ShortTestTimeout))
		_, _, err := conn.ReadMessage()
		done <- err
	}()

	require.NoError(t, f.server.Shutdown(context.Background()))
	err := testutil.WaitForValue(t, done, testutil.ShortTestTimeout, "stream not closed")
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
