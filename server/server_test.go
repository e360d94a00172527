package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gws "github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wailbentafat/solar-hub/events"
	"github.com/wailbentafat/solar-hub/relay"
	"github.com/wailbentafat/solar-hub/websocket"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type staticPresence struct {
	clients []string
	err     error
}

func (p staticPresence) GetOnlineClients(context.Context) ([]string, error) {
	return p.clients, p.err
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *relay.Relay, *httptest.Server) {
	t.Helper()
	manager := websocket.NewClientManager()
	r := relay.New(manager)
	handler := websocket.NewHandler(manager, r, 16)

	s := NewServer(":0", r, manager, handler.HandleWebSocket, opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, r, ts
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, conn *gws.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestLiveness(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "GET")
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
	assert.NotEmpty(t, resp.Header.Get(requestIDKey))

	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, livenessBody, body.String())
}

func TestPreflightIsNoContent(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/events/alert", nil)
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var st events.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Zero(t, st.ConnectedClients)
	assert.GreaterOrEqual(t, st.Uptime, 0.0)
	assert.NotEmpty(t, st.Timestamp)
}

func TestPublishEndpointStatusCodes(t *testing.T) {
	s, _, _ := newTestServer(t)

	cases := []struct {
		path   string
		body   string
		status int
	}{
		{"/events/solar-data", `{"deviceId":"D1","solarPower":10,"batteryLevel":50,"humidity":40}`, http.StatusAccepted},
		{"/events/alert", `{"id":"a1","severity":"warn","message":"Low battery"}`, http.StatusAccepted},
		{"/events/alert", `{"id":"a1","severity":"loud","message":"Low battery"}`, http.StatusBadRequest},
		{"/events/solar-data", `{"solarPower":10}`, http.StatusBadRequest},
		{"/events/solar-data", `not json`, http.StatusBadRequest},
		{"/events/weather", `{}`, http.StatusNotFound},
	}

	for _, tc := range cases {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(tc.body))
		req.Header.Set("Content-Type", "application/json")
		s.Handler().ServeHTTP(w, req)
		assert.Equal(t, tc.status, w.Code, "%s %s", tc.path, tc.body)
	}
}

func TestSolarDataReachesDashboard(t *testing.T) {
	_, r, ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	hello := readFrame(t, conn)
	require.Equal(t, "connected", hello.Event)
	require.Eventually(t, func() bool { return r.Stats().ConnectedClients == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, r.PublishSolarData(events.SolarData{
		DeviceID:     "D1",
		SolarPower:   1234.5,
		LoadPower:    800,
		BatteryLevel: 64,
		GridPower:    -434.5,
		Temperature:  27.1,
		Humidity:     55,
	}))

	f := readFrame(t, conn)
	assert.Equal(t, "solar-data", f.Event)

	var env struct {
		Type string           `json:"type"`
		Data events.SolarData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(f.Data, &env))
	assert.Equal(t, "solar-data", env.Type)
	assert.Equal(t, events.ID("D1"), env.Data.DeviceID)
	assert.Equal(t, 1234.5, env.Data.SolarPower)
	assert.Equal(t, -434.5, env.Data.GridPower)
	_, err = time.Parse(time.RFC3339, env.Data.Timestamp)
	assert.NoError(t, err)
}

func TestPresenceEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t, WithPresence(staticPresence{clients: []string{"a", "b"}}))

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/presence", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Clients []string `json:"clients"`
		Count   int      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.ElementsMatch(t, []string{"a", "b"}, body.Clients)

	failing, _, _ := newTestServer(t, WithPresence(staticPresence{err: errors.New("redis down")}))
	w = httptest.NewRecorder()
	failing.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/presence", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestPresenceRouteAbsentWithoutStore(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/presence", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartFailsWhenPortTaken(t *testing.T) {
	_, _, ts := newTestServer(t)
	addr := strings.TrimPrefix(ts.URL, "http://")

	manager := websocket.NewClientManager()
	r := relay.New(manager)
	s := NewServer(addr, r, manager, websocket.NewHandler(manager, r, 1).HandleWebSocket)

	err := s.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen on")
}

func TestShutdownClosesSessions(t *testing.T) {
	manager := websocket.NewClientManager()
	r := relay.New(manager)
	s := NewServer("127.0.0.1:0", r, manager, websocket.NewHandler(manager, r, 4).HandleWebSocket,
		WithShutdownTimeout(2*time.Second))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := gws.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	readFrame(t, conn)
	require.Eventually(t, func() bool { return manager.Count() == 1 }, time.Second, 10*time.Millisecond)

	s.Shutdown(context.Background(), nil)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, gws.IsCloseError(err, gws.CloseGoingAway))
	assert.Zero(t, manager.Count())
}

type recordingCloser struct {
	name   string
	closed *[]string
	err    error
}

func (c recordingCloser) Close() error {
	*c.closed = append(*c.closed, c.name)
	return c.err
}

func TestShutdownRunsClosersInOrder(t *testing.T) {
	var closed []string
	s, _, _ := newTestServer(t,
		WithShutdownTimeout(time.Second),
		WithCloser("publisher", recordingCloser{name: "publisher", closed: &closed}),
		WithCloser("store", recordingCloser{name: "store", closed: &closed, err: errors.New("already closed")}),
	)

	s.Shutdown(context.Background(), nil)

	assert.Equal(t, []string{"publisher", "store"}, closed)
}
