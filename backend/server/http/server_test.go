package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adwski/yim-server/backend/stats"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRoomService struct {
	rooms []string
	rep   stats.Report
}

func (m *mockRoomService) Rooms() []string     { return m.rooms }
func (m *mockRoomService) Stats() stats.Report { return m.rep }

func newTestServer(t *testing.T, svc RoomService) *httptest.Server {
	t.Helper()
	logger := zerolog.Nop()
	srv := NewServer(Config{Logger: &logger, RoomService: svc})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestServer_Endpoints(t *testing.T) {
	svc := &mockRoomService{
		rooms: []string{"alpha", "beta"},
		rep:   stats.Report{Clients: 3, Rooms: 2, Dropped: 1},
	}
	ts := newTestServer(t, svc)

	var health GenericResponse
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/health", &health))
	assert.Equal(t, "OK", health.Message)

	var rooms RoomsResponse
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/rooms", &rooms))
	assert.Equal(t, []string{"alpha", "beta"}, rooms.Rooms)

	var st struct {
		Data stats.Report `json:"data"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/stats", &st))
	assert.Equal(t, 3, st.Data.Clients)
	assert.Equal(t, 2, st.Data.Rooms)
	assert.Equal(t, uint64(1), st.Data.Dropped)
}

func TestServer_EmptyRooms(t *testing.T) {
	ts := newTestServer(t, &mockRoomService{rooms: []string{}})

	body := map[string]any{}
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/rooms", &body))
	assert.Equal(t, []any{}, body["rooms"])
}

func TestServer_MethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, &mockRoomService{})

	resp, err := http.Post(ts.URL+"/api/rooms", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
