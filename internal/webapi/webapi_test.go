package webapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-nvr/internal/camera"
	"github.com/technosupport/ts-nvr/internal/config"
	"github.com/technosupport/ts-nvr/internal/data"
	"github.com/technosupport/ts-nvr/internal/events"
	"github.com/technosupport/ts-nvr/internal/lifecycle"
	"github.com/technosupport/ts-nvr/internal/nvr"
	"github.com/technosupport/ts-nvr/internal/registry"
)

func newTestServer(t *testing.T, secret string) (*Server, sqlmock.Sqlmock, *registry.Registry, *events.Dispatcher) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	d := events.NewDispatcher()
	reg := registry.New(d)
	s := New(config.WebAPIConfig{Listen: ":0", Secret: secret}, reg, data.NewModels(db), d, nil)
	return s, mock, reg, d
}

func bearer(t *testing.T, s *Server) string {
	t.Helper()
	token, err := s.tokens.GenerateAPIToken()
	require.NoError(t, err)
	return "Bearer " + token
}

func loadEntry(reg *registry.Registry, domain, identifier string, instance interface{}) {
	reg.Register(registry.Entry{Domain: domain, Identifier: identifier})
	reg.SetInstance(domain, identifier, instance)
	reg.SetState(domain, identifier, registry.StateLoaded, nil)
}

func TestHealthz(t *testing.T) {
	s, _, _, _ := newTestServer(t, "hunter2")

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestTokenExchange(t *testing.T) {
	s, _, _, _ := newTestServer(t, "hunter2")

	body := bytes.NewBufferString(`{"secret":"hunter2"}`)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", body))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Token       string `json:"token"`
		StreamToken string `json:"stream_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.StreamToken)
	assert.Equal(t, 900, resp.ExpiresIn)

	claims, err := s.tokens.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "ts-nvr", claims.Issuer)
}

func TestTokenExchangeWrongSecret(t *testing.T) {
	s, _, _, _ := newTestServer(t, "hunter2")

	body := bytes.NewBufferString(`{"secret":"nope"}`)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTokenExchangeUnconfigured(t *testing.T) {
	s, _, _, _ := newTestServer(t, "")

	body := bytes.NewBufferString(`{"secret":""}`)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", body))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRESTRequiresToken(t *testing.T) {
	s, _, _, _ := newTestServer(t, "hunter2")

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/cameras", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cameras", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCamerasListIncludesFailed(t *testing.T) {
	s, _, reg, d := newTestServer(t, "hunter2")

	conf := &config.CameraConfig{Name: "Front Gate"}
	loadEntry(reg, lifecycle.DomainCamera, "gate",
		camera.NewFailedCamera("gate", conf, errors.New("probe timed out")))

	reg.Register(registry.Entry{
		Domain: lifecycle.DomainCamera, Identifier: "porch",
		Config: &config.CameraConfig{Name: "Porch"},
	})
	reg.SetState(lifecycle.DomainCamera, "porch", registry.StateFailed, errors.New("no route to host"))

	d.Dispatch(nvr.EventOperationState("gate"), nvr.OperationStateData{
		Identifier: "gate", State: "recording",
	}, true)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cameras", nil)
	req.Header.Set("Authorization", bearer(t, s))
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Cameras []cameraView `json:"cameras"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Cameras, 2)

	gate := resp.Cameras[0]
	assert.Equal(t, "gate", gate.Identifier)
	assert.Equal(t, "Front Gate", gate.Name)
	assert.True(t, gate.Failed)
	assert.Equal(t, "recording", gate.OperationState)

	porch := resp.Cameras[1]
	assert.Equal(t, "porch", porch.Identifier)
	assert.True(t, porch.Failed)
	assert.Equal(t, "no route to host", porch.Error)
}

type fakeSnapshotter struct {
	jpg []byte
	err error
}

func (f *fakeSnapshotter) Snapshot() ([]byte, error) { return f.jpg, f.err }

func TestSnapshot(t *testing.T) {
	s, _, reg, _ := newTestServer(t, "hunter2")
	loadEntry(reg, lifecycle.DomainNVR, "porch", &fakeSnapshotter{jpg: []byte{0xff, 0xd8, 0xff}})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cameras/porch/snapshot.jpg", nil)
	req.Header.Set("Authorization", bearer(t, s))
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, rec.Body.Bytes())
}

func TestSnapshotUnknownCamera(t *testing.T) {
	s, _, _, _ := newTestServer(t, "hunter2")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cameras/nope/snapshot.jpg", nil)
	req.Header.Set("Authorization", bearer(t, s))
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSnapshotNoFrameYet(t *testing.T) {
	s, _, reg, _ := newTestServer(t, "hunter2")
	loadEntry(reg, lifecycle.DomainNVR, "porch", &fakeSnapshotter{err: errors.New("no frame processed yet")})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cameras/porch/snapshot.jpg", nil)
	req.Header.Set("Authorization", bearer(t, s))
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRecordings(t *testing.T) {
	s, mock, _, _ := newTestServer(t, "hunter2")

	now := time.Now().UTC().Truncate(time.Second)
	rows := sqlmock.NewRows([]string{
		"id", "camera_identifier", "start_time", "adjusted_start_time",
		"end_time", "created_at", "trigger_type", "clip_path",
	}).
		AddRow(2, "porch", now, now.Add(-5*time.Second), nil, now, "object", nil).
		AddRow(1, "porch", now.Add(-time.Hour), now.Add(-time.Hour), now.Add(-time.Hour).Add(30*time.Second), now.Add(-time.Hour), "motion", "/t0/porch/recordings/clip.mp4")
	mock.ExpectQuery("SELECT (.+) FROM recordings").
		WithArgs("porch", 100).
		WillReturnRows(rows)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cameras/porch/recordings", nil)
	req.Header.Set("Authorization", bearer(t, s))
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Camera     string          `json:"camera"`
		Recordings []recordingView `json:"recordings"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "porch", resp.Camera)
	require.Len(t, resp.Recordings, 2)
	assert.Nil(t, resp.Recordings[0].EndTime, "open window has no end time")
	assert.Equal(t, "object", resp.Recordings[0].TriggerType)
	assert.NotNil(t, resp.Recordings[1].EndTime)
	assert.Equal(t, "/t0/porch/recordings/clip.mp4", resp.Recordings[1].ClipPath)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordingsBadLimit(t *testing.T) {
	s, _, _, _ := newTestServer(t, "hunter2")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cameras/porch/recordings?limit=0", nil)
	req.Header.Set("Authorization", bearer(t, s))
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsWS(t *testing.T) {
	s, _, _, d := newTestServer(t, "hunter2")

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	streamToken, err := s.tokens.GenerateStreamToken()
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events/ws?token=" + streamToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the handler a moment to register its wildcard listener.
	require.Eventually(t, func() bool {
		d.Dispatch("recorder_start/porch", map[string]string{"identifier": "porch"}, true)
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		var got wsEvent
		return conn.ReadJSON(&got) == nil && got.Topic == "recorder_start/porch"
	}, 2*time.Second, 50*time.Millisecond)
}

func TestEventsWSRejectsBadToken(t *testing.T) {
	s, _, _, _ := newTestServer(t, "hunter2")

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events/ws?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
