package webapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/ts-nvr/internal/config"
	"github.com/technosupport/ts-nvr/internal/lifecycle"
	"github.com/technosupport/ts-nvr/internal/nvr"
	"github.com/technosupport/ts-nvr/internal/registry"
	"github.com/technosupport/ts-nvr/internal/tokens"
)

const defaultRecordingsLimit = 100

// cameraInstance is what both a live camera and a FailedCamera answer.
type cameraInstance interface {
	Config() *config.CameraConfig
	Connected() bool
	Failed() bool
}

// snapshotter is the slice of the pipeline the snapshot endpoint needs.
type snapshotter interface {
	Snapshot() ([]byte, error)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleToken exchanges the shared secret for a pair of JWTs: an API token
// for the REST reads and a short-lived stream token for the WebSocket.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.conf.Secret == "" {
		http.Error(w, "Token auth not configured", http.StatusServiceUnavailable)
		return
	}

	var req struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(s.conf.Secret)) != 1 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	apiToken, err := s.tokens.GenerateAPIToken()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	streamToken, err := s.tokens.GenerateStreamToken()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":        apiToken,
		"stream_token": streamToken,
		"expires_in":   int(tokens.APITokenTTL.Seconds()),
	})
}

type cameraView struct {
	Identifier     string `json:"identifier"`
	Name           string `json:"name"`
	State          string `json:"state"`
	Connected      bool   `json:"connected"`
	Failed         bool   `json:"failed"`
	OperationState string `json:"operation_state,omitempty"`
	Error          string `json:"error,omitempty"`
}

// handleCameras lists every registered camera domain with its registry
// state. Cameras that failed setup still appear, carrying the error.
func (s *Server) handleCameras(w http.ResponseWriter, r *http.Request) {
	var views []cameraView
	for _, e := range s.registry.All() {
		if e.Domain != lifecycle.DomainCamera {
			continue
		}

		v := cameraView{
			Identifier: e.Identifier,
			Name:       e.Identifier,
			State:      string(e.State),
		}
		if conf, ok := e.Config.(*config.CameraConfig); ok && conf != nil {
			v.Name = conf.Name
		}
		if inst, ok := e.Instance.(cameraInstance); ok && inst != nil {
			v.Connected = inst.Connected()
			v.Failed = inst.Failed()
		} else {
			v.Failed = e.State == registry.StateFailed
		}
		if e.Err != nil {
			v.Error = e.Err.Error()
		}
		if ev, ok := s.events.Last(nvr.EventOperationState(e.Identifier)); ok {
			if state, ok := ev.Data.(nvr.OperationStateData); ok {
				v.OperationState = state.State
			}
		}
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Identifier < views[j].Identifier })

	writeJSON(w, http.StatusOK, map[string]interface{}{"cameras": views})
}

// handleSnapshot serves the camera's latest processed frame as JPEG.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")

	inst, ok := s.registry.GetInstance(lifecycle.DomainNVR, identifier)
	if !ok {
		http.Error(w, "Camera pipeline not loaded", http.StatusNotFound)
		return
	}
	pl, ok := inst.(snapshotter)
	if !ok {
		http.Error(w, "Camera has no pipeline", http.StatusNotFound)
		return
	}

	jpg, err := pl.Snapshot()
	if err != nil {
		http.Error(w, "No frame available", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(jpg)
}

type recordingView struct {
	ID                int64      `json:"id"`
	StartTime         time.Time  `json:"start_time"`
	AdjustedStartTime time.Time  `json:"adjusted_start_time"`
	EndTime           *time.Time `json:"end_time,omitempty"`
	TriggerType       string     `json:"trigger_type"`
	ClipPath          string     `json:"clip_path,omitempty"`
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")

	limit := defaultRecordingsLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	recs, err := s.models.Recordings.ListByCamera(r.Context(), identifier, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	views := make([]recordingView, 0, len(recs))
	for _, rec := range recs {
		v := recordingView{
			ID:                rec.ID,
			StartTime:         rec.StartTime,
			AdjustedStartTime: rec.AdjustedStartTime,
			TriggerType:       rec.TriggerType,
			ClipPath:          rec.ClipPath,
		}
		if rec.Ended {
			end := rec.EndTime
			v.EndTime = &end
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"camera":     identifier,
		"recordings": views,
	})
}
