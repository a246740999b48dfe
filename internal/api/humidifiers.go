package api

import (
	"encoding/json"
	"math"
	"net/http"

	"templatehumidifier/internal/humidifier"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// HumidifierResponse is the JSON form of one humidifier
type HumidifierResponse struct {
	humidifier.Snapshot
	State      string                 `json:"state"`
	Attributes map[string]interface{} `json:"attributes"`
	Tracked    []string               `json:"tracked_entities"`
}

func newHumidifierResponse(h *humidifier.Humidifier) HumidifierResponse {
	snap := h.Snapshot()
	return HumidifierResponse{
		Snapshot:   snap,
		State:      snap.State(),
		Attributes: snap.Attributes(),
		Tracked:    h.TrackedEntities(),
	}
}

// SetHumidityRequest is the body of set_humidity
type SetHumidityRequest struct {
	Humidity *float64 `json:"humidity"`
}

// SetModeRequest is the body of set_mode
type SetModeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*humidifier.Humidifier, bool) {
	h, err := s.platform.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeNotFound(w, err.Error())
		return nil, false
	}
	return h, true
}

func (s *Server) handleListHumidifiers(w http.ResponseWriter, _ *http.Request) {
	out := make([]HumidifierResponse, 0, len(s.platform.Humidifiers()))
	for _, h := range s.platform.Humidifiers() {
		out = append(out, newHumidifierResponse(h))
	}
	writeJSON(w, http.StatusOK, map[string]any{"humidifiers": out, "count": len(out)})
}

func (s *Server) handleGetHumidifier(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newHumidifierResponse(h))
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	h.Update()
	writeJSON(w, http.StatusOK, newHumidifierResponse(h))
}

func (s *Server) handleTurnOn(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.finish(w, r, h, "turn_on", h.TurnOn(r.Context()))
}

func (s *Server) handleTurnOff(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.finish(w, r, h, "turn_off", h.TurnOff(r.Context()))
}

func (s *Server) handleSetHumidity(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req SetHumidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.Humidity == nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "humidity is required")
		return
	}

	s.finish(w, r, h, "set_humidity", h.SetHumidity(r.Context(), int(math.Round(*req.Humidity))))
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req SetModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.Mode == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "mode is required")
		return
	}

	s.finish(w, r, h, "set_mode", h.SetMode(r.Context(), req.Mode))
}

func (s *Server) finish(w http.ResponseWriter, r *http.Request, h *humidifier.Humidifier, command string, err error) {
	if err != nil {
		s.logger.Warn("Command failed",
			zap.String("entity_id", h.EntityID()),
			zap.String("command", command),
			zap.String("request_id", requestID(r)),
			zap.Error(err))
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newHumidifierResponse(h))
}
