package web

import (
	"context"
	"encoding/json"
	"net/http"

	"thingrpc/internal/types"
)

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.things.Things())
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, ok := s.things.Thing(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleAPIListPlugins(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.things.Plugins())
}

type executeActionRequest struct {
	ActionTypeID string          `json:"actionTypeId"`
	Params       types.ParamList `json:"params"`
}

func (s *Server) handleAPIExecuteAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req executeActionRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.ActionTypeID == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "actionTypeId is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.actionTimeout)
	defer cancel()
	out := s.things.ExecuteAction(ctx, types.Action{ThingID: id, ActionTypeID: req.ActionTypeID, Params: req.Params})
	resp := map[string]any{"deviceError": out.Code}
	if out.Message != "" {
		resp["message"] = out.Message
	}
	s.writeJSON(w, thingStatus(out.Code), resp)
}

// thingStatus maps a device error to the closest HTTP status.
func thingStatus(code types.ThingError) int {
	switch code {
	case types.ThingErrorNoError:
		return http.StatusOK
	case types.ThingErrorThingNotFound, types.ThingErrorActionTypeNotFound,
		types.ThingErrorThingClassNotFound, types.ThingErrorPluginNotFound:
		return http.StatusNotFound
	case types.ThingErrorInvalidParameter, types.ThingErrorMissingParameter:
		return http.StatusBadRequest
	case types.ThingErrorHardwareNotAvailable, types.ThingErrorHardwareFailure:
		return http.StatusServiceUnavailable
	case types.ThingErrorTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusUnprocessableEntity
	}
}
