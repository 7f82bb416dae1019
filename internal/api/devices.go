package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/quantix-io/quantix-connect/internal/protocol"
	"github.com/quantix-io/quantix-connect/internal/runtime"
	"github.com/quantix-io/quantix-connect/internal/store"
)

// deviceResponse is a device row with its live runtime state embedded,
// so one listing call paints the whole dashboard.
type deviceResponse struct {
	store.Device
	Runtime runtime.Message `json:"runtime"`
}

// deviceCreateRequest is the body for POST /api/devices.
type deviceCreateRequest struct {
	DeviceCode         string         `json:"device_code"`
	Name               string         `json:"name"`
	ProtocolTemplateID int64          `json:"protocol_template_id"`
	ConnectionParams   map[string]any `json:"connection_params"`
	TemplateVariables  map[string]any `json:"template_variables"`
	PollInterval       float64        `json:"poll_interval"`
	Enabled            bool           `json:"enabled"`
}

// deviceUpdateRequest is the body for device updates. Absent fields keep
// their stored values.
type deviceUpdateRequest struct {
	DeviceCode         *string         `json:"device_code"`
	Name               *string         `json:"name"`
	ProtocolTemplateID *int64          `json:"protocol_template_id"`
	ConnectionParams   *map[string]any `json:"connection_params"`
	TemplateVariables  *map[string]any `json:"template_variables"`
	PollInterval       *float64        `json:"poll_interval"`
	Enabled            *bool           `json:"enabled"`
}

// executeStepRequest is the body for POST /api/devices/{id}/execute.
type executeStepRequest struct {
	StepID string         `json:"step_id"`
	Params map[string]any `json:"params"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	rows, err := s.devices.List(r.Context())
	if err != nil {
		writeInternalError(w, err.Error())
		return
	}

	out := make([]deviceResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, deviceResponse{Device: row, Runtime: s.runtime.Snapshot(row.ID)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	if _, err := s.templates.Get(r.Context(), req.ProtocolTemplateID); err != nil {
		writeDomainError(w, err)
		return
	}

	row := &store.Device{
		DeviceCode:         req.DeviceCode,
		Name:               req.Name,
		ProtocolTemplateID: req.ProtocolTemplateID,
		ConnectionParams:   req.ConnectionParams,
		TemplateVariables:  req.TemplateVariables,
		PollInterval:       req.PollInterval,
		Enabled:            req.Enabled,
	}
	if err := s.devices.Create(r.Context(), row); err != nil {
		writeDomainError(w, err)
		return
	}

	s.reloadRuntime(r, row.ID)
	writeJSON(w, http.StatusOK, s.deviceWithRuntime(row))
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	row, ok := s.loadDevice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.deviceWithRuntime(row))
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	row, ok := s.loadDevice(w, r)
	if !ok {
		return
	}
	s.updateDevice(w, r, row)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	row, ok := s.loadDevice(w, r)
	if !ok {
		return
	}
	s.deleteDevice(w, r, row)
}

func (s *Server) handleGetDeviceByCode(w http.ResponseWriter, r *http.Request) {
	row, ok := s.loadDeviceByCode(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.deviceWithRuntime(row))
}

func (s *Server) handleUpdateDeviceByCode(w http.ResponseWriter, r *http.Request) {
	row, ok := s.loadDeviceByCode(w, r)
	if !ok {
		return
	}
	s.updateDevice(w, r, row)
}

func (s *Server) handleDeleteDeviceByCode(w http.ResponseWriter, r *http.Request) {
	row, ok := s.loadDeviceByCode(w, r)
	if !ok {
		return
	}
	s.deleteDevice(w, r, row)
}

func (s *Server) handleEnableDevice(w http.ResponseWriter, r *http.Request) {
	s.setDeviceEnabled(w, r, true)
}

func (s *Server) handleDisableDevice(w http.ResponseWriter, r *http.Request) {
	s.setDeviceEnabled(w, r, false)
}

// handleExecuteStep runs a manual-trigger step (tare, zero, relay
// pulse) against a running device.
func (s *Server) handleExecuteStep(w http.ResponseWriter, r *http.Request) {
	row, ok := s.loadDevice(w, r)
	if !ok {
		return
	}
	if !row.Enabled {
		writeBadRequest(w, "device is disabled")
		return
	}

	var req executeStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.StepID == "" {
		writeBadRequest(w, "step_id is required")
		return
	}

	ctx, cancel := runtimeContext(r)
	defer cancel()

	result, err := s.runtime.ExecuteManualStep(ctx, row.ID, req.StepID, req.Params)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrStepNotFound),
			errors.Is(err, protocol.ErrStepNotManual),
			errors.Is(err, protocol.ErrWriteNotAllowed),
			errors.Is(err, runtime.ErrRuntimeNotFound):
			writeDomainError(w, err)
		default:
			// Driver or step failure: the detail goes back verbatim so
			// the operator can see what the device said.
			writeBadRequest(w, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ─── Shared handler plumbing ───

func (s *Server) updateDevice(w http.ResponseWriter, r *http.Request, row *store.Device) {
	var req deviceUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	if req.ProtocolTemplateID != nil {
		if _, err := s.templates.Get(r.Context(), *req.ProtocolTemplateID); err != nil {
			writeDomainError(w, err)
			return
		}
		row.ProtocolTemplateID = *req.ProtocolTemplateID
	}
	if req.DeviceCode != nil {
		row.DeviceCode = *req.DeviceCode
	}
	if req.Name != nil {
		row.Name = *req.Name
	}
	if req.ConnectionParams != nil {
		row.ConnectionParams = *req.ConnectionParams
	}
	if req.TemplateVariables != nil {
		row.TemplateVariables = *req.TemplateVariables
	}
	if req.PollInterval != nil {
		row.PollInterval = *req.PollInterval
	}
	if req.Enabled != nil {
		row.Enabled = *req.Enabled
	}

	if err := s.devices.Update(r.Context(), row); err != nil {
		writeDomainError(w, err)
		return
	}

	s.reloadRuntime(r, row.ID)
	writeJSON(w, http.StatusOK, s.deviceWithRuntime(row))
}

func (s *Server) deleteDevice(w http.ResponseWriter, r *http.Request, row *store.Device) {
	s.runtime.RemoveDevice(row.ID)
	if err := s.devices.Delete(r.Context(), row.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) setDeviceEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	row, ok := s.loadDevice(w, r)
	if !ok {
		return
	}

	row.Enabled = enabled
	if err := s.devices.Update(r.Context(), row); err != nil {
		writeDomainError(w, err)
		return
	}

	s.reloadRuntime(r, row.ID)
	writeJSON(w, http.StatusOK, s.deviceWithRuntime(row))
}

// reloadRuntime nudges the manager after any device mutation. Reload
// failures are logged, not surfaced: the row change already succeeded
// and the runtime will converge on the next reload.
func (s *Server) reloadRuntime(r *http.Request, deviceID int64) {
	ctx, cancel := runtimeContext(r)
	defer cancel()
	if err := s.runtime.ReloadDevice(ctx, deviceID); err != nil {
		s.logger.Error("device reload failed",
			"device_id", deviceID,
			"request_id", r.Context().Value(ctxKeyRequestID),
			"error", err,
		)
	}
}

func (s *Server) deviceWithRuntime(row *store.Device) deviceResponse {
	return deviceResponse{Device: *row, Runtime: s.runtime.Snapshot(row.ID)}
}

func (s *Server) loadDevice(w http.ResponseWriter, r *http.Request) (*store.Device, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeBadRequest(w, "invalid device id")
		return nil, false
	}
	row, err := s.devices.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	return row, true
}

func (s *Server) loadDeviceByCode(w http.ResponseWriter, r *http.Request) (*store.Device, bool) {
	code := store.NormaliseDeviceCode(chi.URLParam(r, "code"))
	row, err := s.devices.GetByCode(r.Context(), code)
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	return row, true
}
