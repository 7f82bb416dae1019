package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/quantix-io/quantix-connect/internal/driver"
	"github.com/quantix-io/quantix-connect/internal/protocol"
	"github.com/quantix-io/quantix-connect/internal/store"
)

// templateCreateRequest is the body for POST /api/protocols and
// /api/protocols/import.
type templateCreateRequest struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	ProtocolType string          `json:"protocol_type"`
	Template     json.RawMessage `json:"template"`
	IsSystem     bool            `json:"is_system"`
}

// templateUpdateRequest is the body for PUT /api/protocols/{id}.
// Absent fields keep their stored values.
type templateUpdateRequest struct {
	Name         *string         `json:"name"`
	Description  *string         `json:"description"`
	ProtocolType *string         `json:"protocol_type"`
	Template     json.RawMessage `json:"template"`
}

// templateTestRequest is the body for the test and test-step endpoints.
type templateTestRequest struct {
	ConnectionParams  map[string]any `json:"connection_params"`
	TemplateVariables map[string]any `json:"template_variables"`

	// test-step only:
	StepID     string         `json:"step_id"`
	Params     map[string]any `json:"params"`
	Payload    string         `json:"payload"`
	AllowWrite bool           `json:"allow_write"`
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	rows, err := s.templates.List(r.Context())
	if err != nil {
		writeInternalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	if err := s.validateTemplateBody(req.Template, req.ProtocolType); err != nil {
		writeDomainError(w, err)
		return
	}

	row := &store.ProtocolTemplate{
		Name:         req.Name,
		Description:  req.Description,
		ProtocolType: req.ProtocolType,
		Template:     req.Template,
		IsSystem:     req.IsSystem,
	}
	if err := s.templates.Create(r.Context(), row); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// handleImportTemplate mirrors create but checks the name first, so a
// re-imported bundle fails cleanly instead of surfacing a raw conflict.
func (s *Server) handleImportTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	if _, err := s.templates.GetByName(r.Context(), req.Name); err == nil {
		writeError(w, http.StatusConflict, ErrCodeConflict, "protocol name already exists")
		return
	} else if !errors.Is(err, store.ErrTemplateNotFound) {
		writeInternalError(w, err.Error())
		return
	}

	if err := s.validateTemplateBody(req.Template, req.ProtocolType); err != nil {
		writeDomainError(w, err)
		return
	}

	row := &store.ProtocolTemplate{
		Name:         req.Name,
		Description:  req.Description,
		ProtocolType: req.ProtocolType,
		Template:     req.Template,
		IsSystem:     req.IsSystem,
	}
	if err := s.templates.Create(r.Context(), row); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	row, ok := s.loadTemplate(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	row, ok := s.loadTemplate(w, r)
	if !ok {
		return
	}
	if !s.ensureTemplateUnused(w, r.Context(), row.ID) {
		return
	}

	var req templateUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	if req.Name != nil {
		row.Name = *req.Name
	}
	if req.Description != nil {
		row.Description = *req.Description
	}
	if req.ProtocolType != nil {
		row.ProtocolType = *req.ProtocolType
	}
	if len(req.Template) > 0 {
		row.Template = req.Template
	}

	if err := s.validateTemplateBody(row.Template, row.ProtocolType); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.templates.Update(r.Context(), row); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	row, ok := s.loadTemplate(w, r)
	if !ok {
		return
	}
	if !s.ensureTemplateUnused(w, r.Context(), row.ID) {
		return
	}
	if row.IsSystem {
		writeError(w, http.StatusForbidden, ErrCodeForbidden, "system protocol can not be deleted")
		return
	}
	if err := s.templates.Delete(r.Context(), row.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleExportTemplate returns the portable subset of a template row,
// shaped for re-import on another installation.
func (s *Server) handleExportTemplate(w http.ResponseWriter, r *http.Request) {
	row, ok := s.loadTemplate(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":          row.Name,
		"description":   row.Description,
		"protocol_type": row.ProtocolType,
		"template":      row.Template,
	})
}

// handleTestTemplate exercises a template against a throwaway driver:
// connect, setup steps, and for polled protocols one poll cycle plus
// output render. Failures come back in-band as {ok:false, error} so the
// UI can show them verbatim.
func (s *Server) handleTestTemplate(w http.ResponseWriter, r *http.Request) {
	row, ok := s.loadTemplate(w, r)
	if !ok {
		return
	}

	var req templateTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	tpl, err := protocol.DecodeTemplate(row.Template)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}

	drv, err := s.newDriver(row.ProtocolType, req.ConnectionParams, driver.Options{Logger: s.logger})
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	defer drv.Disconnect() //nolint:errcheck // Best-effort cleanup of an ephemeral driver

	ctx, cancel := runtimeContext(r)
	defer cancel()

	if err := drv.Connect(ctx); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": "connect failed"})
		return
	}

	vars := protocol.ResolveVariables(tpl, req.TemplateVariables)
	steps, err := s.exec.RunSetupSteps(ctx, tpl, drv, vars)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}

	var output map[string]any
	if strings.ToLower(row.ProtocolType) != "mqtt" {
		steps, err = s.exec.RunPollSteps(ctx, tpl, drv, vars, steps)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		output = s.exec.RenderOutput(tpl, steps.Context(vars))
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "steps": steps, "output": output})
}

// handleTestStep runs a single step in isolation during template
// authoring. Write actions require allow_write, and the gate violation
// is a hard 403 rather than an in-band error: the UI must make the
// operator opt in explicitly.
func (s *Server) handleTestStep(w http.ResponseWriter, r *http.Request) {
	row, ok := s.loadTemplate(w, r)
	if !ok {
		return
	}

	var req templateTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.StepID == "" {
		writeBadRequest(w, "step_id is required")
		return
	}

	tpl, err := protocol.DecodeTemplate(row.Template)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	drv, err := s.newDriver(row.ProtocolType, req.ConnectionParams, driver.Options{Logger: s.logger})
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	defer drv.Disconnect() //nolint:errcheck // Best-effort cleanup of an ephemeral driver

	ctx, cancel := runtimeContext(r)
	defer cancel()

	if err := drv.Connect(ctx); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": "connect failed"})
		return
	}

	vars := protocol.ResolveVariables(tpl, req.TemplateVariables)
	result, err := s.exec.RunTestStep(ctx, tpl, drv, req.StepID, vars, req.Params, req.Payload, req.AllowWrite)
	if err != nil {
		if errors.Is(err, protocol.ErrWriteNotAllowed) || errors.Is(err, protocol.ErrStepNotFound) {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"step_id": result.StepID,
		"result":  result.Result,
		"output":  result.Output,
	})
}

// loadTemplate fetches the row addressed by the {id} URL parameter,
// writing the error response itself on failure.
func (s *Server) loadTemplate(w http.ResponseWriter, r *http.Request) (*store.ProtocolTemplate, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeBadRequest(w, "invalid template id")
		return nil, false
	}
	row, err := s.templates.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	return row, true
}

// ensureTemplateUnused rejects modification of templates referenced by
// devices. Reports true when the caller may proceed.
func (s *Server) ensureTemplateUnused(w http.ResponseWriter, ctx context.Context, templateID int64) bool {
	count, err := s.templates.InUse(ctx, templateID)
	if err != nil {
		writeInternalError(w, err.Error())
		return false
	}
	if count > 0 {
		writeError(w, http.StatusConflict, ErrCodeConflict,
			"protocol template is referenced by existing devices and cannot be modified or deleted")
		return false
	}
	return true
}

// validateTemplateBody decodes and validates a template body ahead of
// persistence.
func (s *Server) validateTemplateBody(raw json.RawMessage, protocolType string) error {
	tpl, err := protocol.DecodeTemplate(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrInvalidTemplate, err)
	}
	return protocol.ValidateTemplate(tpl, protocolType)
}
