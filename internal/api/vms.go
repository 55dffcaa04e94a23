package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/ember/internal/ember"
	"github.com/seantiz/ember/internal/model"
)

const maxBodySize = 1 << 20 // 1 MB

// createVMRequest is the JSON body for POST /vms.
type createVMRequest struct {
	Name      string `json:"name"`
	VCPUs     int    `json:"vcpus"`
	MemoryMiB int    `json:"memory_mib"`
	ImageID   string `json:"image_id"`
}

type deleteResponse struct {
	Success bool `json:"success"`
}

func (s *Server) handleCreateVM(w http.ResponseWriter, r *http.Request) {
	var req createVMRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.ImageID == "" {
		s.writeError(w, http.StatusBadRequest, "image_id is required")
		return
	}

	vm, err := s.lifecycle.Create(r.Context(), req.Name, req.VCPUs, req.MemoryMiB, req.ImageID)
	if err != nil {
		s.writeEmberError(w, "create vm", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, vm)
}

func (s *Server) handleListVMs(w http.ResponseWriter, r *http.Request) {
	vms, err := s.lifecycle.List(r.Context())
	if err != nil {
		s.writeEmberError(w, "list vms", err)
		return
	}
	if vms == nil {
		vms = make([]*model.VM, 0)
	}
	s.writeJSON(w, http.StatusOK, vms)
}

func (s *Server) handleGetVM(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	vm, err := s.lifecycle.Get(r.Context(), id)
	if err != nil {
		s.writeEmberError(w, "get vm", err)
		return
	}
	s.writeJSON(w, http.StatusOK, vm)
}

func (s *Server) handleDeleteVM(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.lifecycle.Delete(r.Context(), id); err != nil {
		s.writeEmberError(w, "delete vm", err)
		return
	}
	s.writeJSON(w, http.StatusOK, deleteResponse{Success: true})
}

func (s *Server) handleStartVM(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	vm, err := s.lifecycle.Start(r.Context(), id)
	if err != nil {
		s.writeEmberError(w, "start vm", err)
		return
	}
	s.writeJSON(w, http.StatusOK, vm)
}

func (s *Server) handleStopVM(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	vm, err := s.lifecycle.Stop(r.Context(), id)
	if err != nil {
		s.writeEmberError(w, "stop vm", err)
		return
	}
	s.writeJSON(w, http.StatusOK, vm)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeEmberError maps an internal error's ember.Kind to the HTTP status
// spec.md §7 assigns it and logs anything that isn't an expected client-
// facing condition (§7, "kind taxonomy, never string-matching").
func (s *Server) writeEmberError(w http.ResponseWriter, op string, err error) {
	status := statusForKind(ember.KindOf(err))
	if status == http.StatusInternalServerError {
		s.logger.Error(op, "error", err)
	}
	s.writeError(w, status, err.Error())
}

func statusForKind(k ember.Kind) int {
	switch k {
	case ember.KindNotFound:
		return http.StatusNotFound
	case ember.KindConflict:
		return http.StatusConflict
	case ember.KindValidation:
		return http.StatusBadRequest
	case ember.KindExhausted:
		return http.StatusConflict
	case ember.KindTimeout:
		return http.StatusGatewayTimeout
	case ember.KindCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
