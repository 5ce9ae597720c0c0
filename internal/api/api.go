// Package api is the JSON/HTTP gateway (component G): a thin dispatcher
// translating requests into registry operations.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dpedu/zhyperd/internal/registry"
	"github.com/dpedu/zhyperd/internal/zerrors"
	"github.com/dpedu/zhyperd/internal/zlog"
	"github.com/dpedu/zhyperd/internal/zmodel"
)

// Server serves the /api/v1 surface over one registry.
type Server struct {
	reg *registry.Registry
	srv *http.Server
}

func NewServer(reg *registry.Registry, port int) *Server {
	s := &Server{reg: reg}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/machine", s.handleMachine)
	mux.HandleFunc("/api/v1/machine/", s.handleMachine)
	mux.HandleFunc("/api/v1/disk", s.handleDisk)
	mux.HandleFunc("/api/v1/disk/", s.handleDisk)
	mux.HandleFunc("/api/v1/log", s.handleLog)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	return s
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func respondJSON(w http.ResponseWriter, data interface{}) {
	js, err := json.Marshal(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(js)
}

// respondError maps error kinds onto HTTP statuses.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case zerrors.Is(err, zerrors.NotFound):
		status = http.StatusNotFound
	case zerrors.Is(err, zerrors.MachineBusy), zerrors.Is(err, zerrors.AlreadyRunning):
		status = http.StatusConflict
	case zerrors.Is(err, zerrors.ValidationFailed),
		zerrors.Is(err, zerrors.UnknownRuntime),
		zerrors.Is(err, zerrors.UnknownDiskType):
		status = http.StatusBadRequest
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// pathParts splits the request path below prefix into nonempty segments.
func pathParts(r *http.Request, prefix string) []string {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

// formJSON reads a JSON document from a form field, falling back to the
// raw request body when the field is absent.
func formJSON(r *http.Request, field string, out interface{}) error {
	raw := r.FormValue(field)
	if raw == "" {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return zerrors.Wrap(zerrors.ValidationFailed, "read body", err)
		}
		raw = string(b)
	}
	if raw == "" {
		return zerrors.New(zerrors.ValidationFailed, "missing "+field)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return zerrors.Wrap(zerrors.ValidationFailed, "parse "+field, err)
	}
	return nil
}

func (s *Server) handleMachine(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r, "/api/v1/machine")

	switch len(parts) {
	case 0:
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.listMachines(w, r)
	case 1:
		s.machineByID(w, r, parts[0])
	case 2:
		s.machineAction(w, r, parts[0], parts[1])
	case 3:
		if parts[1] != "property" {
			http.NotFound(w, r)
			return
		}
		s.machineProperty(w, r, parts[0], parts[2])
	default:
		http.NotFound(w, r)
	}
}

func machineListing(m registry.MachineSummary, summary bool) map[string]interface{} {
	out := map[string]interface{}{
		"machine_id": m.ID,
		"_status":    m.Status,
	}
	if !summary {
		out["machine_type"] = m.Spec.Type
		out["spec"] = m.Spec
	}
	return out
}

func (s *Server) listMachines(w http.ResponseWriter, r *http.Request) {
	summary := isTruthy(r.FormValue("summary"))

	machines := s.reg.ListMachines()
	out := make([]map[string]interface{}, 0, len(machines))
	for _, m := range machines {
		out = append(out, machineListing(m, summary))
	}
	respondJSON(w, out)
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "true", "yes", "1":
		return true
	}
	return false
}

func (s *Server) machineByID(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		spec, err := s.reg.GetMachine(id)
		if err != nil {
			respondError(w, err)
			return
		}
		status, _ := s.reg.MachineStatus(id)
		respondJSON(w, map[string]interface{}{
			"machine_id":   id,
			"_status":      status,
			"machine_type": spec.Type,
			"spec":         spec,
		})

	case http.MethodPut:
		var spec zmodel.MachineSpec
		if err := formJSON(r, "machine_spec", &spec); err != nil {
			respondError(w, err)
			return
		}
		if err := s.reg.AddMachine(id, spec, true); err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, id)

	case http.MethodDelete:
		if err := s.reg.RemoveMachine(id); err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, id)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) machineAction(w http.ResponseWriter, r *http.Request, id, action string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch action {
	case "start":
		if err := s.reg.StartMachine(id); err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, id)

	case "stop":
		// Asynchronous by contract: the stop (and any escalation to a
		// kill) runs in the background, the request returns immediately.
		spec, err := s.reg.GetMachine(id)
		if err != nil {
			respondError(w, err)
			return
		}
		timeout := spec.TimeoutSeconds(30)
		go func() {
			if err := s.reg.ForcefulStop(id, timeout); err != nil {
				zlog.Error("async stop of %s: %v", id, err)
			}
		}()
		respondJSON(w, id)

	case "restart":
		spec, err := s.reg.GetMachine(id)
		if err != nil {
			respondError(w, err)
			return
		}
		if err := s.reg.ForcefulStop(id, spec.TimeoutSeconds(30)); err != nil {
			respondError(w, err)
			return
		}
		if err := s.reg.StartMachine(id); err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, id)

	case "screenshot":
		max := 0
		if v := r.FormValue("max"); v != "" {
			max, _ = strconv.Atoi(v)
		}
		png, err := s.reg.Screenshot(id, max)
		if err != nil {
			respondError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(png)

	case "stats":
		stats, err := s.reg.ProcStats(id)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, stats)

	default:
		http.NotFound(w, r)
	}
}

func (s *Server) machineProperty(w http.ResponseWriter, r *http.Request, id, key string) {
	switch r.Method {
	case http.MethodGet:
		v, err := s.reg.GetProperty(id, key)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, v)

	case http.MethodPut:
		var value interface{}
		if err := formJSON(r, "value", &value); err != nil {
			respondError(w, err)
			return
		}
		if err := s.reg.SetProperty(id, key, value); err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, key)

	case http.MethodDelete:
		if err := s.reg.DelProperty(id, key); err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, key)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDisk(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r, "/api/v1/disk")

	switch len(parts) {
	case 0:
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		disks := s.reg.ListDisks()
		out := make([]map[string]interface{}, 0, len(disks))
		for _, d := range disks {
			out = append(out, map[string]interface{}{
				"disk_id":    d.ID,
				"options":    d.Spec.Options,
				"properties": d.Spec.Properties,
			})
		}
		respondJSON(w, out)

	case 1:
		s.diskByID(w, r, parts[0])

	default:
		http.NotFound(w, r)
	}
}

func (s *Server) diskByID(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		spec, err := s.reg.GetDisk(id)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, map[string]interface{}{
			"disk_id":    id,
			"options":    spec.Options,
			"properties": spec.Properties,
		})

	case http.MethodPut:
		var spec zmodel.DiskSpec
		if err := formJSON(r, "disk_spec", &spec); err != nil {
			respondError(w, err)
			return
		}
		if err := s.reg.AddDisk(id, spec, true); err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, id)

	case http.MethodDelete:
		if err := s.reg.RemoveDisk(id); err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, id)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	respondJSON(w, zlog.Default().Ring().Dump())
}
