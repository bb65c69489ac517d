// Package transport is the local control channel between the perch CLI and
// the daemon: JSON commands over HTTP on a unix socket.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/ehrlich-b/perch/internal/logger"
)

// Request is one control command. Cmd selects the operation; the other
// fields carry its arguments.
type Request struct {
	Cmd     string `json:"cmd"`
	Path    string `json:"path,omitempty"`
	Slug    string `json:"slug,omitempty"`
	Title   string `json:"title,omitempty"`
	PinHash string `json:"pin_hash,omitempty"`
	On      bool   `json:"on,omitempty"`
}

// Response is the uniform control reply.
type Response struct {
	OK       bool    `json:"ok"`
	Error    string  `json:"error,omitempty"`
	Slug     string  `json:"slug,omitempty"`
	Existing bool    `json:"existing,omitempty"`
	Status   *Status `json:"status,omitempty"`
}

// Status is the get_status payload.
type Status struct {
	Version    string          `json:"version"`
	Pid        int             `json:"pid"`
	Uptime     string          `json:"uptime"`
	ListenAddr string          `json:"listen_addr"`
	KeepAwake  bool            `json:"keep_awake"`
	PinSet     bool            `json:"pin_set"`
	Devices    int             `json:"devices"`
	Projects   []ProjectStatus `json:"projects"`
}

// ProjectStatus summarizes one registered project.
type ProjectStatus struct {
	Slug       string `json:"slug"`
	Path       string `json:"path"`
	Title      string `json:"title,omitempty"`
	Sessions   int    `json:"sessions"`
	Clients    int    `json:"clients"`
	Processing bool   `json:"processing,omitempty"`
}

// Controller is the daemon surface the control channel drives. Every
// mutating command persists configuration before it returns success.
type Controller interface {
	AddProject(path string) (slug string, existing bool, err error)
	RemoveProject(key string) error
	SetProjectTitle(slug, title string) error
	SetPin(pinHash string) error
	SetKeepAwake(on bool) error
	TestNotify() error
	Status() Status
	Shutdown()
}

type Server struct {
	ctrl       Controller
	socketPath string
}

func NewServer(ctrl Controller, socketPath string) *Server {
	return &Server{ctrl: ctrl, socketPath: socketPath}
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	// Clean up stale socket from a previous run.
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.socketPath, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /control", s.handleControl)
	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	srv := &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		os.Remove(s.socketPath)
		return nil
	case err := <-errCh:
		os.Remove(s.socketPath)
		return err
	}
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: "invalid JSON: " + err.Error()})
		return
	}
	logger.Debug("control command", "cmd", req.Cmd)
	writeJSON(w, http.StatusOK, s.execute(req))
}

// execute never panics across the channel: failures come back as
// {ok:false, error}.
func (s *Server) execute(req Request) Response {
	switch req.Cmd {
	case "add_project":
		if req.Path == "" {
			return Response{Error: "path is required"}
		}
		slug, existing, err := s.ctrl.AddProject(req.Path)
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true, Slug: slug, Existing: existing}

	case "remove_project":
		key := req.Slug
		if key == "" {
			key = req.Path
		}
		if key == "" {
			return Response{Error: "slug or path is required"}
		}
		if err := s.ctrl.RemoveProject(key); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true}

	case "set_project_title":
		if req.Slug == "" {
			return Response{Error: "slug is required"}
		}
		if err := s.ctrl.SetProjectTitle(req.Slug, req.Title); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true}

	case "set_pin":
		if err := s.ctrl.SetPin(req.PinHash); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true}

	case "test_notify":
		if err := s.ctrl.TestNotify(); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true}

	case "set_keep_awake":
		if err := s.ctrl.SetKeepAwake(req.On); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true}

	case "get_status":
		st := s.ctrl.Status()
		return Response{OK: true, Status: &st}

	case "shutdown":
		// Reply first; the daemon exits right after.
		go s.ctrl.Shutdown()
		return Response{OK: true}

	default:
		return Response{Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
