// Package adminapi exposes the running tingd process's plugin lifecycle
// operations over HTTP: the serve command mounts a Server, and the
// `tingd plugin` subcommands talk to it through a Client rather than
// constructing their own Manager. This mirrors the teacher's dashboard
// command, which drove service control through a small JSON API instead
// of letting each CLI invocation reimplement process management.
package adminapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/tingreader/ting-plugins/internal/pluginhost"
	"github.com/tingreader/ting-plugins/internal/pluginhost/eventbus"
	"github.com/tingreader/ting-plugins/internal/pluginhost/manager"
)

// Server wraps a live Manager and renders its operations as JSON over
// HTTP. Mounting it is the serve command's job; it never constructs or
// owns the Manager itself.
type Server struct {
	mgr *manager.Manager
	hub *eventbus.Hub
	log *zap.Logger
}

// NewServer builds a Server over mgr. hub may be nil, in which case the
// websocket event relay endpoint is not mounted.
func NewServer(mgr *manager.Manager, hub *eventbus.Hub) *Server {
	return &Server{mgr: mgr, hub: hub, log: zap.L().Named("adminapi")}
}

// Handler returns the mux the serve command should run behind an
// http.Server, alongside whatever else (metrics) it mounts.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/plugins", s.handlePlugins)
	mux.HandleFunc("/v1/plugins/", s.handlePluginByID)
	mux.HandleFunc("/v1/events", s.handleEvents)
	if s.hub != nil {
		mux.Handle("/v1/events/ws", s.hub)
	}
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePlugins serves GET /v1/plugins (list) and POST /v1/plugins
// (install a package from a path reachable by the tingd process).
func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.mgr.Snapshot())

	case http.MethodPost:
		var req struct {
			SourcePath string `json:"source_path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, pluginhost.LoadErrorf("invalid request body: %v", err))
			return
		}
		if req.SourcePath == "" {
			s.writeError(w, pluginhost.ValidationErrorf("source_path is required"))
			return
		}
		id, err := s.mgr.InstallPluginPackage(req.SourcePath)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})

	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handlePluginByID serves the per-plugin operations under
// /v1/plugins/{id}[/action]: DELETE to uninstall, POST .../unload and
// POST .../reload.
func (s *Server) handlePluginByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/plugins/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case r.Method == http.MethodDelete && action == "":
		if err := s.mgr.UninstallPlugin(id); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "uninstalled"})

	case r.Method == http.MethodPost && action == "unload":
		if err := s.mgr.UnloadPlugin(id); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "unloaded"})

	case r.Method == http.MethodPost && action == "reload":
		newID, err := s.mgr.ReloadPlugin(id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": newID})

	default:
		http.NotFound(w, r)
	}
}

// handleEvents serves GET /v1/events: a page of the event bus's
// retained history, for a CLI or dashboard that polls rather than
// holding a websocket open.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.mgr.Bus().History(eventbus.Filter{Limit: 200}))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusForKind maps a pluginhost error Kind onto an HTTP status. The
// NotFound (404), AlreadyRegistered and Dependency (409) cases follow the
// Kind comments in errors.go; the other cases are set here.
func statusForKind(kind pluginhost.Kind) int {
	switch kind {
	case pluginhost.KindNotFound:
		return http.StatusNotFound
	case pluginhost.KindAlreadyRegistered, pluginhost.KindDependency:
		return http.StatusConflict
	case pluginhost.KindPermissionDenied:
		return http.StatusForbidden
	case pluginhost.KindValidation, pluginhost.KindConfig:
		return http.StatusBadRequest
	case pluginhost.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if e, ok := pluginhost.AsError(err); ok {
		status = statusForKind(e.Kind)
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("admin api request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
