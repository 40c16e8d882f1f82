package daemon

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/datawire/dlib/dhttp"
	"github.com/datawire/dlib/dlog"

	"github.com/vmountio/vmount/pkg/config"
	"github.com/vmountio/vmount/pkg/idmap"
	"github.com/vmountio/vmount/pkg/log"
	"github.com/vmountio/vmount/pkg/mount"
	"github.com/vmountio/vmount/pkg/version"
	"github.com/vmountio/vmount/pkg/vm"
)

// Wire types of the daemon's API. The same types are used by Client, so the
// two sides cannot drift apart.
type (
	// MountRequest asks the daemon to establish one mount.
	MountRequest struct {
		Instance string   `json:"instance"`
		Source   string   `json:"source"`
		Target   string   `json:"target"`
		UIDMaps  []string `json:"uid_maps,omitempty"`
		GIDMaps  []string `json:"gid_maps,omitempty"`
	}

	// MountInfo describes one registered mount.
	MountInfo struct {
		ID       string `json:"id"`
		Instance string `json:"instance"`
		Source   string `json:"source"`
		Target   string `json:"target"`
		State    string `json:"state"`
	}

	// MountList is the response to a mount listing.
	MountList struct {
		Mounts []*MountInfo `json:"mounts"`
	}

	// VersionInfo is the response to a version query.
	VersionInfo struct {
		Version string `json:"version"`
	}

	// LogLevelRequest asks the daemon to log at a different level until it
	// is restarted.
	LogLevelRequest struct {
		Level string `json:"level"`
	}

	// StreamEvent is one line of the NDJSON stream produced while a mount
	// starts: any number of progress events terminated by exactly one result
	// or error event.
	StreamEvent struct {
		Event   string     `json:"event"`
		Message string     `json:"message,omitempty"`
		Mount   *MountInfo `json:"mount,omitempty"`
		Error   string     `json:"error,omitempty"`
		Kind    string     `json:"kind,omitempty"`
	}

	// ErrorResponse is the body of every non-2xx response.
	ErrorResponse struct {
		Error string `json:"error"`
		Kind  string `json:"kind,omitempty"`
	}
)

const (
	eventProgress = "progress"
	eventResult   = "result"
	eventError    = "error"

	contentTypeJSON   = "application/json"
	contentTypeNDJSON = "application/x-ndjson"
)

// spec converts the request's mapping strings into a mount specification.
func (r *MountRequest) spec() (*mount.Spec, error) {
	uidMap, err := parseMaps(r.UIDMaps)
	if err != nil {
		return nil, errors.Wrap(err, "uid_maps")
	}
	gidMap, err := parseMaps(r.GIDMaps)
	if err != nil {
		return nil, errors.Wrap(err, "gid_maps")
	}
	return &mount.Spec{Source: r.Source, Target: r.Target, UIDMap: uidMap, GIDMap: gidMap}, nil
}

func parseMaps(ss []string) (idmap.Table, error) {
	var tbl idmap.Table
	for _, s := range ss {
		m, err := idmap.Parse(s)
		if err != nil {
			return nil, err
		}
		tbl = append(tbl, m)
	}
	return tbl, nil
}

func (s *service) routes() *mux.Router {
	m := mux.NewRouter()
	m.HandleFunc("/api/v1/mounts", s.handleMountCreate).Methods(http.MethodPost)
	m.HandleFunc("/api/v1/mounts", s.handleMountList).Methods(http.MethodGet)
	m.HandleFunc("/api/v1/mounts/{id}", s.handleMountDelete).Methods(http.MethodDelete)
	m.HandleFunc("/api/v1/version", s.handleVersion).Methods(http.MethodGet)
	m.HandleFunc("/api/v1/loglevel", s.handleLogLevel).Methods(http.MethodPost)
	m.HandleFunc("/api/v1/quit", s.handleQuit).Methods(http.MethodPost)
	return m
}

// serveAPI runs the daemon's HTTP API on the given listener until ctx is
// done.
func (s *service) serveAPI(ctx context.Context, listener net.Listener) error {
	server := &dhttp.ServerConfig{Handler: s.routes()}
	dlog.Infof(ctx, "API server on %v started", listener.Addr())
	defer dlog.Infof(ctx, "API server on %v ended", listener.Addr())
	if err := server.Serve(ctx, listener); err != nil && err != ctx.Err() {
		return errors.Wrap(err, "API server stopped")
	}
	return nil
}

func (s *service) handleMountCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req MountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiError(ctx, w, http.StatusBadRequest, errors.Wrap(err, "malformed request body"))
		return
	}
	spec, err := req.spec()
	if err != nil {
		apiError(ctx, w, http.StatusBadRequest, err)
		return
	}

	am, err := s.mounts.reserve(req.Instance, spec)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, errMountExists):
			status = http.StatusConflict
		case errors.Is(err, vm.ErrNotFound):
			status = http.StatusNotFound
		}
		apiError(ctx, w, status, err)
		return
	}

	// From here on the outcome travels as stream events; the status is
	// committed by the first write.
	w.Header().Set("Content-Type", contentTypeNDJSON)
	stream := &eventStream{ctx: ctx, enc: json.NewEncoder(w), w: w}
	err = s.mounts.start(ctx, am, stream.progress, config.GetConfig(ctx).Timeouts.Get(config.TimeoutMountInstall))
	if err != nil {
		stream.send(&StreamEvent{Event: eventError, Error: err.Error(), Kind: mount.GetKind(err).String()})
		return
	}
	stream.send(&StreamEvent{Event: eventResult, Mount: am.info()})
}

func (s *service) handleMountList(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, &MountList{Mounts: s.mounts.list()})
}

func (s *service) handleMountDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		apiError(ctx, w, http.StatusBadRequest, errors.Wrap(err, "malformed mount id"))
		return
	}
	if err := s.mounts.remove(ctx, id); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, errMountNotFound):
			status = http.StatusNotFound
		case mount.GetKind(err) == mount.TerminationTimeout:
			status = http.StatusGatewayTimeout
		}
		apiError(ctx, w, status, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, struct{}{})
}

func (s *service) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, &VersionInfo{Version: version.Version})
}

func (s *service) handleLogLevel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req LogLevelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiError(ctx, w, http.StatusBadRequest, errors.Wrap(err, "malformed request body"))
		return
	}
	if _, err := logrus.ParseLevel(req.Level); err != nil {
		apiError(ctx, w, http.StatusBadRequest, err)
		return
	}
	dlog.Infof(ctx, "Changing log level to %q", req.Level)
	log.SetLevel(ctx, req.Level)
	writeJSON(ctx, w, http.StatusOK, struct{}{})
}

func (s *service) handleQuit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dlog.Debug(ctx, "Received quit request")
	writeJSON(ctx, w, http.StatusOK, struct{}{})
	s.quit()
}

// eventStream writes NDJSON events, flushing each one so that a watching
// client sees progress as it happens.
type eventStream struct {
	ctx context.Context
	enc *json.Encoder
	w   http.ResponseWriter
}

func (e *eventStream) progress(message string) {
	e.send(&StreamEvent{Event: eventProgress, Message: message})
}

func (e *eventStream) send(ev *StreamEvent) {
	// A client that went away cannot be helped; the mount proceeds anyway.
	if err := e.enc.Encode(ev); err != nil {
		dlog.Debugf(e.ctx, "dropping %s event: %v", ev.Event, err)
		return
	}
	if f, ok := e.w.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		dlog.Errorf(ctx, "error %v when responding with %T", err, body)
	}
}

func apiError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	dlog.Debugf(ctx, "request failed with %d: %v", status, err)
	writeJSON(ctx, w, status, &ErrorResponse{Error: err.Error(), Kind: mount.GetKind(err).String()})
}
