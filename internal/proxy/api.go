package proxy

import (
	"encoding/json"
	"net/http"

	"fsproxy/internal/api"
	"fsproxy/internal/api/response"
	"fsproxy/internal/session"
)

// RegisterHandlers registers the session API routes.
func (f *Front) RegisterHandlers(registrar api.HandlerRegistrar) error {
	routes := []api.Route{
		api.NewRoute(http.MethodPost, RouteSessions, f.handleNewSession),
		api.NewRoute(http.MethodDelete, RouteSession, f.handleEndSession),
		api.NewRoute(http.MethodPost, RouteOpen, f.handleOpen),
		api.NewRoute(http.MethodPost, RouteClose, f.handleClose),
		api.NewRoute(http.MethodPost, RouteRead, f.handleRead),
		api.NewRoute(http.MethodPost, RouteWrite, f.handleWrite),
		api.NewRoute(http.MethodPost, RouteSeek, f.handleSeek),
		api.NewRoute(http.MethodPost, RouteUnlink, f.handleUnlink),
		api.NewRoute(http.MethodGet, RouteHealth, f.handleHealth),
		api.NewRoute(http.MethodGet, RouteStats, f.handleStats),
	}

	for _, route := range routes {
		if err := registrar.RegisterHandler(route); err != nil {
			return err
		}
	}

	return nil
}

func (f *Front) handleNewSession(w http.ResponseWriter, r *http.Request) {
	id := f.NewSession()
	response.Respond(w, response.WithJSONStatus(SessionResponse{SessionID: id}, http.StatusCreated))
}

func (f *Front) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if !f.EndSession(r.PathValue("id")) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	response.Respond(w, response.WithJSON(response.JSON{"ok": true}))
}

// sessionFor resolves the request's session or writes a 404.
func (f *Front) sessionFor(w http.ResponseWriter, r *http.Request) (*session.Manager, bool) {
	m, ok := f.Session(r.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
	}
	return m, ok
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (f *Front) handleOpen(w http.ResponseWriter, r *http.Request) {
	m, ok := f.sessionFor(w, r)
	if !ok {
		return
	}
	var req OpenRequest
	if !decode(w, r, &req) {
		return
	}

	fd := m.Open(r.Context(), req.Path, req.Option)
	response.Respond(w, response.WithJSON(OpResponse{Result: int64(fd)}))
}

func (f *Front) handleClose(w http.ResponseWriter, r *http.Request) {
	m, ok := f.sessionFor(w, r)
	if !ok {
		return
	}
	var req CloseRequest
	if !decode(w, r, &req) {
		return
	}

	res := m.Close(r.Context(), req.FD)
	response.Respond(w, response.WithJSON(OpResponse{Result: int64(res)}))
}

func (f *Front) handleRead(w http.ResponseWriter, r *http.Request) {
	m, ok := f.sessionFor(w, r)
	if !ok {
		return
	}
	var req ReadRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Size < 0 {
		http.Error(w, "negative read size", http.StatusBadRequest)
		return
	}

	buf := make([]byte, req.Size)
	n := m.Read(req.FD, buf)

	res := OpResponse{Result: int64(n)}
	if n > 0 {
		res.Data = buf[:n]
	}
	response.Respond(w, response.WithJSON(res))
}

func (f *Front) handleWrite(w http.ResponseWriter, r *http.Request) {
	m, ok := f.sessionFor(w, r)
	if !ok {
		return
	}
	var req WriteRequest
	if !decode(w, r, &req) {
		return
	}

	n := m.Write(req.FD, req.Data)
	response.Respond(w, response.WithJSON(OpResponse{Result: int64(n)}))
}

func (f *Front) handleSeek(w http.ResponseWriter, r *http.Request) {
	m, ok := f.sessionFor(w, r)
	if !ok {
		return
	}
	var req SeekRequest
	if !decode(w, r, &req) {
		return
	}

	pos := m.Seek(req.FD, req.Offset, req.Whence)
	response.Respond(w, response.WithJSON(OpResponse{Result: pos}))
}

func (f *Front) handleUnlink(w http.ResponseWriter, r *http.Request) {
	m, ok := f.sessionFor(w, r)
	if !ok {
		return
	}
	var req UnlinkRequest
	if !decode(w, r, &req) {
		return
	}

	res := m.Unlink(r.Context(), req.Path)
	response.Respond(w, response.WithJSON(OpResponse{Result: int64(res)}))
}

func (f *Front) handleHealth(w http.ResponseWriter, r *http.Request) {
	response.Respond(w, response.WithJSON(response.JSON{"status": "healthy"}))
}

func (f *Front) handleStats(w http.ResponseWriter, r *http.Request) {
	f.mu.RLock()
	sessions := len(f.sessions)
	f.mu.RUnlock()

	response.Respond(w, response.WithJSON(response.JSON{
		"cache":    f.store.GetStats(),
		"sessions": sessions,
	}))
}
