package server

import (
	"encoding/json"
	"net/http"
	"os"

	"fsproxy/internal/api"
	"fsproxy/internal/api/response"
	"fsproxy/internal/rpc"
)

// RegisterHandlers registers the chunk RPC routes.
func (s *Server) RegisterHandlers(registrar api.HandlerRegistrar) error {
	routes := []api.Route{
		api.NewRoute(http.MethodPost, rpc.RouteDownload, s.handleDownload),
		api.NewRoute(http.MethodPost, rpc.RouteUpload, s.handleUpload),
		api.NewRoute(http.MethodGet, rpc.RouteStat, s.handleStat),
		api.NewRoute(http.MethodPost, rpc.RouteDelete, s.handleDelete),
	}

	for _, route := range routes {
		if err := registrar.RegisterHandler(route); err != nil {
			return err
		}
	}

	return nil
}

// handleDownload serves one chunk of a file, or only metadata on a probe.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req rpc.DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Respond(w, response.WithJSONStatus(response.JSON{"error": err.Error()}, http.StatusBadRequest))
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	status := s.processOpen(req.Path, req.Option)
	if status < 0 {
		s.log.Debug("Open rejected", "path", req.Path, "option", req.Option, "status", status)
		response.Respond(w, response.WithJSON(rpc.ChunkResponse{
			Valid:  false,
			Chunk:  req.Chunk,
			Last:   true,
			Status: status,
		}))
		return
	}

	serverPath := s.paths.ServerPath(req.Path)
	version := s.version(serverPath)

	info, err := os.Stat(serverPath)
	if err != nil {
		// Open was granted (CREATE_NEW, or CREATE racing a delete) but there
		// is nothing to transfer; the proxy starts from an empty version.
		response.Respond(w, response.WithJSON(rpc.ChunkResponse{
			Valid:   true,
			Exists:  false,
			Version: version,
			Chunk:   req.Chunk,
			Last:    true,
			Status:  status,
		}))
		return
	}

	if info.IsDir() {
		response.Respond(w, response.WithJSON(rpc.ChunkResponse{
			Valid:   true,
			Exists:  true,
			IsDir:   true,
			Version: version,
			Chunk:   req.Chunk,
			Last:    true,
			Status:  status,
		}))
		return
	}

	fileSize := info.Size()
	res := rpc.ChunkResponse{
		Valid:     true,
		Exists:    true,
		Version:   version,
		TotalSize: fileSize,
		Chunk:     req.Chunk,
		Status:    status,
	}

	if !req.Probe {
		offset := int64(req.Chunk) * rpc.ChunkSize
		size := min(int64(rpc.ChunkSize), fileSize-offset)
		if size < 0 {
			size = 0
		}

		data, err := readChunk(serverPath, offset, size)
		if err != nil {
			s.log.Error("Failed to read chunk", "path", serverPath, "chunk", req.Chunk, "error", err)
			response.Respond(w, response.WithJSONError(err))
			return
		}

		res.Data = data
		res.Last = offset+rpc.ChunkSize >= fileSize
		s.log.Debug("Serving chunk", "path", req.Path, "chunk", req.Chunk, "last", res.Last)
	}

	response.Respond(w, response.WithJSON(res))
}

// handleUpload lands one chunk of a new version; the version is recorded
// when the last chunk arrives.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req rpc.UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Respond(w, response.WithJSONStatus(response.JSON{"error": err.Error()}, http.StatusBadRequest))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	serverPath := s.paths.ServerPath(req.Path)
	if !s.inRootDir(serverPath) {
		response.Respond(w, response.WithJSONStatus(response.JSON{"error": "path outside root"}, http.StatusForbidden))
		return
	}

	offset := int64(req.Chunk) * rpc.ChunkSize
	if err := writeChunk(serverPath, req.Data, offset); err != nil {
		s.log.Error("Failed to write chunk", "path", serverPath, "chunk", req.Chunk, "error", err)
		response.Respond(w, response.WithJSONError(err))
		return
	}

	if req.Last {
		s.versions[serverPath] = req.Version
		s.log.Info("File uploaded", "path", req.Path, "version", req.Version)
	}

	response.Respond(w, response.WithJSON(response.JSON{"ok": true}))
}

// handleStat reports existence, kind and version for a path.
func (s *Server) handleStat(w http.ResponseWriter, r *http.Request) {
	logical := r.URL.Query().Get("path")
	serverPath := s.paths.ServerPath(logical)

	res := rpc.StatResponse{Version: -1}
	if info, err := os.Stat(serverPath); err == nil {
		res.Exists = true
		res.IsDir = info.IsDir()
		res.Version = s.statVersion(serverPath)
	}

	response.Respond(w, response.WithJSON(res))
}

// handleDelete removes a file and its version record.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req rpc.DeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Respond(w, response.WithJSONStatus(response.JSON{"error": err.Error()}, http.StatusBadRequest))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	serverPath := s.paths.ServerPath(req.Path)
	deleted := false
	if s.inRootDir(serverPath) && fileExists(serverPath) {
		if err := os.Remove(serverPath); err != nil {
			s.log.Error("Failed to delete file", "path", serverPath, "error", err)
		} else {
			delete(s.versions, serverPath)
			deleted = true
			s.log.Info("File deleted", "path", req.Path)
		}
	}

	response.Respond(w, response.WithJSON(rpc.DeleteResponse{Deleted: deleted}))
}
