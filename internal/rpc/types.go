// Package rpc defines the chunk wire protocol between proxy and server and
// the typed client façade over it.
package rpc

import (
	"github.com/dustin/go-humanize"

	"fsproxy/internal/core/types"
)

// ChunkSize is the fixed transfer unit on both sides of the wire.
const ChunkSize = 300 * humanize.KiByte

// Wire routes served by the file server.
const (
	RouteDownload = "/rpc/v1/download"
	RouteUpload   = "/rpc/v1/upload"
	RouteStat     = "/rpc/v1/stat"
	RouteDelete   = "/rpc/v1/delete"
)

// DownloadRequest asks for one chunk of a file. The first request of an open
// is a probe: it carries no payload back, only version, size and the open
// status, letting the proxy resolve a cache hit without moving bytes.
type DownloadRequest struct {
	Path   string           `json:"path"`
	Chunk  int              `json:"chunk_number"`
	Option types.OpenOption `json:"open_option"`
	Probe  bool             `json:"is_first_fetch"`
}

// ChunkResponse is the server's answer to a download request.
type ChunkResponse struct {
	Valid     bool   `json:"valid"`
	Exists    bool   `json:"exists"`
	IsDir     bool   `json:"is_dir"`
	Version   int    `json:"version"`
	TotalSize int64  `json:"total_size"`
	Chunk     int    `json:"chunk_number"`
	Last      bool   `json:"is_last"`
	Data      []byte `json:"data,omitempty"`
	Status    int    `json:"status_code"`
}

// UploadRequest carries one chunk of a writer's new version to the server.
// The server records the version when the last chunk lands.
type UploadRequest struct {
	Path    string `json:"path"`
	Data    []byte `json:"data"`
	Version int    `json:"version"`
	Chunk   int    `json:"chunk_number"`
	Last    bool   `json:"is_last"`
}

// StatResponse describes a server path: existence, kind and version.
// Version is -1 when the file is absent.
type StatResponse struct {
	Exists  bool `json:"exists"`
	IsDir   bool `json:"is_dir"`
	Version int  `json:"version"`
}

// DeleteRequest names a server file to remove.
type DeleteRequest struct {
	Path string `json:"path"`
}

// DeleteResponse reports whether the delete happened.
type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}
