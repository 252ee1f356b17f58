package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"golang.org/x/time/rate"

	"fsproxy/internal/core/logger"
	"fsproxy/internal/core/types"
	"fsproxy/internal/transport"
)

// Client is the transport-neutral façade over the server's chunk API.
// Chunk payloads pass through the rate limiter in both directions.
type Client struct {
	base    *url.URL
	ht      *transport.HTTPTransfer
	limiter *rate.Limiter
	log     *logger.Logger
}

type ClientOption func(*Client)

func WithTransfer(ht *transport.HTTPTransfer) ClientOption {
	return func(c *Client) {
		c.ht = ht
	}
}

func WithLimiter(limiter *rate.Limiter) ClientOption {
	return func(c *Client) {
		c.limiter = limiter
	}
}

func WithClientLogger(log *logger.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

func NewClient(base *url.URL, opts ...ClientOption) *Client {
	c := &Client{
		base:    base,
		ht:      transport.NewHTTPTransfer(),
		limiter: rate.NewLimiter(rate.Inf, 0),
		log:     logger.NewLogger(logger.WithName("rpc")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) route(path string) string {
	return c.base.JoinPath(path).String()
}

// DownloadChunk fetches one chunk of logical from the server. With probe set
// the response carries metadata and the open status only.
func (c *Client) DownloadChunk(ctx context.Context, logical string, chunk int, option types.OpenOption, probe bool) (*ChunkResponse, error) {
	req := DownloadRequest{
		Path:   logical,
		Chunk:  chunk,
		Option: option,
		Probe:  probe,
	}

	var res ChunkResponse
	err := c.ht.Post(ctx, c.route(RouteDownload), decodeJSON(&res), transport.HTTPRequestJSON(req))
	if err != nil {
		return nil, fmt.Errorf("download chunk %d of %s: %w", chunk, logical, err)
	}

	if len(res.Data) > 0 {
		if err := c.limiter.WaitN(ctx, len(res.Data)); err != nil {
			return nil, err
		}
	}

	return &res, nil
}

// UploadChunk sends one chunk of a new version to the server.
func (c *Client) UploadChunk(ctx context.Context, req UploadRequest) error {
	if len(req.Data) > 0 {
		if err := c.limiter.WaitN(ctx, len(req.Data)); err != nil {
			return err
		}
	}

	err := c.ht.Post(ctx, c.route(RouteUpload), discardBody, transport.HTTPRequestJSON(req))
	if err != nil {
		return fmt.Errorf("upload chunk %d of %s: %w", req.Chunk, req.Path, err)
	}
	return nil
}

// Upload streams the file at cachePath to the server as version version of
// logical, in ChunkSize pieces.
func (c *Client) Upload(ctx context.Context, logical, cachePath string, version int, size int64) error {
	f, err := os.Open(cachePath)
	if err != nil {
		return fmt.Errorf("open upload source %s: %w", cachePath, err)
	}
	defer f.Close()

	c.log.Debug("Uploading file", "path", logical, "version", version, "size", types.Bytes(size))

	// A zero-length file still needs one (empty) chunk so the server records
	// the version.
	for chunk, start := 0, int64(0); ; chunk++ {
		chunkSize := min(int64(ChunkSize), size-start)
		data := make([]byte, chunkSize)
		if chunkSize > 0 {
			if _, err := f.ReadAt(data, start); err != nil && err != io.EOF {
				return fmt.Errorf("read upload chunk %d of %s: %w", chunk, cachePath, err)
			}
		}

		start += chunkSize
		last := start >= size

		err := c.UploadChunk(ctx, UploadRequest{
			Path:    logical,
			Data:    data,
			Version: version,
			Chunk:   chunk,
			Last:    last,
		})
		if err != nil {
			return err
		}

		if last {
			return nil
		}
	}
}

// StatExists reports whether logical exists on the server.
func (c *Client) StatExists(ctx context.Context, logical string) (bool, error) {
	stat, err := c.stat(ctx, logical)
	if err != nil {
		return false, err
	}
	return stat.Exists, nil
}

// StatIsDir reports whether logical names a directory on the server.
func (c *Client) StatIsDir(ctx context.Context, logical string) (bool, error) {
	stat, err := c.stat(ctx, logical)
	if err != nil {
		return false, err
	}
	return stat.IsDir, nil
}

// StatVersion returns the server's version for logical, or -1 when absent.
func (c *Client) StatVersion(ctx context.Context, logical string) (int, error) {
	stat, err := c.stat(ctx, logical)
	if err != nil {
		return -1, err
	}
	return stat.Version, nil
}

func (c *Client) stat(ctx context.Context, logical string) (*StatResponse, error) {
	var res StatResponse
	err := c.ht.Get(ctx, c.route(RouteStat), decodeJSON(&res),
		transport.HTTPRequestQuery(map[string]string{"path": logical}))
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", logical, err)
	}
	return &res, nil
}

// Delete removes logical on the server. A false return means the server
// refused or the file was absent.
func (c *Client) Delete(ctx context.Context, logical string) (bool, error) {
	var res DeleteResponse
	err := c.ht.Post(ctx, c.route(RouteDelete), decodeJSON(&res),
		transport.HTTPRequestJSON(DeleteRequest{Path: logical}))
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", logical, err)
	}
	return res.Deleted, nil
}

func decodeJSON(v any) transport.HTTPResponseCallback {
	return func(resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(v)
	}
}

func discardBody(resp *http.Response) error {
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	_, err := io.Copy(io.Discard, resp.Body)
	return err
}
