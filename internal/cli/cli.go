// Package cli implements the fsproxy command-line client over the proxy's
// session API.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"fsproxy/internal/core/progress"
	"fsproxy/internal/core/types"
	"fsproxy/internal/proxy"
)

// transferUnit is how much a single read or write request moves.
const transferUnit = 256 * 1024

type Client struct {
	ProxyURL   string
	httpClient *http.Client
}

func NewClient(url string) *Client {
	if url == "" {
		url = "http://localhost:8080"
	}
	return &Client{
		ProxyURL: url,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// post sends a JSON body and decodes the JSON answer into out.
func (c *Client) post(method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if out == nil {
		_, err := io.Copy(io.Discard, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// NewSession opens a session on the proxy.
func (c *Client) NewSession() (string, error) {
	var res proxy.SessionResponse
	url := fmt.Sprintf("%s%s", c.ProxyURL, proxy.RouteSessions)
	if err := c.post(http.MethodPost, url, nil, &res); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	return res.SessionID, nil
}

// EndSession tears the session down.
func (c *Client) EndSession(id string) error {
	url := fmt.Sprintf("%s/v1/sessions/%s", c.ProxyURL, id)
	return c.post(http.MethodDelete, url, nil, nil)
}

func (c *Client) op(session, op string, req any) (*proxy.OpResponse, error) {
	var res proxy.OpResponse
	url := fmt.Sprintf("%s/v1/sessions/%s/%s", c.ProxyURL, session, op)
	if err := c.post(http.MethodPost, url, req, &res); err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	return &res, nil
}

// Get downloads path through the proxy into localPath, showing progress.
func (c *Client) Get(session, path, localPath string) error {
	res, err := c.op(session, "open", proxy.OpenRequest{Path: path, Option: types.OpenRead})
	if err != nil {
		return err
	}
	if res.Result < 0 {
		return fmt.Errorf("open %s: code %d", path, res.Result)
	}
	fd := int(res.Result)
	defer c.op(session, "close", proxy.CloseRequest{FD: fd})

	// Size via seek to end, then rewind.
	end, err := c.op(session, "seek", proxy.SeekRequest{FD: fd, Whence: types.SeekEnd})
	if err != nil {
		return err
	}
	if end.Result < 0 {
		return fmt.Errorf("seek %s: code %d", path, end.Result)
	}
	if res, err = c.op(session, "seek", proxy.SeekRequest{FD: fd, Whence: types.SeekStart}); err != nil {
		return err
	} else if res.Result < 0 {
		return fmt.Errorf("seek %s: code %d", path, res.Result)
	}

	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	defer out.Close()

	bars := progress.NewProgress()
	bars.AddBar(int64(fd), path, end.Result)
	defer bars.Wait()
	defer bars.CloseBar(int64(fd))

	for {
		start := time.Now()
		res, err := c.op(session, "read", proxy.ReadRequest{FD: fd, Size: transferUnit})
		if err != nil {
			return err
		}
		if res.Result < 0 {
			return fmt.Errorf("read %s: code %d", path, res.Result)
		}
		if res.Result == 0 {
			return nil
		}

		if _, err := out.Write(res.Data); err != nil {
			return fmt.Errorf("failed to write %s: %w", localPath, err)
		}
		bars.IncrementBar(int64(fd), res.Result, time.Since(start))
	}
}

// Put uploads localPath through the proxy to path, showing progress.
func (c *Client) Put(session, localPath, path string) error {
	in, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	res, err := c.op(session, "open", proxy.OpenRequest{Path: path, Option: types.OpenCreate})
	if err != nil {
		return err
	}
	if res.Result < 0 {
		return fmt.Errorf("open %s: code %d", path, res.Result)
	}
	fd := int(res.Result)

	bars := progress.NewProgress()
	bars.AddBar(int64(fd), path, info.Size())

	buf := make([]byte, transferUnit)
	for {
		start := time.Now()
		n, err := in.Read(buf)
		if n > 0 {
			res, werr := c.op(session, "write", proxy.WriteRequest{FD: fd, Data: buf[:n]})
			if werr != nil {
				return werr
			}
			if res.Result < 0 {
				return fmt.Errorf("write %s: code %d", path, res.Result)
			}
			bars.IncrementBar(int64(fd), res.Result, time.Since(start))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", localPath, err)
		}
	}

	bars.CloseBar(int64(fd))
	bars.Wait()

	res, err = c.op(session, "close", proxy.CloseRequest{FD: fd})
	if err != nil {
		return err
	}
	if res.Result < 0 {
		return fmt.Errorf("close %s: code %d", path, res.Result)
	}

	fmt.Printf("Uploaded %s to %s\n", localPath, path)
	return nil
}

// Remove unlinks path on the server.
func (c *Client) Remove(session, path string) error {
	res, err := c.op(session, "unlink", proxy.UnlinkRequest{Path: path})
	if err != nil {
		return err
	}
	if res.Result < 0 {
		return fmt.Errorf("unlink %s: code %d", path, res.Result)
	}

	fmt.Printf("Removed %s\n", path)
	return nil
}

// Stats prints the proxy's cache statistics.
func (c *Client) Stats() error {
	url := fmt.Sprintf("%s%s", c.ProxyURL, proxy.RouteStats)
	resp, err := c.httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to get stats, status: %d", resp.StatusCode)
	}

	var stats struct {
		Cache struct {
			Entries     int    `json:"entries"`
			Pinned      int    `json:"pinned"`
			Stale       int    `json:"stale"`
			CurrentSize string `json:"current_size"`
			MaxSize     string `json:"max_size"`
		} `json:"cache"`
		Sessions int `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode stats: %w", err)
	}

	fmt.Printf("Sessions: %d\n", stats.Sessions)
	fmt.Printf("Cache entries: %d (%d pinned, %d stale)\n",
		stats.Cache.Entries, stats.Cache.Pinned, stats.Cache.Stale)
	fmt.Printf("Cache usage: %s of %s\n", stats.Cache.CurrentSize, stats.Cache.MaxSize)

	return nil
}
