package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"

	"github.com/pkg/errors"

	"github.com/vmountio/vmount/pkg/mount"
)

// Client talks to a running daemon over its unix socket. The zero timeout on
// the underlying http.Client is deliberate: a mount request legitimately
// streams for as long as support installation takes, so deadlines come from
// the caller's context.
type Client struct {
	socketName string
	hc         *http.Client
}

func NewClient(socketName string) *Client {
	return &Client{
		socketName: socketName,
		hc: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return dialSocket(ctx, socketName)
				},
			},
		},
	}
}

// Running reports whether the daemon's socket exists. It does not verify
// that anything is accepting on it; the first request does that.
func (c *Client) Running() (bool, error) {
	return socketExists(c.socketName)
}

// Mount asks the daemon to establish a mount and blocks until it is serving
// or has failed. Progress messages are forwarded to onProgress as they
// arrive; it may be nil. Failures carry the daemon's error kind, see
// mount.GetKind.
func (c *Client) Mount(ctx context.Context, req *MountRequest, onProgress func(string)) (*MountInfo, error) {
	resp, err := c.do(ctx, http.MethodPost, "mounts", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var ev StreamEvent
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("the mount stream ended without a result")
			}
			return nil, err
		}
		switch ev.Event {
		case eventProgress:
			if onProgress != nil {
				onProgress(ev.Message)
			}
		case eventResult:
			return ev.Mount, nil
		case eventError:
			return nil, mount.ParseKind(ev.Kind).New(errors.New(ev.Error))
		}
	}
}

// List returns the daemon's registered mounts.
func (c *Client) List(ctx context.Context) ([]*MountInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, "mounts", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var list MountList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, err
	}
	return list.Mounts, nil
}

// Unmount stops the identified mount and removes it from the daemon.
func (c *Client) Unmount(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, "mounts/"+id, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

// Version returns the daemon's version.
func (c *Client) Version(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, "version", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", decodeError(resp)
	}
	var vi VersionInfo
	if err := json.NewDecoder(resp.Body).Decode(&vi); err != nil {
		return "", err
	}
	return vi.Version, nil
}

// SetLogLevel changes the daemon's log level. The change lasts until the
// daemon restarts.
func (c *Client) SetLogLevel(ctx context.Context, level string) error {
	resp, err := c.do(ctx, http.MethodPost, "loglevel", &LogLevelRequest{Level: level})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

// Quit tells the daemon to stop its mounts and exit.
func (c *Client) Quit(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, "quit", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(bs)
	}
	// The host is a placeholder; the transport always dials the socket.
	req, err := http.NewRequestWithContext(ctx, method, "http://"+ProcessName+"/api/v1/"+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	return c.hc.Do(req)
}

// decodeError turns a non-2xx response into an error carrying the daemon's
// error kind.
func decodeError(resp *http.Response) error {
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
		return errors.Errorf("daemon responded with %s", resp.Status)
	}
	return mount.ParseKind(er.Kind).New(errors.New(er.Error))
}
