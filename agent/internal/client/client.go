// Package client talks to the backend device API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"coffee-fleet/protocol"
)

// Upload kinds understood by Upload.
const (
	UploadStatus        = "status"
	UploadMaterial      = "material"
	UploadCommandResult = "command_result"
	UploadOrder         = "order"
)

type Client struct {
	base     string
	deviceID string
	http     *http.Client
}

func New(baseURL, deviceID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{base: baseURL, deviceID: deviceID, http: &http.Client{Timeout: timeout}}
}

func (c *Client) devicePath(suffix string) string {
	return "/api/v1/devices/" + url.PathEscape(c.deviceID) + suffix
}

func (c *Client) Register(ctx context.Context, req protocol.RegisterRequest) (protocol.RegisterResponse, error) {
	var out protocol.RegisterResponse
	req.DeviceID = c.deviceID
	err := c.do(ctx, http.MethodPost, "/api/v1/devices/register", req, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context, report protocol.StatusReport) (protocol.StatusResponse, error) {
	var out protocol.StatusResponse
	err := c.do(ctx, http.MethodPost, c.devicePath("/status"), report, &out)
	return out, err
}

func (c *Client) Materials(ctx context.Context, report protocol.MaterialReport) (protocol.MaterialResponse, error) {
	var out protocol.MaterialResponse
	err := c.do(ctx, http.MethodPost, c.devicePath("/materials"), report, &out)
	return out, err
}

func (c *Client) Pending(ctx context.Context) ([]protocol.PendingCommand, error) {
	var out protocol.PendingResponse
	if err := c.do(ctx, http.MethodGet, c.devicePath("/commands/pending"), nil, &out); err != nil {
		return nil, err
	}
	return out.Commands, nil
}

func (c *Client) CommandResult(ctx context.Context, res protocol.CommandResult) (protocol.CommandResultResponse, error) {
	var out protocol.CommandResultResponse
	err := c.do(ctx, http.MethodPost, c.devicePath("/command_result"), res, &out)
	return out, err
}

func (c *Client) Order(ctx context.Context, report protocol.OrderReport) (protocol.OrderResponse, error) {
	var out protocol.OrderResponse
	err := c.do(ctx, http.MethodPost, c.devicePath("/orders"), report, &out)
	return out, err
}

// Upload sends an already-encoded queued payload. Replays the backend
// recognises as duplicates count as success.
func (c *Client) Upload(ctx context.Context, kind string, payload json.RawMessage) error {
	var path string
	switch kind {
	case UploadStatus:
		path = c.devicePath("/status")
	case UploadMaterial:
		path = c.devicePath("/materials")
	case UploadCommandResult:
		path = c.devicePath("/command_result")
	case UploadOrder:
		path = c.devicePath("/orders")
	default:
		return &Error{Kind: KindPermanent, Message: fmt.Sprintf("unknown upload kind %q", kind)}
	}
	return c.do(ctx, http.MethodPost, path, payload, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		var raw []byte
		switch b := body.(type) {
		case json.RawMessage:
			raw = b
		default:
			var err error
			if raw, err = json.Marshal(body); err != nil {
				return &Error{Kind: KindPermanent, Message: "encode request", Err: err}
			}
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return &Error{Kind: KindPermanent, Message: "build request", Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Device-ID", c.deviceID)

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	var env protocol.Envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&env); err != nil {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return &Error{Kind: KindTransient, Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return &Error{Kind: KindTransient, Status: resp.StatusCode, Message: "malformed response", Err: err}
	}
	if resp.StatusCode >= 300 || !env.OK {
		return classifyStatus(resp.StatusCode, env.Error)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &Error{Kind: KindTransient, Status: resp.StatusCode, Message: "malformed data", Err: err}
		}
	}
	return nil
}

func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTransient, Message: "request timed out", Err: err}
	}
	return &Error{Kind: KindOffline, Err: err}
}

func classifyStatus(status int, body *protocol.Error) error {
	e := &Error{Status: status, Message: http.StatusText(status)}
	if body != nil {
		e.Code, e.Message = body.Code, body.Message
	}
	switch {
	case status >= 500, status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		e.Kind = KindTransient
	case e.Code == protocol.CodeDeviceNotFound:
		e.Kind = KindNotFound
	default:
		e.Kind = KindPermanent
	}
	return e
}
