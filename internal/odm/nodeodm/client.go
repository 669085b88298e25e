package nodeodm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odmkit/odmctl/internal/odm"
	"github.com/odmkit/odmctl/pkg/api"
)

// MinImages is the smallest image set a NodeODM node accepts.
const MinImages = 2

// DefaultOptions asks the node for a fast orthophoto only.
var DefaultOptions = []api.NodeOption{{Name: "fast-orthophoto", Value: true}}

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to a single NodeODM node, bypassing WebODM.
type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	http    HTTPDoer
}

func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   token,
		timeout: timeout,
		http:    odm.NewRetryableHTTPClient(timeout, 0),
	}
}

func (c *Client) WithHTTPClient(d HTTPDoer) *Client {
	c.http = d
	return c
}

// NewTask uploads the images and returns the task uuid.
func (c *Client) NewTask(ctx context.Context, name string, inputs odm.InputSet, options []api.NodeOption) (uuid.UUID, error) {
	if options == nil {
		options = DefaultOptions
	}
	rawOptions, err := json.Marshal(options)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode options: %w", err)
	}
	fields := []odm.Field{{Name: "options", Value: string(rawOptions)}}
	if name != "" {
		fields = append(fields, odm.Field{Name: "name", Value: name})
	}
	body, contentType := odm.StreamMultipart(fields, inputs)
	defer body.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/task/new"), body)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	var out struct {
		UUID  string `json:"uuid"`
		Error string `json:"error"`
	}
	if err := c.send(req, &out); err != nil {
		return uuid.Nil, odm.Mark(odm.ErrTaskCreation, "", err)
	}
	if out.Error != "" {
		return uuid.Nil, odm.Mark(odm.ErrTaskCreation, out.Error, nil)
	}
	id, err := uuid.Parse(out.UUID)
	if err != nil {
		return uuid.Nil, odm.Mark(odm.ErrTaskCreation, fmt.Sprintf("bad task uuid %q", out.UUID), err)
	}
	return id, nil
}

func (c *Client) TaskInfo(ctx context.Context, id uuid.UUID) (api.NodeTaskInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/task/"+id.String()+"/info"), nil)
	if err != nil {
		return api.NodeTaskInfo{}, fmt.Errorf("create request: %w", err)
	}
	var info api.NodeTaskInfo
	if err := c.send(req, &info); err != nil {
		return api.NodeTaskInfo{}, fmt.Errorf("task info %s: %w", id, err)
	}
	return info, nil
}

// Snapshot adapts TaskInfo to the poll loop. NodeODM reports progress in percent.
func (c *Client) Snapshot(id uuid.UUID) odm.FetchFunc {
	return func(ctx context.Context) (odm.Snapshot, error) {
		info, err := c.TaskInfo(ctx, id)
		if err != nil {
			return odm.Snapshot{}, err
		}
		status := info.Status.Code
		return odm.Snapshot{
			Status:         &status,
			ProcessingTime: info.ProcessingTime,
			Progress:       info.Progress / 100,
			Message:        info.Status.ErrorMessage,
		}, nil
	}
}

// Download opens the asset stream. The caller closes the body.
func (c *Client) Download(ctx context.Context, id uuid.UUID, asset string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/task/"+id.String()+"/download/"+url.PathEscape(asset)), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("download %s: %w", asset, err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, 0, &odm.APIError{Method: req.Method, URL: req.URL.Redacted(), Status: resp.StatusCode, Body: string(body)}
	}
	return resp.Body, resp.ContentLength, nil
}

// Remove cancels the task if it is running and deletes it from the node.
func (c *Client) Remove(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	form := url.Values{"uuid": {id.String()}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/task/remove"), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	var out struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := c.send(req, &out); err != nil {
		return fmt.Errorf("remove task %s: %w", id, err)
	}
	if !out.Success {
		return fmt.Errorf("remove task %s: %s", id, out.Error)
	}
	return nil
}

func (c *Client) url(path string) string {
	u := c.baseURL + path
	if c.token != "" {
		u += "?token=" + url.QueryEscape(c.token)
	}
	return u
}

func (c *Client) send(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &odm.APIError{Method: req.Method, URL: req.URL.Redacted(), Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
