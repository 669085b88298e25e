package webodm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/odmkit/odmctl/internal/odm"
	"github.com/odmkit/odmctl/pkg/api"
)

// HTTPDoer is the transport the client sends requests through.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configure a Client.
type Options struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// Client talks to the WebODM REST API. It is not safe for concurrent use
// while Authenticate is running.
type Client struct {
	baseURL string
	timeout time.Duration
	token   string
	http    HTTPDoer
}

func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		timeout: timeout,
		http:    odm.NewRetryableHTTPClient(timeout, opts.RequestsPerSecond),
	}
}

// WithHTTPClient swaps the transport, mostly for tests.
func (c *Client) WithHTTPClient(d HTTPDoer) *Client {
	c.http = d
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

// Authenticate exchanges credentials for a JWT and keeps it for later calls.
func (c *Client) Authenticate(ctx context.Context, username, password string) (string, error) {
	form := url.Values{"username": {username}, "password": {password}}
	var out struct {
		Token string `json:"token"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/token-auth/", form, &out); err != nil {
		return "", markAPI(odm.ErrAuthentication, "invalid credentials", err)
	}
	if out.Token == "" {
		return "", odm.Mark(odm.ErrAuthentication, "invalid credentials", nil)
	}
	c.token = out.Token
	return out.Token, nil
}

// CreateProject creates a project and returns its id.
func (c *Client) CreateProject(ctx context.Context, name string) (int, error) {
	var out struct {
		ID *int `json:"id"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/projects/", url.Values{"name": {name}}, &out); err != nil {
		return 0, markAPI(odm.ErrProjectCreation, name, err)
	}
	if out.ID == nil {
		return 0, odm.Mark(odm.ErrProjectCreation, name, nil)
	}
	return *out.ID, nil
}

// ListProjects returns the projects named name, or every project when name is empty.
func (c *Client) ListProjects(ctx context.Context, name string) ([]api.Project, error) {
	path := "/api/projects/"
	if name != "" {
		path += "?name=" + url.QueryEscape(name)
	}
	var out []api.Project
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return out, nil
}

func (c *Client) DeleteProject(ctx context.Context, projectID int) error {
	if err := c.call(ctx, http.MethodDelete, fmt.Sprintf("/api/projects/%d/", projectID), nil, nil); err != nil {
		return fmt.Errorf("delete project %d: %w", projectID, err)
	}
	return nil
}

// DeleteProjectsByName removes every project called name and returns the
// deleted ids. It keeps going when a single delete fails.
func (c *Client) DeleteProjectsByName(ctx context.Context, name string) ([]int, error) {
	projects, err := c.ListProjects(ctx, name)
	if err != nil {
		return nil, err
	}
	var deleted []int
	var errs []error
	for _, p := range projects {
		if p.Name != name {
			continue
		}
		if err := c.DeleteProject(ctx, p.ID); err != nil {
			log.Warn().Err(err).Int("project_id", p.ID).Msg("Failed to delete project")
			errs = append(errs, err)
			continue
		}
		deleted = append(deleted, p.ID)
	}
	return deleted, errors.Join(errs...)
}

// SubmitTask uploads inputs with the raw options JSON and returns the task id.
// File handles are released once the request completes.
func (c *Client) SubmitTask(ctx context.Context, projectID int, inputs odm.InputSet, options string) (api.TaskID, error) {
	body, contentType := odm.StreamMultipart([]odm.Field{{Name: "options", Value: options}}, inputs)
	defer body.Close()

	path := fmt.Sprintf("/api/projects/%d/tasks/", projectID)
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)

	var out struct {
		ID api.TaskID `json:"id"`
	}
	if err := c.send(req, &out); err != nil {
		return "", markAPI(odm.ErrTaskCreation, fmt.Sprintf("project %d", projectID), err)
	}
	if out.ID == "" {
		return "", odm.Mark(odm.ErrTaskCreation, fmt.Sprintf("project %d", projectID), nil)
	}
	return out.ID, nil
}

// GetTask returns the current task document.
func (c *Client) GetTask(ctx context.Context, projectID int, taskID api.TaskID) (api.Task, error) {
	var out api.Task
	path := fmt.Sprintf("/api/projects/%d/tasks/%s/", projectID, url.PathEscape(string(taskID)))
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return api.Task{}, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return out, nil
}

// Snapshot adapts GetTask to the poll loop.
func (c *Client) Snapshot(projectID int, taskID api.TaskID) odm.FetchFunc {
	return func(ctx context.Context) (odm.Snapshot, error) {
		t, err := c.GetTask(ctx, projectID, taskID)
		if err != nil {
			return odm.Snapshot{}, err
		}
		return odm.Snapshot{
			Status:         t.Status,
			ProcessingTime: t.ProcessingTime,
			Progress:       t.RunningProgress,
			Message:        t.LastError,
		}, nil
	}
}

// Download opens the asset stream. The caller closes the body.
func (c *Client) Download(ctx context.Context, projectID int, taskID api.TaskID, asset string) (io.ReadCloser, int64, error) {
	path := fmt.Sprintf("/api/projects/%d/tasks/%s/download/%s", projectID, url.PathEscape(string(taskID)), url.PathEscape(asset))
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("download %s: %w", asset, err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, 0, fmt.Errorf("download %s: %w", asset, apiError(req, resp))
	}
	return resp.Body, resp.ContentLength, nil
}

func (c *Client) ListProcessingNodes(ctx context.Context) ([]api.ProcessingNode, error) {
	var out []api.ProcessingNode
	if err := c.call(ctx, http.MethodGet, "/api/processingnodes/", nil, &out); err != nil {
		return nil, fmt.Errorf("list processing nodes: %w", err)
	}
	return out, nil
}

// FindProcessingNodes returns the nodes registered at hostname:port.
func (c *Client) FindProcessingNodes(ctx context.Context, hostname string, port int) ([]api.ProcessingNode, error) {
	nodes, err := c.ListProcessingNodes(ctx)
	if err != nil {
		return nil, err
	}
	var out []api.ProcessingNode
	for _, n := range nodes {
		if n.Hostname == hostname && n.Port == port {
			out = append(out, n)
		}
	}
	return out, nil
}

// AddProcessingNode registers hostname:port unless it is already known.
func (c *Client) AddProcessingNode(ctx context.Context, hostname string, port int) (api.ProcessingNode, error) {
	existing, err := c.FindProcessingNodes(ctx, hostname, port)
	if err != nil {
		return api.ProcessingNode{}, err
	}
	if len(existing) > 0 {
		return existing[0], odm.Mark(odm.ErrNodeExists, fmt.Sprintf("%s:%d registered as %q", hostname, port, existing[0].Label), nil)
	}
	form := url.Values{"hostname": {hostname}, "port": {strconv.Itoa(port)}}
	var out api.ProcessingNode
	if err := c.call(ctx, http.MethodPost, "/api/processingnodes/", form, &out); err != nil {
		return api.ProcessingNode{}, fmt.Errorf("add processing node %s:%d: %w", hostname, port, err)
	}
	if out.ID == 0 {
		return api.ProcessingNode{}, fmt.Errorf("add processing node %s:%d: no id in response", hostname, port)
	}
	return out, nil
}

// DeleteProcessingNode removes a node. The default node (id 1) is refused.
func (c *Client) DeleteProcessingNode(ctx context.Context, id int) error {
	if id == 1 {
		return odm.ErrDefaultNode
	}
	if err := c.call(ctx, http.MethodDelete, fmt.Sprintf("/api/processingnodes/%d/", id), nil, nil); err != nil {
		return fmt.Errorf("delete processing node %d: %w", id, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "JWT "+c.token)
	}
	return req, nil
}

// call sends a bounded metadata request. A non-nil form is sent url-encoded.
func (c *Client) call(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apiError(req, resp)
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func apiError(req *http.Request, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &odm.APIError{
		Method: req.Method,
		URL:    req.URL.Redacted(),
		Status: resp.StatusCode,
		Body:   strings.TrimSpace(string(body)),
	}
}

// markAPI tags server rejections with marker and leaves transport errors as they are.
func markAPI(marker error, detail string, err error) error {
	var apiErr *odm.APIError
	if errors.As(err, &apiErr) {
		return odm.Mark(marker, detail, err)
	}
	return err
}
