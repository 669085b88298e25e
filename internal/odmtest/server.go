// Package odmtest is an in-memory stand-in for a WebODM server and a NodeODM
// node, used by tests across the module.
package odmtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/odmkit/odmctl/pkg/api"
)

// Upload records what one task submission carried.
type Upload struct {
	Fields    map[string]int // form field -> number of files
	Filenames []string
	Options   string
	Name      string
}

type Server struct {
	Username string
	Password string
	Token    string

	// TaskID is returned for every submitted WebODM task.
	TaskID string
	// NodeUUID is returned for every NodeODM task.
	NodeUUID string
	// Statuses are served one per task fetch; the last one repeats. A nil
	// entry is served as a null status.
	Statuses        []*api.StatusCode
	ProcessingTimes []int64
	AvailableAssets []string
	AssetBody       []byte
	// OnTaskFetch runs before a task fetch is answered, with its 1-based number.
	OnTaskFetch func(n int)
	// RejectTasks makes task submission answer without an id.
	RejectTasks bool

	mu            sync.Mutex
	nextProjectID int
	projects      map[int]api.Project
	nodes         map[int]api.ProcessingNode
	nextNodeID    int
	taskFetches   int
	requests      []string
	uploads       []Upload
	downloads     []string
}

// New returns a server with one default processing node and credentials
// user/pass.
func New() *Server {
	return &Server{
		Username:        "user",
		Password:        "pass",
		Token:           "abc123",
		TaskID:          "7",
		NodeUUID:        "3a1f2c44-5b6d-4e8b-9f0e-1c2d3e4f5a6b",
		Statuses:        []*api.StatusCode{Status(api.StatusCompleted)},
		AvailableAssets: []string{"all.zip"},
		AssetBody:       []byte("asset-bytes"),
		nextProjectID:   42,
		projects:        map[int]api.Project{},
		nodes:           map[int]api.ProcessingNode{1: {ID: 1, Hostname: "node-odm-1", Port: 3000, Label: "node-odm-1:3000", Online: true}},
		nextNodeID:      2,
	}
}

// Status returns a pointer to s for scripting.
func Status(s api.StatusCode) *api.StatusCode { return &s }

// Start serves s until the test ends and returns the base URL.
func (s *Server) Start(tb testing.TB) string {
	tb.Helper()
	srv := httptest.NewServer(s.Handler())
	tb.Cleanup(srv.Close)
	return srv.URL
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+r.URL.Path)
		s.mu.Unlock()
		mux.ServeHTTP(w, r)
	})
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/token-auth/{$}", s.handleAuth)
	mux.HandleFunc("GET /api/projects/{$}", s.authed(s.handleListProjects))
	mux.HandleFunc("POST /api/projects/{$}", s.authed(s.handleCreateProject))
	mux.HandleFunc("DELETE /api/projects/{id}/{$}", s.authed(s.handleDeleteProject))
	mux.HandleFunc("POST /api/projects/{pid}/tasks/{$}", s.authed(s.handleCreateTask))
	mux.HandleFunc("GET /api/projects/{pid}/tasks/{tid}/{$}", s.authed(s.handleGetTask))
	mux.HandleFunc("GET /api/projects/{pid}/tasks/{tid}/download/{asset}", s.authed(s.handleDownload))
	mux.HandleFunc("GET /api/processingnodes/{$}", s.authed(s.handleListNodes))
	mux.HandleFunc("POST /api/processingnodes/{$}", s.authed(s.handleAddNode))
	mux.HandleFunc("DELETE /api/processingnodes/{id}/{$}", s.authed(s.handleDeleteNode))

	mux.HandleFunc("POST /task/new", s.handleNodeNew)
	mux.HandleFunc("POST /task/remove", s.handleNodeRemove)
	mux.HandleFunc("GET /task/{uuid}/info", s.handleNodeInfo)
	mux.HandleFunc("GET /task/{uuid}/download/{asset}", s.handleDownload)
}

func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "JWT "+s.Token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication credentials were not provided."})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("username") != s.Username || r.PostForm.Get("password") != s.Password {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"non_field_errors": {"Unable to log in with provided credentials."}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": s.Token})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	s.mu.Lock()
	out := []api.Project{}
	for id := 1; id < s.nextProjectID; id++ {
		if p, ok := s.projects[id]; ok && (name == "" || p.Name == name) {
			out = append(out, p)
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	name := r.PostForm.Get("name")
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"name": {"This field is required."}})
		return
	}
	s.mu.Lock()
	p := api.Project{ID: s.nextProjectID, Name: name}
	s.projects[p.ID] = p
	s.nextProjectID++
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, p)
}

// AddProject seeds a project and returns its id.
func (s *Server) AddProject(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := api.Project{ID: s.nextProjectID, Name: name}
	s.projects[p.ID] = p
	s.nextProjectID++
	return p.ID
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	_, ok := s.projects[id]
	delete(s.projects, id)
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	up, err := readUpload(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.uploads = append(s.uploads, up)
	s.mu.Unlock()
	if s.RejectTasks || up.Fields["images"] < 2 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Need at least 2 images"})
		return
	}
	pid, _ := strconv.Atoi(r.PathValue("pid"))
	writeJSON(w, http.StatusCreated, map[string]interface{}{"id": s.TaskID, "project": pid})
}

func (s *Server) nextSnapshot() (status *api.StatusCode, processingTime int64) {
	s.mu.Lock()
	s.taskFetches++
	n := s.taskFetches
	idx := n - 1
	if idx >= len(s.Statuses) {
		idx = len(s.Statuses) - 1
	}
	if idx >= 0 {
		status = s.Statuses[idx]
	}
	if len(s.ProcessingTimes) > 0 {
		t := n - 1
		if t >= len(s.ProcessingTimes) {
			t = len(s.ProcessingTimes) - 1
		}
		processingTime = s.ProcessingTimes[t]
	}
	hook := s.OnTaskFetch
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return status, processingTime
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	status, pt := s.nextSnapshot()
	pid, _ := strconv.Atoi(r.PathValue("pid"))
	task := api.Task{
		ID:              api.TaskID(r.PathValue("tid")),
		Project:         pid,
		Status:          status,
		ProcessingTime:  pt,
		RunningProgress: 0.5,
	}
	if status != nil && *status == api.StatusCompleted {
		task.RunningProgress = 1
		task.AvailableAssets = s.AvailableAssets
	}
	if status != nil && *status == api.StatusFailed {
		task.LastError = "Process exited with code 1"
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	asset := r.PathValue("asset")
	found := false
	for _, a := range s.AvailableAssets {
		if a == asset {
			found = true
		}
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Asset not found"})
		return
	}
	s.mu.Lock()
	s.downloads = append(s.downloads, asset)
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(s.AssetBody)))
	_, _ = w.Write(s.AssetBody)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := []api.ProcessingNode{}
	for id := 1; id < s.nextNodeID; id++ {
		if n, ok := s.nodes[id]; ok {
			out = append(out, n)
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	port, err := strconv.Atoi(r.PostForm.Get("port"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"port": {"A valid integer is required."}})
		return
	}
	host := r.PostForm.Get("hostname")
	s.mu.Lock()
	n := api.ProcessingNode{ID: s.nextNodeID, Hostname: host, Port: port, Label: fmt.Sprintf("%s:%d", host, port)}
	s.nodes[n.ID] = n
	s.nextNodeID++
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(r.PathValue("id"))
	s.mu.Lock()
	_, ok := s.nodes[id]
	delete(s.nodes, id)
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNodeNew(w http.ResponseWriter, r *http.Request) {
	up, err := readUpload(r)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"error": err.Error()})
		return
	}
	s.mu.Lock()
	s.uploads = append(s.uploads, up)
	s.mu.Unlock()
	if up.Fields["images"] < 2 {
		writeJSON(w, http.StatusOK, map[string]string{"error": "Not enough images"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"uuid": s.NodeUUID})
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	status, pt := s.nextSnapshot()
	var info api.NodeTaskInfo
	info.UUID = r.PathValue("uuid")
	info.ProcessingTime = pt
	info.Progress = 50
	if status != nil {
		info.Status.Code = *status
		if *status == api.StatusCompleted {
			info.Progress = 100
		}
	} else {
		info.Status.Code = api.StatusQueued
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleNodeRemove(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("uuid") != s.NodeUUID {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": false, "error": "Invalid uuid"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func readUpload(r *http.Request) (Upload, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return Upload{}, err
	}
	up := Upload{Fields: map[string]int{}}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Upload{}, err
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return Upload{}, err
		}
		switch {
		case part.FileName() != "":
			up.Fields[part.FormName()]++
			up.Filenames = append(up.Filenames, part.FileName())
		case part.FormName() == "options":
			up.Options = string(data)
		case part.FormName() == "name":
			up.Name = string(data)
		}
	}
	return up, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Count returns how many requests matched method and a path prefix.
func (s *Server) Count(method, pathPrefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		m, p, _ := strings.Cut(r, " ")
		if m == method && strings.HasPrefix(p, pathPrefix) {
			n++
		}
	}
	return n
}

func (s *Server) TaskFetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskFetches
}

func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

func (s *Server) Downloads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.downloads...)
}

func (s *Server) Projects() []api.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []api.Project
	for id := 1; id < s.nextProjectID; id++ {
		if p, ok := s.projects[id]; ok {
			out = append(out, p)
		}
	}
	return out
}
