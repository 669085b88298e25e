package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/odmkit/odmctl/internal/odm"
	"github.com/odmkit/odmctl/internal/odm/webodm"
	"github.com/odmkit/odmctl/internal/odmtest"
	"github.com/odmkit/odmctl/pkg/api"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

// fixture writes n images and an options file and returns a request for them.
func fixture(t *testing.T, n int) RunRequest {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("img_%02d.jpg", i)), []byte("jpeg"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	opts := filepath.Join(t.TempDir(), "options.json")
	if err := os.WriteFile(opts, []byte(`[{"name":"orthophoto-resolution","value":5}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	return RunRequest{
		ProjectName: "demo",
		OptionsPath: opts,
		ImagesDir:   dir,
		Asset:       "all.zip",
		Username:    "user",
		Password:    "pass",
	}
}

type sleepCounter struct{ n int }

func (s *sleepCounter) sleep(ctx context.Context, d time.Duration) error {
	s.n++
	return ctx.Err()
}

func newPipeline(t *testing.T, srv *odmtest.Server) (*Pipeline, *sleepCounter, *strings.Builder) {
	t.Helper()
	sc := &sleepCounter{}
	out := &strings.Builder{}
	client := webodm.New(webodm.Options{BaseURL: srv.Start(t), Timeout: 5 * time.Second})
	return &Pipeline{Client: client, Poller: odm.Poller{Sleep: sc.sleep}, Out: out}, sc, out
}

func TestPipelineEndToEnd(t *testing.T) {
	chdir(t, t.TempDir())
	srv := odmtest.New()
	srv.Statuses = []*api.StatusCode{odmtest.Status(api.StatusRunning), nil, odmtest.Status(api.StatusCompleted)}
	srv.ProcessingTimes = []int64{1000, 2000, 3661000}
	srv.AvailableAssets = []string{"all.zip", "orthophoto.tif"}
	p, sleeps, out := newPipeline(t, srv)

	req := fixture(t, 5)
	req.Asset = "orthophoto.tif"
	res, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if res.ProjectID != 42 || res.TaskID != "7" || res.Asset != "orthophoto.tif" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Path != filepath.Join("demo", "orthophoto.tif") || res.Elapsed != "01:01:01" {
		t.Fatalf("unexpected result %+v", res)
	}
	data, err := os.ReadFile(res.Path)
	if err != nil || string(data) != "asset-bytes" {
		t.Fatalf("downloaded file: %q %v", data, err)
	}
	if sleeps.n != 2 {
		t.Fatalf("expected 2 sleeps, got %d", sleeps.n)
	}
	// Three polls plus the final task fetch for the asset list.
	if srv.TaskFetches() != 4 {
		t.Fatalf("expected 4 task fetches, got %d", srv.TaskFetches())
	}
	if d := srv.Downloads(); len(d) != 1 || d[0] != "orthophoto.tif" {
		t.Fatalf("unexpected downloads %v", d)
	}
	ups := srv.Uploads()
	if len(ups) != 1 || ups[0].Fields["images"] != 5 || ups[0].Fields["gcp"] != 0 {
		t.Fatalf("unexpected upload %+v", ups)
	}
	if ups[0].Options != `[{"name":"orthophoto-resolution","value":5}]` {
		t.Fatalf("options were modified: %s", ups[0].Options)
	}
	if !strings.Contains(out.String(), "Processing . . . (00:00:01) (50.00%)") {
		t.Fatalf("missing progress line in output:\n%s", out.String())
	}
	login := strings.Index(out.String(), "Logged in: user\n")
	created := strings.Index(out.String(), "Project created: demo (42)")
	if login < 0 || created < login {
		t.Fatalf("expected login line before project creation:\n%s", out.String())
	}
}

func TestPipelineFallsBackToAllZip(t *testing.T) {
	srv := odmtest.New()
	p, _, _ := newPipeline(t, srv)
	outDir := t.TempDir()

	req := fixture(t, 5)
	req.Asset = "dsm.tif"
	req.OutputDir = outDir
	res, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Asset != "all.zip" || res.Path != filepath.Join(outDir, "demo", "all.zip") {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestPipelineInterruptDeletesProjectOnce(t *testing.T) {
	srv := odmtest.New()
	srv.Statuses = []*api.StatusCode{odmtest.Status(api.StatusRunning)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.OnTaskFetch = func(n int) {
		if n == 2 {
			cancel()
		}
	}
	p, _, _ := newPipeline(t, srv)

	_, err := p.Run(ctx, fixture(t, 5))
	if !errors.Is(err, odm.ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	if n := srv.Count("DELETE", "/api/projects/42/"); n != 1 {
		t.Fatalf("expected exactly one project delete, got %d", n)
	}
	if srv.TaskFetches() != 2 {
		t.Fatalf("polling continued after interrupt: %d fetches", srv.TaskFetches())
	}
	if len(srv.Projects()) != 0 {
		t.Fatalf("project still present: %+v", srv.Projects())
	}
	if len(srv.Downloads()) != 0 {
		t.Fatal("interrupted run downloaded an asset")
	}
}

func TestPipelineInsufficientInputMakesNoRequests(t *testing.T) {
	srv := odmtest.New()
	p, _, _ := newPipeline(t, srv)

	_, err := p.Run(context.Background(), fixture(t, 4))
	if !errors.Is(err, odm.ErrInsufficientInput) {
		t.Fatalf("expected ErrInsufficientInput, got %v", err)
	}
	for _, m := range []string{"GET", "POST", "DELETE"} {
		if n := srv.Count(m, "/"); n != 0 {
			t.Fatalf("expected no requests, got %d %s", n, m)
		}
	}
}

func TestPipelineMissingOptionsFile(t *testing.T) {
	srv := odmtest.New()
	p, _, _ := newPipeline(t, srv)

	req := fixture(t, 5)
	req.OptionsPath = filepath.Join(t.TempDir(), "missing.json")
	if _, err := p.Run(context.Background(), req); !errors.Is(err, odm.ErrInputNotFound) {
		t.Fatalf("expected ErrInputNotFound, got %v", err)
	}
	if srv.Count("POST", "/") != 0 {
		t.Fatal("request sent despite missing options file")
	}
}

func TestPipelineRemoteFailure(t *testing.T) {
	srv := odmtest.New()
	srv.Statuses = []*api.StatusCode{odmtest.Status(api.StatusQueued), odmtest.Status(api.StatusFailed)}
	p, _, _ := newPipeline(t, srv)

	_, err := p.Run(context.Background(), fixture(t, 5))
	if !errors.Is(err, odm.ErrRemoteTaskFailure) {
		t.Fatalf("expected ErrRemoteTaskFailure, got %v", err)
	}
	if !strings.Contains(err.Error(), "Process exited with code 1") {
		t.Fatalf("remote message missing from %v", err)
	}
	if len(srv.Downloads()) != 0 || srv.Count("DELETE", "/") != 0 {
		t.Fatal("failed task should neither download nor delete")
	}
}

func TestPipelineBadCredentials(t *testing.T) {
	srv := odmtest.New()
	p, _, _ := newPipeline(t, srv)

	req := fixture(t, 5)
	req.Password = "nope"
	if _, err := p.Run(context.Background(), req); !errors.Is(err, odm.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if srv.Count("POST", "/api/projects/") != 0 {
		t.Fatal("project created without a token")
	}
}

func TestPipelineTaskRejectedKeepsProject(t *testing.T) {
	srv := odmtest.New()
	srv.RejectTasks = true
	p, _, _ := newPipeline(t, srv)

	if _, err := p.Run(context.Background(), fixture(t, 5)); !errors.Is(err, odm.ErrTaskCreation) {
		t.Fatalf("expected ErrTaskCreation, got %v", err)
	}
	if len(srv.Projects()) != 1 {
		t.Fatalf("expected the project to be left in place, got %+v", srv.Projects())
	}
}

type fakePublisher struct {
	local, remote string
}

func (f *fakePublisher) Publish(ctx context.Context, localPath, remoteName string) (string, error) {
	f.local, f.remote = localPath, remoteName
	return "/srv/odm/" + remoteName, nil
}

func TestPipelinePublishesAndRecordsHistory(t *testing.T) {
	srv := odmtest.New()
	p, _, _ := newPipeline(t, srv)
	pub := &fakePublisher{}
	store, err := NewStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()
	p.Publisher, p.History = pub, store

	req := fixture(t, 5)
	req.OutputDir = t.TempDir()
	res, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if pub.local != res.Path || pub.remote != "demo/all.zip" || res.Remote != "/srv/odm/demo/all.zip" {
		t.Fatalf("unexpected publish %+v / %+v", pub, res)
	}

	runs, err := store.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected one run, got %d", len(runs))
	}
	r := runs[0]
	if r.Status != RunCompleted || r.ProjectID != 42 || r.TaskID != "7" || r.Remote != res.Remote || r.Bytes != int64(len("asset-bytes")) {
		t.Fatalf("unexpected record %+v", r)
	}
}

func TestOptionsPath(t *testing.T) {
	if got := OptionsPath("", "opts.json"); got != "opts.json" {
		t.Fatalf("got %s", got)
	}
	if got := OptionsPath("cfg", "opts.json"); got != filepath.Join("cfg", "opts.json") {
		t.Fatalf("got %s", got)
	}
}
