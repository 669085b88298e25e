package webodm_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/odmkit/odmctl/internal/odm"
	"github.com/odmkit/odmctl/internal/odm/webodm"
	"github.com/odmkit/odmctl/internal/odmtest"
	"github.com/odmkit/odmctl/pkg/api"
)

func newClient(t *testing.T, srv *odmtest.Server) *webodm.Client {
	t.Helper()
	return webodm.New(webodm.Options{BaseURL: srv.Start(t) + "/"})
}

func login(t *testing.T, srv *odmtest.Server) *webodm.Client {
	t.Helper()
	c := newClient(t, srv)
	if _, err := c.Authenticate(context.Background(), "user", "pass"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	return c
}

func images(t *testing.T, n int) odm.InputSet {
	t.Helper()
	dir := t.TempDir()
	var set odm.InputSet
	for i := 0; i < n; i++ {
		p := filepath.Join(dir, string(rune('a'+i))+".jpg")
		if err := os.WriteFile(p, []byte("jpeg"), 0o644); err != nil {
			t.Fatal(err)
		}
		set = append(set, odm.ImagePart{File: p})
	}
	return set
}

func TestAuthenticate(t *testing.T) {
	srv := odmtest.New()
	c := newClient(t, srv)

	token, err := c.Authenticate(context.Background(), "user", "pass")
	if err != nil || token != "abc123" {
		t.Fatalf("authenticate = %q, %v", token, err)
	}
	if c.BaseURL()[len(c.BaseURL())-1] == '/' {
		t.Fatalf("base url keeps trailing slash: %s", c.BaseURL())
	}
}

func TestAuthenticateRejected(t *testing.T) {
	srv := odmtest.New()
	c := newClient(t, srv)

	_, err := c.Authenticate(context.Background(), "user", "wrong")
	if !errors.Is(err, odm.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	var apiErr *odm.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 400 {
		t.Fatalf("expected wrapped 400 APIError, got %v", err)
	}
}

func TestCreateProjectAndDeleteByName(t *testing.T) {
	srv := odmtest.New()
	c := login(t, srv)
	ctx := context.Background()

	id, err := c.CreateProject(ctx, "demo")
	if err != nil || id != 42 {
		t.Fatalf("create project = %d, %v", id, err)
	}
	srv.AddProject("other")
	srv.AddProject("demo")

	deleted, err := c.DeleteProjectsByName(ctx, "demo")
	if err != nil {
		t.Fatalf("delete by name: %v", err)
	}
	if len(deleted) != 2 || deleted[0] != 42 || deleted[1] != 44 {
		t.Fatalf("unexpected deleted ids %v", deleted)
	}
	if left := srv.Projects(); len(left) != 1 || left[0].Name != "other" {
		t.Fatalf("unexpected remaining projects %+v", left)
	}
}

func TestCreateProjectWithoutToken(t *testing.T) {
	srv := odmtest.New()
	c := newClient(t, srv)

	_, err := c.CreateProject(context.Background(), "demo")
	if !errors.Is(err, odm.ErrProjectCreation) {
		t.Fatalf("expected ErrProjectCreation, got %v", err)
	}
}

func TestSubmitTaskStreamsInputs(t *testing.T) {
	srv := odmtest.New()
	c := login(t, srv)

	id, err := c.SubmitTask(context.Background(), 42, images(t, 5), `[{"name":"dsm","value":true}]`)
	if err != nil || id != "7" {
		t.Fatalf("submit = %q, %v", id, err)
	}
	ups := srv.Uploads()
	if len(ups) != 1 || ups[0].Fields["images"] != 5 || ups[0].Options != `[{"name":"dsm","value":true}]` {
		t.Fatalf("unexpected upload %+v", ups)
	}
}

func TestSubmitTaskRejected(t *testing.T) {
	srv := odmtest.New()
	c := login(t, srv)

	_, err := c.SubmitTask(context.Background(), 42, images(t, 1), "[]")
	if !errors.Is(err, odm.ErrTaskCreation) {
		t.Fatalf("expected ErrTaskCreation, got %v", err)
	}
}

func TestSnapshotAndDownload(t *testing.T) {
	srv := odmtest.New()
	srv.AvailableAssets = []string{"all.zip", "orthophoto.tif"}
	srv.ProcessingTimes = []int64{61_000}
	c := login(t, srv)
	ctx := context.Background()

	snap, err := c.Snapshot(42, "7")(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if odm.Classify(snap.Status) != odm.StateCompleted || snap.ProcessingTime != 61_000 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	body, size, err := c.Download(ctx, 42, "7", "orthophoto.tif")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if string(data) != "asset-bytes" || size != int64(len(data)) {
		t.Fatalf("unexpected body %q size %d", data, size)
	}

	if _, _, err := c.Download(ctx, 42, "7", "dsm.tif"); err == nil {
		t.Fatal("expected missing asset to fail")
	}
}

func TestNullStatusIsInProgress(t *testing.T) {
	srv := odmtest.New()
	srv.Statuses = []*api.StatusCode{nil}
	c := login(t, srv)

	task, err := c.GetTask(context.Background(), 42, "7")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != nil || odm.Classify(task.Status) != odm.StateInProgress {
		t.Fatalf("unexpected status %v", task.Status)
	}
}

func TestProcessingNodes(t *testing.T) {
	srv := odmtest.New()
	c := login(t, srv)
	ctx := context.Background()

	n, err := c.AddProcessingNode(ctx, "nodeodm", 3001)
	if err != nil || n.ID != 2 {
		t.Fatalf("add node = %+v, %v", n, err)
	}
	if _, err := c.AddProcessingNode(ctx, "nodeodm", 3001); !errors.Is(err, odm.ErrNodeExists) {
		t.Fatalf("expected ErrNodeExists, got %v", err)
	}
	found, err := c.FindProcessingNodes(ctx, "nodeodm", 3001)
	if err != nil || len(found) != 1 {
		t.Fatalf("find = %+v, %v", found, err)
	}
	if err := c.DeleteProcessingNode(ctx, 1); !errors.Is(err, odm.ErrDefaultNode) {
		t.Fatalf("expected ErrDefaultNode, got %v", err)
	}
	if err := c.DeleteProcessingNode(ctx, n.ID); err != nil {
		t.Fatalf("delete node: %v", err)
	}
	nodes, _ := c.ListProcessingNodes(ctx)
	if len(nodes) != 1 || nodes[0].ID != 1 {
		t.Fatalf("unexpected nodes %+v", nodes)
	}
	if srv.Count("DELETE", "/api/processingnodes/1/") != 0 {
		t.Fatal("default node delete reached the server")
	}
}
