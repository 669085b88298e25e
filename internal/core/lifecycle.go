package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/odmkit/odmctl/internal/odm"
	"github.com/odmkit/odmctl/pkg/api"
)

// CleanupTimeout bounds the project delete issued after an interrupt.
const CleanupTimeout = 30 * time.Second

// WebODM is the part of the WebODM client a pipeline run needs.
type WebODM interface {
	Authenticate(ctx context.Context, username, password string) (string, error)
	CreateProject(ctx context.Context, name string) (int, error)
	SubmitTask(ctx context.Context, projectID int, inputs odm.InputSet, options string) (api.TaskID, error)
	Snapshot(projectID int, taskID api.TaskID) odm.FetchFunc
	GetTask(ctx context.Context, projectID int, taskID api.TaskID) (api.Task, error)
	Download(ctx context.Context, projectID int, taskID api.TaskID, asset string) (io.ReadCloser, int64, error)
	DeleteProject(ctx context.Context, projectID int) error
}

// Publisher copies a finished asset somewhere else.
type Publisher interface {
	Publish(ctx context.Context, localPath, remoteName string) (string, error)
}

// RunRequest describes one processing run.
type RunRequest struct {
	ProjectName string
	OptionsPath string
	ImagesDir   string
	Video       string
	MinImages   int
	Asset       string
	OutputDir   string
	Username    string
	Password    string
}

// RunResult is what a successful run produced.
type RunResult struct {
	ProjectID int
	TaskID    api.TaskID
	Asset     string
	Path      string
	Bytes     int64
	Remote    string
	Elapsed   string
}

// Pipeline drives a WebODM task from upload to downloaded asset.
type Pipeline struct {
	Client WebODM
	Poller odm.Poller
	// Out receives the user facing progress lines. Defaults to io.Discard.
	Out io.Writer
	// Progress is handed to the download; a terminal gets a progress bar.
	Progress io.Writer
	// Publisher and History are optional.
	Publisher Publisher
	History   *Store
}

// OptionsPath joins dir and name, or returns name when dir is empty.
func OptionsPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}

// Run gathers the inputs, then authenticates, creates the project, submits
// the task, polls it and downloads the asset. Input problems are reported
// before any request is made. When ctx is canceled while polling, the project
// is deleted and the error matches odm.ErrInterrupted.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	started := time.Now()
	rec := RunRecord{Backend: "webodm", Project: req.ProjectName, StartedAt: started}

	res, err := p.run(ctx, req, &rec)
	switch {
	case err == nil:
		rec.Status = RunCompleted
	case errors.Is(err, odm.ErrInterrupted):
		rec.Status = RunInterrupted
	default:
		rec.Status = RunFailed
	}
	if rec.ProjectID != 0 {
		p.record(rec, err)
	}
	return res, err
}

func (p *Pipeline) run(ctx context.Context, req RunRequest, rec *RunRecord) (RunResult, error) {
	out := p.Out
	if out == nil {
		out = io.Discard
	}
	minImages := req.MinImages
	if minImages <= 0 {
		minImages = odm.DefaultMinImages
	}

	inputs, err := odm.GatherInputs(req.ImagesDir, odm.GatherMode{Video: req.Video, MinImages: minImages})
	if err != nil {
		return RunResult{}, err
	}
	options, err := os.ReadFile(req.OptionsPath)
	if err != nil {
		return RunResult{}, odm.Mark(odm.ErrInputNotFound, "options file", err)
	}
	log.Debug().Int("parts", len(inputs)).Str("options", req.OptionsPath).Msg("Inputs gathered")

	if _, err := p.Client.Authenticate(ctx, req.Username, req.Password); err != nil {
		return RunResult{}, err
	}
	fmt.Fprintf(out, "Logged in: %s\n", req.Username)
	projectID, err := p.Client.CreateProject(ctx, req.ProjectName)
	if err != nil {
		return RunResult{}, err
	}
	rec.ProjectID = projectID
	fmt.Fprintf(out, "Project created: %s (%d)\n", req.ProjectName, projectID)

	taskID, err := p.Client.SubmitTask(ctx, projectID, inputs, string(options))
	if err != nil {
		return RunResult{}, err
	}
	rec.TaskID = string(taskID)
	fmt.Fprintf(out, "Task created: %s\n", taskID)

	poller := p.Poller
	if poller.OnProgress == nil {
		poller.OnProgress = func(pr odm.Progress) { fmt.Fprintln(out, pr.String()) }
	}
	snap, state, err := poller.Run(ctx, p.Client.Snapshot(projectID, taskID))
	if err != nil {
		if ctx.Err() != nil {
			return RunResult{}, p.cleanup(ctx, projectID)
		}
		return RunResult{}, err
	}
	elapsed := odm.FormatElapsed(snap.ProcessingTime)
	if state == odm.StateFailed {
		detail := fmt.Sprintf("task %s ended with status %s after %s", taskID, statusName(snap.Status), elapsed)
		if snap.Message != "" {
			detail += ": " + snap.Message
		}
		return RunResult{}, odm.Mark(odm.ErrRemoteTaskFailure, detail, nil)
	}
	fmt.Fprintf(out, "Task completed in %s\n", elapsed)

	task, err := p.Client.GetTask(ctx, projectID, taskID)
	if err != nil {
		return RunResult{}, err
	}
	asset := odm.ResolveAsset(req.Asset, task.AvailableAssets)
	rec.Asset = asset

	dest, _, err := odm.ResolveDownloadPath(req.OutputDir, req.ProjectName, asset)
	if err != nil {
		return RunResult{}, err
	}
	body, size, err := p.Client.Download(ctx, projectID, taskID, asset)
	if err != nil {
		return RunResult{}, err
	}
	defer body.Close()
	n, err := odm.SaveStream(ctx, body, size, dest, p.Progress)
	if err != nil {
		return RunResult{}, err
	}
	rec.Path, rec.Bytes = dest, n
	fmt.Fprintf(out, "Asset downloaded: %s\n", dest)

	res := RunResult{ProjectID: projectID, TaskID: taskID, Asset: asset, Path: dest, Bytes: n, Elapsed: elapsed}
	if p.Publisher != nil {
		remote, err := p.Publisher.Publish(ctx, dest, path.Join(req.ProjectName, asset))
		if err != nil {
			return res, fmt.Errorf("publish %s: %w", dest, err)
		}
		res.Remote, rec.Remote = remote, remote
		fmt.Fprintf(out, "Asset published: %s\n", remote)
	}
	return res, nil
}

// cleanup deletes the project of an interrupted run. It runs on a context
// detached from the canceled one so the request still goes out.
func (p *Pipeline) cleanup(ctx context.Context, projectID int) error {
	log.Warn().Int("project_id", projectID).Msg("Interrupted, deleting project")
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), CleanupTimeout)
	defer cancel()
	if err := p.Client.DeleteProject(cctx, projectID); err != nil {
		log.Error().Err(err).Int("project_id", projectID).Msg("Project cleanup failed")
		return odm.Mark(odm.ErrInterrupted, fmt.Sprintf("project %d left behind", projectID), err)
	}
	return odm.Mark(odm.ErrInterrupted, fmt.Sprintf("project %d deleted", projectID), nil)
}

func (p *Pipeline) record(rec RunRecord, runErr error) {
	if p.History == nil {
		return
	}
	rec.FinishedAt = time.Now()
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := p.History.Record(ctx, rec); err != nil {
		log.Warn().Err(err).Msg("Failed to record run history")
	}
}

func statusName(s *api.StatusCode) string {
	if s == nil {
		return "unknown"
	}
	return s.String()
}
