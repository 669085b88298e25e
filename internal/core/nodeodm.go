package core

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/odmkit/odmctl/internal/odm"
	"github.com/odmkit/odmctl/pkg/api"
)

// DefaultNodeOutputDir is where NodeODM results are extracted.
const DefaultNodeOutputDir = "output/NodeODM"

// NodeODM is the part of the NodeODM client a direct run needs.
type NodeODM interface {
	NewTask(ctx context.Context, name string, inputs odm.InputSet, options []api.NodeOption) (uuid.UUID, error)
	Snapshot(id uuid.UUID) odm.FetchFunc
	Download(ctx context.Context, id uuid.UUID, asset string) (io.ReadCloser, int64, error)
	Remove(ctx context.Context, id uuid.UUID) error
}

type NodeRunRequest struct {
	Name      string
	ImagesDir string
	MinImages int
	Options   []api.NodeOption
	OutputDir string
}

type NodeRunResult struct {
	TaskID  uuid.UUID
	Files   []string
	Elapsed string
}

// NodePipeline runs a task directly on a NodeODM node and extracts all.zip.
type NodePipeline struct {
	Client   NodeODM
	Poller   odm.Poller
	Out      io.Writer
	Progress io.Writer
	History  *Store
}

func (p *NodePipeline) Run(ctx context.Context, req NodeRunRequest) (NodeRunResult, error) {
	rec := RunRecord{Backend: "nodeodm", Project: req.Name, StartedAt: time.Now(), Asset: odm.DefaultAsset}
	res, err := p.run(ctx, req, &rec)
	if rec.TaskID == "" || p.History == nil {
		return res, err
	}
	rec.Status = RunCompleted
	if err != nil {
		rec.Status, rec.Error = RunFailed, err.Error()
		if ctx.Err() != nil {
			rec.Status = RunInterrupted
		}
	}
	rec.FinishedAt = time.Now()
	hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, herr := p.History.Record(hctx, rec); herr != nil {
		log.Warn().Err(herr).Msg("Failed to record run history")
	}
	return res, err
}

func (p *NodePipeline) run(ctx context.Context, req NodeRunRequest, rec *RunRecord) (NodeRunResult, error) {
	out := p.Out
	if out == nil {
		out = io.Discard
	}
	outputDir := req.OutputDir
	if outputDir == "" {
		outputDir = DefaultNodeOutputDir
	}

	inputs, err := odm.GatherInputs(req.ImagesDir, odm.GatherMode{MinImages: req.MinImages})
	if err != nil {
		return NodeRunResult{}, err
	}
	fmt.Fprintf(out, "Images retrieved: %d\n", inputs.Count("images"))

	id, err := p.Client.NewTask(ctx, req.Name, inputs, req.Options)
	if err != nil {
		return NodeRunResult{}, err
	}
	rec.TaskID = id.String()
	fmt.Fprintf(out, "Task created: %s\n", id)

	poller := p.Poller
	if poller.OnProgress == nil {
		poller.OnProgress = func(pr odm.Progress) {
			fmt.Fprintf(out, "Task processing . . . (%s) (%s)\n", statusName(pr.Status), pr.Elapsed)
		}
	}
	snap, state, err := poller.Run(ctx, p.Client.Snapshot(id))
	if err != nil {
		if ctx.Err() != nil {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), CleanupTimeout)
			defer cancel()
			if rerr := p.Client.Remove(cctx, id); rerr != nil {
				log.Error().Err(rerr).Str("task", id.String()).Msg("Task cleanup failed")
			}
			return NodeRunResult{}, odm.Mark(odm.ErrInterrupted, fmt.Sprintf("task %s removed", id), nil)
		}
		return NodeRunResult{}, err
	}
	elapsed := odm.FormatElapsed(snap.ProcessingTime)
	if state == odm.StateFailed {
		return NodeRunResult{}, odm.Mark(odm.ErrRemoteTaskFailure, fmt.Sprintf("task %s: %s", id, snap.Message), nil)
	}
	fmt.Fprintf(out, "Task completed in %s\n", elapsed)

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return NodeRunResult{}, fmt.Errorf("create output dir: %w", err)
	}
	archive := filepath.Join(outputDir, odm.DefaultAsset)
	body, size, err := p.Client.Download(ctx, id, odm.DefaultAsset)
	if err != nil {
		return NodeRunResult{}, err
	}
	defer body.Close()
	n, err := odm.SaveStream(ctx, body, size, archive, p.Progress)
	if err != nil {
		return NodeRunResult{}, err
	}
	rec.Path, rec.Bytes = outputDir, n

	files, err := Extract(archive, outputDir)
	if err != nil {
		return NodeRunResult{}, err
	}
	if err := os.Remove(archive); err != nil {
		log.Warn().Err(err).Str("path", archive).Msg("Failed to remove archive")
	}
	fmt.Fprintf(out, "Assets downloaded to %s\n", outputDir)
	return NodeRunResult{TaskID: id, Files: files, Elapsed: elapsed}, nil
}

// Extract unpacks the zip archive at src into dir and returns the extracted
// file paths. Entries escaping dir are rejected.
func Extract(src, dir string) ([]string, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, f := range zr.File {
		target := filepath.Join(root, filepath.FromSlash(f.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return files, fmt.Errorf("archive entry %q escapes %s", f.Name, dir)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, err
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return files, err
		}
		files = append(files, target)
	}
	return files, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	dst, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, rc); err != nil {
		dst.Close()
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return dst.Close()
}
