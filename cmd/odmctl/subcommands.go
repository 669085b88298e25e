package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	core "github.com/odmkit/odmctl/internal/core"
	"github.com/odmkit/odmctl/internal/odm"
	"github.com/odmkit/odmctl/internal/odm/nodeodm"
	"github.com/odmkit/odmctl/internal/odm/webodm"
	gssh "github.com/odmkit/odmctl/internal/ssh"
	"github.com/odmkit/odmctl/pkg/api"
)

func (a *app) webodm() *webodm.Client {
	return webodm.New(webodm.Options{
		BaseURL:           a.cfg.Server.BaseURL(),
		Timeout:           a.cfg.Server.Timeout(),
		RequestsPerSecond: a.cfg.Server.RequestsPerSecond,
	})
}

// login returns a client holding a session token.
func (a *app) login(cmd *cobra.Command) (*webodm.Client, error) {
	c := a.webodm()
	if _, err := c.Authenticate(cmd.Context(), a.cfg.Server.Username, a.cfg.Server.Password); err != nil {
		return nil, err
	}
	return c, nil
}

func (a *app) history() (*core.Store, error) {
	if a.cfg.History.Path == "" {
		return nil, nil
	}
	return core.NewStore(a.cfg.History.Path)
}

func (a *app) publisher() (*gssh.Publisher, error) {
	pc := a.cfg.Publish
	if pc.Host == "" {
		return nil, nil
	}
	keyPath := pc.KeyPath
	if keyPath == "" {
		keyPath = filepath.Join(core.ConfigDir(), "id_ed25519")
	}
	signer, err := gssh.LoadPrivateKeySigner(keyPath)
	if err != nil {
		return nil, fmt.Errorf("load publish key: %w", err)
	}
	kh, err := gssh.LoadKnownHostsCallback(pc.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return &gssh.Publisher{
		Client: &gssh.Client{
			Addr:       fmt.Sprintf("%s:%d", pc.Host, pc.Port),
			User:       pc.User,
			Signer:     signer,
			KnownHosts: kh,
			Timeout:    30 * time.Second,
			Retries:    2,
		},
		RemoteDir: pc.RemoteDir,
	}, nil
}

// Run the full WebODM lifecycle
func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <project> <options-file> <images-dir>",
		Short: "Upload images to a new WebODM project, wait for processing and download an asset",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			optionsDir, _ := cmd.Flags().GetString("options-dir")
			outputDir, _ := cmd.Flags().GetString("output-dir")
			asset, _ := cmd.Flags().GetString("asset")
			video, _ := cmd.Flags().GetString("video")
			minImages, _ := cmd.Flags().GetInt("min-images")
			interval, _ := cmd.Flags().GetDuration("poll-interval")
			if !cmd.Flags().Changed("options-dir") {
				optionsDir = a.cfg.Run.OptionsDir
			}
			if !cmd.Flags().Changed("output-dir") {
				outputDir = a.cfg.Run.OutputDir
			}
			if !cmd.Flags().Changed("asset") {
				asset = a.cfg.Run.Asset
			}
			if !cmd.Flags().Changed("min-images") {
				minImages = a.cfg.Run.MinImages
			}
			if !cmd.Flags().Changed("poll-interval") {
				interval = a.cfg.Run.PollInterval()
			}

			store, err := a.history()
			if err != nil {
				return err
			}
			if store != nil {
				defer store.Close()
			}
			p := &core.Pipeline{
				Client:   a.webodm(),
				Poller:   odm.Poller{Interval: interval},
				Out:      a.stdout,
				Progress: a.stdout,
			}
			if store != nil {
				p.History = store
			}
			pub, err := a.publisher()
			if err != nil {
				return err
			}
			if pub != nil {
				p.Publisher = pub
			}

			res, err := p.Run(cmd.Context(), core.RunRequest{
				ProjectName: args[0],
				OptionsPath: core.OptionsPath(optionsDir, args[1]),
				ImagesDir:   args[2],
				Video:       video,
				MinImages:   minImages,
				Asset:       asset,
				OutputDir:   outputDir,
				Username:    a.cfg.Server.Username,
				Password:    a.cfg.Server.Password,
			})
			if err != nil {
				return err
			}
			log.Info().
				Int("project_id", res.ProjectID).
				Str("task_id", string(res.TaskID)).
				Str("path", res.Path).
				Str("size", humanize.Bytes(uint64(res.Bytes))).
				Msg("Run completed")
			return nil
		},
	}
	cmd.Flags().String("options-dir", "", "directory holding the options file")
	cmd.Flags().StringP("output-dir", "o", "", "directory to download the asset into")
	cmd.Flags().StringP("asset", "a", odm.DefaultAsset, "asset to download")
	cmd.Flags().StringP("video", "v", "", "base name of a video to upload instead of images")
	cmd.Flags().Int("min-images", odm.DefaultMinImages, "minimum number of images")
	cmd.Flags().Duration("poll-interval", odm.DefaultPollInterval, "delay between task status checks")
	return cmd
}

// Manage WebODM projects
func newProjectsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List or delete WebODM projects",
	}

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			c, err := a.login(cmd)
			if err != nil {
				return err
			}
			projects, err := c.ListProjects(cmd.Context(), name)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(projects))
			for _, p := range projects {
				rows = append(rows, []string{strconv.Itoa(p.ID), p.Name, p.CreatedAt})
			}
			fmt.Fprintln(a.stdout, renderTable([]string{"ID", "Name", "Created"}, rows, []columnAlignment{alignRight}))
			return nil
		},
	}
	ls.Flags().String("name", "", "only list projects with this name")

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete every project with the given name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.login(cmd)
			if err != nil {
				return err
			}
			deleted, err := c.DeleteProjectsByName(cmd.Context(), args[0])
			for _, id := range deleted {
				fmt.Fprintf(a.stdout, "Deleted project %s (%d)\n", args[0], id)
			}
			if err != nil {
				return err
			}
			if len(deleted) == 0 {
				fmt.Fprintf(a.stdout, "No project named %s\n", args[0])
			}
			return nil
		},
	}

	cmd.AddCommand(ls, del)
	return cmd
}

// Manage WebODM processing nodes
func newNodesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List, add or remove processing nodes",
	}

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List processing nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.login(cmd)
			if err != nil {
				return err
			}
			nodes, err := c.ListProcessingNodes(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(nodes))
			for _, n := range nodes {
				rows = append(rows, []string{strconv.Itoa(n.ID), n.Hostname, strconv.Itoa(n.Port), n.Label, strconv.FormatBool(n.Online)})
			}
			fmt.Fprintln(a.stdout, renderTable([]string{"ID", "Hostname", "Port", "Label", "Online"}, rows,
				[]columnAlignment{alignRight, alignLeft, alignRight}))
			return nil
		},
	}

	add := &cobra.Command{
		Use:   "add",
		Short: "Register a processing node",
		RunE: func(cmd *cobra.Command, args []string) error {
			host, _ := cmd.Flags().GetString("hostname")
			port, _ := cmd.Flags().GetInt("port")
			c, err := a.login(cmd)
			if err != nil {
				return err
			}
			n, err := c.AddProcessingNode(cmd.Context(), host, port)
			if errors.Is(err, odm.ErrNodeExists) {
				fmt.Fprintf(a.stdout, "Processing node %s:%d has already been added under the label %s\n", host, port, n.Label)
				return err
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Processing node added at host %s port %d (id %d)\n", host, port, n.ID)
			return nil
		},
	}
	add.Flags().String("hostname", "", "node hostname")
	add.Flags().Int("port", 3000, "node port")
	_ = add.MarkFlagRequired("hostname")

	rm := &cobra.Command{
		Use:   "rm",
		Short: "Remove processing nodes by id or by hostname and port",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetInt("id")
			host, _ := cmd.Flags().GetString("hostname")
			port, _ := cmd.Flags().GetInt("port")
			if id == 0 && (host == "" || port == 0) {
				return errors.New("either --id or --hostname and --port are required")
			}
			c, err := a.login(cmd)
			if err != nil {
				return err
			}
			ids := []int{id}
			if id == 0 {
				nodes, err := c.FindProcessingNodes(cmd.Context(), host, port)
				if err != nil {
					return err
				}
				ids = ids[:0]
				for _, n := range nodes {
					ids = append(ids, n.ID)
				}
				if len(ids) == 0 {
					fmt.Fprintf(a.stdout, "No processing node at %s:%d\n", host, port)
					return nil
				}
			}
			var errs []error
			for _, id := range ids {
				if err := c.DeleteProcessingNode(cmd.Context(), id); err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(a.stdout, "Deleted processing node %d\n", id)
			}
			return errors.Join(errs...)
		},
	}
	rm.Flags().Int("id", 0, "node id")
	rm.Flags().String("hostname", "", "node hostname")
	rm.Flags().Int("port", 0, "node port")

	cmd.AddCommand(ls, add, rm)
	return cmd
}

// Run directly against a NodeODM node
func newNodeODMCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodeodm",
		Short: "Talk to a NodeODM node without WebODM",
	}
	run := &cobra.Command{
		Use:   "run <images-dir>",
		Short: "Process images on a NodeODM node and extract all.zip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			outputDir, _ := cmd.Flags().GetString("output-dir")
			optionsFile, _ := cmd.Flags().GetString("options")
			interval, _ := cmd.Flags().GetDuration("poll-interval")

			var options []api.NodeOption
			if optionsFile != "" {
				raw, err := os.ReadFile(optionsFile)
				if err != nil {
					return odm.Mark(odm.ErrInputNotFound, "options file", err)
				}
				if err := json.Unmarshal(raw, &options); err != nil {
					return fmt.Errorf("parse options %s: %w", optionsFile, err)
				}
			}
			store, err := a.history()
			if err != nil {
				return err
			}
			if store != nil {
				defer store.Close()
			}

			nc := a.cfg.NodeODM
			p := &core.NodePipeline{
				Client:   nodeodm.New(nc.BaseURL(), nc.Token, a.cfg.Server.Timeout()),
				Poller:   odm.Poller{Interval: interval},
				Out:      a.stdout,
				Progress: a.stdout,
			}
			if store != nil {
				p.History = store
			}
			fmt.Fprintf(a.stdout, "Node: %s\n", nc.BaseURL())
			res, err := p.Run(cmd.Context(), core.NodeRunRequest{
				Name:      name,
				ImagesDir: args[0],
				MinImages: nodeodm.MinImages,
				Options:   options,
				OutputDir: outputDir,
			})
			if err != nil {
				return err
			}
			for i, f := range res.Files {
				if i == 2 {
					break
				}
				fmt.Fprintln(a.stdout, "  "+f)
			}
			return nil
		},
	}
	run.Flags().String("name", "", "task name")
	run.Flags().StringP("output-dir", "o", core.DefaultNodeOutputDir, "directory to extract the results into")
	run.Flags().String("options", "", "JSON file with [{\"name\":..., \"value\":...}] options (default fast-orthophoto)")
	run.Flags().Duration("poll-interval", odm.DefaultPollInterval, "delay between task status checks")
	cmd.AddCommand(run)
	return cmd
}

// Show recorded runs
func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the run history",
	}
	ls := &cobra.Command{
		Use:   "ls",
		Short: "List recorded runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			store, err := a.history()
			if err != nil {
				return err
			}
			if store == nil {
				return errors.New("history is disabled, set history.path in the config")
			}
			defer store.Close()
			runs, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				rows = append(rows, []string{
					r.StartedAt.Format(time.RFC3339),
					r.Backend,
					r.Project,
					r.TaskID,
					r.Status,
					r.Asset,
					humanize.Bytes(uint64(r.Bytes)),
					r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String(),
				})
			}
			fmt.Fprintln(a.stdout, renderTable(
				[]string{"Started", "Backend", "Project", "Task", "Status", "Asset", "Size", "Took"}, rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight}))
			return nil
		},
	}
	ls.Flags().Int("limit", 20, "maximum number of runs to show (0 for all)")
	cmd.AddCommand(ls)
	return cmd
}

// Write a default config file
func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = filepath.Join(core.ConfigDir(), "config.yaml")
			}
			if _, err := os.Stat(path); err == nil {
				fmt.Fprintf(a.stdout, "Config already exists at %s\n", path)
				return nil
			}
			cfg := core.DefaultConfig()
			cfg.History.Path = filepath.Join(core.ConfigDir(), "history.db")
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if err := os.WriteFile(path, data, 0o600); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(a.stdout, "Wrote %s\nPut USERNAME and PASSWORD in %s\n", path, filepath.Join(core.ConfigDir(), ".env"))
			return nil
		},
	}
}

// Generate the publishing key
func newKeygenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create an ed25519 key for publishing assets over SFTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("out")
			force, _ := cmd.Flags().GetBool("force")
			if path == "" {
				path = a.cfg.Publish.KeyPath
			}
			if path == "" {
				path = filepath.Join(core.ConfigDir(), "id_ed25519")
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to replace it", path)
			}
			pub, err := gssh.GenerateEd25519Keypair(path, "odmctl-"+uuid.NewString()[:8])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Private key: %s\nAdd this line to the publish host's authorized_keys:\n%s", path, pub)
			return nil
		},
	}
	cmd.Flags().String("out", "", "private key path (default publish.key_path or the config dir)")
	cmd.Flags().Bool("force", false, "overwrite an existing key")
	return cmd
}
