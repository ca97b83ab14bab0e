package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v3"

	"stepforge/internal/config"
	"stepforge/internal/pipeline"
	"stepforge/internal/planner"
	"stepforge/internal/project"
)

func runCmd(cfg *config.Config) *cli.Command {
	var userID, planFile string
	return &cli.Command{
		Name:      "run",
		Usage:     "Plan and generate a project in the foreground",
		UsageText: "stepforge run [--user <id>] [--plan-file <path>] <request>",
		Description: `Plans the request, runs every step synchronously and prints the result
as JSON, including the archive path when the project completed.

With --plan-file the planner is skipped: the file holds a plan in the
planner's JSON format ({"improved_prompt": ..., "steps": [...]}).

Examples:
  stepforge run "a CLI that converts CSV to JSON"
  stepforge run --plan-file plan.json "a CLI that converts CSV to JSON"`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "user",
				Usage:       "owner recorded on the project",
				Destination: &userID,
			},
			&cli.StringFlag{
				Name:        "plan-file",
				Usage:       "run a prepared plan instead of asking the planner",
				Destination: &planFile,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() == 0 {
				return errors.New("missing request text")
			}
			svc, err := openService(ctx, *cfg, true)
			if err != nil {
				return err
			}
			defer svc.close()

			sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			request := strings.Join(c.Args().Slice(), " ")
			var (
				p     *project.Project
				steps []*project.Step
			)
			if planFile != "" {
				plan, err := readPlan(planFile)
				if err != nil {
					return err
				}
				p, steps, err = svc.manager.CreateFromPlan(sigCtx, userID, request, plan)
				if err != nil {
					return err //nolint:wrapcheck
				}
			} else {
				p, steps, err = svc.manager.Prepare(sigCtx, pipeline.CreateRequest{UserID: userID, Request: request})
				if err != nil {
					return err //nolint:wrapcheck
				}
			}
			fmt.Fprintf(os.Stderr, "project %s planned with %d steps\n", p.ID, len(steps))

			result, err := svc.manager.RunSync(sigCtx, p.ID)
			if err != nil {
				return fmt.Errorf("run project %s: %w", p.ID, err)
			}
			return writeJSON(c, result)
		},
	}
}

func readPlan(path string) (planner.Plan, error) {
	b, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return planner.Plan{}, fmt.Errorf("read plan file: %w", err)
	}
	plan, err := planner.ParsePlan(string(b))
	if err != nil {
		return planner.Plan{}, fmt.Errorf("parse plan file %s: %w", path, err)
	}
	return plan, nil
}

func packageCmd(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "package",
		Usage:     "Build a new archive of a project from its persisted files",
		UsageText: "stepforge package <project-id>",
		Action: func(ctx context.Context, c *cli.Command) error {
			id := c.Args().First()
			if id == "" {
				return errors.New("missing project id")
			}
			svc, err := openService(ctx, *cfg, false)
			if err != nil {
				return err
			}
			defer svc.close()

			if _, err := svc.store.GetProject(ctx, id); err != nil {
				return err //nolint:wrapcheck
			}
			dest, err := svc.packager.Package(ctx, id)
			if err != nil {
				return fmt.Errorf("package %s: %w", id, err)
			}
			_, err = fmt.Fprintln(c.Root().Writer, dest)
			return err //nolint:wrapcheck
		},
	}
}

type statusOutput struct {
	ID      string       `json:"id"`
	Title   string       `json:"title"`
	Status  string       `json:"status"`
	Steps   []stepStatus `json:"steps"`
	Archive string       `json:"archive,omitempty"`
}

type stepStatus struct {
	Sequence  int    `json:"step_number"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	LastError string `json:"last_error,omitempty"`
}

func statusCmd(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Print a project's status and its steps",
		UsageText: "stepforge status <project-id>",
		Action: func(ctx context.Context, c *cli.Command) error {
			id := c.Args().First()
			if id == "" {
				return errors.New("missing project id")
			}
			svc, err := openService(ctx, *cfg, false)
			if err != nil {
				return err
			}
			defer svc.close()

			p, err := svc.store.GetProject(ctx, id)
			if err != nil {
				return err //nolint:wrapcheck
			}
			steps, err := svc.store.ListSteps(ctx, id)
			if err != nil {
				return err //nolint:wrapcheck
			}
			out := statusOutput{ID: p.ID, Title: p.Title, Status: string(p.Status), Steps: make([]stepStatus, 0, len(steps))}
			for _, st := range steps {
				out.Steps = append(out.Steps, stepStatus{Sequence: st.Sequence, Title: st.Title, Status: string(st.Status), LastError: st.LastError})
			}
			if latest, err := svc.packager.Latest(id); err == nil {
				out.Archive = latest
			}
			return writeJSON(c, out)
		},
	}
}

func writeJSON(c *cli.Command, v any) error {
	enc := json.NewEncoder(c.Root().Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v) //nolint:wrapcheck
}
