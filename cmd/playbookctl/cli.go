package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v2"

	"playbook-loop-go/internal/aggregator"
	"playbook-loop-go/internal/apperr"
	"playbook-loop-go/internal/config"
	"playbook-loop-go/internal/dataset"
	"playbook-loop-go/internal/db"
	"playbook-loop-go/internal/finalizer"
	"playbook-loop-go/internal/improvement"
	"playbook-loop-go/internal/logger"
	"playbook-loop-go/internal/reconciler"
	"playbook-loop-go/internal/types"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp(store *db.Store, cfg *config.Config, log *logger.Logger) *cli.App {
	app := &cli.App{
		Name:    "playbookctl",
		Usage:   "Operate the sales playbook improvement loop",
		Version: Version,
		Commands: []*cli.Command{
			triggerCmd(store, cfg, log),
			finalizeCmd(cfg, log),
			summaryCmd(store),
			exportCmd(store),
			importCmd(store, log),
			playbookCmd(store),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// triggerCmd runs one improvement check against the local database.
func triggerCmd(store *db.Store, cfg *config.Config, log *logger.Logger) *cli.Command {
	return &cli.Command{
		Name:  "trigger",
		Usage: "Fire the playbook rewrite if enough calls arrived since the last cycle",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "threshold", Aliases: []string{"t"}, Value: cfg.ImprovementBatchSize, Usage: "Calls needed to arm a cycle"},
			&cli.BoolFlag{Name: "dry-run", Usage: "Report the check without firing"},
		},
		Action: func(c *cli.Context) error {
			rewriter := improvement.NewRewriteClient(cfg.Rewrite, nil, log)
			trig := improvement.NewTrigger(store, rewriter, c.Int("threshold"),
				improvement.WithPaused(cfg.ImprovementPaused || c.Bool("dry-run")),
				improvement.WithLogger(log),
			)
			res, err := trig.MaybeTrigger(c.Context)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, res)
		},
	}
}

// finalizeCmd drives the save-transcript schedule against a running service.
func finalizeCmd(cfg *config.Config, log *logger.Logger) *cli.Command {
	return &cli.Command{
		Name:      "finalize",
		Usage:     "Save a finished conversation's transcript via the service, retrying while pending",
		ArgsUsage: "<conversation_id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "base-url", Value: cfg.BaseURL, Usage: "Service base URL"},
			&cli.StringFlag{Name: "schedule", Usage: "Comma-separated delays in ms (default from FINALIZE_SCHEDULE_MS)"},
		},
		Action: func(c *cli.Context) error {
			id := strings.TrimSpace(c.Args().First())
			if id == "" {
				return outputError(apperr.BadRequest("conversation_id is required"))
			}
			schedule := cfg.FinalizeSchedule
			if s := c.String("schedule"); s != "" {
				var err error
				if schedule, err = config.ParseSchedule(s); err != nil {
					return outputError(apperr.Wrap(apperr.KindBadRequest, "invalid schedule", err))
				}
			}

			fin := finalizer.New(finalizer.NewHTTPSaver(c.String("base-url")), schedule, finalizer.WithLogger(log))
			out := fin.Finalize(c.Context, id)
			if err := outputJSON(c, finalizeOutput{
				ConversationID: id,
				Status:         out.Status,
				Attempts:       out.Attempts,
				Error:          errString(out.Err),
			}); err != nil {
				return err
			}
			if out.Status == finalizer.StatusFailed {
				return cli.Exit("finalization failed", 1)
			}
			return nil
		},
	}
}

type finalizeOutput struct {
	ConversationID string           `json:"conversation_id"`
	Status         finalizer.Status `json:"status"`
	Attempts       int              `json:"attempts"`
	Error          string           `json:"error,omitempty"`
}

// summaryCmd prints the aggregate of calls since the last improvement cycle.
func summaryCmd(store *db.Store) *cli.Command {
	return &cli.Command{
		Name:  "summary",
		Usage: "Aggregate the calls since the last improvement cycle",
		Action: func(c *cli.Context) error {
			since, err := store.Watermark(c.Context)
			if err != nil {
				return outputError(err)
			}
			calls, err := store.CallsSince(c.Context, since)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, struct {
				Since   time.Time          `json:"since"`
				Insight aggregator.Insight `json:"insight"`
			}{since, aggregator.Aggregate(calls)})
		},
	}
}

// exportCmd writes the calls since the watermark to an xlsx workbook.
func exportCmd(store *db.Store) *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export calls since the last improvement cycle to xlsx",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Usage: "Output path (default: calls-since-<watermark>.xlsx)"},
			&cli.BoolFlag{Name: "all", Usage: "Export every call, not just those since the watermark"},
		},
		Action: func(c *cli.Context) error {
			since := time.UnixMilli(0).UTC()
			if !c.Bool("all") {
				var err error
				if since, err = store.Watermark(c.Context); err != nil {
					return outputError(err)
				}
			}
			calls, err := store.CallsSince(c.Context, since)
			if err != nil {
				return outputError(err)
			}

			path := c.String("path")
			if path == "" {
				path = fmt.Sprintf("calls-since-%s.xlsx", since.Format("20060102T150405Z"))
			}
			if err := writeFile(path, func(w io.Writer) error { return dataset.Export(w, calls) }); err != nil {
				return outputError(err)
			}
			return outputJSON(c, map[string]any{"path": path, "calls": len(calls), "since": since})
		},
	}
}

// importCmd replays spreadsheet rows through the reconciler. Rows merge into
// existing calls exactly like webhook deliveries do.
func importCmd(store *db.Store, log *logger.Logger) *cli.Command {
	return &cli.Command{
		Name:  "import",
		Usage: "Backfill calls from an xlsx workbook",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Required: true, Usage: "Workbook path"},
		},
		Action: func(c *cli.Context) error {
			f, err := os.Open(c.String("path"))
			if err != nil {
				return outputError(apperr.Wrap(apperr.KindBadRequest, "open workbook", err))
			}
			events, err := dataset.Load(f)
			f.Close()
			if err != nil {
				return outputError(apperr.Wrap(apperr.KindBadRequest, "read workbook", err))
			}

			rec, err := reconciler.New(store, reconciler.WithLogger(log))
			if err != nil {
				return outputError(err)
			}
			playbookID, err := store.ActivePlaybookID(c.Context)
			if err != nil {
				return outputError(err)
			}

			imported, skipped := 0, 0
			for _, ev := range events {
				upd := ev.Update()
				if upd.IsEmpty() {
					skipped++
					continue
				}
				if _, err := rec.Reconcile(c.Context, ev.ExternalConversationID, upd, playbookID); err != nil {
					return outputError(fmt.Errorf("import %s: %w", ev.ExternalConversationID, err))
				}
				imported++
			}
			return outputJSON(c, map[string]int{"rows": len(events), "imported": imported, "skipped": skipped})
		},
	}
}

// playbookCmd groups the playbook subcommands.
func playbookCmd(store *db.Store) *cli.Command {
	return &cli.Command{
		Name:  "playbook",
		Usage: "Inspect or publish playbook versions",
		Subcommands: []*cli.Command{
			{
				Name:  "latest",
				Usage: "Show the active playbook",
				Action: func(c *cli.Context) error {
					pb, err := store.ActivePlaybook(c.Context)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(c, pb)
				},
			},
			{
				Name:  "create",
				Usage: "Publish the next playbook version (reads a JSON draft from stdin)",
				Action: func(c *cli.Context) error {
					var draft types.PlaybookDraft
					if err := json.NewDecoder(c.App.Reader).Decode(&draft); err != nil {
						return outputError(apperr.Wrap(apperr.KindBadRequest, "invalid playbook JSON", err))
					}
					if err := validator.New().Struct(draft); err != nil {
						return outputError(apperr.Wrap(apperr.KindBadRequest, "validation error", err))
					}
					pb, err := store.CreatePlaybook(c.Context, draft)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(c, pb)
				},
			},
		},
	}
}

// Helper functions

// outputJSON writes v to the app's writer as indented JSON.
func outputJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats err for the terminal.
func outputError(err error) error {
	if k := apperr.KindOf(err); k != apperr.KindUnknown {
		return cli.Exit(fmt.Sprintf("[%s] %s", k, err.Error()), 1)
	}
	return cli.Exit(err.Error(), 1)
}

func writeFile(path string, write func(io.Writer) error) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
