package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/drewfead/schedd/internal/api"
	"github.com/drewfead/schedd/internal/cli"
	"github.com/drewfead/schedd/internal/rpc"
	"github.com/drewfead/schedd/internal/tui/top"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List the projects the broker holds",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetBool("raw")
		return withBroker(func(ctx context.Context, bc *api.BrokerClient) error {
			res, err := bc.Status(ctx)
			if err != nil {
				return err
			}
			if raw {
				fmt.Print(res.Table)
				return nil
			}
			printStatusTable(os.Stdout, res.Projects)
			return nil
		})
	},
}

var addCmd = &cobra.Command{
	Use:   "add <file> [file...]",
	Short: "Load a project into the broker",
	Long: `Load a project into the broker. Files are resolved against the current
directory. Parser and scheduler messages are shown here as they happen.

A project with the same ID that is already loaded stays in service until
the new one is ready.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		background, _ := cmd.Flags().GetBool("background")
		return runAdd(args, background)
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <id|n>",
	Short: "Unload a project by ID or by its number in status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBroker(func(ctx context.Context, bc *api.BrokerClient) error {
			if err := bc.RemoveProject(ctx, args[0]); err != nil {
				if errors.Is(err, api.ErrRejected) {
					return fmt.Errorf("no project matches %q", args[0])
				}
				return err
			}
			cli.Success("removed %s", args[0])
			return nil
		})
	},
}

var reportCmd = &cobra.Command{
	Use:   "report <project> <report>",
	Short: "Generate a report of a loaded project",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		regex, _ := cmd.Flags().GetBool("regex")
		pairs, _ := cmd.Flags().GetStringArray("attr")
		attrs, err := parseAttrs(pairs)
		if err != nil {
			return err
		}
		return withReportServer(args[0], func(ctx context.Context, rc *api.ReportClient) error {
			return rc.GenerateReport(ctx, args[1], regex, attrs)
		})
	},
}

var listReportsCmd = &cobra.Command{
	Use:   "list-reports <project> [report]",
	Short: "List the reports a project defines",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		regex, _ := cmd.Flags().GetBool("regex")
		id := ""
		if len(args) == 2 {
			id = args[1]
		}
		return withReportServer(args[0], func(ctx context.Context, rc *api.ReportClient) error {
			return rc.ListReports(ctx, id, regex)
		})
	},
}

var checkTimeSheetCmd = &cobra.Command{
	Use:   "check-ts <project> <file>",
	Short: "Check a time sheet against a loaded project",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkSheet(args[0], args[1], (*api.ReportClient).CheckTimeSheet)
	},
}

var checkStatusSheetCmd = &cobra.Command{
	Use:   "check-ss <project> <file>",
	Short: "Check a status sheet against a loaded project",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkSheet(args[0], args[1], (*api.ReportClient).CheckStatusSheet)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [n]",
	Short: "Show recent project state transitions",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n := 20
		if len(args) == 1 {
			v, err := strconv.Atoi(args[0])
			if err != nil || v <= 0 {
				return fmt.Errorf("invalid count %q", args[0])
			}
			n = v
		}
		return withBroker(func(ctx context.Context, bc *api.BrokerClient) error {
			ts, err := bc.History(ctx, n)
			if err != nil {
				return err
			}
			if len(ts) == 0 {
				fmt.Println(cli.Dimmed("no transitions recorded"))
				return nil
			}
			for _, t := range ts {
				fmt.Println(t.String())
			}
			return nil
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the broker and all of its workers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBroker(func(ctx context.Context, bc *api.BrokerClient) error {
			if err := bc.Stop(ctx); err != nil {
				return err
			}
			cli.Success("broker stopping")
			return nil
		})
	},
}

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Watch the broker's projects live",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		return withBroker(func(ctx context.Context, bc *api.BrokerClient) error {
			p := tea.NewProgram(top.New(bc, interval), tea.WithAltScreen())
			_, err := p.Run()
			return err
		})
	},
}

func init() {
	statusCmd.Flags().Bool("raw", false, "print the broker's plain table")
	addCmd.Flags().Bool("background", false, "let the worker load the files on its own and return at once")
	reportCmd.Flags().Bool("regex", false, "treat the report ID as a regular expression")
	reportCmd.Flags().StringArray("attr", nil, "report attribute override as key=value (repeatable)")
	listReportsCmd.Flags().Bool("regex", false, "treat the report ID as a regular expression")
	topCmd.Flags().Duration("interval", time.Second, "refresh interval")
}

func printStatusTable(w io.Writer, projects []api.ProjectStatus) {
	if len(projects) == 0 {
		fmt.Fprintln(w, cli.Dimmed("no projects loaded"))
		return
	}
	fmt.Fprintln(w, cli.Bolden(fmt.Sprintf("  %-4s %-20s %-9s %-8s %s", "No.", "Project ID", "State", "PID", "Ready since")))
	for _, p := range projects {
		id := p.ID
		if id == "" {
			id = "<unknown>"
		}
		since := ""
		if !p.ReadySince.IsZero() {
			since = p.ReadySince.Local().Format("2006-01-02 15:04:05")
		}
		// pad before coloring so escape codes don't skew the columns
		state := strings.Replace(fmt.Sprintf("%-9s", p.State), string(p.State), cli.StateText(p.State), 1)
		fmt.Fprintf(w, "%s %-4d %-20s %s %-8d %s\n",
			cli.StateIcon(p.State == api.StateReady), p.No, id, state, p.PID, since)
	}
}

func parseAttrs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	attrs := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid attribute %q, want key=value", kv)
		}
		attrs[k] = v
	}
	return attrs, nil
}

// printEvents copies a connected session's output to our stdout and stderr.
func printEvents(ev rpc.Event) {
	switch ev.Type {
	case rpc.EventStderr:
		fmt.Fprint(os.Stderr, ev.Payload)
	default:
		fmt.Fprint(os.Stdout, ev.Payload)
	}
}

func runAdd(files []string, background bool) error {
	workdir, err := os.Getwd()
	if err != nil {
		return err
	}
	return withBroker(func(ctx context.Context, bc *api.BrokerClient) error {
		if background {
			ep, err := bc.AddProject(ctx, workdir, files...)
			if err != nil {
				return err
			}
			if ep == nil {
				return errors.New("broker could not start a project worker")
			}
			cli.Success("project worker started, loading %s", strings.Join(files, " "))
			return nil
		}

		ep, err := bc.AddProject(ctx, "")
		if err != nil {
			return err
		}
		if ep == nil {
			return errors.New("broker could not start a project worker")
		}

		pc, err := api.DialProject(ctx, *ep)
		if err != nil {
			return err
		}
		defer pc.Close()

		pc.OnEvent(printEvents)
		if err := pc.Connect(ctx, false, ""); err != nil {
			return fmt.Errorf("connecting to project worker: %w", err)
		}
		loadErr := pc.LoadProject(ctx, workdir, files...)
		// a failed load terminates the worker, so the session may be gone
		_ = pc.Disconnect(ctx)

		if loadErr != nil {
			if errors.Is(loadErr, api.ErrRejected) {
				return errors.New("project could not be loaded")
			}
			return loadErr
		}
		cli.Success("loaded %s", strings.Join(files, " "))
		return nil
	})
}

// withReportServer asks the broker for the project, gets a fresh report
// worker from it, runs fn with the worker's output connected to ours and
// terminates the report worker afterwards.
func withReportServer(projectID string, fn func(ctx context.Context, rc *api.ReportClient) error) error {
	return withBroker(func(ctx context.Context, bc *api.BrokerClient) error {
		ep, err := bc.GetProject(ctx, projectID)
		if err != nil {
			return err
		}
		if ep == nil {
			return fmt.Errorf("project %q is not loaded", projectID)
		}

		pc, err := api.DialProject(ctx, *ep)
		if err != nil {
			return err
		}
		rep, err := pc.ReportServer(ctx)
		pc.Close()
		if err != nil {
			return err
		}
		if rep == nil {
			return fmt.Errorf("project %q has no report server available", projectID)
		}

		rc, err := api.DialReport(ctx, *rep)
		if err != nil {
			return err
		}
		defer rc.Close()
		defer func() {
			if err := rc.Terminate(ctx); err != nil {
				cli.Warn("report worker did not acknowledge terminate: %v", err)
			}
		}()

		rc.OnEvent(printEvents)
		if err := rc.Connect(ctx, false, ""); err != nil {
			return fmt.Errorf("connecting to report worker: %w", err)
		}
		runErr := fn(ctx, rc)
		if err := rc.Disconnect(ctx); err != nil && runErr == nil {
			runErr = err
		}
		if errors.Is(runErr, api.ErrRejected) {
			return errors.New("report worker reported errors")
		}
		return runErr
	})
}

func checkSheet(projectID, path string, check func(*api.ReportClient, context.Context, string) error) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading sheet: %w", err)
	}
	return withReportServer(projectID, func(ctx context.Context, rc *api.ReportClient) error {
		if err := check(rc, ctx, string(data)); err != nil {
			return err
		}
		cli.Success("%s is valid", filepath.Base(path))
		return nil
	})
}
