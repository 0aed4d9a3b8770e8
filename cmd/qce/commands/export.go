package commands

import (
	"context"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/quenlab/qce/bridge"
	"github.com/quenlab/qce/errors"
	"github.com/quenlab/qce/export"
	"github.com/quenlab/qce/fetcher"
	"github.com/quenlab/qce/task"
)

// ExportCmd runs a one-shot export without the service.
var ExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Run a one-shot export",
	Long: `Run a single export from the command line, using the same pipeline as
the service: fetch, parse, optional media download, serialize.

Examples:
  qce export --group 12345 --format json
  qce export --friend u_alice --format txt --format html
  qce export --group 12345 --format html --resources \
      --start 2024-01-01 --end 2024-02-01`,
	RunE: runExport,
}

var (
	exportGroup     string
	exportFriend    string
	exportFormats   []string
	exportStart     string
	exportEnd       string
	exportResources bool
	exportKeyword   string
)

func init() {
	ExportCmd.Flags().StringVar(&exportGroup, "group", "", "Group code to export")
	ExportCmd.Flags().StringVar(&exportFriend, "friend", "", "Friend uid to export")
	ExportCmd.Flags().StringArrayVar(&exportFormats, "format", []string{"json"}, "Export format (json, txt, html); repeatable")
	ExportCmd.Flags().StringVar(&exportStart, "start", "", "Window start (YYYY-MM-DD, local time)")
	ExportCmd.Flags().StringVar(&exportEnd, "end", "", "Window end (YYYY-MM-DD, local time, exclusive)")
	ExportCmd.Flags().BoolVar(&exportResources, "resources", false, "Download media and link it from the export")
	ExportCmd.Flags().StringVar(&exportKeyword, "keyword", "", "Only keep messages containing this keyword")
}

func runExport(cmd *cobra.Command, args []string) error {
	ref, err := exportChatRef()
	if err != nil {
		return err
	}
	window, err := exportWindow()
	if err != nil {
		return err
	}
	formats := make([]export.Format, 0, len(exportFormats))
	for _, f := range exportFormats {
		parsed, err := export.ParseFormat(f)
		if err != nil {
			return err
		}
		formats = append(formats, parsed)
	}

	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.close()
	e.withOrchestrator(nil)

	ctx := cmd.Context()
	name, err := e.adapter.ResolveDisplayName(ctx, ref)
	if err != nil {
		pterm.Warning.Printf("Could not resolve chat name: %v\n", err)
		name = ref.PeerUid
	}

	t := &task.ExportTask{
		ChatRef:              ref,
		ChatName:             name,
		Formats:              formats,
		Filter:               fetcher.Filter{Window: window, Keyword: exportKeyword},
		BatchSize:            e.cfg.Fetch.BatchSize,
		TimeoutMillis:        e.cfg.Fetch.TimeoutMs,
		RetryCount:           e.cfg.Fetch.RetryCount,
		IncludeResourceLinks: exportResources,
	}
	if _, err := e.orch.CreateTask(ctx, t); err != nil {
		return err
	}

	pterm.Info.Printf("Exporting %s (%s)...\n", name, ref.ChatType)
	e.orch.Run(ctx, t)

	final, err := e.tasks.GetTask(context.Background(), t.TaskID)
	if err != nil {
		return err
	}
	if final.State.Status != task.StatusCompleted {
		return errors.Newf("export ended %s: %s", final.State.Status, final.State.Error)
	}
	pterm.Success.Printf("Exported %d messages to %s\n", final.State.ProcessedMsgs, t.OutputDir)
	return nil
}

func exportChatRef() (bridge.ChatRef, error) {
	switch {
	case exportGroup != "" && exportFriend != "":
		return bridge.ChatRef{}, errors.NewInvalidRequestError("--group and --friend are mutually exclusive")
	case exportGroup != "":
		return bridge.ChatRef{ChatType: bridge.ChatGroup, PeerUid: exportGroup}, nil
	case exportFriend != "":
		return bridge.ChatRef{ChatType: bridge.ChatPrivate, PeerUid: exportFriend}, nil
	default:
		return bridge.ChatRef{}, errors.NewInvalidRequestError("one of --group or --friend is required")
	}
}

func exportWindow() (bridge.TimeWindow, error) {
	var w bridge.TimeWindow
	if exportStart != "" {
		t, err := time.ParseInLocation("2006-01-02", exportStart, time.Local)
		if err != nil {
			return w, errors.NewInvalidRequestError("--start %q: want YYYY-MM-DD", exportStart)
		}
		w.StartMillis = t.UnixMilli()
	}
	if exportEnd != "" {
		t, err := time.ParseInLocation("2006-01-02", exportEnd, time.Local)
		if err != nil {
			return w, errors.NewInvalidRequestError("--end %q: want YYYY-MM-DD", exportEnd)
		}
		w.EndMillis = t.UnixMilli()
	}
	if !w.ValidWindow() {
		return w, errors.NewInvalidRequestError("--start must precede --end")
	}
	return w, nil
}
