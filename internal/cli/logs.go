package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/provsync/internal/ir"
	"github.com/roach88/provsync/internal/store"
)

// NewLogsCommand creates the logs command group.
func NewLogsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Inspect and prune sync logs",
	}
	cmd.AddCommand(newLogsListCommand(rootOpts))
	cmd.AddCommand(newLogsShowCommand(rootOpts))
	cmd.AddCommand(newLogsDeleteCommand(rootOpts))
	return cmd
}

// LogList is the output of logs list.
type LogList struct {
	Logs []ir.SyncLog `json:"logs"`
}

func (l LogList) Text(w io.Writer) error {
	if len(l.Logs) == 0 {
		_, err := fmt.Fprintln(w, "No sync logs.")
		return err
	}
	rows := make([][]string, len(l.Logs))
	for i, s := range l.Logs {
		rows[i] = []string{
			s.ID, s.StartedAt.UTC().Format(time.RFC3339), s.ConfigID,
			string(s.Mode), string(s.State), strconv.Itoa(s.Summary.Items),
		}
	}
	return table(w, []string{"ID", "STARTED", "CONFIG", "MODE", "STATE", "ITEMS"}, rows)
}

// LogDetail is the output of logs show.
type LogDetail struct {
	Log   ir.SyncLog       `json:"log"`
	Items []ir.SyncItemLog `json:"items"`
}

func (d LogDetail) Text(w io.Writer) error {
	if err := (RunOutput{Log: d.Log}).Text(w); err != nil {
		return err
	}
	if len(d.Items) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	rows := make([][]string, 0, len(d.Items))
	for _, it := range d.Items {
		actions := make([]string, len(it.Actions))
		for i, a := range it.Actions {
			actions[i] = a.Action + "=" + string(a.Outcome)
		}
		rows = append(rows, []string{
			strconv.FormatInt(it.Seq, 10), it.RemoteUID, string(it.Situation),
			string(it.Outcome), strings.Join(actions, ","), it.Message,
		})
	}
	return table(w, []string{"SEQ", "UID", "SITUATION", "OUTCOME", "ACTIONS", "MESSAGE"}, rows)
}

// DeleteOutput confirms a deleted sync log.
type DeleteOutput struct {
	ID string `json:"id"`
}

func (d DeleteOutput) Text(w io.Writer) error {
	_, err := fmt.Fprintf(w, "✓ Deleted sync log %s\n", d.ID)
	return err
}

type logFlags struct {
	config, system, entity, state string
	since, until                  string
	limit                         int
}

func newLogsListCommand(rootOpts *RootOptions) *cobra.Command {
	var flags logFlags
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List sync runs, oldest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			since, until, err := parseRange(flags.since, flags.until)
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeGeneric, "invalid filter", err)
			}
			st, logger, err := rootOpts.openStore(cmd)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := st.Close(); closeErr != nil {
					logger.Error("error closing database", "error", closeErr)
				}
			}()

			logs, err := st.ListSyncLogs(cmd.Context(), store.SyncLogFilter{
				ConfigID:   flags.config,
				SystemID:   flags.system,
				EntityType: flags.entity,
				State:      ir.RunState(strings.ToUpper(flags.state)),
				Since:      since,
				Until:      until,
				Limit:      flags.limit,
			})
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeStore, "failed to list sync logs", err)
			}
			return out.Success(LogList{Logs: logs})
		},
	}
	cmd.Flags().StringVar(&flags.config, "config-id", "", "sync config id")
	cmd.Flags().StringVar(&flags.system, "system", "", "system id")
	cmd.Flags().StringVar(&flags.entity, "entity", "", "entity type")
	cmd.Flags().StringVar(&flags.state, "state", "", "run state")
	cmd.Flags().StringVar(&flags.since, "since", "", "started at or after (RFC 3339)")
	cmd.Flags().StringVar(&flags.until, "until", "", "started before (RFC 3339)")
	cmd.Flags().IntVar(&flags.limit, "limit", 0, "maximum number of runs (0 = all)")
	return cmd
}

func newLogsShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <run-id>",
		Short:         "Show a run with its items and actions",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			st, logger, err := rootOpts.openStore(cmd)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := st.Close(); closeErr != nil {
					logger.Error("error closing database", "error", closeErr)
				}
			}()

			l, err := st.GetSyncLog(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return out.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("sync log %s not found", args[0]), err)
			}
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeStore, "failed to read sync log", err)
			}
			items, err := st.ListItemLogs(cmd.Context(), l.ID)
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeStore, "failed to read item logs", err)
			}
			return out.Success(LogDetail{Log: l, Items: items})
		},
	}
}

func newLogsDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <run-id>",
		Short:         "Delete a finished run with its items and actions",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			st, logger, err := rootOpts.openStore(cmd)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := st.Close(); closeErr != nil {
					logger.Error("error closing database", "error", closeErr)
				}
			}()

			err = st.DeleteSyncLog(cmd.Context(), args[0])
			switch {
			case errors.Is(err, store.ErrNotFound):
				return out.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("sync log %s not found", args[0]), err)
			case errors.Is(err, store.ErrLogRunning):
				return out.Fail(ExitFailure, ErrCodeRunInProcess, fmt.Sprintf("sync log %s is still running", args[0]), err)
			case err != nil:
				return out.Fail(ExitCommandError, ErrCodeStore, "failed to delete sync log", err)
			}
			logger.Info("sync log deleted", "event", "sync_log_deleted", "run", args[0])
			return out.Success(DeleteOutput{ID: args[0]})
		},
	}
}
