package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/provsync/internal/ir"
	"github.com/roach88/provsync/internal/reconcile"
	"github.com/roach88/provsync/internal/store"
)

// NewSyncCommand creates the sync command group.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile target systems against local accounts",
	}
	cmd.AddCommand(newSyncRunCommand(rootOpts))
	cmd.AddCommand(newSyncConfigsCommand(rootOpts))
	return cmd
}

// RunOutput is the CLI view of a finished sync run.
type RunOutput struct {
	Log ir.SyncLog `json:"log"`
}

func (r RunOutput) Text(w io.Writer) error {
	l := r.Log
	mark := "✓"
	if l.State != ir.RunFinished {
		mark = "✗"
	}
	fmt.Fprintf(w, "%s Run %s (%s, %s mode): %s\n", mark, l.ID, l.ConfigID, l.Mode, l.State)
	if l.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", l.Error)
	}
	return writeSummary(w, l.Summary)
}

func writeSummary(w io.Writer, s ir.RunSummary) error {
	fmt.Fprintf(w, "  items: %d\n", s.Items)
	for _, sit := range ir.Situations {
		if n := s.Situations[sit]; n > 0 {
			fmt.Fprintf(w, "  %-18s %d\n", sit, n)
		}
	}
	outcomes := make([]string, 0, len(s.Outcomes))
	for o := range s.Outcomes {
		outcomes = append(outcomes, string(o))
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		if n := s.Outcomes[ir.Outcome(o)]; n > 0 {
			fmt.Fprintf(w, "  %-18s %d\n", o, n)
		}
	}
	return nil
}

func newSyncRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <config>",
		Short: "Run one reconciliation",
		Long: `Run one reconciliation of the sync config named by id or name.

Ctrl-C cancels the run: items already reconciled stay committed and the run
ends CANCELLED. The exit code is 1 unless the run ends FINISHED.

Example:
  provsync sync run users
  provsync sync run users --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(rootOpts, args[0], cmd)
		},
	}
}

func runSync(opts *RootOptions, config string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			a.logger.Info("received signal, cancelling run", "event", "signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	log, err := a.engine.Run(ctx, config)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return out.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("sync config %s not found", config), err)
	case errors.Is(err, reconcile.ErrConfigDisabled):
		return out.Fail(ExitCommandError, ErrCodeGeneric, fmt.Sprintf("sync config %s is disabled", config), err)
	case errors.Is(err, reconcile.ErrRunInProgress):
		return out.Fail(ExitFailure, ErrCodeRunInProcess, "a run for this system and entity type is already active", err)
	case err != nil && log.ID == "":
		return out.Fail(ExitFailure, ErrCodeOperation, "sync run failed", err)
	}

	if out.Format == "json" && log.State != ir.RunFinished {
		if outErr := out.Error(ErrCodeOperation, fmt.Sprintf("run %s ended %s", log.ID, log.State), RunOutput{Log: log}); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitFailure, fmt.Sprintf("run %s ended %s", log.ID, log.State), err)
	}
	if outErr := out.Success(RunOutput{Log: log}); outErr != nil {
		return outErr
	}
	if log.State != ir.RunFinished {
		return WrapExitError(ExitFailure, fmt.Sprintf("run %s ended %s", log.ID, log.State), err)
	}
	return nil
}

// ConfigList is the output of sync configs.
type ConfigList struct {
	Configs []ConfigEntry `json:"configs"`
}

// ConfigEntry is a sync config with its stored token.
type ConfigEntry struct {
	ir.SyncConfig
	Token string `json:"token,omitempty"`
}

func (l ConfigList) Text(w io.Writer) error {
	if len(l.Configs) == 0 {
		_, err := fmt.Fprintln(w, "No sync configs.")
		return err
	}
	rows := make([][]string, len(l.Configs))
	for i, c := range l.Configs {
		rows[i] = []string{c.Name, c.SystemID, c.EntityType, string(c.Authoritative),
			strconv.FormatBool(c.Delta), strconv.FormatBool(c.Enabled), c.Token}
	}
	return table(w, []string{"NAME", "SYSTEM", "ENTITY", "AUTHORITATIVE", "DELTA", "ENABLED", "TOKEN"}, rows)
}

func newSyncConfigsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "configs",
		Short:         "List sync configs and their delta tokens",
		Args:          cobra.NoArgs,
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

			configs, err := st.ListSyncConfigs(cmd.Context())
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeStore, "failed to list sync configs", err)
			}
			list := ConfigList{Configs: make([]ConfigEntry, 0, len(configs))}
			for _, c := range configs {
				token, _, err := st.GetSyncToken(cmd.Context(), c.ID)
				if err != nil {
					return out.Fail(ExitCommandError, ErrCodeStore, "failed to read sync token", err)
				}
				list.Configs = append(list.Configs, ConfigEntry{SyncConfig: c, Token: token})
			}
			return out.Success(list)
		},
	}
}
