package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/provsync/internal/ir"
	"github.com/roach88/provsync/internal/provisioning"
	"github.com/roach88/provsync/internal/store"
)

// cliActor is recorded as created_by on operations started from the CLI.
const cliActor = "cli"

// ProvisionOptions holds flags for the provision command.
type ProvisionOptions struct {
	*RootOptions
	Kind string
}

// OperationOutput is the CLI view of a provisioning result.
type OperationOutput struct {
	AccountID   string            `json:"account_id"`
	OperationID string            `json:"operation_id"`
	Merged      bool              `json:"merged"`
	State       ir.OperationState `json:"state"`
	ResultCode  ir.ResultCode     `json:"result_code"`
	UID         string            `json:"uid,omitempty"`
}

func (o OperationOutput) Text(w io.Writer) error {
	merged := ""
	if o.Merged {
		merged = " (merged into pending operation)"
	}
	_, err := fmt.Fprintf(w, "✓ %s: operation %s %s [%s]%s\n", o.AccountID, o.OperationID, o.State, o.ResultCode, merged)
	return err
}

func newOperationOutput(accountID string, res provisioning.Result) OperationOutput {
	out := OperationOutput{
		AccountID:   accountID,
		OperationID: res.OperationID,
		Merged:      res.Merged,
		State:       res.State,
		ResultCode:  res.ResultCode,
	}
	if res.Remote != nil {
		out.UID = res.Remote.UID
	}
	return out
}

// NewProvisionCommand creates the provision command.
func NewProvisionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProvisionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "provision <account-id>",
		Short: "Push a local account to its target system",
		Long: `Resolve the outbound attributes of a local account (mappings plus role
grants) and run a provisioning operation against its system.

Without --kind, CREATE is used when the remote object does not exist yet and
UPDATE otherwise.

Example:
  provsync provision ldap/user/ada
  provsync provision ldap/user/ada --kind UPDATE --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvision(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Kind, "kind", "", "operation kind (CREATE|UPDATE)")

	return cmd
}

func runProvision(opts *ProvisionOptions, accountID string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	kind := ir.OperationKind(strings.ToUpper(opts.Kind))
	if kind != "" && kind != ir.OpCreate && kind != ir.OpUpdate {
		return out.Fail(ExitCommandError, ErrCodeGeneric, fmt.Sprintf("invalid kind %q: must be CREATE or UPDATE", opts.Kind), nil)
	}

	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.exec.ProvisionAccount(cmd.Context(), accountID, kind, cliActor)
	if err != nil {
		return operationFailed(out, accountID, err)
	}
	return out.Success(newOperationOutput(accountID, res))
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Finish provisioning operations left pending by a previous process",
		Long: `Finish every pending provisioning operation in sequence order and close
sync logs left RUNNING by a process that exited mid-run.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			a, err := rootOpts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ops, err := a.exec.Recover(cmd.Context())
			if err != nil {
				return out.Fail(ExitFailure, ErrCodeOperation, "recovery failed", err)
			}
			runs, err := a.engine.RecoverStale(cmd.Context())
			if err != nil {
				return out.Fail(ExitFailure, ErrCodeStore, "closing stale sync logs failed", err)
			}
			return out.Success(RecoverOutput{Operations: ops, SyncLogs: runs})
		},
	}
}

// RecoverOutput counts what recover finished.
type RecoverOutput struct {
	Operations int `json:"operations"`
	SyncLogs   int `json:"sync_logs"`
}

func (r RecoverOutput) Text(w io.Writer) error {
	_, err := fmt.Fprintf(w, "✓ Recovered %d operation(s), closed %d stale sync log(s)\n", r.Operations, r.SyncLogs)
	return err
}

// operationFailed maps executor errors to exit codes. Rejected and
// short-circuited operations are archived, so they are outcome failures
// rather than command errors.
func operationFailed(out *OutputFormatter, accountID string, err error) error {
	var opErr *provisioning.OperationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return out.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("account %s not found", accountID), err)
	case errors.Is(err, provisioning.ErrInvalidRequest):
		return out.Fail(ExitCommandError, ErrCodeGeneric, "invalid provisioning request", err)
	case provisioning.IsBreakerOpen(err):
		return out.Fail(ExitFailure, ErrCodeBreakerOpen, "system suspended by break policy", err)
	case errors.As(err, &opErr):
		return out.Fail(ExitFailure, ErrCodeOperation, fmt.Sprintf("operation %s failed: %s", opErr.OperationID, opErr.Code), err)
	}
	return out.Fail(ExitFailure, ErrCodeOperation, "provisioning failed", err)
}
