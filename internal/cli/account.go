package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/provsync/internal/ir"
)

// NewAccountCommand creates the account command group.
func NewAccountCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Inspect and remove local accounts",
	}
	cmd.AddCommand(newAccountListCommand(rootOpts))
	cmd.AddCommand(newAccountDeleteCommand(rootOpts))
	return cmd
}

// AccountList is the output of account list.
type AccountList struct {
	Accounts []ir.Account `json:"accounts"`
}

func (l AccountList) Text(w io.Writer) error {
	if len(l.Accounts) == 0 {
		_, err := fmt.Fprintln(w, "No accounts.")
		return err
	}
	rows := make([][]string, len(l.Accounts))
	for i, a := range l.Accounts {
		rows[i] = []string{a.ID, a.SystemID, a.EntityType, a.UID, strconv.FormatBool(a.Enabled), strconv.Itoa(len(a.Attributes))}
	}
	return table(w, []string{"ID", "SYSTEM", "ENTITY", "UID", "ENABLED", "ATTRS"}, rows)
}

func newAccountListCommand(rootOpts *RootOptions) *cobra.Command {
	var system, entityType string
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List local accounts of a system",
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
			accounts, err := st.ListAccounts(cmd.Context(), system, entityType)
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeStore, "failed to list accounts", err)
			}
			return out.Success(AccountList{Accounts: accounts})
		},
	}
	cmd.Flags().StringVar(&system, "system", "", "system id (required)")
	cmd.Flags().StringVar(&entityType, "entity", "", "entity type (required)")
	_ = cmd.MarkFlagRequired("system")
	_ = cmd.MarkFlagRequired("entity")
	return cmd
}

func newAccountDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <account-id>",
		Short: "Delete a local account and its remote object",
		Long: `Delete a local account, its identity links and its remote object.

The DELETE operation is persisted before the account is removed, so an
interrupted delete is finished by "provsync recover".`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			a, err := rootOpts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.exec.DeleteAccount(cmd.Context(), args[0], cliActor)
			if err != nil {
				return operationFailed(out, args[0], err)
			}
			return out.Success(newOperationOutput(args[0], res))
		},
	}
}
