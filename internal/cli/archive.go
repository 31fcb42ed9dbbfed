package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/provsync/internal/ir"
	"github.com/roach88/provsync/internal/store"
)

// NewArchiveCommand creates the archive command group.
func NewArchiveCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Query the provisioning archive",
	}
	cmd.AddCommand(newArchiveListCommand(rootOpts))
	return cmd
}

// ArchiveList is the output of archive list.
type ArchiveList struct {
	Archives []ir.ProvisioningArchive `json:"archives"`
}

func (l ArchiveList) Text(w io.Writer) error {
	if len(l.Archives) == 0 {
		_, err := fmt.Fprintln(w, "No archived operations.")
		return err
	}
	rows := make([][]string, len(l.Archives))
	for i, a := range l.Archives {
		rows[i] = []string{
			strconv.FormatInt(a.Seq, 10), a.ArchivedAt.UTC().Format(time.RFC3339),
			a.SystemID, a.EntityType, a.UID, string(a.Kind), string(a.State), string(a.ResultCode), a.CreatedBy,
		}
	}
	return table(w, []string{"SEQ", "ARCHIVED", "SYSTEM", "ENTITY", "UID", "KIND", "STATE", "RESULT", "BY"}, rows)
}

type archiveFlags struct {
	system, entity, uid, kind, state, result string
	since, until                             string
	limit                                    int
}

func (f archiveFlags) filter() (store.ArchiveFilter, error) {
	since, until, err := parseRange(f.since, f.until)
	if err != nil {
		return store.ArchiveFilter{}, err
	}
	return store.ArchiveFilter{
		SystemID:   f.system,
		EntityType: f.entity,
		UID:        f.uid,
		Kind:       ir.OperationKind(strings.ToUpper(f.kind)),
		State:      ir.OperationState(strings.ToUpper(f.state)),
		ResultCode: ir.ResultCode(strings.ToUpper(f.result)),
		Since:      since,
		Until:      until,
		Limit:      f.limit,
	}, nil
}

func newArchiveListCommand(rootOpts *RootOptions) *cobra.Command {
	var flags archiveFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived operations in sequence order",
		Example: `  provsync archive list --system ldap --state EXCEPTION
  provsync archive list --uid ada --since 2026-01-01T00:00:00Z --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			filter, err := flags.filter()
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

			archives, err := st.ListArchives(cmd.Context(), filter)
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeStore, "failed to list archives", err)
			}
			return out.Success(ArchiveList{Archives: archives})
		},
	}
	cmd.Flags().StringVar(&flags.system, "system", "", "system id")
	cmd.Flags().StringVar(&flags.entity, "entity", "", "entity type")
	cmd.Flags().StringVar(&flags.uid, "uid", "", "remote uid")
	cmd.Flags().StringVar(&flags.kind, "kind", "", "operation kind (CREATE|UPDATE|DELETE)")
	cmd.Flags().StringVar(&flags.state, "state", "", "final state (EXECUTED|EXCEPTION)")
	cmd.Flags().StringVar(&flags.result, "result", "", "result code")
	cmd.Flags().StringVar(&flags.since, "since", "", "archived at or after (RFC 3339)")
	cmd.Flags().StringVar(&flags.until, "until", "", "archived before (RFC 3339)")
	cmd.Flags().IntVar(&flags.limit, "limit", 0, "maximum number of records (0 = all)")
	return cmd
}

// parseRange parses optional RFC 3339 bounds of a half-open time range.
func parseRange(since, until string) (from, to time.Time, err error) {
	if since != "" {
		if from, err = time.Parse(time.RFC3339, since); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--since: %w", err)
		}
	}
	if until != "" {
		if to, err = time.Parse(time.RFC3339, until); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--until: %w", err)
		}
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("--since must be before --until")
	}
	return from, to, nil
}
