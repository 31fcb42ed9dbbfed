package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/provsync/internal/catalog"
)

// NewCatalogCommand creates the catalog command group.
func NewCatalogCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Validate and apply CUE catalogs",
		Long: `Work with the CUE catalog of systems, roles, mappings, break policies,
sync configs and seed accounts.

The catalog directory defaults to the "catalog" entry of the runtime config.`,
	}
	cmd.AddCommand(newCatalogValidateCommand(rootOpts))
	cmd.AddCommand(newCatalogApplyCommand(rootOpts))
	return cmd
}

// CatalogSummary counts the records of a loaded catalog.
type CatalogSummary struct {
	Dir          string `json:"dir"`
	Valid        bool   `json:"valid"`
	Systems      int    `json:"systems"`
	Roles        int    `json:"roles"`
	Mappings     int    `json:"mappings"`
	BreakConfigs int    `json:"break_configs"`
	SyncConfigs  int    `json:"sync_configs"`
	Accounts     int    `json:"accounts"`
}

func (s CatalogSummary) Text(w io.Writer) error {
	_, err := fmt.Fprintf(w,
		"✓ Catalog %s is valid: %d system(s), %d role(s), %d mapping(s), %d breaker(s), %d sync config(s), %d account(s)\n",
		s.Dir, s.Systems, s.Roles, s.Mappings, s.BreakConfigs, s.SyncConfigs, s.Accounts)
	return err
}

// ApplySummary reports what catalog apply wrote.
type ApplySummary struct {
	Dir    string         `json:"dir"`
	Result catalog.Result `json:"result"`
}

func (s ApplySummary) Text(w io.Writer) error {
	r := s.Result
	_, err := fmt.Fprintf(w,
		"✓ Applied %s: %d system(s), %d role(s), %d role system(s), %d mapping(s), %d breaker(s), %d sync config(s), accounts %d created / %d updated\n",
		s.Dir, r.Systems, r.Roles, r.RoleSystems, r.Mappings, r.BreakConfigs, r.SyncConfigs, r.AccountsCreated, r.AccountsUpdated)
	return err
}

func newCatalogValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [dir]",
		Short: "Check a catalog without writing anything",
		Example: `  provsync catalog validate ./catalog
  provsync catalog validate ./catalog --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			dir, c, err := rootOpts.loadCatalog(out, args)
			if err != nil {
				return err
			}
			if errs := catalog.Validate(c); len(errs) > 0 {
				return reportInvalid(out, errs)
			}
			return out.Success(summarize(dir, c))
		},
	}
}

func newCatalogApplyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply [dir]",
		Short: "Validate a catalog and write it to the store",
		Long: `Validate a catalog and upsert it into the store.

Apply is idempotent: applying the same catalog twice leaves the store
unchanged. Nothing is written when validation fails.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			dir, c, err := rootOpts.loadCatalog(out, args)
			if err != nil {
				return err
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

			res, err := catalog.Apply(cmd.Context(), st, c, time.Now())
			var invalid *catalog.InvalidError
			switch {
			case errors.As(err, &invalid):
				return reportInvalid(out, invalid.Errors)
			case err != nil:
				return out.Fail(ExitCommandError, ErrCodeStore, "failed to apply catalog", err)
			}
			logger.Info("catalog applied",
				"event", "catalog_applied",
				"dir", dir,
				"systems", res.Systems,
				"accounts_created", res.AccountsCreated,
				"accounts_updated", res.AccountsUpdated,
			)
			return out.Success(ApplySummary{Dir: dir, Result: res})
		},
	}
}

func (o *RootOptions) loadCatalog(out *OutputFormatter, args []string) (string, *catalog.Catalog, error) {
	var dir string
	if len(args) > 0 {
		dir = args[0]
	} else {
		cfg, err := o.loadConfig()
		if err != nil {
			return "", nil, out.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
		}
		dir = cfg.Catalog
	}
	if dir == "" {
		return "", nil, out.Fail(ExitCommandError, ErrCodeCatalog, "no catalog directory given", nil)
	}
	out.VerboseLog("Loading catalog from %s", dir)
	c, err := catalog.Load(dir)
	if err != nil {
		return "", nil, out.Fail(ExitCommandError, ErrCodeCatalog, "failed to load catalog", err)
	}
	return dir, c, nil
}

func reportInvalid(out *OutputFormatter, errs []catalog.ValidationError) error {
	if out.Format == "json" {
		if err := out.Error(ErrCodeCatalog, fmt.Sprintf("catalog has %d problem(s)", len(errs)), errs); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out.Writer, "✗ Catalog has %d problem(s):\n", len(errs))
		for _, ve := range errs {
			fmt.Fprintf(out.Writer, "  %s\n", ve.Error())
		}
	}
	return NewExitError(ExitCommandError, "invalid catalog")
}

func summarize(dir string, c *catalog.Catalog) CatalogSummary {
	return CatalogSummary{
		Dir:          dir,
		Valid:        true,
		Systems:      len(c.Systems),
		Roles:        len(c.Roles),
		Mappings:     len(c.Mappings),
		BreakConfigs: len(c.BreakConfigs),
		SyncConfigs:  len(c.SyncConfigs),
		Accounts:     len(c.Accounts),
	}
}
