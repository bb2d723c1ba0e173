package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"southwinds.dev/sealbox"
	"southwinds.dev/sealbox/persist"
)

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenants",
	Long:  `List and delete tenants sharing the configured store location, and rotate keys across them.`,
}

var tenantListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tenants",
	RunE:  runTenantList,
}

var tenantDeleteCmd = &cobra.Command{
	Use:   "delete <tenant-id>",
	Short: "Delete all data of another tenant",
	Args:  cobra.ExactArgs(1),
	RunE:  runTenantDelete,
}

var tenantRotateKeysCmd = &cobra.Command{
	Use:   "rotate-keys",
	Short: "Rotate keys for multiple tenants",
	Long:  `Rotate the storage key of every listed tenant, or of all tenants when --tenants is omitted.`,
	RunE:  runTenantRotateKeys,
}

var (
	tenantJSON  bool
	tenantForce bool
	tenantsList []string
)

// tenantLister is implemented by the stores that keep several tenants
// side by side
type tenantLister interface {
	ListTenants() ([]string, error)
}

type tenantDeleter interface {
	DeleteTenant(tenantID string) error
}

// TenantResult is the outcome of a per-tenant bulk operation
type TenantResult struct {
	TenantID  string    `json:"tenant_id"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Version   int       `json:"key_version,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func init() {
	rootCmd.AddCommand(tenantCmd)
	tenantCmd.AddCommand(tenantListCmd, tenantDeleteCmd, tenantRotateKeysCmd)

	tenantCmd.PersistentFlags().BoolVar(&tenantJSON, "json", false, "output JSON")
	tenantDeleteCmd.Flags().BoolVar(&tenantForce, "force", false, "do not ask for confirmation")
	tenantRotateKeysCmd.Flags().BoolVar(&tenantForce, "force", false, "do not ask for confirmation")
	tenantRotateKeysCmd.Flags().StringSliceVar(&tenantsList, "tenants", nil, "comma-separated tenant IDs")
}

func listTenants() ([]string, error) {
	lister, ok := store.(tenantLister)
	if !ok {
		return nil, fmt.Errorf("%s store does not support multiple tenants", store.GetType())
	}
	tenants, err := lister.ListTenants()
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	return tenants, nil
}

func runTenantList(cmd *cobra.Command, args []string) error {
	tenants, err := listTenants()
	if err != nil {
		return err
	}

	if tenantJSON {
		if tenants == nil {
			tenants = []string{}
		}
		return printJSON(cmd.OutOrStdout(), tenants)
	}
	if len(tenants) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tenants found.")
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Found %d tenant(s):\n\n", len(tenants))
	for _, tenant := range tenants {
		marker := " "
		if tenant == tenantID {
			marker = "*"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, tenant)
	}
	return nil
}

func runTenantDelete(cmd *cobra.Command, args []string) (err error) {
	deleter, ok := store.(tenantDeleter)
	if !ok {
		return fmt.Errorf("%s store does not support deleting tenants", store.GetType())
	}
	if !tenantForce && !promptConfirmation(cmd.InOrStdin(), fmt.Sprintf("Delete all data of tenant %s?", args[0])) {
		fmt.Fprintln(cmd.OutOrStdout(), "Operation cancelled.")
		return nil
	}

	started := auditCmdStart(cmd, args)
	defer func() { err = auditCmdComplete(cmd, err, started) }()

	if err = deleter.DeleteTenant(args[0]); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), success("Deleted tenant %s", args[0]))
	return nil
}

func runTenantRotateKeys(cmd *cobra.Command, args []string) (err error) {
	targets := tenantsList
	if len(targets) == 0 {
		if targets, err = listTenants(); err != nil {
			return err
		}
	}
	if len(targets) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tenants found to rotate keys.")
		return nil
	}

	if !tenantForce {
		fmt.Fprintf(cmd.OutOrStdout(), "This will rotate keys for %d tenant(s):\n", len(targets))
		for _, tenant := range targets {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", tenant)
		}
		if !promptConfirmation(cmd.InOrStdin(), "Continue?") {
			fmt.Fprintln(cmd.OutOrStdout(), "Operation cancelled.")
			return nil
		}
	}

	started := auditCmdStart(cmd, args)
	defer func() { err = auditCmdComplete(cmd, err, started) }()

	results := make([]TenantResult, 0, len(targets))
	failed := 0
	for _, tenant := range targets {
		result := rotateTenant(tenant)
		if !result.Success {
			failed++
		}
		results = append(results, result)
	}

	if err = displayTenantResults(cmd, "Key Rotation", results); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("key rotation failed for %d of %d tenants", failed, len(results))
	}
	return nil
}

// rotateTenant rotates the key of one tenant. The current tenant reuses the
// open storage; others are opened with the same backend configuration.
func rotateTenant(tenant string) TenantResult {
	result := TenantResult{TenantID: tenant, Timestamp: time.Now().UTC()}

	rotate := func(s *sealbox.Storage) error {
		r, err := s.RotateKeys()
		if r != nil {
			result.Version = r.NewVersion
		}
		if err == nil && r.Failed > 0 {
			err = fmt.Errorf("%d entries could not be re-encrypted", r.Failed)
		}
		return err
	}

	var err error
	if tenant == tenantID {
		err = rotate(storage)
	} else {
		err = withTenantStorage(tenant, rotate)
	}
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}

func withTenantStorage(tenant string, fn func(*sealbox.Storage) error) error {
	config, err := storeConfig()
	if err != nil {
		return err
	}
	tenantStore, err := persist.NewStore(config, tenant)
	if err != nil {
		return fmt.Errorf("failed to open store for tenant %s: %w", tenant, err)
	}
	defer tenantStore.Close()

	opts, err := engineOptions()
	if err != nil {
		return err
	}
	s, err := sealbox.New(opts, tenantStore, auditLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage for tenant %s: %w", tenant, err)
	}
	defer s.Close()

	return fn(s)
}

func displayTenantResults(cmd *cobra.Command, operationType string, results []TenantResult) error {
	if tenantJSON {
		return printJSON(cmd.OutOrStdout(), results)
	}

	successCount := 0
	for _, result := range results {
		if result.Success {
			successCount++
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\n%s Results (%s store):\n", operationType, viper.GetString("store.type"))
	fmt.Fprintf(out, "Total: %d, Successful: %d, Failed: %d\n\n", len(results), successCount, len(results)-successCount)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "TENANT\tSTATUS\tVERSION\tERROR\tTIMESTAMP\n")
	for _, result := range results {
		status := "SUCCESS"
		errorMsg := "-"
		if !result.Success {
			status = "FAILED"
			errorMsg = truncate(result.Error, 47)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			result.TenantID,
			status,
			result.Version,
			errorMsg,
			result.Timestamp.Format("2006-01-02 15:04:05"),
		)
	}
	return w.Flush()
}
