package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"southwinds.dev/sealbox"
	"southwinds.dev/sealbox/internal/misc"
)

var (
	setExpiresIn  time.Duration
	setExpiresAt  string
	setFromStdin  bool
	itemNamespace string
	clearForce    bool
	infoJSON      bool
)

var setCmd = &cobra.Command{
	Use:   "set <key> [value]",
	Short: "Store a value",
	Long: `Encrypt and store a value under key. Read the value from stdin with --stdin.

Examples:
  sealbox set db-password s3cr3t
  sealbox set session-token abc --expires-in 15m
  cat cert.pem | sealbox set tls-cert --stdin`,
	Args:        cobra.RangeArgs(1, 2),
	Annotations: map[string]string{secretArgAnnotation: "1"},
	RunE:        runSet,
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a stored value",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var rmCmd = &cobra.Command{
	Use:     "rm <key>...",
	Aliases: []string{"remove", "delete"},
	Short:   "Remove values",
	Args:    cobra.MinimumNArgs(1),
	RunE:    runRemove,
}

var existsCmd = &cobra.Command{
	Use:   "exists <key>",
	Short: "Exit with status 0 when key exists",
	Args:  cobra.ExactArgs(1),
	RunE:  runExists,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every encrypted entry and the key material",
	Long:  `Remove every encrypted entry together with the salt and key version. Plaintext entries are kept.`,
	RunE:  runClear,
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove expired entries",
	RunE:  runClean,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <key>...",
	Short: "Verify value checksums",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runVerify,
}

var infoCmd = &cobra.Command{
	Use:   "info <key>",
	Short: "Show how a value is stored",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate [key...]",
	Short: "Encrypt plaintext entries",
	Long:  `Encrypt plaintext entries and remove the plaintext copies. Without arguments every plaintext entry is migrated.`,
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(setCmd, getCmd, rmCmd, existsCmd, clearCmd, cleanCmd, verifyCmd, infoCmd, migrateCmd)

	setCmd.Flags().DurationVar(&setExpiresIn, "expires-in", 0, "relative expiry, e.g. 30s, 15m, 24h")
	setCmd.Flags().StringVar(&setExpiresAt, "expires-at", "", "absolute expiry (RFC3339)")
	setCmd.Flags().BoolVar(&setFromStdin, "stdin", false, "read the value from stdin")

	for _, c := range []*cobra.Command{setCmd, getCmd, rmCmd, existsCmd} {
		c.Flags().StringVarP(&itemNamespace, "namespace", "n", "", "namespace of the key")
	}

	clearCmd.Flags().BoolVar(&clearForce, "force", false, "do not ask for confirmation")
	infoCmd.Flags().BoolVar(&infoJSON, "json", false, "output JSON")
}

// namespacedKey applies --namespace the same way sealbox.Namespace does
func namespacedKey(key string) (string, error) {
	if itemNamespace == "" {
		return key, nil
	}
	if err := misc.ValidateNamespaceName(itemNamespace); err != nil {
		return "", fmt.Errorf("%w: %v", sealbox.ErrInvalidNamespace, err)
	}
	return misc.NamespaceKeyPrefix(itemNamespace) + key, nil
}

func expiryFromFlags() (sealbox.ExpiryOptions, error) {
	expiry := sealbox.ExpiryOptions{ExpiresIn: setExpiresIn}
	if setExpiresAt != "" {
		at, err := time.Parse(time.RFC3339, setExpiresAt)
		if err != nil {
			return expiry, fmt.Errorf("invalid --expires-at: %w", err)
		}
		expiry.ExpiresAt = at
	}
	return expiry, nil
}

func runSet(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)
	defer func() { err = auditCmdComplete(cmd, err, started) }()

	var value string
	switch {
	case setFromStdin:
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		value = strings.TrimSuffix(string(data), "\n")
	case len(args) == 2:
		value = args[1]
	default:
		return fmt.Errorf("a value is required, pass it as an argument or use --stdin")
	}

	expiry, err := expiryFromFlags()
	if err != nil {
		return err
	}
	key, err := namespacedKey(args[0])
	if err != nil {
		return err
	}
	if err = storage.SetWithExpiry(key, value, expiry); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), success("Stored %s", args[0]))
	return nil
}

func runGet(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)
	defer func() { err = auditCmdComplete(cmd, err, started) }()

	key, err := namespacedKey(args[0])
	if err != nil {
		return err
	}
	value, found, err := storage.Get(key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", sealbox.ErrNotFound, args[0])
	}
	fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}

func runRemove(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)
	defer func() { err = auditCmdComplete(cmd, err, started) }()

	for _, key := range args {
		var name string
		if name, err = namespacedKey(key); err != nil {
			return err
		}
		if err = storage.Remove(name); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), success("Removed %s", key))
	}
	return nil
}

func runExists(cmd *cobra.Command, args []string) error {
	key, err := namespacedKey(args[0])
	if err != nil {
		return err
	}
	found, err := storage.Has(key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", sealbox.ErrNotFound, args[0])
	}
	fmt.Fprintln(cmd.OutOrStdout(), "true")
	return nil
}

func runClear(cmd *cobra.Command, args []string) (err error) {
	if !clearForce && !promptConfirmation(cmd.InOrStdin(), "This removes every encrypted entry. Continue?") {
		fmt.Fprintln(cmd.OutOrStdout(), "Clear cancelled")
		return nil
	}

	started := auditCmdStart(cmd, args)
	defer func() { err = auditCmdComplete(cmd, err, started) }()

	removed := 0
	id := storage.Events().Once(sealbox.EventCleared, func(e sealbox.Event) {
		removed, _ = e.Metadata["removed"].(int)
	})
	defer storage.Events().Off(sealbox.EventCleared, id)

	if err = storage.Clear(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), success("Removed %d encrypted entries", removed))
	return nil
}

func runClean(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)
	defer func() { err = auditCmdComplete(cmd, err, started) }()

	removed, err := storage.CleanExpired()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), success("Removed %d expired entries", removed))
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	invalid := 0
	for _, key := range args {
		ok, err := storage.VerifyIntegrity(key)
		switch {
		case err != nil:
			invalid++
			fmt.Fprintln(cmd.OutOrStdout(), failure("%s: %v", key, err))
		case !ok:
			invalid++
			fmt.Fprintln(cmd.OutOrStdout(), failure("%s: checksum mismatch or unreadable", key))
		default:
			fmt.Fprintln(cmd.OutOrStdout(), success("%s", key))
		}
	}
	if invalid > 0 {
		return fmt.Errorf("%d of %d entries failed verification", invalid, len(args))
	}
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	info, err := storage.GetIntegrityInfo(args[0])
	if err != nil {
		return err
	}
	if infoJSON {
		return printJSON(cmd.OutOrStdout(), info)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Key:\t%s\n", info.Key)
	fmt.Fprintf(w, "Stored as:\t%s\n", info.StoredName)
	fmt.Fprintf(w, "Encrypted:\t%v\n", info.Encrypted)
	fmt.Fprintf(w, "Decryptable:\t%v\n", info.Decryptable)
	fmt.Fprintf(w, "Legacy format:\t%v\n", info.Legacy)
	fmt.Fprintf(w, "Compressed:\t%v\n", info.Compressed)
	fmt.Fprintf(w, "Checksum valid:\t%v\n", info.Valid)
	if info.CreatedAt != nil {
		fmt.Fprintf(w, "Created:\t%s\n", info.CreatedAt.Format(time.RFC3339))
	}
	if info.ModifiedAt != nil {
		fmt.Fprintf(w, "Modified:\t%s\n", info.ModifiedAt.Format(time.RFC3339))
	}
	if info.ExpiresAt != nil {
		fmt.Fprintf(w, "Expires:\t%s (expired: %v)\n", info.ExpiresAt.Format(time.RFC3339), info.Expired)
	}
	return w.Flush()
}

func runMigrate(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)
	defer func() { err = auditCmdComplete(cmd, err, started) }()

	keys := args
	if len(keys) == 0 {
		if keys, err = storage.PlainKeys(); err != nil {
			return err
		}
	}
	if len(keys) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), success("No plaintext entries"))
		return nil
	}

	s, cleanup := startSpinner(fmt.Sprintf("Migrating %d entries...", len(keys)))
	defer cleanup()

	result, err := storage.MigrateExistingData(keys)
	if err != nil {
		s.FinalMSG = failure("Migration failed: %v", err)
		return err
	}

	msg := success("Migrated %d, skipped %d, failed %d", result.Migrated, result.Skipped, result.Failed)
	for _, line := range failureLines(result.Failures) {
		msg += "\n  " + line
	}
	s.FinalMSG = msg
	if result.Failed > 0 {
		return fmt.Errorf("%d entries could not be migrated", result.Failed)
	}
	return nil
}
