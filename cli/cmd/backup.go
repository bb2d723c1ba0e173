package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"southwinds.dev/sealbox"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Export and import sealed backups",
	Long: `Export every decryptable entry into a passphrase sealed backup file, or import
such a file into the current store under the current key.`,
}

var backupExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a sealed backup",
	RunE:  runBackupExport,
}

var backupImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Restore a sealed backup",
	RunE:  runBackupImport,
}

var (
	backupFile       string
	backupPassphrase string
)

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupExportCmd, backupImportCmd)

	backupExportCmd.Flags().StringVarP(&backupFile, "out", "o", "sealbox-backup.json", "destination file")
	backupImportCmd.Flags().StringVarP(&backupFile, "in", "i", "", "backup file to import")
	_ = backupImportCmd.MarkFlagRequired("in")

	for _, c := range []*cobra.Command{backupExportCmd, backupImportCmd} {
		c.Flags().StringVar(&backupPassphrase, "passphrase", "", "backup passphrase (or use SEALBOX_BACKUP_PASSPHRASE env var)")
	}
}

func resolveBackupPassphrase() (string, error) {
	if backupPassphrase != "" {
		return backupPassphrase, nil
	}
	if p := os.Getenv("SEALBOX_BACKUP_PASSPHRASE"); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("backup passphrase is required. Use --passphrase flag or SEALBOX_BACKUP_PASSPHRASE environment variable")
}

func runBackupExport(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)
	defer func() { err = auditCmdComplete(cmd, err, started) }()

	passphrase, err := resolveBackupPassphrase()
	if err != nil {
		return err
	}

	s, cleanup := startSpinner("Exporting entries...")
	defer cleanup()

	backup, err := storage.ExportEncryptedData()
	if err != nil {
		s.FinalMSG = failure("Export failed: %v", err)
		return err
	}
	sealed, err := sealbox.SealBackup(backup, passphrase)
	if err != nil {
		s.FinalMSG = failure("Sealing failed: %v", err)
		return err
	}
	if err = os.WriteFile(backupFile, sealed, 0600); err != nil {
		s.FinalMSG = failure("Write failed: %v", err)
		return fmt.Errorf("failed to write backup file: %w", err)
	}

	s.FinalMSG = success("Exported %d entries (key version %d) to %s", backup.ItemCount, backup.KeyVersion, backupFile)
	return nil
}

func runBackupImport(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)
	defer func() { err = auditCmdComplete(cmd, err, started) }()

	passphrase, err := resolveBackupPassphrase()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(backupFile)
	if err != nil {
		return fmt.Errorf("failed to read backup file: %w", err)
	}

	s, cleanup := startSpinner("Importing entries...")
	defer cleanup()

	backup, err := sealbox.OpenBackup(data, passphrase)
	if err != nil {
		s.FinalMSG = failure("Cannot open backup: %v", err)
		return err
	}
	result, err := storage.ImportEncryptedData(backup)
	if err != nil {
		s.FinalMSG = failure("Import failed: %v", err)
		return err
	}

	msg := success("Imported %d of %d entries from backup %s", result.Imported, backup.ItemCount, backup.ID)
	for _, line := range failureLines(result.Failures) {
		msg += "\n  " + failure("%s", line)
	}
	s.FinalMSG = msg
	if result.Failed > 0 {
		return fmt.Errorf("%d entries could not be imported", result.Failed)
	}
	return nil
}
