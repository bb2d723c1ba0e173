package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"southwinds.dev/sealbox"
)

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the storage key",
	Long: `Replace the salt and derived key and re-encrypt every entry under the new key.
Entries that cannot be decrypted with the current key are dropped.

Use --backup-out to keep a sealed copy of the exported entries.`,
	RunE: runRotate,
}

var rotateBackupOut string

func init() {
	rootCmd.AddCommand(rotateCmd)
	rotateCmd.Flags().StringVar(&rotateBackupOut, "backup-out", "", "write a sealed backup of the exported entries to this file")
	rotateCmd.Flags().StringVar(&backupPassphrase, "passphrase", "", "passphrase for --backup-out (or use SEALBOX_BACKUP_PASSPHRASE env var)")
}

func runRotate(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)
	defer func() { err = auditCmdComplete(cmd, err, started) }()

	var passphrase string
	if rotateBackupOut != "" {
		if passphrase, err = resolveBackupPassphrase(); err != nil {
			return err
		}
	}

	s, cleanup := startSpinner("Rotating key...")
	defer cleanup()

	result, err := storage.RotateKeys()
	if result != nil && rotateBackupOut != "" {
		if werr := writeRotationBackup(result.Backup, passphrase); werr != nil {
			err = errors.Join(err, werr)
		}
	}
	if err != nil {
		s.FinalMSG = failure("Rotation failed: %v", err)
		return err
	}

	msg := success("Key version %d -> %d, re-encrypted %d of %d entries",
		result.PreviousVersion, result.NewVersion, result.Reencrypted, result.Exported)
	if result.Skipped > 0 {
		msg += "\n" + hint("%d undecryptable entries were dropped", result.Skipped)
	}
	for _, line := range failureLines(result.Failures) {
		msg += "\n  " + failure("%s", line)
	}
	s.FinalMSG = msg
	if result.Failed > 0 {
		return fmt.Errorf("%d entries could not be re-encrypted", result.Failed)
	}
	return nil
}

func writeRotationBackup(backup *sealbox.Backup, passphrase string) error {
	if backup == nil {
		return nil
	}
	sealed, err := sealbox.SealBackup(backup, passphrase)
	if err != nil {
		return err
	}
	if err = os.WriteFile(rotateBackupOut, sealed, 0600); err != nil {
		return fmt.Errorf("failed to write rotation backup: %w", err)
	}
	return nil
}
