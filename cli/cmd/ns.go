package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var nsCmd = &cobra.Command{
	Use:     "ns",
	Aliases: []string{"namespace"},
	Short:   "Work with namespaced keys",
	Long: `Namespaces isolate keys under a common prefix. The item commands accept
--namespace as well; these commands operate on a namespace as a whole.`,
}

var nsKeysCmd = &cobra.Command{
	Use:   "keys <namespace>",
	Short: "List the keys of a namespace",
	Args:  cobra.ExactArgs(1),
	RunE:  runNsKeys,
}

var nsClearCmd = &cobra.Command{
	Use:   "clear <namespace>",
	Short: "Remove every key of a namespace",
	Args:  cobra.ExactArgs(1),
	RunE:  runNsClear,
}

var nsKeysJSON bool

func init() {
	rootCmd.AddCommand(nsCmd)
	nsCmd.AddCommand(nsKeysCmd, nsClearCmd)

	nsKeysCmd.Flags().BoolVar(&nsKeysJSON, "json", false, "output JSON")
	nsClearCmd.Flags().BoolVar(&clearForce, "force", false, "do not ask for confirmation")
}

func runNsKeys(cmd *cobra.Command, args []string) error {
	ns, err := storage.Namespace(args[0])
	if err != nil {
		return err
	}
	keys, err := ns.Keys()
	if err != nil {
		return err
	}
	if nsKeysJSON {
		return printJSON(cmd.OutOrStdout(), keys)
	}
	for _, key := range keys {
		fmt.Fprintln(cmd.OutOrStdout(), key)
	}
	return nil
}

func runNsClear(cmd *cobra.Command, args []string) (err error) {
	if !clearForce && !promptConfirmation(cmd.InOrStdin(), fmt.Sprintf("Remove every key in namespace %s?", args[0])) {
		fmt.Fprintln(cmd.OutOrStdout(), "Clear cancelled")
		return nil
	}

	started := auditCmdStart(cmd, args)
	defer func() { err = auditCmdComplete(cmd, err, started) }()

	ns, err := storage.Namespace(args[0])
	if err != nil {
		return err
	}
	removed, err := ns.ClearNamespace()
	fmt.Fprintln(cmd.OutOrStdout(), success("Removed %d keys from %s", removed, args[0]))
	return err
}
