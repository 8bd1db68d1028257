package cmd

import (
	"github.com/spf13/cobra"

	"github.com/G-Research/spearmint/internal/common"
	"github.com/G-Research/spearmint/internal/spearmintctl"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	return rootCmdWithApp(spearmintctl.New())
}

// Takes a caller-supplied app struct; useful for testing.
func rootCmdWithApp(a *spearmintctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spearmintctl",
		Short: "spearmintctl manages Bayesian optimization experiments and their jobs.",
		// Errors are logged by main, which also picks the exit code.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initApp(cmd, a)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.Close()
		},
	}
	common.AddConfigFlag(cmd.PersistentFlags())
	cmd.PersistentFlags().String("owner", "", "Owner of the experiments (defaults to defaultOwner from the configuration)")

	cmd.AddCommand(
		createCmd(a),
		deleteCmd(a),
		existsCmd(a),
		listCmd(a),
		suggestCmd(a),
		updateCmd(a),
		jobsCmd(a),
	)
	return cmd
}
