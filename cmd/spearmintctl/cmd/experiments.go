package cmd

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/G-Research/spearmint/internal/common/spearminterrors"
	"github.com/G-Research/spearmint/internal/spearmint/model"
	"github.com/G-Research/spearmint/internal/spearmintctl"
)

func createCmd(a *spearmintctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <experiment-name>",
		Short: "Create a new experiment",
		Long: `Creates an experiment over the parameters declared in a YAML or JSON file, e.g.

- name: x
  type: int
  min: 1
  max: 10

The outcome is maximized unless --minimize is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paramsFile, err := cmd.Flags().GetString("params")
			if err != nil {
				return errors.Errorf("error reading params: %s", err)
			}
			outcome, err := cmd.Flags().GetString("outcome")
			if err != nil {
				return errors.Errorf("error reading outcome: %s", err)
			}
			minimize, err := cmd.Flags().GetBool("minimize")
			if err != nil {
				return errors.Errorf("error reading minimize: %s", err)
			}
			return a.CreateExperiment(cmd.Context(), args[0], paramsFile, model.Outcome{Name: outcome, Minimize: minimize})
		},
	}
	cmd.Flags().String("params", "", "YAML or JSON file declaring the parameters")
	cmd.Flags().String("outcome", "", "Name of the measured outcome")
	cmd.Flags().Bool("minimize", false, "Minimize the outcome instead of maximizing it")
	_ = cmd.MarkFlagRequired("params")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func deleteCmd(a *spearmintctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <experiment-name>",
		Short: "Delete an experiment and all of its jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.DeleteExperiment(cmd.Context(), args[0])
		},
	}
}

func existsCmd(a *spearmintctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "exists <experiment-name>",
		Short: "Print whether an experiment exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.ExperimentExists(cmd.Context(), args[0])
		},
	}
}

func listCmd(a *spearmintctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the owner's experiments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.ListExperiments(cmd.Context())
		},
	}
}

func suggestCmd(a *spearmintctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "suggest <experiment-name>",
		Short: "Start a new job and print its id and parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.Suggest(cmd.Context(), args[0])
		},
	}
}

func updateCmd(a *spearmintctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "update <experiment-name> <job-id> <value>",
		Short: "Record the outcome of a job",
		Long:  `Records the measured outcome of a pending job. The value may be NaN if the evaluation failed.`,
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return errors.WithStack(&spearminterrors.ErrSchema{Name: "job-id", Value: args[1], Message: "must be an integer"})
			}
			value, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return errors.WithStack(&spearminterrors.ErrSchema{Name: "value", Value: args[2], Message: "must be a number"})
			}
			return a.Update(cmd.Context(), args[0], jobID, value)
		},
	}
}

func jobsCmd(a *spearmintctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs <experiment-name>",
		Short: "List the jobs of an experiment, best first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.Jobs(cmd.Context(), args[0])
		},
	}
}
