package cmd

import (
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/G-Research/spearmint/config"
	"github.com/G-Research/spearmint/internal/common"
	"github.com/G-Research/spearmint/internal/spearmintctl"
)

const userConfigFileName = ".spearmintctl.yaml"

func initApp(cmd *cobra.Command, a *spearmintctl.App) error {
	configFiles, err := cmd.Flags().GetStringSlice(common.CustomConfigLocation)
	if err != nil {
		return errors.WithStack(err)
	}
	userConfig, err := userConfigFile()
	if err != nil {
		return err
	}
	if userConfig != "" {
		configFiles = append([]string{userConfig}, configFiles...)
	}
	if _, err := common.ReadConfig(&a.Params.Config, config.Spearmint, configFiles); err != nil {
		return err
	}
	owner, err := cmd.Flags().GetString("owner")
	if err != nil {
		return errors.WithStack(err)
	}
	a.Params.Owner = owner
	return a.Init(cmd.Context())
}

// userConfigFile returns the path of ~/.spearmintctl.yaml, or "" if there is no such file.
func userConfigFile() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", errors.WithStack(err)
	}
	path := filepath.Join(home, userConfigFileName)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.WithStack(err)
	}
	return path, nil
}
