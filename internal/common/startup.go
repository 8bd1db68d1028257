package common

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	commonconfig "github.com/G-Research/spearmint/internal/common/config"
)

// EnvPrefix is the prefix of environment variables overriding configuration,
// e.g. SPEARMINT_STORE_TYPE overrides store.type.
const EnvPrefix = "SPEARMINT"

// CustomConfigLocation is the flag naming user configuration files.
const CustomConfigLocation = "config"

// AddConfigFlag registers the --config flag on flags.
func AddConfigFlag(flags *pflag.FlagSet) {
	flags.StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)",
	)
}

// LoadConfig reads the YAML document defaults, merges each of the files named by the --config flag on top of
// it in order, applies SPEARMINT_* environment overrides and unmarshals the result into config.
func LoadConfig(flags *pflag.FlagSet, config interface{}, defaults []byte) error {
	overrideConfigs, err := flags.GetStringSlice(CustomConfigLocation)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = ReadConfig(config, defaults, overrideConfigs)
	return err
}

// ReadConfig is LoadConfig with the override files given explicitly.
func ReadConfig(config interface{}, defaults []byte, overrideConfigs []string) (*viper.Viper, error) {
	v := viper.New()
	// JSON override files parse as YAML too.
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, errors.Wrap(err, "error reading default config")
	}

	for _, overrideConfig := range overrideConfigs {
		if overrideConfig == "" {
			continue
		}
		v.SetConfigFile(overrideConfig)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.Wrapf(err, "error reading config from %s", overrideConfig)
		}
		log.Infof("read config from %s", v.ConfigFileUsed())
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if err := v.Unmarshal(config, commonconfig.CustomHooks...); err != nil {
		return nil, errors.WithStack(err)
	}
	return v, nil
}
