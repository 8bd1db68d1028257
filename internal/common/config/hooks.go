package config

import (
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		CommaSeparatedStringSliceHookFunc(),
	)),
}

// CommaSeparatedStringSliceHookFunc trims whitespace around the elements of a string slice read from
// an environment variable such as SPEARMINT_OWNERS="alice, bob".
func CommaSeparatedStringSliceHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// check that src and target types are valid
		if f.Kind() != reflect.Slice || t != reflect.TypeOf([]string{}) {
			return data, nil
		}
		raw, ok := data.([]string)
		if !ok {
			return data, nil
		}
		result := make([]string, 0, len(raw))
		for _, s := range raw {
			if s = strings.TrimSpace(s); s != "" {
				result = append(result, s)
			}
		}
		return result, nil
	}
}
