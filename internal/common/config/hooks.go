package config

import (
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// CustomHooks replaces viper's default decode hooks. The defaults (durations and comma separated
// slices) are kept and extended with text unmarshalling, so enum-like config types only need to
// implement encoding.TextUnmarshaler.
var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		TrimmedStringHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)),
}

// TrimmedStringHookFunc strips surrounding whitespace from string values, which env overrides
// and hand-edited yaml tend to carry.
func TrimmedStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.String {
			return data, nil
		}
		return strings.TrimSpace(reflect.ValueOf(data).String()), nil
	}
}
