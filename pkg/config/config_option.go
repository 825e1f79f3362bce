// Package config declares CLI/environment configuration options and binds
// them to cobra flags and viper values.
package config

import (
	"fmt"
	"go/types"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tensorgrid/tensorgrid-backend/pkg/log"
)

// ConfigOption declares one configuration value: its flag name, the
// environment variable derived from it, its type, default, and the
// destination it is written to on SetValues.
type ConfigOption struct {
	// Name is the flag name, e.g. "database-url". The matching environment
	// variable is the upper-cased name with dashes replaced by underscores.
	Name        string
	Usage       string
	OptType     types.BasicKind
	FlagDefault interface{}
	// ConfigKey is a pointer to the destination the parsed value is
	// assigned to.
	ConfigKey interface{}
	// CustomSetValue, when set, replaces the default per-type assignment.
	CustomSetValue func(co *ConfigOption) error
	Required       bool

	flag *pflag.Flag
}

// EnvVar returns the environment variable name for this option.
func (co *ConfigOption) EnvVar() string {
	return strings.ToUpper(strings.ReplaceAll(co.Name, "-", "_"))
}

// Init registers the option as a persistent flag on cmd and binds it to
// viper (flag and environment variable).
func (co *ConfigOption) Init(cmd *cobra.Command) error {
	flags := cmd.PersistentFlags()

	switch co.OptType {
	case types.String:
		def, _ := co.FlagDefault.(string)
		flags.String(co.Name, def, co.Usage)
	case types.Int:
		def, _ := co.FlagDefault.(int)
		flags.Int(co.Name, def, co.Usage)
	case types.Bool:
		def, _ := co.FlagDefault.(bool)
		flags.Bool(co.Name, def, co.Usage)
	case types.Float64:
		def, _ := co.FlagDefault.(float64)
		flags.Float64(co.Name, def, co.Usage)
	default:
		return fmt.Errorf("config option %q has unsupported type %v", co.Name, co.OptType)
	}

	co.flag = flags.Lookup(co.Name)
	if err := viper.BindPFlag(co.Name, co.flag); err != nil {
		return fmt.Errorf("binding flag %q: %w", co.Name, err)
	}
	if err := viper.BindEnv(co.Name, co.EnvVar()); err != nil {
		return fmt.Errorf("binding environment variable %q: %w", co.EnvVar(), err)
	}

	return nil
}

// RequireE returns an error if the option is required and blank.
func (co *ConfigOption) RequireE() error {
	if co.Required && viper.GetString(co.Name) == "" {
		return fmt.Errorf("config option %q is required: set the --%s flag or the %s environment variable", co.Name, co.Name, co.EnvVar())
	}
	return nil
}

// SetValue reads the option from viper and writes it to ConfigKey.
func (co *ConfigOption) SetValue() error {
	if co.CustomSetValue != nil {
		if err := co.CustomSetValue(co); err != nil {
			return fmt.Errorf("setting value of config option %q: %w", co.Name, err)
		}
		return nil
	}

	if co.ConfigKey == nil {
		return nil
	}

	switch co.OptType {
	case types.String:
		key, ok := co.ConfigKey.(*string)
		if !ok {
			return fmt.Errorf("config option %q: ConfigKey is %T, expected *string", co.Name, co.ConfigKey)
		}
		*key = viper.GetString(co.Name)
	case types.Int:
		key, ok := co.ConfigKey.(*int)
		if !ok {
			return fmt.Errorf("config option %q: ConfigKey is %T, expected *int", co.Name, co.ConfigKey)
		}
		*key = viper.GetInt(co.Name)
	case types.Bool:
		key, ok := co.ConfigKey.(*bool)
		if !ok {
			return fmt.Errorf("config option %q: ConfigKey is %T, expected *bool", co.Name, co.ConfigKey)
		}
		*key = viper.GetBool(co.Name)
	case types.Float64:
		key, ok := co.ConfigKey.(*float64)
		if !ok {
			return fmt.Errorf("config option %q: ConfigKey is %T, expected *float64", co.Name, co.ConfigKey)
		}
		*key = viper.GetFloat64(co.Name)
	default:
		return fmt.Errorf("config option %q has unsupported type %v", co.Name, co.OptType)
	}

	return nil
}

// IsExplicitlySet reports whether the option was set through the command
// line or the environment, as opposed to coming from the flag default.
func IsExplicitlySet(co *ConfigOption) bool {
	if co.flag != nil && co.flag.Changed {
		return true
	}
	_, present := os.LookupEnv(co.EnvVar())
	return present
}

// ConfigOptions is a group of ConfigOption entries handled together.
type ConfigOptions []*ConfigOption

// Init registers every option on cmd.
func (cos ConfigOptions) Init(cmd *cobra.Command) error {
	for _, co := range cos {
		if err := co.Init(cmd); err != nil {
			return err
		}
	}
	return nil
}

// RequireE returns the first missing-required error, if any.
func (cos ConfigOptions) RequireE() error {
	for _, co := range cos {
		if err := co.RequireE(); err != nil {
			return err
		}
	}
	return nil
}

// Require exits the process when a required option is blank.
func (cos ConfigOptions) Require() {
	if err := cos.RequireE(); err != nil {
		log.Fatalf("Invalid config: %s", err.Error())
	}
}

// SetValues assigns every option to its ConfigKey destination.
func (cos ConfigOptions) SetValues() error {
	for _, co := range cos {
		if err := co.SetValue(); err != nil {
			return err
		}
	}
	return nil
}
