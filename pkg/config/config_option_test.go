package config

import (
	"go/types"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ConfigOption_EnvVar(t *testing.T) {
	co := &ConfigOption{Name: "database-url"}
	assert.Equal(t, "DATABASE_URL", co.EnvVar())
}

func Test_ConfigOptions_InitAndSetValues(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	var (
		strValue   string
		intValue   int
		boolValue  bool
		floatValue float64
	)
	configOpts := ConfigOptions{
		{Name: "listen-addr", OptType: types.String, FlagDefault: ":8000", ConfigKey: &strValue},
		{Name: "sweep-seconds", OptType: types.Int, FlagDefault: 30, ConfigKey: &intValue},
		{Name: "allow-self-assignment", OptType: types.Bool, FlagDefault: false, ConfigKey: &boolValue},
		{Name: "margin-ratio", OptType: types.Float64, FlagDefault: 1.2, ConfigKey: &floatValue},
	}

	cmd := &cobra.Command{Use: "test"}
	require.NoError(t, configOpts.Init(cmd))

	require.NoError(t, cmd.PersistentFlags().Set("sweep-seconds", "45"))

	require.NoError(t, configOpts.SetValues())
	assert.Equal(t, ":8000", strValue)
	assert.Equal(t, 45, intValue)
	assert.False(t, boolValue)
	assert.InDelta(t, 1.2, floatValue, 0.0001)
}

func Test_ConfigOptions_valuesComeFromEnvironment(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("HEARTBEAT_INTERVAL_SECONDS", "120")

	var interval int
	configOpts := ConfigOptions{
		{Name: "heartbeat-interval-seconds", OptType: types.Int, FlagDefault: 300, ConfigKey: &interval},
	}

	cmd := &cobra.Command{Use: "test"}
	require.NoError(t, configOpts.Init(cmd))
	require.NoError(t, configOpts.SetValues())
	assert.Equal(t, 120, interval)
}

func Test_ConfigOptions_RequireE(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	var dbURL string
	configOpts := ConfigOptions{
		{Name: "database-url", OptType: types.String, ConfigKey: &dbURL, Required: true},
	}

	cmd := &cobra.Command{Use: "test"}
	require.NoError(t, configOpts.Init(cmd))

	err := configOpts.RequireE()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `config option "database-url" is required`)

	t.Setenv("DATABASE_URL", "postgres://localhost:5432/tensorgrid?sslmode=disable")
	require.NoError(t, configOpts.RequireE())
}

func Test_ConfigOption_CustomSetValue(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	var parsed []string
	co := &ConfigOption{
		Name:        "cors-allowed-origins",
		OptType:     types.String,
		FlagDefault: "http://localhost:3000",
		ConfigKey:   &parsed,
		CustomSetValue: func(co *ConfigOption) error {
			raw := viper.GetString(co.Name)
			*(co.ConfigKey.(*[]string)) = []string{raw}
			return nil
		},
	}

	cmd := &cobra.Command{Use: "test"}
	require.NoError(t, ConfigOptions{co}.Init(cmd))
	require.NoError(t, ConfigOptions{co}.SetValues())
	assert.Equal(t, []string{"http://localhost:3000"}, parsed)
}

func Test_IsExplicitlySet(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	var level string
	co := &ConfigOption{Name: "log-level", OptType: types.String, FlagDefault: "INFO", ConfigKey: &level}
	cmd := &cobra.Command{Use: "test"}
	require.NoError(t, ConfigOptions{co}.Init(cmd))

	assert.False(t, IsExplicitlySet(co))

	require.NoError(t, cmd.PersistentFlags().Set("log-level", "DEBUG"))
	assert.True(t, IsExplicitlySet(co))
}
