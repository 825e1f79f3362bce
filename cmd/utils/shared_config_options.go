package utils

import (
	"go/types"

	"github.com/tensorgrid/tensorgrid-backend/internal/crashtracker"
	"github.com/tensorgrid/tensorgrid-backend/pkg/config"
)

// CrashTrackerTypeConfigOption returns the crash tracker type config option shared
// by the commands that report errors.
func CrashTrackerTypeConfigOption(configKey *crashtracker.CrashTrackerType) *config.ConfigOption {
	return &config.ConfigOption{
		Name:           "crash-tracker-type",
		Usage:          `Crash tracker type. Options: "SENTRY", "DRY_RUN"`,
		OptType:        types.String,
		CustomSetValue: SetConfigOptionCrashTrackerType,
		ConfigKey:      configKey,
		FlagDefault:    "DRY_RUN",
		Required:       true,
	}
}

// JWTConfigOptions returns the config options for issuing and validating the
// dashboard JWT tokens.
func JWTConfigOptions(secret, issuer, audience *string, expirationMinutes *int) config.ConfigOptions {
	return config.ConfigOptions{
		{
			Name:      "jwt-secret",
			Usage:     "The secret used to sign the authentication JWT tokens",
			OptType:   types.String,
			ConfigKey: secret,
			Required:  true,
		},
		{
			Name:        "jwt-issuer",
			Usage:       "The issuer (iss) claim stamped on the authentication JWT tokens",
			OptType:     types.String,
			ConfigKey:   issuer,
			FlagDefault: "tensorgrid",
			Required:    true,
		},
		{
			Name:        "jwt-audience",
			Usage:       "The audience (aud) claim stamped on the authentication JWT tokens",
			OptType:     types.String,
			ConfigKey:   audience,
			FlagDefault: "tensorgrid-api",
			Required:    true,
		},
		{
			Name:        "token-expiration-minutes",
			Usage:       "The expiration time in minutes of the authentication JWT tokens",
			OptType:     types.Int,
			ConfigKey:   expirationMinutes,
			FlagDefault: 15,
			Required:    true,
		},
	}
}
