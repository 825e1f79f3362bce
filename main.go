package main

import (
	"github.com/sirupsen/logrus"

	"github.com/tensorgrid/tensorgrid-backend/cmd"
	cmdUtils "github.com/tensorgrid/tensorgrid-backend/cmd/utils"
	"github.com/tensorgrid/tensorgrid-backend/pkg/log"
)

// Version is the official version of this application.
const Version = "1.0.0"

// GitCommit is populated at build time by
// go build -ldflags "-X main.GitCommit=$GIT_COMMIT"
var GitCommit string

func main() {
	if err := cmdUtils.LoadEnvFile(); err != nil {
		log.Warnf("Error loading env file: %s", err.Error())
	}

	preConfigureLogger()

	rootCmd := cmd.SetupCLI(Version, GitCommit)
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing root command: %s", err.Error())
	}
}

// preConfigureLogger will set the log level to Trace, so logs work from the
// start. This will eventually be overwritten in cmd/root.go
func preConfigureLogger() {
	log.DefaultLogger = log.New()
	log.DefaultLogger.SetLevel(logrus.TraceLevel)
}
