package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/spearmint/cmd/spearmintctl/cmd"
	"github.com/G-Research/spearmint/internal/common/logging"
	"github.com/G-Research/spearmint/internal/common/spearminterrors"
)

func main() {
	logging.ConfigureCommandLineLogging()
	if err := cmd.RootCmd().Execute(); err != nil {
		log.Error(err)
		os.Exit(spearminterrors.ExitCodeFromError(err))
	}
}
