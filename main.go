package main

import (
	"os"

	"identity-session/internal/app"
	"identity-session/internal/common/logging"
)

func main() {
	if err := app.Run(); err != nil {
		logging.GetGlobalLogger().Error("Session token service failed", err)
		logging.MustSync()
		os.Exit(1)
	}
}
