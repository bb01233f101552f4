package main

import (
	"os"

	_ "time/tzdata"

	appLog "calbot/internal/log"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		appLog.Error("calbot failed", err)
		os.Exit(1)
	}
}
