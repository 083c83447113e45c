package main

import (
	"os"

	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
