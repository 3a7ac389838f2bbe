package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"options-riskcore/internal/cli"
)

func main() {
	// RISKCORE_* overrides may come from a local .env file.
	_ = godotenv.Load()

	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
