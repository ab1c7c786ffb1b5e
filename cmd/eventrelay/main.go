package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/eventrelay/internal/cli"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
