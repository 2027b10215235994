package main

import (
	"os"

	"github.com/haven-health-passport/careledger/cmd"
)

func main() {
	if err := cmd.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
