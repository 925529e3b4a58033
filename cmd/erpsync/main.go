package main

import (
	"os"

	"github.com/procurehq/erpsync/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
