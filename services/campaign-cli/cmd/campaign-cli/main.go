package main

import (
	"fmt"
	"os"

	"github.com/Mutter0815/campaign-dispatch/services/campaign-cli/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "campaign-cli:", err)
		os.Exit(1)
	}
}
