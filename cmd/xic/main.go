package main

import (
	"fmt"
	"os"

	"xic/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "xic:", err)
		os.Exit(1)
	}
}
