package main

import (
	"fmt"
	"os"

	"github.com/jeffvan302/fileharbor/pkg/cmd"
)

func main() {
	root := cmd.NewRootCommand(os.Stdin, os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
