package main

import (
	"os"

	"github.com/catatsuy/kura/internal/cli"
	"github.com/catatsuy/kura/internal/term"
)

func main() {
	cl := cli.NewCLI(os.Stdout, os.Stderr, term.IsTerminalWriter(os.Stderr))
	os.Exit(cl.Run(os.Args))
}
