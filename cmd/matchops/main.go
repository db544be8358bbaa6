// Package main is the MatchOps sync daemon and its maintenance CLI.
package main

import (
	"os"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		format := "text"
		if f := cmd.PersistentFlags().Lookup("format"); f != nil {
			format = f.Value.String()
		}
		newPrinter(format, os.Stderr).printError(err)
		os.Exit(exitCode(err))
	}
}
