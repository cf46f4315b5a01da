// Package main はclaude-sessionのエントリーポイント
package main

import (
	"fmt"
	"os"

	"github.com/y-oga-819/claude-session/cmd/claude-session/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
