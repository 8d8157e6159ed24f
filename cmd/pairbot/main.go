// pairbot - session-resumable messaging auto-reply bot
package main

import (
	"os"

	"github.com/ashureev/pairbot/cmd/pairbot/commands"
)

// Version information - set during build
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)

	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
