// Command offsync is the offline-first event store and sync CLI.
package main

import (
	"os"

	"github.com/roach88/offsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
