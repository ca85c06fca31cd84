// Command casesync queues case-management writes locally and replays them
// to the remote case store.
package main

import (
	"os"

	"github.com/roach88/casesync/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
