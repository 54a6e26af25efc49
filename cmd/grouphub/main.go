// Command grouphub runs the conversational hub: serve starts the hub process,
// register manages users and agents, connect attaches a remote request
// channel client.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
