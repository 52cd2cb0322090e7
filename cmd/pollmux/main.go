// pollmux is a demo driver for the polling transport stack: a WebTransport
// echo server, a matching client, and an in-process loopback mode running
// both ends over in-memory sockets.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pollmux",
	Short: "Polling-based stream transport demos.",
	Long:  `pollmux drives the polling transport stack: serve a WebTransport echo service, dial one, or run a client/server pair in process over in-memory sockets.`,
}

func main() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dialCmd)
	rootCmd.AddCommand(loopbackCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
