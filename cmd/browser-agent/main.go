// Package main is the entrypoint for browser-agent, which executes relayed
// commands against a local browser.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/morezero/browser-relay/internal/server"
)

func newRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "browser-agent",
		Short: "browser-agent - run browser commands received from a relay",
		Long: `browser-agent connects to BROWSER_ENDPOINT_URL and executes the commands it
receives against a browser, reporting one result per command.

Transport is chosen by URL scheme:
  ws://, wss://       push over a websocket
  http://, https://   poll the relay over HTTP
  nats://, tls://     subscribe on NATS subjects

Environment: BROWSER_ENDPOINT_URL, AGENT_NAME, BROWSER_DRIVER (chrome|memory),
CHROME_REMOTE_URL, CHROME_HEADLESS, BROWSER_VERSION_CONSTRAINT, COMMAND_TIMEOUT,
QUEUE_DEPTH, HTTP_PORT, LOG_LEVEL.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return server.RunAgent()
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "browser-agent: %v\n", err)
		os.Exit(1)
	}
}
