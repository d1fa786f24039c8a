package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/luma/relay/cmd/gen"
)

var RootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay is a minimal pub/sub wire-protocol client",
	Long: `Relay is a minimal pub/sub wire-protocol client.

It speaks the RESP-style pub/sub subset directly over TCP: subscribe,
psubscribe, publish, and the matching acknowledgements.
`,
}

func init() {
	RootCmd.AddCommand(ListenCmd)
	RootCmd.AddCommand(PubCmd)
	RootCmd.AddCommand(DevServerCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
