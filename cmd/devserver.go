package cmd

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/relay/internal/env"
	"github.com/luma/relay/internal/respserver"
)

var (
	// The host to listen on
	serveHost string

	// The port to listen on
	servePort int

	// Optional password clients must AUTH with
	servePassword string
)

func init() {
	flags := DevServerCmd.PersistentFlags()

	flags.StringVarP(&serveHost, "host", "a", "0.0.0.0", "The host to listen on")
	flags.IntVarP(&servePort, "port", "p", 6379, "The port to listen on")
	flags.StringVar(&servePassword, "password", "", "Require clients to AUTH with this password")
}

var DevServerCmd = &cobra.Command{
	Use:   "dev-server",
	Short: "Run the in-process pub/sub server standalone",
	Long: `Run the in-process pub/sub server standalone.

This is the same minimal server the test suite runs against. It speaks
only the pub/sub wire subset and holds no state; do not point production
traffic at it.
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
		defer signalStop()

		log, err := env.MakeLogger()
		if err != nil {
			return err
		}

		server := respserver.New(respserver.Options{
			Host:     serveHost,
			Port:     servePort,
			Password: servePassword,
			Log:      log.Named("respserver"),
		})

		if err := server.Start(); err != nil {
			return err
		}

		<-ctx.Done()
		signalStop()

		log.Info("Shutting down")

		if err := server.Close(); err != nil {
			log.Error("Server forced to shutdown", zap.Error(err))
		}

		return nil
	},
}
