package cmd

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/relay/client"
	"github.com/luma/relay/internal/env"
)

var (
	// Read the payload from stdin instead of the command line, so
	// arbitrary binary can be published.
	fromStdin bool
)

func init() {
	flags := PubCmd.PersistentFlags()

	flags.BoolVar(&fromStdin, "stdin", false, "Read the payload from stdin (binary-safe)")
}

var PubCmd = &cobra.Command{
	Use:   "pub <channel> [payload]",
	Short: "Publish a payload to a channel",
	Long: `Publish a payload to a channel

Usage
	relay pub orders '{"id":1}'
	cat payload.bin | relay pub orders --stdin

`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
		defer signalStop()

		log, err := env.MakeLogger()
		if err != nil {
			return err
		}

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		var payload []byte

		if fromStdin {
			payload, err = ioutil.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
		} else {
			if len(args) < 2 {
				return fmt.Errorf("either pass a payload argument or --stdin")
			}

			payload = []byte(args[1])
		}

		conn := client.New(client.Options{
			Host:           conf.Host,
			Port:           conf.Port,
			ConnectTimeout: conf.ConnectTimeout,
			Username:       conf.Username,
			Password:       conf.Password,
			Name:           conf.Name,
			DB:             conf.DB,
			KeyPrefix:      conf.KeyPrefix,
			AckTimeout:     conf.AckTimeout,
			Log:            log.Named("client"),
		})

		defer func() {
			if err := conn.Disconnect(); err != nil {
				log.Warn("Connection did not close cleanly", zap.Error(err))
			}
		}()

		delivered, err := conn.Publish(ctx, args[0], payload)
		if err != nil {
			return err
		}

		fmt.Println(delivered)

		return nil
	},
}
