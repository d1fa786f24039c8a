package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/relay/client"
	"github.com/luma/relay/internal/env"
	"github.com/luma/relay/storage"
	"github.com/luma/relay/transport"
)

var (
	// The channels to subscribe to
	channels []string

	// The patterns to psubscribe to
	patterns []string

	// The host to serve the inspection HTTP endpoints on
	httpHost string

	// The port to serve the inspection HTTP endpoints on
	httpPort string
)

func init() {
	flags := ListenCmd.PersistentFlags()

	flags.StringSliceVarP(&channels, "channel", "c", nil, "A channel to subscribe to (repeatable)")
	flags.StringSliceVarP(&patterns, "pattern", "P", nil, "A glob pattern to psubscribe to (repeatable)")
	flags.StringVar(&httpHost, "http-host", "0.0.0.0", "The host to serve the inspection HTTP endpoints on")
	flags.StringVar(&httpPort, "http-port", "7372", "The port to serve the inspection HTTP endpoints on")
}

var ListenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Subscribe to channels and expose the latest payloads over HTTP",
	Long: `Subscribe to channels and expose the latest payloads over HTTP

Usage
	relay listen -c orders -c invoices -P 'news.*'

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
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

		store := storage.NewChannelStore()
		defer store.Close()

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

		if err := conn.Connect(ctx); err != nil {
			return err
		}

		if err := conn.Subscribe(ctx, channels...); err != nil {
			return err
		}

		if err := conn.PSubscribe(ctx, patterns...); err != nil {
			return err
		}

		go consume(ctx, conn, store, log)

		router := setupRouter(conf.DebugHTTP, log)

		router.GET("/ping", func(c *gin.Context) {
			c.String(http.StatusOK, "pong")
		})

		router.GET("/healthz", func(c *gin.Context) {
			if err := conn.Ping(c.Request.Context()); err != nil {
				c.String(http.StatusServiceUnavailable, "unhealthy: %s", err)
				return
			}

			c.String(http.StatusOK, "ok")
		})

		router.GET("/channels", func(c *gin.Context) {
			c.JSON(http.StatusOK, store.Channels())
		})

		router.GET("/channels/*name", func(c *gin.Context) {
			name := c.Param("name")
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}

			entry, err := store.Get(c.Request.Context(), name)
			if err != nil {
				c.String(http.StatusInternalServerError, "%s", err)
				return
			}

			if entry == nil {
				c.Status(http.StatusNotFound)
				return
			}

			c.Data(http.StatusOK, "application/json", entry)
		})

		s := &http.Server{
			Addr:    net.JoinHostPort(httpHost, httpPort),
			Handler: router,
		}

		// Initializing the server in a goroutine so that
		// it won't block the graceful shutdown handling below
		go func() {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Http server errored", zap.Error(err))
			}
		}()

		log.Info("Listening",
			zap.Strings("channels", channels),
			zap.Strings("patterns", patterns),
			zap.String("httpPort", httpPort))

		// Listen for the interrupt signal.
		<-ctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.SetKeepAlivesEnabled(false)

		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Error("Http server forced to shutdown", zap.Error(err))
		}

		if err := conn.Disconnect(); err != nil {
			log.Error("Connection did not close cleanly", zap.Error(err))
		}

		log.Info("Exiting")
		return nil
	},
}

// consume drains pub/sub messages into the store and surfaces transport
// events in the logs.
func consume(ctx context.Context, conn *client.Conn, store storage.Store, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-conn.Messages():
			switch msg.Kind {
			case client.KindMessage, client.KindPMessage:
				if err := store.Record(ctx, msg.Channel, msg.Payload); err != nil {
					log.Warn("Failed to record message",
						zap.String("channel", msg.Channel),
						zap.Error(err))
				}

			default:
				log.Info("Subscription changed",
					zap.String("kind", string(msg.Kind)),
					zap.String("channel", msg.Channel),
					zap.Int64("count", msg.Count))
			}

		case event := <-conn.Events():
			if event.Kind == transport.EventError {
				log.Error("Connection error", zap.Error(event.Err))
				continue
			}

			log.Info("Connection event", zap.String("kind", string(event.Kind)))
		}
	}
}

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Add a ginzap middleware, which:
	//   - Logs all requests, like a combined access and error log.
	//   - Logs to stdout.
	//   - RFC3339 with UTC time format.
	r.Use(ginzap.Ginzap(log, time.RFC3339, true))

	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/healthz"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	return r
}
