package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/anomalyco/deskagent/internal/realtime"
)

func serveCmd(dataDir, profile *string, trace *bool) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the agent to local UIs over WebSocket",
		Long: `Start the adapter and expose it on a local WebSocket endpoint.

Connected UIs receive the full event stream (message chunks, tool calls,
permission asks) and can send prompts, cancels, and permission decisions.`,
		Run: func(cmd *cobra.Command, args []string) {
			app, err := openApp(*dataDir, *profile, *trace)
			if err != nil {
				fatal(err)
			}
			defer app.close()

			if err := app.settings.Watch(); err != nil {
				app.log.Warn("settings watch unavailable", "error", err)
			}

			mgr, err := app.buildManager(*trace)
			if err != nil {
				fatal(err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := mgr.Start(ctx); err != nil {
				fatal(err)
			}
			defer mgr.Stop()

			resolveDir := func(spaceID string) (string, error) {
				space, err := app.spaces.Get(spaceID)
				if err != nil {
					return "", err
				}
				return space.Path, nil
			}
			srv := realtime.New(realtime.WrapManager(mgr), resolveDir, app.log)
			go srv.Run(ctx)

			httpServer := &http.Server{Addr: addr, Handler: srv.Handler()}
			go func() {
				<-ctx.Done()
				httpServer.Shutdown(context.Background())
			}()

			fmt.Printf("deskagent serving on %s\n", addr)
			app.log.Info("serving", "addr", addr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fatal(err)
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8385", "Listen address")
	return cmd
}
