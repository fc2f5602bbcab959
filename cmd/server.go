package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/example/clinic-scheduler/internal/web"
)

func newServerCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			if addr != "" {
				a.cfg.ListenAddr = addr
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			defer a.close(context.Background())

			if a.cfg.IsProduction() {
				gin.SetMode(gin.ReleaseMode)
			}
			ws := &web.Server{
				Sessions:        a.manager,
				Driver:          a.driver,
				Logger:          a.log.Named("http"),
				CORSOrigins:     a.cfg.CORSOrigins,
				RateLimitPerMin: a.cfg.RateLimitPerMin,
				Location:        a.cfg.Location,
				Status: web.StatusConfig{
					TargetBaseURL:         a.cfg.BaseURL,
					Headless:              a.cfg.Headless,
					KeepAliveSeconds:      int(a.cfg.KeepAlive.Seconds()),
					RequestTimeoutSeconds: int(a.cfg.RequestTimeout.Seconds()),
					CORSOrigins:           a.cfg.CORSOrigins,
					Timezone:              a.cfg.Location.String(),
				},
			}
			return web.Start(ctx, a.cfg.ListenAddr, ws.Routes(), a.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides LISTEN_ADDR)")
	return cmd
}
