package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/example/clinic-scheduler/internal/clinic"
	"github.com/example/clinic-scheduler/internal/config"
	"github.com/example/clinic-scheduler/internal/credentials"
	"github.com/example/clinic-scheduler/internal/logging"
	"github.com/example/clinic-scheduler/internal/remote"
	"github.com/example/clinic-scheduler/internal/session"
)

// app is the wiring shared by the server and the one-shot commands.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	driver  *clinic.Driver
	manager *session.Manager
}

func newApp() (*app, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireBaseURL(); err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(log)

	driver := clinic.New(clinic.Options{
		BaseURL:  cfg.BaseURL,
		Location: cfg.Location,
		Logger:   log.Named("clinic"),
	})
	launcher := remote.NewPlaywrightLauncher(remote.Options{Headless: cfg.Headless})
	manager := session.NewManager(session.Options{
		Launcher:     launcher,
		Login:        driver.Login,
		Probe:        driver.Ping,
		KeepAlive:    cfg.KeepAlive,
		StartTimeout: cfg.StartTimeout,
		LeaseTimeout: cfg.RequestTimeout,
		Logger:       log.Named("session"),
	})
	manager.Subscribe(session.LogListener(log.Named("lifecycle")))

	return &app{cfg: cfg, log: log, driver: driver, manager: manager}, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.manager.Shutdown(ctx); err != nil {
		a.log.Warn("shutdown", zap.Error(err))
	}
	_ = a.log.Sync()
}

// oneShot logs in with the configured credentials and runs fn on a leased
// page, then closes the session.
func (a *app) oneShot(ctx context.Context, loginKey, password string, fn session.LeasedFunc) error {
	creds := credentials.Credentials{LoginKey: loginKey, LoginPassword: password}
	if creds.Empty() {
		creds = credentials.Credentials{LoginKey: a.cfg.LoginKey, LoginPassword: a.cfg.LoginPassword}
	}
	if creds.Empty() {
		return fmt.Errorf("LOGIN_KEY and LOGIN_PASSWORD (or --login-key/--password) are required")
	}
	defer a.close(context.WithoutCancel(ctx))

	if _, err := a.manager.EnsureSession(ctx, creds); err != nil {
		return err
	}
	return a.manager.WithLeasedPage(ctx, creds, fn)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
