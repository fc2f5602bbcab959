package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/clinic-scheduler/internal/clinic"
	"github.com/example/clinic-scheduler/internal/remote"
)

type loginFlags struct {
	key      string
	password string
}

func (f *loginFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.key, "login-key", "", "login id (defaults to LOGIN_KEY)")
	cmd.Flags().StringVar(&f.password, "password", "", "password (defaults to LOGIN_PASSWORD)")
}

func runOneShot(cmd *cobra.Command, login loginFlags, fn func(ctx context.Context, a *app, page remote.Page) (any, error)) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var out any
	err = a.oneShot(ctx, login.key, login.password, func(ctx context.Context, page remote.Page) error {
		var err error
		out, err = fn(ctx, a, page)
		return err
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func newSlotsCmd() *cobra.Command {
	var (
		login    loginFlags
		from, to string
		menu     string
		duration int
		staff    []string
	)
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Print available slots for a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOneShot(cmd, login, func(ctx context.Context, a *app, page remote.Page) (any, error) {
				if from == "" {
					from = a.driver.Now().Format(time.DateOnly)
				}
				return a.driver.Slots(ctx, page, clinic.SlotQuery{
					DateFrom:    from,
					DateTo:      to,
					Resources:   staff,
					DurationMin: duration,
					MenuName:    menu,
				})
			})
		},
	}
	login.register(cmd)
	cmd.Flags().StringVar(&from, "from", "", "first date, YYYY-MM-DD (defaults to today)")
	cmd.Flags().StringVar(&to, "to", "", "last date, YYYY-MM-DD (defaults to --from)")
	cmd.Flags().StringVar(&menu, "menu", "", "treatment item name")
	cmd.Flags().IntVar(&duration, "duration", 0, "slot length in minutes")
	cmd.Flags().StringSliceVar(&staff, "staff", nil, "restrict to these staff names")
	return cmd
}

func newMenuCmd() *cobra.Command {
	var login loginFlags
	cmd := &cobra.Command{
		Use:   "menu",
		Short: "Print the treatment menu",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOneShot(cmd, login, func(ctx context.Context, a *app, page remote.Page) (any, error) {
				return a.driver.Menu(ctx, page)
			})
		},
	}
	login.register(cmd)
	return cmd
}

func newPingCmd() *cobra.Command {
	var login loginFlags
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Log in and check the booking screen responds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOneShot(cmd, login, func(ctx context.Context, a *app, page remote.Page) (any, error) {
				if err := a.driver.Ping(ctx, page); err != nil {
					return nil, err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil, nil
			})
		},
	}
	login.register(cmd)
	return cmd
}
