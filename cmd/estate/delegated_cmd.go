package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/jrsteele09/estate-session/delegated"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newDelegatedLoginCmd(c *cli) *cobra.Command {
	var (
		hint    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "delegated-login",
		Short: "Log in through the external identity provider",
		Long: `delegated-login prints the identity provider URL to open and waits
for the provider to redirect back to a local callback listener.`,
		RunE: c.run(func(cmd *cobra.Command, a *app) error {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				return fmt.Errorf("listen for callback: %w", err)
			}
			redirectURL := "http://" + ln.Addr().String() + a.cfg.GetDelegatedCallbackPath()

			out := cmd.OutOrStdout()
			flow, err := delegated.NewFlow(a.resolver, a.cfg,
				delegated.WithRedirectURL(redirectURL),
				delegated.WithLoginHint(hint),
				delegated.WithRedirector(func(_ context.Context, authURL string) error {
					_, err := fmt.Fprintf(out, "Open this URL to continue:\n\n  %s\n\n", authURL)
					return err
				}),
			)
			if err != nil {
				_ = ln.Close()
				return err
			}

			mux := http.NewServeMux()
			mux.Handle(flow.CallbackPath(), flow)
			srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("callback listener stopped")
				}
			}()
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(ctx)
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			id, err := flow.Login(ctx)
			if err != nil {
				return fmt.Errorf("delegated login failed: %w", err)
			}
			fmt.Fprintf(out, "principal: %s\nemail: %s\nexpires: %s\n", id.Principal, id.Email, id.Expiry.Format(time.RFC3339))
			return nil
		}),
	}
	cmd.Flags().StringVar(&hint, "as", "", "identity to sign in as (login hint)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for the provider")
	return cmd
}
