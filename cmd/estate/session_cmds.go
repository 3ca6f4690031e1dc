package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jrsteele09/estate-session/session"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type credentialFlags struct {
	label    string
	password string
	remember bool
}

func (f *credentialFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.label, "label", "", "account label (email)")
	cmd.Flags().StringVar(&f.password, "password", "", "account secret; read from stdin when empty")
	cmd.Flags().BoolVar(&f.remember, "remember", false, "keep the session across runs")
	_ = cmd.MarkFlagRequired("label")
}

func (f *credentialFlags) credential(in io.Reader) (session.Credential, error) {
	secret := f.password
	if secret == "" {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return session.Credential{}, errors.Wrap(err, "read secret")
		}
		secret = strings.TrimRight(line, "\r\n")
	}
	if secret == "" {
		return session.Credential{}, errors.New("a secret is required")
	}
	return session.Credential{Label: f.label, Secret: secret}, nil
}

func newLoginCmd(c *cli) *cobra.Command {
	flags := &credentialFlags{}
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in with a label and secret",
		RunE: c.run(func(cmd *cobra.Command, a *app) error {
			cred, err := flags.credential(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if err := a.store.Authenticate(cmd.Context(), cred, flags.remember); err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s\n", a.store.Label())
			return nil
		}),
	}
	flags.register(cmd)
	return cmd
}

func newRegisterCmd(c *cli) *cobra.Command {
	flags := &credentialFlags{}
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and log in to it",
		RunE: c.run(func(cmd *cobra.Command, a *app) error {
			cred, err := flags.credential(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if err := a.store.Register(cmd.Context(), cred, flags.remember); err != nil {
				return fmt.Errorf("registration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered and logged in as %s\n", a.store.Label())
			return nil
		}),
	}
	flags.register(cmd)
	return cmd
}

func newLogoutCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session locally and on the service",
		RunE: c.run(func(cmd *cobra.Command, a *app) error {
			a.store.Logout(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		}),
	}
}

func newWhoamiCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the caller principal",
		RunE: c.run(func(cmd *cobra.Command, a *app) error {
			fmt.Fprintln(cmd.OutOrStdout(), a.store.Principal(cmd.Context()))
			return nil
		}),
	}
}

// sessionStatus is the status command output.
type sessionStatus struct {
	State     string     `json:"state"`
	Label     string     `json:"label,omitempty"`
	Principal string     `json:"principal,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Durable   bool       `json:"durable"`
}

func newStatusCmd(c *cli) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the session state",
		RunE: c.run(func(cmd *cobra.Command, a *app) error {
			snap := a.store.Snapshot()
			st := sessionStatus{
				State:     a.store.State().String(),
				Label:     snap.Label,
				Principal: snap.Principal,
				Durable:   snap.Durable,
			}
			if !snap.ExpiresAt.IsZero() {
				st.ExpiresAt = &snap.ExpiresAt
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "STATE\t%s\n", st.State)
			if st.Label != "" {
				fmt.Fprintf(w, "LABEL\t%s\n", st.Label)
			}
			if st.Principal != "" {
				fmt.Fprintf(w, "PRINCIPAL\t%s\n", st.Principal)
			}
			if st.ExpiresAt != nil {
				fmt.Fprintf(w, "EXPIRES\t%s\n", st.ExpiresAt.Format(time.RFC3339))
				fmt.Fprintf(w, "REMEMBERED\t%t\n", st.Durable)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output status as JSON")
	return cmd
}

func newVerifyCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Ask the service whether the session is still valid",
		RunE: c.run(func(cmd *cobra.Command, a *app) error {
			if !a.store.Verify(cmd.Context()) {
				return errors.New("session is not valid")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "session is valid")
			return nil
		}),
	}
}

func newResetPasswordCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Request or complete a password reset",
	}

	var requestLabel string
	request := &cobra.Command{
		Use:   "request",
		Short: "Ask the service to send a reset token",
		RunE: c.run(func(cmd *cobra.Command, a *app) error {
			if !a.store.RequestPasswordReset(cmd.Context(), requestLabel) {
				return errors.New("password reset request was declined")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "reset token sent")
			return nil
		}),
	}
	request.Flags().StringVar(&requestLabel, "label", "", "account label (email)")
	_ = request.MarkFlagRequired("label")

	var confirmLabel, resetToken, newSecret string
	confirm := &cobra.Command{
		Use:   "confirm",
		Short: "Set a new secret using a reset token",
		RunE: c.run(func(cmd *cobra.Command, a *app) error {
			if !a.store.ResetPassword(cmd.Context(), confirmLabel, resetToken, newSecret) {
				return errors.New("password reset failed")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "password changed")
			return nil
		}),
	}
	confirm.Flags().StringVar(&confirmLabel, "label", "", "account label (email)")
	confirm.Flags().StringVar(&resetToken, "token", "", "reset token")
	confirm.Flags().StringVar(&newSecret, "password", "", "new secret")
	for _, name := range []string{"label", "token", "password"} {
		_ = confirm.MarkFlagRequired(name)
	}

	cmd.AddCommand(request, confirm)
	return cmd
}
