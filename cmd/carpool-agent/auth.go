// README: signup/login/logout/status commands against the gateway auth API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"metrocarpool/internal/session"
	"metrocarpool/internal/types"
)

type authClient struct {
	baseURL string
	http    *http.Client
}

func newAuthClient(baseURL string) *authClient {
	return &authClient{baseURL: baseURL, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *authClient) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return errors.New(apiErr.Error)
		}
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *authClient) signup(ctx context.Context, email, password string, role types.Role) error {
	return c.post(ctx, "/api/auth/signup", map[string]any{
		"email": email, "password": password, "role": role,
	}, nil)
}

func (c *authClient) login(ctx context.Context, email, password string) (session.Session, error) {
	var out struct {
		AuthToken string       `json:"authToken"`
		UserID    types.UserID `json:"userId"`
		Role      types.Role   `json:"role"`
	}
	if err := c.post(ctx, "/api/auth/login", map[string]any{
		"email": email, "password": password,
	}, &out); err != nil {
		return session.Session{}, err
	}
	return session.Session{Role: out.Role, UserID: out.UserID, Token: out.AuthToken}, nil
}

func newSignupCmd() *cobra.Command {
	var email, password, role string
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAuthClient(agentConfig().BaseURL)
			if err := client.signup(cmd.Context(), email, password, types.Role(role)); err != nil {
				return err
			}
			fmt.Printf("account created for %s (%s)\n", email, role)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	cmd.Flags().StringVar(&role, "role", "rider", "driver or rider")
	cmd.MarkFlagRequired("email")
	cmd.MarkFlagRequired("password")
	return cmd
}

func newLoginCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate and persist the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAuthClient(agentConfig().BaseURL)
			sess, err := client.login(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			store, err := sessionStore()
			if err != nil {
				return err
			}
			if err := store.Save(sess); err != nil {
				return err
			}
			fmt.Printf("logged in as %s #%d\n", sess.Role, sess.UserID)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	cmd.MarkFlagRequired("email")
	cmd.MarkFlagRequired("password")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Drop the persisted session",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := sessionStore()
			if err != nil {
				return err
			}
			if err := store.Clear(); err != nil {
				return err
			}
			fmt.Println("logged out")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the persisted session",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := sessionStore()
			if err != nil {
				return err
			}
			sess, err := store.Load()
			if errors.Is(err, session.ErrNoSession) {
				fmt.Println("not logged in")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s #%d\n", sess.Role, sess.UserID)
			return nil
		},
	}
}
