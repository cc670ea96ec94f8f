package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/blueberrycongee/sicc/internal/auth"
	"github.com/blueberrycongee/sicc/internal/database"
)

func withAuthStore(ctx context.Context, rt *runtime, fn func(auth.Store) error) error {
	if !rt.cfg.Database.Enabled {
		return errors.New("key management requires the database")
	}
	db, err := database.Open(ctx, rt.cfg.Database)
	if err != nil {
		return err
	}
	defer func(db *sql.DB) { _ = db.Close() }(db)
	return fn(newPostgresStore(db))
}

func newKeysCmd(load func() (*runtime, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}
	cmd.AddCommand(newKeysCreateCmd(load), newKeysListCmd(load), newKeysRevokeCmd(load))
	return cmd
}

func newKeysCreateCmd(load func() (*runtime, error)) *cobra.Command {
	var (
		clientID  string
		profileID string
		name      string
		role      string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			rt, err := load()
			if err != nil {
				return err
			}
			key, secret, err := newAPIKey(clientID, profileID, name, r, ttl, time.Now())
			if err != nil {
				return err
			}
			err = withAuthStore(cmd.Context(), rt, func(s auth.Store) error {
				return s.CreateAPIKey(cmd.Context(), key)
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "id:  %s\nkey: %s\n", key.ID, secret)
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "client id the key is scoped to")
	cmd.Flags().StringVar(&profileID, "profile", "", "profile id recorded as reviewer")
	cmd.Flags().StringVar(&name, "name", "", "human readable key name")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleMember), "member, admin or viewer")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "key lifetime; zero never expires")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

// newAPIKey builds the stored record and the secret for a fresh key.
func newAPIKey(clientID, profileID, name string, role auth.Role, ttl time.Duration, now time.Time) (*auth.APIKey, string, error) {
	if clientID == "" {
		return nil, "", errors.New("client id is required")
	}
	if ttl < 0 {
		return nil, "", errors.New("ttl must not be negative")
	}
	secret, hash, err := auth.GenerateAPIKey()
	if err != nil {
		return nil, "", err
	}
	if profileID == "" {
		profileID = clientID
	}
	key := &auth.APIKey{
		ID:        uuid.NewString(),
		KeyHash:   hash,
		KeyPrefix: auth.ExtractKeyPrefix(secret),
		Name:      name,
		ProfileID: profileID,
		ClientID:  clientID,
		Role:      role,
		IsActive:  true,
		CreatedAt: now.UTC(),
	}
	if ttl > 0 {
		exp := now.Add(ttl).UTC()
		key.ExpiresAt = &exp
	}
	return key, secret, nil
}

func newKeysListCmd(load func() (*runtime, error)) *cobra.Command {
	var clientID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys of a client",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := load()
			if err != nil {
				return err
			}
			var keys []*auth.APIKey
			err = withAuthStore(cmd.Context(), rt, func(s auth.Store) error {
				keys, err = s.ListAPIKeys(cmd.Context(), clientID)
				return err
			})
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPREFIX\tNAME\tROLE\tACTIVE\tCREATED")
			for _, k := range keys {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n",
					k.ID, k.KeyPrefix, k.Name, k.Role, k.IsActive && !k.IsExpired(), k.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "client id")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func newKeysRevokeCmd(load func() (*runtime, error)) *cobra.Command {
	var clientID string
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := load()
			if err != nil {
				return err
			}
			var revoked bool
			err = withAuthStore(cmd.Context(), rt, func(s auth.Store) error {
				revoked, err = s.RevokeAPIKey(cmd.Context(), clientID, args[0])
				return err
			})
			if err != nil {
				return err
			}
			if !revoked {
				return fmt.Errorf("key %s not found for client %s", args[0], clientID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "client id")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func newTokenCmd(load func() (*runtime, error)) *cobra.Command {
	var (
		clientID  string
		profileID string
		role      string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			rt, err := load()
			if err != nil {
				return err
			}
			tokens, err := initTokens(rt.cfg)
			if err != nil {
				return err
			}
			if tokens == nil {
				return errors.New("auth.jwt_secret is not configured")
			}
			if profileID == "" {
				profileID = clientID
			}
			token, err := tokens.Issue(auth.Principal{
				ProfileID: profileID,
				ClientID:  clientID,
				Role:      r,
				Method:    auth.MethodJWT,
			}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "client id")
	cmd.Flags().StringVar(&profileID, "profile", "", "profile id")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleMember), "member, admin or viewer")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}
