package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"

	"oidcbridge/internal/audit"
	"oidcbridge/internal/auth"
	"oidcbridge/internal/cache"
	"oidcbridge/internal/config"
	"oidcbridge/internal/federation"
	"oidcbridge/internal/i18n"
	"oidcbridge/internal/observability"
	pgstore "oidcbridge/internal/storage/postgres"
	sqlitestore "oidcbridge/internal/storage/sqlite"
)

// withBackend loads config, opens the stores and runs fn.
func withBackend(cmd *cobra.Command, g *globals, fn func(ctx context.Context, cfg config.Config, b *backend, logger observability.Logger) error) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.close(); err != nil {
			logger.Error("error closing store", "error", err)
		}
	}()
	return fn(ctx, cfg, b, logger)
}

func newActivateCmd(g *globals) *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Record the callback URL for this deployment",
		Long: "activate stores <base-url>/login as the redirect URL registered with the\n" +
			"identity provider. Run it once after deploying and whenever the public URL changes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, g, func(ctx context.Context, cfg config.Config, b *backend, logger observability.Logger) error {
				raw := baseURL
				if raw == "" {
					raw = cfg.Server.BaseURL
				}
				u, err := url.Parse(raw)
				if err != nil || u.Host == "" {
					return fmt.Errorf("a base URL such as https://login.example.com is required (--base-url or server.base_url)")
				}

				c, err := cache.New(cfg.CacheConfig())
				if err != nil {
					return fmt.Errorf("open cache: %w", err)
				}
				defer c.Close()

				plugin := newFederation(cfg, b, c, i18n.Default(), nil, logger)
				rc := &federation.RequestContext{Host: u.Host, Secure: u.Scheme == "https"}
				if err := plugin.OnActivate(ctx, rc); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "redirect URL set to %s%s\n", rc.BaseURL(), federation.LoginPath)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "", "public URL of the service, defaults to server.base_url")
	return cmd
}

func newSettingsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the identity provider settings",
	}

	var asJSON bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the stored provider settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, g, func(ctx context.Context, cfg config.Config, b *backend, _ observability.Logger) error {
				oc, err := b.settings.GetOIDCSettings(ctx)
				if err != nil {
					return err
				}
				lang, err := b.settings.GetDefaultLang(ctx)
				if err != nil {
					return err
				}
				view := settingsView{
					ProviderURL:  oc.ProviderURL,
					ClientID:     oc.ClientID,
					ClientSecret: maskSecret(oc.ClientSecret),
					RedirectURL:  oc.RedirectURL,
					DefaultLang:  lang,
					Ready:        oc.Validate() == nil,
				}
				return printSettings(cmd.OutOrStdout(), view, asJSON)
			})
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	var providerURL, clientID, clientSecret, defaultLang string
	set := &cobra.Command{
		Use:   "set",
		Short: "Update provider settings; flags left unset keep their value",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if !flags.Changed("provider-url") && !flags.Changed("client-id") &&
				!flags.Changed("client-secret") && !flags.Changed("default-lang") {
				return errors.New("nothing to change")
			}
			return withBackend(cmd, g, func(ctx context.Context, cfg config.Config, b *backend, logger observability.Logger) error {
				oc, err := b.settings.GetOIDCSettings(ctx)
				if err != nil {
					return err
				}
				var changed []string
				if flags.Changed("provider-url") {
					oc.ProviderURL = strings.TrimSpace(providerURL)
					changed = append(changed, "provider_url")
				}
				if flags.Changed("client-id") {
					oc.ClientID = strings.TrimSpace(clientID)
					changed = append(changed, "client_id")
				}
				if flags.Changed("client-secret") {
					oc.ClientSecret = clientSecret
					changed = append(changed, "client_secret")
				}
				if err := b.settings.UpdateOIDCSettings(ctx, oc); err != nil {
					return err
				}
				if flags.Changed("default-lang") {
					tag, err := language.Parse(defaultLang)
					if err != nil {
						return fmt.Errorf("default-lang: %w", err)
					}
					if err := b.settings.SetDefaultLang(ctx, tag.String()); err != nil {
						return err
					}
					changed = append(changed, "default_lang")
				}

				if err := b.audit.Log(ctx, &audit.AuditEvent{
					Actor:        audit.ActorCLI,
					Action:       audit.ActionSettingsUpdate,
					ResourceType: audit.ResourceSettings,
					ResourceName: federation.PluginTag,
					Details:      strings.Join(changed, ","),
				}); err != nil {
					logger.Warn("audit log failed", "error", err)
				}
				if err := oc.Validate(); err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "saved; federated login stays disabled until complete:\n%v\n", err)
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), "saved")
				return nil
			})
		},
	}
	set.Flags().StringVar(&providerURL, "provider-url", "", "issuer URL of the identity provider")
	set.Flags().StringVar(&clientID, "client-id", "", "OAuth client id")
	set.Flags().StringVar(&clientSecret, "client-secret", "", "OAuth client secret")
	set.Flags().StringVar(&defaultLang, "default-lang", "", "site language for new accounts, e.g. en or de")

	cmd.AddCommand(show, set)
	return cmd
}

type settingsView struct {
	ProviderURL  string `json:"provider_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RedirectURL  string `json:"redirect_url"`
	DefaultLang  string `json:"default_lang"`
	Ready        bool   `json:"ready"`
}

func printSettings(w io.Writer, v settingsView, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "provider_url\t%s\n", v.ProviderURL)
	fmt.Fprintf(tw, "client_id\t%s\n", v.ClientID)
	fmt.Fprintf(tw, "client_secret\t%s\n", v.ClientSecret)
	fmt.Fprintf(tw, "redirect_url\t%s\n", v.RedirectURL)
	fmt.Fprintf(tw, "default_lang\t%s\n", v.DefaultLang)
	fmt.Fprintf(tw, "ready\t%t\n", v.Ready)
	return tw.Flush()
}

// maskSecret keeps the last four characters of long secrets.
func maskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "********"
	default:
		return "********" + s[len(s)-4:]
	}
}

func newMigrateCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database schema migrations",
	}
	status := func(cmd *cobra.Command, cfg config.Config) error {
		var (
			s   string
			err error
		)
		switch cfg.Storage.Driver {
		case config.StorageSQLite:
			s, err = sqlitestore.Status(cfg.Storage.DSN)
		case config.StoragePostgres:
			s, err = pgstore.Status(cmd.Context(), cfg.Storage.DSN)
		default:
			s = "memory store has no schema"
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), s)
		return nil
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg config.Config
			// Opening the backend applies migrations.
			err := withBackend(cmd, g, func(_ context.Context, c config.Config, _ *backend, _ observability.Logger) error {
				cfg = c
				return nil
			})
			if err != nil {
				return err
			}
			return status(cmd, cfg)
		},
	}
	st := &cobra.Command{
		Use:   "status",
		Short: "Show the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			return status(cmd, cfg)
		},
	}
	cmd.AddCommand(up, st)
	return cmd
}

func newUsersCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Inspect and create accounts",
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, g, func(ctx context.Context, _ config.Config, b *backend, _ observability.Logger) error {
				users, err := b.users.List(ctx)
				if err != nil {
					return err
				}
				return printUsers(cmd.OutOrStdout(), users, asJSON)
			})
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	var username, email, fullName, password string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a local account that signs in with a password",
		RunE: func(cmd *cobra.Command, args []string) error {
			username = strings.TrimSpace(username)
			if username == "" {
				return errors.New("--username is required")
			}
			return withBackend(cmd, g, func(ctx context.Context, cfg config.Config, b *backend, logger observability.Logger) error {
				generated := false
				if password == "" {
					p, err := auth.GeneratePassword()
					if err != nil {
						return err
					}
					password, generated = p, true
				}
				if err := auth.ValidatePassword(password, cfg.Security.MinPasswordLength); err != nil {
					return err
				}
				hash, err := auth.HashPassword(password)
				if err != nil {
					return err
				}
				lang, err := b.settings.GetDefaultLang(ctx)
				if err != nil || lang == "" {
					lang = cfg.DefaultLang
				}
				now := time.Now().UTC()
				u := &auth.User{
					ID:           auth.NewUserID(),
					Username:     username,
					FullName:     fullName,
					Email:        email,
					ParentID:     auth.RootParentID,
					Lang:         lang,
					PasswordHash: hash,
					AuthProvider: auth.ProviderLocal,
					CreatedAt:    now,
					UpdatedAt:    now,
				}
				if err := b.users.Create(ctx, u); err != nil {
					return err
				}
				if err := b.audit.Log(ctx, &audit.AuditEvent{
					Actor:        audit.ActorCLI,
					Action:       audit.ActionProvision,
					ResourceType: audit.ResourceUser,
					ResourceID:   u.ID,
					ResourceName: u.Username,
					Details:      auth.ProviderLocal,
				}); err != nil {
					logger.Warn("audit log failed", "error", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", u.Username, u.ID)
				if generated {
					fmt.Fprintf(cmd.OutOrStdout(), "password: %s\n", password)
				}
				return nil
			})
		},
	}
	create.Flags().StringVar(&username, "username", "", "login name")
	create.Flags().StringVar(&email, "email", "", "email address")
	create.Flags().StringVar(&fullName, "full-name", "", "display name")
	create.Flags().StringVar(&password, "password", "", "password; a random one is printed when empty")

	cmd.AddCommand(list, create)
	return cmd
}

func printUsers(w io.Writer, users []*auth.User, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(users)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USERNAME\tPROVIDER\tLANG\tEMAIL\tLAST LOGIN")
	for _, u := range users {
		last := "-"
		if u.LastLoginAt != nil {
			last = u.LastLoginAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", u.Username, u.AuthProvider, u.Lang, u.Email, last)
	}
	return tw.Flush()
}
