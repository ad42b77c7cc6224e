package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/johnrirwin/keygate/internal/auth"
	"github.com/johnrirwin/keygate/internal/config"
	"github.com/johnrirwin/keygate/internal/database"
	"github.com/johnrirwin/keygate/internal/httpapi"
	"github.com/johnrirwin/keygate/internal/models"
	"github.com/johnrirwin/keygate/internal/ratelimit"
)

// KeysCmd groups the key management commands.
type KeysCmd struct {
	Create KeysCreateCmd `cmd:"" help:"Create a key. The raw key is printed once."`
	List   KeysListCmd   `cmd:"" help:"List keys."`
	Revoke KeysRevokeCmd `cmd:"" help:"Deactivate a key."`
	Check  KeysCheckCmd  `cmd:"" help:"Validate a key and show its rate limit status."`
}

type KeysCreateCmd struct {
	Principal   string   `required:"" help:"Principal the key acts for."`
	Name        string   `help:"Label for the key."`
	Permissions []string `name:"permission" short:"p" help:"Permission to grant (repeatable). Defaults to chat, usage."`
	Quota       int64    `help:"Per-window request ceiling for quota-aware windows (0 = configured default)."`
}

func (c *KeysCreateCmd) Run(cli *CLI) error {
	params := models.CreateAPIKeyParams{
		PrincipalID:    c.Principal,
		Name:           c.Name,
		Permissions:    c.Permissions,
		QuotaPerWindow: c.Quota,
	}
	if err := params.Validate(); err != nil {
		return err
	}

	return withKeyStore(cli, func(ctx context.Context, keys *database.APIKeyStore) error {
		created, err := httpapi.CreateKey(ctx, keys, params)
		if err != nil {
			return err
		}
		return printJSON(created)
	})
}

type KeysListCmd struct {
	Principal string `help:"Only list keys for this principal."`
}

func (c *KeysListCmd) Run(cli *CLI) error {
	return withKeyStore(cli, func(ctx context.Context, keys *database.APIKeyStore) error {
		list, err := keys.List(ctx, c.Principal)
		if err != nil {
			return err
		}
		return printJSON(models.APIKeysResponse{Keys: list, TotalCount: len(list)})
	})
}

type KeysRevokeCmd struct {
	ID string `arg:"" help:"Key id."`
}

func (c *KeysRevokeCmd) Run(cli *CLI) error {
	return withKeyStore(cli, func(ctx context.Context, keys *database.APIKeyStore) error {
		if err := keys.SetActive(ctx, c.ID, false); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return fmt.Errorf("no key with id %q", c.ID)
			}
			return err
		}
		fmt.Printf("revoked %s\n", c.ID)
		return nil
	})
}

// KeysCheckCmd validates a key and peeks its counters without consuming.
type KeysCheckCmd struct {
	Key string `arg:"" help:"Raw API key (sk-...)."`
}

func (c *KeysCheckCmd) Run(cli *CLI) error {
	if !auth.ValidKeyFormat(c.Key) {
		return fmt.Errorf("%q is not a keygate key (want %s followed by 64 hex characters)", c.Key, auth.KeyPrefix)
	}
	a, err := cli.load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	db, err := a.openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	// Touching last_used_at would make a dry check look like traffic.
	validator := auth.NewValidator(readOnlyKeys{database.NewAPIKeyStore(db)}, auth.ValidatorConfig{
		StoreTimeout: a.cfg.Auth.StoreTimeout,
	}, a.logger)
	principal, err := validator.ValidateKey(ctx, c.Key)
	if err != nil {
		return err
	}

	out := map[string]interface{}{
		"principal_id": principal.ID,
		"key_id":       principal.KeyID,
		"permissions":  principal.Permissions,
		"quota":        principal.Quota,
	}

	if a.cfg.Cache.Backend == config.CacheRedis {
		client, err := newRedisClient(ctx, a.cfg)
		if err != nil {
			return err
		}
		defer client.Close()
		limiter, err := ratelimit.New(ratelimit.NewRedisStore(client), ratelimit.Config{
			Windows:      a.cfg.RateLimit.Windows,
			Grace:        a.cfg.RateLimit.Grace,
			StoreTimeout: a.cfg.RateLimit.StoreTimeout,
		}, a.logger)
		if err != nil {
			return err
		}
		status, err := limiter.Status(ctx, ratelimit.Subject{PrincipalID: principal.ID, Quota: principal.Quota})
		if err != nil {
			return err
		}
		out["rate_limit"] = status.Results
	} else {
		out["rate_limit"] = "memory counters are held by the serving process"
	}

	return printJSON(out)
}

// readOnlyKeys drops last_used_at updates.
type readOnlyKeys struct {
	*database.APIKeyStore
}

func (readOnlyKeys) TouchLastUsed(context.Context, string, time.Time) error {
	return nil
}

func withKeyStore(cli *CLI, fn func(ctx context.Context, keys *database.APIKeyStore) error) error {
	a, err := cli.load()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := a.openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(ctx, database.NewAPIKeyStore(db))
}

// TokenCmd groups operator token commands.
type TokenCmd struct {
	Issue TokenIssueCmd `cmd:"" help:"Issue an admin token signed with ADMIN_JWT_SECRET."`
}

type TokenIssueCmd struct {
	Subject string        `default:"operator" help:"Who the token is for."`
	TTL     time.Duration `name:"ttl" default:"1h" help:"Token lifetime."`
}

func (c *TokenIssueCmd) Run(cli *CLI) error {
	a, err := cli.load()
	if err != nil {
		return err
	}
	if a.cfg.Auth.AdminJWTSecret == "" {
		return errors.New("ADMIN_JWT_SECRET is not set")
	}
	tokens, err := auth.NewAdminTokens(a.cfg.Auth.AdminJWTSecret)
	if err != nil {
		return err
	}
	token, err := tokens.Issue(c.Subject, c.TTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
