// Package credentials keeps generative provider API keys in Postgres so they
// can be rotated without redeploying.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"manifestme/internal/infra"
	"manifestme/internal/sqlinline"
)

const ProviderVeo = "veo"

type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.sql.Exec(ctx, sqlinline.QCreateProviderCredentials); err != nil {
		return fmt.Errorf("ensure provider_credentials: %w", err)
	}
	return nil
}

// APIKey returns the stored key for provider, or "" when none is stored.
func (s *Store) APIKey(ctx context.Context, provider string) (string, error) {
	var key string
	if err := s.sql.QueryRow(ctx, sqlinline.QSelectProviderCredential, provider).Scan(&key); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(key), nil
}

func (s *Store) SetAPIKey(ctx context.Context, provider, key string, props map[string]any) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("api key is required")
	}
	if props == nil {
		props = map[string]any{}
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QUpsertProviderCredential, provider, key, raw)
	return err
}

// ResolveAPIKey prefers the configured key and falls back to the stored one.
func (s *Store) ResolveAPIKey(ctx context.Context, provider, configured string) (string, error) {
	if key := strings.TrimSpace(configured); key != "" {
		return key, nil
	}
	return s.APIKey(ctx, provider)
}
