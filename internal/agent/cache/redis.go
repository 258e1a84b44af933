package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

const (
	redisKeyPrefix     = "plankagent:gen:"
	redisGenerationSet = "plankagent:generations"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig
}

type redisStore struct {
	client valkey.Client
}

// NewRedis builds a valkey-backed store so multiple agent replicas share one
// set of cache generations.
func NewRedis(cfg RedisConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	return &redisStore{client: client}, nil
}

func entryKey(generation string, key Key) string {
	return redisKeyPrefix + generation + ":" + key.Hash()
}

func (s *redisStore) Match(ctx context.Context, generation string, key Key) (Entry, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(entryKey(generation, key)).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis get bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis unmarshal: %w", err)
	}
	return entry, true, nil
}

func (s *redisStore) Put(ctx context.Context, generation string, key Key, entry Entry) error {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: redis marshal: %w", err)
	}
	cmd := s.client.B().Set().Key(entryKey(generation, key)).Value(string(payload)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	register := s.client.B().Sadd().Key(redisGenerationSet).Member(generation).Build()
	if err := s.client.Do(ctx, register).Error(); err != nil {
		return fmt.Errorf("cache: redis register generation: %w", err)
	}
	return nil
}

func (s *redisStore) DeleteGeneration(ctx context.Context, generation string) error {
	pattern := redisKeyPrefix + generation + ":*"
	var cursor uint64
	for {
		resp := s.client.Do(ctx, s.client.B().Scan().Cursor(cursor).Match(pattern).Count(200).Build())
		scan, err := resp.AsScanEntry()
		if err != nil {
			return fmt.Errorf("cache: redis scan: %w", err)
		}
		if len(scan.Elements) > 0 {
			del := s.client.B().Del().Key(scan.Elements...).Build()
			if err := s.client.Do(ctx, del).Error(); err != nil {
				return fmt.Errorf("cache: redis del: %w", err)
			}
		}
		cursor = scan.Cursor
		if cursor == 0 {
			break
		}
	}
	unregister := s.client.B().Srem().Key(redisGenerationSet).Member(generation).Build()
	if err := s.client.Do(ctx, unregister).Error(); err != nil {
		return fmt.Errorf("cache: redis unregister generation: %w", err)
	}
	return nil
}

func (s *redisStore) ListGenerations(ctx context.Context) ([]string, error) {
	resp := s.client.Do(ctx, s.client.B().Smembers().Key(redisGenerationSet).Build())
	names, err := resp.AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cache: redis smembers: %w", err)
	}
	return names, nil
}

func (s *redisStore) Close(context.Context) error {
	s.client.Close()
	return nil
}
