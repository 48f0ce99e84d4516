// Package secretstore is the Redis-backed encrypted secret vault components
// resolve credentials from. Values are sealed with the shared master-key
// cipher before they reach Redis; plaintext exists only in process memory.
package secretstore

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/reconflow/reconflow/rferr"
	"github.com/reconflow/reconflow/runtime/execctx"
	"github.com/reconflow/reconflow/toolregistry"
)

const keyPrefix = "secret:"

type (
	// Options configure the store.
	Options struct {
		Redis  *redis.Client
		Cipher *toolregistry.Cipher
	}

	// Store implements the executor's secrets capability.
	Store struct {
		rdb    *redis.Client
		cipher *toolregistry.Cipher
	}
)

// New builds a store.
func New(opts Options) (*Store, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Cipher == nil {
		return nil, errors.New("secret cipher is required")
	}
	return &Store{rdb: opts.Redis, cipher: opts.Cipher}, nil
}

// Set seals value under id and bumps the version. Returns the new version.
func (s *Store) Set(ctx context.Context, id, value string) (int, error) {
	if id == "" {
		return 0, rferr.New(rferr.KindValidation, "secret id is required")
	}
	sealed, err := s.cipher.Encrypt([]byte(value))
	if err != nil {
		return 0, err
	}
	// Version and value move together; a bumped version must never pair with
	// a stale sealed value.
	key := keyPrefix + id
	pipe := s.rdb.TxPipeline()
	version := pipe.HIncrBy(ctx, key, "version", 1)
	pipe.HSet(ctx, key, "sealed", sealed)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, rferr.Wrap(rferr.KindDependency, err, "store secret").WithField("secretId", id)
	}
	return int(version.Val()), nil
}

// Get resolves a secret. A missing id is an error, never an empty value.
func (s *Store) Get(ctx context.Context, id string) (execctx.SecretValue, error) {
	key := keyPrefix + id
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return execctx.SecretValue{}, rferr.Wrap(rferr.KindDependency, err, "read secret").WithField("secretId", id)
	}
	sealed, ok := fields["sealed"]
	if !ok {
		return execctx.SecretValue{}, rferr.Newf(rferr.KindNotFound, "secret %q not found", id).
			WithField("secretId", id)
	}
	plaintext, err := s.cipher.Decrypt([]byte(sealed))
	if err != nil {
		return execctx.SecretValue{}, rferr.Wrap(rferr.KindConfiguration, err, "unseal secret").
			WithField("secretId", id)
	}
	version, _ := strconv.Atoi(fields["version"])
	return execctx.SecretValue{Value: string(plaintext), Version: version}, nil
}

// Delete removes a secret. Deleting an unknown id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, keyPrefix+id).Err(); err != nil {
		return rferr.Wrap(rferr.KindDependency, err, "delete secret").WithField("secretId", id)
	}
	return nil
}

var _ execctx.Secrets = (*Store)(nil)
