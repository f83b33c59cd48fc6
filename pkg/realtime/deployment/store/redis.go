package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/altan/realtime/pkg/realtime/deployment"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRedisPrefix namespaces the keys written by Redis.
const DefaultRedisPrefix = "realtime"

// maxTxRetries bounds optimistic transaction retries under contention.
const maxTxRetries = 5

// Redis stores deployments in Redis so that several clients of the same
// account share one view. Each interface is a hash of deployment id to JSON
// document; a second hash maps deployment ids to their interface.
type Redis struct {
	client goredis.UniversalClient
	logger *zap.Logger
	prefix string
}

var _ deployment.Store = (*Redis)(nil)

// NewRedis creates a store on client. An empty prefix selects
// DefaultRedisPrefix.
func NewRedis(client goredis.UniversalClient, prefix string, logger *zap.Logger) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, logger: logger, prefix: prefix}
}

func (r *Redis) keyInterface(interfaceID string) string {
	return fmt.Sprintf("{%s}:deployments:interface:%s", r.prefix, interfaceID)
}

func (r *Redis) keyOwners() string {
	return fmt.Sprintf("{%s}:deployments:owners", r.prefix)
}

func (r *Redis) Add(ctx context.Context, p deployment.Patch) error {
	payload, err := json.Marshal(p.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode deployment %s: %w", p.ID, err)
	}

	return r.transact(ctx, func(tx *goredis.Tx) error {
		owner, found, err := r.owner(ctx, tx, p.ID)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if found && owner != p.InterfaceID {
				pipe.HDel(ctx, r.keyInterface(owner), p.ID)
			}
			pipe.HSet(ctx, r.keyInterface(p.InterfaceID), p.ID, payload)
			pipe.HSet(ctx, r.keyOwners(), p.ID, p.InterfaceID)
			return nil
		})
		return err
	})
}

func (r *Redis) Update(ctx context.Context, p deployment.Patch) error {
	return r.transact(ctx, func(tx *goredis.Tx) error {
		owner, found, err := r.owner(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		if !found {
			owner = p.InterfaceID
		}
		return r.mergeTx(ctx, tx, owner, p.InterfaceID, p)
	})
}

func (r *Redis) UpdateAnywhere(ctx context.Context, p deployment.Patch) (bool, error) {
	var found bool
	err := r.transact(ctx, func(tx *goredis.Tx) error {
		owner, ok, err := r.owner(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		found = ok
		if !ok {
			return nil
		}
		return r.mergeTx(ctx, tx, owner, owner, p)
	})
	return found, err
}

func (r *Redis) Delete(ctx context.Context, id string) (bool, error) {
	var found bool
	err := r.transact(ctx, func(tx *goredis.Tx) error {
		owner, ok, err := r.owner(ctx, tx, id)
		if err != nil {
			return err
		}
		found = ok
		if !ok {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HDel(ctx, r.keyInterface(owner), id)
			pipe.HDel(ctx, r.keyOwners(), id)
			return nil
		})
		return err
	})
	return found, err
}

func (r *Redis) Get(ctx context.Context, id string) (deployment.Deployment, bool, error) {
	owner, ok, err := r.owner(ctx, r.client, id)
	if err != nil || !ok {
		return deployment.Deployment{}, false, err
	}

	doc, ok, err := r.document(ctx, r.client, owner, id)
	if err != nil || !ok {
		return deployment.Deployment{}, false, err
	}
	d, err := deployment.Decode(doc)
	return d, true, err
}

// ByInterface returns the deployments of one interface ordered by id.
func (r *Redis) ByInterface(ctx context.Context, interfaceID string) ([]deployment.Deployment, error) {
	entries, err := r.client.HGetAll(ctx, r.keyInterface(interfaceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments of %s: %w", interfaceID, err)
	}

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]deployment.Deployment, 0, len(ids))
	for _, id := range ids {
		var doc map[string]any
		if err := json.Unmarshal([]byte(entries[id]), &doc); err != nil {
			return nil, fmt.Errorf("failed to decode deployment %s: %w", id, err)
		}
		d, err := deployment.Decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// mergeTx merges p into the document held under from and writes the result
// under to.
func (r *Redis) mergeTx(ctx context.Context, tx *goredis.Tx, from, to string, p deployment.Patch) error {
	doc, ok, err := r.document(ctx, tx, from, p.ID)
	if err != nil {
		return err
	}

	merged := cloneDocument(p.Fields)
	if ok {
		if merged, err = merge(doc, p.Fields); err != nil {
			return fmt.Errorf("failed to merge deployment %s: %w", p.ID, err)
		}
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode deployment %s: %w", p.ID, err)
	}

	_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		if from != to {
			pipe.HDel(ctx, r.keyInterface(from), p.ID)
		}
		pipe.HSet(ctx, r.keyInterface(to), p.ID, payload)
		pipe.HSet(ctx, r.keyOwners(), p.ID, to)
		return nil
	})
	return err
}

// transact runs fn under WATCH on the owner index, retrying when another
// writer got there first.
func (r *Redis) transact(ctx context.Context, fn func(tx *goredis.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err = r.client.Watch(ctx, fn, r.keyOwners())
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
		r.logger.Debug("Retrying deployment transaction", zap.Int("attempt", attempt+1))
	}
	return err
}

// hashGetter is satisfied by clients and by transactions.
type hashGetter interface {
	HGet(ctx context.Context, key, field string) *goredis.StringCmd
}

func (r *Redis) owner(ctx context.Context, c hashGetter, id string) (string, bool, error) {
	owner, err := c.HGet(ctx, r.keyOwners(), id).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up deployment %s: %w", id, err)
	}
	return owner, true, nil
}

func (r *Redis) document(ctx context.Context, c hashGetter, interfaceID, id string) (map[string]any, bool, error) {
	data, err := c.HGet(ctx, r.keyInterface(interfaceID), id).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read deployment %s: %w", id, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, fmt.Errorf("failed to decode deployment %s: %w", id, err)
	}
	return doc, true, nil
}
