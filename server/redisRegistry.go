package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mbocsi/devlink/dispatch"
	"github.com/mbocsi/devlink/proto"
	"github.com/mbocsi/devlink/session"
	"github.com/redis/go-redis/v9"
)

const shadowTTL = 24 * time.Hour

// RedisRegistry keeps live sessions in Redis under a TTL that is refreshed on
// every acknowledged keep-alive, plus a per-device shadow hash holding the
// last known element values.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisRegistry(client *redis.Client, prefix string, ttl time.Duration) *RedisRegistry {
	if prefix == "" {
		prefix = "devlink"
	}
	return &RedisRegistry{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisRegistry) sessionKey(id string) string {
	return r.prefix + ":sess:" + id
}

func (r *RedisRegistry) shadowKey(device string) string {
	if device == "" {
		device = "default"
	}
	return r.prefix + ":shadow:" + device
}

func (r *RedisRegistry) Register(ctx context.Context, info session.Info) error {
	value, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.sessionKey(info.ID), value, r.ttl).Err(); err != nil {
		return fmt.Errorf("register session %s: %w", info.ID, err)
	}
	return nil
}

func (r *RedisRegistry) Touch(ctx context.Context, info session.Info) error {
	return r.Register(ctx, info)
}

func (r *RedisRegistry) Remove(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.sessionKey(id)).Err()
}

func (r *RedisRegistry) List(ctx context.Context) ([]session.Info, error) {
	var sessions []session.Info
	iter := r.client.Scan(ctx, 0, r.sessionKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		raw, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var info session.Info
		if err := json.Unmarshal(raw, &info); err != nil {
			slog.Warn("Invalid session record in redis", "key", iter.Val(), "error", err)
			continue
		}
		sessions = append(sessions, info)
	}
	return sessions, iter.Err()
}

// Shadow returns the last known element values of a device.
func (r *RedisRegistry) Shadow(ctx context.Context, device string) (map[string]string, error) {
	return r.client.HGetAll(ctx, r.shadowKey(device)).Result()
}

// RecordExchange updates the device shadow from an acknowledged read or
// write. It is meant to be installed as a dispatcher observer.
func (r *RedisRegistry) RecordExchange(ex dispatch.Exchange) {
	fields := shadowFields(ex)
	if fields == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := r.shadowKey(ex.DeviceID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, shadowTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("Failed to update device shadow", "key", key, "error", err)
	}
}

func shadowFields(ex dispatch.Exchange) map[string]any {
	if !ex.Response.Ack || !ex.Response.HasValue || !ex.Command.Element.IsPeripheral() {
		return nil
	}
	if ex.Command.Operation != proto.OpRead && ex.Command.Operation != proto.OpWrite {
		return nil
	}
	return map[string]any{
		ex.Command.Element.String(): strconv.Itoa(ex.Response.Value),
		"ts":                        ex.At.Unix(),
	}
}
