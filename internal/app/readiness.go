// Package app wires cross-cutting process concerns shared by the server and
// worker binaries.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/studyloop/tutor-pipeline/internal/adapter/queue/rabbitmq"
	"github.com/studyloop/tutor-pipeline/internal/adapter/repo/postgres"
)

// BuildReadinessChecks returns probes for the audit database, the status
// store, and the broker. Any nil dependency yields a nil check, which the
// readiness handler skips.
func BuildReadinessChecks(pool postgres.PgxPool, rdb *redis.Client, broker *rabbitmq.BrokerClient) (dbCheck, redisCheck, brokerCheck func(context.Context) error) {
	if pool != nil {
		dbCheck = func(ctx context.Context) error {
			if err := pool.Ping(ctx); err != nil {
				return fmt.Errorf("op=readiness.db: %w", err)
			}
			return nil
		}
	}
	if rdb != nil {
		redisCheck = func(ctx context.Context) error {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("op=readiness.redis: %w", err)
			}
			return nil
		}
	}
	if broker != nil {
		brokerCheck = func(ctx context.Context) error {
			if err := broker.Ping(ctx); err != nil {
				return fmt.Errorf("op=readiness.broker: %w", err)
			}
			return nil
		}
	}
	return dbCheck, redisCheck, brokerCheck
}
