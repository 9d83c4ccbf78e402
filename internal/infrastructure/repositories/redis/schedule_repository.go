package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"lecturecast/internal/core/domain"
	"lecturecast/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "lecturecast:"

type RedisScheduleRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisScheduleRepository(client *redis.Client) ports.ScheduleRepository {
	return &RedisScheduleRepository{
		client: client,
		prefix: keyPrefix + "schedule:",
	}
}

func (r *RedisScheduleRepository) sessionKey(id domain.StreamID) string {
	return r.prefix + string(id)
}

func (r *RedisScheduleRepository) courseKey(courseID string) string {
	return keyPrefix + "course:" + courseID + ":sessions"
}

func (r *RedisScheduleRepository) allKey() string {
	return r.prefix + "all"
}

func (r *RedisScheduleRepository) Create(ctx context.Context, session *domain.ScheduledSession) error {
	data, err := json.Marshal(toRecord(session))
	if err != nil {
		return fmt.Errorf("failed to marshal scheduled session: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.sessionKey(session.StreamID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store scheduled session in Redis: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrSessionExists, session.StreamID)
	}

	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.courseKey(session.CourseID), string(session.StreamID))
	pipe.SAdd(ctx, r.allKey(), string(session.StreamID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index scheduled session: %w", err)
	}
	return nil
}

func (r *RedisScheduleRepository) GetByID(ctx context.Context, id domain.StreamID) (*domain.ScheduledSession, error) {
	data, err := r.client.Get(ctx, r.sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scheduled session from Redis: %w", err)
	}

	var rec scheduleRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scheduled session: %w", err)
	}
	return rec.toDomain(), nil
}

func (r *RedisScheduleRepository) Update(ctx context.Context, session *domain.ScheduledSession) error {
	data, err := json.Marshal(toRecord(session))
	if err != nil {
		return fmt.Errorf("failed to marshal scheduled session: %w", err)
	}

	ok, err := r.client.SetXX(ctx, r.sessionKey(session.StreamID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to update scheduled session in Redis: %w", err)
	}
	if !ok {
		return domain.ErrStreamNotFound
	}
	return nil
}

func (r *RedisScheduleRepository) Delete(ctx context.Context, id domain.StreamID) error {
	session, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.sessionKey(id))
	pipe.SRem(ctx, r.courseKey(session.CourseID), string(id))
	pipe.SRem(ctx, r.allKey(), string(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete scheduled session from Redis: %w", err)
	}
	return nil
}

func (r *RedisScheduleRepository) ListByCourse(ctx context.Context, courseID string) ([]*domain.ScheduledSession, error) {
	indexKey := r.allKey()
	if courseID != "" {
		indexKey = r.courseKey(courseID)
	}

	ids, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled sessions from Redis: %w", err)
	}

	var sessions []*domain.ScheduledSession
	for _, id := range ids {
		session, err := r.GetByID(ctx, domain.StreamID(id))
		if err != nil {
			// Skip index entries whose record is gone
			continue
		}
		sessions = append(sessions, session)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ScheduledAt.Before(sessions[j].ScheduledAt)
	})
	return sessions, nil
}
