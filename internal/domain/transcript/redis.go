package transcript

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

type redisStore struct {
	client *redis.Client
	prefix string
}

// NewRedis constructs a redis-backed transcript store. Sessions are JSON
// strings, utterances live in one hash per session keyed by utterance id, and
// sorted sets index sessions by start time.
func NewRedis(cfg Config) (Store, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("redis configuration missing")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis address required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := cfg.Redis.Prefix
	if prefix == "" {
		prefix = "lumatalk:"
	}
	return &redisStore{client: client, prefix: prefix}, nil
}

func (s *redisStore) sessionKey(id string) string   { return s.prefix + "session:" + id }
func (s *redisStore) utteranceKey(id string) string { return s.prefix + "utterances:" + id }
func (s *redisStore) indexKey() string              { return s.prefix + "sessions" }
func (s *redisStore) userIndexKey(user string) string {
	return s.prefix + "user:" + user + ":sessions"
}

func (s *redisStore) load(ctx context.Context, id string) (Session, error) {
	raw, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	var sess Session
	if err := sonic.Unmarshal(raw, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *redisStore) store(ctx context.Context, sess Session) error {
	data, err := sonic.Marshal(sess)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.sessionKey(sess.ID), data, 0).Err()
}

// mutate applies fn to a session under optimistic locking.
func (s *redisStore) mutate(ctx context.Context, id string, fn func(*Session)) (Session, error) {
	var out Session
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, s.sessionKey(id)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		if err := sonic.Unmarshal(raw, &out); err != nil {
			return err
		}
		fn(&out)
		data, err := sonic.Marshal(out)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.sessionKey(id), data, 0)
			return nil
		})
		return err
	}
	for i := 0; i < 5; i++ {
		err := s.client.Watch(ctx, txf, s.sessionKey(id))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return out, err
	}
	return Session{}, fmt.Errorf("session %s: too much contention", id)
}

func (s *redisStore) SaveSession(ctx context.Context, sess Session) error {
	now := time.Now()
	_, err := s.mutate(ctx, sess.ID, func(existing *Session) {
		existing.SourceLang = sess.SourceLang
		existing.TargetLang = sess.TargetLang
		existing.Voice = sess.Voice
		existing.State = sess.State
		existing.UpdatedAt = now
	})
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	if sess.StartedAt.IsZero() {
		sess.StartedAt = now
	}
	if sess.State == "" {
		sess.State = StateActive
	}
	sess.UpdatedAt = now
	data, err := sonic.Marshal(sess)
	if err != nil {
		return err
	}
	score := float64(sess.StartedAt.UnixNano())
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, s.sessionKey(sess.ID), data, 0)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: score, Member: sess.ID})
		if sess.UserID != "" {
			pipe.ZAdd(ctx, s.userIndexKey(sess.UserID), redis.Z{Score: score, Member: sess.ID})
		}
		return nil
	})
	return err
}

func (s *redisStore) EndSession(ctx context.Context, id, reason string, endedAt time.Time) error {
	_, err := s.mutate(ctx, id, func(sess *Session) {
		sess.State = StateClosed
		sess.EndReason = reason
		sess.EndedAt = &endedAt
		sess.UpdatedAt = time.Now()
	})
	return err
}

func (s *redisStore) AppendUtterance(ctx context.Context, u Utterance) (bool, error) {
	data, err := sonic.Marshal(u)
	if err != nil {
		return false, err
	}
	field := strconv.FormatUint(u.UtteranceID, 10)
	inserted, err := s.client.HSetNX(ctx, s.utteranceKey(u.SessionID), field, data).Result()
	if err != nil || !inserted {
		return false, err
	}
	_, err = s.mutate(ctx, u.SessionID, func(sess *Session) {
		sess.UtteranceCount++
		sess.UpdatedAt = time.Now()
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return true, err
	}
	return true, nil
}

func (s *redisStore) GetSession(ctx context.Context, id string) (Session, error) {
	return s.load(ctx, id)
}

func (s *redisStore) ListUtterances(ctx context.Context, sessionID string) ([]Utterance, error) {
	values, err := s.client.HVals(ctx, s.utteranceKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Utterance, 0, len(values))
	for _, v := range values {
		var u Utterance
		if err := sonic.UnmarshalString(v, &u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UtteranceID < out[j].UtteranceID })
	return out, nil
}

func (s *redisStore) ListSessions(ctx context.Context, filter ListFilter) ([]Session, error) {
	key := s.indexKey()
	if filter.UserID != "" {
		key = s.userIndexKey(filter.UserID)
	}
	ids, err := s.client.ZRevRange(ctx, key, 0, int64(filter.limit()-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *redisStore) UpdateSession(ctx context.Context, id string, upd SessionUpdate) (Session, error) {
	now := time.Now()
	return s.mutate(ctx, id, func(sess *Session) {
		applyUpdate(sess, upd, now)
	})
}

func (s *redisStore) DeleteSession(ctx context.Context, id string) error {
	sess, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.sessionKey(id), s.utteranceKey(id))
		pipe.ZRem(ctx, s.indexKey(), id)
		if sess.UserID != "" {
			pipe.ZRem(ctx, s.userIndexKey(sess.UserID), id)
		}
		return nil
	})
	return err
}

func (s *redisStore) Stats(ctx context.Context) (map[string]any, error) {
	sessions, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"type":     DriverRedis,
		"sessions": sessions,
		"prefix":   s.prefix,
	}, nil
}

func (s *redisStore) Close(context.Context) error {
	return s.client.Close()
}
