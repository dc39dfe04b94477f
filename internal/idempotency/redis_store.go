package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one hash per request key plus a short-lived pointer from
// (owner, fingerprint) to the key that claimed it. Expiry is native Redis TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	opts   Options
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client, opts Options) *RedisStore {
	return &RedisStore{client: client, prefix: "idem:", opts: opts.withDefaults()}
}

func (s *RedisStore) recordKey(requestKey string) string {
	return s.prefix + "rec:" + requestKey
}

func (s *RedisStore) fingerprintKey(owner, fp string) string {
	return fmt.Sprintf("%sfp:%s:%s", s.prefix, owner, fp)
}

func (s *RedisStore) TryBegin(ctx context.Context, req BeginRequest) (Outcome, error) {
	if req.RequestKey == "" {
		return Outcome{}, errors.New("request key is required")
	}
	recKey := s.recordKey(req.RequestKey)
	fpKey := s.fingerprintKey(req.OwnerID, req.Fingerprint)
	window := s.opts.FingerprintWindow
	if req.Fingerprint == "" {
		window = 0
	}

	for attempt := 0; attempt < maxBeginAttempts; attempt++ {
		now := s.opts.Now()

		if window > 0 {
			existing, err := s.pendingSamePayload(ctx, fpKey, req.RequestKey)
			if err != nil {
				return Outcome{}, err
			}
			if existing != "" {
				exists, err := s.client.Exists(ctx, recKey).Result()
				if err != nil {
					return Outcome{}, fmt.Errorf("exists %q: %w", req.RequestKey, err)
				}
				if exists == 0 {
					return Outcome{Kind: OutcomeAlreadyPendingSamePayload, ExistingKey: existing}, nil
				}
			}
		}

		won, err := beginScript.Run(ctx, s.client, []string{recKey, fpKey},
			req.OwnerID, req.Fingerprint, req.SessionID,
			now.UnixMilli(), now.Add(s.opts.TTL).UnixMilli(),
			s.opts.TTL.Milliseconds(), window.Milliseconds(), req.RequestKey,
		).Int()
		if err != nil {
			return Outcome{}, fmt.Errorf("insert %q: %w", req.RequestKey, err)
		}
		if won == 1 {
			return Outcome{Kind: OutcomeWon}, nil
		}

		rec, err := s.Get(ctx, req.RequestKey)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Outcome{}, err
		}
		out, clearFailed := resolveConflict(req, rec)
		if !clearFailed {
			return out, nil
		}
		if err := deleteFailedScript.Run(ctx, s.client, []string{recKey}).Err(); err != nil {
			return Outcome{}, fmt.Errorf("clear failed %q: %w", req.RequestKey, err)
		}
	}

	return Outcome{}, fmt.Errorf("try begin %q: record kept changing after %d attempts", req.RequestKey, maxBeginAttempts)
}

func (s *RedisStore) pendingSamePayload(ctx context.Context, fpKey, requestKey string) (string, error) {
	existing, err := s.client.Get(ctx, fpKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("fingerprint lookup: %w", err)
	}
	if existing == requestKey {
		return "", nil
	}
	status, err := s.client.HGet(ctx, s.recordKey(existing), "status").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("fingerprint lookup: %w", err)
	}
	if Status(status) != StatusPending {
		return "", nil
	}
	return existing, nil
}

func (s *RedisStore) Complete(ctx context.Context, requestKey, externalJobID string) error {
	if externalJobID == "" {
		return errors.New("external job id is required")
	}
	res, err := completeScript.Run(ctx, s.client, []string{s.recordKey(requestKey)},
		externalJobID, s.opts.Now().UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("complete %q: %w", requestKey, err)
	}
	switch res {
	case 1:
		return nil
	case -1:
		return ErrNotFound
	default:
		return fmt.Errorf("%w: %q", ErrJobIDConflict, requestKey)
	}
}

func (s *RedisStore) Fail(ctx context.Context, requestKey string) error {
	if err := failScript.Run(ctx, s.client, []string{s.recordKey(requestKey)}, s.opts.Now().UnixMilli()).Err(); err != nil {
		return fmt.Errorf("fail %q: %w", requestKey, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, requestKey string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(requestKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", requestKey, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	created, _ := strconv.ParseInt(fields["created"], 10, 64)
	expires, _ := strconv.ParseInt(fields["expires"], 10, 64)
	return &Record{
		RequestKey:         requestKey,
		OwnerID:            fields["owner"],
		PayloadFingerprint: fields["fp"],
		Status:             Status(fields["status"]),
		SessionID:          fields["session"],
		ExternalJobID:      fields["job"],
		CreatedAt:          time.UnixMilli(created).UTC(),
		ExpiresAt:          time.UnixMilli(expires).UTC(),
	}, nil
}

// PurgeExpired is a no-op; Redis expires keys itself.
func (s *RedisStore) PurgeExpired(context.Context) (int64, error) {
	return 0, nil
}

var beginScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'owner', ARGV[1], 'fp', ARGV[2], 'status', 'pending', 'session', ARGV[3],
  'job', '', 'created', ARGV[4], 'updated', ARGV[4], 'expires', ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[6])
if tonumber(ARGV[7]) > 0 then
  redis.call('SET', KEYS[2], ARGV[8], 'PX', ARGV[7])
end
return 1
`)

var completeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local job = redis.call('HGET', KEYS[1], 'job')
if job and job ~= '' then
  if job == ARGV[1] then
    return 1
  end
  return -2
end
redis.call('HSET', KEYS[1], 'status', 'completed', 'job', ARGV[1], 'updated', ARGV[2])
return 1
`)

var failScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
local job = redis.call('HGET', KEYS[1], 'job')
if status == 'pending' and (not job or job == '') then
  redis.call('HSET', KEYS[1], 'status', 'failed', 'updated', ARGV[1])
  return 1
end
return 0
`)

var deleteFailedScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') == 'failed' then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
