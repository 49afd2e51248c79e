package sessioninfra

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/quantrail/identity/pkg/kernel"
	"github.com/quantrail/identity/pkg/logx"
	"github.com/quantrail/identity/pkg/session"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements session.Store on Redis. Rotation and rate limiting
// run as server-side scripts so concurrent callers serialize inside Redis.
type RedisStore struct {
	rdb  *redis.Client
	ttls session.TTLs
}

func NewRedisStore(rdb *redis.Client, ttls session.TTLs) *RedisStore {
	return &RedisStore{rdb: rdb, ttls: ttls}
}

// Key helpers
func sessionKey(sid string) string         { return "auth:session:" + sid }
func refreshKey(jti string) string         { return "auth:refresh:" + jti }
func familyKey(fid string) string          { return "auth:family:" + fid }
func userSessionsKey(uid string) string    { return "auth:user_sessions:" + uid }
func rateLimitKey(scope, id string) string { return fmt.Sprintf("auth:ratelimit:%s:%s", scope, id) }
func challengeKey(token string) string     { return "auth:mfachallenge:" + token }
func resetKey(tokenHash string) string     { return "auth:pwreset:" + tokenHash }
func oauthStateKey(state string) string    { return "auth:oauthstate:" + state }

// rotateScript is the refresh-family compare-and-swap. It returns
// {0} when the JTI is unknown, {-1, user, sid, family} after burning a
// replayed family, and {1, user, sid, family} after a clean rotation.
var rotateScript = redis.NewScript(`
local rec = redis.call('HGETALL', KEYS[1])
if #rec == 0 then
  return {0}
end
local t = {}
for i = 1, #rec, 2 do t[rec[i]] = rec[i+1] end
local famKey = 'auth:family:' .. t['family']
if t['consumed'] == '1' then
  local jtis = redis.call('SMEMBERS', famKey)
  for _, j in ipairs(jtis) do
    redis.call('DEL', 'auth:refresh:' .. j)
  end
  redis.call('DEL', famKey)
  redis.call('DEL', 'auth:session:' .. t['sid'])
  redis.call('SREM', 'auth:user_sessions:' .. t['user_id'], t['sid'])
  return {-1, t['user_id'], t['sid'], t['family']}
end
redis.call('HSET', KEYS[1], 'consumed', '1', 'rotated_to', ARGV[1])
redis.call('HSET', 'auth:refresh:' .. ARGV[1],
  'user_id', t['user_id'], 'sid', t['sid'], 'family', t['family'],
  'parent_jti', ARGV[2], 'consumed', '0')
redis.call('EXPIRE', 'auth:refresh:' .. ARGV[1], tonumber(ARGV[3]))
redis.call('SADD', famKey, ARGV[1])
redis.call('EXPIRE', famKey, tonumber(ARGV[3]))
return {1, t['user_id'], t['sid'], t['family']}
`)

// rateLimitScript is a sliding-window counter over a ZSET. Returns
// {1, 0} on allow; {0, oldest_ms} on deny.
var rateLimitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - window)
if redis.call('ZCARD', KEYS[1]) >= limit then
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  return {0, oldest[2]}
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return {1, 0}
`)

func (s *RedisStore) sessionTTL(persistent bool, deadline time.Time) time.Duration {
	ttl := time.Until(deadline)
	if s.ttls.Inactivity > 0 && s.ttls.Inactivity < ttl {
		ttl = s.ttls.Inactivity
	}
	return ttl
}

func (s *RedisStore) CreateSession(ctx context.Context, userID kernel.UserID, deviceFP, ip string, mfa, persistent bool) (*session.Session, string, error) {
	now := time.Now().UTC()
	lifetime := s.ttls.Short
	if persistent {
		lifetime = s.ttls.Absolute
	}

	sess := &session.Session{
		ID:           kernel.NewSessionID(uuid.NewString()),
		UserID:       userID,
		Family:       kernel.NewFamilyID(uuid.NewString()),
		DeviceFP:     deviceFP,
		IP:           ip,
		MFAVerified:  mfa,
		Persistent:   persistent,
		CreatedAt:    now,
		LastActiveAt: now,
		Deadline:     now.Add(lifetime),
	}
	jti := uuid.NewString()
	ttl := s.sessionTTL(persistent, sess.Deadline)

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, sessionKey(sess.ID.String()), map[string]any{
		"user_id":        userID.String(),
		"family":         sess.Family.String(),
		"device_fp":      deviceFP,
		"ip":             ip,
		"mfa":            boolField(mfa),
		"persistent":     boolField(persistent),
		"created_at":     now.Unix(),
		"last_active_at": now.Unix(),
		"deadline":       sess.Deadline.Unix(),
	})
	pipe.Expire(ctx, sessionKey(sess.ID.String()), ttl)
	pipe.HSet(ctx, refreshKey(jti), map[string]any{
		"user_id":  userID.String(),
		"sid":      sess.ID.String(),
		"family":   sess.Family.String(),
		"consumed": "0",
	})
	pipe.Expire(ctx, refreshKey(jti), s.ttls.Refresh)
	pipe.SAdd(ctx, familyKey(sess.Family.String()), jti)
	pipe.Expire(ctx, familyKey(sess.Family.String()), s.ttls.Refresh)
	pipe.SAdd(ctx, userSessionsKey(userID.String()), sess.ID.String())
	pipe.Expire(ctx, userSessionsKey(userID.String()), s.ttls.Absolute)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, "", session.ErrRegistry.NewWithCause(session.CodeStoreFailed, err)
	}
	return sess, jti, nil
}

func (s *RedisStore) GetSession(ctx context.Context, sid kernel.SessionID) (*session.Session, error) {
	fields, err := s.rdb.HGetAll(ctx, sessionKey(sid.String())).Result()
	if err != nil {
		return nil, session.ErrRegistry.NewWithCause(session.CodeStoreFailed, err)
	}
	if len(fields) == 0 {
		return nil, session.ErrRegistry.New(session.CodeNotFound).WithDetail("sid", sid.String())
	}
	return sessionFromHash(sid, fields), nil
}

func (s *RedisStore) TouchSession(ctx context.Context, sid kernel.SessionID) error {
	sess, err := s.GetSession(ctx, sid)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if !now.Before(sess.Deadline) {
		// Past the absolute deadline; expire it now rather than extending.
		_ = s.RevokeSession(ctx, sid)
		return session.ErrRegistry.New(session.CodeNotFound).WithDetail("sid", sid.String())
	}

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, sessionKey(sid.String()), "last_active_at", now.Unix())
	pipe.Expire(ctx, sessionKey(sid.String()), s.sessionTTL(sess.Persistent, sess.Deadline))
	if _, err := pipe.Exec(ctx); err != nil {
		return session.ErrRegistry.NewWithCause(session.CodeStoreFailed, err)
	}
	return nil
}

func (s *RedisStore) RotateFamily(ctx context.Context, oldJTI string) (*session.Rotation, error) {
	newJTI := uuid.NewString()
	refreshSecs := int(s.ttls.Refresh / time.Second)

	raw, err := rotateScript.Run(ctx, s.rdb,
		[]string{refreshKey(oldJTI)},
		newJTI, oldJTI, refreshSecs,
	).Slice()
	if err != nil {
		return nil, session.ErrRegistry.NewWithCause(session.CodeStoreFailed, err)
	}

	status, _ := raw[0].(int64)
	switch status {
	case 0:
		return nil, session.ErrRegistry.New(session.CodeUnknownToken)
	case -1:
		userID, sid, family := str(raw[1]), str(raw[2]), str(raw[3])
		logx.WithFields(logx.Fields{
			"user_id": userID, "sid": sid, "family": family,
		}).Warn("refresh token replay; family burned")
		return nil, session.ErrRegistry.New(session.CodeReuseDetected).
			WithDetail("user_id", userID).
			WithDetail("sid", sid).
			WithDetail("family", family)
	default:
		return &session.Rotation{
			NewJTI:    newJTI,
			OldJTI:    oldJTI,
			UserID:    kernel.NewUserID(str(raw[1])),
			SessionID: kernel.NewSessionID(str(raw[2])),
			Family:    kernel.NewFamilyID(str(raw[3])),
		}, nil
	}
}

func (s *RedisStore) RevokeSession(ctx context.Context, sid kernel.SessionID) error {
	fields, err := s.rdb.HGetAll(ctx, sessionKey(sid.String())).Result()
	if err != nil {
		return session.ErrRegistry.NewWithCause(session.CodeStoreFailed, err)
	}
	if len(fields) == 0 {
		return nil // already gone, revocation is idempotent
	}

	family := fields["family"]
	jtis, err := s.rdb.SMembers(ctx, familyKey(family)).Result()
	if err != nil && err != redis.Nil {
		return session.ErrRegistry.NewWithCause(session.CodeStoreFailed, err)
	}

	pipe := s.rdb.Pipeline()
	for _, jti := range jtis {
		pipe.Del(ctx, refreshKey(jti))
	}
	pipe.Del(ctx, familyKey(family))
	pipe.Del(ctx, sessionKey(sid.String()))
	pipe.SRem(ctx, userSessionsKey(fields["user_id"]), sid.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return session.ErrRegistry.NewWithCause(session.CodeStoreFailed, err)
	}
	return nil
}

func (s *RedisStore) RevokeAllForUser(ctx context.Context, userID kernel.UserID) (int, error) {
	sids, err := s.rdb.SMembers(ctx, userSessionsKey(userID.String())).Result()
	if err != nil && err != redis.Nil {
		return 0, session.ErrRegistry.NewWithCause(session.CodeStoreFailed, err)
	}

	revoked := 0
	for _, sid := range sids {
		exists, err := s.rdb.Exists(ctx, sessionKey(sid)).Result()
		if err != nil {
			return revoked, session.ErrRegistry.NewWithCause(session.CodeStoreFailed, err)
		}
		if exists == 0 {
			s.rdb.SRem(ctx, userSessionsKey(userID.String()), sid)
			continue
		}
		if err := s.RevokeSession(ctx, kernel.NewSessionID(sid)); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}

func (s *RedisStore) ListSessions(ctx context.Context, userID kernel.UserID) ([]session.Session, error) {
	sids, err := s.rdb.SMembers(ctx, userSessionsKey(userID.String())).Result()
	if err != nil && err != redis.Nil {
		return nil, session.ErrRegistry.NewWithCause(session.CodeStoreFailed, err)
	}

	out := make([]session.Session, 0, len(sids))
	for _, sid := range sids {
		fields, err := s.rdb.HGetAll(ctx, sessionKey(sid)).Result()
		if err != nil {
			return nil, session.ErrRegistry.NewWithCause(session.CodeStoreFailed, err)
		}
		if len(fields) == 0 {
			// Expired member left behind in the index; drop it.
			s.rdb.SRem(ctx, userSessionsKey(userID.String()), sid)
			continue
		}
		out = append(out, *sessionFromHash(kernel.NewSessionID(sid), fields))
	}
	return out, nil
}

func (s *RedisStore) CheckRateLimit(ctx context.Context, scope, id string, limit int, window time.Duration) (*session.RateLimitResult, error) {
	now := time.Now().UnixMilli()
	raw, err := rateLimitScript.Run(ctx, s.rdb,
		[]string{rateLimitKey(scope, id)},
		now, window.Milliseconds(), limit, uuid.NewString(),
	).Slice()
	if err != nil {
		return nil, session.ErrRegistry.NewWithCause(session.CodeStoreFailed, err)
	}

	allowed, _ := raw[0].(int64)
	if allowed == 1 {
		return &session.RateLimitResult{Allowed: true}, nil
	}
	oldest, _ := strconv.ParseInt(str(raw[1]), 10, 64)
	retryAfter := time.Duration(oldest+window.Milliseconds()-now) * time.Millisecond
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &session.RateLimitResult{Allowed: false, RetryAfter: retryAfter}, nil
}

func (s *RedisStore) PutChallenge(ctx context.Context, token string, userID kernel.UserID) error {
	return s.putOneShot(ctx, challengeKey(token), userID.String(), s.ttls.Challenge)
}

func (s *RedisStore) TakeChallenge(ctx context.Context, token string) (kernel.UserID, error) {
	val, err := s.takeOneShot(ctx, challengeKey(token))
	return kernel.NewUserID(val), err
}

func (s *RedisStore) PutResetToken(ctx context.Context, tokenHash string, userID kernel.UserID) error {
	return s.putOneShot(ctx, resetKey(tokenHash), userID.String(), s.ttls.Reset)
}

func (s *RedisStore) TakeResetToken(ctx context.Context, tokenHash string) (kernel.UserID, error) {
	val, err := s.takeOneShot(ctx, resetKey(tokenHash))
	return kernel.NewUserID(val), err
}

func (s *RedisStore) PutOAuthState(ctx context.Context, state string, st session.OAuthState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return session.ErrRegistry.NewWithCause(session.CodeStoreFailed, err)
	}
	return s.putOneShot(ctx, oauthStateKey(state), string(data), s.ttls.OAuthState)
}

func (s *RedisStore) TakeOAuthState(ctx context.Context, state string) (*session.OAuthState, error) {
	val, err := s.takeOneShot(ctx, oauthStateKey(state))
	if err != nil {
		return nil, err
	}
	var st session.OAuthState
	if err := json.Unmarshal([]byte(val), &st); err != nil {
		return nil, session.ErrRegistry.NewWithCause(session.CodeStoreFailed, err)
	}
	return &st, nil
}

func (s *RedisStore) putOneShot(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return session.ErrRegistry.NewWithCause(session.CodeStoreFailed, err)
	}
	return nil
}

// takeOneShot consumes the token: GETDEL guarantees a second take misses.
func (s *RedisStore) takeOneShot(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.GetDel(ctx, key).Result()
	if err == redis.Nil {
		return "", session.ErrRegistry.New(session.CodeUnknownToken)
	}
	if err != nil {
		return "", session.ErrRegistry.NewWithCause(session.CodeStoreFailed, err)
	}
	return val, nil
}

func sessionFromHash(sid kernel.SessionID, fields map[string]string) *session.Session {
	createdAt, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	lastActive, _ := strconv.ParseInt(fields["last_active_at"], 10, 64)
	deadline, _ := strconv.ParseInt(fields["deadline"], 10, 64)
	return &session.Session{
		ID:           sid,
		UserID:       kernel.NewUserID(fields["user_id"]),
		Family:       kernel.NewFamilyID(fields["family"]),
		DeviceFP:     fields["device_fp"],
		IP:           fields["ip"],
		MFAVerified:  fields["mfa"] == "1",
		Persistent:   fields["persistent"] == "1",
		CreatedAt:    time.Unix(createdAt, 0).UTC(),
		LastActiveAt: time.Unix(lastActive, 0).UTC(),
		Deadline:     time.Unix(deadline, 0).UTC(),
	}
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func str(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
