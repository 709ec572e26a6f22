package cache

import (
	"context"
	"time"

	apperrors "github.com/louisbranch/couplescourt/internal/platform/errors"
	"github.com/louisbranch/couplescourt/internal/platform/id"
)

const lockKeyPrefix = "court:lock:"

// releaseScript deletes the lock key only while the caller still owns
// it, so an expired-and-reacquired lock is never released by the
// previous holder.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// Locker hands out short-lived exclusive locks keyed by name. When the
// lock service is unreachable the acquire fails rather than letting
// the caller proceed unguarded.
type Locker struct {
	client      Commands
	ttl         time.Duration
	tokenSource func() (string, error)
}

func NewLocker(client Commands, ttl time.Duration) *Locker {
	return &Locker{client: client, ttl: ttl, tokenSource: id.NewID}
}

// Acquire takes the named lock and returns an owner token for Release.
// A held lock yields CodeLockContention, as does a lock service
// failure.
func (l *Locker) Acquire(ctx context.Context, name string) (string, error) {
	token, err := l.tokenSource()
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeUnknown, "generate lock token", err)
	}
	ok, err := l.client.SetNX(ctx, lockKeyPrefix+name, token, l.ttl).Result()
	if err != nil {
		return "", apperrors.WithMetadata(apperrors.CodeLockContention, "lock service unavailable", map[string]string{
			"lock": name,
		})
	}
	if !ok {
		return "", apperrors.WithMetadata(apperrors.CodeLockContention, "lock is held", map[string]string{
			"lock": name,
		})
	}
	return token, nil
}

// Release frees the lock if the token still owns it. Releasing an
// expired or stolen lock is not an error; the TTL already covered it.
func (l *Locker) Release(ctx context.Context, name, token string) error {
	if err := l.client.Eval(ctx, releaseScript, []string{lockKeyPrefix + name}, token).Err(); err != nil {
		return apperrors.Wrap(apperrors.CodeUpstreamFailure, "release lock", err)
	}
	return nil
}
