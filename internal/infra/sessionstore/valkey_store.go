package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"

	"github.com/yanqian/cropsense/internal/domain/session"
)

// casScript writes ARGV[1] only when the stored session's revision equals
// ARGV[2]; a missing key counts as revision 0. ARGV[3] is the TTL in seconds,
// 0 for no expiry. Returns 1 on write, 0 on conflict.
const casScript = `
local current = redis.call('GET', KEYS[1])
local expected = tonumber(ARGV[2])
local revision = 0
if current then
  revision = tonumber(cjson.decode(current)['revision']) or 0
end
if revision ~= expected then
  return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'EX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`

// kv is the slice of Valkey the store needs.
type kv interface {
	get(ctx context.Context, key string) (string, bool, error)
	compareAndSet(ctx context.Context, key string, args []string) (bool, error)
	del(ctx context.Context, key string) error
	close()
}

// ValkeyStore keeps sessions in a Valkey-compatible database so several
// replicas can serve the same tab. Keys expire with the session TTL and
// writes are compare-and-set on the session revision.
type ValkeyStore struct {
	kv     kv
	prefix string
}

// NewValkeyStore constructs a new store backed by Valkey.
func NewValkeyStore(client valkey.Client, prefix string) *ValkeyStore {
	return newValkeyStore(&valkeyKV{client: client, cas: valkey.NewLuaScript(casScript)}, prefix)
}

func newValkeyStore(backend kv, prefix string) *ValkeyStore {
	if prefix == "" {
		prefix = "cropsense"
	}
	return &ValkeyStore{kv: backend, prefix: prefix}
}

func (s *ValkeyStore) Get(ctx context.Context, id uuid.UUID) (session.Session, bool, error) {
	payload, ok, err := s.kv.get(ctx, s.key(id))
	if err != nil || !ok {
		return session.Session{}, false, err
	}
	var sess session.Session
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return session.Session{}, false, err
	}
	return sess, true, nil
}

func (s *ValkeyStore) Save(ctx context.Context, sess session.Session, ttl time.Duration) error {
	expected := sess.Revision
	sess.Revision++
	payload, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	written, err := s.kv.compareAndSet(ctx, s.key(sess.ID), casArgs(string(payload), expected, ttl))
	if err != nil {
		return err
	}
	if !written {
		return session.ErrConflict
	}
	return nil
}

func (s *ValkeyStore) Delete(ctx context.Context, id uuid.UUID) error {
	return s.kv.del(ctx, s.key(id))
}

// Close releases the underlying client.
func (s *ValkeyStore) Close() {
	s.kv.close()
}

func (s *ValkeyStore) key(id uuid.UUID) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, id)
}

// casArgs builds the script arguments. A positive TTL is rounded up to whole
// seconds so a short TTL never becomes "no expiry".
func casArgs(payload string, expected int64, ttl time.Duration) []string {
	seconds := int64(0)
	if ttl > 0 {
		seconds = int64(math.Ceil(ttl.Seconds()))
	}
	return []string{payload, strconv.FormatInt(expected, 10), strconv.FormatInt(seconds, 10)}
}

type valkeyKV struct {
	client valkey.Client
	cas    *valkey.Lua
}

func (v *valkeyKV) get(ctx context.Context, key string) (string, bool, error) {
	payload, err := v.client.Do(ctx, v.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return payload, true, nil
}

func (v *valkeyKV) compareAndSet(ctx context.Context, key string, args []string) (bool, error) {
	written, err := v.cas.Exec(ctx, v.client, []string{key}, args).AsInt64()
	if err != nil {
		return false, err
	}
	return written == 1, nil
}

func (v *valkeyKV) del(ctx context.Context, key string) error {
	return v.client.Do(ctx, v.client.B().Del().Key(key).Build()).Error()
}

func (v *valkeyKV) close() {
	v.client.Close()
}

var _ session.Store = (*ValkeyStore)(nil)
