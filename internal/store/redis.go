package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis is the shared store backend: several jigsync processes pointing at
// one Redis see the same sessions.
//
// Layout under prefix:
//
//	{p}:sessions              set of live session ids
//	{p}:seq                   change counter
//	{p}:s:{sid}:nodes         set of node names with at least one field
//	{p}:s:{sid}:n:{node}      hash of field -> JSON value
//	{p}:s:{sid}:ch            pub/sub channel, messages are "seq|change"
//	{p}:s:{sid}:owners        owners with registered intents
//	{p}:owner:{owner}         list of "sid\tkind\tnode" intents
//
// Every write is one Lua script that checks, writes, bumps the counter and
// publishes atomically, so subscribers see changes in seq order.
type Redis struct {
	rdb    *redis.Client
	prefix string

	mu     sync.Mutex
	subs   map[*Subscription]*redis.PubSub
	closed bool
}

// Script results.
const (
	scriptNotFound = -1
	scriptExists   = -2
)

var writeScript = redis.NewScript(`
local mode = ARGV[4]
local live = redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1
if mode == 'create' then
  if live then return -2 end
  redis.call('SADD', KEYS[1], ARGV[1])
elseif not live then
  return -1
end
if mode == 'newer' then
  local cur = redis.call('HGET', KEYS[3], ARGV[5])
  if cur and tonumber(cur) and tonumber(ARGV[6]) < tonumber(cur) then return 0 end
elseif mode == 'cas' then
  local cur = redis.call('HGET', KEYS[3], ARGV[5])
  if not cur then cur = 'null' end
  if cur ~= ARGV[6] then return 0 end
end
if #ARGV >= 7 then
  redis.call('SADD', KEYS[2], ARGV[2])
  for i = 7, #ARGV, 2 do
    redis.call('HSET', KEYS[3], ARGV[i], ARGV[i + 1])
  end
elseif mode ~= 'create' then
  return 0
end
local seq = redis.call('INCR', KEYS[4])
redis.call('PUBLISH', KEYS[5], seq .. '|' .. ARGV[3])
return seq
`)

var removeScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then return 0 end
if redis.call('SREM', KEYS[2], ARGV[2]) == 0 then return 0 end
redis.call('DEL', KEYS[3])
local seq = redis.call('INCR', KEYS[4])
redis.call('PUBLISH', KEYS[5], seq .. '|' .. ARGV[3])
return seq
`)

var deleteScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then return 0 end
local nodes = redis.call('SMEMBERS', KEYS[2])
if ARGV[4] == '1' then
  for _, n in ipairs(nodes) do
    if string.sub(n, 1, 8) == 'players/' and redis.call('HEXISTS', ARGV[3] .. n, ARGV[6]) == 1 then return 0 end
  end
end
redis.call('SREM', KEYS[1], ARGV[1])
for _, n in ipairs(nodes) do
  redis.call('DEL', ARGV[3] .. n)
end
redis.call('DEL', KEYS[2])
local mark = ARGV[1] .. '\t'
for _, owner in ipairs(redis.call('SMEMBERS', KEYS[5])) do
  local list = ARGV[5] .. owner
  for _, item in ipairs(redis.call('LRANGE', list, 0, -1)) do
    if string.sub(item, 1, #mark) == mark then
      redis.call('LREM', list, 0, item)
    end
  end
end
redis.call('DEL', KEYS[5])
local seq = redis.call('INCR', KEYS[3])
redis.call('PUBLISH', KEYS[4], seq .. '|' .. ARGV[2])
return seq
`)

var readScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then return false end
local out = {redis.call('GET', KEYS[3]) or '0'}
for _, n in ipairs(redis.call('SMEMBERS', KEYS[2])) do
  table.insert(out, n)
  table.insert(out, redis.call('HGETALL', ARGV[2] .. n))
end
return out
`)

// NewRedis connects with opts and verifies the connection.
func NewRedis(ctx context.Context, opts *redis.Options, prefix string) (*Redis, error) {
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if prefix == "" {
		prefix = "jigsync"
	}
	return &Redis{rdb: rdb, prefix: prefix, subs: make(map[*Subscription]*redis.PubSub)}, nil
}

// OpenRedis parses a redis:// URL and connects.
func OpenRedis(ctx context.Context, url, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedis(ctx, opts, prefix)
}

func (r *Redis) sessionsKey() string { return r.prefix + ":sessions" }
func (r *Redis) seqKey() string { return r.prefix + ":seq" }
func (r *Redis) nodesKey(sid string) string { return r.prefix + ":s:" + sid + ":nodes" }
func (r *Redis) nodePrefix(sid string) string { return r.prefix + ":s:" + sid + ":n:" }
func (r *Redis) channel(sid string) string { return r.prefix + ":s:" + sid + ":ch" }
func (r *Redis) ownersKey(sid string) string { return r.prefix + ":s:" + sid + ":owners" }
func (r *Redis) ownerPrefix() string { return r.prefix + ":owner:" }

func (r *Redis) nodeKey(sid string, p Path) string { return r.nodePrefix(sid) + p.Node() }

func (r *Redis) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// runWrite executes writeScript. mode is create, patch, newer or cas.
func (r *Redis) runWrite(ctx context.Context, op, sid string, path Path, mode, guardField, guardValue string, fields Fields) (bool, error) {
	if r.isClosed() {
		return false, opError(op, sid, path, ErrClosed)
	}
	payload, err := json.Marshal(Change{SessionID: sid, Path: path, Fields: fields})
	if err != nil {
		return false, opError(op, sid, path, fmt.Errorf("%w: %v", ErrInvalid, err))
	}

	args := []any{sid, path.Node(), string(payload), mode, guardField, guardValue}
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		enc, err := encodeValue(fields[k])
		if err != nil {
			return false, opError(op, sid, path, err)
		}
		args = append(args, k, enc)
	}

	keys := []string{r.sessionsKey(), r.nodesKey(sid), r.nodeKey(sid, path), r.seqKey(), r.channel(sid)}
	res, err := writeScript.Run(ctx, r.rdb, keys, args...).Int64()
	if err != nil {
		return false, opError(op, sid, path, fmt.Errorf("%w: %v", ErrConnectivityLost, err))
	}
	switch res {
	case scriptNotFound:
		return false, opError(op, sid, path, ErrNotFound)
	case scriptExists:
		return false, opError(op, sid, path, ErrExists)
	case 0:
		return false, nil
	}
	return true, nil
}

// Create implements Store.
func (r *Redis) Create(ctx context.Context, sessionID string, meta Fields) error {
	norm, err := Normalize(meta)
	if err != nil {
		return opError("create", sessionID, Root, err)
	}
	_, err = r.runWrite(ctx, "create", sessionID, Root, "create", "", "", norm)
	return err
}

// Patch implements Store.
func (r *Redis) Patch(ctx context.Context, sessionID string, path Path, fields Fields) error {
	norm, err := Normalize(fields)
	if err != nil {
		return opError("patch", sessionID, path, err)
	}
	_, err = r.runWrite(ctx, "patch", sessionID, path, "patch", "", "", norm)
	return err
}

// PatchIfNewer implements Store.
func (r *Redis) PatchIfNewer(ctx context.Context, sessionID string, path Path, fields Fields, stamp string) (bool, error) {
	norm, err := Normalize(fields)
	if err != nil {
		return false, opError("patch", sessionID, path, err)
	}
	if _, ok := stampOf(norm, stamp); !ok {
		return false, opError("patch", sessionID, path, fmt.Errorf("%w: missing stamp field %q", ErrInvalid, stamp))
	}
	enc, err := encodeValue(norm[stamp])
	if err != nil {
		return false, opError("patch", sessionID, path, err)
	}
	return r.runWrite(ctx, "patch", sessionID, path, "newer", stamp, enc, norm)
}

// CompareAndSet implements Store.
func (r *Redis) CompareAndSet(ctx context.Context, sessionID string, path Path, field string, expect, next any) (bool, error) {
	norm, err := Normalize(map[string]any{field: next})
	if err != nil {
		return false, opError("cas", sessionID, path, err)
	}
	exp, err := encodeValue(expect)
	if err != nil {
		return false, opError("cas", sessionID, path, err)
	}
	return r.runWrite(ctx, "cas", sessionID, path, "cas", field, exp, norm)
}

// Remove implements Store.
func (r *Redis) Remove(ctx context.Context, sessionID string, path Path) error {
	if path.Kind == KindRoot {
		return opError("remove", sessionID, path, fmt.Errorf("%w: use Delete for the root", ErrInvalid))
	}
	if r.isClosed() {
		return opError("remove", sessionID, path, ErrClosed)
	}
	payload, err := json.Marshal(Change{SessionID: sessionID, Path: path, Removed: true})
	if err != nil {
		return opError("remove", sessionID, path, err)
	}
	keys := []string{r.sessionsKey(), r.nodesKey(sessionID), r.nodeKey(sessionID, path), r.seqKey(), r.channel(sessionID)}
	if err := removeScript.Run(ctx, r.rdb, keys, sessionID, path.Node(), string(payload)).Err(); err != nil {
		return opError("remove", sessionID, path, fmt.Errorf("%w: %v", ErrConnectivityLost, err))
	}
	return nil
}

// Delete implements Store.
func (r *Redis) Delete(ctx context.Context, sessionID string) error {
	_, err := r.delete(ctx, sessionID, false)
	return err
}

func (r *Redis) delete(ctx context.Context, sessionID string, ifEmpty bool) (bool, error) {
	if r.isClosed() {
		return false, opError("delete", sessionID, Root, ErrClosed)
	}
	payload, err := json.Marshal(Change{SessionID: sessionID, Path: Root, Deleted: true})
	if err != nil {
		return false, opError("delete", sessionID, Root, err)
	}
	flag := "0"
	if ifEmpty {
		flag = "1"
	}
	keys := []string{r.sessionsKey(), r.nodesKey(sessionID), r.seqKey(), r.channel(sessionID), r.ownersKey(sessionID)}
	res, err := deleteScript.Run(ctx, r.rdb, keys, sessionID, string(payload), r.nodePrefix(sessionID), flag, r.ownerPrefix(), MemberField).Int64()
	if err != nil {
		return false, opError("delete", sessionID, Root, fmt.Errorf("%w: %v", ErrConnectivityLost, err))
	}
	return res > 0, nil
}

// Read implements Store.
func (r *Redis) Read(ctx context.Context, sessionID string) (Snapshot, error) {
	if r.isClosed() {
		return Snapshot{}, opError("read", sessionID, Root, ErrClosed)
	}
	keys := []string{r.sessionsKey(), r.nodesKey(sessionID), r.seqKey()}
	raw, err := readScript.Run(ctx, r.rdb, keys, sessionID, r.nodePrefix(sessionID)).Slice()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, opError("read", sessionID, Root, ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, opError("read", sessionID, Root, fmt.Errorf("%w: %v", ErrConnectivityLost, err))
	}
	if len(raw) == 0 {
		return Snapshot{}, opError("read", sessionID, Root, fmt.Errorf("empty read reply"))
	}

	snap := newSnapshot(sessionID)
	seq, err := strconv.ParseInt(fmt.Sprint(raw[0]), 10, 64)
	if err != nil {
		return Snapshot{}, opError("read", sessionID, Root, fmt.Errorf("parse seq: %w", err))
	}
	snap.Seq = seq

	for i := 1; i+1 < len(raw); i += 2 {
		node, _ := raw[i].(string)
		path, err := ParseNode(node)
		if err != nil {
			return Snapshot{}, opError("read", sessionID, Root, err)
		}
		pairs, _ := raw[i+1].([]any)
		f := Fields{}
		for j := 0; j+1 < len(pairs); j += 2 {
			name, _ := pairs[j].(string)
			text, _ := pairs[j+1].(string)
			v, err := decodeValue(text)
			if err != nil {
				return Snapshot{}, opError("read", sessionID, path, err)
			}
			f[name] = v
		}
		snap.set(path, f)
	}
	return snap, nil
}

// Subscribe implements Store. The subscription is confirmed by Redis
// before Subscribe returns, so a Read issued afterwards never misses a
// change.
func (r *Redis) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	if r.isClosed() {
		return nil, opError("subscribe", sessionID, Root, ErrClosed)
	}
	live, err := r.rdb.SIsMember(ctx, r.sessionsKey(), sessionID).Result()
	if err != nil {
		return nil, opError("subscribe", sessionID, Root, fmt.Errorf("%w: %v", ErrConnectivityLost, err))
	}
	if !live {
		return nil, opError("subscribe", sessionID, Root, ErrNotFound)
	}

	ps := r.rdb.Subscribe(ctx, r.channel(sessionID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, opError("subscribe", sessionID, Root, fmt.Errorf("%w: %v", ErrConnectivityLost, err))
	}

	var cancelled sync.Once
	stopped := make(chan struct{})
	var sub *Subscription
	sub = NewSubscription(sessionID, func() {
		cancelled.Do(func() { close(stopped) })
		r.untrack(sub)
		ps.Close()
	})

	r.mu.Lock()
	r.subs[sub] = ps
	r.mu.Unlock()

	go r.pump(sub, ps, stopped)
	return sub, nil
}

func (r *Redis) untrack(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, sub)
}

// pump reads the session channel until the subscription ends.
func (r *Redis) pump(sub *Subscription, ps *redis.PubSub, stopped <-chan struct{}) {
	defer r.untrack(sub)
	ctx := context.Background()
	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			select {
			case <-stopped:
				sub.End(nil)
			default:
				if r.isClosed() {
					sub.End(ErrClosed)
				} else {
					sub.End(ErrConnectivityLost)
				}
			}
			ps.Close()
			return
		}
		ch, err := parseMessage(msg.Payload)
		if err != nil {
			sub.End(fmt.Errorf("%w: %v", ErrConnectivityLost, err))
			ps.Close()
			return
		}
		sub.Deliver(ch)
		if ch.Deleted {
			sub.End(nil)
			ps.Close()
			return
		}
	}
}

func parseMessage(payload string) (Change, error) {
	seqText, body, ok := strings.Cut(payload, "|")
	if !ok {
		return Change{}, fmt.Errorf("malformed change message")
	}
	seq, err := strconv.ParseInt(seqText, 10, 64)
	if err != nil {
		return Change{}, fmt.Errorf("parse seq: %w", err)
	}
	var ch Change
	if err := json.Unmarshal([]byte(body), &ch); err != nil {
		return Change{}, fmt.Errorf("decode change: %w", err)
	}
	ch.Seq = seq
	return ch, nil
}

func intentEntry(sessionID string, in Intent) string {
	return sessionID + "\t" + string(in.Kind) + "\t" + in.Path.Node()
}

func parseIntentEntry(entry string) (string, Intent, error) {
	parts := strings.SplitN(entry, "\t", 3)
	if len(parts) != 3 {
		return "", Intent{}, fmt.Errorf("malformed intent %q", entry)
	}
	path, err := ParseNode(parts[2])
	if err != nil {
		return "", Intent{}, err
	}
	return parts[0], Intent{Kind: IntentKind(parts[1]), Path: path}, nil
}

// OnDisconnect implements Store.
func (r *Redis) OnDisconnect(ctx context.Context, sessionID, ownerID string, intents ...Intent) error {
	for _, in := range intents {
		if err := validIntent(in); err != nil {
			return opError("on-disconnect", sessionID, in.Path, err)
		}
	}
	if r.isClosed() {
		return opError("on-disconnect", sessionID, Root, ErrClosed)
	}
	live, err := r.rdb.SIsMember(ctx, r.sessionsKey(), sessionID).Result()
	if err != nil {
		return opError("on-disconnect", sessionID, Root, fmt.Errorf("%w: %v", ErrConnectivityLost, err))
	}
	if !live {
		return opError("on-disconnect", sessionID, Root, ErrNotFound)
	}
	if len(intents) == 0 {
		return nil
	}

	entries := make([]any, 0, len(intents))
	for _, in := range intents {
		entries = append(entries, intentEntry(sessionID, in))
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, r.ownerPrefix()+ownerID, entries...)
		pipe.SAdd(ctx, r.ownersKey(sessionID), ownerID)
		return nil
	})
	if err != nil {
		return opError("on-disconnect", sessionID, Root, fmt.Errorf("%w: %v", ErrConnectivityLost, err))
	}
	return nil
}

// CancelDisconnect implements Store.
func (r *Redis) CancelDisconnect(ctx context.Context, sessionID, ownerID string) error {
	if r.isClosed() {
		return opError("cancel-disconnect", sessionID, Root, ErrClosed)
	}
	key := r.ownerPrefix() + ownerID
	entries, err := r.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return opError("cancel-disconnect", sessionID, Root, fmt.Errorf("%w: %v", ErrConnectivityLost, err))
	}
	mark := sessionID + "\t"
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range entries {
			if strings.HasPrefix(e, mark) {
				pipe.LRem(ctx, key, 0, e)
			}
		}
		pipe.SRem(ctx, r.ownersKey(sessionID), ownerID)
		return nil
	})
	if err != nil {
		return opError("cancel-disconnect", sessionID, Root, fmt.Errorf("%w: %v", ErrConnectivityLost, err))
	}
	return nil
}

// Disconnect implements Store.
func (r *Redis) Disconnect(ctx context.Context, ownerID string) error {
	if r.isClosed() {
		return opError("disconnect", "", Root, ErrClosed)
	}
	key := r.ownerPrefix() + ownerID
	var lr *redis.StringSliceCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lr = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return opError("disconnect", "", Root, fmt.Errorf("%w: %v", ErrConnectivityLost, err))
	}

	for _, entry := range lr.Val() {
		sessionID, in, err := parseIntentEntry(entry)
		if err != nil {
			return opError("disconnect", "", Root, err)
		}
		switch in.Kind {
		case IntentRemove:
			if err := r.Remove(ctx, sessionID, in.Path); err != nil {
				return err
			}
		case IntentDeleteIfEmpty:
			if _, err := r.delete(ctx, sessionID, true); err != nil {
				return err
			}
		}
		if err := r.rdb.SRem(ctx, r.ownersKey(sessionID), ownerID).Err(); err != nil {
			return opError("disconnect", sessionID, Root, fmt.Errorf("%w: %v", ErrConnectivityLost, err))
		}
	}
	return nil
}

// Close ends all subscriptions and closes the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[*Subscription]*redis.PubSub)
	r.mu.Unlock()

	for sub, ps := range subs {
		sub.End(ErrClosed)
		ps.Close()
	}
	return r.rdb.Close()
}
