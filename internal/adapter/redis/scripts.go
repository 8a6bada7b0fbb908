package redis

import goredis "github.com/redis/go-redis/v9"

// Lua scripts for the operations that must be atomic across instances.

// markReadScript adds ids to the read set and aligns its expiry with the
// inbox list. A missing inbox marks nothing.
// KEYS: [1]=inbox list, [2]=read set. ARGV: ids
var markReadScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local added = redis.call('SADD', KEYS[2], unpack(ARGV))
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[2], ttl)
end
return added
`)

// removeAlertScript deletes an alert only if it belongs to the caller, and
// returns 1 only to the call that deleted it.
// KEYS: [1]=alert key, [2]=user index. ARGV: [1]=user id, [2]=symbol index prefix
var removeAlertScript = goredis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 0
end
local alert = cjson.decode(raw)
if alert.userId ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], alert.id)
redis.call('SREM', ARGV[2] .. alert.symbol, alert.id)
return 1
`)

// claimScript moves up to limit due ids from the ready set to the processing
// set and returns them as flat id, body pairs. Ids without a body are dropped.
// KEYS: [1]=ready, [2]=processing, [3]=messages. ARGV: [1]=now_ms, [2]=limit
var claimScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local raw = redis.call('HGET', KEYS[3], id)
  if raw then
    redis.call('ZADD', KEYS[2], ARGV[1], id)
    table.insert(out, id)
    table.insert(out, raw)
  end
end
return out
`)

// requeueStaleScript returns messages claimed before the cutoff to the ready
// set, due now.
// KEYS: [1]=processing, [2]=ready, [3]=messages. ARGV: [1]=cutoff_ms, [2]=now_ms
var requeueStaleScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local n = 0
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  if redis.call('HEXISTS', KEYS[3], id) == 1 then
    redis.call('ZADD', KEYS[2], ARGV[2], id)
    n = n + 1
  end
end
return n
`)

// renewLeaderScript extends the lock only while this instance holds it.
// KEYS: [1]=lock. ARGV: [1]=instance id, [2]=ttl_ms
var renewLeaderScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// releaseLeaderScript deletes the lock only while this instance holds it.
// KEYS: [1]=lock. ARGV: [1]=instance id
var releaseLeaderScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
