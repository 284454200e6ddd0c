package redisroom

import "github.com/redis/go-redis/v9"

// setAwareness stores one entry and returns the whole hash in one step.
var setAwareness = redis.NewScript(`
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return redis.call('HGETALL', KEYS[1])
`)

// pruneOwner removes entries announced by ARGV[1] and returns what remains.
var pruneOwner = redis.NewScript(`
local all = redis.call('HGETALL', KEYS[1])
for i = 1, #all, 2 do
  local ok, rec = pcall(cjson.decode, all[i + 1])
  if ok and type(rec) == 'table' and rec['owner'] == ARGV[1] then
    redis.call('HDEL', KEYS[1], all[i])
  end
end
return redis.call('HGETALL', KEYS[1])
`)

// compactUpdates replaces the first ARGV[2] list items with the merged
// state in ARGV[3], only while the head is still ARGV[1].
var compactUpdates = redis.NewScript(`
if redis.call('LINDEX', KEYS[1], 0) ~= ARGV[1] then
  return 0
end
local n = tonumber(ARGV[2])
if redis.call('LLEN', KEYS[1]) < n then
  return 0
end
redis.call('LTRIM', KEYS[1], n, -1)
redis.call('LPUSH', KEYS[1], ARGV[3])
return 1
`)
