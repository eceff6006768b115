package redis

const (
	// createSessionScript inserts a session and its indexes, refusing a
	// second open session for the same device. Returns 1 on success and 0
	// on conflict.
	createSessionScript = `
local session_key = KEYS[1]   -- sessionlog:session:{id}
local open_key = KEYS[2]      -- sessionlog:device:{deviceID}:open
local device_zset = KEYS[3]   -- sessionlog:device:{deviceID}:sessions
local devices_set = KEYS[4]   -- sessionlog:devices
local open_set = KEYS[5]      -- sessionlog:sessions:open

local id = ARGV[1]
local device_id = ARGV[2]
local start_time = ARGV[3]
local end_time = ARGV[4]
local last_seen = ARGV[5]
local start_unix = ARGV[6]

if end_time == '' and redis.call('EXISTS', open_key) == 1 then
  return 0
end

redis.call('HSET', session_key,
  'id', id,
  'device_id', device_id,
  'start_time', start_time,
  'end_time', end_time,
  'last_seen', last_seen
)
redis.call('ZADD', device_zset, start_unix, id)
redis.call('SADD', devices_set, device_id)

if end_time == '' then
  redis.call('SET', open_key, id)
  redis.call('SADD', open_set, id)
end

return 1
`

	// updateSessionScript sets end_time and last_seen on an existing session
	// and keeps the open indexes in step. Returns 1 on success, 0 on conflict
	// and -1 when the session does not exist.
	updateSessionScript = `
local session_key = KEYS[1]   -- sessionlog:session:{id}
local open_set = KEYS[2]      -- sessionlog:sessions:open

local id = ARGV[1]
local end_time = ARGV[2]
local last_seen = ARGV[3]
local prefix = ARGV[4]

if redis.call('EXISTS', session_key) == 0 then
  return -1
end

local device_id = redis.call('HGET', session_key, 'device_id')
local open_key = prefix .. 'device:' .. device_id .. ':open'
local current = redis.call('GET', open_key)

if end_time == '' then
  if current and current ~= id then
    return 0
  end
  redis.call('SET', open_key, id)
  redis.call('SADD', open_set, id)
else
  if current == id then
    redis.call('DEL', open_key)
  end
  redis.call('SREM', open_set, id)
end

redis.call('HSET', session_key, 'end_time', end_time, 'last_seen', last_seen)
return 1
`
)
