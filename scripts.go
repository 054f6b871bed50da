package redstage

import "github.com/redis/go-redis/v9"

// Every script is a compare-and-swap: the caller read the element it wants to
// act on, decoded it in Go, and the script only applies the transition if the
// element is still there. A 0 result means another client got there first.

// popScript removes the expected element from one end of a list and drops its
// index entry and claim.
//
// KEYS: list, index, claims
// ARGV: side ("head"|"tail"), expected blob, job id ("" skips index/claims)
var popScript = redis.NewScript(`
local pos = 0
if ARGV[1] == 'tail' then pos = -1 end
if redis.call('LINDEX', KEYS[1], pos) ~= ARGV[2] then
	return 0
end
if ARGV[1] == 'tail' then
	redis.call('RPOP', KEYS[1])
else
	redis.call('LPOP', KEYS[1])
end
if ARGV[3] ~= '' then
	redis.call('HDEL', KEYS[2], ARGV[3])
	redis.call('ZREM', KEYS[3], ARGV[3])
end
return 1
`)

// moveScript pops the expected element from one end of src and pushes the
// rewritten blob onto one end of dst, updating the index and the claim set.
//
// KEYS: src, dst, index, claims
// ARGV: src side, expected blob, dst side, new blob, job id ("" skips index/claims),
// claim op ("add"|"rem"), claim deadline ms
var moveScript = redis.NewScript(`
local pos = 0
if ARGV[1] == 'tail' then pos = -1 end
if redis.call('LINDEX', KEYS[1], pos) ~= ARGV[2] then
	return 0
end
if ARGV[1] == 'tail' then
	redis.call('RPOP', KEYS[1])
else
	redis.call('LPOP', KEYS[1])
end
if ARGV[3] == 'tail' then
	redis.call('RPUSH', KEYS[2], ARGV[4])
else
	redis.call('LPUSH', KEYS[2], ARGV[4])
end
if ARGV[5] ~= '' then
	redis.call('HSET', KEYS[3], ARGV[5], ARGV[4])
	if ARGV[6] == 'add' then
		redis.call('ZADD', KEYS[4], ARGV[7], ARGV[5])
	else
		redis.call('ZREM', KEYS[4], ARGV[5])
	end
end
return 1
`)

// moveValueScript moves one specific element (wherever it sits) from src to
// the head of dst. With a claim guard it refuses (-1) to move a job whose
// claim deadline is later than the guard, so an extended claim is not reaped.
// A non-empty claim deadline claims the job in dst, otherwise its claim is
// dropped.
//
// KEYS: src, dst, index, claims
// ARGV: expected blob, new blob, job id, claim guard ms ("" disables),
// claim deadline ms ("" drops the claim)
var moveValueScript = redis.NewScript(`
if ARGV[4] ~= '' then
	local score = redis.call('ZSCORE', KEYS[4], ARGV[3])
	if score and tonumber(score) > tonumber(ARGV[4]) then
		return -1
	end
end
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
	return 0
end
redis.call('LPUSH', KEYS[2], ARGV[2])
redis.call('HSET', KEYS[3], ARGV[3], ARGV[2])
if ARGV[5] ~= '' then
	redis.call('ZADD', KEYS[4], ARGV[5], ARGV[3])
else
	redis.call('ZREM', KEYS[4], ARGV[3])
end
return 1
`)

// setAtScript overwrites a list slot and the index entry of the new job.
// The old job's index entry is dropped when a different job takes its slot.
// A new id that is already indexed elsewhere is refused (-2).
//
// KEYS: list, index
// ARGV: position, expected blob, new blob, new id, old id ("" when undecodable)
var setAtScript = redis.NewScript(`
local n = redis.call('LLEN', KEYS[1])
local i = tonumber(ARGV[1])
if i < 0 then i = n + i end
if i < 0 or i >= n then
	return -1
end
if redis.call('LINDEX', KEYS[1], i) ~= ARGV[2] then
	return 0
end
if ARGV[4] ~= ARGV[5] and redis.call('HEXISTS', KEYS[2], ARGV[4]) == 1 then
	return -2
end
redis.call('LSET', KEYS[1], i, ARGV[3])
if ARGV[5] ~= '' and ARGV[5] ~= ARGV[4] then
	redis.call('HDEL', KEYS[2], ARGV[5])
end
redis.call('HSET', KEYS[2], ARGV[4], ARGV[3])
return 1
`)

// hashCASScript replaces (or deletes, when the new value is empty) a hash
// field only if it still holds the expected value.
//
// KEYS: hash
// ARGV: field, expected, new
var hashCASScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
	return 0
end
if ARGV[3] == '' then
	redis.call('HDEL', KEYS[1], ARGV[1])
else
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
end
return 1
`)

// zremIfScoreScript drops a claim only if its deadline is unchanged.
//
// KEYS: claims
// ARGV: member, score
var zremIfScoreScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) ~= tonumber(ARGV[2]) then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
return 1
`)

// restoreIndexScript recreates a missing index entry only while the blob is
// still in the list it was seen in.
//
// KEYS: list, index
// ARGV: job id, blob
var restoreIndexScript = redis.NewScript(`
for _, v in ipairs(redis.call('LRANGE', KEYS[1], 0, -1)) do
	if v == ARGV[2] then
		return redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2])
	end
end
return 0
`)
