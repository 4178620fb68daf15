// Copyright 2025 James Ross
package scripts

// The transition scripts. Every multi-key invariant lives server-side; the
// Go layer never reimplements a transition as a client-side pipeline.
//
// Shared conventions:
//   ARGV[1] is the queue root "<prefix>:<name>:" in every script except
//   extendLock, pause and getState, so per-job keys are derived without
//   round-trips. Negative integer replies are error codes
//   decoded by the queue layer: -1 missing key, -2 missing/bad lock,
//   -3 wrong state, -4 pending dependencies.

// helpers prepended to every script.
const helpers = `
local function emit(eventsKey, maxEvents, event, jobId, field, value)
  if field ~= nil then
    redis.call("XADD", eventsKey, "MAXLEN", "~", maxEvents, "*", "event", event, "jobId", jobId, field, tostring(value))
  else
    redis.call("XADD", eventsKey, "MAXLEN", "~", maxEvents, "*", "event", event, "jobId", jobId)
  end
end

local function numericId(jobId)
  local digits = string.match(jobId, "^(%d+)")
  if digits == nil then return 0 end
  return tonumber(digits) % 4096
end

-- Packs due-time with the id's low 12 bits for deterministic wake order
-- within a millisecond.
local function compositeScore(ts, jobId)
  if ts < 0 then ts = 0 end
  return ts * 4096 + numericId(jobId)
end
`

// isJobInList has two variants; LPOS landed in Redis 6.0.6 and the legacy
// scan keeps older servers working. The variant is chosen at load time.
const isJobInListLPOS = `
local function isJobInList(listKey, jobId)
  return redis.call("LPOS", listKey, jobId) ~= false
end
`

const isJobInListLegacy = `
local function isJobInList(listKey, jobId)
  local items = redis.call("LRANGE", listKey, 0, -1)
  for _, v in ipairs(items) do
    if v == jobId then return true end
  end
  return false
end
`

// Pops the best ready id and claims it: priority min-score first (the wait
// entry is only the blocking signal), else FIFO tail of wait.
const claimChunk = `
local function popReady(waitKey, priorityKey)
  local jobId
  if redis.call("ZCARD", priorityKey) > 0 then
    jobId = redis.call("ZRANGE", priorityKey, 0, 0)[1]
    redis.call("ZREM", priorityKey, jobId)
    redis.call("LREM", waitKey, -1, jobId)
  else
    jobId = redis.call("RPOP", waitKey)
  end
  if jobId == false or jobId == nil then return nil end
  return jobId
end

local function claimJob(root, jobId, token, lockDuration, now, activeKey, stalledKey, eventsKey, maxEvents)
  local jobKey = root .. jobId
  redis.call("SET", jobKey .. ":lock", token, "PX", lockDuration)
  redis.call("HSET", jobKey, "processedOn", now)
  redis.call("HINCRBY", jobKey, "attemptsMade", 1)
  redis.call("SREM", stalledKey, jobId)
  emit(eventsKey, maxEvents, "active", jobId)
  local data = redis.call("HGETALL", jobKey)
  local reply = {1, jobId}
  for i = 1, #data do reply[#reply + 1] = data[i] end
  return reply
end

-- Rolling counter gate. Returns remaining window ms when over budget, nil
-- when a token was consumed.
local function limiterConsume(root, jobId, limMax, limDuration, groupsEnabled)
  if limMax <= 0 then return nil end
  local limKey = root .. "limiter"
  if groupsEnabled == "1" then
    local group = string.match(jobId, "^[^:]+:(.+)$")
    if group ~= nil then limKey = limKey .. ":" .. group end
  end
  local cur = redis.call("INCR", limKey)
  if cur == 1 then redis.call("PEXPIRE", limKey, limDuration) end
  if cur > limMax then
    local ttl = redis.call("PTTL", limKey)
    if ttl < 0 then ttl = limDuration end
    return ttl
  end
  return nil
end
`

// addJob allocates an id, writes the job hash and routes it to delayed,
// waiting-children, or wait/paused.
//
// KEYS: 1 wait, 2 paused, 3 meta, 4 id counter, 5 delayed, 6 priority,
//       7 events, 8 waiting-children, 9 delay marker, 10 priority counter
// ARGV: 1 root, 2 custom id, 3 name, 4 data, 5 opts json, 6 timestamp,
//       7 delay, 8 priority, 9 lifo, 10 maxEvents, 11 waitChildren,
//       12 parent id, 13 parent root, 14 limiter group
const addJobSrc = `
local jobId = ARGV[2]
if jobId == "" then
  jobId = tostring(redis.call("INCR", KEYS[4]))
  if ARGV[14] ~= "" then jobId = jobId .. ":" .. ARGV[14] end
end
local jobKey = ARGV[1] .. jobId
if redis.call("EXISTS", jobKey) == 1 then
  return jobId
end
local timestamp = tonumber(ARGV[6])
local delay = tonumber(ARGV[7])
local priority = tonumber(ARGV[8])
local maxEvents = tonumber(ARGV[10])
redis.call("HSET", jobKey, "name", ARGV[3], "data", ARGV[4], "opts", ARGV[5],
  "timestamp", ARGV[6], "delay", ARGV[7], "priority", ARGV[8],
  "attemptsMade", 0, "stalledCounter", 0)
if ARGV[12] ~= "" then
  redis.call("HSET", jobKey, "parent", cjson.encode({id = ARGV[12], queue = ARGV[13]}))
  redis.call("SADD", ARGV[13] .. ARGV[12] .. ":dependencies", jobKey)
end
emit(KEYS[7], maxEvents, "added", jobId)
local paused = redis.call("HEXISTS", KEYS[3], "paused") == 1
if delay > 0 then
  local score = compositeScore(timestamp + delay, jobId)
  redis.call("ZADD", KEYS[5], score, jobId)
  local head = redis.call("ZRANGE", KEYS[5], 0, 0)
  if head[1] == jobId then
    redis.call("LPUSH", KEYS[9], timestamp + delay)
    redis.call("LTRIM", KEYS[9], 0, 0)
  end
  emit(KEYS[7], maxEvents, "delayed", jobId, "delay", ARGV[7])
elseif ARGV[11] == "1" then
  redis.call("SADD", KEYS[8], jobId)
  emit(KEYS[7], maxEvents, "waiting-children", jobId)
else
  local target = KEYS[1]
  if paused then target = KEYS[2] end
  if ARGV[9] == "1" then
    redis.call("RPUSH", target, jobId)
  else
    redis.call("LPUSH", target, jobId)
  end
  if priority ~= 0 then
    local pc = redis.call("INCR", KEYS[10])
    redis.call("ZADD", KEYS[6], priority * 4294967296 + pc, jobId)
  end
  emit(KEYS[7], maxEvents, "waiting", jobId)
end
return jobId
`

// moveToActive claims the next ready job for a worker.
//
// Replies: nil = nothing ready (or queue paused); {0, delayMs} = rate
// limited; {1, jobId, field, value, ...} = claimed.
//
// KEYS: 1 wait, 2 active, 3 priority, 4 stalled, 5 events, 6 meta,
//       7 delayed, 8 delay marker
// ARGV: 1 root, 2 token, 3 lockDuration, 4 now, 5 optional jobId,
//       6 limiter max, 7 limiter duration, 8 groups enabled, 9 maxEvents
const moveToActiveSrc = `
if redis.call("HEXISTS", KEYS[6], "paused") == 1 then return nil end
local maxEvents = tonumber(ARGV[9])
local limMax = tonumber(ARGV[6])
local now = tonumber(ARGV[4])
local jobId = ARGV[5]
if jobId == "" then
  if limMax > 0 and ARGV[8] == "0" then
    local cur = tonumber(redis.call("GET", ARGV[1] .. "limiter") or "0")
    if cur >= limMax then
      local ttl = redis.call("PTTL", ARGV[1] .. "limiter")
      if ttl < 0 then ttl = tonumber(ARGV[7]) end
      return {0, ttl}
    end
  end
  jobId = popReady(KEYS[1], KEYS[3])
  if jobId == nil then return nil end
  redis.call("LPUSH", KEYS[2], jobId)
else
  if isJobInList(KEYS[2], jobId) == false then return nil end
  redis.call("ZREM", KEYS[3], jobId)
end
local over = limiterConsume(ARGV[1], jobId, limMax, tonumber(ARGV[7]), ARGV[8])
if over ~= nil then
  redis.call("LREM", KEYS[2], -1, jobId)
  local score = compositeScore(now + over, jobId)
  redis.call("ZADD", KEYS[7], score, jobId)
  local head = redis.call("ZRANGE", KEYS[7], 0, 0)
  if head[1] == jobId then
    redis.call("LPUSH", KEYS[8], now + over)
    redis.call("LTRIM", KEYS[8], 0, 0)
  end
  emit(KEYS[5], maxEvents, "delayed", jobId, "delay", over)
  return {0, over}
end
return claimJob(ARGV[1], jobId, ARGV[2], ARGV[3], ARGV[4], KEYS[2], KEYS[4], KEYS[5], maxEvents)
`

// extendLock refreshes the TTL only while the caller still owns the lock.
// KEYS: 1 lock; ARGV: 1 token, 2 duration ms
const extendLockSrc = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// moveToFinished finalizes a job into completed or failed and optionally
// fuses the next claim into the same invocation.
//
// Replies: 0 = done, no next; {1, jobId, ...} = done, next job claimed;
// negative = error code.
//
// KEYS: 1 active, 2 target set, 3 events, 4 wait, 5 priority, 6 stalled,
//       7 meta, 8 delayed, 9 delay marker
// ARGV: 1 root, 2 jobId, 3 finishedOn, 4 prop name, 5 prop value,
//       6 event name, 7 token, 8 keep policy, 9 fetchNext, 10 maxEvents,
//       11 lockDuration, 12 limiter max, 13 limiter duration,
//       14 groups enabled
const moveToFinishedSrc = `
local root = ARGV[1]
local jobId = ARGV[2]
local jobKey = root .. jobId
local maxEvents = tonumber(ARGV[10])
if redis.call("EXISTS", jobKey) == 0 then return -1 end
if ARGV[7] ~= "" then
  local lock = redis.call("GET", jobKey .. ":lock")
  if lock == false or lock ~= ARGV[7] then return -2 end
end
if ARGV[6] == "completed" and redis.call("SCARD", jobKey .. ":dependencies") > 0 then
  return -4
end
if redis.call("LREM", KEYS[1], -1, jobId) == 0 then return -3 end
redis.call("DEL", jobKey .. ":lock")
redis.call("HSET", jobKey, ARGV[4], ARGV[5], "finishedOn", ARGV[3])
local rawParent = redis.call("HGET", jobKey, "parent")
local keep = ARGV[8]
if keep == "true" then
  redis.call("DEL", jobKey, jobKey .. ":dependencies", jobKey .. ":processed")
else
  redis.call("ZADD", KEYS[2], tonumber(ARGV[3]), jobId)
  local window = tonumber(keep)
  if window ~= nil and window > 0 then
    local excess = redis.call("ZRANGE", KEYS[2], 0, -(window + 1))
    for _, rid in ipairs(excess) do
      redis.call("DEL", root .. rid, root .. rid .. ":lock", root .. rid .. ":dependencies", root .. rid .. ":processed")
    end
    if #excess > 0 then
      redis.call("ZREMRANGEBYRANK", KEYS[2], 0, -(window + 1))
    end
  end
end
emit(KEYS[3], maxEvents, ARGV[6], jobId, ARGV[4], ARGV[5])
if ARGV[6] == "completed" and rawParent ~= false and rawParent ~= nil then
  local parent = cjson.decode(rawParent)
  local pRoot = parent.queue
  local pKey = pRoot .. parent.id
  local depsKey = pKey .. ":dependencies"
  redis.call("SREM", depsKey, jobKey)
  redis.call("SADD", pKey .. ":processed", jobKey)
  if redis.call("SCARD", depsKey) == 0 then
    if redis.call("SREM", pRoot .. "waiting-children", parent.id) == 1 then
      local pTarget = pRoot .. "wait"
      if redis.call("HEXISTS", pRoot .. "meta", "paused") == 1 then pTarget = pRoot .. "paused" end
      redis.call("LPUSH", pTarget, parent.id)
      local pprio = tonumber(redis.call("HGET", pKey, "priority") or "0")
      if pprio ~= 0 then
        local pc = redis.call("INCR", pRoot .. "pc")
        redis.call("ZADD", pRoot .. "priority", pprio * 4294967296 + pc, parent.id)
      end
      redis.call("XADD", pRoot .. "events", "MAXLEN", "~", maxEvents, "*", "event", "waiting", "jobId", parent.id)
    end
  end
end
if ARGV[9] == "1" and redis.call("HEXISTS", KEYS[7], "paused") == 0 then
  local limMax = tonumber(ARGV[12])
  if limMax > 0 and ARGV[14] == "0" then
    local cur = tonumber(redis.call("GET", root .. "limiter") or "0")
    if cur >= limMax then return 0 end
  end
  local nextId = popReady(KEYS[4], KEYS[5])
  if nextId == nil then return 0 end
  redis.call("LPUSH", KEYS[1], nextId)
  local over = limiterConsume(root, nextId, limMax, tonumber(ARGV[13]), ARGV[14])
  if over ~= nil then
    redis.call("LREM", KEYS[1], -1, nextId)
    local score = compositeScore(tonumber(ARGV[3]) + over, nextId)
    redis.call("ZADD", KEYS[8], score, nextId)
    local head = redis.call("ZRANGE", KEYS[8], 0, 0)
    if head[1] == nextId then
      redis.call("LPUSH", KEYS[9], tonumber(ARGV[3]) + over)
      redis.call("LTRIM", KEYS[9], 0, 0)
    end
    emit(KEYS[3], maxEvents, "delayed", nextId, "delay", over)
    return 0
  end
  return claimJob(root, nextId, ARGV[7], ARGV[11], ARGV[3], KEYS[1], KEYS[6], KEYS[3], maxEvents)
end
return 0
`

// moveToDelayed parks an active job until a due time.
// KEYS: 1 active, 2 delayed, 3 events, 4 delay marker
// ARGV: 1 root, 2 jobId, 3 due timestamp, 4 token, 5 maxEvents
const moveToDelayedSrc = `
local jobKey = ARGV[1] .. ARGV[2]
if redis.call("EXISTS", jobKey) == 0 then return -1 end
if ARGV[4] ~= "" then
  local lock = redis.call("GET", jobKey .. ":lock")
  if lock == false or lock ~= ARGV[4] then return -2 end
end
if redis.call("LREM", KEYS[1], -1, ARGV[2]) == 0 then return -3 end
redis.call("DEL", jobKey .. ":lock")
local due = tonumber(ARGV[3])
local score = compositeScore(due, ARGV[2])
redis.call("ZADD", KEYS[2], score, ARGV[2])
local head = redis.call("ZRANGE", KEYS[2], 0, 0)
if head[1] == ARGV[2] then
  redis.call("LPUSH", KEYS[4], due)
  redis.call("LTRIM", KEYS[4], 0, 0)
end
emit(KEYS[3], tonumber(ARGV[5]), "delayed", ARGV[2], "delay", ARGV[3])
return 0
`

// moveToWaitingChildren parks an active parent until its dependency set
// drains. No-op (0) when there are no pending dependencies.
// KEYS: 1 active, 2 waiting-children, 3 events
// ARGV: 1 root, 2 jobId, 3 token, 4 maxEvents
const moveToWaitingChildrenSrc = `
local jobKey = ARGV[1] .. ARGV[2]
if redis.call("EXISTS", jobKey) == 0 then return -1 end
if redis.call("SCARD", jobKey .. ":dependencies") == 0 then return 0 end
local lock = redis.call("GET", jobKey .. ":lock")
if lock == false or lock ~= ARGV[3] then return -2 end
if redis.call("LREM", KEYS[1], -1, ARGV[2]) == 0 then return -3 end
redis.call("DEL", jobKey .. ":lock")
redis.call("SADD", KEYS[2], ARGV[2])
emit(KEYS[3], tonumber(ARGV[4]), "waiting-children", ARGV[2])
return 1
`

// promote moves one delayed job straight to the ready side.
// KEYS: 1 delayed, 2 wait, 3 paused, 4 meta, 5 priority, 6 events, 7 pc
// ARGV: 1 root, 2 jobId, 3 maxEvents
const promoteSrc = `
if redis.call("ZREM", KEYS[1], ARGV[2]) == 0 then return -3 end
local target = KEYS[2]
if redis.call("HEXISTS", KEYS[4], "paused") == 1 then target = KEYS[3] end
redis.call("RPUSH", target, ARGV[2])
local jobKey = ARGV[1] .. ARGV[2]
local prio = tonumber(redis.call("HGET", jobKey, "priority") or "0")
if prio ~= 0 then
  local pc = redis.call("INCR", KEYS[7])
  redis.call("ZADD", KEYS[5], prio * 4294967296 + pc, ARGV[2])
end
redis.call("HSET", jobKey, "delay", 0)
emit(KEYS[6], tonumber(ARGV[3]), "waiting", ARGV[2])
return 0
`

// updateDelaySet promotes every entry due at or before now and returns the
// next-due composite score, or -1 when the set is empty.
// KEYS: 1 delayed, 2 wait, 3 paused, 4 meta, 5 priority, 6 events, 7 pc
// ARGV: 1 root, 2 now, 3 maxEvents, 4 batch limit
const updateDelaySetSrc = `
local cutoff = tonumber(ARGV[2]) * 4096 + 4095
local due = redis.call("ZRANGEBYSCORE", KEYS[1], 0, cutoff, "LIMIT", 0, tonumber(ARGV[4]))
if #due > 0 then
  local target = KEYS[2]
  if redis.call("HEXISTS", KEYS[4], "paused") == 1 then target = KEYS[3] end
  for _, jobId in ipairs(due) do
    redis.call("ZREM", KEYS[1], jobId)
    redis.call("LPUSH", target, jobId)
    local jobKey = ARGV[1] .. jobId
    local prio = tonumber(redis.call("HGET", jobKey, "priority") or "0")
    if prio ~= 0 then
      local pc = redis.call("INCR", KEYS[7])
      redis.call("ZADD", KEYS[5], prio * 4294967296 + pc, jobId)
    end
    redis.call("HSET", jobKey, "delay", 0)
    emit(KEYS[6], tonumber(ARGV[3]), "waiting", jobId)
  end
end
local head = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
if head[2] == nil then return -1 end
return tostring(head[2])
`

// pause swaps wait and paused. RENAME keeps an in-flight BRPOPLPUSH draining
// the now-empty source; the slow path merges when the destination is not
// empty.
// KEYS: 1 source list, 2 destination list, 3 meta, 4 events
// ARGV: 1 "1" pause / "0" resume, 2 maxEvents
const pauseSrc = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  if redis.call("EXISTS", KEYS[2]) == 1 then
    local v = redis.call("RPOPLPUSH", KEYS[1], KEYS[2])
    while v ~= false and v ~= nil do
      v = redis.call("RPOPLPUSH", KEYS[1], KEYS[2])
    end
  else
    redis.call("RENAME", KEYS[1], KEYS[2])
  end
end
if ARGV[1] == "1" then
  redis.call("HSET", KEYS[3], "paused", 1)
  emit(KEYS[4], tonumber(ARGV[2]), "paused", "")
else
  redis.call("HDEL", KEYS[3], "paused")
  emit(KEYS[4], tonumber(ARGV[2]), "resumed", "")
end
return 0
`

// removeJob deletes a job and, recursively, its children. Refuses while the
// job is locked. Child keys parse as "<prefix...>:<id>"; ids therefore must
// not contain ":" (a child whose generated id carries a limiter group
// suffix is missed by the cascade).
// KEYS: 1 events
// ARGV: 1 root, 2 jobId, 3 maxEvents
const removeJobSrc = `
local function removeOne(prefix, jobId)
  local jobKey = prefix .. jobId
  local deps = redis.call("SMEMBERS", jobKey .. ":dependencies")
  for _, childKey in ipairs(deps) do
    local cPrefix, cId = string.match(childKey, "^(.*:)([^:]+)$")
    if cPrefix ~= nil then
      removeOne(cPrefix, cId)
    end
  end
  redis.call("LREM", prefix .. "wait", 0, jobId)
  redis.call("LREM", prefix .. "paused", 0, jobId)
  redis.call("LREM", prefix .. "active", 0, jobId)
  redis.call("ZREM", prefix .. "delayed", jobId)
  redis.call("ZREM", prefix .. "priority", jobId)
  redis.call("ZREM", prefix .. "completed", jobId)
  redis.call("ZREM", prefix .. "failed", jobId)
  redis.call("SREM", prefix .. "waiting-children", jobId)
  redis.call("DEL", jobKey, jobKey .. ":lock", jobKey .. ":dependencies", jobKey .. ":processed")
end
if redis.call("EXISTS", ARGV[1] .. ARGV[2] .. ":lock") == 1 then return -1 end
local rawParent = redis.call("HGET", ARGV[1] .. ARGV[2], "parent")
if rawParent ~= false and rawParent ~= nil then
  local parent = cjson.decode(rawParent)
  redis.call("SREM", parent.queue .. parent.id .. ":dependencies", ARGV[1] .. ARGV[2])
  redis.call("SREM", parent.queue .. parent.id .. ":processed", ARGV[1] .. ARGV[2])
end
removeOne(ARGV[1], ARGV[2])
emit(KEYS[1], tonumber(ARGV[3]), "removed", ARGV[2])
return 1
`

// cleanJobsInSet removes up to limit old entries from one container.
// Sorted sets compare finishedOn (their score); lists and the delayed set
// compare the job's own timestamp. Locked jobs are skipped.
// KEYS: 1 set, 2 events, 3 priority
// ARGV: 1 root, 2 set name, 3 cutoff ms, 4 limit, 5 maxEvents
const cleanJobsInSetSrc = `
local removed = {}
local limit = tonumber(ARGV[4])
if limit <= 0 then limit = 1000 end
local root = ARGV[1]
local setName = ARGV[2]
local cutoff = tonumber(ARGV[3])
local function delJob(jobId)
  redis.call("DEL", root .. jobId, root .. jobId .. ":lock", root .. jobId .. ":dependencies", root .. jobId .. ":processed")
end
if setName == "completed" or setName == "failed" then
  local ids = redis.call("ZRANGEBYSCORE", KEYS[1], 0, "(" .. cutoff, "LIMIT", 0, limit)
  for _, jobId in ipairs(ids) do
    redis.call("ZREM", KEYS[1], jobId)
    delJob(jobId)
    removed[#removed + 1] = jobId
  end
elseif setName == "delayed" then
  local ids = redis.call("ZRANGE", KEYS[1], 0, -1)
  for _, jobId in ipairs(ids) do
    if #removed >= limit then break end
    local ts = tonumber(redis.call("HGET", root .. jobId, "timestamp") or "0")
    if ts < cutoff then
      redis.call("ZREM", KEYS[1], jobId)
      delJob(jobId)
      removed[#removed + 1] = jobId
    end
  end
else
  local ids = redis.call("LRANGE", KEYS[1], 0, -1)
  for _, jobId in ipairs(ids) do
    if #removed >= limit then break end
    if redis.call("EXISTS", root .. jobId .. ":lock") == 0 then
      local ts = tonumber(redis.call("HGET", root .. jobId, "timestamp") or "0")
      if ts < cutoff then
        redis.call("LREM", KEYS[1], 0, jobId)
        redis.call("ZREM", KEYS[3], jobId)
        delJob(jobId)
        removed[#removed + 1] = jobId
      end
    end
  end
end
if #removed > 0 then
  redis.call("XADD", KEYS[2], "MAXLEN", "~", ARGV[5], "*", "event", "cleaned", "count", #removed)
end
return removed
`

// obliterate destroys the queue in bounded chunks. Requires the queue to be
// paused (-1), and empty of active jobs unless forced (-2). Returns count
// when the round filled its chunk (more may remain); a round that removes
// fewer than count jobs also deletes the queue's own keys and returns 0,
// meaning the queue is gone and the caller can stop looping.
// KEYS: 1 meta, 2 active
// ARGV: 1 root, 2 count, 3 force
const obliterateSrc = `
if redis.call("HEXISTS", KEYS[1], "paused") == 0 then return -1 end
local count = tonumber(ARGV[2])
if count <= 0 then count = 1000 end
if ARGV[3] == "0" and redis.call("LLEN", KEYS[2]) > 0 then return -2 end
local root = ARGV[1]
local removed = 0
local function delJob(jobId)
  redis.call("DEL", root .. jobId, root .. jobId .. ":lock", root .. jobId .. ":dependencies", root .. jobId .. ":processed")
  removed = removed + 1
end
local function purgeList(key)
  while removed < count do
    local jobId = redis.call("RPOP", key)
    if jobId == false or jobId == nil then return end
    delJob(jobId)
  end
end
local function purgeZSet(key)
  while removed < count do
    local ids = redis.call("ZRANGE", key, 0, 0)
    if #ids == 0 then return end
    redis.call("ZREM", key, ids[1])
    delJob(ids[1])
  end
end
local function purgeSet(key)
  while removed < count do
    local jobId = redis.call("SPOP", key)
    if jobId == false or jobId == nil then return end
    delJob(jobId)
  end
end
purgeList(root .. "active")
purgeList(root .. "wait")
purgeList(root .. "paused")
purgeZSet(root .. "delayed")
purgeZSet(root .. "completed")
purgeZSet(root .. "failed")
purgeSet(root .. "waiting-children")
if removed < count then
  redis.call("DEL", root .. "priority", root .. "events", root .. "id", root .. "pc",
    root .. "meta", root .. "delay", root .. "stalled", root .. "stalled-check",
    root .. "repeat", root .. "limiter")
  return 0
end
return removed
`

// reprocessJob moves a finished job back to the ready side.
// Replies: 1 ok, 0 missing job, -1 locked, -2 not in the expected state.
// KEYS: 1 source set, 2 wait, 3 paused, 4 meta, 5 events
// ARGV: 1 root, 2 jobId, 3 lifo, 4 prop to clear, 5 maxEvents
const reprocessJobSrc = `
local jobKey = ARGV[1] .. ARGV[2]
if redis.call("EXISTS", jobKey) == 0 then return 0 end
if redis.call("EXISTS", jobKey .. ":lock") == 1 then return -1 end
if isJobInList(KEYS[2], ARGV[2]) then return -2 end
if redis.call("ZREM", KEYS[1], ARGV[2]) == 0 then return -2 end
redis.call("HDEL", jobKey, "finishedOn", ARGV[4])
local target = KEYS[2]
if redis.call("HEXISTS", KEYS[4], "paused") == 1 then target = KEYS[3] end
if ARGV[3] == "1" then
  redis.call("RPUSH", target, ARGV[2])
else
  redis.call("LPUSH", target, ARGV[2])
end
emit(KEYS[5], tonumber(ARGV[5]), "waiting", ARGV[2])
return 1
`

// drain atomically clears the ready side (and optionally delayed) in one
// invocation, so adds racing a drain either land before it and die, or land
// after it and survive. Blocks the server proportionally to queue size.
// KEYS: 1 wait, 2 paused, 3 priority, 4 delayed, 5 events
// ARGV: 1 root, 2 include delayed, 3 maxEvents
const drainSrc = `
local removed = 0
local function purgeList(key)
  while true do
    local jobId = redis.call("RPOP", key)
    if jobId == false or jobId == nil then return end
    local jobKey = ARGV[1] .. jobId
    redis.call("DEL", jobKey, jobKey .. ":lock", jobKey .. ":dependencies", jobKey .. ":processed")
    removed = removed + 1
  end
end
purgeList(KEYS[1])
purgeList(KEYS[2])
redis.call("DEL", KEYS[3])
if ARGV[2] == "1" then
  local ids = redis.call("ZRANGE", KEYS[4], 0, -1)
  for _, jobId in ipairs(ids) do
    local jobKey = ARGV[1] .. jobId
    redis.call("DEL", jobKey, jobKey .. ":lock", jobKey .. ":dependencies", jobKey .. ":processed")
    removed = removed + 1
  end
  redis.call("DEL", KEYS[4])
end
redis.call("XADD", KEYS[5], "MAXLEN", "~", ARGV[3], "*", "event", "drained", "count", removed)
return removed
`

// getState reports which container holds the id.
// KEYS: 1 completed, 2 failed, 3 delayed, 4 active, 5 wait, 6 paused,
//       7 waiting-children
// ARGV: 1 jobId
const getStateSrc = `
if redis.call("ZSCORE", KEYS[1], ARGV[1]) then return "completed" end
if redis.call("ZSCORE", KEYS[2], ARGV[1]) then return "failed" end
if redis.call("ZSCORE", KEYS[3], ARGV[1]) then return "delayed" end
if redis.call("SISMEMBER", KEYS[7], ARGV[1]) == 1 then return "waiting-children" end
if isJobInList(KEYS[4], ARGV[1]) then return "active" end
if isJobInList(KEYS[5], ARGV[1]) then return "waiting" end
if isJobInList(KEYS[6], ARGV[1]) then return "paused" end
return "unknown"
`

// moveStalledJobsToWait sweeps active for expired locks. Recovered ids go
// back to the ready side; ids past the stall budget fail terminally. The
// stalled set is populated during the sweep and drained as each id is
// resolved, which is what lets moveToActive clear a prior membership.
// Returns {recovered ids, failed ids}.
// KEYS: 1 active, 2 stalled, 3 wait, 4 paused, 5 meta, 6 failed, 7 events,
//       8 priority, 9 pc
// ARGV: 1 root, 2 maxStalledCount, 3 now, 4 maxEvents
const moveStalledJobsToWaitSrc = `
local recovered = {}
local failed = {}
local active = redis.call("LRANGE", KEYS[1], 0, -1)
local target = KEYS[3]
if redis.call("HEXISTS", KEYS[5], "paused") == 1 then target = KEYS[4] end
for _, jobId in ipairs(active) do
  local jobKey = ARGV[1] .. jobId
  if redis.call("EXISTS", jobKey .. ":lock") == 0 then
    redis.call("SADD", KEYS[2], jobId)
    redis.call("LREM", KEYS[1], 0, jobId)
    local stalls = redis.call("HINCRBY", jobKey, "stalledCounter", 1)
    if stalls <= tonumber(ARGV[2]) then
      redis.call("RPUSH", target, jobId)
      local prio = tonumber(redis.call("HGET", jobKey, "priority") or "0")
      if prio ~= 0 then
        local pc = redis.call("INCR", KEYS[9])
        redis.call("ZADD", KEYS[8], prio * 4294967296 + pc, jobId)
      end
      emit(KEYS[7], tonumber(ARGV[4]), "stalled", jobId)
      recovered[#recovered + 1] = jobId
    else
      redis.call("HSET", jobKey, "failedReason", "job stalled more than allowable limit", "finishedOn", ARGV[3])
      redis.call("ZADD", KEYS[6], tonumber(ARGV[3]), jobId)
      emit(KEYS[7], tonumber(ARGV[4]), "failed", jobId, "failedReason", "job stalled more than allowable limit")
      failed[#failed + 1] = jobId
    end
    redis.call("SREM", KEYS[2], jobId)
  end
end
return {recovered, failed}
`
