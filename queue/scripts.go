package queue

import "github.com/redis/go-redis/v9"

var (
	// luaEnqueue is the Lua script used to add a job to a queue. The job id
	// is first added to the dedup set, a duplicate id leaves the queue
	// untouched so enqueue attempts with the same id are deduplicated by the
	// broker, not by the dispatch layer.
	//
	// KEYS: dedup set, payload hash, pending list, low priority list
	// ARGV: job id, serialized job, priority
	luaEnqueue = redis.NewScript(`
	   if redis.call("SADD", KEYS[1], ARGV[1]) == 0 then
	      return 0
	   end
	   redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
	   if ARGV[3] == "low" then
	      redis.call("RPUSH", KEYS[4], ARGV[1])
	   else
	      redis.call("RPUSH", KEYS[3], ARGV[1])
	   end
	   return 1
	`)

	// luaDequeue is the Lua script used to pop the oldest job off a queue.
	// Normal priority jobs drain before low priority ones. Popping removes
	// the id from the dedup set so the id can be enqueued again.
	//
	// KEYS: dedup set, payload hash, pending list, low priority list
	luaDequeue = redis.NewScript(`
	   local id = redis.call("LPOP", KEYS[3])
	   if not id then
	      id = redis.call("LPOP", KEYS[4])
	   end
	   if not id then
	      return false
	   end
	   local payload = redis.call("HGET", KEYS[2], id)
	   redis.call("HDEL", KEYS[2], id)
	   redis.call("SREM", KEYS[1], id)
	   return payload
	`)
)
