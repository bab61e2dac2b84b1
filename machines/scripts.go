package machines

import "github.com/redis/go-redis/v9"

var (
	// luaUpsert is the Lua script used to record a worker heartbeat. It
	// preserves the created timestamp of an existing record, overwrites the
	// information blob and refreshes the updated timestamp, atomically.
	luaUpsert = redis.NewScript(`
	   redis.call("HSETNX", KEYS[1], "created", ARGV[1])
	   redis.call("HSET", KEYS[1], "updated", ARGV[1], "information", ARGV[2])
	   return redis.call("HGET", KEYS[1], "created")
	`)
)
