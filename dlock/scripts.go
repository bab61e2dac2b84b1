package dlock

import "github.com/redis/go-redis/v9"

var (
	// luaRelease is the Lua script used to release a lock. It deletes the
	// lock key only if it still holds the caller's token so an expired lock
	// reacquired by another caller is never released by mistake.
	luaRelease = redis.NewScript(`
	   if redis.call("GET", KEYS[1]) == ARGV[1] then
	      return redis.call("DEL", KEYS[1])
	   end
	   return 0
	`)
)
