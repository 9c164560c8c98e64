package store

import "github.com/redis/go-redis/v9"

// These three scripts are the only permitted way to cross the queue/metadata
// boundary. Each one is evaluated atomically by Redis, so
// a partial failure can never leave a player queued without metadata or vice
// versa.
//
// Keys/ARGV contracts:
//
//	ENQUEUE    KEYS=[queue:<mode>]  ARGV=[player_id, timestamp, metadata_json]
//	DEQUEUE    KEYS=[queue:<mode>]  ARGV=[player_id]
//	POP_BATCH  KEYS=[queue:<mode>]  ARGV=[batch_size]
var (
	enqueueScript = redis.NewScript(`
		local queueKey = KEYS[1]
		local playerID = ARGV[1]
		local score = tonumber(ARGV[2])
		local metadataJSON = ARGV[3]

		if metadataJSON == nil or metadataJSON == "" or metadataJSON == "{}" then
			return redis.error_reply("metadata must not be empty")
		end

		local existing = redis.call("ZSCORE", queueKey, playerID)
		if existing then
			return {0, redis.call("ZCARD", queueKey)}
		end

		redis.call("ZADD", queueKey, score, playerID)
		redis.call("SET", "metadata:" .. playerID, metadataJSON)
		return {1, redis.call("ZCARD", queueKey)}
	`)

	dequeueScript = redis.NewScript(`
		local queueKey = KEYS[1]
		local playerID = ARGV[1]
		local metadataKey = "metadata:" .. playerID

		local removed = redis.call("ZREM", queueKey, playerID)
		local metadataJSON = redis.call("GET", metadataKey) or "{}"
		redis.call("DEL", metadataKey)

		return {removed, redis.call("ZCARD", queueKey), metadataJSON}
	`)

	popBatchScript = redis.NewScript(`
		local queueKey = KEYS[1]
		local batchSize = tonumber(ARGV[1])

		if batchSize == nil or batchSize <= 0 then
			return {}
		end

		local popped = redis.call("ZPOPMIN", queueKey, batchSize)
		local result = {}
		local i = 1
		while popped[i] do
			local playerID = popped[i]
			local score = popped[i + 1]
			local metadataKey = "metadata:" .. playerID
			local metadataJSON = redis.call("GET", metadataKey) or "{}"
			redis.call("DEL", metadataKey)

			result[#result + 1] = playerID
			result[#result + 1] = score
			result[#result + 1] = metadataJSON
			i = i + 2
		end
		return result
	`)
)
