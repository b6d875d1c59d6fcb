// Package violation counts moderation violations per (chat, sender) in
// Redis. Each pair is a hash and every chat keeps an index set of its
// senders so the chat can be listed and reset:
//
//	violation:{<chat>}:<sender>  hash  count, last_at (unix ms)
//	violation:{<chat>}:index     set   sender ids
//
// The braces form a cluster hash tag, so a chat's keys live in one slot and
// the Lua scripts below can touch all of them.
package violation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix is the Redis key prefix for violation records.
const KeyPrefix = "violation:"

// recordLua increments the pair's counter, stamps it and indexes the
// sender in one step.
//
// KEYS[1] = record hash, KEYS[2] = chat index
// ARGV[1] = sender id, ARGV[2] = now (unix ms)
const recordLua = `
local n = redis.call('HINCRBY', KEYS[1], 'count', 1)
redis.call('HSET', KEYS[1], 'last_at', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[1])
return n
`

// resetChatLua deletes every record indexed for a chat, then the index.
//
// KEYS[1] = chat index
// ARGV[1] = record key prefix for the chat
const resetChatLua = `
local senders = redis.call('SMEMBERS', KEYS[1])
for _, s in ipairs(senders) do
	redis.call('DEL', ARGV[1] .. s)
end
redis.call('DEL', KEYS[1])
return #senders
`

// Record is the violation state of one sender in one chat.
type Record struct {
	SenderID string
	Count    int64
	LastAt   time.Time
}

// Tracker manages violation records.
type Tracker struct {
	rdb          *redis.Client
	recordScript *redis.Script
	resetScript  *redis.Script
	now          func() time.Time
}

// NewTracker creates a tracker backed by rdb.
func NewTracker(rdb *redis.Client) *Tracker {
	return &Tracker{
		rdb:          rdb,
		recordScript: redis.NewScript(recordLua),
		resetScript:  redis.NewScript(resetChatLua),
		now:          time.Now,
	}
}

func chatPrefix(chatID string) string {
	return KeyPrefix + "{" + chatID + "}:"
}

func recordKey(chatID, senderID string) string {
	return chatPrefix(chatID) + senderID
}

func indexKey(chatID string) string {
	return chatPrefix(chatID) + "index"
}

// RecordViolation adds one violation for the pair and returns the new
// count. Concurrent calls for the same pair never lose an increment.
func (t *Tracker) RecordViolation(ctx context.Context, chatID, senderID string) (int64, error) {
	n, err := t.recordScript.Run(ctx, t.rdb,
		[]string{recordKey(chatID, senderID), indexKey(chatID)},
		senderID, t.now().UnixMilli(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("violation: record: %w", err)
	}
	return n, nil
}

// Get returns the pair's record. ok is false when none exists.
func (t *Tracker) Get(ctx context.Context, chatID, senderID string) (Record, bool, error) {
	fields, err := t.rdb.HGetAll(ctx, recordKey(chatID, senderID)).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("violation: get: %w", err)
	}
	if len(fields) == 0 {
		return Record{}, false, nil
	}
	return parseRecord(senderID, fields), true, nil
}

// List returns every record of a chat, highest count first.
func (t *Tracker) List(ctx context.Context, chatID string) ([]Record, error) {
	senders, err := t.rdb.SMembers(ctx, indexKey(chatID)).Result()
	if err != nil {
		return nil, fmt.Errorf("violation: list: %w", err)
	}
	if len(senders) == 0 {
		return nil, nil
	}

	pipe := t.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(senders))
	for i, s := range senders {
		cmds[i] = pipe.HGetAll(ctx, recordKey(chatID, s))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("violation: list: %w", err)
	}

	records := make([]Record, 0, len(senders))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		records = append(records, parseRecord(senders[i], fields))
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Count != records[j].Count {
			return records[i].Count > records[j].Count
		}
		return records[i].SenderID < records[j].SenderID
	})
	return records, nil
}

// ResetSender deletes the pair's record. Resetting an absent record is not
// an error.
func (t *Tracker) ResetSender(ctx context.Context, chatID, senderID string) error {
	_, err := t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, recordKey(chatID, senderID))
		pipe.SRem(ctx, indexKey(chatID), senderID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("violation: reset sender: %w", err)
	}
	return nil
}

// ResetChat deletes every record of a chat and returns how many senders
// were cleared.
func (t *Tracker) ResetChat(ctx context.Context, chatID string) (int, error) {
	n, err := t.resetScript.Run(ctx, t.rdb,
		[]string{indexKey(chatID)},
		chatPrefix(chatID),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("violation: reset chat: %w", err)
	}
	return n, nil
}

func parseRecord(senderID string, fields map[string]string) Record {
	count, _ := strconv.ParseInt(fields["count"], 10, 64)
	lastAt, _ := strconv.ParseInt(fields["last_at"], 10, 64)
	r := Record{SenderID: senderID, Count: count}
	if lastAt > 0 {
		r.LastAt = time.UnixMilli(lastAt)
	}
	return r
}
