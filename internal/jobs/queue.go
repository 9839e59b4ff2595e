package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// promoteBatch сколько отложенных задач переносится за один проход
const promoteBatch = 100

// Queue именованная очередь в Redis: список готовых задач, ZSET отложенных и список "мертвых"
type Queue struct {
	client *redis.Client
	name   string
}

// NewQueue создает очередь с заданным именем
func NewQueue(client *redis.Client, name string) *Queue {
	return &Queue{client: client, name: name}
}

func (q *Queue) readyKey() string   { return "jobs:" + q.name }
func (q *Queue) delayedKey() string { return "jobs:" + q.name + ":delayed" }
func (q *Queue) deadKey() string    { return "jobs:" + q.name + ":dead" }

// Enqueue ставит задачу в конец очереди
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.RPush(ctx, q.readyKey(), payload).Err()
}

// EnqueueAt откладывает задачу до момента at
func (q *Queue) EnqueueAt(ctx context.Context, job *Job, at time.Time) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, q.delayedKey(), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: payload,
	}).Err()
}

// Dequeue ждет задачу не дольше timeout; nil без ошибки, если очередь пуста
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, q.readyKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

// promoteScript переносит задачу из ZSET в список одной атомарной операцией
var promoteScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
	redis.call('RPUSH', KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// PromoteDue переносит наступившие отложенные задачи в очередь готовых.
// Перенос выигрывает только один процесс, поэтому задача не дублируется и не теряется.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return 0, err
	}

	keys := []string{q.delayedKey(), q.readyKey()}
	promoted := 0
	for _, payload := range due {
		moved, err := promoteScript.Run(ctx, q.client, keys, payload).Int()
		if err != nil {
			return promoted, err
		}
		promoted += moved
	}
	return promoted, nil
}

// Bury переносит задачу в список "мертвых" для ручного разбора
func (q *Queue) Bury(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.RPush(ctx, q.deadKey(), payload).Err()
}

// Stats размеры очереди: готовые, отложенные, мертвые
func (q *Queue) Stats(ctx context.Context) (ready, delayed, dead int64, err error) {
	if ready, err = q.client.LLen(ctx, q.readyKey()).Result(); err != nil {
		return
	}
	if delayed, err = q.client.ZCard(ctx, q.delayedKey()).Result(); err != nil {
		return
	}
	dead, err = q.client.LLen(ctx, q.deadKey()).Result()
	return
}
