package sequence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"impact-donations/pkg/rediskey"

	"github.com/gosimple/slug"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence",
	fx.Provide(NewRedisGenerator),
)

type Generator interface {
	// NextReceiptNumber returns DON-yymmdd-XXX.
	NextReceiptNumber(ctx context.Context) (string, error)
	// NextBatchCode returns a code like BAT-<campaign-slug>-yymmdd-XXX.
	NextBatchCode(ctx context.Context, campaignCode string) (string, error)
}

type RedisGenerator struct {
	rdb *redis.Client
	now func() time.Time
}

type Params struct {
	fx.In

	Redis *redis.Client
}

func NewRedisGenerator(p Params) Generator {
	return &RedisGenerator{
		rdb: p.Redis,
		now: time.Now,
	}
}

func (g *RedisGenerator) NextReceiptNumber(ctx context.Context) (string, error) {
	return g.nextDailyCode(ctx, rediskey.ReceiptPrefix, "global", "")
}

func (g *RedisGenerator) NextBatchCode(ctx context.Context, campaignCode string) (string, error) {
	scope := slug.Make(campaignCode)
	if scope == "" {
		scope = "general"
	}
	return g.nextDailyCode(ctx, rediskey.BatchPrefix, scope, strings.ToUpper(scope))
}

func (g *RedisGenerator) nextDailyCode(ctx context.Context, prefix, scope, label string) (string, error) {
	today := g.now().UTC().Format("060102")
	key := rediskey.BuildDailySequenceKey(prefix, scope, today)

	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", err
	}

	if seq == 1 {
		_ = g.rdb.Expire(ctx, key, 48*time.Hour).Err()
	}

	return Format(prefix, label, today, seq), nil
}

// Format renders a daily sequence value; seq is base36 encoded and padded to
// three characters.
func Format(prefix, label, day string, seq int64) string {
	encoded := strings.ToUpper(strconv.FormatInt(seq, 36))
	if len(encoded) < 3 {
		encoded = strings.Repeat("0", 3-len(encoded)) + encoded
	}
	if label == "" {
		return fmt.Sprintf("%s-%s-%s", prefix, day, encoded)
	}
	return fmt.Sprintf("%s-%s-%s-%s", prefix, label, day, encoded)
}
