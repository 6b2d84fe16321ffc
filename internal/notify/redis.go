package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher fans events out over Redis pub/sub, one channel per campaign.
// Dashboards subscribe to campaign:<id>:events.
type RedisPublisher struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, prefix: "campaign:"}
}

// Channel returns the pub/sub channel for a campaign.
func (p *RedisPublisher) Channel(campaignID string) string {
	return p.prefix + campaignID + ":events"
}

func (p *RedisPublisher) Publish(ctx context.Context, campaignID string, e Event) error {
	if p.rdb == nil {
		return fmt.Errorf("redis client is nil")
	}
	if campaignID == "" {
		return fmt.Errorf("campaign_id is required")
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.rdb.Publish(ctx, p.Channel(campaignID), payload).Err()
}
