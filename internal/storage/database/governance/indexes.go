package governance

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// expiredCounterRetentionSeconds 過期計數器保留時間，之後由 TTL 索引刪除.
const expiredCounterRetentionSeconds = 3600

// CreateIndexes 創建計數器集合索引
func CreateIndexes(ctx context.Context, db *mongo.Database) error {
	rateLimits := db.Collection(CollectionRateLimits)

	// 1. 使用者 + 端點唯一索引（一個有效時間窗）
	userEndpointIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "endpoint", Value: 1}},
		Options: options.Index().SetName("user_endpoint_unique").SetUnique(true),
	}

	// 2. 過期計數器 TTL
	resetTTLIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "reset_time", Value: 1}},
		Options: options.Index().SetName("reset_time_ttl").SetExpireAfterSeconds(expiredCounterRetentionSeconds),
	}

	if _, err := rateLimits.Indexes().CreateMany(ctx, []mongo.IndexModel{userEndpointIndex, resetTTLIndex}); err != nil {
		return err
	}

	// 配額集合：使用者唯一索引
	quotaIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetName("quota_user_unique").SetUnique(true),
	}
	_, err := db.Collection(CollectionQuotas).Indexes().CreateOne(ctx, quotaIndex)
	return err
}
