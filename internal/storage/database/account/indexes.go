package account

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// CreateIndexes 創建使用者集合索引
func CreateIndexes(ctx context.Context, db *mongo.Database) error {
	users := db.Collection(CollectionUsers)

	// 1. 使用者 ID 唯一索引
	userIDIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetName("user_id_unique").SetUnique(true),
	}

	// 2. email 唯一索引（只對有 email 的文件生效）
	emailIndex := mongo.IndexModel{
		Keys: bson.D{{Key: "email", Value: 1}},
		Options: options.Index().
			SetName("email_unique").
			SetUnique(true).
			SetPartialFilterExpression(bson.M{"email": bson.M{"$type": "string"}}),
	}

	// 3. 覆寫狀態索引（管理員列表用）
	overrideIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "admin_override.is_active", Value: 1}},
		Options: options.Index().SetName("override_active_idx"),
	}

	_, err := users.Indexes().CreateMany(ctx, []mongo.IndexModel{userIDIndex, emailIndex, overrideIndex})
	return err
}
