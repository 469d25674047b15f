package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Store MongoDB 使用者文件存儲實作
type Store struct {
	collection *mongo.Collection
}

// NewStore 創建使用者文件存儲
func NewStore(db *mongo.Database) *Store {
	return &Store{
		collection: db.Collection(CollectionUsers),
	}
}

var _ Repository = (*Store)(nil)

// UpsertProfile 建立或更新使用者基本資料
func (s *Store) UpsertProfile(ctx context.Context, userID, email string) error {
	now := time.Now().UTC()
	set := bson.M{"updated_at": now}
	if email != "" {
		set["email"] = email
	}

	_, err := s.collection.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{
			"$set":         set,
			"$setOnInsert": bson.M{"created_at": now, "usage_version": int64(0)},
		},
		options.UpdateOne().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		return ErrEmailTaken
	}
	return err
}

// SetRole 設定訂閱等級
func (s *Store) SetRole(ctx context.Context, userID, role string) error {
	now := time.Now().UTC()
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{
			"$set":         bson.M{"role": role, "updated_at": now},
			"$setOnInsert": bson.M{"created_at": now, "usage_version": int64(0)},
		},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

// GetRole 取得訂閱等級，使用者不存在時回傳空字串
func (s *Store) GetRole(ctx context.Context, userID string) (string, error) {
	var doc struct {
		Role string `bson:"role"`
	}
	err := s.collection.FindOne(ctx,
		bson.M{"user_id": userID},
		options.FindOne().SetProjection(bson.M{"role": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return doc.Role, nil
}

// SaveCredential 以單次更新整筆取代憑證（ciphertext 與 salt 一起寫入）
func (s *Store) SaveCredential(ctx context.Context, userID string, rec *CredentialRecord) error {
	if rec == nil || rec.Ciphertext == "" || len(rec.Salt) == 0 {
		return fmt.Errorf("credential record requires ciphertext and salt")
	}
	now := time.Now().UTC()
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{
			"$set":         bson.M{"api_credential": rec, "updated_at": now},
			"$setOnInsert": bson.M{"created_at": now, "usage_version": int64(0)},
		},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

// GetCredentialState 一次讀取憑證與覆寫
func (s *Store) GetCredentialState(ctx context.Context, userID string) (*CredentialState, error) {
	var doc UserAccount
	err := s.collection.FindOne(ctx,
		bson.M{"user_id": userID},
		options.FindOne().SetProjection(bson.M{"api_credential": 1, "admin_override": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &CredentialState{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &CredentialState{Credential: doc.APICredential, Override: doc.AdminOverride}, nil
}

// DeleteCredential 硬刪除憑證（不留墓碑）
func (s *Store) DeleteCredential(ctx context.Context, userID string) (bool, error) {
	result, err := s.collection.UpdateOne(ctx,
		bson.M{"user_id": userID, "api_credential": bson.M{"$exists": true}},
		bson.M{
			"$unset": bson.M{"api_credential": ""},
			"$set":   bson.M{"updated_at": time.Now().UTC()},
		},
	)
	if err != nil {
		return false, err
	}
	return result.ModifiedCount > 0, nil
}

// UpdateCredentialStatus 更新驗證狀態
func (s *Store) UpdateCredentialStatus(ctx context.Context, userID string, isValid bool, validatedAt time.Time) error {
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"user_id": userID, "api_credential": bson.M{"$exists": true}},
		bson.M{"$set": bson.M{
			"api_credential.is_valid":          isValid,
			"api_credential.last_validated_at": validatedAt.UTC(),
			"updated_at":                       time.Now().UTC(),
		}},
	)
	return err
}

// SaveOverride 取代覆寫記錄（每位使用者只有一筆）
func (s *Store) SaveOverride(ctx context.Context, userID string, override *OverrideRecord) error {
	now := time.Now().UTC()
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{
			"$set":         bson.M{"admin_override": override, "updated_at": now},
			"$setOnInsert": bson.M{"created_at": now, "usage_version": int64(0)},
		},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

// DeleteOverride 移除覆寫
func (s *Store) DeleteOverride(ctx context.Context, userID string) (bool, error) {
	result, err := s.collection.UpdateOne(ctx,
		bson.M{"user_id": userID, "admin_override": bson.M{"$exists": true}},
		bson.M{
			"$unset": bson.M{"admin_override": ""},
			"$set":   bson.M{"updated_at": time.Now().UTC()},
		},
	)
	if err != nil {
		return false, err
	}
	return result.ModifiedCount > 0, nil
}

// AppendUsageEvent 追加用量事件並遞增版本
func (s *Store) AppendUsageEvent(ctx context.Context, userID string, event UsageEvent) error {
	now := time.Now().UTC()
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{
			"$push":        bson.M{"usage_events": event},
			"$inc":         bson.M{"usage_version": int64(1)},
			"$set":         bson.M{"updated_at": now},
			"$setOnInsert": bson.M{"created_at": now},
		},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

// LoadUsage 讀取全部事件與目前版本
func (s *Store) LoadUsage(ctx context.Context, userID string) (*UsageSnapshot, error) {
	var doc UserAccount
	err := s.collection.FindOne(ctx,
		bson.M{"user_id": userID},
		options.FindOne().SetProjection(bson.M{"usage_events": 1, "usage_version": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &UsageSnapshot{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &UsageSnapshot{Events: doc.UsageEvents, Version: doc.UsageVersion}, nil
}

// SaveRollups 只有在版本未變時寫入彙總，回傳是否寫入
func (s *Store) SaveRollups(ctx context.Context, userID string, rollups *RollupSet, version int64) (bool, error) {
	result, err := s.collection.UpdateOne(ctx,
		bson.M{"user_id": userID, "usage_version": version},
		bson.M{"$set": bson.M{"rollups": rollups}},
	)
	if err != nil {
		return false, err
	}
	return result.MatchedCount > 0, nil
}

// GetRollups 讀取彙總，尚無資料時回傳 nil
func (s *Store) GetRollups(ctx context.Context, userID string) (*RollupSet, error) {
	var doc UserAccount
	err := s.collection.FindOne(ctx,
		bson.M{"user_id": userID},
		options.FindOne().SetProjection(bson.M{"rollups": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.Rollups, nil
}

// ListSummaries 列出所有使用者摘要
// 投影排除密文、salt 與事件，管理員檢視不需要也不應取得.
func (s *Store) ListSummaries(ctx context.Context) ([]*Summary, error) {
	projection := bson.M{
		"user_id":                          1,
		"email":                            1,
		"role":                             1,
		"api_credential.is_valid":          1,
		"api_credential.last_validated_at": 1,
		"api_credential.added_at":          1,
		"api_credential.source":            1,
		"admin_override":                   1,
		"rollups.monthly":                  1,
		"updated_at":                       1,
	}

	cursor, err := s.collection.Find(ctx, bson.M{},
		options.Find().SetProjection(projection).SetSort(bson.D{{Key: "user_id", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var summaries []*Summary
	for cursor.Next(ctx) {
		var doc UserAccount
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		summary := &Summary{
			UserID:     doc.UserID,
			Email:      doc.Email,
			Role:       doc.Role,
			Credential: doc.APICredential,
			Override:   doc.AdminOverride,
			UpdatedAt:  doc.UpdatedAt,
		}
		if doc.Rollups != nil {
			summary.Monthly = doc.Rollups.Monthly
		}
		summaries = append(summaries, summary)
	}
	return summaries, cursor.Err()
}

// ListUsage 列出所有使用者的事件與彙總（匯出用）
func (s *Store) ListUsage(ctx context.Context) ([]*UserUsage, error) {
	cursor, err := s.collection.Find(ctx, bson.M{},
		options.Find().
			SetProjection(bson.M{"user_id": 1, "email": 1, "usage_events": 1, "rollups": 1}).
			SetSort(bson.D{{Key: "user_id", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var usages []*UserUsage
	for cursor.Next(ctx) {
		var doc UserAccount
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		usages = append(usages, &UserUsage{
			UserID:  doc.UserID,
			Email:   doc.Email,
			Events:  doc.UsageEvents,
			Rollups: doc.Rollups,
		})
	}
	return usages, cursor.Err()
}
