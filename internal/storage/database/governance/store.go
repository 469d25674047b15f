package governance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Store MongoDB 計數器存儲實作
type Store struct {
	rateLimits *mongo.Collection
	quotas     *mongo.Collection
}

// NewStore 創建計數器存儲
func NewStore(db *mongo.Database) *Store {
	return &Store{
		rateLimits: db.Collection(CollectionRateLimits),
		quotas:     db.Collection(CollectionQuotas),
	}
}

var _ CounterRepository = (*Store)(nil)

// IncrementRequest 佔用請求名額
// 先嘗試在有效且未滿的時間窗內 $inc；失敗時以過期條件取代舊計數器，
// 若取代時撞到唯一索引，代表有效時間窗已存在（已滿或剛被他人建立）.
func (s *Store) IncrementRequest(ctx context.Context, userID, endpoint string, limit int, window time.Duration, now time.Time) (*RateOutcome, error) {
	// BSON 日期只有毫秒精度，window_start 需與歸還時的條件一致
	now = now.UTC().Truncate(time.Millisecond)

	for attempt := 0; attempt < 2; attempt++ {
		counter, err := s.incrementLive(ctx, userID, endpoint, limit, now)
		if err != nil {
			return nil, err
		}
		if counter != nil {
			return &RateOutcome{Allowed: true, Counter: *counter}, nil
		}

		fresh := RateCounter{
			UserID:      userID,
			Endpoint:    endpoint,
			Requests:    1,
			WindowStart: now,
			ResetTime:   now.Add(window),
		}
		_, err = s.rateLimits.ReplaceOne(ctx,
			bson.M{"user_id": userID, "endpoint": endpoint, "reset_time": bson.M{"$lt": now}},
			fresh,
			options.Replace().SetUpsert(true),
		)
		if err == nil {
			return &RateOutcome{Allowed: true, Counter: fresh}, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("failed to open rate window: %w", err)
		}
	}

	// 有效時間窗已滿
	var current RateCounter
	err := s.rateLimits.FindOne(ctx, bson.M{"user_id": userID, "endpoint": endpoint}).Decode(&current)
	if err != nil {
		return nil, fmt.Errorf("failed to read rate window: %w", err)
	}
	return &RateOutcome{Allowed: false, Counter: current}, nil
}

// incrementLive 在有效且未滿的時間窗內遞增，沒有符合的文件時回傳 nil
func (s *Store) incrementLive(ctx context.Context, userID, endpoint string, limit int, now time.Time) (*RateCounter, error) {
	var counter RateCounter
	err := s.rateLimits.FindOneAndUpdate(ctx,
		bson.M{
			"user_id":    userID,
			"endpoint":   endpoint,
			"reset_time": bson.M{"$gte": now},
			"requests":   bson.M{"$lt": limit},
		},
		bson.M{"$inc": bson.M{"requests": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&counter)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to increment rate window: %w", err)
	}
	return &counter, nil
}

// ReleaseRequest 歸還名額
func (s *Store) ReleaseRequest(ctx context.Context, userID, endpoint string, windowStart time.Time) error {
	_, err := s.rateLimits.UpdateOne(ctx,
		bson.M{
			"user_id":      userID,
			"endpoint":     endpoint,
			"window_start": windowStart.UTC().Truncate(time.Millisecond),
			"requests":     bson.M{"$gt": 0},
		},
		bson.M{"$inc": bson.M{"requests": -1}},
	)
	return err
}

// ReserveTokens 預留 token
func (s *Store) ReserveTokens(ctx context.Context, req ReserveRequest) (*QuotaOutcome, error) {
	now := req.Now.UTC()

	if err := s.ensureQuota(ctx, req.UserID, req.Role, now); err != nil {
		return nil, err
	}
	if err := s.resetExpired(ctx, req.UserID, now); err != nil {
		return nil, err
	}

	var record QuotaRecord
	err := s.quotas.FindOneAndUpdate(ctx,
		bson.M{
			"user_id":        req.UserID,
			"daily_tokens":   bson.M{"$lte": req.DailyLimit - req.Amount},
			"monthly_tokens": bson.M{"$lte": req.MonthlyLimit - req.Amount},
		},
		bson.M{
			"$inc": bson.M{"daily_tokens": req.Amount, "monthly_tokens": req.Amount},
			"$set": bson.M{"updated_at": now},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&record)
	if err == nil {
		return &QuotaOutcome{Allowed: true, Record: record}, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("failed to reserve tokens: %w", err)
	}

	// 超限：標記並回傳目前用量
	err = s.quotas.FindOneAndUpdate(ctx,
		bson.M{"user_id": req.UserID},
		bson.M{"$set": bson.M{"quota_exceeded": true, "updated_at": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&record)
	if err != nil {
		return nil, fmt.Errorf("failed to read quota: %w", err)
	}
	window := ExceededWindow(record, req.Amount, req.DailyLimit, req.MonthlyLimit)
	if window == "" {
		window = WindowDaily
	}
	return &QuotaOutcome{Allowed: false, Window: window, Record: record}, nil
}

// ReleaseTokens 歸還預留的 token
// last_reset 晚於預留時間代表期間已重置，歸還會扣到新週期，因此不更新.
func (s *Store) ReleaseTokens(ctx context.Context, userID string, amount int64, reservedAt time.Time) error {
	if amount <= 0 {
		return nil
	}
	_, err := s.quotas.UpdateOne(ctx,
		bson.M{
			"user_id":        userID,
			"last_reset":     bson.M{"$lte": reservedAt.UTC()},
			"daily_tokens":   bson.M{"$gte": amount},
			"monthly_tokens": bson.M{"$gte": amount},
		},
		bson.M{
			"$inc": bson.M{"daily_tokens": -amount, "monthly_tokens": -amount},
			"$set": bson.M{"quota_exceeded": false},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to release tokens: %w", err)
	}
	return nil
}

// ensureQuota 確保配額文件存在並同步角色
func (s *Store) ensureQuota(ctx context.Context, userID, role string, now time.Time) error {
	update := bson.M{
		"$set": bson.M{"role": role},
		"$setOnInsert": bson.M{
			"daily_tokens":   int64(0),
			"monthly_tokens": int64(0),
			"last_reset":     now,
			"quota_exceeded": false,
			"updated_at":     now,
		},
	}
	_, err := s.quotas.UpdateOne(ctx, bson.M{"user_id": userID}, update, options.UpdateOne().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// 同時建立，重試一次會命中既有文件
		_, err = s.quotas.UpdateOne(ctx, bson.M{"user_id": userID}, update)
	}
	if err != nil {
		return fmt.Errorf("failed to ensure quota record: %w", err)
	}
	return nil
}

// resetExpired 延遲重置：先月後日，各自以 last_reset 為條件只生效一次
func (s *Store) resetExpired(ctx context.Context, userID string, now time.Time) error {
	_, err := s.quotas.UpdateOne(ctx,
		bson.M{"user_id": userID, "last_reset": bson.M{"$lt": StartOfMonth(now)}},
		bson.M{"$set": bson.M{
			"daily_tokens":   int64(0),
			"monthly_tokens": int64(0),
			"last_reset":     now,
			"quota_exceeded": false,
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to reset monthly quota: %w", err)
	}

	_, err = s.quotas.UpdateOne(ctx,
		bson.M{"user_id": userID, "last_reset": bson.M{"$lt": StartOfDay(now)}},
		bson.M{"$set": bson.M{
			"daily_tokens":   int64(0),
			"last_reset":     now,
			"quota_exceeded": false,
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to reset daily quota: %w", err)
	}
	return nil
}

// GetQuota 讀取配額記錄
func (s *Store) GetQuota(ctx context.Context, userID string, now time.Time) (*QuotaRecord, error) {
	var record QuotaRecord
	err := s.quotas.FindOne(ctx, bson.M{"user_id": userID}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ApplyReset(&record, now)
	return &record, nil
}
