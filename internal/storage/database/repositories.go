package database

import (
	"context"
	"fmt"
	"time"

	"governance-gateway/internal/platform/config"
	"governance-gateway/internal/platform/logger"
	"governance-gateway/internal/storage/database/account"
	"governance-gateway/internal/storage/database/governance"
	"governance-gateway/internal/storage/memory"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

// Repositories 倉儲集合.
type Repositories struct {
	Accounts account.Repository
	Counters governance.CounterRepository
}

// NewRepositories 依配置的驅動創建倉儲集合.
func NewRepositories(ctx context.Context, cfg *config.Config, db *mongo.Database) (*Repositories, error) {
	switch cfg.Database.Driver {
	case config.DriverMemory:
		logger.Warning(ctx, "使用記憶體存儲，重啟後資料會遺失（僅開發環境）")
		return NewMemoryRepositories(), nil
	case config.DriverMongo:
		if db == nil {
			return nil, fmt.Errorf("MongoDB 尚未連接")
		}

		// 創建索引；唯一索引是計數器原子性的前提，失敗時不啟動
		indexCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := account.CreateIndexes(indexCtx, db); err != nil {
			return nil, fmt.Errorf("創建使用者索引失敗: %w", err)
		}
		if err := governance.CreateIndexes(indexCtx, db); err != nil {
			return nil, fmt.Errorf("創建計數器索引失敗: %w", err)
		}

		return &Repositories{
			Accounts: account.NewStore(db),
			Counters: governance.NewStore(db),
		}, nil
	default:
		return nil, fmt.Errorf("不支援的資料庫驅動: %s", cfg.Database.Driver)
	}
}

// NewMemoryRepositories 創建記憶體倉儲集合.
func NewMemoryRepositories() *Repositories {
	return &Repositories{
		Accounts: memory.NewAccountStore(),
		Counters: memory.NewCounterStore(),
	}
}
