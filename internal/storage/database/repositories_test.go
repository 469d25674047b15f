package database

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"governance-gateway/internal/platform/config"
	"governance-gateway/internal/storage/database/account"
	"governance-gateway/internal/storage/database/governance"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func TestNewRepositories_Drivers(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		driver  string
		wantErr bool
	}{
		{"記憶體", config.DriverMemory, false},
		{"MongoDB 未連接", config.DriverMongo, true},
		{"未知驅動", "sqlite", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Database: config.DatabaseConfig{Driver: tt.driver}}
			repos, err := NewRepositories(ctx, cfg, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && (repos.Accounts == nil || repos.Counters == nil) {
				t.Error("倉儲集合不完整")
			}
		})
	}
}

// mongoTestRepositories 連接 MONGO_TEST_URL 指定的實例，使用一次性資料庫
func mongoTestRepositories(t *testing.T) *Repositories {
	t.Helper()
	url := os.Getenv("MONGO_TEST_URL")
	if url == "" {
		t.Skip("MONGO_TEST_URL 未設定，跳過 MongoDB 測試")
	}

	client, err := mongo.Connect(options.Client().ApplyURI(url))
	if err != nil {
		t.Fatalf("連接 MongoDB 失敗: %v", err)
	}
	db := client.Database("governance_test_" + uuid.New().String()[:8])
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = db.Drop(ctx)
		_ = client.Disconnect(ctx)
	})

	cfg := &config.Config{Database: config.DatabaseConfig{Driver: config.DriverMongo}}
	repos, err := NewRepositories(context.Background(), cfg, db)
	if err != nil {
		t.Fatalf("NewRepositories 失敗: %v", err)
	}
	return repos
}

func TestMongo_IncrementRequestIsAtomic(t *testing.T) {
	repos := mongoTestRepositories(t)
	ctx := context.Background()
	now := time.Now().UTC()

	const (
		limit   = 5
		callers = 20
	)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := repos.Counters.IncrementRequest(ctx, "u1", "/api/v1/completions", limit, time.Minute, now)
			if err != nil {
				t.Errorf("IncrementRequest 失敗: %v", err)
				return
			}
			if out.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != limit {
		t.Errorf("allowed = %d, want %d", allowed, limit)
	}
}

func TestMongo_ReserveTokensNeverExceedsLimit(t *testing.T) {
	repos := mongoTestRepositories(t)
	ctx := context.Background()
	now := time.Now().UTC()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := repos.Counters.ReserveTokens(ctx, governance.ReserveRequest{
				UserID:       "u1",
				Role:         "free",
				Amount:       30,
				DailyLimit:   100,
				MonthlyLimit: 1000,
				Now:          now,
			})
			if err != nil {
				t.Errorf("ReserveTokens 失敗: %v", err)
				return
			}
			if out.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 3 {
		t.Errorf("allowed = %d, want 3", allowed)
	}
	rec, err := repos.Counters.GetQuota(ctx, "u1", now)
	if err != nil || rec == nil || rec.DailyTokens != 90 {
		t.Errorf("quota = %+v, err = %v", rec, err)
	}
}

func TestMongo_CredentialLifecycle(t *testing.T) {
	repos := mongoTestRepositories(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	rec := &account.CredentialRecord{
		Ciphertext:    "aes256cbc:AAAA",
		IntegrityHash: "abc",
		Salt:          []byte("0123456789abcdef0123456789abcdef"),
		IsValid:       true,
		AddedAt:       now,
		Source:        "user",
	}
	if err := repos.Accounts.SaveCredential(ctx, "u1", rec); err != nil {
		t.Fatalf("SaveCredential 失敗: %v", err)
	}

	state, err := repos.Accounts.GetCredentialState(ctx, "u1")
	if err != nil || state.Credential == nil {
		t.Fatalf("GetCredentialState: %+v %v", state, err)
	}
	if state.Credential.Ciphertext != rec.Ciphertext || !state.Credential.AddedAt.Equal(now) {
		t.Errorf("credential = %+v", state.Credential)
	}

	removed, err := repos.Accounts.DeleteCredential(ctx, "u1")
	if err != nil || !removed {
		t.Fatalf("DeleteCredential: %v %v", removed, err)
	}
	state, _ = repos.Accounts.GetCredentialState(ctx, "u1")
	if state != nil && state.Credential != nil {
		t.Error("刪除後仍有憑證")
	}
}

func TestMongo_ReleaseTokens(t *testing.T) {
	repos := mongoTestRepositories(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	out, err := repos.Counters.ReserveTokens(ctx, governance.ReserveRequest{
		UserID: "u1", Role: "free", Amount: 400, DailyLimit: 1000, MonthlyLimit: 5000, Now: now,
	})
	if err != nil || !out.Allowed {
		t.Fatalf("ReserveTokens: %+v %v", out, err)
	}

	// 超過已用量的歸還不生效
	if err := repos.Counters.ReleaseTokens(ctx, "u1", 900, now); err != nil {
		t.Fatalf("ReleaseTokens 失敗: %v", err)
	}
	if err := repos.Counters.ReleaseTokens(ctx, "u1", 400, now); err != nil {
		t.Fatalf("ReleaseTokens 失敗: %v", err)
	}
	rec, err := repos.Counters.GetQuota(ctx, "u1", now)
	if err != nil || rec == nil || rec.DailyTokens != 0 || rec.MonthlyTokens != 0 {
		t.Errorf("quota = %+v, err = %v", rec, err)
	}
}
