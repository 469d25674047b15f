package gateway

import (
	"fmt"

	"governance-gateway/internal/credential"
	"governance-gateway/internal/platform/metrics"
	"governance-gateway/internal/provider"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ClientFactory 依金鑰建立補全客戶端
type ClientFactory func(apiKey string) provider.Completer

type cachedClient struct {
	client      provider.Completer
	fingerprint string
}

// ClientCache 每位使用者一個補全客戶端的 LRU 快取
// 命中時比對金鑰指紋，金鑰變更後不會沿用舊客戶端.
type ClientCache struct {
	cache   *lru.Cache[string, cachedClient]
	factory ClientFactory
}

// NewClientCache 創建客戶端快取
func NewClientCache(size int, factory ClientFactory) (*ClientCache, error) {
	if size <= 0 {
		size = 512
	}
	cache, err := lru.New[string, cachedClient](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create client cache: %w", err)
	}
	return &ClientCache{cache: cache, factory: factory}, nil
}

// Get 取得或建立使用者的客戶端
func (c *ClientCache) Get(userID string, res *credential.Resolution) provider.Completer {
	fp := res.Fingerprint()
	if entry, ok := c.cache.Get(userID); ok && entry.fingerprint == fp {
		metrics.CacheLookups.WithLabelValues("client", "hit").Inc()
		return entry.client
	}
	metrics.CacheLookups.WithLabelValues("client", "miss").Inc()

	client := c.factory(res.Key)
	c.cache.Add(userID, cachedClient{client: client, fingerprint: fp})
	return client
}

// Invalidate 移除使用者的客戶端；userID 為空時全部清除
func (c *ClientCache) Invalidate(userID string) {
	if userID == "" {
		c.cache.Purge()
		return
	}
	c.cache.Remove(userID)
}

// Len 目前快取數量
func (c *ClientCache) Len() int {
	return c.cache.Len()
}
