// Package pagecache は公開ページのページデータをキャッシュする。
// キャッシュはパス単位で無効化され、1つのパスは複数のバリアント
// （ページ番号などのクエリ違い）を持つことができる。
package pagecache

import (
	"context"
	"sync"
	"time"
)

// Cache はページデータキャッシュのインターフェース。
// Getはキャッシュミスの場合にfalseを返す。
type Cache interface {
	Get(ctx context.Context, path, variant string) ([]byte, bool, error)
	Set(ctx context.Context, path, variant string, data []byte) error
	Invalidate(ctx context.Context, path string) error
}

// MemoryCache はプロセス内でページデータを保持するCache実装。
// REDIS_URLが未設定の場合に使用する。
type MemoryCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	pages map[string]map[string]memEntry
	now   func() time.Time
}

type memEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewMemoryCache は指定したTTLでMemoryCacheを生成する。
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:   ttl,
		pages: make(map[string]map[string]memEntry),
		now:   time.Now,
	}
}

// Get はキャッシュされたページデータを返す。期限切れのエントリは削除する。
func (m *MemoryCache) Get(_ context.Context, path, variant string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	variants, ok := m.pages[path]
	if !ok {
		return nil, false, nil
	}
	e, ok := variants[variant]
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(e.expiresAt) {
		delete(variants, variant)
		if len(variants) == 0 {
			delete(m.pages, path)
		}
		return nil, false, nil
	}
	return e.data, true, nil
}

// Set はページデータを保存する。
func (m *MemoryCache) Set(_ context.Context, path, variant string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	variants, ok := m.pages[path]
	if !ok {
		variants = make(map[string]memEntry)
		m.pages[path] = variants
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	variants[variant] = memEntry{data: buf, expiresAt: m.now().Add(m.ttl)}
	return nil
}

// Invalidate はパスに属する全バリアントを削除する。
func (m *MemoryCache) Invalidate(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.pages, path)
	return nil
}
