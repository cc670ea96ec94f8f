package secret

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CachedProvider keeps secrets read from inner for ttl, so a config
// reload does not hit the backing store for every field.
type CachedProvider struct {
	inner Provider
	cache *gocache.Cache
}

func NewCachedProvider(inner Provider, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		inner: inner,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func (p *CachedProvider) Get(ctx context.Context, path string) (string, error) {
	if v, ok := p.cache.Get(path); ok {
		return v.(string), nil
	}
	v, err := p.inner.Get(ctx, path)
	if err != nil {
		return "", err
	}
	p.cache.SetDefault(path, v)
	return v, nil
}

func (p *CachedProvider) Close() error {
	p.cache.Flush()
	return p.inner.Close()
}
