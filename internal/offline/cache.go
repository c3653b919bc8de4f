package offline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotCached is returned by Lookup when the cache has no entry for a URL.
var ErrNotCached = errors.New("not cached")

// realtimePaths are never cached: they are long-lived or push-driven.
var realtimePaths = []string{"/admin", "/notify/"}

type cachedAsset struct {
	ID        uint        `gorm:"primaryKey"`
	Cache     string      `gorm:"size:100;not null;uniqueIndex:idx_offline_assets_cache_url"`
	URL       string      `gorm:"not null;uniqueIndex:idx_offline_assets_cache_url"`
	Status    int         `gorm:"not null"`
	Header    http.Header `gorm:"serializer:json"`
	Body      []byte
	UpdatedAt time.Time
}

func (cachedAsset) TableName() string {
	return "offline_assets"
}

func (a cachedAsset) response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", a.Status, http.StatusText(a.Status)),
		StatusCode:    a.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        a.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(a.Body)),
		ContentLength: int64(len(a.Body)),
		Request:       req,
	}
}

// AssetCache stores GET responses under a versioned cache name. Bumping the
// name and calling Activate discards every older version.
type AssetCache struct {
	db     *gorm.DB
	name   string
	base   *url.URL
	client Doer
}

// NewAssetCache returns a cache named name. Relative URLs resolve against
// base.
func NewAssetCache(db *gorm.DB, name, base string, client Doer) (*AssetCache, error) {
	if name == "" {
		return nil, errors.New("cache name is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &AssetCache{db: db, name: name, base: u, client: client}, nil
}

// Migrate creates or updates the asset table.
func (c *AssetCache) Migrate(ctx context.Context) error {
	return c.db.WithContext(ctx).AutoMigrate(&cachedAsset{})
}

// Name returns the current cache version.
func (c *AssetCache) Name() string {
	return c.name
}

func (c *AssetCache) resolve(raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return c.base.ResolveReference(ref).String(), nil
}

// Install pre-fetches urls into the current cache. Failures are logged and
// skipped; the number of stored assets is returned.
func (c *AssetCache) Install(ctx context.Context, urls []string) int {
	stored := 0
	for _, raw := range urls {
		target, err := c.resolve(raw)
		if err != nil {
			log.Warn().Err(err).Str("url", raw).Msg("Skipping invalid asset url")
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
		if err != nil {
			log.Warn().Err(err).Str("url", target).Msg("Skipping asset")
			continue
		}
		resp, err := c.client.Do(req)
		if err != nil {
			log.Warn().Err(err).Str("url", target).Msg("Asset fetch failed during install")
			continue
		}
		if _, err := c.storeResponse(ctx, target, resp); err != nil {
			log.Warn().Err(err).Str("url", target).Msg("Asset not cached during install")
			continue
		}
		stored++
	}
	log.Info().Str("cache", c.name).Int("assets", stored).Int("requested", len(urls)).Msg("Asset cache installed")
	return stored
}

// Activate deletes every cache version other than the current one.
func (c *AssetCache) Activate(ctx context.Context) (int64, error) {
	res := c.db.WithContext(ctx).Where("cache <> ?", c.name).Delete(&cachedAsset{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete old caches: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		log.Info().Str("cache", c.name).Int64("deleted", res.RowsAffected).Msg("Deleted old cache entries")
	}
	return res.RowsAffected, nil
}

// Versions lists the cache names present in storage.
func (c *AssetCache) Versions(ctx context.Context) ([]string, error) {
	var names []string
	err := c.db.WithContext(ctx).Model(&cachedAsset{}).Distinct().Order("cache").Pluck("cache", &names).Error
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	return names, nil
}

// Lookup returns the cached response for raw.
func (c *AssetCache) Lookup(ctx context.Context, raw string) (*http.Response, error) {
	target, err := c.resolve(raw)
	if err != nil {
		return nil, err
	}
	asset, err := c.find(ctx, target)
	if err != nil {
		return nil, err
	}
	return asset.response(nil), nil
}

func (c *AssetCache) find(ctx context.Context, target string) (cachedAsset, error) {
	var asset cachedAsset
	err := c.db.WithContext(ctx).Where("cache = ? AND url = ?", c.name, target).First(&asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return asset, ErrNotCached
	}
	if err != nil {
		return asset, fmt.Errorf("lookup %s: %w", target, err)
	}
	return asset, nil
}

func bypass(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return true
	}
	for _, p := range realtimePaths {
		if strings.HasPrefix(req.URL.Path, p) {
			return true
		}
	}
	return false
}

// Fetch answers req cache first. On a miss the network response is returned
// and, when it is a 200, stored. If the network fails the cached root page is
// served instead. Non-GET and realtime requests go straight to the network.
func (c *AssetCache) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	if bypass(req) {
		return c.client.Do(req)
	}

	target := req.URL.String()
	asset, err := c.find(ctx, target)
	if err == nil {
		return asset.response(req), nil
	}
	if !errors.Is(err, ErrNotCached) {
		log.Warn().Err(err).Str("url", target).Msg("Asset cache lookup failed")
	}

	resp, netErr := c.client.Do(req)
	if netErr != nil {
		root, err := c.resolve("/")
		if err == nil {
			if fallback, err := c.find(ctx, root); err == nil {
				log.Debug().Err(netErr).Str("url", target).Msg("Network failed; serving cached root")
				return fallback.response(req), nil
			}
		}
		return nil, netErr
	}

	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}
	stored, err := c.storeResponse(ctx, target, resp)
	if err != nil {
		log.Warn().Err(err).Str("url", target).Msg("Response not cached")
		if stored == nil {
			return nil, err
		}
	}
	return stored.response(req), nil
}

// storeResponse consumes resp. Only 200 responses are written to the cache;
// the returned asset carries the body either way when it could be read.
func (c *AssetCache) storeResponse(ctx context.Context, target string, resp *http.Response) (*cachedAsset, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	asset := &cachedAsset{
		Cache:  c.name,
		URL:    target,
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}
	if resp.StatusCode != http.StatusOK {
		return asset, fmt.Errorf("%s: status %d", target, resp.StatusCode)
	}

	err = c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache"}, {Name: "url"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "header", "body", "updated_at"}),
	}).Create(asset).Error
	if err != nil {
		return asset, fmt.Errorf("store %s: %w", target, err)
	}
	return asset, nil
}
