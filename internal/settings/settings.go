// Package settings provides the typed runtime configuration service. Every
// setting has a registered definition (type, bounds, default, restart flag);
// values resolve database row → environment variable → default, and reads go
// through a short TTL cache so hot paths avoid a query per lookup.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/printvault/printvault/internal/catalog"
)

// Kind is the value type of a setting.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
)

// Definition describes one recognised setting.
type Definition struct {
	Key             string
	Kind            Kind
	Default         string
	Min             *float64
	Max             *float64
	RestartRequired bool
	Description     string
}

// Recognised setting keys.
const (
	KeyLibraryTemplate         = "library_template_global"
	KeyMaxConcurrentDownloads  = "max_concurrent_downloads"
	KeyDeleteArchives          = "delete_archives_after_extraction"
	KeyTelegramRateLimitRPM    = "telegram_rate_limit_rpm"
	KeyTelegramChannelSpacing  = "telegram_channel_spacing"
	KeySyncEnabled             = "sync_enabled"
	KeySyncPollInterval        = "sync_poll_interval"
	KeySyncBatchSize           = "sync_batch_size"
	KeyUploadMaxSizeMB         = "upload_max_size_mb"
	KeyUploadRetentionHours    = "upload_retention_hours"
	KeyAutoQueueRender         = "auto_queue_render_after_import"
	KeyAutoQueueRenderPriority = "auto_queue_render_priority"
	KeyGoogleRequestDelay      = "google_request_delay"
	KeyGoogleRequestsPerMinute = "google_requests_per_minute"
	KeyAIRateLimitRPM          = "ai_rate_limit_rpm"
	KeyAIMaxTagsPerDesign      = "ai_max_tags_per_design"
	KeyAISelectBestPreview     = "ai_select_best_preview"
)

func fp(v float64) *float64 { return &v }

// Registry lists every recognised setting with its constraints.
func Registry() []Definition {
	return []Definition{
		{Key: KeyLibraryTemplate, Kind: KindString, Default: "{designer}/{channel}/{title}",
			Description: "Library placement template; must contain {title}."},
		{Key: KeyMaxConcurrentDownloads, Kind: KindInt, Default: "1", Min: fp(1), Max: fp(10),
			RestartRequired: true},
		{Key: KeyDeleteArchives, Kind: KindBool, Default: "true"},
		{Key: KeyTelegramRateLimitRPM, Kind: KindInt, Default: "30", Min: fp(10), Max: fp(100)},
		{Key: KeyTelegramChannelSpacing, Kind: KindFloat, Default: "2", Min: fp(0.5), Max: fp(10)},
		{Key: KeySyncEnabled, Kind: KindBool, Default: "true", RestartRequired: true},
		{Key: KeySyncPollInterval, Kind: KindInt, Default: "300", Min: fp(60), Max: fp(3600)},
		{Key: KeySyncBatchSize, Kind: KindInt, Default: "100", Min: fp(10), Max: fp(500)},
		{Key: KeyUploadMaxSizeMB, Kind: KindInt, Default: "512", Min: fp(1), Max: fp(10240)},
		{Key: KeyUploadRetentionHours, Kind: KindInt, Default: "24", Min: fp(1), Max: fp(720)},
		{Key: KeyAutoQueueRender, Kind: KindBool, Default: "true"},
		{Key: KeyAutoQueueRenderPriority, Kind: KindInt, Default: "-5", Min: fp(-10), Max: fp(10)},
		{Key: KeyGoogleRequestDelay, Kind: KindFloat, Default: "0", Min: fp(0), Max: fp(10)},
		{Key: KeyGoogleRequestsPerMinute, Kind: KindInt, Default: "100", Min: fp(10), Max: fp(1000)},
		{Key: KeyAIRateLimitRPM, Kind: KindInt, Default: "10", Min: fp(1), Max: fp(100)},
		{Key: KeyAIMaxTagsPerDesign, Kind: KindInt, Default: "10", Min: fp(1), Max: fp(30)},
		{Key: KeyAISelectBestPreview, Kind: KindBool, Default: "true"},
	}
}

// ErrUnknownSetting is returned for keys without a registered definition.
var ErrUnknownSetting = errors.New("unknown setting")

// cacheTTL bounds how stale a cached value may be.
const cacheTTL = time.Minute

type cached struct {
	value string
	at    time.Time
}

// Service resolves typed settings with validation and caching.
type Service struct {
	store *catalog.Store
	env   *viper.Viper
	defs  map[string]Definition

	mu    sync.Mutex
	cache map[string]cached
}

// NewService constructs the settings service. env carries the process
// environment bound with the PRINTVAULT_ prefix; it may be nil in tests.
func NewService(store *catalog.Store, env *viper.Viper) *Service {
	defs := make(map[string]Definition)
	for _, d := range Registry() {
		defs[d.Key] = d
	}
	if env == nil {
		env = viper.New()
	}
	env.SetEnvPrefix("PRINTVAULT")
	env.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	env.AutomaticEnv()
	return &Service{
		store: store,
		env:   env,
		defs:  defs,
		cache: make(map[string]cached),
	}
}

// Definitions returns the registry with current values resolved.
func (s *Service) Definitions() []Definition { return Registry() }

// resolve returns the raw value for key: cache → database → env → default.
func (s *Service) resolve(ctx context.Context, key string) (string, error) {
	def, ok := s.defs[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}
	s.mu.Lock()
	if c, ok := s.cache[key]; ok && time.Since(c.at) < cacheTTL {
		s.mu.Unlock()
		return c.value, nil
	}
	s.mu.Unlock()

	value, err := s.store.GetSetting(ctx, key)
	if err != nil {
		if !errors.Is(err, catalog.ErrNotFound) {
			return "", err
		}
		if v := s.env.GetString(key); v != "" {
			value = v
		} else {
			value = def.Default
		}
	}
	s.mu.Lock()
	s.cache[key] = cached{value: value, at: time.Now()}
	s.mu.Unlock()
	return value, nil
}

// String returns a string setting.
func (s *Service) String(ctx context.Context, key string) (string, error) {
	return s.resolve(ctx, key)
}

// Int returns an integer setting.
func (s *Service) Int(ctx context.Context, key string) (int, error) {
	raw, err := s.resolve(ctx, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("setting %s: %w", key, err)
	}
	return n, nil
}

// Float returns a float setting.
func (s *Service) Float(ctx context.Context, key string) (float64, error) {
	raw, err := s.resolve(ctx, key)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("setting %s: %w", key, err)
	}
	return f, nil
}

// Bool returns a boolean setting.
func (s *Service) Bool(ctx context.Context, key string) (bool, error) {
	raw, err := s.resolve(ctx, key)
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("setting %s: %w", key, err)
	}
	return b, nil
}

// Set validates and persists a value, then invalidates the cache entry.
func (s *Service) Set(ctx context.Context, key, value string) error {
	def, ok := s.defs[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}
	if err := validate(def, value); err != nil {
		return err
	}
	if err := s.store.SetSetting(ctx, key, value); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
	return nil
}

// Invalidate drops the whole cache; tests and the REST layer use it after
// bulk writes.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.cache = make(map[string]cached)
	s.mu.Unlock()
}

func validate(def Definition, value string) error {
	switch def.Kind {
	case KindString:
		if def.Key == KeyLibraryTemplate && !strings.Contains(value, "{title}") {
			return fmt.Errorf("setting %s must contain {title}", def.Key)
		}
		return nil
	case KindBool:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("setting %s must be a boolean", def.Key)
		}
		return nil
	case KindInt, KindFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return fmt.Errorf("setting %s must be numeric", def.Key)
		}
		if def.Kind == KindInt && f != float64(int64(f)) {
			return fmt.Errorf("setting %s must be an integer", def.Key)
		}
		if def.Min != nil && f < *def.Min {
			return fmt.Errorf("setting %s must be >= %v", def.Key, *def.Min)
		}
		if def.Max != nil && f > *def.Max {
			return fmt.Errorf("setting %s must be <= %v", def.Key, *def.Max)
		}
		return nil
	default:
		return fmt.Errorf("setting %s has unknown kind %q", def.Key, def.Kind)
	}
}
