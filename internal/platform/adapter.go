// Package platform defines the outbound contract every chat platform integration fulfils.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/omnichannel-hub/session-queue/internal/domain"
	apperrors "github.com/omnichannel-hub/session-queue/pkg/util/errorutil"
)

// SendPayload is a message ready for transmission.
type SendPayload struct {
	InstanceID       string
	Recipient        string
	Type             domain.MessageType
	Body             *string
	MediaRef         *string
	ReplyToMessageID *string
}

// SendResult reports what the platform did with a send.
type SendResult struct {
	Success   bool
	MessageID string
	Response  json.RawMessage
	Error     string
}

// Profile is the public contact information a platform exposes.
type Profile struct {
	DisplayName *string
	PictureURL  *string
}

// Adapter talks to one chat platform.
type Adapter interface {
	Platform() domain.Platform
	// SendMessage reports platform rejections through SendResult; the error is reserved for
	// requests that could not be built.
	SendMessage(ctx context.Context, payload SendPayload) (*SendResult, error)
	FetchProfile(ctx context.Context, instanceID, platformID string) (*Profile, error)
}

// Factory selects the adapter for a platform.
type Factory struct {
	adapters map[domain.Platform]Adapter
}

// NewFactory registers adapters by their platform.
func NewFactory(adapters ...Adapter) *Factory {
	f := &Factory{adapters: make(map[domain.Platform]Adapter, len(adapters))}
	for _, a := range adapters {
		if a != nil {
			f.adapters[a.Platform()] = a
		}
	}
	return f
}

// Adapter returns the adapter for p or an Unsupported error.
func (f *Factory) Adapter(p domain.Platform) (Adapter, error) {
	if f != nil {
		if a, ok := f.adapters[p]; ok {
			return a, nil
		}
	}
	return nil, apperrors.NewUnsupported(string(p))
}

// Platforms lists wired platforms.
func (f *Factory) Platforms() []domain.Platform {
	out := make([]domain.Platform, 0, len(f.adapters))
	for p := range f.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ProfileCache memoizes FetchProfile results so bursts from one contact hit the platform once.
type ProfileCache struct {
	factory *Factory
	cache   *gocache.Cache
}

// NewProfileCache wraps factory with an in-memory cache expiring entries after ttl.
func NewProfileCache(factory *Factory, ttl time.Duration) *ProfileCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &ProfileCache{factory: factory, cache: gocache.New(ttl, 2*ttl)}
}

// Fetch returns the cached profile or asks the platform adapter for it.
func (c *ProfileCache) Fetch(ctx context.Context, p domain.Platform, instanceID, platformID string) (*Profile, error) {
	key := profileKey(p, instanceID, platformID)
	if cached, ok := c.cache.Get(key); ok {
		return cached.(*Profile), nil
	}

	adapter, err := c.factory.Adapter(p)
	if err != nil {
		return nil, err
	}
	profile, err := adapter.FetchProfile(ctx, instanceID, platformID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		profile = &Profile{}
	}
	c.cache.SetDefault(key, profile)
	return profile, nil
}

// Invalidate forgets a cached profile so the next Fetch goes to the platform.
func (c *ProfileCache) Invalidate(p domain.Platform, instanceID, platformID string) {
	c.cache.Delete(profileKey(p, instanceID, platformID))
}

func profileKey(p domain.Platform, instanceID, platformID string) string {
	return fmt.Sprintf("%s|%s|%s", p, instanceID, strings.ToLower(platformID))
}
