// Package mapper translates raw platform payloads into canonical message drafts.
package mapper

import (
	"encoding/json"
	"sort"

	"github.com/omnichannel-hub/session-queue/internal/domain"
	apperrors "github.com/omnichannel-hub/session-queue/pkg/util/errorutil"
)

// Draft is the canonical projection of a raw payload. Routing fields (session,
// customer, sender) are filled in by the caller.
type Draft struct {
	Type             domain.MessageType
	Body             *string
	MediaRef         *string
	ReplyToMessageID *string
	// Metadata is the raw payload, byte for byte.
	Metadata json.RawMessage
}

// Mapper projects one platform's payloads.
type Mapper interface {
	Platform() domain.Platform
	Map(raw json.RawMessage) (*Draft, error)
}

// Registry dispatches payloads to the mapper of their platform.
// It is built once at startup and is read-only afterwards.
type Registry struct {
	mappers map[domain.Platform]Mapper
}

// NewRegistry builds a registry; a later mapper for the same platform replaces an earlier one.
func NewRegistry(mappers ...Mapper) *Registry {
	r := &Registry{mappers: make(map[domain.Platform]Mapper, len(mappers))}
	for _, m := range mappers {
		r.mappers[m.Platform()] = m
	}
	return r
}

// MapInbound maps raw using the mapper registered for platform.
func (r *Registry) MapInbound(raw json.RawMessage, platform domain.Platform) (*Draft, error) {
	m, ok := r.mappers[platform]
	if !ok {
		return nil, apperrors.NewUnimplemented(string(platform))
	}
	return m.Map(raw)
}

// Platforms lists platforms with a registered mapper.
func (r *Registry) Platforms() []domain.Platform {
	out := make([]domain.Platform, 0, len(r.mappers))
	for p := range r.mappers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
