package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/omnichannel-hub/session-queue/internal/domain"
	"github.com/omnichannel-hub/session-queue/internal/events"
	"github.com/omnichannel-hub/session-queue/internal/mapper"
	"github.com/omnichannel-hub/session-queue/internal/platform"
	"github.com/omnichannel-hub/session-queue/internal/repository"
	apperrors "github.com/omnichannel-hub/session-queue/pkg/util/errorutil"
)

// fakeMessageRepo is an in-memory durable store keyed like the messages table.
type fakeMessageRepo struct {
	mu        sync.Mutex
	rows      map[string]*domain.CanonicalMessage
	order     []string
	createErr error
	lookups   int
	// onLookup runs before every lookup by message id.
	onLookup func(n int)
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{rows: map[string]*domain.CanonicalMessage{}}
}

func messageKey(p domain.Platform, id string) string { return string(p) + "|" + id }

func (f *fakeMessageRepo) Create(_ context.Context, msg *domain.CanonicalMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	key := messageKey(msg.Platform, msg.MessageID)
	if _, ok := f.rows[key]; ok {
		return repository.ErrDuplicateMessage
	}
	if msg.ID == "" {
		msg.ID = newID()
	}
	stored := *msg
	f.rows[key] = &stored
	f.order = append(f.order, key)
	return nil
}

func (f *fakeMessageRepo) GetByMessageID(_ context.Context, p domain.Platform, id string) (*domain.CanonicalMessage, error) {
	f.beforeLookup()
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[messageKey(p, id)]
	if !ok {
		return nil, apperrors.NewNotFound("message", nil)
	}
	out := *row
	return &out, nil
}

func (f *fakeMessageRepo) FindByMessageID(_ context.Context, id string) (*domain.CanonicalMessage, error) {
	f.beforeLookup()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.order) - 1; i >= 0; i-- {
		if row := f.rows[f.order[i]]; row.MessageID == id {
			out := *row
			return &out, nil
		}
	}
	return nil, apperrors.NewNotFound("message", nil)
}

func (f *fakeMessageRepo) beforeLookup() {
	f.mu.Lock()
	f.lookups++
	n, hook := f.lookups, f.onLookup
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
}

func (f *fakeMessageRepo) UpdateStatus(_ context.Context, p domain.Platform, id string, status domain.MessageStatus) (*domain.CanonicalMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[messageKey(p, id)]
	if !ok {
		return nil, apperrors.NewNotFound("message", nil)
	}
	row.Status = status
	row.UpdatedAt = row.UpdatedAt.Add(time.Second)
	out := *row
	return &out, nil
}

func (f *fakeMessageRepo) session(sessionID string) []domain.CanonicalMessage {
	var out []domain.CanonicalMessage
	for _, key := range f.order {
		if row := f.rows[key]; row.SessionID == sessionID {
			out = append(out, *row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out
}

func (f *fakeMessageRepo) ListBySession(_ context.Context, sessionID string, limit, offset int) ([]domain.CanonicalMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.session(sessionID)
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (f *fakeMessageRepo) ListRecent(_ context.Context, sessionID string, limit int) ([]domain.CanonicalMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.session(sessionID)
	out := make([]domain.CanonicalMessage, 0, len(all))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (f *fakeMessageRepo) SessionStats(_ context.Context, sessionID string) (int64, *time.Time, *time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.session(sessionID)
	if len(all) == 0 {
		return 0, nil, nil, nil
	}
	first, last := all[0].SentAt, all[len(all)-1].SentAt
	return int64(len(all)), &first, &last, nil
}

func (f *fakeMessageRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

// fakeCustomerRepo keeps customers in memory. beforeCreate lets a test inject a competing writer.
type fakeCustomerRepo struct {
	mu           sync.Mutex
	byID         map[string]*domain.Customer
	creates      int
	beforeCreate func(c *domain.Customer)
}

func newFakeCustomerRepo() *fakeCustomerRepo {
	return &fakeCustomerRepo{byID: map[string]*domain.Customer{}}
}

func (f *fakeCustomerRepo) FindByPlatformID(_ context.Context, platformID string, p domain.Platform) (*domain.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.byID {
		if c.PlatformID == platformID && c.Platform == p {
			out := *c
			return &out, nil
		}
	}
	return nil, nil
}

func (f *fakeCustomerRepo) GetByID(_ context.Context, id string) (*domain.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return nil, apperrors.NewNotFound("customer", nil)
	}
	out := *c
	return &out, nil
}

func (f *fakeCustomerRepo) Create(_ context.Context, customer *domain.Customer) error {
	if f.beforeCreate != nil {
		hook := f.beforeCreate
		f.beforeCreate = nil
		hook(customer)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.byID {
		if c.PlatformID == customer.PlatformID && c.Platform == customer.Platform {
			return apperrors.NewConflict("create customer: duplicate key", nil)
		}
	}
	f.creates++
	customer.ID = newID()
	stored := *customer
	f.byID[customer.ID] = &stored
	return nil
}

func (f *fakeCustomerRepo) Update(_ context.Context, id string, patch domain.CustomerPatch) (*domain.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return nil, apperrors.NewNotFound("customer", nil)
	}
	if patch.Name != nil {
		c.Name = patch.Name
	}
	if patch.PictureURL != nil {
		c.PictureURL = patch.PictureURL
	}
	out := *c
	return &out, nil
}

func (f *fakeCustomerRepo) insert(c domain.Customer) *domain.Customer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.ID == "" {
		c.ID = newID()
	}
	f.byID[c.ID] = &c
	out := c
	return &out
}

type fakeHistory struct {
	records []domain.ServiceHistory
	err     error
}

func (f *fakeHistory) Record(_ context.Context, record *domain.ServiceHistory) error {
	if f.err != nil {
		return f.err
	}
	record.ID = newID()
	f.records = append(f.records, *record)
	return nil
}

func (f *fakeHistory) ListByCustomer(_ context.Context, customerID string, _ int) ([]domain.ServiceHistory, error) {
	var out []domain.ServiceHistory
	for _, r := range f.records {
		if r.CustomerID == customerID {
			out = append(out, r)
		}
	}
	return out, nil
}

// fakeAdapter records sends and replies with a scripted result.
type fakeAdapter struct {
	platform domain.Platform
	result   *platform.SendResult
	err      error
	sent     []platform.SendPayload
	profile  *platform.Profile
	fetches  int
}

func (a *fakeAdapter) Platform() domain.Platform { return a.platform }

func (a *fakeAdapter) SendMessage(_ context.Context, payload platform.SendPayload) (*platform.SendResult, error) {
	a.sent = append(a.sent, payload)
	if a.err != nil {
		return nil, a.err
	}
	return a.result, nil
}

func (a *fakeAdapter) FetchProfile(context.Context, string, string) (*platform.Profile, error) {
	a.fetches++
	if a.profile == nil {
		return nil, apperrors.NewNotFound("profile", nil)
	}
	return a.profile, nil
}

// recordingDispatcher captures published events.
type recordingDispatcher struct {
	mu     sync.Mutex
	events []events.Event
}

func (d *recordingDispatcher) Publish(_ context.Context, e events.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e)
	return nil
}

func (d *recordingDispatcher) Subscribe(events.EventType, events.EventHandler) {}

func (d *recordingDispatcher) types() []events.EventType {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]events.EventType, 0, len(d.events))
	for _, e := range d.events {
		out = append(out, e.Type)
	}
	return out
}

// harness wires the services over miniredis and in-memory durable fakes.
type harness struct {
	redis      *miniredis.Miniredis
	queue      repository.QueueRepository
	cache      repository.MessageCacheRepository
	durable    *fakeMessageRepo
	customers  *fakeCustomerRepo
	history    *fakeHistory
	adapter    *fakeAdapter
	dispatcher *recordingDispatcher
	store      *MessageStore
	profiles   *platform.ProfileCache
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		redis:      mr,
		queue:      repository.NewQueueRepository(client, "test"),
		cache:      repository.NewMessageCacheRepository(client, "test", 100, time.Hour),
		durable:    newFakeMessageRepo(),
		customers:  newFakeCustomerRepo(),
		history:    &fakeHistory{},
		adapter:    &fakeAdapter{platform: domain.PlatformWhatsApp},
		dispatcher: &recordingDispatcher{},
	}
	h.store = NewMessageStore(h.cache, h.durable, zap.NewNop())
	h.profiles = platform.NewProfileCache(platform.NewFactory(h.adapter), time.Minute)
	return h
}

func (h *harness) ingestion(cfg IngestionConfig) *IngestionService {
	return NewIngestionService(IngestionDependencies{
		Customers:  h.customers,
		Queue:      h.queue,
		Store:      h.store,
		Registry:   mapper.NewRegistry(mapper.NewWhatsAppMapper()),
		Profiles:   h.profiles,
		Dispatcher: h.dispatcher,
		Logger:     zap.NewNop(),
		Config:     cfg,
	})
}

func (h *harness) outbound() *OutboundService {
	return NewOutboundService(OutboundDependencies{
		Queue:      h.queue,
		Customers:  h.customers,
		Adapters:   platform.NewFactory(h.adapter),
		Store:      h.store,
		Dispatcher: h.dispatcher,
		Logger:     zap.NewNop(),
	})
}

func (h *harness) queueService() *QueueService {
	return NewQueueService(QueueDependencies{
		Queue:      h.queue,
		History:    h.history,
		Store:      h.store,
		Dispatcher: h.dispatcher,
		Logger:     zap.NewNop(),
	})
}

func (h *harness) statusService(attempts int) *StatusService {
	return NewStatusService(h.store, h.dispatcher, nil, zap.NewNop(), AckRetryPolicy{
		Attempts:        attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	})
}

func inboundEvent(id, jid, payload string) *events.InboundEvent {
	return &events.InboundEvent{
		Platform:          "WHATSAPP",
		InstanceID:        "inst-1",
		MessageKey:        events.MessageKey{RemoteJID: jid, ID: id},
		SenderDisplayName: "Maria",
		RawMessagePayload: []byte(payload),
		Timestamp:         1767225600,
	}
}

func strPtr(s string) *string { return &s }
