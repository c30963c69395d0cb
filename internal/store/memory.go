package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/google/uuid"
)

// InMemoryStore keeps everything in process memory. It is used when no DSN is configured and in tests.
type InMemoryStore struct {
	mu        sync.RWMutex
	clients   map[string]models.ClientProfile
	order     []string
	messages  map[string][]models.ConversationMessage
	decisions map[string][]models.FinalDecision
	insights  map[string][]models.Insight
	followUps map[string]models.ActionItem
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		clients:   make(map[string]models.ClientProfile),
		messages:  make(map[string][]models.ConversationMessage),
		decisions: make(map[string][]models.FinalDecision),
		insights:  make(map[string][]models.Insight),
		followUps: make(map[string]models.ActionItem),
	}
}

func (s *InMemoryStore) SaveClient(_ context.Context, p models.ClientProfile) (models.ClientProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, ok := s.clients[p.ID]; !ok {
		s.order = append(s.order, p.ID)
	}
	p.CaseManagers = slices.Clone(p.CaseManagers)
	s.clients[p.ID] = p
	return p, nil
}

func (s *InMemoryStore) GetClient(_ context.Context, id string) (models.ClientProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.clients[id]
	if !ok {
		return models.ClientProfile{}, ErrNotFound
	}
	return p, nil
}

func (s *InMemoryStore) GetClientByPhone(_ context.Context, phone string) (models.ClientProfile, error) {
	key := PhoneKey(phone)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if key == "" {
		return models.ClientProfile{}, ErrNotFound
	}
	for _, id := range s.order {
		if p := s.clients[id]; PhoneKey(p.Phone) == key {
			return p, nil
		}
	}
	return models.ClientProfile{}, ErrNotFound
}

func (s *InMemoryStore) ListClients(_ context.Context) ([]models.ClientProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ClientProfile, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.clients[id])
	}
	return out, nil
}

func (s *InMemoryStore) AppendMessage(_ context.Context, clientID string, m models.ConversationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[clientID] = append(s.messages[clientID], m)
	return nil
}

func (s *InMemoryStore) History(_ context.Context, clientID string, limit int) ([]models.ConversationMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[clientID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return slices.Clone(msgs), nil
}

func (s *InMemoryStore) SaveDecision(_ context.Context, d models.FinalDecision) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	s.decisions[d.ClientID] = append(s.decisions[d.ClientID], d)
	return d.ID, nil
}

func (s *InMemoryStore) ListDecisions(_ context.Context, clientID string) ([]models.FinalDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.decisions[clientID])
	slices.Reverse(out)
	return out, nil
}

func (s *InMemoryStore) SaveInsights(_ context.Context, insights []models.Insight) ([]models.Insight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Insight, len(insights))
	for i, in := range insights {
		if in.ID == "" {
			in.ID = uuid.NewString()
		}
		s.insights[in.ClientID] = append(s.insights[in.ClientID], in)
		out[i] = in
	}
	return out, nil
}

func (s *InMemoryStore) ListInsights(_ context.Context, clientID string) ([]models.Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.insights[clientID])
	slices.Reverse(out)
	return out, nil
}

func (s *InMemoryStore) SaveFollowUp(_ context.Context, item models.ActionItem) (models.ActionItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	s.followUps[item.ID] = item
	return item, nil
}

func (s *InMemoryStore) DueFollowUps(_ context.Context, now time.Time) ([]models.ActionItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ActionItem
	for _, item := range s.followUps {
		if !item.Done && !item.ScheduledDate.After(now) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledDate.Equal(out[j].ScheduledDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledDate.Before(out[j].ScheduledDate)
	})
	return out, nil
}

func (s *InMemoryStore) MarkFollowUpDone(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.followUps[id]
	if !ok {
		return ErrNotFound
	}
	item.Done = true
	s.followUps[id] = item
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
