package plan

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the default in-process Store. A background sweeper expires
// pending plans nobody resolved and eventually drops resolved ones.
type MemoryStore struct {
	maxAge time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	byID    map[string]*Plan
	byShort map[string][]string
	byConv  map[string][]string
	byMsg   map[string]string

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryStore creates a store whose pending plans expire after maxAge.
// The sweeper runs every sweepInterval; zero disables sweeping.
func NewMemoryStore(maxAge, sweepInterval time.Duration, logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MemoryStore{
		maxAge:  maxAge,
		logger:  logger.With("component", "planstore"),
		byID:    make(map[string]*Plan),
		byShort: make(map[string][]string),
		byConv:  make(map[string][]string),
		byMsg:   make(map[string]string),
		done:    make(chan struct{}),
	}
	if sweepInterval > 0 && maxAge > 0 {
		go s.sweepLoop(sweepInterval)
	}
	return s
}

func (s *MemoryStore) Put(p *Plan) error {
	if p.ID == "" {
		return fmt.Errorf("plan: id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[p.ID]; ok {
		return ErrExists
	}
	cp := p.Clone()
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if len(cp.ActionStatuses) == 0 {
		cp.ActionStatuses = make([]ActionStatus, len(cp.Actions))
		for i := range cp.ActionStatuses {
			cp.ActionStatuses[i] = ActionPending
		}
	}
	s.byID[cp.ID] = cp
	short := cp.Short()
	s.byShort[short] = append(s.byShort[short], cp.ID)
	s.byConv[cp.ConversationID] = append(s.byConv[cp.ConversationID], cp.ID)
	return nil
}

func (s *MemoryStore) BindMessage(planID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[planID]
	if !ok {
		return ErrNotFound
	}
	p.MessageID = messageID
	s.byMsg[messageID] = planID
	return nil
}

func (s *MemoryStore) Get(planID string) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[planID]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) GetByShort(short string) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *Plan
	for _, id := range s.byShort[short] {
		p, ok := s.byID[id]
		if !ok || p.Status.Resolved() {
			continue
		}
		if found != nil {
			return nil, ErrAmbiguous
		}
		found = p
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found.Clone(), nil
}

func (s *MemoryStore) GetByConversation(conversationID string) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byConv[conversationID]
	// Newest pending plan wins; stale ids are skipped.
	for i := len(ids) - 1; i >= 0; i-- {
		if p, ok := s.byID[ids[i]]; ok && !p.Status.Resolved() {
			return p.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetByMessage(messageID string) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byMsg[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	p, ok := s.byID[id]
	if !ok || p.Status.Resolved() {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Resolve(planID string, status Status) (*Plan, bool, error) {
	if !status.Resolved() {
		return nil, false, fmt.Errorf("plan: %q is not a terminal status", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[planID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if p.Status.Resolved() {
		return p.Clone(), false, nil
	}
	p.Status = status
	p.ResolvedAt = time.Now()
	// Dropping the message index is the commit point: once gone, no
	// callback or reaction can route to this plan again.
	if p.MessageID != "" {
		delete(s.byMsg, p.MessageID)
	}
	s.dropLookupLocked(p)
	return p.Clone(), true, nil
}

func (s *MemoryStore) SetActionStatus(planID string, idx int, status ActionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[planID]
	if !ok {
		return ErrNotFound
	}
	if idx < 0 || idx >= len(p.ActionStatuses) {
		return fmt.Errorf("plan: action index %d out of range", idx)
	}
	p.ActionStatuses[idx] = status
	return nil
}

func (s *MemoryStore) MarkExecuted(planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[planID]
	if !ok {
		return ErrNotFound
	}
	if p.Status == StatusApproved {
		p.Status = StatusExecuted
	}
	return nil
}

func (s *MemoryStore) Pending() ([]*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Plan
	for _, p := range s.byID {
		if !p.Status.Resolved() {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Close stops the sweeper. Safe to call more than once.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.done) })
	return nil
}

func (s *MemoryStore) dropLookupLocked(p *Plan) {
	short := p.Short()
	s.byShort[short] = removeString(s.byShort[short], p.ID)
	if len(s.byShort[short]) == 0 {
		delete(s.byShort, short)
	}
	s.byConv[p.ConversationID] = removeString(s.byConv[p.ConversationID], p.ID)
	if len(s.byConv[p.ConversationID]) == 0 {
		delete(s.byConv, p.ConversationID)
	}
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep(time.Now())
		case <-s.done:
			return
		}
	}
}

// sweep expires pending plans older than maxAge and forgets resolved plans
// older than twice that.
func (s *MemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.byID {
		age := now.Sub(p.CreatedAt)
		switch {
		case !p.Status.Resolved() && age > s.maxAge:
			p.Status = StatusExpired
			p.ResolvedAt = now
			if p.MessageID != "" {
				delete(s.byMsg, p.MessageID)
			}
			s.dropLookupLocked(p)
			s.logger.Info("expired stale plan", "plan", p.Short(), "age", age)
		case p.Status.Resolved() && age > 2*s.maxAge:
			delete(s.byID, id)
		}
	}
}

func removeString(list []string, v string) []string {
	for i, s := range list {
		if s == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

