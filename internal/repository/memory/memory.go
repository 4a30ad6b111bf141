// Package memory holds in-process implementations of the repository
// interfaces. The server uses them when DATABASE_URL is empty; tests use
// them everywhere.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/lalith-99/podsync/internal/models"
)

type PodStore struct {
	mu      sync.RWMutex
	pods    map[uuid.UUID]models.Pod
	records map[uuid.UUID]map[uuid.UUID]models.MembershipRecord
	audit   map[uuid.UUID][]models.AuditEntry

	// failNext makes the next SaveTransition return this error. Tests use
	// it to check that a failed write leaves the ledger unchanged.
	failNext error
}

func NewPodStore() *PodStore {
	return &PodStore{
		pods:    make(map[uuid.UUID]models.Pod),
		records: make(map[uuid.UUID]map[uuid.UUID]models.MembershipRecord),
		audit:   make(map[uuid.UUID][]models.AuditEntry),
	}
}

func (s *PodStore) Create(_ context.Context, pod *models.Pod) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pods[pod.ID]; ok {
		return fmt.Errorf("insert pod: %s already exists", pod.ID)
	}
	s.pods[pod.ID] = *pod
	s.records[pod.ID] = map[uuid.UUID]models.MembershipRecord{
		pod.OwnerID: {PodID: pod.ID, UserID: pod.OwnerID, Role: models.RoleOwner},
	}
	return nil
}

func (s *PodStore) Load(_ context.Context, podID uuid.UUID) (*models.Pod, []models.MembershipRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pod, ok := s.pods[podID]
	if !ok {
		return nil, nil, nil
	}
	records := make([]models.MembershipRecord, 0, len(s.records[podID]))
	for _, rec := range s.records[podID] {
		records = append(records, rec)
	}
	return &pod, records, nil
}

func (s *PodStore) Version(_ context.Context, podID uuid.UUID) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pod, ok := s.pods[podID]
	return pod.Version, ok, nil
}

func (s *PodStore) SaveTransition(_ context.Context, pod *models.Pod, changed []models.MembershipRecord, entry models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failNext; err != nil {
		s.failNext = nil
		return err
	}

	current, ok := s.pods[pod.ID]
	if !ok {
		return fmt.Errorf("update pod %s: not found", pod.ID)
	}
	if current.Version != pod.Version-1 {
		return fmt.Errorf("update pod %s: version %d is stale", pod.ID, pod.Version-1)
	}

	current.OwnerID = pod.OwnerID
	current.Status = pod.Status
	current.Version = pod.Version
	s.pods[pod.ID] = current

	for _, rec := range changed {
		s.records[pod.ID][rec.UserID] = rec
	}
	s.audit[pod.ID] = append(s.audit[pod.ID], entry)
	return nil
}

func (s *PodStore) ListAudit(_ context.Context, podID uuid.UUID) ([]models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]models.AuditEntry, len(s.audit[podID]))
	copy(entries, s.audit[podID])
	return entries, nil
}

// FailNextSave arranges for the next SaveTransition to fail with err.
func (s *PodStore) FailNextSave(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

type MessageStore struct {
	mu   sync.RWMutex
	logs map[uuid.UUID][]models.Message
}

func NewMessageStore() *MessageStore {
	return &MessageStore{logs: make(map[uuid.UUID][]models.Message)}
}

func (s *MessageStore) Append(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[msg.PodID]
	if n := len(log); n > 0 && log[n-1].Seq >= msg.Seq {
		return fmt.Errorf("insert message: seq %d already used in pod %s", msg.Seq, msg.PodID)
	}
	s.logs[msg.PodID] = append(log, *msg)
	return nil
}

func (s *MessageStore) ListByPod(_ context.Context, podID uuid.UUID) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := make([]models.Message, len(s.logs[podID]))
	copy(messages, s.logs[podID])
	sort.Slice(messages, func(i, j int) bool { return messages[i].Seq < messages[j].Seq })
	return messages, nil
}

func (s *MessageStore) ListAfter(ctx context.Context, podID uuid.UUID, afterSeq, beforeSeq int64) ([]models.Message, error) {
	all, err := s.ListByPod(ctx, podID)
	if err != nil {
		return nil, err
	}
	messages := make([]models.Message, 0)
	for _, m := range all {
		if m.Seq > afterSeq && m.Seq < beforeSeq {
			messages = append(messages, m)
		}
	}
	return messages, nil
}

func (s *MessageStore) LastSeq(_ context.Context, podID uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[podID]
	if len(log) == 0 {
		return 0, nil
	}
	return log[len(log)-1].Seq, nil
}

func (s *MessageStore) Exists(_ context.Context, podID uuid.UUID, messageID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.logs[podID] {
		if m.ID == messageID {
			return true, nil
		}
	}
	return false, nil
}

type UserStore struct {
	mu    sync.RWMutex
	users map[uuid.UUID]models.User
}

func NewUserStore(users ...models.User) *UserStore {
	s := &UserStore{users: make(map[uuid.UUID]models.User)}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

// Put adds or replaces a user.
func (s *UserStore) Put(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *UserStore) GetByID(_ context.Context, userID uuid.UUID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	return &u, nil
}
