package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps logs in memory. Used in tests and for embedded callers
// that persist results elsewhere.
type MemoryStore struct {
	mu          sync.Mutex
	commandLogs map[string]*CommandLog
	planLogs    map[string]*PlanLog
	order       []string // command log IDs in insertion order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		commandLogs: make(map[string]*CommandLog),
		planLogs:    make(map[string]*PlanLog),
	}
}

func (s *MemoryStore) SaveCommandLog(log *CommandLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if log.ID == "" {
		return fmt.Errorf("command log has no ID")
	}
	if _, exists := s.commandLogs[log.ID]; !exists {
		s.order = append(s.order, log.ID)
	}
	clone := *log
	s.commandLogs[log.ID] = &clone
	return nil
}

func (s *MemoryStore) SavePlanLog(log *PlanLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if log.ID == "" {
		return fmt.Errorf("plan log has no ID")
	}
	clone := *log
	s.planLogs[log.ID] = &clone
	return nil
}

func (s *MemoryStore) CommandLogByID(id string) (*CommandLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.commandLogs[id]
	if !ok {
		return nil, nil
	}
	clone := *log
	return &clone, nil
}

func (s *MemoryStore) PlanLogByID(id string) (*PlanLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.planLogs[id]
	if !ok {
		return nil, nil
	}
	clone := *log
	return &clone, nil
}

func (s *MemoryStore) RunningCommandCount(serverRef, commandRef string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, log := range s.commandLogs {
		if log.ServerRef == serverRef && log.CommandRef == commandRef && log.IsRunning() {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) RunningPlanCount(serverRef, planRef string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, log := range s.planLogs {
		if log.ServerRef == serverRef && log.PlanRef == planRef && log.IsRunning() {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) RunningCommandLogsForPlan(planLogID string) ([]*CommandLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var logs []*CommandLog
	for _, log := range s.commandLogs {
		if log.PlanLogID == planLogID && log.IsRunning() {
			clone := *log
			logs = append(logs, &clone)
		}
	}
	sortByStart(logs)
	return logs, nil
}

func (s *MemoryStore) ZombieCommandLogs(cutoff time.Time, actions []string) ([]*CommandLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	actionSet := make(map[string]bool, len(actions))
	for _, a := range actions {
		actionSet[a] = true
	}
	var logs []*CommandLog
	for _, log := range s.commandLogs {
		if log.IsRunning() && log.StartDate.Before(cutoff) && actionSet[log.CommandAction] {
			clone := *log
			logs = append(logs, &clone)
		}
	}
	sortByStart(logs)
	return logs, nil
}

// CommandLogs returns all command logs in insertion order. Test helper.
func (s *MemoryStore) CommandLogs() []*CommandLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	logs := make([]*CommandLog, 0, len(s.order))
	for _, id := range s.order {
		clone := *s.commandLogs[id]
		logs = append(logs, &clone)
	}
	return logs
}

func (s *MemoryStore) Close() error { return nil }

func sortByStart(logs []*CommandLog) {
	sort.Slice(logs, func(i, j int) bool {
		return logs[i].StartDate.Before(logs[j].StartDate)
	})
}
