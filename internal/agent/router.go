// ABOUTME: Least-loaded router selecting an online agent for a conversation.
// ABOUTME: Reserve makes select plus slot reservation one step per tenant.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/switchboard/internal/store"
)

// ErrNoAgentsAvailable indicates no agents are available to handle a request.
var ErrNoAgentsAvailable = errors.New("no agents available")

// ErrDirectoryUnavailable indicates a department filter was requested without a directory.
var ErrDirectoryUnavailable = errors.New("department directory unavailable")

// Directory resolves department membership for routing.
type Directory interface {
	Members(ctx context.Context, tenantID, department string) ([]string, error)
}

// Router selects the least-loaded eligible online agent.
type Router struct {
	workloads *WorkloadCounter
	directory Directory
	logger    *slog.Logger

	mu          sync.Mutex
	tenantLocks map[string]*sync.Mutex
	reserved    map[string]int // agent ID -> slots held by in-flight assignments
}

// NewRouter creates a Router. directory may be nil when no department
// filtering is configured.
func NewRouter(workloads *WorkloadCounter, directory Directory, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		workloads:   workloads,
		directory:   directory,
		logger:      logger.With("component", "router"),
		tenantLocks: make(map[string]*sync.Mutex),
		reserved:    make(map[string]int),
	}
}

// Candidate is an eligible agent and the load it was selected at.
type Candidate struct {
	AgentID  string
	Load     int
	Capacity int
}

// FindAvailableAgent returns the least-loaded eligible agent, ties broken by
// agent ID ascending. Returns ErrNoAgentsAvailable when no agent qualifies.
func (r *Router) FindAvailableAgent(ctx context.Context, tenantID, department, language string) (string, error) {
	best, err := r.selectAgent(ctx, tenantID, department, language, nil)
	if err != nil {
		return "", err
	}
	return best.AgentID, nil
}

// Reservation holds one capacity slot on an agent until released.
type Reservation struct {
	Candidate

	once    sync.Once
	release func()
}

// Release returns the slot. Safe to call more than once.
func (res *Reservation) Release() {
	res.once.Do(res.release)
}

// Reserve selects an agent and holds a slot on it in one step, so concurrent
// routing decisions in this process cannot both claim an agent's last slot.
// Agents in exclude are skipped. The caller must Release the reservation once
// the assignment write has finished, successful or not.
func (r *Router) Reserve(ctx context.Context, tenantID, department, language string, exclude ...string) (*Reservation, error) {
	lock := r.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	best, err := r.selectAgent(ctx, tenantID, department, language, skip)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.reserved[best.AgentID]++
	r.mu.Unlock()

	agentID := best.AgentID
	return &Reservation{
		Candidate: best,
		release: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.reserved[agentID] <= 1 {
				delete(r.reserved, agentID)
				return
			}
			r.reserved[agentID]--
		},
	}, nil
}

func (r *Router) tenantLock(tenantID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.tenantLocks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		r.tenantLocks[tenantID] = lock
	}
	return lock
}

func (r *Router) selectAgent(ctx context.Context, tenantID, department, language string, skip map[string]bool) (Candidate, error) {
	candidates, err := r.candidates(ctx, tenantID, department, language, skip)
	if err != nil {
		return Candidate{}, err
	}
	if len(candidates) == 0 {
		r.logger.Debug("no eligible agent",
			"tenant_id", tenantID,
			"department", department,
			"language", language,
		)
		return Candidate{}, ErrNoAgentsAvailable
	}
	return candidates[0], nil
}

// candidates returns eligible agents ordered by load then agent ID.
func (r *Router) candidates(ctx context.Context, tenantID, department, language string, skip map[string]bool) ([]Candidate, error) {
	agents, counts, err := r.workloads.snapshot(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var members map[string]bool
	if department != "" {
		members, err = r.departmentMembers(ctx, tenantID, department)
		if err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	reserved := make(map[string]int, len(r.reserved))
	for id, n := range r.reserved {
		reserved[id] = n
	}
	r.mu.Unlock()

	// Status comes from the store row so changes written by other
	// processes are seen on the next decision.
	var result []Candidate
	for _, a := range agents {
		if !eligible(a, statusOrOffline(a.Status), language) {
			continue
		}
		if skip[a.ID] || (members != nil && !members[a.ID]) {
			continue
		}
		load := counts[a.ID] + reserved[a.ID]
		capacity := r.workloads.capacity(a)
		if load >= capacity {
			continue
		}
		result = append(result, Candidate{AgentID: a.ID, Load: load, Capacity: capacity})
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Load != result[j].Load {
			return result[i].Load < result[j].Load
		}
		return result[i].AgentID < result[j].AgentID
	})
	return result, nil
}

func (r *Router) departmentMembers(ctx context.Context, tenantID, department string) (map[string]bool, error) {
	if r.directory == nil {
		return nil, ErrDirectoryUnavailable
	}
	ids, err := r.directory.Members(ctx, tenantID, department)
	if err != nil {
		return nil, fmt.Errorf("resolving department %q: %w", department, err)
	}
	members := make(map[string]bool, len(ids))
	for _, id := range ids {
		members[id] = true
	}
	return members, nil
}

func eligible(a *store.Agent, status store.AgentStatus, language string) bool {
	if !a.Active || !a.Role.CanHandleConversations() {
		return false
	}
	if status != store.AgentOnline {
		return false
	}
	return language == "" || a.PreferredLanguage == language
}
