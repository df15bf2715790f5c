// Package chain tracks the logical binding of jobs to numbered computation chains.
//
// A chain is either idle or bound to exactly one job. The manager never
// looks at the solver; whether the process on a chain is alive is someone
// else's question.
package chain

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ChuLiYu/postbox/pkg/types"
)

var (
	ErrNoAvailableChain = errors.New("no available chain")
	ErrChainOutOfRange  = errors.New("chain out of range")
	ErrChainBusy        = errors.New("chain busy")
	ErrJobBound         = errors.New("job already bound to a chain")
	ErrInvalidRange     = errors.New("invalid chain range")
)

// Range is an inclusive range of chain numbers.
type Range struct {
	First types.ChainID
	Last  types.ChainID
}

// ParseRange parses "N-M" (inclusive, 1 <= N <= M).
func ParseRange(raw string) (Range, error) {
	lo, hi, ok := strings.Cut(strings.TrimSpace(raw), "-")
	if !ok {
		return Range{}, fmt.Errorf("%w: %q is not N-M", ErrInvalidRange, raw)
	}
	first, err1 := strconv.Atoi(strings.TrimSpace(lo))
	last, err2 := strconv.Atoi(strings.TrimSpace(hi))
	if err1 != nil || err2 != nil {
		return Range{}, fmt.Errorf("%w: %q is not numeric", ErrInvalidRange, raw)
	}
	r := Range{First: types.ChainID(first), Last: types.ChainID(last)}
	if r.First < 1 || r.Last < r.First {
		return Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, raw)
	}
	return r, nil
}

func (r Range) Contains(c types.ChainID) bool {
	return c >= r.First && c <= r.Last
}

func (r Range) Len() int {
	return int(r.Last-r.First) + 1
}

func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.First, r.Last)
}

// Manager owns the chain pool.
type Manager struct {
	mu    sync.RWMutex
	rng   Range
	order []types.ChainID // allocation order
	bound map[types.ChainID]types.SID
}

// NewManager builds the candidate order: priority entries inside the range
// first, in list order, then every other chain ascending.
func NewManager(rng Range, priority []types.ChainID) *Manager {
	seen := make(map[types.ChainID]bool, rng.Len())
	order := make([]types.ChainID, 0, rng.Len())
	for _, c := range priority {
		if rng.Contains(c) && !seen[c] {
			seen[c] = true
			order = append(order, c)
		}
	}
	for c := rng.First; c <= rng.Last; c++ {
		if !seen[c] {
			order = append(order, c)
		}
	}
	return &Manager{
		rng:   rng,
		order: order,
		bound: make(map[types.ChainID]types.SID),
	}
}

// Range returns the configured chain range.
func (m *Manager) Range() Range {
	return m.rng
}

// Candidates returns every chain in allocation order.
func (m *Manager) Candidates() []types.ChainID {
	return append([]types.ChainID(nil), m.order...)
}

// Allocate binds sid to the first idle candidate.
// On ErrNoAvailableChain nothing changes.
func (m *Manager) Allocate(sid types.SID) (types.ChainID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.chainOfLocked(sid); ok {
		return types.NoChain, fmt.Errorf("%w: SID %s on chain %s", ErrJobBound, sid, c)
	}
	for _, c := range m.order {
		if _, busy := m.bound[c]; !busy {
			m.bound[c] = sid
			return c, nil
		}
	}
	return types.NoChain, fmt.Errorf("%w for SID %s", ErrNoAvailableChain, sid)
}

// Bind records an existing binding, e.g. one loaded from the jobs database.
func (m *Manager) Bind(c types.ChainID, sid types.SID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.rng.Contains(c) {
		return fmt.Errorf("%w: chain %s not in %s", ErrChainOutOfRange, c, m.rng)
	}
	if owner, busy := m.bound[c]; busy {
		if owner == sid {
			return nil
		}
		return fmt.Errorf("%w: chain %s bound to SID %s", ErrChainBusy, c, owner)
	}
	if other, ok := m.chainOfLocked(sid); ok {
		return fmt.Errorf("%w: SID %s on chain %s", ErrJobBound, sid, other)
	}
	m.bound[c] = sid
	return nil
}

// Release marks a chain idle. Releasing an idle chain is a no-op.
func (m *Manager) Release(c types.ChainID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.rng.Contains(c) {
		return fmt.Errorf("%w: chain %s not in %s", ErrChainOutOfRange, c, m.rng)
	}
	delete(m.bound, c)
	return nil
}

// BoundTo returns the SID bound to chain c.
func (m *Manager) BoundTo(c types.ChainID) (types.SID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sid, ok := m.bound[c]
	return sid, ok
}

// ChainOf returns the chain bound to sid.
func (m *Manager) ChainOf(sid types.SID) (types.ChainID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chainOfLocked(sid)
}

func (m *Manager) chainOfLocked(sid types.SID) (types.ChainID, bool) {
	for c, owner := range m.bound {
		if owner == sid {
			return c, true
		}
	}
	return types.NoChain, false
}

// Idle returns idle chains in allocation order.
func (m *Manager) Idle() []types.ChainID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var idle []types.ChainID
	for _, c := range m.order {
		if _, busy := m.bound[c]; !busy {
			idle = append(idle, c)
		}
	}
	return idle
}

// Busy returns bound chains in ascending order.
func (m *Manager) Busy() []types.ChainID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	busy := make([]types.ChainID, 0, len(m.bound))
	for c := range m.bound {
		busy = append(busy, c)
	}
	sort.Slice(busy, func(i, j int) bool { return busy[i] < busy[j] })
	return busy
}
