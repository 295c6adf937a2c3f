package matrix

import (
	"fmt"
	"math"
	"sync"
)

// Sentinel marks a dead section: an eliminated player's proposal and
// vote-request entries are pinned to this value for the rest of the
// game.
const Sentinel = -1.0

// Section indexes into the three equal-width partitions of a row.
type Section int

const (
	SectionProposal Section = iota
	SectionVoteAllocation
	SectionVoteRequest
	sectionCount
)

// Proposal maps player id -> percentage share of the pool.
type Proposal map[string]float64

// Vote maps proposer id -> allocated points.
type Vote map[string]float64

// Row is one player's slice of the negotiation matrix. Values has
// width 3*playerCount. Revision counts accepted updates.
type Row struct {
	Owner    string
	Values   []float64
	Revision int
}

// Matrix is the shared grid agents negotiate through, one row per
// player for a single game. Rows are owner-written: Update rejects a
// caller that does not own the target row, which is the only
// exclusion the write side needs. The mutex exists because prompt
// building reads the whole grid while other agents' turns are in
// flight.
type Matrix struct {
	mu      sync.RWMutex
	players []string
	index   map[string]int
	rows    []Row
}

// New allocates one zero-filled row per player. The player set is
// fixed for the life of the game.
func New(players []string) (*Matrix, error) {
	if len(players) < 2 {
		return nil, fmt.Errorf("matrix needs at least 2 players, got %d", len(players))
	}
	idx := make(map[string]int, len(players))
	rows := make([]Row, len(players))
	for i, p := range players {
		if p == "" {
			return nil, fmt.Errorf("empty player id at position %d", i)
		}
		if _, dup := idx[p]; dup {
			return nil, fmt.Errorf("duplicate player id %q", p)
		}
		idx[p] = i
		rows[i] = Row{Owner: p, Values: make([]float64, 3*len(players))}
	}
	return &Matrix{players: append([]string(nil), players...), index: idx, rows: rows}, nil
}

func (m *Matrix) PlayerCount() int { return len(m.players) }

func (m *Matrix) RowWidth() int { return 3 * len(m.players) }

func (m *Matrix) Players() []string {
	return append([]string(nil), m.players...)
}

func (m *Matrix) PlayerIndex(id string) (int, bool) {
	i, ok := m.index[id]
	return i, ok
}

// Update replaces the values of row i. The caller must be the row's
// owner and the value slice must be exactly row-width long; anything
// else is rejected without touching the row.
func (m *Matrix) Update(caller string, i int, values []float64) error {
	if i < 0 || i >= len(m.rows) {
		return fmt.Errorf("row %d out of range", i)
	}
	if len(values) != m.RowWidth() {
		return fmt.Errorf("row %d: got %d values, want %d", i, len(values), m.RowWidth())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows[i].Owner != caller {
		return fmt.Errorf("row %d owned by %q, write attempted by %q", i, m.rows[i].Owner, caller)
	}
	copy(m.rows[i].Values, values)
	m.rows[i].Revision++
	return nil
}

// Row returns a copy of row i.
func (m *Matrix) Row(i int) (Row, error) {
	if i < 0 || i >= len(m.rows) {
		return Row{}, fmt.Errorf("row %d out of range", i)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r := m.rows[i]
	return Row{Owner: r.Owner, Values: append([]float64(nil), r.Values...), Revision: r.Revision}, nil
}

// Snapshot returns a copy of every row's values, indexed by player
// position. Used for prompt construction.
func (m *Matrix) Snapshot() [][]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]float64, len(m.rows))
	for i, r := range m.rows {
		out[i] = append([]float64(nil), r.Values...)
	}
	return out
}

// SectionBounds returns the half-open [lo,hi) value range of a
// section for this matrix's width.
func (m *Matrix) SectionBounds(s Section) (int, int) {
	n := len(m.players)
	lo := int(s) * n
	return lo, lo + n
}

// SectionOf extracts a copy of one section from a raw row value
// slice.
func (m *Matrix) SectionOf(values []float64, s Section) []float64 {
	lo, hi := m.SectionBounds(s)
	return append([]float64(nil), values[lo:hi]...)
}

// IsSentinelSection reports whether every entry of the section equals
// the sentinel.
func IsSentinelSection(section []float64) bool {
	for _, v := range section {
		if v != Sentinel {
			return false
		}
	}
	return len(section) > 0
}

// SumSection ignores nothing: callers decide whether sentinel rows
// are meaningful before summing.
func SumSection(section []float64) float64 {
	var sum float64
	for _, v := range section {
		sum += v
	}
	return sum
}

// DecodeProposal reads row i's proposal section into a Proposal. A
// fully-sentinel section decodes to nil, signalling a dead proposal.
func (m *Matrix) DecodeProposal(i int) (Proposal, error) {
	r, err := m.Row(i)
	if err != nil {
		return nil, err
	}
	sec := m.SectionOf(r.Values, SectionProposal)
	if IsSentinelSection(sec) {
		return nil, nil
	}
	p := make(Proposal, len(m.players))
	for j, id := range m.players {
		p[id] = sec[j]
	}
	return p, nil
}

// DecodeVote reads row i's vote-allocation section into a Vote.
func (m *Matrix) DecodeVote(i int) (Vote, error) {
	r, err := m.Row(i)
	if err != nil {
		return nil, err
	}
	sec := m.SectionOf(r.Values, SectionVoteAllocation)
	v := make(Vote, len(m.players))
	for j, id := range m.players {
		v[id] = sec[j]
	}
	return v, nil
}

// EncodeProposal writes a Proposal into the proposal section of a raw
// row value slice, in player order. Missing players encode as zero.
func (m *Matrix) EncodeProposal(values []float64, p Proposal) {
	lo, _ := m.SectionBounds(SectionProposal)
	for j, id := range m.players {
		values[lo+j] = p[id]
	}
}

// EncodeVote writes a Vote into the vote-allocation section.
func (m *Matrix) EncodeVote(values []float64, v Vote) {
	lo, _ := m.SectionBounds(SectionVoteAllocation)
	for j, id := range m.players {
		values[lo+j] = v[id]
	}
}

// SumsTo reports whether the mapping totals want within tol.
func SumsTo(mapping map[string]float64, want, tol float64) bool {
	var sum float64
	for _, v := range mapping {
		sum += v
	}
	return math.Abs(sum-want) <= tol
}
