package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helixir/crawler-extractor/internal/config"
	"github.com/helixir/crawler-extractor/internal/domain"
)

var _ PaperRepository = (*MemoryPaperRepository)(nil)

// MemoryPaperRepository keeps papers in process. Returned records are copies.
type MemoryPaperRepository struct {
	mu       sync.Mutex
	papers   map[string]*memoryPaper
	titles   map[string]string
	seq      int64
	calls    map[string]int
	pgxRows  map[string][]domain.PgxExtractionRow
	now      func() time.Time
	clockSeq time.Duration

	// PlaceholderErr, when set, is consulted before every placeholder insert.
	// A non-nil result is returned instead of inserting.
	PlaceholderErr func(title string) error
}

type memoryPaper struct {
	record *domain.PaperRecord
	seq    int64
}

// NewMemoryPaperRepository creates an empty in-memory repository.
func NewMemoryPaperRepository() *MemoryPaperRepository {
	return &MemoryPaperRepository{
		papers:  make(map[string]*memoryPaper),
		titles:  make(map[string]string),
		calls:   make(map[string]int),
		pgxRows: make(map[string][]domain.PgxExtractionRow),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Put stores a copy of paper as is, bypassing validation. It is meant for
// seeding fixtures.
func (m *MemoryPaperRepository) Put(paper *domain.PaperRecord) *domain.PaperRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := paper.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Metadata == nil {
		stored.Metadata = map[string]interface{}{}
	}
	now := m.tick()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	m.seq++
	m.papers[stored.ID] = &memoryPaper{record: stored, seq: m.seq}
	m.titles[stored.Title] = stored.ID
	return stored.Clone()
}

// CallCount returns how many times method was invoked.
func (m *MemoryPaperRepository) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// PgxRows returns the extraction rows stored for paperID.
func (m *MemoryPaperRepository) PgxRows(paperID string) []domain.PgxExtractionRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.PgxExtractionRow(nil), m.pgxRows[paperID]...)
}

// All returns every stored paper in insertion order.
func (m *MemoryPaperRepository) All() []*domain.PaperRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectLocked(func(*domain.PaperRecord) bool { return true }, byInsertion)
}

func (m *MemoryPaperRepository) GetByID(_ context.Context, id string) (*domain.PaperRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["GetByID"]++

	p, ok := m.papers[id]
	if !ok {
		return nil, domain.NewNotFoundError("paper", id)
	}
	return p.record.Clone(), nil
}

func (m *MemoryPaperRepository) FetchByState(_ context.Context, state domain.PaperState, limit int) ([]*domain.PaperRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["FetchByState"]++

	out := m.selectLocked(func(p *domain.PaperRecord) bool { return p.State == state }, byLevelThenAge)
	return capRecords(out, limit), nil
}

func (m *MemoryPaperRepository) FetchByStateAtLevel(_ context.Context, state domain.PaperState, level, limit int, seed *int) ([]*domain.PaperRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["FetchByStateAtLevel"]++

	out := m.selectLocked(func(p *domain.PaperRecord) bool {
		return p.State == state && p.Level == level && seedMatches(p, seed)
	}, byAge)
	return capRecords(out, limit), nil
}

func (m *MemoryPaperRepository) FetchByPdfMD5(_ context.Context, md5 string) ([]*domain.PaperRecord, error) {
	if md5 == "" {
		return nil, domain.NewValidationError("pdf_md5", "hash is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["FetchByPdfMD5"]++

	md5 = strings.ToLower(md5)
	return m.selectLocked(func(p *domain.PaperRecord) bool { return p.PdfMD5 == md5 }, byUpdated), nil
}

func (m *MemoryPaperRepository) FetchPdfHashCandidates(_ context.Context, limit int, seed *int, missingOnly bool) ([]*domain.PaperRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["FetchPdfHashCandidates"]++

	out := m.selectLocked(func(p *domain.PaperRecord) bool {
		if !containsState(HashableStates, p.State) || !seedMatches(p, seed) {
			return false
		}
		return (p.PdfMD5 == "") == missingOnly
	}, byUpdated)
	return capRecords(out, limit), nil
}

func (m *MemoryPaperRepository) LowestActiveLevel(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["LowestActiveLevel"]++

	lowest := 0
	for _, p := range m.papers {
		if !containsState(LevelActiveStates, p.record.State) {
			continue
		}
		if lowest == 0 || p.record.Level < lowest {
			lowest = p.record.Level
		}
	}
	return lowest, nil
}

func (m *MemoryPaperRepository) LevelStatusCounts(_ context.Context, seed *int) ([]LevelStatusCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["LevelStatusCounts"]++

	type key struct {
		level int
		state domain.PaperState
	}
	totals := make(map[key]int64)
	for _, p := range m.papers {
		if seedMatches(p.record, seed) {
			totals[key{p.record.Level, p.record.State}]++
		}
	}

	out := make([]LevelStatusCount, 0, len(totals))
	for k, n := range totals {
		out = append(out, LevelStatusCount{Level: k.level, State: k.state, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].State < out[j].State
	})
	return out, nil
}

func (m *MemoryPaperRepository) SeedStatusCounts(_ context.Context) ([]SeedStatusCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["SeedStatusCounts"]++

	type key struct {
		seed    int
		hasSeed bool
		state   domain.PaperState
	}
	totals := make(map[key]int64)
	for _, p := range m.papers {
		k := key{state: p.record.State}
		if p.record.SeedNumber != nil {
			k.seed, k.hasSeed = *p.record.SeedNumber, true
		}
		totals[k]++
	}

	out := make([]SeedStatusCount, 0, len(totals))
	for k, n := range totals {
		c := SeedStatusCount{State: k.state, Count: n}
		if k.hasSeed {
			c.SeedNumber = domain.IntPtr(k.seed)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].SeedNumber, out[j].SeedNumber
		switch {
		case a == nil && b != nil:
			return false
		case a != nil && b == nil:
			return true
		case a != nil && b != nil && *a != *b:
			return *a < *b
		}
		return out[i].State < out[j].State
	})
	return out, nil
}

func (m *MemoryPaperRepository) UpdateState(_ context.Context, id string, state domain.PaperState, update *domain.PaperUpdate) (*domain.PaperRecord, error) {
	if !state.IsValid() {
		return nil, domain.NewValidationError("state", fmt.Sprintf("unknown state %q", state))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["UpdateState"]++

	p, ok := m.papers[id]
	if !ok {
		return nil, domain.NewNotFoundError("paper", id)
	}
	if update != nil && update.PdfMD5 != nil {
		lowered := strings.ToLower(*update.PdfMD5)
		copied := *update
		copied.PdfMD5 = &lowered
		update = &copied
	}
	update.Apply(p.record, state, m.tick())
	return p.record.Clone(), nil
}

func (m *MemoryPaperRepository) IncrementAttempts(_ context.Context, id string, current int) (*domain.PaperRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["IncrementAttempts"]++

	p, ok := m.papers[id]
	if !ok {
		return nil, domain.NewNotFoundError("paper", id)
	}
	p.record.Attempts = current + 1
	p.record.UpdatedAt = m.tick()
	return p.record.Clone(), nil
}

func (m *MemoryPaperRepository) SaveTextReference(ctx context.Context, id string, ref domain.StorageRef) (*domain.PaperRecord, error) {
	return m.UpdateState(ctx, id, domain.PaperStateTextAvailable, &domain.PaperUpdate{TextRef: &ref})
}

func (m *MemoryPaperRepository) RegisterScore(ctx context.Context, id string, result domain.ScoreResult, state domain.PaperState) (*domain.PaperRecord, error) {
	return m.UpdateState(ctx, id, state, scoreUpdate(result))
}

func (m *MemoryPaperRepository) UpdatePdfMD5(_ context.Context, id, md5 string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["UpdatePdfMD5"]++

	p, ok := m.papers[id]
	if !ok {
		return domain.NewNotFoundError("paper", id)
	}
	p.record.PdfMD5 = strings.ToLower(md5)
	p.record.UpdatedAt = m.tick()
	return nil
}

func (m *MemoryPaperRepository) FailExhausted(_ context.Context, states []domain.PaperState, maxAttempts int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["FailExhausted"]++

	var moved int64
	now := m.tick()
	for _, p := range m.papers {
		if !containsState(states, p.record.State) || p.record.Attempts <= maxAttempts {
			continue
		}
		domain.WithReason(ExhaustedReason).Apply(p.record, p.record.State.ExhaustedState(), now)
		moved++
	}
	return moved, nil
}

func (m *MemoryPaperRepository) CreatePdfAvailable(_ context.Context, params SeedParams) (*domain.PaperRecord, error) {
	if err := validateSeedParams(params); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["CreatePdfAvailable"]++

	ref := params.PdfRef
	record := &domain.PaperRecord{
		ID:         params.ID,
		Title:      params.Title,
		State:      domain.PaperStatePdfAvailable,
		Level:      params.Level,
		PdfRef:     &ref,
		PdfMD5:     strings.ToLower(params.PdfMD5),
		ParentID:   params.ParentID,
		SeedNumber: params.SeedNumber,
		Metadata:   params.Metadata,
	}
	return m.insertLocked(record)
}

func (m *MemoryPaperRepository) CreatePdfPlaceholder(_ context.Context, params PlaceholderParams) (*domain.PaperRecord, error) {
	if err := validatePlaceholderParams(params); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["CreatePdfPlaceholder"]++

	if m.PlaceholderErr != nil {
		if err := m.PlaceholderErr(params.Title); err != nil {
			return nil, err
		}
	}
	if _, ok := m.papers[params.ParentID]; !ok {
		return nil, fmt.Errorf("%w: parent %s does not exist", domain.ErrInvalidInput, params.ParentID)
	}

	record := &domain.PaperRecord{
		Title:      params.Title,
		State:      domain.PaperStatePdfNotAvailable,
		Level:      params.Level,
		ParentID:   params.ParentID,
		SeedNumber: params.SeedNumber,
		Metadata:   params.Metadata,
	}
	return m.insertLocked(record)
}

func (m *MemoryPaperRepository) InsertPgxExtractions(_ context.Context, paperID string, rows []domain.PgxExtractionRow, table string) (int, error) {
	if !config.ValidTableName(table) {
		return 0, domain.NewValidationError("table", fmt.Sprintf("invalid table name %q", table))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["InsertPgxExtractions"]++

	if _, ok := m.papers[paperID]; !ok {
		return 0, fmt.Errorf("%w: paper %s does not exist", domain.ErrInvalidInput, paperID)
	}
	m.pgxRows[paperID] = append(m.pgxRows[paperID], rows...)
	return len(rows), nil
}

func (m *MemoryPaperRepository) insertLocked(record *domain.PaperRecord) (*domain.PaperRecord, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if _, exists := m.papers[record.ID]; exists {
		return nil, domain.NewAlreadyExistsError("paper", "id", record.ID)
	}
	if _, exists := m.titles[record.Title]; exists {
		return nil, domain.NewAlreadyExistsError("paper", "title", record.Title)
	}

	record.Metadata = domain.MergeMetadata(nil, record.Metadata)
	if record.SeedNumber != nil {
		record.SeedNumber = domain.IntPtr(*record.SeedNumber)
	}
	now := m.tick()
	record.CreatedAt = now
	record.UpdatedAt = now

	m.seq++
	m.papers[record.ID] = &memoryPaper{record: record, seq: m.seq}
	m.titles[record.Title] = record.ID
	return record.Clone(), nil
}

// tick returns a strictly increasing timestamp so ordering by time is stable.
func (m *MemoryPaperRepository) tick() time.Time {
	m.clockSeq += time.Microsecond
	return m.now().Add(m.clockSeq)
}

type recordOrder func(a, b *memoryPaper) bool

func byInsertion(a, b *memoryPaper) bool { return a.seq < b.seq }

func byAge(a, b *memoryPaper) bool {
	if !a.record.CreatedAt.Equal(b.record.CreatedAt) {
		return a.record.CreatedAt.Before(b.record.CreatedAt)
	}
	return a.seq < b.seq
}

func byLevelThenAge(a, b *memoryPaper) bool {
	if a.record.Level != b.record.Level {
		return a.record.Level < b.record.Level
	}
	return byAge(a, b)
}

func byUpdated(a, b *memoryPaper) bool {
	if !a.record.UpdatedAt.Equal(b.record.UpdatedAt) {
		return a.record.UpdatedAt.Before(b.record.UpdatedAt)
	}
	return a.seq < b.seq
}

func (m *MemoryPaperRepository) selectLocked(keep func(*domain.PaperRecord) bool, order recordOrder) []*domain.PaperRecord {
	matched := make([]*memoryPaper, 0, len(m.papers))
	for _, p := range m.papers {
		if keep(p.record) {
			matched = append(matched, p)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return order(matched[i], matched[j]) })

	out := make([]*domain.PaperRecord, len(matched))
	for i, p := range matched {
		out[i] = p.record.Clone()
	}
	return out
}

func capRecords(records []*domain.PaperRecord, limit int) []*domain.PaperRecord {
	if limit >= 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}

func seedMatches(p *domain.PaperRecord, seed *int) bool {
	if seed == nil {
		return true
	}
	return p.SeedNumber != nil && *p.SeedNumber == *seed
}

func containsState(states []domain.PaperState, s domain.PaperState) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}
