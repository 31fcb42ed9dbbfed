package connector

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/roach88/provsync/internal/ir"
)

// Call is one recorded connector invocation.
type Call struct {
	Op  string
	UID string
}

type journalEntry struct {
	entityType string
	change     Change
}

type fault struct {
	op        string
	uid       string
	err       error
	remaining int // -1 = forever
}

// Memory is an in-memory reference connector for one system. It keeps a
// change journal for deltas, injects faults on demand and records calls so
// tests can detect overlapping work on the same UID.
//
// Thread-safe: every method may be called from any goroutine.
type Memory struct {
	mu      sync.Mutex
	system  string
	objects map[string]map[string]ir.Attrs // entity type → uid → attributes
	journal []journalEntry
	base    int // positions below base were compacted away
	faults  []*fault
	delay   time.Duration
	persist string

	calls    []Call
	inFlight map[string]int
	overlaps int
}

var (
	_ Connector    = (*Memory)(nil)
	_ DeltaFetcher = (*Memory)(nil)
)

// NewMemory creates an empty connector for systemID.
func NewMemory(systemID string) *Memory {
	return &Memory{
		system:   systemID,
		objects:  make(map[string]map[string]ir.Attrs),
		inFlight: make(map[string]int),
	}
}

// SetDelay makes every call take at least d, which widens the window for
// overlap detection.
func (m *Memory) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Fail injects err for the next times calls matching op and uid. Empty op or
// uid match anything; times < 0 fails forever.
func (m *Memory) Fail(op, uid string, err error, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, &fault{op: op, uid: uid, err: err, remaining: times})
}

// ClearFaults removes every injected fault.
func (m *Memory) ClearFaults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = nil
}

// Put simulates a change made directly on the target system.
func (m *Memory) Put(entityType, uid string, attrs ir.Attrs) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(entityType, uid, attrs.Clone())
}

// Remove simulates a deletion made directly on the target system.
func (m *Memory) Remove(entityType, uid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drop(entityType, uid)
}

// Get returns a copy of one stored object.
func (m *Memory) Get(entityType, uid string) (ir.Attrs, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attrs, ok := m.objects[entityType][uid]
	return attrs.Clone(), ok
}

// Len returns how many objects of entityType exist.
func (m *Memory) Len(entityType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects[entityType])
}

// Compact forgets the journal. Tokens issued before compaction no longer
// resolve and FetchDelta reports ErrDeltaUnsupported for them.
func (m *Memory) Compact() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.base += len(m.journal)
	m.journal = nil
}

// Calls returns the recorded calls in order.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// Overlaps returns how many calls started while another call on the same
// UID was still running.
func (m *Memory) Overlaps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overlaps
}

// Read implements Connector.
func (m *Memory) Read(ctx context.Context, t Target, uid string) (RemoteObject, error) {
	done, err := m.begin(ctx, "read", uid)
	if err != nil {
		return RemoteObject{}, err
	}
	defer done()

	m.mu.Lock()
	defer m.mu.Unlock()
	attrs, ok := m.objects[t.EntityType][uid]
	if !ok {
		return RemoteObject{}, ErrNotFound
	}
	return RemoteObject{UID: uid, Attributes: attrs.Clone()}, nil
}

// Create implements Connector.
func (m *Memory) Create(ctx context.Context, t Target, uid string, attrs ir.Attrs) (RemoteObject, error) {
	done, err := m.begin(ctx, "create", uid)
	if err != nil {
		return RemoteObject{}, err
	}
	defer done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.objects[t.EntityType][uid]; exists {
		return RemoteObject{}, Rejected("create", m.system, fmt.Errorf("%s already exists", uid))
	}
	stored := ir.Attrs{}.Merge(attrs)
	m.store(t.EntityType, uid, stored)
	if err := m.save(); err != nil {
		return RemoteObject{}, err
	}
	return RemoteObject{UID: uid, Attributes: stored.Clone()}, nil
}

// Update implements Connector.
func (m *Memory) Update(ctx context.Context, t Target, uid string, attrs ir.Attrs) (RemoteObject, error) {
	done, err := m.begin(ctx, "update", uid)
	if err != nil {
		return RemoteObject{}, err
	}
	defer done()

	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.objects[t.EntityType][uid]
	if !ok {
		return RemoteObject{}, Rejected("update", m.system, ErrNotFound)
	}
	stored := current.Merge(attrs)
	m.store(t.EntityType, uid, stored)
	if err := m.save(); err != nil {
		return RemoteObject{}, err
	}
	return RemoteObject{UID: uid, Attributes: stored.Clone()}, nil
}

// Delete implements Connector.
func (m *Memory) Delete(ctx context.Context, t Target, uid string) error {
	done, err := m.begin(ctx, "delete", uid)
	if err != nil {
		return err
	}
	defer done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[t.EntityType][uid]; !ok {
		return Rejected("delete", m.system, ErrNotFound)
	}
	m.drop(t.EntityType, uid)
	return m.save()
}

// Search implements Connector. Objects are streamed in UID order from a
// snapshot taken when the search starts.
func (m *Memory) Search(ctx context.Context, t Target, filter ir.Attrs, handler SearchHandler) error {
	done, err := m.begin(ctx, "search", "")
	if err != nil {
		return err
	}
	defer done()

	m.mu.Lock()
	var snapshot []RemoteObject
	for uid, attrs := range m.objects[t.EntityType] {
		if Matches(attrs, filter) {
			snapshot = append(snapshot, RemoteObject{UID: uid, Attributes: attrs.Clone()})
		}
	}
	m.mu.Unlock()
	slices.SortFunc(snapshot, func(a, b RemoteObject) int { return strings.Compare(a.UID, b.UID) })

	for _, obj := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		more, err := handler(obj)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// FetchDelta implements DeltaFetcher. Tokens are journal positions. Several
// changes to one UID collapse into the latest.
func (m *Memory) FetchDelta(ctx context.Context, t Target, token string, handler ChangeHandler) (string, error) {
	done, err := m.begin(ctx, "delta", "")
	if err != nil {
		return "", err
	}
	defer done()

	from := 0
	if token != "" {
		n, err := strconv.Atoi(token)
		if err != nil || n < 0 {
			return "", fmt.Errorf("token %q: %w", token, ErrDeltaUnsupported)
		}
		from = n
	}

	m.mu.Lock()
	end := m.base + len(m.journal)
	if from < m.base || from > end {
		m.mu.Unlock()
		return "", fmt.Errorf("token %q outside journal [%d, %d]: %w", token, m.base, end, ErrDeltaUnsupported)
	}
	latest := make(map[string]int)
	var order []Change
	for _, e := range m.journal[from-m.base:] {
		if e.entityType != t.EntityType {
			continue
		}
		c := e.change
		c.Object.Attributes = c.Object.Attributes.Clone()
		if i, seen := latest[c.Object.UID]; seen {
			order[i] = Change{} // superseded
		}
		latest[c.Object.UID] = len(order)
		order = append(order, c)
	}
	m.mu.Unlock()

	for _, c := range order {
		if c.Kind == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		more, err := handler(c)
		if err != nil {
			return "", err
		}
		if !more {
			break
		}
	}
	return strconv.Itoa(end), nil
}

// CurrentToken implements DeltaFetcher.
func (m *Memory) CurrentToken(ctx context.Context, _ Target) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return strconv.Itoa(m.base + len(m.journal)), nil
}

// begin records a call, applies injected faults and the configured delay.
// The returned func ends the call.
func (m *Memory) begin(ctx context.Context, op, uid string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.calls = append(m.calls, Call{Op: op, UID: uid})
	for _, f := range m.faults {
		if f.remaining == 0 || (f.op != "" && f.op != op) || (f.uid != "" && f.uid != uid) {
			continue
		}
		if f.remaining > 0 {
			f.remaining--
		}
		m.mu.Unlock()
		return nil, f.err
	}
	if uid != "" {
		m.inFlight[uid]++
		if m.inFlight[uid] > 1 {
			m.overlaps++
		}
	}
	delay := m.delay
	m.mu.Unlock()

	end := func() {
		if uid == "" {
			return
		}
		m.mu.Lock()
		m.inFlight[uid]--
		m.mu.Unlock()
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			end()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return end, nil
}

// store and drop mutate state and journal the change. Caller holds mu.
func (m *Memory) store(entityType, uid string, attrs ir.Attrs) {
	byUID, ok := m.objects[entityType]
	if !ok {
		byUID = make(map[string]ir.Attrs)
		m.objects[entityType] = byUID
	}
	byUID[uid] = attrs
	m.journal = append(m.journal, journalEntry{
		entityType: entityType,
		change:     Change{Kind: ChangeUpsert, Object: RemoteObject{UID: uid, Attributes: attrs.Clone()}},
	})
}

func (m *Memory) drop(entityType, uid string) {
	if _, ok := m.objects[entityType][uid]; !ok {
		return
	}
	delete(m.objects[entityType], uid)
	m.journal = append(m.journal, journalEntry{
		entityType: entityType,
		change:     Change{Kind: ChangeDelete, Object: RemoteObject{UID: uid}},
	})
}

// Matches reports whether attrs holds every filter value. An empty filter
// matches everything.
func Matches(attrs, filter ir.Attrs) bool {
	for k, want := range filter {
		if !ir.Equal(attrs[k], want) {
			return false
		}
	}
	return true
}

// withoutDelta hides the DeltaFetcher capability of a connector.
type withoutDelta struct {
	Connector
}

// WithoutDelta returns c restricted to the base Connector contract, so
// callers always run full enumerations against it.
func WithoutDelta(c Connector) Connector {
	return withoutDelta{Connector: c}
}
