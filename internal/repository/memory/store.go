// Package memory is an in-process implementation of repository.Store. Each
// unit of work stages its writes and applies them under one lock at commit,
// so readers never observe a partially applied unit.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"trimatrix/internal/domain"
	"trimatrix/internal/repository"
	pkgerrors "trimatrix/pkg/errors"

	"github.com/google/uuid"
)

type keyLock chan struct{}

// Store keeps committed state in maps guarded by mu. Exclusive sections
// (tier, triangle, ledger head, external ref) are channel locks so waiters
// honour context cancellation.
type Store struct {
	mu sync.RWMutex

	triangles    map[uuid.UUID]*domain.Triangle
	triPositions map[uuid.UUID][]uuid.UUID
	positions    map[uuid.UUID]*domain.Position
	transactions map[uuid.UUID]*domain.Transaction
	txOrder      []uuid.UUID
	byRef        map[string]uuid.UUID
	heads        map[uuid.UUID]domain.LedgerHead
	unmatched    map[string]*domain.UnmatchedDeposit
	unmatchedSeq []string
	events       []*domain.Event
	seq          int64

	locksMu sync.Mutex
	locks   map[string]keyLock
}

var _ repository.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		triangles:    make(map[uuid.UUID]*domain.Triangle),
		triPositions: make(map[uuid.UUID][]uuid.UUID),
		positions:    make(map[uuid.UUID]*domain.Position),
		transactions: make(map[uuid.UUID]*domain.Transaction),
		byRef:        make(map[string]uuid.UUID),
		heads:        make(map[uuid.UUID]domain.LedgerHead),
		unmatched:    make(map[string]*domain.UnmatchedDeposit),
		locks:        make(map[string]keyLock),
	}
}

func (s *Store) lockFor(key string) keyLock {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = make(keyLock, 1)
		s.locks[key] = l
	}
	return l
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	tx := newTx(s)
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit()
}

type memTx struct {
	s        *Store
	held     map[string]keyLock
	heldSeq  []string
	tri      map[uuid.UUID]*domain.Triangle
	pos      map[uuid.UUID]*domain.Position
	txn      map[uuid.UUID]*domain.Transaction
	txnSeq   []uuid.UUID
	heads    map[uuid.UUID]domain.LedgerHead
	unm      map[string]*domain.UnmatchedDeposit
	unmSeq   []string
	events   []*domain.Event
	newTris  []uuid.UUID
	released bool
}

func newTx(s *Store) *memTx {
	return &memTx{
		s:     s,
		held:  make(map[string]keyLock),
		tri:   make(map[uuid.UUID]*domain.Triangle),
		pos:   make(map[uuid.UUID]*domain.Position),
		txn:   make(map[uuid.UUID]*domain.Transaction),
		heads: make(map[uuid.UUID]domain.LedgerHead),
		unm:   make(map[string]*domain.UnmatchedDeposit),
	}
}

func (t *memTx) acquire(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	l := t.s.lockFor(key)
	select {
	case l <- struct{}{}:
	case <-ctx.Done():
		return pkgerrors.Wrap(pkgerrors.ErrStorageConflict, ctx.Err().Error())
	}
	t.held[key] = l
	t.heldSeq = append(t.heldSeq, key)
	return nil
}

func (t *memTx) release() {
	if t.released {
		return
	}
	t.released = true
	for i := len(t.heldSeq) - 1; i >= 0; i-- {
		<-t.held[t.heldSeq[i]]
	}
}

func (t *memTx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tr := range t.txn {
		if tr.ExternalRef == nil {
			continue
		}
		if owner, ok := s.byRef[*tr.ExternalRef]; ok && owner != tr.ID {
			return pkgerrors.ErrDuplicateExternalRef
		}
	}

	for id, tr := range t.tri {
		c := tr.Clone()
		c.Positions = nil
		s.triangles[id] = c
	}
	for id, p := range t.pos {
		if _, ok := s.positions[id]; !ok {
			s.triPositions[p.TriangleID] = append(s.triPositions[p.TriangleID], id)
		}
		s.positions[id] = p.Clone()
	}
	for _, id := range t.txnSeq {
		if _, ok := s.transactions[id]; !ok {
			s.txOrder = append(s.txOrder, id)
		}
	}
	for id, tr := range t.txn {
		s.transactions[id] = tr.Clone()
		if tr.ExternalRef != nil {
			s.byRef[*tr.ExternalRef] = id
		}
	}
	for id, h := range t.heads {
		s.heads[id] = h
	}
	for _, ref := range t.unmSeq {
		if _, ok := s.unmatched[ref]; !ok {
			s.unmatchedSeq = append(s.unmatchedSeq, ref)
		}
		c := *t.unm[ref]
		s.unmatched[ref] = &c
	}
	for _, e := range t.events {
		c := *e
		s.events = append(s.events, &c)
	}
	return nil
}

// triangleView merges committed and staged state. Caller must not hold s.mu.
func (t *memTx) triangleView(id uuid.UUID) (*domain.Triangle, bool) {
	var out *domain.Triangle
	if staged, ok := t.tri[id]; ok {
		out = staged.Clone()
	}

	t.s.mu.RLock()
	committed, ok := t.s.triangles[id]
	if out == nil && ok {
		out = committed.Clone()
	}
	var committedPositions []*domain.Position
	for _, pid := range t.s.triPositions[id] {
		committedPositions = append(committedPositions, t.s.positions[pid].Clone())
	}
	t.s.mu.RUnlock()

	if out == nil {
		return nil, false
	}

	merged := make(map[uuid.UUID]*domain.Position)
	for _, p := range committedPositions {
		merged[p.ID] = p
	}
	for pid, p := range t.pos {
		if p.TriangleID == id {
			merged[pid] = p.Clone()
		}
	}
	out.Positions = out.Positions[:0]
	for _, p := range merged {
		out.Positions = append(out.Positions, p)
	}
	out.SortPositions()
	return out, true
}

func (t *memTx) LockTier(ctx context.Context, tier int) error {
	return t.acquire(ctx, fmt.Sprintf("tier:%d", tier))
}

func (t *memTx) LockTriangle(ctx context.Context, id uuid.UUID) (*domain.Triangle, error) {
	if err := t.acquire(ctx, "tri:"+id.String()); err != nil {
		return nil, err
	}
	tr, ok := t.triangleView(id)
	if !ok {
		return nil, pkgerrors.ErrTriangleNotFound
	}
	return tr, nil
}

func hasOpenSlot(tr *domain.Triangle) bool {
	return tr.Status == domain.TriangleStatusFilling && tr.LowestOpenSlot() >= 0
}

func (t *memTx) OldestFillingTriangle(ctx context.Context, tier int) (*domain.Triangle, error) {
	type candidate struct {
		id  uuid.UUID
		seq int64
	}
	var candidates []candidate

	t.s.mu.RLock()
	for id, tr := range t.s.triangles {
		if tr.Tier == tier && tr.Status == domain.TriangleStatusFilling {
			candidates = append(candidates, candidate{id: id, seq: tr.Seq})
		}
	}
	t.s.mu.RUnlock()
	for _, id := range t.newTris {
		if tr := t.tri[id]; tr.Tier == tier && tr.Status == domain.TriangleStatusFilling {
			candidates = append(candidates, candidate{id: id, seq: tr.Seq})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].seq < candidates[j].seq })

	for _, c := range candidates {
		tr, err := t.LockTriangle(ctx, c.id)
		if err != nil {
			return nil, err
		}
		if hasOpenSlot(tr) {
			return tr, nil
		}
	}
	return nil, pkgerrors.ErrTriangleNotFound
}

func (t *memTx) InsertTriangle(ctx context.Context, tr *domain.Triangle) error {
	if _, ok := t.tri[tr.ID]; ok {
		return fmt.Errorf("triangle %s already staged", tr.ID)
	}
	// Sequence values are consumed even if the unit rolls back.
	t.s.mu.Lock()
	t.s.seq++
	tr.Seq = t.s.seq
	t.s.mu.Unlock()

	c := tr.Clone()
	c.Positions = nil
	t.tri[tr.ID] = c
	t.newTris = append(t.newTris, tr.ID)
	return nil
}

func (t *memTx) UpdateTriangle(ctx context.Context, tr *domain.Triangle) error {
	if _, ok := t.held["tri:"+tr.ID.String()]; !ok {
		if _, staged := t.tri[tr.ID]; !staged {
			return fmt.Errorf("triangle %s updated without lock", tr.ID)
		}
	}
	c := tr.Clone()
	c.Positions = nil
	t.tri[tr.ID] = c
	return nil
}

func (t *memTx) InsertPosition(ctx context.Context, p *domain.Position) error {
	tr, ok := t.triangleView(p.TriangleID)
	if !ok {
		return pkgerrors.ErrTriangleNotFound
	}
	if existing := tr.PositionAt(p.SlotIndex); existing != nil {
		return pkgerrors.ErrSlotTaken
	}
	t.pos[p.ID] = p.Clone()
	return nil
}

func (t *memTx) UpdatePosition(ctx context.Context, p *domain.Position) error {
	if _, ok := t.held["tri:"+p.TriangleID.String()]; !ok {
		if _, staged := t.tri[p.TriangleID]; !staged {
			return fmt.Errorf("position %s updated without triangle lock", p.ID)
		}
	}
	t.pos[p.ID] = p.Clone()
	return nil
}

// positionsView merges staged positions over committed ones.
func (t *memTx) positionsView() map[uuid.UUID]*domain.Position {
	out := make(map[uuid.UUID]*domain.Position)
	t.s.mu.RLock()
	for id, p := range t.s.positions {
		out[id] = p
	}
	t.s.mu.RUnlock()
	for id, p := range t.pos {
		out[id] = p
	}
	return out
}

func (t *memTx) FindPendingByAddress(ctx context.Context, address, network string) (*domain.Position, error) {
	for _, p := range t.positionsView() {
		if p.Status == domain.PositionStatusPendingDeposit && p.Network == network &&
			p.DepositAddress != nil && *p.DepositAddress == address {
			return p.Clone(), nil
		}
	}
	return nil, pkgerrors.ErrPositionNotFound
}

func active(p *domain.Position) bool {
	return p.Status == domain.PositionStatusPendingDeposit || p.Status == domain.PositionStatusFunded
}

func (t *memTx) HasActivePosition(ctx context.Context, userID uuid.UUID, tier int) (bool, error) {
	for _, p := range t.positionsView() {
		if p.Tier == tier && active(p) && p.OccupantUserID != nil && *p.OccupantUserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) HighestActiveTier(ctx context.Context, userID uuid.UUID) (int, bool, error) {
	best, found := 0, false
	for _, p := range t.positionsView() {
		if active(p) && p.OccupantUserID != nil && *p.OccupantUserID == userID {
			if !found || p.Tier > best {
				best, found = p.Tier, true
			}
		}
	}
	return best, found, nil
}

func (t *memTx) LockExternalRef(ctx context.Context, ref string) error {
	return t.acquire(ctx, "ref:"+ref)
}

func (t *memTx) LockLedgerHead(ctx context.Context, userID uuid.UUID) (domain.LedgerHead, error) {
	if err := t.acquire(ctx, "head:"+userID.String()); err != nil {
		return domain.LedgerHead{}, err
	}
	if h, ok := t.heads[userID]; ok {
		return h, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.heads[userID], nil
}

func (t *memTx) SetLedgerHead(ctx context.Context, userID uuid.UUID, head domain.LedgerHead) error {
	if _, ok := t.held["head:"+userID.String()]; !ok {
		return fmt.Errorf("ledger head for %s set without lock", userID)
	}
	t.heads[userID] = head
	return nil
}

func (t *memTx) refOwner(ref string) (uuid.UUID, bool) {
	for id, tr := range t.txn {
		if tr.ExternalRef != nil && *tr.ExternalRef == ref {
			return id, true
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	id, ok := t.s.byRef[ref]
	return id, ok
}

func (t *memTx) InsertTransaction(ctx context.Context, tr *domain.Transaction) error {
	if tr.ExternalRef != nil {
		if _, ok := t.refOwner(*tr.ExternalRef); ok {
			return pkgerrors.ErrDuplicateExternalRef
		}
	}
	t.txn[tr.ID] = tr.Clone()
	t.txnSeq = append(t.txnSeq, tr.ID)
	return nil
}

func (t *memTx) UpdateTransaction(ctx context.Context, tr *domain.Transaction) error {
	if _, ok := t.held["txn:"+tr.ID.String()]; !ok {
		if _, staged := t.txn[tr.ID]; !staged {
			return fmt.Errorf("transaction %s updated without lock", tr.ID)
		}
	}
	if tr.ExternalRef != nil {
		if owner, ok := t.refOwner(*tr.ExternalRef); ok && owner != tr.ID {
			return pkgerrors.ErrDuplicateExternalRef
		}
	}
	t.txn[tr.ID] = tr.Clone()
	return nil
}

func (t *memTx) findTransaction(id uuid.UUID) (*domain.Transaction, bool) {
	if tr, ok := t.txn[id]; ok {
		return tr.Clone(), true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	tr, ok := t.s.transactions[id]
	return tr.Clone(), ok
}

func (t *memTx) FindTransactionForUpdate(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	if err := t.acquire(ctx, "txn:"+id.String()); err != nil {
		return nil, err
	}
	tr, ok := t.findTransaction(id)
	if !ok {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	return tr, nil
}

func (t *memTx) FindTransactionByExternalRef(ctx context.Context, ref string) (*domain.Transaction, error) {
	id, ok := t.refOwner(ref)
	if !ok {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	tr, ok := t.findTransaction(id)
	if !ok {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	return tr, nil
}

func (t *memTx) transactionsView() []*domain.Transaction {
	var out []*domain.Transaction
	t.s.mu.RLock()
	for _, id := range t.s.txOrder {
		if _, staged := t.txn[id]; staged {
			continue
		}
		out = append(out, t.s.transactions[id])
	}
	t.s.mu.RUnlock()
	seen := make(map[uuid.UUID]bool)
	for _, id := range t.txnSeq {
		seen[id] = true
		out = append(out, t.txn[id])
	}
	for id, tr := range t.txn {
		if !seen[id] {
			out = append(out, tr)
		}
	}
	return out
}

func (t *memTx) HasReferralBonus(ctx context.Context, referrerID, referredID uuid.UUID) (bool, error) {
	for _, tr := range t.transactionsView() {
		if tr.Kind == domain.TransactionKindReferralBonus && tr.UserID == referrerID &&
			tr.ReferredUserID != nil && *tr.ReferredUserID == referredID &&
			tr.Status != domain.TransactionStatusFailed {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) UserEntries(ctx context.Context, userID uuid.UUID, coin string) ([]*domain.Transaction, error) {
	var out []*domain.Transaction
	for _, tr := range t.transactionsView() {
		if tr.UserID == userID && tr.Coin == coin {
			out = append(out, tr.Clone())
		}
	}
	return out, nil
}

func (t *memTx) InsertUnmatchedDeposit(ctx context.Context, u *domain.UnmatchedDeposit) error {
	if _, err := t.FindUnmatchedByExternalRef(ctx, u.ExternalRef); err == nil {
		return pkgerrors.ErrDuplicateExternalRef
	}
	c := *u
	t.unm[u.ExternalRef] = &c
	t.unmSeq = append(t.unmSeq, u.ExternalRef)
	return nil
}

func (t *memTx) FindUnmatchedByExternalRef(ctx context.Context, ref string) (*domain.UnmatchedDeposit, error) {
	if u, ok := t.unm[ref]; ok {
		c := *u
		return &c, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if u, ok := t.s.unmatched[ref]; ok {
		c := *u
		return &c, nil
	}
	return nil, pkgerrors.ErrTransactionNotFound
}

func (t *memTx) AppendEvent(ctx context.Context, e *domain.Event) error {
	c := *e
	t.events = append(t.events, &c)
	return nil
}

// --- Reader ---

func (s *Store) assemble(id uuid.UUID) (*domain.Triangle, bool) {
	tr, ok := s.triangles[id]
	if !ok {
		return nil, false
	}
	out := tr.Clone()
	for _, pid := range s.triPositions[id] {
		out.Positions = append(out.Positions, s.positions[pid].Clone())
	}
	out.SortPositions()
	return out, true
}

func (s *Store) GetTriangle(ctx context.Context, id uuid.UUID) (*domain.Triangle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.assemble(id)
	if !ok {
		return nil, pkgerrors.ErrTriangleNotFound
	}
	return tr, nil
}

func (s *Store) GetPosition(ctx context.Context, id uuid.UUID) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, pkgerrors.ErrPositionNotFound
	}
	return p.Clone(), nil
}

func (s *Store) sortedTriangles(match func(*domain.Triangle) bool, limit int) []*domain.Triangle {
	var out []*domain.Triangle
	for id, tr := range s.triangles {
		if match(tr) {
			full, _ := s.assemble(id)
			out = append(out, full)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) ListChildren(ctx context.Context, parentID uuid.UUID) ([]*domain.Triangle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedTriangles(func(tr *domain.Triangle) bool {
		return tr.ParentTriangleID != nil && *tr.ParentTriangleID == parentID
	}, 0), nil
}

func (s *Store) ListTrianglesByStatus(ctx context.Context, status domain.TriangleStatus, limit int) ([]*domain.Triangle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedTriangles(func(tr *domain.Triangle) bool { return tr.Status == status }, limit), nil
}

func (s *Store) sortedPositions(match func(*domain.Position) bool, limit int) []*domain.Position {
	var out []*domain.Position
	for _, p := range s.positions {
		if match(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SlotIndex < out[j].SlotIndex
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) ListLedgerUsers(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(s.heads))
	for id := range s.heads {
		if bytes.Compare(id[:], after[:]) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *Store) ListPositionsByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedPositions(func(p *domain.Position) bool {
		return p.OccupantUserID != nil && *p.OccupantUserID == userID
	}, 0), nil
}

func (s *Store) ListStalePositions(ctx context.Context, assignedBefore time.Time, limit int) ([]*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedPositions(func(p *domain.Position) bool {
		return p.Status == domain.PositionStatusPendingDeposit && p.AssignedAt != nil && p.AssignedAt.Before(assignedBefore)
	}, limit), nil
}

func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.transactions[id]
	if !ok {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	return tr.Clone(), nil
}

func (s *Store) filterTransactions(match func(*domain.Transaction) bool) []*domain.Transaction {
	var out []*domain.Transaction
	for _, id := range s.txOrder {
		if tr := s.transactions[id]; match(tr) {
			out = append(out, tr.Clone())
		}
	}
	return out
}

func (s *Store) ListTransactionsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.filterTransactions(func(tr *domain.Transaction) bool { return tr.UserID == userID })
	// Newest first.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if offset >= len(all) {
		return []*domain.Transaction{}, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) ListTransactionsForTriangle(ctx context.Context, triangleID uuid.UUID) ([]*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterTransactions(func(tr *domain.Transaction) bool {
		return tr.TriangleID != nil && *tr.TriangleID == triangleID
	}), nil
}

func (s *Store) ChainEntries(ctx context.Context, userID uuid.UUID) ([]*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.filterTransactions(func(tr *domain.Transaction) bool { return tr.UserID == userID })
	sort.Slice(out, func(i, j int) bool { return out[i].ChainIndex < out[j].ChainIndex })
	return out, nil
}

func (s *Store) Balance(ctx context.Context, userID uuid.UUID, coin string) (*domain.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.filterTransactions(func(tr *domain.Transaction) bool { return tr.UserID == userID })
	return domain.BalanceFrom(userID, coin, entries), nil
}

func (s *Store) ListFailedDeposits(ctx context.Context, limit int) ([]*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.filterTransactions(func(tr *domain.Transaction) bool {
		return tr.Kind == domain.TransactionKindDeposit && tr.Status == domain.TransactionStatusFailed
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListUnmatchedDeposits(ctx context.Context, limit int) ([]*domain.UnmatchedDeposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.UnmatchedDeposit
	for _, ref := range s.unmatchedSeq {
		c := *s.unmatched[ref]
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) PendingEvents(ctx context.Context, maxAttempts, limit int) ([]*domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Event
	for _, e := range s.events {
		if e.DispatchedAt != nil || (maxAttempts > 0 && e.Attempts >= maxAttempts) {
			continue
		}
		c := *e
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) findEvent(id uuid.UUID) *domain.Event {
	for _, e := range s.events {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (s *Store) MarkEventDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.findEvent(id)
	if e == nil {
		return fmt.Errorf("event %s not found", id)
	}
	e.DispatchedAt = &at
	return nil
}

func (s *Store) MarkEventFailed(ctx context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.findEvent(id)
	if e == nil {
		return fmt.Errorf("event %s not found", id)
	}
	e.Attempts++
	e.LastError = reason
	return nil
}

func (s *Store) CountPendingEvents(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.events {
		if e.DispatchedAt == nil {
			n++
		}
	}
	return n, nil
}
