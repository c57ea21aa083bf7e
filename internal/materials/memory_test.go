package materials

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/konveksi/konveksi/internal/shared"
)

type memoryRepo struct {
	mu        sync.Mutex
	materials map[int64]Material
	ledger    []LedgerEntry
	nextID    int64
	// flushed records material ids in the order their cache was written.
	flushed []int64
}

type memoryTx struct {
	repo    *memoryRepo
	pending stockDeltas
}

func newMemoryRepo(materials ...Material) *memoryRepo {
	r := &memoryRepo{materials: make(map[int64]Material)}
	for _, m := range materials {
		r.materials[m.ID] = m
	}
	return r
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	materials := make(map[int64]Material, len(r.materials))
	for k, v := range r.materials {
		materials[k] = v
	}
	ledger := append([]LedgerEntry(nil), r.ledger...)
	nextID := r.nextID
	tx := &memoryTx{repo: r, pending: stockDeltas{}}
	err := fn(ctx, tx)
	if err == nil {
		err = tx.FlushStock(ctx)
	}
	if err != nil {
		r.materials, r.ledger, r.nextID = materials, ledger, nextID
		return err
	}
	return nil
}

func (r *memoryRepo) GetMaterial(ctx context.Context, id int64) (Material, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.materials[id]
	if !ok {
		return Material{}, ErrMaterialNotFound
	}
	return m, nil
}

func (r *memoryRepo) SumDeltas(ctx context.Context, id int64) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sum(id), nil
}

func (r *memoryRepo) sum(id int64) decimal.Decimal {
	total := decimal.Zero
	for _, e := range r.ledger {
		if e.MaterialID == id {
			total = total.Add(e.Delta)
		}
	}
	return total
}

func (r *memoryRepo) ListLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	matched := []LedgerEntry{}
	for i := len(r.ledger) - 1; i >= 0; i-- {
		e := r.ledger[i]
		if e.MaterialID != filter.MaterialID {
			continue
		}
		if filter.Source != "" && e.Source != filter.Source {
			continue
		}
		if filter.OrderID > 0 && e.OrderID != filter.OrderID {
			continue
		}
		matched = append(matched, e)
	}
	return matched, len(matched), nil
}

func (r *memoryRepo) ListLowStock(ctx context.Context, limit int) ([]Material, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Material{}
	for _, m := range r.materials {
		if m.BelowSafetyStock() {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryRepo) ListMaterialIDs(ctx context.Context) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.materials))
	for id := range r.materials {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (tx *memoryTx) GetMaterial(ctx context.Context, id int64) (Material, error) {
	m, ok := tx.repo.materials[id]
	if !ok {
		return Material{}, ErrMaterialNotFound
	}
	return m, nil
}

func (tx *memoryTx) LockMaterial(ctx context.Context, id int64) (Material, error) {
	return tx.GetMaterial(ctx, id)
}

func (tx *memoryTx) ReferenceExists(ctx context.Context, referenceNo string) (bool, error) {
	for _, e := range tx.repo.ledger {
		if e.ReferenceNo == referenceNo {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryTx) AppendEntry(ctx context.Context, entry LedgerEntry) (LedgerEntry, error) {
	if _, ok := tx.repo.materials[entry.MaterialID]; !ok {
		return LedgerEntry{}, ErrMaterialNotFound
	}
	tx.repo.nextID++
	entry.ID = tx.repo.nextID
	tx.repo.ledger = append(tx.repo.ledger, entry)
	tx.pending.add(entry.MaterialID, entry.Delta, entry.CreatedAt)
	return entry, nil
}

func (tx *memoryTx) FlushStock(ctx context.Context) error {
	for _, id := range tx.pending.ordered() {
		m, ok := tx.repo.materials[id]
		if !ok {
			return ErrMaterialNotFound
		}
		p := tx.pending[id]
		m.QtyOnHand = m.QtyOnHand.Add(p.delta)
		m.UpdatedAt = p.at
		tx.repo.materials[id] = m
		tx.repo.flushed = append(tx.repo.flushed, id)
	}
	clear(tx.pending)
	return nil
}

func (tx *memoryTx) SumDeltas(ctx context.Context, id int64) (decimal.Decimal, error) {
	return tx.repo.sum(id), nil
}

func (tx *memoryTx) SetQtyOnHand(ctx context.Context, id int64, qty decimal.Decimal) error {
	delete(tx.pending, id)
	m := tx.repo.materials[id]
	m.QtyOnHand = qty
	m.UpdatedAt = time.Now().UTC()
	tx.repo.materials[id] = m
	return nil
}

type recordingAudit struct {
	actions []string
}

func (a *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.actions = append(a.actions, log.Action)
	return nil
}

type recordingStockScheduler struct {
	calls int
	err   error
}

func (s *recordingStockScheduler) ScheduleStockReconcile(ctx context.Context) error {
	s.calls++
	return s.err
}
