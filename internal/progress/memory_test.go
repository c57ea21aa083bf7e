package progress

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/konveksi/konveksi/internal/materials"
	"github.com/konveksi/konveksi/internal/orders"
	"github.com/konveksi/konveksi/internal/shared"
)

// memoryStore backs orders, material ledger and progress entries in one
// mutex. WithTx holds the mutex for the whole callback, which stands in for
// the order row lock, and restores a snapshot when the callback fails.
type memoryStore struct {
	mu        sync.Mutex
	orders    map[int64]orders.Order
	items     []orders.LineItem
	history   []orders.StatusChange
	materials map[int64]materials.Material
	ledger    []materials.LedgerEntry
	entries   []Entry
	keys      map[string]struct{}
	nextID    int64
	txCount   int
}

type memoryTx struct {
	store *memoryStore
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		orders:    map[int64]orders.Order{},
		materials: map[int64]materials.Material{},
		keys:      map[string]struct{}{},
	}
}

func (s *memoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memoryStore) addMaterial(name string, qty string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	s.materials[id] = materials.Material{ID: id, Name: name, Unit: "m", QtyOnHand: decimal.RequireFromString(qty)}
	s.ledger = append(s.ledger, materials.LedgerEntry{
		ID: s.id(), MaterialID: id, Delta: decimal.RequireFromString(qty), Source: materials.SourceManual,
	})
	return id
}

type lineSpec struct {
	name       string
	ordered    int
	materialID int64
}

func (s *memoryStore) addOrder(status orders.Status, lines ...lineSpec) (orders.Order, []orders.LineItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := orders.Order{
		ID:         s.id(),
		Number:     "ORD-TEST",
		Status:     status,
		Priority:   orders.PriorityNormal,
		Active:     true,
		ShareToken: uuid.New(),
	}
	var items []orders.LineItem
	for _, l := range lines {
		li := orders.LineItem{
			ID:          s.id(),
			OrderID:     order.ID,
			ProductID:   s.id(),
			ProductName: l.name,
			MaterialID:  l.materialID,
			OrderedQty:  l.ordered,
		}
		order.TargetPcs += l.ordered
		items = append(items, li)
		s.items = append(s.items, li)
	}
	s.orders[order.ID] = order
	return order, items
}

func (s *memoryStore) snapshot() func() {
	ords := make(map[int64]orders.Order, len(s.orders))
	for k, v := range s.orders {
		ords[k] = v
	}
	mats := make(map[int64]materials.Material, len(s.materials))
	for k, v := range s.materials {
		mats[k] = v
	}
	keys := make(map[string]struct{}, len(s.keys))
	for k := range s.keys {
		keys[k] = struct{}{}
	}
	items := append([]orders.LineItem(nil), s.items...)
	history := append([]orders.StatusChange(nil), s.history...)
	ledger := append([]materials.LedgerEntry(nil), s.ledger...)
	entries := append([]Entry(nil), s.entries...)
	nextID := s.nextID
	return func() {
		s.orders, s.materials, s.keys = ords, mats, keys
		s.items, s.history, s.ledger, s.entries = items, history, ledger, entries
		s.nextID = nextID
	}
}

func (s *memoryStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txCount++
	restore := s.snapshot()
	if err := fn(ctx, &memoryTx{store: s}); err != nil {
		restore()
		return err
	}
	return nil
}

func (s *memoryStore) GetOrder(ctx context.Context, id int64) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	return o, nil
}

func (s *memoryStore) GetOrderByToken(ctx context.Context, token uuid.UUID) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.ShareToken == token {
			return o, nil
		}
	}
	return orders.Order{}, orders.ErrOrderNotFound
}

func (s *memoryStore) ListLineItems(ctx context.Context, orderID int64) ([]orders.LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lineItems(orderID), nil
}

func (s *memoryStore) lineItems(orderID int64) []orders.LineItem {
	out := []orders.LineItem{}
	for _, li := range s.items {
		if li.OrderID == orderID {
			out = append(out, li)
		}
	}
	return out
}

func (s *memoryStore) GetLineItem(ctx context.Context, id int64) (orders.LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, li := range s.items {
		if li.ID == id {
			return li, nil
		}
	}
	return orders.LineItem{}, orders.ErrLineItemNotFound
}

func (s *memoryStore) SumPiecesByLineItem(ctx context.Context, orderID int64) (map[int64]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sums(orderID), nil
}

func (s *memoryStore) sums(orderID int64) map[int64]int {
	totals := map[int64]int{}
	for _, e := range s.entries {
		if e.OrderID == orderID {
			totals[e.LineItemID] += e.Pieces
		}
	}
	return totals
}

func (s *memoryStore) SumPiecesForLineItem(ctx context.Context, lineItemID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := 0
	for _, e := range s.entries {
		if e.LineItemID == lineItemID {
			sum += e.Pieces
		}
	}
	return sum, nil
}

func (s *memoryStore) ListEntries(ctx context.Context, orderID int64, filter EntryFilter) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Entry{}
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.OrderID != orderID {
			continue
		}
		if filter.LineItemID > 0 && e.LineItemID != filter.LineItemID {
			continue
		}
		if filter.Kind != "" && e.Kind != filter.Kind {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *memoryStore) ListOpenOrderIDs(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := []int64{}
	for id, o := range s.orders {
		if !o.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *memoryStore) lineItem(id int64) orders.LineItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, li := range s.items {
		if li.ID == id {
			return li
		}
	}
	return orders.LineItem{}
}

func (s *memoryStore) order(id int64) orders.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id]
}

func (s *memoryStore) ledgerFor(materialID int64, source materials.Source) []materials.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []materials.LedgerEntry
	for _, e := range s.ledger {
		if e.MaterialID == materialID && (source == "" || e.Source == source) {
			out = append(out, e)
		}
	}
	return out
}

func (s *memoryStore) ledgerSum(materialID int64) decimal.Decimal {
	total := decimal.Zero
	for _, e := range s.ledgerFor(materialID, "") {
		total = total.Add(e.Delta)
	}
	return total
}

func (s *memoryStore) material(id int64) materials.Material {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.materials[id]
}

func (s *memoryStore) entryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// corruptLineItemCache overwrites a cached completed count without an entry.
func (s *memoryStore) corruptLineItemCache(id int64, completed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == id {
			s.items[i].CompletedQty = completed
		}
	}
}

func (tx *memoryTx) Orders() orders.TxRepository { return (*memoryOrdersTx)(tx) }

func (tx *memoryTx) Ledger() materials.TxStore { return (*memoryLedgerTx)(tx) }

func (tx *memoryTx) ClaimSubmissionKey(ctx context.Context, orderID int64, key string) error {
	scoped := submissionKey(orderID, key)
	if _, ok := tx.store.keys[scoped]; ok {
		return ErrDuplicateSubmission
	}
	tx.store.keys[scoped] = struct{}{}
	return nil
}

func (tx *memoryTx) SumPiecesByLineItem(ctx context.Context, orderID int64) (map[int64]int, error) {
	return tx.store.sums(orderID), nil
}

func (tx *memoryTx) InsertEntry(ctx context.Context, entry Entry) (Entry, error) {
	entry.ID = tx.store.id()
	tx.store.entries = append(tx.store.entries, entry)
	return entry, nil
}

func (tx *memoryTx) GetEntry(ctx context.Context, id int64) (Entry, error) {
	for _, e := range tx.store.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return Entry{}, ErrEntryNotFound
}

func (tx *memoryTx) CorrectedTotals(ctx context.Context, entryID int64) (int, decimal.Decimal, error) {
	pieces, fabric := 0, decimal.Zero
	for _, e := range tx.store.entries {
		if e.CorrectsEntryID == entryID {
			pieces -= e.Pieces
			fabric = fabric.Sub(e.FabricUsed)
		}
	}
	return pieces, fabric, nil
}

type memoryOrdersTx memoryTx

func (tx *memoryOrdersTx) LockOrder(ctx context.Context, id int64) (orders.Order, error) {
	o, ok := tx.store.orders[id]
	if !ok {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	return o, nil
}

func (tx *memoryOrdersTx) ListLineItems(ctx context.Context, orderID int64) ([]orders.LineItem, error) {
	return tx.store.lineItems(orderID), nil
}

func (tx *memoryOrdersTx) GetProduct(ctx context.Context, id int64) (orders.Product, error) {
	return orders.Product{}, orders.ErrProductNotFound
}

func (tx *memoryOrdersTx) InsertOrder(ctx context.Context, order orders.Order) (orders.Order, error) {
	order.ID = tx.store.id()
	tx.store.orders[order.ID] = order
	return order, nil
}

func (tx *memoryOrdersTx) InsertLineItem(ctx context.Context, item orders.LineItem) (orders.LineItem, error) {
	item.ID = tx.store.id()
	tx.store.items = append(tx.store.items, item)
	return item, nil
}

func (tx *memoryOrdersTx) UpdateLineItemCompletion(ctx context.Context, item orders.LineItem) error {
	for i := range tx.store.items {
		if tx.store.items[i].ID == item.ID {
			tx.store.items[i].CompletedQty = item.CompletedQty
			tx.store.items[i].IsComplete = item.IsComplete
			tx.store.items[i].CompletedAt = item.CompletedAt
			return nil
		}
	}
	return orders.ErrLineItemNotFound
}

func (tx *memoryOrdersTx) UpdateOrderProgress(ctx context.Context, orderID int64, completedPcs int, status orders.Status, at time.Time) error {
	o, ok := tx.store.orders[orderID]
	if !ok {
		return orders.ErrOrderNotFound
	}
	o.CompletedPcs = completedPcs
	o.Status = status
	o.UpdatedAt = at
	tx.store.orders[orderID] = o
	return nil
}

func (tx *memoryOrdersTx) InsertStatusChange(ctx context.Context, change orders.StatusChange) error {
	tx.store.history = append(tx.store.history, change)
	return nil
}

type memoryLedgerTx memoryTx

func (tx *memoryLedgerTx) GetMaterial(ctx context.Context, id int64) (materials.Material, error) {
	m, ok := tx.store.materials[id]
	if !ok {
		return materials.Material{}, materials.ErrMaterialNotFound
	}
	return m, nil
}

func (tx *memoryLedgerTx) ReferenceExists(ctx context.Context, referenceNo string) (bool, error) {
	for _, e := range tx.store.ledger {
		if e.ReferenceNo == referenceNo {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryLedgerTx) AppendEntry(ctx context.Context, entry materials.LedgerEntry) (materials.LedgerEntry, error) {
	m, ok := tx.store.materials[entry.MaterialID]
	if !ok {
		return materials.LedgerEntry{}, materials.ErrMaterialNotFound
	}
	entry.ID = tx.store.id()
	tx.store.ledger = append(tx.store.ledger, entry)
	m.QtyOnHand = m.QtyOnHand.Add(entry.Delta)
	tx.store.materials[m.ID] = m
	return entry, nil
}

type recordingAudit struct {
	mu      sync.Mutex
	actions []string
}

func (a *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, log.Action)
	return nil
}

type recordingScheduler struct {
	mu     sync.Mutex
	orders []int64
}

func (s *recordingScheduler) ScheduleOrderReconcile(ctx context.Context, orderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, orderID)
	return nil
}
