package ledger

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SimCalls counts state-changing and lookup calls served by a Sim.
type SimCalls struct {
	RecordBook  int
	Pay         int
	FindBook    int
	FindPayment int
	GetReceipt  int
}

type simTx struct {
	id       string
	block    uint64
	reverted string
	record   *RecordRequest
	pay      *PayRequest
	ledgerID uint64
}

type payKey struct {
	buyer    string
	ledgerID uint64
}

// SimOptions configures a simulated ledger.
type SimOptions struct {
	// AutoMine includes every transaction in its own block on submission.
	AutoMine bool
	// FirstBookID is the id assigned to the first recorded book. Defaults to 1.
	FirstBookID uint64
}

// Sim is an in-process ledger. It enforces the same refusals a deployed
// book contract does: unknown or inactive books, stale prices, insufficient
// funds and duplicate fingerprint pairs.
type Sim struct {
	mu       sync.Mutex
	opts     SimOptions
	head     uint64
	nextBook uint64
	books    map[uint64]*BookEntry
	byFP     map[[2]string]*simTx
	txs      map[string]*simTx
	pending  []*simTx
	balances map[string]int64
	payments map[payKey][]string
	events   []Event
	calls    SimCalls
	failNext map[string][]error
}

var _ API = (*Sim)(nil)

// NewSim returns an empty simulated ledger.
func NewSim(opts SimOptions) *Sim {
	if opts.FirstBookID == 0 {
		opts.FirstBookID = 1
	}
	return &Sim{
		opts:     opts,
		nextBook: opts.FirstBookID,
		books:    make(map[uint64]*BookEntry),
		byFP:     make(map[[2]string]*simTx),
		txs:      make(map[string]*simTx),
		balances: make(map[string]int64),
		payments: make(map[payKey][]string),
		failNext: make(map[string][]error),
	}
}

func newTxID() string {
	return "0x" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Credit adds funds to an account.
func (s *Sim) Credit(account string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[account] += amount
}

// Balance returns an account's funds.
func (s *Sim) Balance(account string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[account]
}

// Seed records a book directly in a new block, bypassing the record call.
// A zero entry.ID takes the next free id.
func (s *Sim) Seed(entry BookEntry) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.head++
	if entry.ID == 0 {
		entry.ID = s.nextBook
	}
	if entry.ID >= s.nextBook {
		s.nextBook = entry.ID + 1
	}
	tx := &simTx{id: newTxID(), block: s.head, ledgerID: entry.ID}
	entry.TxID = tx.id
	e := entry
	s.books[e.ID] = &e
	s.txs[tx.id] = tx
	if e.ContentFingerprint != "" || e.CoverFingerprint != "" {
		s.byFP[[2]string{e.ContentFingerprint, e.CoverFingerprint}] = tx
	}
	s.emitLocked(Event{Kind: EventBookRecorded, LedgerID: e.ID, TxID: tx.id, Book: copyEntry(&e)})
	return e.ID
}

// SetPrice changes a book's price and emits BookUpdated.
func (s *Sim) SetPrice(ledgerID uint64, price int64) bool {
	return s.update(ledgerID, func(b *BookEntry) { b.PriceMinorUnits = price })
}

// SetActive activates or deactivates a book and emits BookUpdated.
func (s *Sim) SetActive(ledgerID uint64, active bool) bool {
	return s.update(ledgerID, func(b *BookEntry) { b.Active = active })
}

func (s *Sim) update(ledgerID uint64, fn func(*BookEntry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[ledgerID]
	if !ok {
		return false
	}
	fn(b)
	s.emitLocked(Event{Kind: EventBookUpdated, LedgerID: ledgerID, Book: copyEntry(b)})
	return true
}

// Mine includes pending transactions in the next block and then advances
// the head by n-1 further empty blocks.
func (s *Sim) Mine(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.mineLocked()
	}
}

// Run mines a block every interval until ctx is done.
func (s *Sim) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Mine(1)
		}
	}
}

// FailNext makes the next call to method return err.
func (s *Sim) FailNext(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[method] = append(s.failNext[method], err)
}

// Calls returns a snapshot of the call counters.
func (s *Sim) Calls() SimCalls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Books returns the number of recorded books.
func (s *Sim) Books() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.books)
}

// Payments returns the transactions paying for ledgerID by buyer.
func (s *Sim) Payments(buyer string, ledgerID uint64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.payments[payKey{buyer, ledgerID}]...)
}

func (s *Sim) injected(method string) error {
	errs := s.failNext[method]
	if len(errs) == 0 {
		return nil
	}
	s.failNext[method] = errs[1:]
	return errs[0]
}

func (s *Sim) mineLocked() {
	s.head++
	for _, tx := range s.pending {
		tx.block = s.head
		switch {
		case tx.record != nil:
			r := tx.record
			id := s.nextBook
			s.nextBook++
			tx.ledgerID = id
			b := &BookEntry{
				ID:                 id,
				Publisher:          r.Publisher,
				Title:              r.Title,
				PriceMinorUnits:    r.PriceMinorUnits,
				RoyaltyPercent:     r.RoyaltyPercent,
				ContentFingerprint: r.ContentFingerprint,
				CoverFingerprint:   r.CoverFingerprint,
				Active:             true,
				TxID:               tx.id,
			}
			s.books[id] = b
			s.emitLocked(Event{Kind: EventBookRecorded, LedgerID: id, TxID: tx.id, Book: copyEntry(b)})
		case tx.pay != nil:
			e := Event{Kind: EventPaymentMade, LedgerID: tx.pay.LedgerID, TxID: tx.id, Buyer: tx.pay.Buyer, Amount: tx.pay.Amount}
			if b, ok := s.books[tx.pay.LedgerID]; ok {
				b.TotalSales++
				e.Book = copyEntry(b)
			}
			s.emitLocked(e)
		}
	}
	s.pending = nil
}

func (s *Sim) submitLocked(tx *simTx) {
	s.txs[tx.id] = tx
	s.pending = append(s.pending, tx)
	if s.opts.AutoMine {
		s.mineLocked()
	}
}

func (s *Sim) emitLocked(e Event) {
	e.Seq = uint64(len(s.events)) + 1
	if e.Block == 0 {
		e.Block = s.head
	}
	s.events = append(s.events, e)
}

func copyEntry(b *BookEntry) *BookEntry {
	c := *b
	return &c
}

func (s *Sim) RecordBook(ctx context.Context, req RecordRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.RecordBook++
	if err := s.injected("RecordBook"); err != nil {
		return "", err
	}
	if req.Title == "" || req.PriceMinorUnits <= 0 || req.RoyaltyPercent < 0 || req.RoyaltyPercent > 100 {
		return "", reject(ReasonInvalid, "title, positive price and royalty 0-100 required")
	}
	key := [2]string{req.ContentFingerprint, req.CoverFingerprint}
	if prev, ok := s.byFP[key]; ok {
		return "", reject(ReasonDuplicateBook, "fingerprints already recorded by %s", prev.id)
	}
	r := req
	tx := &simTx{id: newTxID(), record: &r}
	s.byFP[key] = tx
	s.submitLocked(tx)
	log.Debugw("record submitted", "tx", tx.id, "title", req.Title)
	return tx.id, nil
}

func (s *Sim) FindBookByFingerprints(ctx context.Context, contentFP, coverFP string) (Lookup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.FindBook++
	if err := s.injected("FindBookByFingerprints"); err != nil {
		return Lookup{}, err
	}
	tx, ok := s.byFP[[2]string{contentFP, coverFP}]
	if !ok {
		return Lookup{}, nil
	}
	return Lookup{Found: true, TxID: tx.id, LedgerID: tx.ledgerID}, nil
}

func (s *Sim) GetBook(ctx context.Context, ledgerID uint64) (*BookEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("GetBook"); err != nil {
		return nil, err
	}
	b, ok := s.books[ledgerID]
	if !ok {
		return nil, reject(ReasonUnknownBook, "book %d", ledgerID)
	}
	return copyEntry(b), nil
}

func (s *Sim) Pay(ctx context.Context, req PayRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Pay++
	if err := s.injected("Pay"); err != nil {
		return "", err
	}
	b, ok := s.books[req.LedgerID]
	switch {
	case !ok:
		return "", reject(ReasonUnknownBook, "book %d", req.LedgerID)
	case !b.Active:
		return "", reject(ReasonBookInactive, "book %d is not for sale", req.LedgerID)
	case req.Amount != b.PriceMinorUnits:
		return "", reject(ReasonStalePrice, "paid %d, price is %d", req.Amount, b.PriceMinorUnits)
	case s.balances[req.Buyer] < req.Amount:
		return "", reject(ReasonInsufficientFunds, "balance %d, price %d", s.balances[req.Buyer], req.Amount)
	}
	s.balances[req.Buyer] -= req.Amount
	r := req
	tx := &simTx{id: newTxID(), pay: &r, ledgerID: req.LedgerID}
	k := payKey{req.Buyer, req.LedgerID}
	s.payments[k] = append(s.payments[k], tx.id)
	s.submitLocked(tx)
	log.Debugw("payment submitted", "tx", tx.id, "buyer", req.Buyer, "ledger_id", req.LedgerID)
	return tx.id, nil
}

func (s *Sim) FindPayment(ctx context.Context, buyer string, ledgerID uint64) (PaymentLookup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.FindPayment++
	if err := s.injected("FindPayment"); err != nil {
		return PaymentLookup{}, err
	}
	txs := s.payments[payKey{buyer, ledgerID}]
	if len(txs) == 0 {
		return PaymentLookup{}, nil
	}
	return PaymentLookup{Found: true, TxID: txs[len(txs)-1]}, nil
}

func (s *Sim) GetReceipt(ctx context.Context, txID string) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.GetReceipt++
	if err := s.injected("GetReceipt"); err != nil {
		return nil, err
	}
	tx, ok := s.txs[txID]
	if !ok {
		return nil, reject(ReasonUnknownTx, "%s", txID)
	}
	rc := &Receipt{TxID: tx.id, Block: tx.block}
	if tx.block > 0 {
		rc.Confirmations = s.head - tx.block + 1
		rc.LedgerID = tx.ledgerID
	}
	if tx.reverted != "" {
		rc.Reverted = true
		rc.RevertReason = tx.reverted
	}
	if tx.pay != nil {
		rc.Amount = tx.pay.Amount
	}
	return rc, nil
}

func (s *Sim) EventsSince(ctx context.Context, after uint64, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("EventsSince"); err != nil {
		return nil, err
	}
	if after >= uint64(len(s.events)) {
		return nil, nil
	}
	out := s.events[after:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]Event(nil), out...), nil
}

func (s *Sim) Head(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head, nil
}

// Revert marks an included transaction as reverted. A reverted payment is
// refunded; a reverted record removes the book.
func (s *Sim) Revert(txID, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txID]
	if !ok {
		return false
	}
	tx.reverted = reason
	switch {
	case tx.pay != nil:
		s.balances[tx.pay.Buyer] += tx.pay.Amount
		if b, ok := s.books[tx.pay.LedgerID]; ok && tx.block > 0 && b.TotalSales > 0 {
			b.TotalSales--
		}
		k := payKey{tx.pay.Buyer, tx.pay.LedgerID}
		kept := s.payments[k][:0]
		for _, id := range s.payments[k] {
			if id != txID {
				kept = append(kept, id)
			}
		}
		s.payments[k] = kept
	case tx.record != nil:
		delete(s.books, tx.ledgerID)
		delete(s.byFP, [2]string{tx.record.ContentFingerprint, tx.record.CoverFingerprint})
	}
	return true
}
