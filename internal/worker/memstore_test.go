package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mlm-engine/internal/ledger"
	"mlm-engine/internal/models"
)

// memState is the whole ledger; WithinTx works on a copy and swaps it in on success.
type memState struct {
	packages      map[string]models.Package
	investments   map[string]models.Investment
	referrals     map[string]models.Referral
	profiles      []models.Profile
	levels        map[string]models.UserLevel
	transactions  []models.Transaction
	notifications []models.Notification
	writes        int
}

func (s *memState) clone() *memState {
	c := *s
	c.packages = make(map[string]models.Package, len(s.packages))
	for k, v := range s.packages {
		c.packages[k] = v
	}
	c.investments = make(map[string]models.Investment, len(s.investments))
	for k, v := range s.investments {
		c.investments[k] = v
	}
	c.referrals = make(map[string]models.Referral, len(s.referrals))
	for k, v := range s.referrals {
		c.referrals[k] = v
	}
	c.levels = make(map[string]models.UserLevel, len(s.levels))
	for k, v := range s.levels {
		c.levels[k] = v
	}
	c.profiles = append([]models.Profile(nil), s.profiles...)
	c.transactions = append([]models.Transaction(nil), s.transactions...)
	c.notifications = append([]models.Notification(nil), s.notifications...)
	return &c
}

// memStore implements ledger.Store in memory. Transactions are serialized.
// fail, when set, can inject an error for an operation; key identifies the
// row the operation touches.
type memStore struct {
	mu   *sync.Mutex
	st   *memState
	inTx bool
	fail func(op, key string) error
}

func newMemStore() *memStore {
	return &memStore{
		mu: &sync.Mutex{},
		st: &memState{
			packages:    map[string]models.Package{},
			investments: map[string]models.Investment{},
			referrals:   map[string]models.Referral{},
			levels:      map[string]models.UserLevel{},
		},
	}
}

var _ ledger.Store = (*memStore)(nil)

func (m *memStore) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *memStore) check(op, key string) error {
	if m.fail == nil {
		return nil
	}
	return m.fail(op, key)
}

// fixtures

func (m *memStore) addPackage(id string, rates ...string) {
	m.st.packages[id] = models.Package{ID: id, Name: "pkg-" + id, LevelCommissions: rates}
}

func (m *memStore) addInvestment(inv models.Investment) {
	if inv.Status == "" {
		inv.Status = models.InvestmentActive
	}
	m.st.investments[inv.ID] = inv
}

func (m *memStore) addEdge(referrer, referred string, level int) {
	id := fmt.Sprintf("%s>%s", referrer, referred)
	m.st.referrals[id] = models.Referral{ID: id, ReferrerID: referrer, ReferredID: referred, Level: level}
}

func (m *memStore) addProfile(id string) {
	m.st.profiles = append(m.st.profiles, models.Profile{ID: id, Email: id + "@example.com"})
}

// snapshots

func (m *memStore) investment(id string) models.Investment {
	defer m.lock()()
	return m.st.investments[id]
}

func (m *memStore) edge(referrer, referred string) models.Referral {
	defer m.lock()()
	return m.st.referrals[referrer+">"+referred]
}

func (m *memStore) txs(typ models.TransactionType) []models.Transaction {
	defer m.lock()()
	var out []models.Transaction
	for _, t := range m.st.transactions {
		if typ == "" || t.Type == typ {
			out = append(out, t)
		}
	}
	return out
}

func (m *memStore) notes() []models.Notification {
	defer m.lock()()
	return append([]models.Notification(nil), m.st.notifications...)
}

func (m *memStore) notesFor(userID string) []models.Notification {
	var out []models.Notification
	for _, n := range m.notes() {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

func (m *memStore) writeCount() int {
	defer m.lock()()
	return m.st.writes
}

// ledger.Store

func (m *memStore) ActiveInvestments(ctx context.Context) ([]models.Investment, error) {
	defer m.lock()()
	if err := m.check("ActiveInvestments", ""); err != nil {
		return nil, err
	}
	var out []models.Investment
	for _, inv := range m.st.investments {
		if inv.Status != models.InvestmentActive {
			continue
		}
		if pkg, ok := m.st.packages[inv.PackageID]; ok {
			inv.Package = &pkg
		}
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ListInvestments(ctx context.Context) ([]models.Investment, error) {
	defer m.lock()()
	if err := m.check("ListInvestments", ""); err != nil {
		return nil, err
	}
	out := make([]models.Investment, 0, len(m.st.investments))
	for _, inv := range m.st.investments {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) CompleteInvestment(ctx context.Context, id string) error {
	defer m.lock()()
	if err := m.check("CompleteInvestment", id); err != nil {
		return err
	}
	inv, ok := m.st.investments[id]
	if !ok || inv.Status != models.InvestmentActive {
		return ledger.ErrNotFound
	}
	inv.Status = models.InvestmentCompleted
	m.st.investments[id] = inv
	m.st.writes++
	return nil
}

func (m *memStore) CreditInvestment(ctx context.Context, id string, amount decimal.Decimal, period time.Time) error {
	defer m.lock()()
	if err := m.check("CreditInvestment", id); err != nil {
		return err
	}
	inv, ok := m.st.investments[id]
	if !ok || inv.Status != models.InvestmentActive || inv.CreditedFor(period) {
		return ledger.ErrAlreadyCredited
	}
	inv.TotalReturns = inv.TotalReturns.Add(amount)
	p := period
	inv.LastReturnDate = &p
	m.st.investments[id] = inv
	m.st.writes++
	return nil
}

func (m *memStore) ReferralChain(ctx context.Context, referredID string) ([]models.Referral, error) {
	defer m.lock()()
	if err := m.check("ReferralChain", referredID); err != nil {
		return nil, err
	}
	var out []models.Referral
	for _, r := range m.st.referrals {
		if r.ReferredID == referredID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

func (m *memStore) ListReferrals(ctx context.Context) ([]models.Referral, error) {
	defer m.lock()()
	if err := m.check("ListReferrals", ""); err != nil {
		return nil, err
	}
	out := make([]models.Referral, 0, len(m.st.referrals))
	for _, r := range m.st.referrals {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) CountReferrals(ctx context.Context, referrerID string, level int) (int64, error) {
	defer m.lock()()
	if err := m.check("CountReferrals", referrerID); err != nil {
		return 0, err
	}
	var n int64
	for _, r := range m.st.referrals {
		if r.ReferrerID == referrerID && (level == 0 || r.Level == level) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) AddReferralCommission(ctx context.Context, referralID string, amount decimal.Decimal) error {
	defer m.lock()()
	if err := m.check("AddReferralCommission", referralID); err != nil {
		return err
	}
	r, ok := m.st.referrals[referralID]
	if !ok {
		return ledger.ErrNotFound
	}
	r.TotalCommissions = r.TotalCommissions.Add(amount)
	m.st.referrals[referralID] = r
	m.st.writes++
	return nil
}

func (m *memStore) ListProfiles(ctx context.Context) ([]models.Profile, error) {
	defer m.lock()()
	if err := m.check("ListProfiles", ""); err != nil {
		return nil, err
	}
	return append([]models.Profile(nil), m.st.profiles...), nil
}

func (m *memStore) SumInvestments(ctx context.Context, userID string) (decimal.Decimal, error) {
	defer m.lock()()
	if err := m.check("SumInvestments", userID); err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, inv := range m.st.investments {
		if inv.UserID == userID {
			total = total.Add(inv.Amount)
		}
	}
	return total, nil
}

func (m *memStore) GetUserLevel(ctx context.Context, userID string) (*models.UserLevel, error) {
	defer m.lock()()
	if err := m.check("GetUserLevel", userID); err != nil {
		return nil, err
	}
	lvl, ok := m.st.levels[userID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &lvl, nil
}

func (m *memStore) UpsertUserLevel(ctx context.Context, level *models.UserLevel) error {
	defer m.lock()()
	if err := m.check("UpsertUserLevel", level.UserID); err != nil {
		return err
	}
	if level.ID == "" {
		level.ID = uuid.NewString()
	}
	m.st.levels[level.UserID] = *level
	m.st.writes++
	return nil
}

func (m *memStore) TransactionExists(ctx context.Context, referenceID string) (bool, error) {
	defer m.lock()()
	if err := m.check("TransactionExists", referenceID); err != nil {
		return false, err
	}
	for _, t := range m.st.transactions {
		if t.ReferenceID != nil && *t.ReferenceID == referenceID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	defer m.lock()()
	if err := m.check("CreateTransaction", string(tx.Type)+":"+tx.UserID); err != nil {
		return err
	}
	if tx.ReferenceID != nil {
		for _, t := range m.st.transactions {
			if t.ReferenceID != nil && *t.ReferenceID == *tx.ReferenceID {
				return fmt.Errorf("duplicate reference_id %q", *tx.ReferenceID)
			}
		}
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	m.st.transactions = append(m.st.transactions, *tx)
	m.st.writes++
	return nil
}

func (m *memStore) SumTransactions(ctx context.Context, f ledger.TransactionFilter) (decimal.Decimal, error) {
	defer m.lock()()
	if err := m.check("SumTransactions", f.UserID); err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, t := range m.st.transactions {
		switch {
		case f.UserID != "" && t.UserID != f.UserID,
			f.Type != "" && t.Type != f.Type,
			f.InvestmentID != "" && (t.InvestmentID == nil || *t.InvestmentID != f.InvestmentID),
			f.FromUserID != "" && (t.FromUserID == nil || *t.FromUserID != f.FromUserID):
			continue
		}
		total = total.Add(t.Amount)
	}
	return total, nil
}

func (m *memStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	defer m.lock()()
	if err := m.check("CreateNotification", n.UserID); err != nil {
		return err
	}
	m.st.notifications = append(m.st.notifications, *n)
	m.st.writes++
	return nil
}

func (m *memStore) WithinTx(ctx context.Context, fn func(ledger.Store) error) error {
	if m.inTx {
		return fn(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.st.clone()
	if err := fn(&memStore{mu: m.mu, st: work, inTx: true, fail: m.fail}); err != nil {
		return err
	}
	*m.st = *work
	return nil
}
