package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"probite/backend/internal/domain"
	"probite/backend/internal/store"
	"probite/backend/internal/xid"
)

type Store struct {
	mu                sync.RWMutex
	seqPrefix         string
	seqCounter        int64
	products          map[string]domain.Product
	transactionsByID  map[string]*domain.Transaction
	transactionsBySeq map[string]string
	expensesByID      map[string]domain.Expense
	balancesByBranch  map[string]int64
	auditLogs         []domain.AuditLog
	usersByUsername   map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_OWNER_PASSWORD and SEED_KASIR_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	ownerPwd := envOr("SEED_OWNER_PASSWORD", "owner123")
	kasirPwd := envOr("SEED_KASIR_PASSWORD", "kasir123")
	if os.Getenv("SEED_OWNER_PASSWORD") == "" || os.Getenv("SEED_KASIR_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_OWNER_PASSWORD and SEED_KASIR_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"owner", ownerPwd, domain.RoleOwner},
		{"kasir", kasirPwd, domain.RoleKasir},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// New returns an empty store. seqPrefix is the human-facing order number
// prefix, e.g. "PBT" yields "PBT-001".
func New(seqPrefix string) *Store {
	if seqPrefix == "" {
		seqPrefix = "PBT"
	}
	return &Store{
		seqPrefix:         seqPrefix,
		products:          make(map[string]domain.Product),
		transactionsByID:  make(map[string]*domain.Transaction),
		transactionsBySeq: make(map[string]string),
		expensesByID:      make(map[string]domain.Expense),
		balancesByBranch:  map[string]int64{domain.BranchSemarang: 0, domain.BranchJogja: 0},
		auditLogs:         make([]domain.AuditLog, 0, 128),
		usersByUsername:   seedUsers(),
	}
}

func NewSeeded(seqPrefix string) *Store {
	s := New(seqPrefix)

	products := []domain.Product{
		{ID: "prd-burger-01", Name: "Probite Special Burger", Category: "food", CostPrice: 15000, SellPrice: 21000, Stock: 50},
		{ID: "prd-wings-01", Name: "Crunchy Chicken Wings", Category: "food", CostPrice: 12000, SellPrice: 18000, Stock: 30},
		{ID: "prd-matcha-01", Name: "Iced Matcha Latte", Category: "beverage", CostPrice: 8000, SellPrice: 16000, Stock: 100},
		{ID: "prd-coldbrew-01", Name: "Cold Brew Coffee", Category: "beverage", CostPrice: 10000, SellPrice: 18000, Stock: 25},
	}
	for _, p := range products {
		s.products[p.ID] = p
	}
	return s
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Name == b.Name {
			return cmpString(a.ID, b.ID)
		}
		return cmpString(a.Name, b.Name)
	})

	return products, nil
}

func (s *Store) GetProductByID(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if product, exists := s.products[id]; exists {
			result[id] = product
		}
	}
	return result, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.Name == "" || product.SellPrice < 0 || product.CostPrice < 0 || product.Stock < 0 {
		return nil, store.ErrInvalidInput
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrInvalidInput
	}

	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" || product.Name == "" || product.SellPrice < 0 || product.CostPrice < 0 {
		return nil, store.ErrInvalidInput
	}
	existing, exists := s.products[product.ID]
	if !exists {
		return nil, store.ErrNotFound
	}

	// Stock is owned by checkout and restock, never by catalog edits.
	product.Stock = existing.Stock
	s.products[product.ID] = product
	updated := product
	return &updated, nil
}

func (s *Store) DeleteProduct(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[id]; !exists {
		return store.ErrNotFound
	}
	delete(s.products, id)
	return nil
}

func (s *Store) RestockProduct(_ context.Context, id string, qty int) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if qty < 1 {
		return nil, store.ErrInvalidInput
	}
	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	product.Stock += qty
	s.products[id] = product
	updated := product
	return &updated, nil
}

// CreateCheckout commits stock decrement, sequence allocation and the ledger
// append in one critical section. Every line is checked before anything is
// mutated, so a failing line leaves stock and the sequence counter untouched.
func (s *Store) CreateCheckout(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(tx.Lines) == 0 || tx.Branch == "" {
		return nil, store.ErrInvalidInput
	}

	// Check in cart order so the first offending line is the one reported.
	// Duplicate lines for the same product draw down the same remainder.
	remaining := make(map[string]int, len(tx.Lines))
	for _, line := range tx.Lines {
		if line.Qty < 1 {
			return nil, store.ErrInvalidInput
		}
		product, exists := s.products[line.ProductID]
		if !exists {
			return nil, fmt.Errorf("product %s: %w", line.ProductID, store.ErrNotFound)
		}
		available, seen := remaining[line.ProductID]
		if !seen {
			available = product.Stock
		}
		if available < line.Qty {
			return nil, &store.InsufficientStockError{
				ProductID: line.ProductID,
				Requested: line.Qty,
				Available: available,
			}
		}
		remaining[line.ProductID] = available - line.Qty
	}

	for _, line := range tx.Lines {
		product := s.products[line.ProductID]
		product.Stock -= line.Qty
		s.products[line.ProductID] = product
	}

	s.seqCounter++
	tx.SequenceNumber = fmt.Sprintf("%s-%03d", s.seqPrefix, s.seqCounter)

	if tx.ID == "" {
		tx.ID = xid.New("tx")
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	if tx.PaymentState == "" {
		tx.PaymentState = domain.PaymentPending
	}

	txCopy := cloneTransaction(&tx)
	s.transactionsByID[tx.ID] = txCopy
	s.transactionsBySeq[tx.SequenceNumber] = tx.ID

	return cloneTransaction(txCopy), nil
}

func (s *Store) FindTransactionByID(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *Store) FindTransactionBySequence(_ context.Context, sequenceNumber string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.transactionsBySeq[sequenceNumber]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(s.transactionsByID[id]), nil
}

func (s *Store) ListTransactions(_ context.Context, filter store.TransactionFilter) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Transaction, 0, len(s.transactionsByID))
	for _, tx := range s.transactionsByID {
		if filter.Branch != "" && tx.Branch != filter.Branch {
			continue
		}
		if filter.PaymentState != "" && tx.PaymentState != filter.PaymentState {
			continue
		}
		result = append(result, *cloneTransaction(tx))
	}

	slices.SortFunc(result, func(a, b domain.Transaction) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			av, bv := sequenceValue(a.SequenceNumber), sequenceValue(b.SequenceNumber)
			if av == bv {
				return 0
			}
			if av > bv {
				return -1
			}
			return 1
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) SetPaymentState(_ context.Context, id string, state string, _ time.Time) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch state {
	case domain.PaymentPending, domain.PaymentPaid, domain.PaymentCancelled:
	default:
		return nil, store.ErrInvalidInput
	}

	tx, ok := s.transactionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}

	tx.PaymentState = state
	return cloneTransaction(tx), nil
}

func (s *Store) CreateExpense(_ context.Context, expense domain.Expense) (*domain.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expense.Description == "" || expense.Amount < 1 || expense.Branch == "" {
		return nil, store.ErrInvalidInput
	}
	if expense.ID == "" {
		expense.ID = xid.New("exp")
	}
	if expense.CreatedAt.IsZero() {
		expense.CreatedAt = time.Now().UTC()
	}
	s.expensesByID[expense.ID] = expense
	created := expense
	return &created, nil
}

func (s *Store) ListExpenses(_ context.Context, branch string) ([]domain.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Expense, 0, len(s.expensesByID))
	for _, expense := range s.expensesByID {
		if branch != "" && expense.Branch != branch {
			continue
		}
		result = append(result, expense)
	}

	slices.SortFunc(result, func(a, b domain.Expense) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) DeleteExpense(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.expensesByID[id]; !exists {
		return store.ErrNotFound
	}
	delete(s.expensesByID, id)
	return nil
}

func (s *Store) GetBranchBalance(_ context.Context, branch string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if branch == "" {
		return 0, store.ErrInvalidInput
	}
	return s.balancesByBranch[branch], nil
}

func (s *Store) SetBranchBalance(_ context.Context, branch string, balance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if branch == "" || balance < 0 {
		return store.ErrInvalidInput
	}
	s.balancesByBranch[branch] = balance
	return nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidInput
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleKasir
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// sequenceValue extracts the numeric counter from a "PBT-042" style
// sequence number. Comparing the raw strings would misorder sequences once
// the counter outgrows its zero padding.
func sequenceValue(seq string) int64 {
	if i := strings.LastIndexByte(seq, '-'); i >= 0 {
		seq = seq[i+1:]
	}
	n, err := strconv.ParseInt(seq, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneTransaction(src *domain.Transaction) *domain.Transaction {
	if src == nil {
		return nil
	}
	dup := *src
	dupLines := make([]domain.TransactionLine, len(src.Lines))
	copy(dupLines, src.Lines)
	dup.Lines = dupLines
	return &dup
}
