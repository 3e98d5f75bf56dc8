package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"probite/backend/internal/cache"
	"probite/backend/internal/domain"
	"probite/backend/internal/report"
	"probite/backend/internal/store"
	"probite/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo       store.Repository
	summaries  cache.SummaryCache
	summaryTTL time.Duration
	now        func() time.Time

	// ledgerVersion increments on every transaction or expense mutation and
	// is folded into summary cache keys, so a cached sum can never satisfy a
	// query issued after the ledger changed.
	ledgerVersion atomic.Int64
}

func New(repo store.Repository, summaries cache.SummaryCache, summaryTTL time.Duration) *Service {
	if summaries == nil {
		summaries = cache.NoopSummaryCache{}
	}
	if summaryTTL <= 0 {
		summaryTTL = 20 * time.Second
	}

	return &Service{
		repo:       repo,
		summaries:  summaries,
		summaryTTL: summaryTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the wall clock. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Product{}, store.ErrInvalidInput
	}
	product, err := s.repo.GetProductByID(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleOwner {
		return domain.Product{}, fmt.Errorf("owner role required")
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)

	if req.Name == "" {
		return domain.Product{}, store.ErrInvalidInput
	}
	if req.SellPrice < 0 || req.CostPrice < 0 || req.Stock < 0 {
		return domain.Product{}, store.ErrInvalidInput
	}

	product := domain.Product{
		ID:          xid.New("prd"),
		Name:        req.Name,
		Category:    req.Category,
		CostPrice:   req.CostPrice,
		SellPrice:   req.SellPrice,
		Stock:       req.Stock,
		Image:       strings.TrimSpace(req.Image),
		Description: strings.TrimSpace(req.Description),
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("name=%s,sell=%d,cost=%d,stock=%d", created.Name, created.SellPrice, created.CostPrice, created.Stock))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleOwner {
		return domain.Product{}, fmt.Errorf("owner role required")
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Product{}, store.ErrInvalidInput
	}

	existing, err := s.repo.GetProductByID(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.ErrInvalidInput
		}
		updated.Name = name
	}
	if req.Category != nil {
		updated.Category = strings.TrimSpace(*req.Category)
	}
	if req.SellPrice != nil {
		if *req.SellPrice < 0 {
			return domain.Product{}, store.ErrInvalidInput
		}
		updated.SellPrice = *req.SellPrice
	}
	if req.CostPrice != nil {
		if *req.CostPrice < 0 {
			return domain.Product{}, store.ErrInvalidInput
		}
		updated.CostPrice = *req.CostPrice
	}
	if req.Image != nil {
		updated.Image = strings.TrimSpace(*req.Image)
	}
	if req.Description != nil {
		updated.Description = strings.TrimSpace(*req.Description)
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_update", "product", saved.ID, fmt.Sprintf("name=%s,sell=%d,cost=%d", saved.Name, saved.SellPrice, saved.CostPrice))
	return *saved, nil
}

func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleOwner {
		return fmt.Errorf("owner role required")
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return store.ErrInvalidInput
	}
	if err := s.repo.DeleteProduct(ctx, id); err != nil {
		return err
	}

	s.logAudit(ctx, "product_delete", "product", id, "")
	return nil
}

func (s *Service) RestockProduct(ctx context.Context, id string, req domain.RestockRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleOwner {
		return domain.Product{}, fmt.Errorf("owner role required")
	}

	id = strings.TrimSpace(id)
	if id == "" || req.Qty < 1 {
		return domain.Product{}, store.ErrInvalidInput
	}

	updated, err := s.repo.RestockProduct(ctx, id, req.Qty)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_restock", "product", id, fmt.Sprintf("qty=%d,stock=%d", req.Qty, updated.Stock))
	return *updated, nil
}

// Checkout builds the order from the cart's snapshotted prices. Totals are
// computed here, before storage, and the store commits stock decrement plus
// sequence allocation atomically. Prices on the live catalog are read only to
// resolve display names.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	req.Branch = strings.TrimSpace(req.Branch)
	if req.Branch == "" || len(req.Lines) == 0 {
		return domain.CheckoutResponse{}, store.ErrInvalidInput
	}

	ids := make([]string, 0, len(req.Lines))
	for _, line := range req.Lines {
		if strings.TrimSpace(line.ProductID) == "" || line.Qty < 1 {
			return domain.CheckoutResponse{}, store.ErrInvalidInput
		}
		if line.UnitPrice < 0 || line.UnitCost < 0 {
			return domain.CheckoutResponse{}, store.ErrInvalidInput
		}
		ids = append(ids, line.ProductID)
	}

	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	var totalAmount, totalProfit int64
	lines := make([]domain.TransactionLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		product, exists := products[line.ProductID]
		if !exists {
			return domain.CheckoutResponse{}, fmt.Errorf("product %s: %w", line.ProductID, store.ErrNotFound)
		}
		lineAmount := int64(line.Qty) * line.UnitPrice
		lineProfit := int64(line.Qty) * (line.UnitPrice - line.UnitCost)
		totalAmount += lineAmount
		totalProfit += lineProfit
		lines = append(lines, domain.TransactionLine{
			ProductID:  line.ProductID,
			Name:       product.Name,
			Qty:        line.Qty,
			UnitPrice:  line.UnitPrice,
			UnitCost:   line.UnitCost,
			LineProfit: lineProfit,
		})
	}

	tx := domain.Transaction{
		ID:           xid.New("tx"),
		Branch:       req.Branch,
		Lines:        lines,
		TotalAmount:  totalAmount,
		TotalProfit:  totalProfit,
		PaymentState: domain.PaymentPending,
		CreatedAt:    s.now(),
	}

	created, err := s.repo.CreateCheckout(ctx, tx)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	s.ledgerVersion.Add(1)

	s.logAudit(ctx, "checkout", "transaction", created.ID, fmt.Sprintf("seq=%s,branch=%s,total=%d,profit=%d", created.SequenceNumber, created.Branch, created.TotalAmount, created.TotalProfit))
	return domain.CheckoutResponse{Transaction: *created}, nil
}

func (s *Service) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Transaction{}, store.ErrInvalidInput
	}
	tx, err := s.repo.FindTransactionByID(ctx, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	return *tx, nil
}

func (s *Service) LookupBySequence(ctx context.Context, sequenceNumber string) (domain.Transaction, error) {
	sequenceNumber = strings.TrimSpace(sequenceNumber)
	if sequenceNumber == "" {
		return domain.Transaction{}, store.ErrInvalidInput
	}
	tx, err := s.repo.FindTransactionBySequence(ctx, sequenceNumber)
	if err != nil {
		return domain.Transaction{}, err
	}
	return *tx, nil
}

func (s *Service) ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]domain.Transaction, error) {
	if filter.PaymentState != "" {
		switch filter.PaymentState {
		case domain.PaymentPending, domain.PaymentPaid, domain.PaymentCancelled:
		default:
			return nil, store.ErrInvalidInput
		}
	}
	if filter.Limit < 0 {
		return nil, store.ErrInvalidInput
	}
	return s.repo.ListTransactions(ctx, filter)
}

// SetPaymentState toggles an order between pending and paid. The toggle is
// idempotent and never touches stock; cancelling is not reachable from here.
func (s *Service) SetPaymentState(ctx context.Context, id string, req domain.PaymentStateRequest) (domain.Transaction, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Transaction{}, store.ErrInvalidInput
	}
	switch req.PaymentState {
	case domain.PaymentPending, domain.PaymentPaid:
	default:
		return domain.Transaction{}, store.ErrInvalidInput
	}

	updated, err := s.repo.SetPaymentState(ctx, id, req.PaymentState, s.now())
	if err != nil {
		return domain.Transaction{}, err
	}
	s.ledgerVersion.Add(1)

	s.logAudit(ctx, "payment_state", "transaction", id, fmt.Sprintf("state=%s", updated.PaymentState))
	return *updated, nil
}

// SalesSummaryQuery selects the reporting window. From/To are dates
// ("2006-01-02"); To is exclusive, so a one-day report uses To = From + 1 day.
type SalesSummaryQuery struct {
	From     string
	To       string
	Branch   string
	PaidOnly bool
}

func (s *Service) SalesSummary(ctx context.Context, query SalesSummaryQuery) (domain.SalesSummary, error) {
	from, to, err := s.parseWindow(query.From, query.To)
	if err != nil {
		return domain.SalesSummary{}, err
	}

	key := fmt.Sprintf("sales-summary:v%d:%s:%s:%s:%t", s.ledgerVersion.Load(), from.Format("2006-01-02"), to.Format("2006-01-02"), query.Branch, query.PaidOnly)
	if cached, found, err := s.summaries.Get(ctx, key); err == nil && found {
		return *cached, nil
	} else if err != nil {
		log.Printf("[service] WARN: summary cache read failed key=%s: %v", key, err)
	}

	txs, err := s.repo.ListTransactions(ctx, store.TransactionFilter{Branch: query.Branch})
	if err != nil {
		return domain.SalesSummary{}, err
	}
	expenses, err := s.repo.ListExpenses(ctx, query.Branch)
	if err != nil {
		return domain.SalesSummary{}, err
	}

	window := report.Window{From: from, To: to, Branch: query.Branch, PaidOnly: query.PaidOnly}
	totals := report.WindowedTotals(txs, window)
	expenseTotals := report.ExpenseTotals(expenses, window)

	summary := domain.SalesSummary{
		From:         from.Format("2006-01-02"),
		To:           to.Format("2006-01-02"),
		Branch:       query.Branch,
		PaidOnly:     query.PaidOnly,
		Transactions: totals.Count,
		TotalAmount:  totals.TotalAmount,
		TotalProfit:  totals.TotalProfit,
		Expenses:     expenseTotals.Count,
		ExpenseTotal: expenseTotals.TotalAmount,
	}

	if err := s.summaries.Set(ctx, key, &summary, s.summaryTTL); err != nil {
		log.Printf("[service] WARN: summary cache write failed key=%s: %v", key, err)
	}
	return summary, nil
}

// BestSellers ranks all-time quantities over paid orders, mirroring what the
// dashboard shows.
func (s *Service) BestSellers(ctx context.Context, limit int) (domain.BestSellerResponse, error) {
	if limit < 1 {
		limit = 3
	}

	txs, err := s.repo.ListTransactions(ctx, store.TransactionFilter{PaymentState: domain.PaymentPaid})
	if err != nil {
		return domain.BestSellerResponse{}, err
	}
	catalog, err := s.repo.ListProducts(ctx)
	if err != nil {
		return domain.BestSellerResponse{}, err
	}

	products := make(map[string]domain.Product, len(catalog))
	for _, p := range catalog {
		products[p.ID] = p
	}

	// BestSellers ties break on scan order; list oldest first so earlier
	// orders win the tie.
	for i, j := 0, len(txs)-1; i < j; i, j = i+1, j-1 {
		txs[i], txs[j] = txs[j], txs[i]
	}

	return domain.BestSellerResponse{Items: report.BestSellers(txs, products, limit)}, nil
}

func (s *Service) CreateExpense(ctx context.Context, req domain.ExpenseCreateRequest) (domain.Expense, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleOwner {
		return domain.Expense{}, fmt.Errorf("owner role required")
	}

	req.Description = strings.TrimSpace(req.Description)
	req.Branch = strings.TrimSpace(req.Branch)
	req.Unit = strings.TrimSpace(req.Unit)

	if req.Description == "" || req.Branch == "" || req.Amount < 1 || req.Qty < 0 {
		return domain.Expense{}, store.ErrInvalidInput
	}

	expense := domain.Expense{
		ID:          xid.New("exp"),
		Description: req.Description,
		Qty:         req.Qty,
		Unit:        req.Unit,
		Amount:      req.Amount,
		Branch:      req.Branch,
		CreatedAt:   s.now(),
	}

	created, err := s.repo.CreateExpense(ctx, expense)
	if err != nil {
		return domain.Expense{}, err
	}
	s.ledgerVersion.Add(1)

	s.logAudit(ctx, "expense_create", "expense", created.ID, fmt.Sprintf("amount=%d,branch=%s", created.Amount, created.Branch))
	return *created, nil
}

func (s *Service) ListExpenses(ctx context.Context, branch string) ([]domain.Expense, error) {
	return s.repo.ListExpenses(ctx, strings.TrimSpace(branch))
}

func (s *Service) DeleteExpense(ctx context.Context, id string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleOwner {
		return fmt.Errorf("owner role required")
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return store.ErrInvalidInput
	}
	if err := s.repo.DeleteExpense(ctx, id); err != nil {
		return err
	}
	s.ledgerVersion.Add(1)

	s.logAudit(ctx, "expense_delete", "expense", id, "")
	return nil
}

func (s *Service) GetBranchBalance(ctx context.Context, branch string) (domain.BranchBalance, error) {
	branch = strings.TrimSpace(branch)
	if branch == "" {
		return domain.BranchBalance{}, store.ErrInvalidInput
	}
	balance, err := s.repo.GetBranchBalance(ctx, branch)
	if err != nil {
		return domain.BranchBalance{}, err
	}
	return domain.BranchBalance{Branch: branch, Balance: balance}, nil
}

func (s *Service) SetBranchBalance(ctx context.Context, branch string, req domain.BranchBalanceRequest) (domain.BranchBalance, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleOwner {
		return domain.BranchBalance{}, fmt.Errorf("owner role required")
	}

	branch = strings.TrimSpace(branch)
	if branch == "" || req.Balance < 0 {
		return domain.BranchBalance{}, store.ErrInvalidInput
	}
	if err := s.repo.SetBranchBalance(ctx, branch, req.Balance); err != nil {
		return domain.BranchBalance{}, err
	}

	s.logAudit(ctx, "balance_set", "branch", branch, fmt.Sprintf("balance=%d", req.Balance))
	return domain.BranchBalance{Branch: branch, Balance: req.Balance}, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleOwner {
		return nil, fmt.Errorf("owner role required")
	}
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = s.now().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrInvalidInput
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) parseWindow(fromStr string, toStr string) (time.Time, time.Time, error) {
	if strings.TrimSpace(fromStr) == "" && strings.TrimSpace(toStr) == "" {
		now := s.now()
		from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return from, from.Add(24 * time.Hour), nil
	}

	from, err := time.Parse("2006-01-02", strings.TrimSpace(fromStr))
	if err != nil {
		return time.Time{}, time.Time{}, store.ErrInvalidInput
	}
	from = from.UTC()

	to := from.Add(24 * time.Hour)
	if strings.TrimSpace(toStr) != "" {
		parsed, err := time.Parse("2006-01-02", strings.TrimSpace(toStr))
		if err != nil {
			return time.Time{}, time.Time{}, store.ErrInvalidInput
		}
		to = parsed.UTC()
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, store.ErrInvalidInput
	}
	return from, to, nil
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}
