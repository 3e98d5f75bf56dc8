package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"probite/backend/internal/domain"
	"probite/backend/internal/store"
)

func seedProduct(t *testing.T, s *Store, id string, stock int) domain.Product {
	t.Helper()
	created, err := s.CreateProduct(context.Background(), domain.Product{
		ID:        id,
		Name:      "Produk " + id,
		SellPrice: 20000,
		CostPrice: 10000,
		Stock:     stock,
	})
	if err != nil {
		t.Fatalf("seed product failed: %v", err)
	}
	return *created
}

func checkoutFor(productID string, qty int) domain.Transaction {
	return domain.Transaction{
		Branch: domain.BranchSemarang,
		Lines: []domain.TransactionLine{
			{ProductID: productID, Name: "Produk", Qty: qty, UnitPrice: 20000, UnitCost: 10000},
		},
		TotalAmount: int64(qty) * 20000,
		TotalProfit: int64(qty) * 10000,
	}
}

func TestCreateCheckoutAssignsSequentialNumbers(t *testing.T) {
	s := New("PBT")
	seedProduct(t, s, "prd-a", 10)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		tx, err := s.CreateCheckout(ctx, checkoutFor("prd-a", 1))
		if err != nil {
			t.Fatalf("checkout #%d failed: %v", i, err)
		}
		want := fmt.Sprintf("PBT-%03d", i)
		if tx.SequenceNumber != want {
			t.Fatalf("expected %s, got %s", want, tx.SequenceNumber)
		}
	}
}

func TestCreateCheckoutRejectionLeavesStateUntouched(t *testing.T) {
	s := New("PBT")
	seedProduct(t, s, "prd-a", 2)
	ctx := context.Background()

	_, err := s.CreateCheckout(ctx, checkoutFor("prd-a", 3))
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	product, err := s.GetProductByID(ctx, "prd-a")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if product.Stock != 2 {
		t.Fatalf("expected stock untouched at 2, got %d", product.Stock)
	}

	tx, err := s.CreateCheckout(ctx, checkoutFor("prd-a", 2))
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if tx.SequenceNumber != "PBT-001" {
		t.Fatalf("rejected attempt must not consume a number, got %s", tx.SequenceNumber)
	}
}

func TestCreateCheckoutMultiLineAllOrNothing(t *testing.T) {
	s := New("PBT")
	seedProduct(t, s, "prd-a", 10)
	seedProduct(t, s, "prd-b", 1)
	ctx := context.Background()

	_, err := s.CreateCheckout(ctx, domain.Transaction{
		Branch: domain.BranchSemarang,
		Lines: []domain.TransactionLine{
			{ProductID: "prd-a", Qty: 4, UnitPrice: 20000, UnitCost: 10000},
			{ProductID: "prd-b", Qty: 2, UnitPrice: 20000, UnitCost: 10000},
		},
	})

	var stockErr *store.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected structured stock error, got %v", err)
	}
	if stockErr.ProductID != "prd-b" || stockErr.Requested != 2 || stockErr.Available != 1 {
		t.Fatalf("unexpected shortfall detail: %+v", stockErr)
	}

	productA, err := s.GetProductByID(ctx, "prd-a")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if productA.Stock != 10 {
		t.Fatalf("expected prd-a stock untouched at 10, got %d", productA.Stock)
	}
}

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	s := New("PBT")
	seedProduct(t, s, "prd-a", 10)
	ctx := context.Background()

	const workers = 25
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateCheckout(ctx, checkoutFor("prd-a", 1))
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Fatalf("expected exactly 10 checkouts to succeed, got %d", succeeded)
	}

	product, err := s.GetProductByID(ctx, "prd-a")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if product.Stock != 0 {
		t.Fatalf("expected stock 0, got %d", product.Stock)
	}

	txs, err := s.ListTransactions(ctx, store.TransactionFilter{})
	if err != nil {
		t.Fatalf("list transactions failed: %v", err)
	}
	seen := make(map[string]bool, len(txs))
	for _, tx := range txs {
		if seen[tx.SequenceNumber] {
			t.Fatalf("duplicate sequence number %s", tx.SequenceNumber)
		}
		seen[tx.SequenceNumber] = true
	}
	if len(seen) != 10 {
		t.Fatalf("expected 10 distinct sequence numbers, got %d", len(seen))
	}
}

func TestListTransactionsOrdersSequenceNumbersNumerically(t *testing.T) {
	s := New("PBT")
	seedProduct(t, s, "prd-a", 10)
	ctx := context.Background()

	// Past 999 the counter outgrows its zero padding, so a text sort would
	// put "PBT-1000" before "PBT-999".
	s.seqCounter = 998
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	older := checkoutFor("prd-a", 1)
	older.CreatedAt = at
	if _, err := s.CreateCheckout(ctx, older); err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	newer := checkoutFor("prd-a", 1)
	newer.CreatedAt = at
	if _, err := s.CreateCheckout(ctx, newer); err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	txs, err := s.ListTransactions(ctx, store.TransactionFilter{})
	if err != nil {
		t.Fatalf("list transactions failed: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txs))
	}
	if txs[0].SequenceNumber != "PBT-1000" || txs[1].SequenceNumber != "PBT-999" {
		t.Fatalf("expected PBT-1000 before PBT-999, got %s then %s", txs[0].SequenceNumber, txs[1].SequenceNumber)
	}
}

func TestUpdateProductPreservesStock(t *testing.T) {
	s := New("PBT")
	product := seedProduct(t, s, "prd-a", 7)
	ctx := context.Background()

	product.Name = "Produk Baru"
	product.Stock = 9999
	updated, err := s.UpdateProduct(ctx, product)
	if err != nil {
		t.Fatalf("update product failed: %v", err)
	}
	if updated.Stock != 7 {
		t.Fatalf("catalog edits must not move stock, got %d", updated.Stock)
	}
	if updated.Name != "Produk Baru" {
		t.Fatalf("unexpected name %s", updated.Name)
	}
}

func TestFindTransactionBySequence(t *testing.T) {
	s := New("PBT")
	seedProduct(t, s, "prd-a", 5)
	ctx := context.Background()

	created, err := s.CreateCheckout(ctx, checkoutFor("prd-a", 1))
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	found, err := s.FindTransactionBySequence(ctx, "PBT-001")
	if err != nil {
		t.Fatalf("find by sequence failed: %v", err)
	}
	if found.ID != created.ID {
		t.Fatalf("expected %s, got %s", created.ID, found.ID)
	}

	if _, err := s.FindTransactionBySequence(ctx, "PBT-999"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
