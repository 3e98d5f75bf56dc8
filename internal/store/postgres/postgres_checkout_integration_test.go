package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"probite/backend/internal/domain"
	"probite/backend/internal/store"
)

func TestCreateCheckoutCommitsAtomically(t *testing.T) {
	databaseURL := os.Getenv("PROBITE_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set PROBITE_TEST_DATABASE_URL to run postgres integration test")
	}

	stamp := time.Now().UnixNano()
	// A unique prefix keeps the sequence counter isolated per test run.
	prefix := fmt.Sprintf("IT%d", stamp%100000)

	ctx := context.Background()
	s, err := New(ctx, databaseURL, prefix)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	productID := fmt.Sprintf("prd-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM transaction_lines WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM transactions WHERE sequence_number LIKE $1`, prefix+"-%")
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sequence_counters WHERE prefix = $1`, prefix)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	if _, err := s.CreateProduct(ctx, domain.Product{
		ID:        productID,
		Name:      "Produk Integrasi",
		Category:  "food",
		CostPrice: 10000,
		SellPrice: 20000,
		Stock:     5,
	}); err != nil {
		t.Fatalf("create product: %v", err)
	}

	checkout := domain.Transaction{
		ID:     fmt.Sprintf("tx-it-%d", stamp),
		Branch: domain.BranchSemarang,
		Lines: []domain.TransactionLine{
			{ProductID: productID, Name: "Produk Integrasi", Qty: 3, UnitPrice: 20000, UnitCost: 10000, LineProfit: 30000},
		},
		TotalAmount:  60000,
		TotalProfit:  30000,
		PaymentState: domain.PaymentPending,
		CreatedAt:    time.Now().UTC(),
	}

	created, err := s.CreateCheckout(ctx, checkout)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if created.SequenceNumber != prefix+"-001" {
		t.Fatalf("expected %s-001, got %s", prefix, created.SequenceNumber)
	}

	product, err := s.GetProductByID(ctx, productID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 2 {
		t.Fatalf("expected stock 2 after checkout, got %d", product.Stock)
	}

	// A second oversized checkout must roll back everything, including the
	// sequence counter.
	failing := checkout
	failing.ID = fmt.Sprintf("tx-it-fail-%d", stamp)
	_, err = s.CreateCheckout(ctx, failing)
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	var stockErr *store.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected structured stock error, got %v", err)
	}
	if stockErr.Requested != 3 || stockErr.Available != 2 {
		t.Fatalf("unexpected shortfall detail: %+v", stockErr)
	}

	product, err = s.GetProductByID(ctx, productID)
	if err != nil {
		t.Fatalf("get product after rejection: %v", err)
	}
	if product.Stock != 2 {
		t.Fatalf("expected stock unchanged at 2, got %d", product.Stock)
	}

	last := checkout
	last.ID = fmt.Sprintf("tx-it-last-%d", stamp)
	last.Lines = []domain.TransactionLine{
		{ProductID: productID, Name: "Produk Integrasi", Qty: 2, UnitPrice: 20000, UnitCost: 10000, LineProfit: 20000},
	}
	last.TotalAmount = 40000
	last.TotalProfit = 20000
	created, err = s.CreateCheckout(ctx, last)
	if err != nil {
		t.Fatalf("final checkout: %v", err)
	}
	if created.SequenceNumber != prefix+"-002" {
		t.Fatalf("rejected attempt must not consume a number, got %s", created.SequenceNumber)
	}

	found, err := s.FindTransactionBySequence(ctx, prefix+"-002")
	if err != nil {
		t.Fatalf("find by sequence: %v", err)
	}
	if found.ID != last.ID {
		t.Fatalf("expected %s, got %s", last.ID, found.ID)
	}
}
