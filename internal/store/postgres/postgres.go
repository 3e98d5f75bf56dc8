package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"probite/backend/internal/domain"
	"probite/backend/internal/store"
	"probite/backend/internal/xid"
)

type Store struct {
	db        *sql.DB
	seqPrefix string
}

func New(ctx context.Context, databaseURL string, seqPrefix string) (*Store, error) {
	if seqPrefix == "" {
		seqPrefix = "PBT"
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, seqPrefix: seqPrefix}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, cost_price, sell_price, stock, COALESCE(image,''), COALESCE(description,'')
		FROM products
		ORDER BY name, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.CostPrice, &p.SellPrice, &p.Stock, &p.Image, &p.Description); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	var product domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, category, cost_price, sell_price, stock, COALESCE(image,''), COALESCE(description,'')
		FROM products
		WHERE id = $1
	`, id).Scan(&product.ID, &product.Name, &product.Category, &product.CostPrice, &product.SellPrice, &product.Stock, &product.Image, &product.Description)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	unique := uniqueIDs(ids)
	if len(unique) == 0 {
		return map[string]domain.Product{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, cost_price, sell_price, stock, COALESCE(image,''), COALESCE(description,'')
		FROM products
		WHERE id = ANY($1)
	`, unique)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]domain.Product, len(unique))
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.CostPrice, &p.SellPrice, &p.Stock, &p.Image, &p.Description); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.SellPrice < 0 || product.CostPrice < 0 || product.Stock < 0 {
		return nil, store.ErrInvalidInput
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, category, cost_price, sell_price, stock, image, description, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now(),now())
	`, product.ID, product.Name, product.Category, product.CostPrice, product.SellPrice, product.Stock,
		nullIfEmpty(product.Image), nullIfEmpty(product.Description))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || product.SellPrice < 0 || product.CostPrice < 0 {
		return nil, store.ErrInvalidInput
	}

	// Stock is deliberately left out: it moves only through checkout and
	// restock.
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $2, category = $3, cost_price = $4, sell_price = $5, image = $6, description = $7, updated_at = now()
		WHERE id = $1
	`, product.ID, product.Name, product.Category, product.CostPrice, product.SellPrice,
		nullIfEmpty(product.Image), nullIfEmpty(product.Description))
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	return s.GetProductByID(ctx, product.ID)
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) RestockProduct(ctx context.Context, id string, qty int) (*domain.Product, error) {
	if qty < 1 {
		return nil, store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET stock = stock + $2, updated_at = now()
		WHERE id = $1
	`, id, qty)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	return s.GetProductByID(ctx, id)
}

// CreateCheckout runs one serializable transaction: stock rows are locked
// with FOR UPDATE, every line is verified before any decrement, and the
// sequence counter is bumped only after all checks pass. A rollback therefore
// returns both stock and the counter to their previous values.
func (s *Store) CreateCheckout(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if len(tx.Lines) == 0 || tx.Branch == "" {
		return nil, store.ErrInvalidInput
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	ids := make([]string, 0, len(tx.Lines))
	for _, line := range tx.Lines {
		if line.Qty < 1 {
			return nil, store.ErrInvalidInput
		}
		ids = append(ids, line.ProductID)
	}
	unique := uniqueIDs(ids)

	stockRows, err := pgTx.QueryContext(ctx, `
		SELECT id, stock
		FROM products
		WHERE id = ANY($1)
		FOR UPDATE
	`, unique)
	if err != nil {
		return nil, err
	}
	stockMap := make(map[string]int, len(unique))
	for stockRows.Next() {
		var id string
		var stock int
		if err := stockRows.Scan(&id, &stock); err != nil {
			_ = stockRows.Close()
			return nil, err
		}
		stockMap[id] = stock
	}
	if err := stockRows.Err(); err != nil {
		_ = stockRows.Close()
		return nil, err
	}
	_ = stockRows.Close()

	// Check in cart order so the first offending line is the one reported.
	// Duplicate lines for the same product draw down the same remainder.
	needed := make(map[string]int, len(unique))
	remaining := make(map[string]int, len(unique))
	for id, stock := range stockMap {
		remaining[id] = stock
	}
	for _, line := range tx.Lines {
		available, exists := remaining[line.ProductID]
		if !exists {
			return nil, fmt.Errorf("product %s: %w", line.ProductID, store.ErrNotFound)
		}
		if available < line.Qty {
			return nil, &store.InsufficientStockError{
				ProductID: line.ProductID,
				Requested: line.Qty,
				Available: available,
			}
		}
		remaining[line.ProductID] = available - line.Qty
		needed[line.ProductID] += line.Qty
	}

	for _, id := range unique {
		_, err = pgTx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock - $1, updated_at = now()
			WHERE id = $2
		`, needed[id], id)
		if err != nil {
			return nil, err
		}
	}

	var counter int64
	err = pgTx.QueryRowContext(ctx, `
		INSERT INTO sequence_counters (prefix, value)
		VALUES ($1, 1)
		ON CONFLICT (prefix) DO UPDATE SET value = sequence_counters.value + 1
		RETURNING value
	`, s.seqPrefix).Scan(&counter)
	if err != nil {
		return nil, err
	}
	tx.SequenceNumber = fmt.Sprintf("%s-%03d", s.seqPrefix, counter)

	if tx.ID == "" {
		tx.ID = xid.New("tx")
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	if tx.PaymentState == "" {
		tx.PaymentState = domain.PaymentPending
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO transactions (id, sequence_number, branch, total_amount, total_profit, payment_state, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, tx.ID, tx.SequenceNumber, tx.Branch, tx.TotalAmount, tx.TotalProfit, tx.PaymentState, tx.CreatedAt)
	if err != nil {
		return nil, err
	}

	for _, line := range tx.Lines {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO transaction_lines (transaction_id, product_id, name, qty, unit_price, unit_cost, line_profit)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, tx.ID, line.ProductID, line.Name, line.Qty, line.UnitPrice, line.UnitCost, line.LineProfit)
		if err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	return &tx, nil
}

func (s *Store) FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.findTransaction(ctx, "id", id)
}

func (s *Store) FindTransactionBySequence(ctx context.Context, sequenceNumber string) (*domain.Transaction, error) {
	return s.findTransaction(ctx, "sequence_number", sequenceNumber)
}

func (s *Store) findTransaction(ctx context.Context, column string, value string) (*domain.Transaction, error) {
	if column != "id" && column != "sequence_number" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	var tx domain.Transaction
	query := fmt.Sprintf(`
		SELECT id, sequence_number, branch, total_amount, total_profit, payment_state, created_at
		FROM transactions
		WHERE %s = $1
	`, column)

	err := s.db.QueryRowContext(ctx, query, value).Scan(
		&tx.ID,
		&tx.SequenceNumber,
		&tx.Branch,
		&tx.TotalAmount,
		&tx.TotalProfit,
		&tx.PaymentState,
		&tx.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	tx.CreatedAt = tx.CreatedAt.UTC()

	lines, err := s.loadLines(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	tx.Lines = lines

	return &tx, nil
}

func (s *Store) loadLines(ctx context.Context, transactionID string) ([]domain.TransactionLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, name, qty, unit_price, unit_cost, line_profit
		FROM transaction_lines
		WHERE transaction_id = $1
		ORDER BY id ASC
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.TransactionLine, 0, 8)
	for rows.Next() {
		var line domain.TransactionLine
		if err := rows.Scan(&line.ProductID, &line.Name, &line.Qty, &line.UnitPrice, &line.UnitCost, &line.LineProfit); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *Store) ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]domain.Transaction, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT id, sequence_number, branch, total_amount, total_profit, payment_state, created_at
		FROM transactions
	`)
	args := make([]any, 0, 3)
	conditions := make([]string, 0, 2)
	if filter.Branch != "" {
		args = append(args, filter.Branch)
		conditions = append(conditions, fmt.Sprintf("branch = $%d", len(args)))
	}
	if filter.PaymentState != "" {
		args = append(args, filter.PaymentState)
		conditions = append(conditions, fmt.Sprintf("payment_state = $%d", len(args)))
	}
	if len(conditions) > 0 {
		sb.WriteString(" WHERE " + strings.Join(conditions, " AND "))
	}
	// Sequence numbers sort by their numeric suffix, not as text, so
	// "PBT-1000" ranks above "PBT-999" once the counter outgrows its padding.
	sb.WriteString(" ORDER BY created_at DESC, (substring(sequence_number from '\\d+$'))::bigint DESC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		sb.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := make([]domain.Transaction, 0, 64)
	for rows.Next() {
		var tx domain.Transaction
		if err := rows.Scan(&tx.ID, &tx.SequenceNumber, &tx.Branch, &tx.TotalAmount, &tx.TotalProfit, &tx.PaymentState, &tx.CreatedAt); err != nil {
			return nil, err
		}
		tx.CreatedAt = tx.CreatedAt.UTC()
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range txs {
		lines, err := s.loadLines(ctx, txs[i].ID)
		if err != nil {
			return nil, err
		}
		txs[i].Lines = lines
	}

	return txs, nil
}

func (s *Store) SetPaymentState(ctx context.Context, id string, state string, _ time.Time) (*domain.Transaction, error) {
	switch state {
	case domain.PaymentPending, domain.PaymentPaid, domain.PaymentCancelled:
	default:
		return nil, store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET payment_state = $2
		WHERE id = $1
	`, id, state)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	return s.findTransaction(ctx, "id", id)
}

func (s *Store) CreateExpense(ctx context.Context, expense domain.Expense) (*domain.Expense, error) {
	if expense.Description == "" || expense.Amount < 1 || expense.Branch == "" {
		return nil, store.ErrInvalidInput
	}
	if expense.ID == "" {
		expense.ID = xid.New("exp")
	}
	if expense.CreatedAt.IsZero() {
		expense.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO expenses (id, description, qty, unit, amount, branch, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, expense.ID, expense.Description, expense.Qty, nullIfEmpty(expense.Unit), expense.Amount, expense.Branch, expense.CreatedAt)
	if err != nil {
		return nil, err
	}

	created := expense
	return &created, nil
}

func (s *Store) ListExpenses(ctx context.Context, branch string) ([]domain.Expense, error) {
	query := `
		SELECT id, description, qty, COALESCE(unit,''), amount, branch, created_at
		FROM expenses
	`
	args := make([]any, 0, 1)
	if branch != "" {
		query += " WHERE branch = $1"
		args = append(args, branch)
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	expenses := make([]domain.Expense, 0, 64)
	for rows.Next() {
		var expense domain.Expense
		if err := rows.Scan(&expense.ID, &expense.Description, &expense.Qty, &expense.Unit, &expense.Amount, &expense.Branch, &expense.CreatedAt); err != nil {
			return nil, err
		}
		expense.CreatedAt = expense.CreatedAt.UTC()
		expenses = append(expenses, expense)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return expenses, nil
}

func (s *Store) DeleteExpense(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM expenses WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetBranchBalance(ctx context.Context, branch string) (int64, error) {
	if branch == "" {
		return 0, store.ErrInvalidInput
	}

	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT balance FROM branch_balances WHERE branch = $1
	`, branch).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

func (s *Store) SetBranchBalance(ctx context.Context, branch string, balance int64) error {
	if branch == "" || balance < 0 {
		return store.ErrInvalidInput
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branch_balances (branch, balance, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (branch) DO UPDATE SET balance = EXCLUDED.balance, updated_at = now()
	`, branch, balance)
	return err
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, nullIfEmpty(entry.Detail), entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, COALESCE(detail,''), created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = domain.RoleKasir
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,true,$4)
	`, username, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidInput
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	result := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
