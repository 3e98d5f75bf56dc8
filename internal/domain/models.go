package domain

import "time"

type Product struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	CostPrice   int64  `json:"cost_price"`
	SellPrice   int64  `json:"sell_price"`
	Stock       int    `json:"stock"`
	Image       string `json:"image,omitempty"`
	Description string `json:"description,omitempty"`
}

type ProductCreateRequest struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	CostPrice   int64  `json:"cost_price"`
	SellPrice   int64  `json:"sell_price"`
	Stock       int    `json:"stock"`
	Image       string `json:"image,omitempty"`
	Description string `json:"description,omitempty"`
}

type ProductUpdateRequest struct {
	Name        *string `json:"name,omitempty"`
	Category    *string `json:"category,omitempty"`
	CostPrice   *int64  `json:"cost_price,omitempty"`
	SellPrice   *int64  `json:"sell_price,omitempty"`
	Image       *string `json:"image,omitempty"`
	Description *string `json:"description,omitempty"`
}

type RestockRequest struct {
	Qty int `json:"qty"`
}

type ProductListResponse struct {
	Products []Product `json:"products"`
}

// CartLine carries the price and cost snapshotted when the item entered the
// cart. Checkout totals are computed from these values, not from the live
// catalog.
type CartLine struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
	UnitPrice int64  `json:"unit_price"`
	UnitCost  int64  `json:"unit_cost"`
}

type CheckoutRequest struct {
	Branch string     `json:"branch"`
	Lines  []CartLine `json:"lines"`
}

type CheckoutResponse struct {
	Transaction Transaction `json:"transaction"`
}

type TransactionLine struct {
	ProductID  string `json:"product_id"`
	Name       string `json:"name"`
	Qty        int    `json:"qty"`
	UnitPrice  int64  `json:"unit_price"`
	UnitCost   int64  `json:"unit_cost"`
	LineProfit int64  `json:"line_profit"`
}

type Transaction struct {
	ID             string            `json:"id"`
	SequenceNumber string            `json:"sequence_number"`
	Branch         string            `json:"branch"`
	Lines          []TransactionLine `json:"lines"`
	TotalAmount    int64             `json:"total_amount"`
	TotalProfit    int64             `json:"total_profit"`
	PaymentState   string            `json:"payment_state"`
	CreatedAt      time.Time         `json:"created_at"`
}

type TransactionListResponse struct {
	Transactions []Transaction `json:"transactions"`
}

type PaymentStateRequest struct {
	PaymentState string `json:"payment_state"`
}

type Expense struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Qty         int       `json:"qty,omitempty"`
	Unit        string    `json:"unit,omitempty"`
	Amount      int64     `json:"amount"`
	Branch      string    `json:"branch"`
	CreatedAt   time.Time `json:"created_at"`
}

type ExpenseCreateRequest struct {
	Description string `json:"description"`
	Qty         int    `json:"qty,omitempty"`
	Unit        string `json:"unit,omitempty"`
	Amount      int64  `json:"amount"`
	Branch      string `json:"branch"`
}

type ExpenseListResponse struct {
	Expenses []Expense `json:"expenses"`
}

type BranchBalance struct {
	Branch  string `json:"branch"`
	Balance int64  `json:"balance"`
}

type BranchBalanceRequest struct {
	Balance int64 `json:"balance"`
}

type SalesSummary struct {
	From         string `json:"from"`
	To           string `json:"to"`
	Branch       string `json:"branch,omitempty"`
	PaidOnly     bool   `json:"paid_only"`
	Transactions int64  `json:"transactions"`
	TotalAmount  int64  `json:"total_amount"`
	TotalProfit  int64  `json:"total_profit"`
	Expenses     int64  `json:"expenses"`
	ExpenseTotal int64  `json:"expense_total"`
}

type BestSeller struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Qty       int    `json:"qty"`
}

type BestSellerResponse struct {
	Items []BestSeller `json:"items"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type StaffUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	PaymentPending = "pending"
	PaymentPaid    = "paid"
	// PaymentCancelled is reserved for operational tooling; no checkout or
	// toggle flow sets it today.
	PaymentCancelled = "cancelled"
)

const (
	RoleOwner = "owner"
	RoleKasir = "kasir"
)

const (
	BranchSemarang = "Semarang"
	BranchJogja    = "Jogja"
)
