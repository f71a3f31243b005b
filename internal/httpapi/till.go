package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/service"
	"kasirinaja/ledger/internal/store"
)

// registerTill mounts the cashier, catalogue and report routes.
func (a *API) registerTill(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/session", a.requireAuth(a.handleSessionGet))
	mux.HandleFunc("POST /api/session", a.requireAuth(a.handleSessionOpen))
	mux.HandleFunc("DELETE /api/session", a.requireAuth(a.handleSessionClose))

	mux.HandleFunc("GET /api/cart", a.requireAuth(a.handleCartGet))
	mux.HandleFunc("DELETE /api/cart", a.requireAuth(a.handleCartClear))
	mux.HandleFunc("POST /api/cart/items", a.requireAuth(a.handleCartAdd))
	mux.HandleFunc("PUT /api/cart/items/{productId}", a.requireAuth(a.handleCartUpdate))
	mux.HandleFunc("DELETE /api/cart/items/{productId}", a.requireAuth(a.handleCartRemove))
	mux.HandleFunc("POST /api/cart/checkout", a.requireAuth(a.handleCheckout))

	mux.HandleFunc("GET /api/transactions/{id}", a.requireAuth(a.handleTransactionGet))
	mux.HandleFunc("POST /api/transactions/{id}/reprint", a.requireAuth(a.handleReprint))
	mux.HandleFunc("POST /api/transactions/{id}/reverse", a.requireAuth(a.handleReverse, domain.RoleAdmin, domain.RoleManager))

	mux.HandleFunc("GET /api/credit-customers", a.requireAuth(a.handleCustomerList))
	mux.HandleFunc("POST /api/credit-customers", a.requireAuth(a.handleCustomerCreate))
	mux.HandleFunc("GET /api/credit-customers/{id}", a.requireAuth(a.handleCustomerStatement))
	mux.HandleFunc("GET /api/credit-customers/{id}/payments", a.requireAuth(a.handlePaymentList))
	mux.HandleFunc("POST /api/credit-customers/{id}/payments", a.requireAuth(a.handlePaymentCreate))

	mux.HandleFunc("GET /api/reports/daily", a.requireAuth(a.handleDailyReport, domain.RoleAdmin, domain.RoleManager))

	mux.HandleFunc("GET /api/products/low-stock", a.requireAuth(a.handleLowStock))
	mux.HandleFunc("POST /api/products", a.requireAuth(a.handleProductCreate, domain.RoleAdmin, domain.RoleManager))
	mux.HandleFunc("PUT /api/products/{id}", a.requireAuth(a.handleProductUpdate, domain.RoleAdmin, domain.RoleManager))
	mux.HandleFunc("DELETE /api/products/{id}", a.requireAuth(a.handleProductDelete, domain.RoleAdmin, domain.RoleManager))
	mux.HandleFunc("POST /api/products/{id}/stock", a.requireAuth(a.handleStockAdjust, domain.RoleAdmin, domain.RoleManager))
}

type sessionView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

func viewSession(u domain.User) sessionView {
	return sessionView{ID: u.ID, Name: u.Name, Role: u.Role}
}

func (a *API) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	cashier, ok := a.service.CurrentCashier()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": true, "cashier": viewSession(cashier)})
}

func (a *API) handleSessionOpen(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cashier, err := a.service.Login(r.Context(), req.UserID, req.PIN)
	if err != nil {
		a.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": true, "cashier": viewSession(cashier)})
}

func (a *API) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	a.service.Logout()
	writeJSON(w, http.StatusOK, map[string]any{"active": false})
}

func (a *API) handleCartGet(w http.ResponseWriter, r *http.Request) {
	writeCart(w, a.service.Cart())
}

func (a *API) handleCartClear(w http.ResponseWriter, r *http.Request) {
	a.service.ClearCart()
	writeCart(w, nil)
}

func (a *API) handleCartAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductID int64 `json:"productId"`
		Quantity  *int  `json:"quantity,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	cart, err := a.service.AddToCart(req.ProductID)
	if err != nil {
		a.serviceError(w, err)
		return
	}
	if req.Quantity != nil {
		cart = a.service.UpdateQuantity(req.ProductID, *req.Quantity)
	}
	writeCart(w, cart)
}

func (a *API) handleCartUpdate(w http.ResponseWriter, r *http.Request) {
	productID, ok := pathInt(w, r, "productId")
	if !ok {
		return
	}
	var req struct {
		Quantity int `json:"quantity"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeCart(w, a.service.UpdateQuantity(productID, req.Quantity))
}

func (a *API) handleCartRemove(w http.ResponseWriter, r *http.Request) {
	productID, ok := pathInt(w, r, "productId")
	if !ok {
		return
	}
	writeCart(w, a.service.RemoveFromCart(productID))
}

func writeCart(w http.ResponseWriter, items []domain.CartItem) {
	if items == nil {
		items = []domain.CartItem{}
	}
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.LineTotal())
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "subtotal": total})
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentMethod domain.PaymentMethod `json:"paymentMethod"`
		CustomerName  string               `json:"customerName"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	tx, err := a.service.CommitSale(r.Context(), req.PaymentMethod, req.CustomerName)
	if err != nil {
		a.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (a *API) handleTransactionGet(w http.ResponseWriter, r *http.Request) {
	tx, err := a.service.Transaction(r.PathValue("id"))
	if err != nil {
		a.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) handleReprint(w http.ResponseWriter, r *http.Request) {
	if err := a.service.ReprintTransaction(r.Context(), r.PathValue("id")); err != nil {
		a.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *API) handleReverse(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.service.Transaction(id); err != nil {
		a.serviceError(w, err)
		return
	}
	if err := a.service.ReverseTransaction(r.Context(), id); err != nil {
		a.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "reversed": id})
}

func (a *API) handleCustomerList(w http.ResponseWriter, r *http.Request) {
	customers := a.service.CreditCustomers()
	if customers == nil {
		customers = []domain.CreditCustomer{}
	}
	writeJSON(w, http.StatusOK, customers)
}

func (a *API) handleCustomerCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Phone string `json:"phone"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	customer, err := a.service.AddCreditCustomer(r.Context(), req.Name, req.Phone)
	if err != nil {
		a.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, customer)
}

func (a *API) handleCustomerStatement(w http.ResponseWriter, r *http.Request) {
	statement, err := a.service.CustomerStatement(r.PathValue("id"))
	if err != nil {
		a.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statement)
}

func (a *API) handlePaymentList(w http.ResponseWriter, r *http.Request) {
	payments := a.service.ListPayments(r.PathValue("id"))
	if payments == nil {
		payments = []domain.CreditPayment{}
	}
	writeJSON(w, http.StatusOK, payments)
}

func (a *API) handlePaymentCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount        decimal.Decimal `json:"amount"`
		TransactionID string          `json:"transactionId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	payment, err := a.service.ApplyPayment(r.Context(), r.PathValue("id"), req.Amount, strings.TrimSpace(req.TransactionID))
	if err != nil {
		a.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payment)
}

func (a *API) handleDailyReport(w http.ResponseWriter, r *http.Request) {
	day := strings.TrimSpace(r.URL.Query().Get("date"))
	if day == "" {
		day = a.service.Today()
	}
	if _, err := time.Parse(time.DateOnly, day); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("date must be YYYY-MM-DD"))
		return
	}
	summary, err := a.service.DailySales(day)
	if err != nil {
		a.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleLowStock(w http.ResponseWriter, r *http.Request) {
	products := a.service.LowStock()
	if products == nil {
		products = []domain.Product{}
	}
	writeJSON(w, http.StatusOK, products)
}

func (a *API) handleProductCreate(w http.ResponseWriter, r *http.Request) {
	var p domain.Product
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	created, err := a.service.AddProduct(r.Context(), p)
	if err != nil {
		a.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleProductUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	var patch domain.ProductPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	updated, err := a.service.UpdateProduct(r.Context(), id, patch)
	if err != nil {
		a.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleProductDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	if err := a.service.DeleteProduct(r.Context(), id); err != nil {
		a.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *API) handleStockAdjust(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Stock  *int   `json:"stock"`
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Stock == nil {
		writeError(w, http.StatusBadRequest, errors.New("stock is required"))
		return
	}
	entry, err := a.service.AdjustStock(r.Context(), id, *req.Stock, req.Reason)
	if err != nil {
		a.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func pathInt(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New(name+" must be an integer"))
		return 0, false
	}
	return id, true
}

// serviceError maps ledger errors onto status codes; anything unknown is a 500.
func (a *API) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, service.ErrNoSession), errors.Is(err, service.ErrDuplicateID):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, service.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err)
	case errors.Is(err, service.ErrInactiveUser):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidPaymentMethod),
		errors.Is(err, service.ErrCustomerRequired),
		errors.Is(err, service.ErrProductUnavailable),
		errors.Is(err, service.ErrInvalidRecord):
		writeError(w, http.StatusBadRequest, err)
	default:
		a.internalError(w, err)
	}
}
