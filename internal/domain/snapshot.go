package domain

// Snapshot is the shape served and consumed by GET /api/sync.
type Snapshot struct {
	Products        []Product        `json:"products"`
	Users           []User           `json:"users"`
	Expenses        []Expense        `json:"expenses"`
	Salaries        []Salary         `json:"salaries"`
	CreditCustomers []CreditCustomer `json:"creditCustomers"`
	BusinessSetup   *BusinessConfig  `json:"businessSetup"`
	Transactions    []Transaction    `json:"transactions"`
}

// FullState is the body of POST /api/sync/full.
type FullState struct {
	Products      []Product        `json:"products"`
	Users         []User           `json:"users"`
	Expenses      []Expense        `json:"expenses"`
	Salaries      []Salary         `json:"salaries"`
	Customers     []CreditCustomer `json:"customers"`
	Transactions  []Transaction    `json:"transactions"`
	BusinessSetup *BusinessConfig  `json:"businessSetup"`
}

func (s Snapshot) FullState() FullState {
	return FullState{
		Products:      s.Products,
		Users:         s.Users,
		Expenses:      s.Expenses,
		Salaries:      s.Salaries,
		Customers:     s.CreditCustomers,
		Transactions:  s.Transactions,
		BusinessSetup: s.BusinessSetup,
	}
}
