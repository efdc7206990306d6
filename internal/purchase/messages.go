package purchase

// Event is an inbound message the saga reacts to.
type Event interface {
	Correlation() string
	Name() string
}

// Event names double as wire message types.
const (
	EventPurchaseRequested      = "purchase-requested"
	EventItemsGrantedSuccess    = "items-granted"
	EventItemsGrantedFault      = "items-grant-faulted"
	EventCurrencyDebitedSuccess = "currency-debited"
	EventCurrencyDebitedFault   = "currency-debit-faulted"
	EventPurchaseTimedOut       = "purchase-timed-out"
)

type PurchaseRequested struct {
	CorrelationID string `json:"correlationId"`
	UserID        string `json:"userId"`
	ItemID        string `json:"itemId"`
	Quantity      int    `json:"quantity"`
}

func (e PurchaseRequested) Correlation() string { return e.CorrelationID }
func (e PurchaseRequested) Name() string        { return EventPurchaseRequested }

type ItemsGrantedSuccess struct {
	CorrelationID string `json:"correlationId"`
}

func (e ItemsGrantedSuccess) Correlation() string { return e.CorrelationID }
func (e ItemsGrantedSuccess) Name() string        { return EventItemsGrantedSuccess }

type ItemsGrantedFault struct {
	CorrelationID string `json:"correlationId"`
	Reason        string `json:"reason"`
}

func (e ItemsGrantedFault) Correlation() string { return e.CorrelationID }
func (e ItemsGrantedFault) Name() string        { return EventItemsGrantedFault }

type CurrencyDebitedSuccess struct {
	CorrelationID string  `json:"correlationId"`
	NewBalance    float64 `json:"newBalance"`
}

func (e CurrencyDebitedSuccess) Correlation() string { return e.CorrelationID }
func (e CurrencyDebitedSuccess) Name() string        { return EventCurrencyDebitedSuccess }

type CurrencyDebitedFault struct {
	CorrelationID string `json:"correlationId"`
	Reason        string `json:"reason"`
}

func (e CurrencyDebitedFault) Correlation() string { return e.CorrelationID }
func (e CurrencyDebitedFault) Name() string        { return EventCurrencyDebitedFault }

// PurchaseTimedOut is raised by the sweeper for sagas idle past their expiry.
type PurchaseTimedOut struct {
	CorrelationID string `json:"correlationId"`
	Reason        string `json:"reason"`
}

func (e PurchaseTimedOut) Correlation() string { return e.CorrelationID }
func (e PurchaseTimedOut) Name() string        { return EventPurchaseTimedOut }

// CommandType identifies an outbound command and its destination.
type CommandType string

const (
	CommandGrantItems    CommandType = "grant-items"
	CommandDebitCurrency CommandType = "debit-currency"
	CommandSubtractItems CommandType = "subtract-items"
)

// Command is an outbound instruction to the inventory or currency service.
type Command struct {
	Type          CommandType `json:"type"`
	CorrelationID string      `json:"correlationId"`
	UserID        string      `json:"userId"`
	ItemID        string      `json:"itemId,omitempty"`
	Quantity      int         `json:"quantity,omitempty"`
	Amount        float64     `json:"amount,omitempty"`
}

// Compensation reports whether the command reverses an earlier step.
func (c Command) Compensation() bool {
	return c.Type == CommandSubtractItems
}

func grantItems(s *SagaState) Command {
	return Command{
		Type:          CommandGrantItems,
		CorrelationID: s.CorrelationID,
		UserID:        s.UserID,
		ItemID:        s.ItemID,
		Quantity:      s.Quantity,
	}
}

func debitCurrency(s *SagaState) Command {
	return Command{
		Type:          CommandDebitCurrency,
		CorrelationID: s.CorrelationID,
		UserID:        s.UserID,
		Amount:        s.TotalPrice,
	}
}

func subtractItems(s *SagaState) Command {
	return Command{
		Type:          CommandSubtractItems,
		CorrelationID: s.CorrelationID,
		UserID:        s.UserID,
		ItemID:        s.ItemID,
		Quantity:      s.Quantity,
	}
}

// faultFor converts a failed forward command into the reply the saga would
// have received from the remote service. Compensations have no fault event.
func faultFor(cmd Command, reason string) (Event, bool) {
	switch cmd.Type {
	case CommandGrantItems:
		return ItemsGrantedFault{CorrelationID: cmd.CorrelationID, Reason: reason}, true
	case CommandDebitCurrency:
		return CurrencyDebitedFault{CorrelationID: cmd.CorrelationID, Reason: reason}, true
	default:
		return nil, false
	}
}
