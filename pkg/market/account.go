package market

import (
	"sort"

	"github.com/uhyunpark/marketsim/pkg/market/orderbook"
)

// DefaultStartingCash is the cash every new account is funded with.
const DefaultStartingCash = 1_000_000.0

// Account is a participant's cash and signed per-symbol holdings.
// Cash may go negative and holdings may go short; there are no solvency
// checks.
type Account struct {
	ParticipantID string
	Cash          float64
	Holdings      map[string]int64
}

func NewAccount(participantID string, cash float64) *Account {
	return &Account{
		ParticipantID: participantID,
		Cash:          cash,
		Holdings:      make(map[string]int64),
	}
}

// AccountView is a detached copy of an account, safe to hand to callers.
type AccountView struct {
	ParticipantID string           `json:"agent_id"`
	Cash          float64          `json:"cash"`
	Holdings      map[string]int64 `json:"portfolio"`
}

func (a *Account) View() AccountView {
	h := make(map[string]int64, len(a.Holdings))
	for sym, qty := range a.Holdings {
		h[sym] = qty
	}
	return AccountView{ParticipantID: a.ParticipantID, Cash: a.Cash, Holdings: h}
}

// accountBook is the set of accounts an Environment settles against.
// Callers hold the Environment lock.
type accountBook struct {
	startingCash float64
	accounts     map[string]*Account
}

func newAccountBook(startingCash float64) *accountBook {
	return &accountBook{
		startingCash: startingCash,
		accounts:     make(map[string]*Account),
	}
}

// get returns the account for id, creating it with starting cash if needed.
func (b *accountBook) get(id string) *Account {
	if acc, ok := b.accounts[id]; ok {
		return acc
	}
	acc := NewAccount(id, b.startingCash)
	b.accounts[id] = acc
	return acc
}

func (b *accountBook) lookup(id string) (*Account, bool) {
	acc, ok := b.accounts[id]
	return acc, ok
}

// settle moves cash and holdings for one trade: the buyer pays
// price × volume and gains volume; the seller mirrors it.
func (b *accountBook) settle(t orderbook.Trade) {
	value := t.Value()

	buyer := b.get(t.Buyer)
	buyer.Cash -= value
	buyer.Holdings[t.Symbol] += t.Volume

	seller := b.get(t.Seller)
	seller.Cash += value
	seller.Holdings[t.Symbol] -= t.Volume
}

// reset returns every account to starting cash with no holdings.
func (b *accountBook) reset() {
	for _, acc := range b.accounts {
		acc.Cash = b.startingCash
		acc.Holdings = make(map[string]int64)
	}
}

// ids returns the account ids in sorted order.
func (b *accountBook) ids() []string {
	out := make([]string, 0, len(b.accounts))
	for id := range b.accounts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
