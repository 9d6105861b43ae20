package ledger

import (
	"testing"
	"time"

	"backend/internal/events"
	"backend/internal/inventory"
	"backend/internal/square"

	"github.com/stretchr/testify/require"
)

var allOpts = MergeOptions{LinkEvents: true, DecrementInventory: true}

func tx(orderID, name string, qty int, at time.Time) square.Transaction {
	return square.Transaction{
		RemoteOrderID: orderID,
		OccurredAt:    at,
		Name:          name,
		Quantity:      qty,
		UnitPrice:     10,
		LineTotal:     float64(qty) * 10,
	}
}

func TestBuildMergePlanImportsNewTransactions(t *testing.T) {
	at := time.Date(2024, 3, 15, 14, 30, 0, 0, time.UTC)
	plan := BuildMergePlan("owner-1", nil, []square.Transaction{
		tx("ORDER-1", "Benchy", 2, at),
		tx("ORDER-2", "Vase", 1, at),
	}, nil, nil, allOpts)

	require.Equal(t, 2, plan.Imported)
	require.Len(t, plan.NewSales, 2)

	sale := plan.NewSales[0]
	require.Equal(t, "ORDER-1", sale.RemoteOrderID)
	require.True(t, sale.IsRemoteSourced)
	require.Equal(t, PaymentMethodRemote, sale.PaymentMethod)
	require.Equal(t, "Imported", sale.Notes)
	require.Equal(t, "Benchy", sale.ItemName)
	require.InDelta(t, 20.0, sale.Total, 1e-9)
}

func TestBuildMergePlanSkipsAlreadyImportedOrders(t *testing.T) {
	at := time.Now().UTC()
	existing := map[string]struct{}{"ORDER-1": {}}

	plan := BuildMergePlan("owner-1", existing, []square.Transaction{
		tx("ORDER-1", "Benchy", 2, at),
		tx("ORDER-2", "Vase", 1, at),
	}, nil, nil, allOpts)

	require.Equal(t, 1, plan.Imported)
	require.Equal(t, "ORDER-2", plan.NewSales[0].RemoteOrderID)
}

func TestBuildMergePlanOneSalePerOrderID(t *testing.T) {
	// A multi-line order arrives as several transactions sharing one order id;
	// only the first becomes a sale.
	at := time.Now().UTC()
	plan := BuildMergePlan("owner-1", nil, []square.Transaction{
		tx("ORDER-1", "Benchy", 2, at),
		tx("ORDER-1", "Vase", 1, at),
		tx("ORDER-1", "Planter", 3, at),
	}, nil, nil, allOpts)

	require.Equal(t, 1, plan.Imported)
	require.Equal(t, "Benchy", plan.NewSales[0].ItemName)
}

func TestBuildMergePlanIsIdempotent(t *testing.T) {
	at := time.Now().UTC()
	txs := []square.Transaction{
		tx("ORDER-1", "Benchy", 2, at),
		tx("ORDER-2", "Vase", 1, at),
	}

	first := BuildMergePlan("owner-1", nil, txs, nil, nil, allOpts)
	require.Equal(t, 2, first.Imported)

	// Second run against a ledger that already absorbed the first plan.
	existing := map[string]struct{}{}
	for _, s := range first.NewSales {
		existing[s.RemoteOrderID] = struct{}{}
	}
	second := BuildMergePlan("owner-1", existing, txs, nil, nil, allOpts)
	require.Zero(t, second.Imported)
	require.Empty(t, second.NewSales)
	require.Empty(t, second.Decrements)
}

func TestBuildMergePlanStableSaleIDs(t *testing.T) {
	at := time.Now().UTC()
	a := BuildMergePlan("owner-1", nil, []square.Transaction{tx("ORDER-1", "Benchy", 1, at)}, nil, nil, allOpts)
	b := BuildMergePlan("owner-1", nil, []square.Transaction{tx("ORDER-1", "Benchy", 1, at)}, nil, nil, allOpts)
	c := BuildMergePlan("owner-2", nil, []square.Transaction{tx("ORDER-1", "Benchy", 1, at)}, nil, nil, allOpts)

	require.Equal(t, a.NewSales[0].ID, b.NewSales[0].ID, "same owner and order give the same id")
	require.NotEqual(t, a.NewSales[0].ID, c.NewSales[0].ID, "ids are salted by owner")
}

func TestBuildMergePlanLinksEventsByCalendarDate(t *testing.T) {
	evs := []events.Event{
		{ID: "ev-market", Name: "Spring Market", Date: time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)},
		{ID: "ev-fair", Name: "Maker Fair", Date: time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC)},
	}

	plan := BuildMergePlan("owner-1", nil, []square.Transaction{
		// Different time of day, same calendar date as the market.
		tx("ORDER-1", "Benchy", 1, time.Date(2024, 3, 15, 17, 45, 0, 0, time.UTC)),
		tx("ORDER-2", "Vase", 1, time.Date(2024, 3, 16, 10, 0, 0, 0, time.UTC)),
	}, evs, nil, allOpts)

	require.Equal(t, 1, plan.Linked)
	require.Equal(t, "ev-market", plan.NewSales[0].EventID)
	require.Empty(t, plan.NewSales[1].EventID, "no event on that date")
}

func TestBuildMergePlanEventDateCollisionEarliestWins(t *testing.T) {
	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	// List order is creation order, so the first entry is the older event.
	evs := []events.Event{
		{ID: "ev-older", Date: day, CreatedAt: day.Add(-48 * time.Hour)},
		{ID: "ev-newer", Date: day.Add(12 * time.Hour), CreatedAt: day.Add(-time.Hour)},
	}

	plan := BuildMergePlan("owner-1", nil, []square.Transaction{
		tx("ORDER-1", "Benchy", 1, day.Add(15*time.Hour)),
	}, evs, nil, allOpts)

	require.Equal(t, "ev-older", plan.NewSales[0].EventID)
}

func TestBuildMergePlanDecrementsMatchedInventory(t *testing.T) {
	at := time.Now().UTC()
	items := []inventory.Item{
		{ID: "item-1", Name: "Benchy", Qty: 5},
		{ID: "item-2", Name: "Vase", Qty: 3},
	}

	plan := BuildMergePlan("owner-1", nil, []square.Transaction{
		tx("ORDER-1", "benchy", 2, at), // matching is case-insensitive
		tx("ORDER-2", "Dragon", 1, at), // no such item, no decrement
	}, nil, items, allOpts)

	require.Equal(t, 1, plan.Decremented)
	require.Equal(t, []Decrement{{ItemID: "item-1", Qty: 2}}, plan.Decrements)
	require.Equal(t, "item-1", plan.NewSales[0].InventoryID)
	require.Empty(t, plan.NewSales[1].InventoryID)
}

func TestBuildMergePlanClampsStockAtZero(t *testing.T) {
	at := time.Now().UTC()
	items := []inventory.Item{{ID: "item-1", Name: "Benchy", Qty: 3}}

	plan := BuildMergePlan("owner-1", nil, []square.Transaction{
		tx("ORDER-1", "Benchy", 2, at),
		tx("ORDER-2", "Benchy", 5, at), // cumulative 7 sold against 3 in stock
	}, nil, items, allOpts)

	require.Equal(t, []Decrement{{ItemID: "item-1", Qty: 3}}, plan.Decrements,
		"7 sold against 3 in stock subtracts only what exists")
	require.Equal(t, 1, plan.Decremented, "one decrement per item, not per sale")
}

func TestBuildMergePlanHonorsDisabledOptions(t *testing.T) {
	at := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	evs := []events.Event{{ID: "ev-1", Date: at}}
	items := []inventory.Item{{ID: "item-1", Name: "Benchy", Qty: 5}}

	plan := BuildMergePlan("owner-1", nil, []square.Transaction{
		tx("ORDER-1", "Benchy", 2, at),
	}, evs, items, MergeOptions{})

	require.Equal(t, 1, plan.Imported)
	require.Zero(t, plan.Linked)
	require.Zero(t, plan.Decremented)
	require.Empty(t, plan.NewSales[0].EventID)
	require.Empty(t, plan.NewSales[0].InventoryID)
	require.Empty(t, plan.Decrements)
}
