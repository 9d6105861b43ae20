package ledger

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"time"

	"backend/internal/events"
	"backend/internal/inventory"
	"backend/internal/square"
)

// PaymentMethodRemote marks sales imported from the POS rather than logged
// by hand.
const PaymentMethodRemote = "remote-pos"

// MergeOptions control the reconciliation side effects.
type MergeOptions struct {
	LinkEvents         bool
	DecrementInventory bool
}

// Decrement is one inventory adjustment computed by the merge: the units of
// stock to subtract, already clamped against the snapshot so the item never
// goes below zero.
type Decrement struct {
	ItemID string
	Qty    int
}

// MergePlan is the outcome of reconciling pulled transactions against a
// snapshot of the local ledger. Decrements aggregates per item;
// saleDecrements pairs each new sale with the subtraction it caused, which is
// what lets ApplyMergePlan keep a sale and its stock effect in the same
// transaction.
type MergePlan struct {
	NewSales    []Sale
	Decrements  []Decrement
	Imported    int
	Linked      int
	Decremented int

	saleDecrements []Decrement
}

// calendarDate reduces a timestamp to its calendar day; event linking
// compares days, not full timestamps. UTC keeps the comparison deterministic
// across hosts.
func calendarDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// remoteSaleID derives a stable local id for an imported sale from the remote
// order id, salted with the owner id so two accounts importing the same
// sandbox order never collide.
func remoteSaleID(ownerID, remoteOrderID string) string {
	h := sha1.Sum([]byte(ownerID + "|" + remoteOrderID))
	return "sq-" + hex.EncodeToString(h[:8])
}

// BuildMergePlan reconciles pulled transactions against the existing ledger.
//
// Dedupe is keyed by remote order id alone, and the seen set grows as the
// plan is built, so at most one sale ever exists per remote order id — for a
// multi-line order the first line item wins. Running the same transaction set
// through twice therefore yields the same ledger as running it once.
//
// When multiple events share a calendar date, the earliest-created event
// claims the date.
func BuildMergePlan(ownerID string, existingOrderIDs map[string]struct{}, txs []square.Transaction, evs []events.Event, items []inventory.Item, opts MergeOptions) MergePlan {
	seen := make(map[string]struct{}, len(existingOrderIDs))
	for id := range existingOrderIDs {
		seen[id] = struct{}{}
	}

	var eventByDate map[string]string
	if opts.LinkEvents {
		eventByDate = make(map[string]string, len(evs))
		for _, ev := range evs {
			d := calendarDate(ev.Date)
			if _, taken := eventByDate[d]; !taken {
				eventByDate[d] = ev.ID
			}
		}
	}

	type stock struct {
		itemID string
		qty    int
	}
	var stockByName map[string]*stock
	if opts.DecrementInventory {
		stockByName = make(map[string]*stock, len(items))
		for _, it := range items {
			stockByName[strings.ToLower(it.Name)] = &stock{itemID: it.ID, qty: it.Qty}
		}
	}

	var plan MergePlan
	touched := map[string]int{}

	for _, tx := range txs {
		if _, dup := seen[tx.RemoteOrderID]; dup {
			continue
		}
		seen[tx.RemoteOrderID] = struct{}{}

		sale := Sale{
			ID:              remoteSaleID(ownerID, tx.RemoteOrderID),
			Date:            tx.OccurredAt,
			ItemName:        tx.Name,
			Quantity:        tx.Quantity,
			UnitPrice:       tx.UnitPrice,
			Total:           tx.LineTotal,
			PaymentMethod:   PaymentMethodRemote,
			RemoteOrderID:   tx.RemoteOrderID,
			IsRemoteSourced: true,
			Notes:           "Imported",
		}

		if opts.LinkEvents {
			if evID, ok := eventByDate[calendarDate(tx.OccurredAt)]; ok {
				sale.EventID = evID
				plan.Linked++
			}
		}

		var saleDec Decrement
		if opts.DecrementInventory {
			// Exact case-insensitive name equality only; no fuzzy matching.
			if st, ok := stockByName[strings.ToLower(tx.Name)]; ok {
				applied := tx.Quantity
				if applied > st.qty {
					applied = st.qty
				}
				st.qty -= applied
				sale.InventoryID = st.itemID
				saleDec = Decrement{ItemID: st.itemID, Qty: applied}
				touched[st.itemID] += applied
			}
		}

		plan.NewSales = append(plan.NewSales, sale)
		plan.saleDecrements = append(plan.saleDecrements, saleDec)
		plan.Imported++
	}

	// Emit decrements in inventory order so the plan is deterministic.
	for _, it := range items {
		if n, ok := touched[it.ID]; ok {
			plan.Decrements = append(plan.Decrements, Decrement{ItemID: it.ID, Qty: n})
			plan.Decremented++
		}
	}

	return plan
}
