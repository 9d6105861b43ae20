package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"backend/internal/inventory"
	"backend/internal/square"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

// fakeTransactDDB records every transaction and can fail the Nth one, leaving
// the earlier ones committed.
type fakeTransactDDB struct {
	transactions [][]types.TransactWriteItem
	failAt       int // 1-based; 0 never fails
}

func (f *fakeTransactDDB) Query(context.Context, *dynamodb.QueryInput, ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	return &dynamodb.QueryOutput{}, nil
}

func (f *fakeTransactDDB) PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeTransactDDB) DeleteItem(context.Context, *dynamodb.DeleteItemInput, ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeTransactDDB) TransactWriteItems(_ context.Context, params *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	if f.failAt > 0 && len(f.transactions)+1 == f.failAt {
		return nil, errors.New("transaction canceled")
	}
	f.transactions = append(f.transactions, params.TransactItems)
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func countOps(tx []types.TransactWriteItem) (puts, updates int) {
	for _, op := range tx {
		if op.Put != nil {
			puts++
		}
		if op.Update != nil {
			updates++
		}
	}
	return
}

// committedOrderIDs extracts the remote order ids of every persisted sale put.
func committedOrderIDs(transactions [][]types.TransactWriteItem) map[string]struct{} {
	ids := map[string]struct{}{}
	for _, tx := range transactions {
		for _, op := range tx {
			if op.Put == nil {
				continue
			}
			if v, ok := op.Put.Item["RemoteOrderId"].(*types.AttributeValueMemberS); ok && v.Value != "" {
				ids[v.Value] = struct{}{}
			}
		}
	}
	return ids
}

// wideMergePlan builds a plan of n orders; the order named by decrementAt (if
// any) sells the stocked item and carries a decrement.
func wideMergePlan(n, decrementAt int, items []inventory.Item) ([]square.Transaction, MergePlan) {
	at := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	txs := make([]square.Transaction, 0, n)
	for i := 1; i <= n; i++ {
		name := "Widget"
		if i == decrementAt {
			name = "Benchy"
		}
		txs = append(txs, square.Transaction{
			RemoteOrderID: fmt.Sprintf("ORDER-%d", i),
			OccurredAt:    at,
			Name:          name,
			Quantity:      2,
			UnitPrice:     10,
			LineTotal:     20,
		})
	}
	return txs, BuildMergePlan("owner-1", nil, txs, nil, items, allOpts)
}

func TestApplyMergePlanSingleTransactionWhenItFits(t *testing.T) {
	items := []inventory.Item{{ID: "item-1", Name: "Benchy", Qty: 5}}
	_, plan := wideMergePlan(3, 2, items)

	ddb := &fakeTransactDDB{}
	store := NewStore(ddb, "sales-test")
	inv := inventory.NewStore(nil, "inventory-test")

	require.NoError(t, store.ApplyMergePlan(context.Background(), "owner-1", inv, plan))
	require.Len(t, ddb.transactions, 1)

	puts, updates := countOps(ddb.transactions[0])
	require.Equal(t, 3, puts)
	require.Equal(t, 1, updates)

	up := ddb.transactions[0][3].Update
	require.Equal(t, "SET Qty = Qty - :n", *up.UpdateExpression)
	require.Equal(t, "Qty >= :n", *up.ConditionExpression)
	require.Equal(t, "2", up.ExpressionAttributeValues[":n"].(*types.AttributeValueMemberN).Value)
}

func TestApplyMergePlanKeepsSaleAndDecrementInOneChunk(t *testing.T) {
	// 100 sales where the first one decrements: 101 ops, so the plan splits.
	// The decrement must ride in the same transaction as its sale, not trail
	// in a later one.
	items := []inventory.Item{{ID: "item-1", Name: "Benchy", Qty: 5}}
	_, plan := wideMergePlan(100, 1, items)

	ddb := &fakeTransactDDB{}
	store := NewStore(ddb, "sales-test")
	inv := inventory.NewStore(nil, "inventory-test")

	require.NoError(t, store.ApplyMergePlan(context.Background(), "owner-1", inv, plan))
	require.Len(t, ddb.transactions, 2)

	puts, updates := countOps(ddb.transactions[0])
	require.Equal(t, 99, puts)
	require.Equal(t, 1, updates, "first chunk carries its own decrement")
	require.Len(t, ddb.transactions[0], 100)

	puts, updates = countOps(ddb.transactions[1])
	require.Equal(t, 1, puts)
	require.Zero(t, updates)
}

func TestApplyMergePlanChunkFailureLeavesDecrementRecoverable(t *testing.T) {
	// The decrementing sale lands in the second chunk, which fails. Because
	// sale and decrement travel together, the sale is not committed either,
	// so a rebuilt plan recomputes both — nothing is silently lost.
	items := []inventory.Item{{ID: "item-1", Name: "Benchy", Qty: 5}}
	txs, plan := wideMergePlan(100, 100, items)

	ddb := &fakeTransactDDB{failAt: 2}
	store := NewStore(ddb, "sales-test")
	inv := inventory.NewStore(nil, "inventory-test")

	err := store.ApplyMergePlan(context.Background(), "owner-1", inv, plan)
	require.Error(t, err)
	require.Len(t, ddb.transactions, 1, "only the first chunk committed")

	_, updates := countOps(ddb.transactions[0])
	require.Zero(t, updates, "the committed chunk owed no decrement")

	committed := committedOrderIDs(ddb.transactions)
	require.Len(t, committed, 99)
	require.NotContains(t, committed, "ORDER-100")

	// Retry against the partially-committed ledger: stock is untouched, so
	// the snapshot still holds and the plan carries the remaining work.
	retry := BuildMergePlan("owner-1", committed, txs, nil, items, allOpts)
	require.Equal(t, 1, retry.Imported)
	require.Equal(t, "ORDER-100", retry.NewSales[0].RemoteOrderID)
	require.Equal(t, []Decrement{{ItemID: "item-1", Qty: 2}}, retry.Decrements,
		"the failed chunk's decrement is recomputed, not stranded")
}

func TestApplyMergePlanCoalescesDecrementsPerItem(t *testing.T) {
	// Two sales of the same item in one chunk must not produce two updates on
	// one key; the amounts coalesce into a single subtraction.
	at := time.Now().UTC()
	items := []inventory.Item{{ID: "item-1", Name: "Benchy", Qty: 10}}
	txs := []square.Transaction{
		{RemoteOrderID: "ORDER-1", OccurredAt: at, Name: "Benchy", Quantity: 2, UnitPrice: 10, LineTotal: 20},
		{RemoteOrderID: "ORDER-2", OccurredAt: at, Name: "Benchy", Quantity: 3, UnitPrice: 10, LineTotal: 30},
	}
	plan := BuildMergePlan("owner-1", nil, txs, nil, items, allOpts)

	ddb := &fakeTransactDDB{}
	store := NewStore(ddb, "sales-test")
	inv := inventory.NewStore(nil, "inventory-test")

	require.NoError(t, store.ApplyMergePlan(context.Background(), "owner-1", inv, plan))
	require.Len(t, ddb.transactions, 1)

	puts, updates := countOps(ddb.transactions[0])
	require.Equal(t, 2, puts)
	require.Equal(t, 1, updates)

	up := ddb.transactions[0][2].Update
	require.Equal(t, "5", up.ExpressionAttributeValues[":n"].(*types.AttributeValueMemberN).Value)
}
