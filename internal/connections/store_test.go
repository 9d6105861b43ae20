package connections

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"backend/internal/security"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

// fakeDDB is an in-memory single-table stand-in keyed by PK|SK. It understands
// just the SET expressions this store issues.
type fakeDDB struct {
	items map[string]map[string]types.AttributeValue
}

func newFakeDDB() *fakeDDB {
	return &fakeDDB{items: map[string]map[string]types.AttributeValue{}}
}

func itemKey(key map[string]types.AttributeValue) string {
	pkAttr := key["PK"].(*types.AttributeValueMemberS)
	skAttr := key["SK"].(*types.AttributeValueMemberS)
	return pkAttr.Value + "|" + skAttr.Value
}

func (f *fakeDDB) GetItem(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	it, ok := f.items[itemKey(params.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: it}, nil
}

func (f *fakeDDB) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.items[itemKey(params.Item)] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDDB) DeleteItem(_ context.Context, params *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	delete(f.items, itemKey(params.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDDB) UpdateItem(_ context.Context, params *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	k := itemKey(params.Key)
	it, ok := f.items[k]
	if !ok {
		if params.ConditionExpression != nil && strings.Contains(*params.ConditionExpression, "attribute_exists") {
			return nil, &types.ConditionalCheckFailedException{}
		}
		it = map[string]types.AttributeValue{}
		for kk, vv := range params.Key {
			it[kk] = vv
		}
		f.items[k] = it
	}
	// "SET A=:a, B=:b" only; enough for this store.
	expr := strings.TrimPrefix(*params.UpdateExpression, "SET ")
	for _, assign := range strings.Split(expr, ",") {
		parts := strings.SplitN(strings.TrimSpace(assign), "=", 2)
		it[strings.TrimSpace(parts[0])] = params.ExpressionAttributeValues[strings.TrimSpace(parts[1])]
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func newTestStore(t *testing.T) (*Store, *fakeDDB) {
	t.Helper()
	cipher, err := security.NewTokenCipher(base64.StdEncoding.EncodeToString(make([]byte, 32)))
	require.NoError(t, err)
	ddb := newFakeDDB()
	return NewStore(ddb, "connections-test", cipher), ddb
}

func testConn() *Connection {
	return &Connection{
		OwnerID:      "owner-1",
		MerchantID:   "M1",
		MerchantName: "Print Shop",
		AccessToken:  "access-plain",
		RefreshToken: "refresh-plain",
		ExpiresAt:    time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second),
		LocationID:   "LOC-1",
		LocationName: "Main",
		ConnectedAt:  time.Now().UTC().Truncate(time.Second),
	}
}

func TestStorePutGetRoundTrip(t *testing.T) {
	store, ddb := newTestStore(t)
	ctx := context.Background()
	want := testConn()

	require.NoError(t, store.Put(ctx, want))

	got, err := store.Get(ctx, "owner-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, want.MerchantID, got.MerchantID)
	require.Equal(t, want.MerchantName, got.MerchantName)
	require.Equal(t, "access-plain", got.AccessToken)
	require.Equal(t, "refresh-plain", got.RefreshToken)
	require.True(t, got.ExpiresAt.Equal(want.ExpiresAt))
	require.Equal(t, "LOC-1", got.LocationID)
	require.True(t, got.LastSyncAt.IsZero(), "never synced yet")

	// Stored attributes never hold the plaintext tokens.
	item := ddb.items["OWNER#owner-1|SQUARE#CONN"]
	enc := item["AccessTokenEnc"].(*types.AttributeValueMemberS).Value
	require.NotEmpty(t, enc)
	require.NotContains(t, enc, "access-plain")
}

func TestStoreGetMissingReturnsNil(t *testing.T) {
	store, _ := newTestStore(t)

	got, err := store.Get(context.Background(), "nobody")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestStoreDeleteIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testConn()))
	require.NoError(t, store.Delete(ctx, "owner-1"))
	require.NoError(t, store.Delete(ctx, "owner-1"), "second delete is a no-op")

	got, err := store.Get(ctx, "owner-1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestStoreSaveTokensRotatesCredentials(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, testConn()))

	newExpiry := time.Now().UTC().Add(60 * 24 * time.Hour).Truncate(time.Second)
	require.NoError(t, store.SaveTokens(ctx, "owner-1", "access-2", "refresh-2", newExpiry))

	got, err := store.Get(ctx, "owner-1")
	require.NoError(t, err)
	require.Equal(t, "access-2", got.AccessToken)
	require.Equal(t, "refresh-2", got.RefreshToken)
	require.True(t, got.ExpiresAt.Equal(newExpiry))
	require.Equal(t, "Print Shop", got.MerchantName, "other fields untouched")
}

func TestStoreSaveTokensRequiresExistingConnection(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.SaveTokens(context.Background(), "nobody", "a", "r", time.Now())
	require.Error(t, err, "no upsert of credentials for a disconnected owner")
}

func TestStoreTouchLastSync(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, testConn()))

	at := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.TouchLastSync(ctx, "owner-1", at))

	got, err := store.Get(ctx, "owner-1")
	require.NoError(t, err)
	require.True(t, got.LastSyncAt.Equal(at))
}
