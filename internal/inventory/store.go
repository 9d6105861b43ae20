package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"backend/internal/apperror"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Item is one printed part in local stock. Remote ids are set after a
// successful catalog push and empty until then.
type Item struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Category          string  `json:"category"`
	UnitPrice         float64 `json:"unitPrice"`
	Qty               int     `json:"qty"`
	RemoteCatalogID   string  `json:"remoteCatalogId,omitempty"`
	RemoteVariationID string  `json:"remoteVariationId,omitempty"`
	CreatedAt         string  `json:"createdAt"`
}

type record struct {
	PK                string  `dynamodbav:"PK"`
	SK                string  `dynamodbav:"SK"`
	Name              string  `dynamodbav:"Name"`
	Category          string  `dynamodbav:"Category"`
	UnitPrice         float64 `dynamodbav:"UnitPrice"`
	Qty               int     `dynamodbav:"Qty"`
	RemoteCatalogID   string  `dynamodbav:"RemoteCatalogId,omitempty"`
	RemoteVariationID string  `dynamodbav:"RemoteVariationId,omitempty"`
	CreatedAt         string  `dynamodbav:"CreatedAt"`
}

type DDB interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

type Store struct {
	ddb   DDB
	table string
}

func NewStore(ddb DDB, table string) *Store {
	return &Store{ddb: ddb, table: table}
}

func pk(ownerID string) string     { return fmt.Sprintf("OWNER#%s", ownerID) }
func sk(itemID string) string      { return fmt.Sprintf("ITEM#%s", itemID) }
func idFromSK(skVal string) string { return strings.TrimPrefix(skVal, "ITEM#") }

// Key returns the DynamoDB key for an item; the ledger uses it to fold
// inventory updates into its transactional writes.
func (s *Store) Key(ownerID, itemID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk(ownerID)},
		"SK": &types.AttributeValueMemberS{Value: sk(itemID)},
	}
}

func (s *Store) Table() string { return s.table }

// List returns all items for the owner.
func (s *Store) List(ctx context.Context, ownerID string) ([]Item, error) {
	var items []Item
	var start map[string]types.AttributeValue
	for {
		out, err := s.ddb.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :pref)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":   &types.AttributeValueMemberS{Value: pk(ownerID)},
				":pref": &types.AttributeValueMemberS{Value: "ITEM#"},
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, apperror.Wrap(apperror.CodePersistence, "list inventory", err)
		}
		var recs []record
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &recs); err != nil {
			return nil, apperror.Wrap(apperror.CodePersistence, "decode inventory", err)
		}
		for _, r := range recs {
			items = append(items, Item{
				ID:                idFromSK(r.SK),
				Name:              r.Name,
				Category:          r.Category,
				UnitPrice:         r.UnitPrice,
				Qty:               r.Qty,
				RemoteCatalogID:   r.RemoteCatalogID,
				RemoteVariationID: r.RemoteVariationID,
				CreatedAt:         r.CreatedAt,
			})
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}
	return items, nil
}

// Put upserts an item.
func (s *Store) Put(ctx context.Context, ownerID string, item Item) error {
	if item.CreatedAt == "" {
		item.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	rec := record{
		PK:                pk(ownerID),
		SK:                sk(item.ID),
		Name:              item.Name,
		Category:          item.Category,
		UnitPrice:         item.UnitPrice,
		Qty:               item.Qty,
		RemoteCatalogID:   item.RemoteCatalogID,
		RemoteVariationID: item.RemoteVariationID,
		CreatedAt:         item.CreatedAt,
	}
	av, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return apperror.Wrap(apperror.CodePersistence, "encode inventory item", err)
	}
	if _, err := s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	}); err != nil {
		return apperror.Wrap(apperror.CodePersistence, "store inventory item", err)
	}
	return nil
}

// Delete removes an item; missing items are a no-op.
func (s *Store) Delete(ctx context.Context, ownerID, itemID string) error {
	if _, err := s.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       s.Key(ownerID, itemID),
	}); err != nil {
		return apperror.Wrap(apperror.CodePersistence, "delete inventory item", err)
	}
	return nil
}

// SetQty sets absolute stock; negative input clamps to zero.
func (s *Store) SetQty(ctx context.Context, ownerID, itemID string, qty int) error {
	if qty < 0 {
		qty = 0
	}
	if _, err := s.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              s.Key(ownerID, itemID),
		UpdateExpression: aws.String("SET Qty = :q"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":q": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", qty)},
		},
		ConditionExpression: aws.String("attribute_exists(PK)"),
	}); err != nil {
		return apperror.Wrap(apperror.CodePersistence, "set inventory qty", err)
	}
	return nil
}

// DecrementQty lowers stock by n, clamping at zero. The fast path is a
// conditional in-place subtract; when the condition loses (stock below n) the
// quantity is floored at zero instead.
func (s *Store) DecrementQty(ctx context.Context, ownerID, itemID string, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := s.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              s.Key(ownerID, itemID),
		UpdateExpression: aws.String("SET Qty = Qty - :n"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":n": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", n)},
		},
		ConditionExpression: aws.String("Qty >= :n"),
	})
	if err == nil {
		return nil
	}
	var cfe *types.ConditionalCheckFailedException
	if ok := asConditionFailed(err, &cfe); !ok {
		return apperror.Wrap(apperror.CodePersistence, "decrement inventory qty", err)
	}
	return s.SetQty(ctx, ownerID, itemID, 0)
}

// IncrementQty restocks by n.
func (s *Store) IncrementQty(ctx context.Context, ownerID, itemID string, n int) error {
	if n <= 0 {
		return nil
	}
	if _, err := s.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              s.Key(ownerID, itemID),
		UpdateExpression: aws.String("SET Qty = Qty + :n"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":n": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", n)},
		},
		ConditionExpression: aws.String("attribute_exists(PK)"),
	}); err != nil {
		return apperror.Wrap(apperror.CodePersistence, "increment inventory qty", err)
	}
	return nil
}

// SetRemoteIDs stores the catalog/variation ids assigned by a successful
// push.
func (s *Store) SetRemoteIDs(ctx context.Context, ownerID, itemID, catalogID, variationID string) error {
	if _, err := s.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              s.Key(ownerID, itemID),
		UpdateExpression: aws.String("SET RemoteCatalogId = :c, RemoteVariationId = :v"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":c": &types.AttributeValueMemberS{Value: catalogID},
			":v": &types.AttributeValueMemberS{Value: variationID},
		},
		ConditionExpression: aws.String("attribute_exists(PK)"),
	}); err != nil {
		return apperror.Wrap(apperror.CodePersistence, "store remote catalog ids", err)
	}
	return nil
}

func asConditionFailed(err error, target **types.ConditionalCheckFailedException) bool {
	// The SDK wraps service exceptions in operation errors.
	return errors.As(err, target)
}
