package synclock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Per-owner advisory lock serializing sync runs. Two concurrent pulls for the
// same account could both pass the dedupe snapshot and double-import; the
// lock closes that window. The TTL bounds a lock leaked by a crashed run.

const lockTTL = 2 * time.Minute

type DDB interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

type Lock struct {
	ddb   DDB
	table string
}

func New(ddb DDB, table string) *Lock {
	return &Lock{ddb: ddb, table: table}
}

func key(ownerID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: fmt.Sprintf("LOCK#%s", ownerID)},
	}
}

// Acquire claims the owner's sync slot. Returns (false, nil) when another
// sync currently holds it. An expired claim can be stolen, so a crashed run
// never wedges the account permanently.
func (l *Lock) Acquire(ctx context.Context, ownerID string) (bool, error) {
	now := time.Now().UTC()
	item := key(ownerID)
	item["AcquiredAt"] = &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)}
	item["ExpiresAtEpoch"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Add(lockTTL).Unix())}

	_, err := l.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) OR ExpiresAtEpoch < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
		},
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Release frees the slot. Best-effort: the TTL cleans up after a failed
// delete.
func (l *Lock) Release(ctx context.Context, ownerID string) {
	_, _ = l.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(l.table),
		Key:       key(ownerID),
	})
}
