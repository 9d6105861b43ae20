package events

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"backend/internal/apperror"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Event is a craft fair / market day. The sync core only uses it as a join
// target for date-based sale linking.
type Event struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Date      time.Time `json:"date"`
	Costs     float64   `json:"costs"`
	CreatedAt time.Time `json:"createdAt"`
}

type record struct {
	PK        string  `dynamodbav:"PK"`
	SK        string  `dynamodbav:"SK"`
	Name      string  `dynamodbav:"Name"`
	Date      string  `dynamodbav:"Date"`
	Costs     float64 `dynamodbav:"Costs"`
	CreatedAt string  `dynamodbav:"CreatedAt"`
}

type DDB interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

type Store struct {
	ddb   DDB
	table string
}

func NewStore(ddb DDB, table string) *Store {
	return &Store{ddb: ddb, table: table}
}

func pk(ownerID string) string { return fmt.Sprintf("OWNER#%s", ownerID) }
func sk(eventID string) string { return fmt.Sprintf("EVENT#%s", eventID) }

// List returns the owner's events in creation order (the order the merge
// engine's date-collision tie-break depends on).
func (s *Store) List(ctx context.Context, ownerID string) ([]Event, error) {
	var evs []Event
	var start map[string]types.AttributeValue
	for {
		out, err := s.ddb.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :pref)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":   &types.AttributeValueMemberS{Value: pk(ownerID)},
				":pref": &types.AttributeValueMemberS{Value: "EVENT#"},
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, apperror.Wrap(apperror.CodePersistence, "list events", err)
		}
		var recs []record
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &recs); err != nil {
			return nil, apperror.Wrap(apperror.CodePersistence, "decode events", err)
		}
		for _, r := range recs {
			ev := Event{
				ID:    strings.TrimPrefix(r.SK, "EVENT#"),
				Name:  r.Name,
				Costs: r.Costs,
			}
			ev.Date, _ = time.Parse(time.RFC3339, r.Date)
			ev.CreatedAt, _ = time.Parse(time.RFC3339, r.CreatedAt)
			evs = append(evs, ev)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}
	sort.SliceStable(evs, func(i, j int) bool {
		if !evs[i].CreatedAt.Equal(evs[j].CreatedAt) {
			return evs[i].CreatedAt.Before(evs[j].CreatedAt)
		}
		return evs[i].ID < evs[j].ID
	})
	return evs, nil
}

func (s *Store) Put(ctx context.Context, ownerID string, ev Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	rec := record{
		PK:        pk(ownerID),
		SK:        sk(ev.ID),
		Name:      ev.Name,
		Date:      ev.Date.UTC().Format(time.RFC3339),
		Costs:     ev.Costs,
		CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339),
	}
	av, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return apperror.Wrap(apperror.CodePersistence, "encode event", err)
	}
	if _, err := s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	}); err != nil {
		return apperror.Wrap(apperror.CodePersistence, "store event", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, ownerID, eventID string) error {
	if _, err := s.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk(ownerID)},
			"SK": &types.AttributeValueMemberS{Value: sk(eventID)},
		},
	}); err != nil {
		return apperror.Wrap(apperror.CodePersistence, "delete event", err)
	}
	return nil
}
