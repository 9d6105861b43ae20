package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"backend/internal/apperror"
	"backend/internal/inventory"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Sale is one ledger entry, either logged by hand or imported from the POS.
// Imported sales are never mutated by later pulls; a pull only adds.
type Sale struct {
	ID              string    `json:"id"`
	Date            time.Time `json:"date"`
	ItemName        string    `json:"itemName"`
	Quantity        int       `json:"quantity"`
	UnitPrice       float64   `json:"unitPrice"`
	Total           float64   `json:"total"`
	PaymentMethod   string    `json:"paymentMethod"`
	EventID         string    `json:"eventId,omitempty"`
	InventoryID     string    `json:"inventoryId,omitempty"`
	RemoteOrderID   string    `json:"remoteOrderId,omitempty"`
	IsRemoteSourced bool      `json:"isRemoteSourced"`
	Notes           string    `json:"notes,omitempty"`
}

type record struct {
	PK              string  `dynamodbav:"PK"`
	SK              string  `dynamodbav:"SK"`
	GSI1PK          string  `dynamodbav:"GSI1PK"`
	GSI1SK          string  `dynamodbav:"GSI1SK"`
	SaleID          string  `dynamodbav:"SaleId"`
	Date            string  `dynamodbav:"Date"`
	ItemName        string  `dynamodbav:"ItemName"`
	Quantity        int     `dynamodbav:"Quantity"`
	UnitPrice       float64 `dynamodbav:"UnitPrice"`
	Total           float64 `dynamodbav:"Total"`
	PaymentMethod   string  `dynamodbav:"PaymentMethod"`
	EventID         string  `dynamodbav:"EventId,omitempty"`
	InventoryID     string  `dynamodbav:"InventoryId,omitempty"`
	RemoteOrderID   string  `dynamodbav:"RemoteOrderId,omitempty"`
	IsRemoteSourced bool    `dynamodbav:"IsRemoteSourced"`
	Notes           string  `dynamodbav:"Notes,omitempty"`
}

type DDB interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

type Store struct {
	ddb   DDB
	table string
}

func NewStore(ddb DDB, table string) *Store {
	return &Store{ddb: ddb, table: table}
}

func pk(ownerID string) string { return fmt.Sprintf("OWNER#%s", ownerID) }

// Remote-sourced sales get a deterministic sort key from the order id, which
// is what makes re-imports collide instead of duplicate. Manual sales sort by
// time of entry.
func remoteSK(remoteOrderID string) string { return fmt.Sprintf("SALE#SQ#%s", remoteOrderID) }

func manualSK(at time.Time, saleID string) string {
	return fmt.Sprintf("SALE#%s#%s", at.UTC().Format(time.RFC3339Nano), saleID)
}

func (s *Store) toRecord(ownerID string, sale Sale) record {
	skVal := manualSK(sale.Date, sale.ID)
	if sale.IsRemoteSourced {
		skVal = remoteSK(sale.RemoteOrderID)
	}
	month := sale.Date.UTC().Format("2006-01")
	return record{
		PK:              pk(ownerID),
		SK:              skVal,
		GSI1PK:          fmt.Sprintf("OWNER#%s#MONTH#%s", ownerID, month),
		GSI1SK:          sale.Date.UTC().Format(time.RFC3339Nano),
		SaleID:          sale.ID,
		Date:            sale.Date.UTC().Format(time.RFC3339),
		ItemName:        sale.ItemName,
		Quantity:        sale.Quantity,
		UnitPrice:       sale.UnitPrice,
		Total:           sale.Total,
		PaymentMethod:   sale.PaymentMethod,
		EventID:         sale.EventID,
		InventoryID:     sale.InventoryID,
		RemoteOrderID:   sale.RemoteOrderID,
		IsRemoteSourced: sale.IsRemoteSourced,
		Notes:           sale.Notes,
	}
}

func fromRecord(r record) Sale {
	sale := Sale{
		ID:              r.SaleID,
		ItemName:        r.ItemName,
		Quantity:        r.Quantity,
		UnitPrice:       r.UnitPrice,
		Total:           r.Total,
		PaymentMethod:   r.PaymentMethod,
		EventID:         r.EventID,
		InventoryID:     r.InventoryID,
		RemoteOrderID:   r.RemoteOrderID,
		IsRemoteSourced: r.IsRemoteSourced,
		Notes:           r.Notes,
	}
	sale.Date, _ = time.Parse(time.RFC3339, r.Date)
	return sale
}

// Page is one slice of the ledger plus a continuation token.
type Page struct {
	Sales     []Sale
	NextToken string
}

// List returns the owner's sales paged in descending sort-key order. Remote
// sales key on the order id and manual sales on entry time, so the listing
// groups remote-sourced entries ahead of manual ones; within the manual group
// the order is newest-first. Date-ordered reporting goes through the month
// GSI instead.
func (s *Store) List(ctx context.Context, ownerID string, limit int32, nextToken string) (*Page, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	start, err := decodePageToken(nextToken)
	if err != nil {
		return nil, apperror.New(apperror.CodeValidation, "invalid nextToken")
	}

	out, err := s.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :pref)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: pk(ownerID)},
			":pref": &types.AttributeValueMemberS{Value: "SALE#"},
		},
		ScanIndexForward:  aws.Bool(false),
		Limit:             aws.Int32(limit),
		ExclusiveStartKey: start,
	})
	if err != nil {
		return nil, apperror.Wrap(apperror.CodePersistence, "list sales", err)
	}

	var recs []record
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &recs); err != nil {
		return nil, apperror.Wrap(apperror.CodePersistence, "decode sales", err)
	}

	page := &Page{Sales: make([]Sale, 0, len(recs))}
	for _, r := range recs {
		page.Sales = append(page.Sales, fromRecord(r))
	}
	page.NextToken = encodePageToken(out.LastEvaluatedKey)
	return page, nil
}

// RemoteOrderIDs returns the set of remote order ids already present in the
// ledger — the dedupe snapshot for a merge.
func (s *Store) RemoteOrderIDs(ctx context.Context, ownerID string) (map[string]struct{}, error) {
	ids := map[string]struct{}{}
	var start map[string]types.AttributeValue
	for {
		out, err := s.ddb.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :pref)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":   &types.AttributeValueMemberS{Value: pk(ownerID)},
				":pref": &types.AttributeValueMemberS{Value: "SALE#"},
			},
			ProjectionExpression: aws.String("RemoteOrderId"),
			ExclusiveStartKey:    start,
		})
		if err != nil {
			return nil, apperror.Wrap(apperror.CodePersistence, "scan remote order ids", err)
		}
		for _, it := range out.Items {
			if v, ok := it["RemoteOrderId"].(*types.AttributeValueMemberS); ok && v.Value != "" {
				ids[v.Value] = struct{}{}
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}
	return ids, nil
}

// Create writes one manually logged sale.
func (s *Store) Create(ctx context.Context, ownerID string, sale Sale) error {
	av, err := attributevalue.MarshalMap(s.toRecord(ownerID, sale))
	if err != nil {
		return apperror.Wrap(apperror.CodePersistence, "encode sale", err)
	}
	if _, err := s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	}); err != nil {
		return apperror.Wrap(apperror.CodePersistence, "store sale", err)
	}
	return nil
}

// Delete removes a sale by sort key.
func (s *Store) Delete(ctx context.Context, ownerID, saleSK string) error {
	if !strings.HasPrefix(saleSK, "SALE#") {
		return apperror.New(apperror.CodeValidation, "invalid sale id")
	}
	if _, err := s.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk(ownerID)},
			"SK": &types.AttributeValueMemberS{Value: saleSK},
		},
	}); err != nil {
		return apperror.Wrap(apperror.CodePersistence, "delete sale", err)
	}
	return nil
}

// transactChunk is DynamoDB's TransactWriteItems ceiling.
const transactChunk = 100

// mergeChunk is one transaction's worth of a plan: a run of sales plus the
// stock subtractions those sales caused, coalesced per item (a transaction
// may not touch the same item twice).
type mergeChunk struct {
	sales []Sale
	decs  map[string]int
	items []string
}

func (c *mergeChunk) ops() int { return len(c.sales) + len(c.decs) }

func (c *mergeChunk) add(sale Sale, dec Decrement) {
	c.sales = append(c.sales, sale)
	if dec.Qty > 0 {
		if _, ok := c.decs[dec.ItemID]; !ok {
			c.items = append(c.items, dec.ItemID)
		}
		c.decs[dec.ItemID] += dec.Qty
	}
}

// chunkPlan splits a plan at the transaction ceiling, keeping each sale in
// the same chunk as its decrement. That makes every chunk self-consistent: a
// chunk that fails leaves its sales unimported, so a later run's plan
// recomputes their decrements too — no decrement is ever stranded behind
// already-committed sales.
func chunkPlan(plan MergePlan) []mergeChunk {
	var chunks []mergeChunk
	cur := mergeChunk{decs: map[string]int{}}

	for i, sale := range plan.NewSales {
		var dec Decrement
		if i < len(plan.saleDecrements) {
			dec = plan.saleDecrements[i]
		}
		next := cur.ops() + 1
		if dec.Qty > 0 {
			if _, ok := cur.decs[dec.ItemID]; !ok {
				next++
			}
		}
		if next > transactChunk && len(cur.sales) > 0 {
			chunks = append(chunks, cur)
			cur = mergeChunk{decs: map[string]int{}}
		}
		cur.add(sale, dec)
	}
	if len(cur.sales) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}

// ApplyMergePlan persists a merge as transactional writes: sale puts guarded
// by attribute_not_exists plus relative, pre-clamped inventory subtractions,
// committed together per chunk. Plans that fit one transaction (the common
// case, the pull page is capped at 100) commit all-or-nothing; larger plans
// commit chunk by chunk, each chunk internally consistent.
func (s *Store) ApplyMergePlan(ctx context.Context, ownerID string, inv *inventory.Store, plan MergePlan) error {
	for _, c := range chunkPlan(plan) {
		var ops []types.TransactWriteItem

		for _, sale := range c.sales {
			av, err := attributevalue.MarshalMap(s.toRecord(ownerID, sale))
			if err != nil {
				return apperror.Wrap(apperror.CodePersistence, "encode imported sale", err)
			}
			ops = append(ops, types.TransactWriteItem{
				Put: &types.Put{
					TableName:           aws.String(s.table),
					Item:                av,
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			})
		}

		for _, itemID := range c.items {
			// The amount was clamped against the snapshot; the condition
			// fails the chunk cleanly if stock moved underneath the merge,
			// and a retry replans from fresh quantities.
			ops = append(ops, types.TransactWriteItem{
				Update: &types.Update{
					TableName:        aws.String(inv.Table()),
					Key:              inv.Key(ownerID, itemID),
					UpdateExpression: aws.String("SET Qty = Qty - :n"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":n": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", c.decs[itemID])},
					},
					ConditionExpression: aws.String("Qty >= :n"),
				},
			})
		}

		if _, err := s.ddb.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: ops,
		}); err != nil {
			return apperror.Wrap(apperror.CodePersistence, "commit merge", err)
		}
	}
	return nil
}

func encodePageToken(lek map[string]types.AttributeValue) string {
	if len(lek) == 0 {
		return ""
	}
	m := map[string]string{}
	for k, av := range lek {
		if sv, ok := av.(*types.AttributeValueMemberS); ok {
			m[k] = sv.Value
		}
	}
	b, _ := json.Marshal(m)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodePageToken(token string) (map[string]types.AttributeValue, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, err
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	out := map[string]types.AttributeValue{}
	for k, v := range m {
		out[k] = &types.AttributeValueMemberS{Value: v}
	}
	return out, nil
}
