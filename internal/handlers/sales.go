package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"backend/internal/db"
	"backend/internal/inventory"
	"backend/internal/ledger"

	lambdaevents "github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// Sales serves the local ledger: list, manual entry, delete, and a monthly
// summary.
func Sales(ctx context.Context, req lambdaevents.APIGatewayV2HTTPRequest) (lambdaevents.APIGatewayV2HTTPResponse, error) {
	owner, _, err := ownerIdentity(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}

	ddb, err := db.NewDynamoClient(ctx)
	if err != nil {
		return errResp(500, "failed to init dynamodb")
	}
	sales := ledger.NewStore(ddb, db.SalesTableName())

	if req.RawPath == "/sales/summary" {
		return salesSummary(ctx, ddb, owner, req)
	}

	switch req.RequestContext.HTTP.Method {
	case "GET":
		return listSales(ctx, sales, owner, req)
	case "POST":
		inv := inventory.NewStore(ddb, db.InventoryTableName())
		return createSale(ctx, sales, inv, owner, req.Body)
	case "DELETE":
		id := strings.TrimSpace(req.QueryStringParameters["id"])
		if id == "" {
			return errResp(400, "id is required")
		}
		if err := sales.Delete(ctx, owner, id); err != nil {
			return appErrResp(err)
		}
		return jsonResp(200, map[string]any{"success": true})
	default:
		return errResp(405, "method not allowed")
	}
}

func listSales(ctx context.Context, sales *ledger.Store, owner string, req lambdaevents.APIGatewayV2HTTPRequest) (lambdaevents.APIGatewayV2HTTPResponse, error) {
	limit := int32(50)
	if s := strings.TrimSpace(req.QueryStringParameters["limit"]); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 100 {
			limit = int32(n)
		}
	}
	page, err := sales.List(ctx, owner, limit, strings.TrimSpace(req.QueryStringParameters["nextToken"]))
	if err != nil {
		return appErrResp(err)
	}
	return jsonResp(200, map[string]any{
		"items":     page.Sales,
		"nextToken": page.NextToken,
	})
}

type createSaleRequest struct {
	Date          string  `json:"date"`
	ItemName      string  `json:"itemName"`
	Quantity      int     `json:"quantity"`
	UnitPrice     float64 `json:"unitPrice"`
	PaymentMethod string  `json:"paymentMethod"`
	EventID       string  `json:"eventId"`
	InventoryID   string  `json:"inventoryId"`
	Notes         string  `json:"notes"`
}

func createSale(ctx context.Context, sales *ledger.Store, inv *inventory.Store, owner, body string) (lambdaevents.APIGatewayV2HTTPResponse, error) {
	var in createSaleRequest
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		return errResp(400, "invalid json body")
	}
	if strings.TrimSpace(in.ItemName) == "" || in.Quantity <= 0 || in.UnitPrice < 0 {
		return errResp(400, "itemName, quantity and unitPrice are required")
	}

	date := time.Now().UTC()
	if s := strings.TrimSpace(in.Date); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return errResp(400, "date must be RFC3339")
		}
		date = t
	}
	method := strings.TrimSpace(in.PaymentMethod)
	if method == "" {
		method = "cash"
	}

	sale := ledger.Sale{
		ID:            uuid.NewString(),
		Date:          date,
		ItemName:      strings.TrimSpace(in.ItemName),
		Quantity:      in.Quantity,
		UnitPrice:     in.UnitPrice,
		Total:         math.Round(in.UnitPrice*float64(in.Quantity)*100) / 100,
		PaymentMethod: method,
		EventID:       strings.TrimSpace(in.EventID),
		InventoryID:   strings.TrimSpace(in.InventoryID),
		Notes:         strings.TrimSpace(in.Notes),
	}
	if err := sales.Create(ctx, owner, sale); err != nil {
		return appErrResp(err)
	}

	// Logging a sale against a stocked item lowers its count, floored at
	// zero.
	if sale.InventoryID != "" {
		if err := inv.DecrementQty(ctx, owner, sale.InventoryID, sale.Quantity); err != nil {
			return appErrResp(err)
		}
	}
	return jsonResp(201, sale)
}

// salesSummary aggregates one calendar month off the month GSI.
func salesSummary(ctx context.Context, ddb *dynamodb.Client, owner string, req lambdaevents.APIGatewayV2HTTPRequest) (lambdaevents.APIGatewayV2HTTPResponse, error) {
	month := strings.TrimSpace(req.QueryStringParameters["month"])
	if len(month) != 7 || month[4] != '-' {
		return errResp(400, "month is required in format YYYY-MM")
	}

	out, err := ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(db.SalesTableName()),
		IndexName:              aws.String("GSI1"),
		KeyConditionExpression: aws.String("GSI1PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: fmt.Sprintf("OWNER#%s#MONTH#%s", owner, month)},
		},
		Limit: aws.Int32(500),
	})
	if err != nil {
		return errResp(500, "query failed")
	}

	type row struct {
		Total           float64 `dynamodbav:"Total"`
		PaymentMethod   string  `dynamodbav:"PaymentMethod"`
		IsRemoteSourced bool    `dynamodbav:"IsRemoteSourced"`
	}
	var rows []row
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &rows); err != nil {
		return errResp(500, "unmarshal failed")
	}

	byMethod := map[string]float64{}
	var total float64
	remoteCount := 0
	for _, r := range rows {
		total += r.Total
		byMethod[r.PaymentMethod] += r.Total
		if r.IsRemoteSourced {
			remoteCount++
		}
	}

	return jsonResp(200, map[string]any{
		"month":           month,
		"total":           math.Round(total*100) / 100,
		"byPaymentMethod": byMethod,
		"count":           len(rows),
		"remoteCount":     remoteCount,
	})
}
