package handlers

import (
	"context"
	"encoding/json"
	"strings"

	"backend/internal/db"
	"backend/internal/inventory"

	lambdaevents "github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
)

// Inventory serves the printed-parts stock: list, create, adjust, delete.
func Inventory(ctx context.Context, req lambdaevents.APIGatewayV2HTTPRequest) (lambdaevents.APIGatewayV2HTTPResponse, error) {
	owner, _, err := ownerIdentity(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}

	ddb, err := db.NewDynamoClient(ctx)
	if err != nil {
		return errResp(500, "failed to init dynamodb")
	}
	inv := inventory.NewStore(ddb, db.InventoryTableName())

	switch req.RequestContext.HTTP.Method {
	case "GET":
		items, err := inv.List(ctx, owner)
		if err != nil {
			return appErrResp(err)
		}
		return jsonResp(200, map[string]any{"items": items})
	case "POST":
		return createItem(ctx, inv, owner, req.Body)
	case "PATCH":
		return adjustItem(ctx, inv, owner, req.Body)
	case "DELETE":
		id := strings.TrimSpace(req.QueryStringParameters["id"])
		if id == "" {
			return errResp(400, "id is required")
		}
		if err := inv.Delete(ctx, owner, id); err != nil {
			return appErrResp(err)
		}
		return jsonResp(200, map[string]any{"success": true})
	default:
		return errResp(405, "method not allowed")
	}
}

type createItemRequest struct {
	Name      string  `json:"name"`
	Category  string  `json:"category"`
	UnitPrice float64 `json:"unitPrice"`
	Qty       int     `json:"qty"`
}

func createItem(ctx context.Context, inv *inventory.Store, owner, body string) (lambdaevents.APIGatewayV2HTTPResponse, error) {
	var in createItemRequest
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		return errResp(400, "invalid json body")
	}
	if strings.TrimSpace(in.Name) == "" {
		return errResp(400, "name is required")
	}
	if in.Qty < 0 {
		in.Qty = 0
	}

	item := inventory.Item{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(in.Name),
		Category:  strings.TrimSpace(in.Category),
		UnitPrice: in.UnitPrice,
		Qty:       in.Qty,
	}
	if err := inv.Put(ctx, owner, item); err != nil {
		return appErrResp(err)
	}
	return jsonResp(201, item)
}

type adjustItemRequest struct {
	ID string `json:"id"`
	// Qty sets absolute stock; Delta adjusts relative (negative allowed,
	// clamped at zero). Exactly one should be sent; Qty wins when both are.
	Qty   *int `json:"qty"`
	Delta *int `json:"delta"`
}

func adjustItem(ctx context.Context, inv *inventory.Store, owner, body string) (lambdaevents.APIGatewayV2HTTPResponse, error) {
	var in adjustItemRequest
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		return errResp(400, "invalid json body")
	}
	if strings.TrimSpace(in.ID) == "" {
		return errResp(400, "id is required")
	}

	switch {
	case in.Qty != nil:
		if err := inv.SetQty(ctx, owner, in.ID, *in.Qty); err != nil {
			return appErrResp(err)
		}
	case in.Delta != nil && *in.Delta < 0:
		if err := inv.DecrementQty(ctx, owner, in.ID, -*in.Delta); err != nil {
			return appErrResp(err)
		}
	case in.Delta != nil:
		// Positive delta is restock: read-free additive update.
		if err := inv.IncrementQty(ctx, owner, in.ID, *in.Delta); err != nil {
			return appErrResp(err)
		}
	default:
		return errResp(400, "qty or delta is required")
	}
	return jsonResp(200, map[string]any{"success": true})
}
