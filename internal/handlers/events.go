package handlers

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"backend/internal/db"
	"backend/internal/events"

	lambdaevents "github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
)

// Events serves craft-fair/market events, the join target for sale
// auto-linking.
func Events(ctx context.Context, req lambdaevents.APIGatewayV2HTTPRequest) (lambdaevents.APIGatewayV2HTTPResponse, error) {
	owner, _, err := ownerIdentity(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}

	ddb, err := db.NewDynamoClient(ctx)
	if err != nil {
		return errResp(500, "failed to init dynamodb")
	}
	store := events.NewStore(ddb, db.EventsTableName())

	switch req.RequestContext.HTTP.Method {
	case "GET":
		evs, err := store.List(ctx, owner)
		if err != nil {
			return appErrResp(err)
		}
		return jsonResp(200, map[string]any{"items": evs})
	case "POST":
		return createEvent(ctx, store, owner, req.Body)
	case "DELETE":
		id := strings.TrimSpace(req.QueryStringParameters["id"])
		if id == "" {
			return errResp(400, "id is required")
		}
		if err := store.Delete(ctx, owner, id); err != nil {
			return appErrResp(err)
		}
		return jsonResp(200, map[string]any{"success": true})
	default:
		return errResp(405, "method not allowed")
	}
}

type createEventRequest struct {
	Name  string  `json:"name"`
	Date  string  `json:"date"`
	Costs float64 `json:"costs"`
}

func createEvent(ctx context.Context, store *events.Store, owner, body string) (lambdaevents.APIGatewayV2HTTPResponse, error) {
	var in createEventRequest
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		return errResp(400, "invalid json body")
	}
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.Date) == "" {
		return errResp(400, "name and date are required")
	}

	date, err := time.Parse(time.RFC3339, in.Date)
	if err != nil {
		// Plain calendar dates are fine too.
		d, derr := time.Parse("2006-01-02", in.Date)
		if derr != nil {
			return errResp(400, "date must be RFC3339 or YYYY-MM-DD")
		}
		date = d
	}

	ev := events.Event{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(in.Name),
		Date:      date.UTC(),
		Costs:     in.Costs,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.Put(ctx, owner, ev); err != nil {
		return appErrResp(err)
	}
	return jsonResp(201, ev)
}
