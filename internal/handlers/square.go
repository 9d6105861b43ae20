package handlers

import (
	"context"
	"log"
	"net/url"
	"strings"
	"time"

	"backend/internal/config"
	"backend/internal/connections"
	"backend/internal/db"
	"backend/internal/events"
	"backend/internal/inventory"
	"backend/internal/ledger"
	"backend/internal/security"
	"backend/internal/square"
	"backend/internal/synclock"

	lambdaevents "github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// SquareHandler routes the POS integration surface.
func SquareHandler(ctx context.Context, req lambdaevents.APIGatewayV2HTTPRequest) (lambdaevents.APIGatewayV2HTTPResponse, error) {
	switch req.RawPath {
	case "/integrations/square/connect":
		return squareConnect(ctx, req)
	case "/integrations/square/callback":
		return squareCallback(ctx, req)
	case "/integrations/square/connection":
		if req.RequestContext.HTTP.Method == "GET" {
			return squareStatus(ctx, req)
		}
		if req.RequestContext.HTTP.Method == "DELETE" {
			return squareDisconnect(ctx, req)
		}
		return errResp(405, "method not allowed")
	case "/integrations/square/sync":
		if req.RequestContext.HTTP.Method == "POST" {
			return squareSync(ctx, req)
		}
		return errResp(405, "method not allowed")
	default:
		return errResp(404, "not found")
	}
}

// squareEnv bundles the per-invocation wiring every integration handler
// needs.
type squareEnv struct {
	cfg    *config.Square
	client *square.Client
	ddb    *dynamodb.Client
	conns  *connections.Store
	sales  *ledger.Store
	inv    *inventory.Store
	events *events.Store
	lock   *synclock.Lock
}

func newSquareEnv(ctx context.Context) (*squareEnv, error) {
	cfg, err := config.LoadSquare(ctx)
	if err != nil {
		return nil, err
	}
	ddb, err := db.NewDynamoClient(ctx)
	if err != nil {
		return nil, err
	}
	cipher, err := security.NewTokenCipherFromEnv()
	if err != nil {
		return nil, err
	}
	return &squareEnv{
		cfg:    cfg,
		client: square.NewClient(cfg),
		ddb:    ddb,
		conns:  connections.NewStore(ddb, db.ConnectionsTableName(), cipher),
		sales:  ledger.NewStore(ddb, db.SalesTableName()),
		inv:    inventory.NewStore(ddb, db.InventoryTableName()),
		events: events.NewStore(ddb, db.EventsTableName()),
		lock:   synclock.New(ddb, db.SyncLockTableName()),
	}, nil
}

func squareConnect(ctx context.Context, req lambdaevents.APIGatewayV2HTTPRequest) (lambdaevents.APIGatewayV2HTTPResponse, error) {
	owner, _, err := ownerIdentity(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}

	env, err := newSquareEnv(ctx)
	if err != nil {
		return errResp(500, "integration not configured")
	}

	// No storage writes here; everything the callback needs rides in the
	// signed state blob.
	return jsonResp(200, map[string]any{
		"authorizeUrl": env.client.AuthorizeURL(owner, env.cfg.RedirectURI(), time.Now()),
	})
}

// appRedirect sends the browser back to the application with either a
// success flag or a readable error — callback failures never surface as raw
// error pages.
func appRedirect(baseURL string, syncErr string) (lambdaevents.APIGatewayV2HTTPResponse, error) {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = "/"
	}
	if syncErr == "" {
		return redirectResp(base + "?connected=true")
	}
	return redirectResp(base + "?sync_error=" + url.QueryEscape(syncErr))
}

func squareCallback(ctx context.Context, req lambdaevents.APIGatewayV2HTTPRequest) (lambdaevents.APIGatewayV2HTTPResponse, error) {
	env, err := newSquareEnv(ctx)
	if err != nil {
		// Without config there is no app URL to land on.
		return errResp(500, "integration not configured")
	}

	params := req.QueryStringParameters

	// Square reports user denial / upstream failure in query params.
	if e := strings.TrimSpace(params["error"]); e != "" {
		msg := strings.TrimSpace(params["error_description"])
		if msg == "" {
			msg = e
		}
		return appRedirect(env.cfg.AppBaseURL, msg)
	}

	code := strings.TrimSpace(params["code"])
	state := strings.TrimSpace(params["state"])
	if code == "" || state == "" {
		return appRedirect(env.cfg.AppBaseURL, "missing authorization parameters")
	}

	// Invalid or stale state means no token exchange at all.
	owner, err := env.client.DecodeState(state, time.Now())
	if err != nil {
		return appRedirect(env.cfg.AppBaseURL, apperrMessage(err))
	}

	grant, err := env.client.ExchangeCode(ctx, code)
	if err != nil {
		return appRedirect(env.cfg.AppBaseURL, apperrMessage(err))
	}

	// Best-effort enrichment; defaults are fine when the lookups miss.
	merchantName := env.client.MerchantName(ctx, grant.AccessToken, grant.MerchantID)
	if merchantName == "" {
		merchantName = "Square Merchant"
	}
	conn := &connections.Connection{
		OwnerID:      owner,
		MerchantID:   grant.MerchantID,
		MerchantName: merchantName,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    grant.ExpiresAt,
		ConnectedAt:  time.Now().UTC(),
	}
	if loc := env.client.PrimaryLocation(ctx, grant.AccessToken); loc != nil {
		conn.LocationID = loc.ID
		conn.LocationName = loc.Name
	}

	if err := env.conns.Put(ctx, conn); err != nil {
		return appRedirect(env.cfg.AppBaseURL, "could not save the connection, please try again")
	}

	return appRedirect(env.cfg.AppBaseURL, "")
}

func squareStatus(ctx context.Context, req lambdaevents.APIGatewayV2HTTPRequest) (lambdaevents.APIGatewayV2HTTPResponse, error) {
	owner, _, err := ownerIdentity(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}
	env, err := newSquareEnv(ctx)
	if err != nil {
		return errResp(500, "integration not configured")
	}

	conn, err := env.conns.Get(ctx, owner)
	if err != nil {
		return appErrResp(err)
	}
	if conn == nil {
		return jsonResp(200, map[string]any{"connected": false})
	}
	out := map[string]any{
		"connected":    true,
		"merchantName": conn.MerchantName,
		"locationName": conn.LocationName,
	}
	if !conn.LastSyncAt.IsZero() {
		out["lastSyncAt"] = conn.LastSyncAt.UTC().Format(time.RFC3339)
	}
	return jsonResp(200, out)
}

// connectionStore is the slice of the connection store the disconnect flow
// needs; tests supply fakes.
type connectionStore interface {
	Get(ctx context.Context, ownerID string) (*connections.Connection, error)
	Delete(ctx context.Context, ownerID string) error
}

// disconnectOwner revokes remotely best-effort and deletes locally.
// Idempotent: a missing connection is already disconnected. Only a local
// delete failure errors — an unreachable Square never blocks disconnecting.
func disconnectOwner(ctx context.Context, conns connectionStore, revoke func(context.Context, string) error, ownerID string) error {
	conn, err := conns.Get(ctx, ownerID)
	if err != nil {
		return err
	}
	if conn == nil {
		return nil
	}
	if err := revoke(ctx, conn.AccessToken); err != nil {
		log.Printf("square: token revoke ignored: %v", err)
	}
	return conns.Delete(ctx, ownerID)
}

func squareDisconnect(ctx context.Context, req lambdaevents.APIGatewayV2HTTPRequest) (lambdaevents.APIGatewayV2HTTPResponse, error) {
	owner, _, err := ownerIdentity(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}
	env, err := newSquareEnv(ctx)
	if err != nil {
		return errResp(500, "integration not configured")
	}
	if err := disconnectOwner(ctx, env.conns, env.client.RevokeToken, owner); err != nil {
		return appErrResp(err)
	}
	return jsonResp(200, map[string]any{"success": true})
}
