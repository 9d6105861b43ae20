package handlers

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"backend/internal/apperror"
	"backend/internal/ledger"
	"backend/internal/notify"
	"backend/internal/square"

	lambdaevents "github.com/aws/aws-lambda-go/events"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

type syncRequest struct {
	Action       string   `json:"action"`
	ItemIDs      []string `json:"itemIds"`
	LastSyncTime string   `json:"lastSyncTime"`
	// Reconciliation side effects default on; explicit false disables.
	LinkEvents         *bool `json:"linkEvents"`
	DecrementInventory *bool `json:"decrementInventory"`
}

func (r *syncRequest) validate() error {
	switch r.Action {
	case "pull", "push", "both":
		return nil
	default:
		return apperror.New(apperror.CodeValidation, `action must be "pull", "push" or "both"`)
	}
}

func (r *syncRequest) mergeOptions() ledger.MergeOptions {
	opts := ledger.MergeOptions{LinkEvents: true, DecrementInventory: true}
	if r.LinkEvents != nil {
		opts.LinkEvents = *r.LinkEvents
	}
	if r.DecrementInventory != nil {
		opts.DecrementInventory = *r.DecrementInventory
	}
	return opts
}

func squareSync(ctx context.Context, req lambdaevents.APIGatewayV2HTTPRequest) (lambdaevents.APIGatewayV2HTTPResponse, error) {
	owner, email, err := ownerIdentity(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}

	var in syncRequest
	if err := json.Unmarshal([]byte(req.Body), &in); err != nil {
		return errResp(400, "invalid json body")
	}
	if err := in.validate(); err != nil {
		return appErrResp(err)
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
		return appErrResp(apperror.New(apperror.CodeNotFound, "no Square connection, connect first"))
	}

	// One sync per account at a time; two overlapping pulls could both pass
	// the dedupe snapshot.
	held, err := env.lock.Acquire(ctx, owner)
	if err != nil {
		return appErrResp(apperror.Wrap(apperror.CodePersistence, "acquire sync lock", err))
	}
	if !held {
		return appErrResp(apperror.New(apperror.CodeConflict, "a sync is already running for this account"))
	}
	defer env.lock.Release(ctx, owner)

	accessToken, err := env.client.EnsureValidToken(ctx, conn, env.conns)
	if err != nil {
		alertSyncFailure(ctx, env, owner, email, err)
		return appErrResp(err)
	}

	out := map[string]any{}

	if in.Action == "pull" || in.Action == "both" {
		res, err := runPull(ctx, env, owner, accessToken, conn.LocationID, pullSince(&in, conn.LastSyncAt), in.mergeOptions())
		if err != nil {
			alertSyncFailure(ctx, env, owner, email, err)
			return appErrResp(err)
		}
		out["transactions"] = res.transactions
		out["pullCount"] = res.plan.Imported
		out["linkedCount"] = res.plan.Linked
		out["decrementedCount"] = res.plan.Decremented
	}

	if in.Action == "push" || in.Action == "both" {
		results, pushed, err := runPush(ctx, env, owner, accessToken, conn.LocationID, in.ItemIDs)
		if err != nil {
			alertSyncFailure(ctx, env, owner, email, err)
			return appErrResp(err)
		}
		out["pushResults"] = results
		out["pushCount"] = pushed
	}

	// The watermark moves after every completed sync, found data or not.
	if err := env.conns.TouchLastSync(ctx, owner, time.Now().UTC()); err != nil {
		return appErrResp(err)
	}

	return jsonResp(200, out)
}

// pullSince picks the window start: explicit request value, then the stored
// watermark; zero means the puller's 30-day default.
func pullSince(in *syncRequest, lastSyncAt time.Time) time.Time {
	if s := strings.TrimSpace(in.LastSyncTime); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}
	return lastSyncAt
}

type pullResult struct {
	transactions []square.Transaction
	plan         ledger.MergePlan
}

func runPull(ctx context.Context, env *squareEnv, owner, accessToken, locationID string, since time.Time, opts ledger.MergeOptions) (*pullResult, error) {
	txs, err := env.client.PullTransactions(ctx, accessToken, locationID, since)
	if err != nil {
		return nil, err
	}

	existing, err := env.sales.RemoteOrderIDs(ctx, owner)
	if err != nil {
		return nil, err
	}
	evs, err := env.events.List(ctx, owner)
	if err != nil {
		return nil, err
	}
	items, err := env.inv.List(ctx, owner)
	if err != nil {
		return nil, err
	}

	plan := ledger.BuildMergePlan(owner, existing, txs, evs, items, opts)
	if err := env.sales.ApplyMergePlan(ctx, owner, env.inv, plan); err != nil {
		return nil, err
	}
	return &pullResult{transactions: txs, plan: plan}, nil
}

func runPush(ctx context.Context, env *squareEnv, owner, accessToken, locationID string, itemIDs []string) ([]square.PushResult, int, error) {
	items, err := env.inv.List(ctx, owner)
	if err != nil {
		return nil, 0, err
	}

	var wanted map[string]struct{}
	if len(itemIDs) > 0 {
		wanted = make(map[string]struct{}, len(itemIDs))
		for _, id := range itemIDs {
			wanted[id] = struct{}{}
		}
	}

	var toPush []square.CatalogItem
	for _, it := range items {
		if wanted != nil {
			if _, ok := wanted[it.ID]; !ok {
				continue
			}
		}
		qty := it.Qty
		toPush = append(toPush, square.CatalogItem{
			ID:                it.ID,
			Name:              it.Name,
			Category:          it.Category,
			UnitPrice:         it.UnitPrice,
			Qty:               &qty,
			RemoteCatalogID:   it.RemoteCatalogID,
			RemoteVariationID: it.RemoteVariationID,
		})
	}
	if len(toPush) == 0 {
		return nil, 0, apperror.New(apperror.CodeValidation, "no inventory items to push")
	}

	results := env.client.PushItems(ctx, accessToken, locationID, toPush)

	pushed := 0
	for _, res := range results {
		if !res.Success {
			continue
		}
		pushed++
		// Remote ids are persisted only for successful items.
		if err := env.inv.SetRemoteIDs(ctx, owner, res.ItemID, res.RemoteCatalogID, res.RemoteVariationID); err != nil {
			return nil, 0, err
		}
	}
	return results, pushed, nil
}

// alertSyncFailure is fire-and-forget: the owner gets an email, the sync
// response is unaffected.
func alertSyncFailure(ctx context.Context, env *squareEnv, owner, email string, cause error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return
	}
	notify.SyncFailed(ctx, env.ddb, sns.NewFromConfig(awsCfg), owner, email, apperrMessage(cause))
}
