package square

import (
	"context"
	"log"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CatalogItem is the pusher's view of a local inventory item. Qty is nil when
// the item defines no stock quantity.
type CatalogItem struct {
	ID                string
	Name              string
	Category          string
	UnitPrice         float64
	Qty               *int
	RemoteCatalogID   string
	RemoteVariationID string
}

// PushResult is the per-item outcome of a catalog push. One item failing
// never aborts the batch; partial success is the expected shape.
type PushResult struct {
	ItemID            string `json:"id"`
	Success           bool   `json:"success"`
	RemoteCatalogID   string `json:"remoteCatalogId,omitempty"`
	RemoteVariationID string `json:"remoteVariationId,omitempty"`
	Error             string `json:"error,omitempty"`
}

type catalogObject struct {
	Type              string                `json:"type"`
	ID                string                `json:"id"`
	Version           int64                 `json:"version,omitempty"`
	ItemData          *catalogItemData      `json:"item_data,omitempty"`
	ItemVariationData *catalogVariationData `json:"item_variation_data,omitempty"`
}

type catalogItemData struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Variations  []catalogObject `json:"variations,omitempty"`
}

type catalogVariationData struct {
	ItemID      string `json:"item_id"`
	Name        string `json:"name"`
	PricingType string `json:"pricing_type"`
	PriceMoney  money  `json:"price_money"`
}

type upsertCatalogRequest struct {
	IdempotencyKey string        `json:"idempotency_key"`
	Object         catalogObject `json:"object"`
}

type idMapping struct {
	ClientObjectID string `json:"client_object_id"`
	ObjectID       string `json:"object_id"`
}

type upsertCatalogResponse struct {
	CatalogObject catalogObject `json:"catalog_object"`
	IDMappings    []idMapping   `json:"id_mappings"`
}

// isPlaceholderID reports whether an id is a client-side placeholder (Square
// uses a leading '#') rather than a server-assigned catalog id.
func isPlaceholderID(id string) bool {
	return id == "" || strings.HasPrefix(id, "#")
}

// PushItems upserts each item into the Square catalog as an ITEM with one
// ITEM_VARIATION, then sets the absolute stock count at the connection's
// location. Items are processed in order but independently.
func (c *Client) PushItems(ctx context.Context, accessToken, locationID string, items []CatalogItem) []PushResult {
	results := make([]PushResult, 0, len(items))
	for _, item := range items {
		results = append(results, c.pushOne(ctx, accessToken, locationID, item))
	}
	return results
}

func (c *Client) pushOne(ctx context.Context, accessToken, locationID string, item CatalogItem) PushResult {
	res := PushResult{ItemID: item.ID}

	var itemVersion, variationVersion int64
	catalogID := item.RemoteCatalogID
	variationID := item.RemoteVariationID

	// Re-pushing an existing object needs its current version for Square's
	// optimistic concurrency check.
	if !isPlaceholderID(catalogID) {
		obj, err := c.retrieveCatalogObject(ctx, accessToken, catalogID)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		itemVersion = obj.Version
		if obj.ItemData != nil && len(obj.ItemData.Variations) > 0 {
			v := obj.ItemData.Variations[0]
			variationID = v.ID
			variationVersion = v.Version
		}
	} else {
		catalogID = "#item-" + item.ID
		variationID = "#variation-" + item.ID
	}
	if variationID == "" {
		variationID = "#variation-" + item.ID
	}

	cents := int64(math.Round(item.UnitPrice * 100))

	req := upsertCatalogRequest{
		// Fresh key per attempt so a retried push is never dropped as a
		// replay of a stale submission.
		IdempotencyKey: uuid.NewString(),
		Object: catalogObject{
			Type:    "ITEM",
			ID:      catalogID,
			Version: itemVersion,
			ItemData: &catalogItemData{
				Name:        item.Name,
				Description: item.Category,
				Variations: []catalogObject{{
					Type:    "ITEM_VARIATION",
					ID:      variationID,
					Version: variationVersion,
					ItemVariationData: &catalogVariationData{
						ItemID:      catalogID,
						Name:        "Regular",
						PricingType: "FIXED_PRICING",
						PriceMoney:  money{Amount: cents, Currency: "USD"},
					},
				}},
			},
		},
	}

	out, err := call[upsertCatalogResponse](ctx, c, "POST", "/v2/catalog/object", bearerAuth(accessToken), req)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	res.Success = true
	res.RemoteCatalogID, res.RemoteVariationID = assignedIDs(out, catalogID, variationID, item)

	// Absolute stock set is a separate call and deliberately non-fatal: a
	// failed count never flips a successful catalog upsert.
	if locationID != "" && item.Qty != nil && res.RemoteVariationID != "" {
		if err := c.setInventoryCount(ctx, accessToken, locationID, res.RemoteVariationID, *item.Qty); err != nil {
			log.Printf("square: inventory count for item %s ignored: %v", item.ID, err)
		}
	}
	return res
}

// assignedIDs extracts the server-assigned catalog/variation ids, preferring
// the id mappings for placeholder ids and falling back to whatever the item
// already carried.
func assignedIDs(out *upsertCatalogResponse, catalogID, variationID string, item CatalogItem) (string, string) {
	mapped := map[string]string{}
	for _, m := range out.IDMappings {
		mapped[m.ClientObjectID] = m.ObjectID
	}

	gotCatalog := out.CatalogObject.ID
	if id, ok := mapped[catalogID]; ok {
		gotCatalog = id
	}
	if isPlaceholderID(gotCatalog) {
		gotCatalog = item.RemoteCatalogID
	}

	gotVariation := ""
	if out.CatalogObject.ItemData != nil && len(out.CatalogObject.ItemData.Variations) > 0 {
		gotVariation = out.CatalogObject.ItemData.Variations[0].ID
	}
	if id, ok := mapped[variationID]; ok {
		gotVariation = id
	}
	if isPlaceholderID(gotVariation) {
		gotVariation = item.RemoteVariationID
	}
	return gotCatalog, gotVariation
}

func (c *Client) retrieveCatalogObject(ctx context.Context, accessToken, objectID string) (*catalogObject, error) {
	out, err := call[struct {
		Object catalogObject `json:"object"`
	}](ctx, c, "GET", "/v2/catalog/object/"+url.PathEscape(objectID), bearerAuth(accessToken), nil)
	if err != nil {
		return nil, err
	}
	return &out.Object, nil
}

type inventoryChange struct {
	Type          string `json:"type"`
	PhysicalCount struct {
		CatalogObjectID string `json:"catalog_object_id"`
		State           string `json:"state"`
		LocationID      string `json:"location_id"`
		Quantity        string `json:"quantity"`
		OccurredAt      string `json:"occurred_at"`
	} `json:"physical_count"`
}

// setInventoryCount records a PHYSICAL_COUNT, i.e. sets absolute stock for
// the variation at the location.
func (c *Client) setInventoryCount(ctx context.Context, accessToken, locationID, variationID string, qty int) error {
	var change inventoryChange
	change.Type = "PHYSICAL_COUNT"
	change.PhysicalCount.CatalogObjectID = variationID
	change.PhysicalCount.State = "IN_STOCK"
	change.PhysicalCount.LocationID = locationID
	change.PhysicalCount.Quantity = strconv.Itoa(qty)
	change.PhysicalCount.OccurredAt = time.Now().UTC().Format(time.RFC3339)

	_, err := call[struct{}](ctx, c, "POST", "/v2/inventory/changes/batch-create", bearerAuth(accessToken), map[string]any{
		"idempotency_key": uuid.NewString(),
		"changes":         []inventoryChange{change},
	})
	return err
}
