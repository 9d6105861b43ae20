package square

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"backend/internal/apperror"
)

// OAuth scopes requested at connect time. Fixed set: merchant profile,
// orders, catalog items, inventory, payments.
var oauthScopes = []string{
	"MERCHANT_PROFILE_READ",
	"ORDERS_READ",
	"ITEMS_READ",
	"ITEMS_WRITE",
	"INVENTORY_READ",
	"INVENTORY_WRITE",
	"PAYMENTS_READ",
}

// authorization window: a state blob older than this is rejected.
const stateMaxAge = 15 * time.Minute

type stateClaims struct {
	OwnerID  string `json:"owner_id"`
	IssuedAt int64  `json:"issued_at"`
	Sig      string `json:"sig"`
}

func stateSig(secret, ownerID string, issuedAt int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s|%d", ownerID, issuedAt)
	return hex.EncodeToString(mac.Sum(nil))
}

// EncodeState packs the owner id and issue time into a signed, base64url
// state blob for the authorize redirect.
func (c *Client) EncodeState(ownerID string, now time.Time) string {
	claims := stateClaims{
		OwnerID:  ownerID,
		IssuedAt: now.UTC().Unix(),
		Sig:      stateSig(c.appSecret, ownerID, now.UTC().Unix()),
	}
	b, _ := json.Marshal(claims)
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeState verifies and unpacks a state blob. Malformed or tampered blobs
// fail as auth errors; blobs older than 15 minutes fail as expired.
func (c *Client) DecodeState(blob string, now time.Time) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(blob)
	if err != nil {
		return "", apperror.New(apperror.CodeAuth, "invalid oauth state")
	}
	var claims stateClaims
	if err := json.Unmarshal(raw, &claims); err != nil || claims.OwnerID == "" {
		return "", apperror.New(apperror.CodeAuth, "invalid oauth state")
	}
	want := stateSig(c.appSecret, claims.OwnerID, claims.IssuedAt)
	if !hmac.Equal([]byte(want), []byte(claims.Sig)) {
		return "", apperror.New(apperror.CodeAuth, "invalid oauth state")
	}
	if now.UTC().Sub(time.Unix(claims.IssuedAt, 0)) > stateMaxAge {
		return "", apperror.New(apperror.CodeAuth, "authorization request expired, please reconnect")
	}
	return claims.OwnerID, nil
}

// AuthorizeURL builds the Square authorization redirect for one owner.
// No storage writes happen here; everything the callback needs rides in the
// signed state blob.
func (c *Client) AuthorizeURL(ownerID, redirectURI string, now time.Time) string {
	u, _ := url.Parse(c.baseURL + "/oauth2/authorize")
	q := u.Query()
	q.Set("client_id", c.appID)
	q.Set("scope", strings.Join(oauthScopes, " "))
	q.Set("state", c.EncodeState(ownerID, now))
	q.Set("redirect_uri", redirectURI)
	u.RawQuery = q.Encode()
	return u.String()
}

// TokenGrant is the decoded result of a code exchange or token refresh.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	MerchantID   string
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    string `json:"expires_at"`
	MerchantID   string `json:"merchant_id"`
	TokenType    string `json:"token_type"`
}

func (r *tokenResponse) grant() (*TokenGrant, error) {
	if r.AccessToken == "" {
		return nil, apperror.New(apperror.CodeTokenExchange, "square returned no access token")
	}
	exp, err := time.Parse(time.RFC3339, r.ExpiresAt)
	if err != nil {
		// Square access tokens live 30 days; fall back rather than fail the
		// whole connect over a timestamp format change.
		exp = time.Now().UTC().Add(30 * 24 * time.Hour)
	}
	return &TokenGrant{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    exp.UTC(),
		MerchantID:   r.MerchantID,
	}, nil
}

// ExchangeCode trades an authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenGrant, error) {
	body := map[string]string{
		"client_id":     c.appID,
		"client_secret": c.appSecret,
		"code":          code,
		"grant_type":    "authorization_code",
	}
	res, err := call[tokenResponse](ctx, c, "POST", "/oauth2/token", "", body)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeTokenExchange, "code exchange rejected", err)
	}
	return res.grant()
}

// RevokeToken revokes a merchant's access token. Best-effort at the caller:
// disconnecting locally must succeed even when this fails.
func (c *Client) RevokeToken(ctx context.Context, accessToken string) error {
	body := map[string]string{
		"client_id":    c.appID,
		"access_token": accessToken,
	}
	_, err := call[struct {
		Success bool `json:"success"`
	}](ctx, c, "POST", "/oauth2/revoke", clientAuth(c.appSecret), body)
	return err
}

// MerchantName fetches the merchant's business name. Empty string on any
// miss; the caller falls back to a default.
func (c *Client) MerchantName(ctx context.Context, accessToken, merchantID string) string {
	res, err := call[struct {
		Merchant struct {
			ID           string `json:"id"`
			BusinessName string `json:"business_name"`
		} `json:"merchant"`
	}](ctx, c, "GET", "/v2/merchants/"+url.PathEscape(merchantID), bearerAuth(accessToken), nil)
	if err != nil {
		return ""
	}
	return res.Merchant.BusinessName
}

// Location is the remote location identity stored on a connection.
type Location struct {
	ID   string
	Name string
}

// PrimaryLocation returns the first ACTIVE location, falling back to the
// first location of any status. Nil when the merchant has none or the call
// fails; absence is not fatal to connecting.
func (c *Client) PrimaryLocation(ctx context.Context, accessToken string) *Location {
	res, err := call[struct {
		Locations []struct {
			ID     string `json:"id"`
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"locations"`
	}](ctx, c, "GET", "/v2/locations", bearerAuth(accessToken), nil)
	if err != nil || len(res.Locations) == 0 {
		return nil
	}
	for _, l := range res.Locations {
		if l.Status == "ACTIVE" {
			return &Location{ID: l.ID, Name: l.Name}
		}
	}
	first := res.Locations[0]
	return &Location{ID: first.ID, Name: first.Name}
}
