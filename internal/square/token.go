package square

import (
	"context"
	"time"

	"backend/internal/apperror"
	"backend/internal/connections"
)

// Tokens within this window of expiry are refreshed before use.
const refreshSkew = 5 * time.Minute

// TokenSaver persists rotated credentials. *connections.Store satisfies it.
type TokenSaver interface {
	SaveTokens(ctx context.Context, ownerID, accessToken, refreshToken string, expiresAt time.Time) error
}

// EnsureValidToken gates every remote call. A token with more than five
// minutes of life left is returned as-is with no remote traffic; otherwise
// the refresh token is spent, the rotated credentials are persisted, and the
// new access token is returned. A failed refresh means the connection is
// dead: the owner has to reconnect, there is no retry here.
func (c *Client) EnsureValidToken(ctx context.Context, conn *connections.Connection, store TokenSaver) (string, error) {
	if time.Until(conn.ExpiresAt) > refreshSkew {
		return conn.AccessToken, nil
	}

	body := map[string]string{
		"client_id":     c.appID,
		"client_secret": c.appSecret,
		"refresh_token": conn.RefreshToken,
		"grant_type":    "refresh_token",
	}
	res, err := call[tokenResponse](ctx, c, "POST", "/oauth2/token", "", body)
	if err != nil {
		return "", apperror.Wrap(apperror.CodeAuth, "square session expired, please reconnect", err)
	}
	grant, err := res.grant()
	if err != nil {
		return "", apperror.Wrap(apperror.CodeAuth, "square session expired, please reconnect", err)
	}
	// Square may omit the refresh token on rotation; keep the old one then.
	if grant.RefreshToken == "" {
		grant.RefreshToken = conn.RefreshToken
	}

	if err := store.SaveTokens(ctx, conn.OwnerID, grant.AccessToken, grant.RefreshToken, grant.ExpiresAt); err != nil {
		return "", err
	}

	conn.AccessToken = grant.AccessToken
	conn.RefreshToken = grant.RefreshToken
	conn.ExpiresAt = grant.ExpiresAt
	return grant.AccessToken, nil
}
