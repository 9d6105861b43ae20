package square

import (
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"backend/internal/apperror"

	"github.com/stretchr/testify/require"
)

func newTestClient(baseURL string) *Client {
	return &Client{
		baseURL:   baseURL,
		appID:     "app-id",
		appSecret: "app-secret",
		http:      &http.Client{Timeout: 5 * time.Second},
	}
}

func TestStateRoundTrip(t *testing.T) {
	c := newTestClient("https://example.invalid")
	now := time.Now()

	blob := c.EncodeState("owner-1", now)
	owner, err := c.DecodeState(blob, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, "owner-1", owner)
}

func TestStateExpiresAfterFifteenMinutes(t *testing.T) {
	c := newTestClient("https://example.invalid")
	now := time.Now()
	blob := c.EncodeState("owner-1", now)

	_, err := c.DecodeState(blob, now.Add(14*time.Minute))
	require.NoError(t, err)

	_, err = c.DecodeState(blob, now.Add(16*time.Minute))
	require.Error(t, err)
	require.True(t, apperror.Is(err, apperror.CodeAuth))
	require.Contains(t, err.Error(), "expired")
}

func TestStateRejectsTampering(t *testing.T) {
	c := newTestClient("https://example.invalid")
	now := time.Now()
	blob := c.EncodeState("owner-1", now)

	other := &Client{appID: "app-id", appSecret: "different-secret"}
	_, err := other.DecodeState(blob, now)
	require.Error(t, err)

	_, err = c.DecodeState("not-base64!!!", now)
	require.Error(t, err)

	_, err = c.DecodeState("", now)
	require.Error(t, err)
}

func TestAuthorizeURL(t *testing.T) {
	c := newTestClient("https://connect.squareupsandbox.com")
	raw := c.AuthorizeURL("owner-1", "https://api.example.com/integrations/square/callback", time.Now())

	u, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "/oauth2/authorize", u.Path)

	q := u.Query()
	require.Equal(t, "app-id", q.Get("client_id"))
	require.Equal(t, "https://api.example.com/integrations/square/callback", q.Get("redirect_uri"))
	require.NotEmpty(t, q.Get("state"))

	scopes := strings.Fields(q.Get("scope"))
	require.Contains(t, scopes, "ORDERS_READ")
	require.Contains(t, scopes, "ITEMS_WRITE")
	require.Contains(t, scopes, "INVENTORY_WRITE")
	require.Contains(t, scopes, "MERCHANT_PROFILE_READ")
	require.Contains(t, scopes, "PAYMENTS_READ")

	owner, err := c.DecodeState(q.Get("state"), time.Now())
	require.NoError(t, err)
	require.Equal(t, "owner-1", owner)
}
