package config

import (
	"context"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

func init() {
	// Load .env for local runs; Lambda sets real env vars.
	_ = godotenv.Load()
}

// Square holds the Square application settings for this deployment.
type Square struct {
	AppID string `envconfig:"SQUARE_APP_ID"`
	// AppSecret is used for code exchange, token refresh, revocation and for
	// signing OAuth state. Prefer SecretParam in production.
	AppSecret string `envconfig:"SQUARE_APP_SECRET"`
	// SecretParam names an SSM SecureString parameter holding the app secret.
	// When set it overrides AppSecret.
	SecretParam string `envconfig:"SQUARE_APP_SECRET_PARAM"`
	// Environment selects the Square API host: "sandbox" or "production".
	Environment string `envconfig:"SQUARE_ENV" default:"sandbox"`
	// AppBaseURL is this application's frontend base URL, the target of the
	// post-callback redirects.
	AppBaseURL string `envconfig:"APP_BASE_URL"`
	// RedirectBase is the API base that Square redirects back to; the callback
	// path is appended to it.
	RedirectBase string `envconfig:"SQUARE_REDIRECT_BASE"`
}

// BaseURL returns the Square API host for the configured environment.
func (s *Square) BaseURL() string {
	if strings.EqualFold(s.Environment, "production") {
		return "https://connect.squareup.com"
	}
	return "https://connect.squareupsandbox.com"
}

// RedirectURI is the full OAuth redirect target registered with Square.
func (s *Square) RedirectURI() string {
	return strings.TrimRight(s.RedirectBase, "/") + "/integrations/square/callback"
}

// LoadSquare reads the Square settings from the environment and, when
// SQUARE_APP_SECRET_PARAM is set, resolves the app secret from SSM.
func LoadSquare(ctx context.Context) (*Square, error) {
	var s Square
	if err := envconfig.Process("", &s); err != nil {
		return nil, fmt.Errorf("load square config: %w", err)
	}
	if s.AppID == "" {
		return nil, fmt.Errorf("SQUARE_APP_ID not set")
	}

	if p := strings.TrimSpace(s.SecretParam); p != "" {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		out, err := ssm.NewFromConfig(cfg).GetParameter(ctx, &ssm.GetParameterInput{
			Name:           &p,
			WithDecryption: boolPtr(true),
		})
		if err != nil {
			return nil, fmt.Errorf("fetch %s from ssm: %w", p, err)
		}
		if out.Parameter != nil && out.Parameter.Value != nil {
			s.AppSecret = *out.Parameter.Value
		}
	}
	if s.AppSecret == "" {
		return nil, fmt.Errorf("SQUARE_APP_SECRET not set (and no SSM parameter configured)")
	}
	return &s, nil
}

func boolPtr(b bool) *bool { return &b }
