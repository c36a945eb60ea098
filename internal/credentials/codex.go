package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pelletier/go-toml/v2"

	"github.com/clauderon/clauderon/internal/apperror"
)

// chatgptAccountClaim is the OpenAI-namespaced JWT claim carrying the
// ChatGPT account id when the token bundle predates the plain account_id
// field being written alongside it.
const chatgptAccountClaim = "https://api.openai.com/auth.chatgpt_account_id"

// codexAuthFile mirrors the on-disk shape of ~/.codex/auth.json.
type codexAuthFile struct {
	Tokens       *codexAuthTokens `json:"tokens,omitempty"`
	OpenAIAPIKey string           `json:"OPENAI_API_KEY,omitempty"`
	LastRefresh  string           `json:"last_refresh,omitempty"`
}

type codexAuthTokens struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	AccountID    string `json:"account_id,omitempty"`
}

// LoadCodexTokens reads the Codex/ChatGPT auth bundle, overlays any
// environment-variable overrides, and — when the account id is absent from
// the file but present in the id_token's claims — recovers it by decoding
// the JWT. The JWT is never signature-verified here: this process has no
// key to verify against and only reads a claim it was already handed.
func LoadCodexTokens(path string) (CodexTokens, error) {
	if path == "" {
		path = defaultCodexAuthPath()
	}

	var file codexAuthFile
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &file); err != nil {
			return CodexTokens{}, apperror.Internal("parse codex auth.json", err)
		}
	case os.IsNotExist(err):
		// No bundle on disk yet; fall through and build purely from env.
	default:
		return CodexTokens{}, apperror.Internal("read codex auth.json", err)
	}

	tokens := CodexTokens{LastRefresh: file.LastRefresh}
	if file.Tokens != nil {
		tokens.AccessToken = file.Tokens.AccessToken
		tokens.RefreshToken = file.Tokens.RefreshToken
		tokens.IDToken = file.Tokens.IDToken
		tokens.AccountID = file.Tokens.AccountID
	}

	if v := os.Getenv("CODEX_ACCESS_TOKEN"); v != "" {
		tokens.AccessToken = v
	}
	if v := os.Getenv("CODEX_REFRESH_TOKEN"); v != "" {
		tokens.RefreshToken = v
	}
	if v := os.Getenv("CODEX_ID_TOKEN"); v != "" {
		tokens.IDToken = v
	}
	if v := os.Getenv("CHATGPT_ACCOUNT_ID"); v != "" {
		tokens.AccountID = v
	}

	if tokens.AccountID == "" && tokens.IDToken != "" {
		if claim, err := extractAccountIDClaim(tokens.IDToken); err == nil && claim != "" {
			tokens.AccountID = claim
		}
	}

	return tokens, nil
}

// extractAccountIDClaim decodes (without verifying) a JWT id_token and
// returns its chatgpt_account_id claim.
func extractAccountIDClaim(idToken string) (string, error) {
	claims := jwt.MapClaims{}
	parser := jwt.Parser{}
	if _, _, err := parser.ParseUnverified(idToken, claims); err != nil {
		return "", fmt.Errorf("parse id_token: %w", err)
	}
	if v, ok := claims[chatgptAccountClaim].(string); ok {
		return v, nil
	}
	return "", nil
}

// SaveCodexTokens atomically writes a refreshed token bundle back to disk,
// stamping last_refresh. Callers supply the refresh timestamp (formatted by
// the caller) since this package does not call time.Now directly outside
// the store package's seam.
func SaveCodexTokens(path string, tokens CodexTokens, refreshedAt string) error {
	if path == "" {
		path = defaultCodexAuthPath()
	}
	tokens.LastRefresh = refreshedAt

	out := codexAuthFile{
		Tokens: &codexAuthTokens{
			AccessToken:  tokens.AccessToken,
			RefreshToken: tokens.RefreshToken,
			IDToken:      tokens.IDToken,
			AccountID:    tokens.AccountID,
		},
		LastRefresh: refreshedAt,
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return apperror.Internal("marshal codex auth.json", err)
	}
	data = append(data, '\n')

	return writeSecretFile(filepath.Dir(path), filepath.Base(path), data)
}

// codexConfigTOML is the on-disk shape of a sandbox's ~/.codex/config.toml.
type codexConfigTOML struct {
	ModelProvider string `toml:"model_provider"`
	ApprovalMode  string `toml:"approval_policy"`
	SandboxMode   string `toml:"sandbox_mode"`
}

// EnsureCodexConfigTOML writes a minimal config.toml into dir when one
// isn't already present, so a sandbox with no user-supplied Codex config
// still finds a well-formed file at $CODEX_HOME/config.toml rather than
// erroring on a missing one. Mirrors the original CLI's docker/
// apple_container/kubernetes backends each writing a fallback config.toml
// alongside auth.json before mounting the Codex home directory in.
func EnsureCodexConfigTOML(dir string) error {
	path := filepath.Join(dir, "config.toml")
	if _, err := os.Stat(path); err == nil || !os.IsNotExist(err) {
		return err
	}

	data, err := toml.Marshal(codexConfigTOML{
		ModelProvider: "openai",
		ApprovalMode:  "never",
		SandboxMode:   "danger-full-access",
	})
	if err != nil {
		return apperror.Internal("marshal codex config.toml", err)
	}

	return writeSecretFile(dir, "config.toml", data)
}

func defaultCodexAuthPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".codex", "auth.json")
	}
	return filepath.Join(home, ".codex", "auth.json")
}
