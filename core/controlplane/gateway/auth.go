package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/websocket"
)

const (
	envAPIKeys = "FIMGATE_API_KEYS"
	envAPIKey  = "FIMGATE_API_KEY"

	// #nosec G101 -- protocol label, not a credential.
	wsAPIKeyProtocol = "fimgate-api-key"
)

// AuthContext captures request identity for cache isolation and logging.
type AuthContext struct {
	APIKey      string
	PrincipalID string
	RemoteHost  string
}

// Requester returns the identity a per-requester cache is keyed by.
func (a *AuthContext) Requester() string {
	if a == nil {
		return ""
	}
	if a.PrincipalID != "" {
		return "principal:" + a.PrincipalID
	}
	if a.APIKey != "" {
		sum := sha256.Sum256([]byte(a.APIKey))
		return "key:" + hex.EncodeToString(sum[:8])
	}
	if a.RemoteHost != "" {
		return "host:" + a.RemoteHost
	}
	return ""
}

type authContextKey struct{}

// AuthProvider authenticates incoming HTTP requests.
type AuthProvider interface {
	AuthenticateHTTP(r *http.Request) (*AuthContext, error)
}

func authFromContext(ctx context.Context) *AuthContext {
	if ctx == nil {
		return nil
	}
	if auth, ok := ctx.Value(authContextKey{}).(*AuthContext); ok {
		return auth
	}
	return nil
}

// requesterOf identifies the caller, falling back to the remote host when no
// auth provider ran.
func requesterOf(r *http.Request) string {
	if auth := authFromContext(r.Context()); auth != nil {
		if id := auth.Requester(); id != "" {
			return id
		}
	}
	return "host:" + requestHostname(r.RemoteAddr)
}

type apiKeyEntry struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// BasicAuthProvider checks X-API-Key against keys from the environment. With
// no keys configured every request is let through.
type BasicAuthProvider struct {
	keys          map[string]string // key -> principal
	requireAPIKey bool
}

func newBasicAuthProvider() (*BasicAuthProvider, error) {
	keys, err := loadBasicAPIKeys()
	if err != nil {
		return nil, err
	}
	return &BasicAuthProvider{keys: keys, requireAPIKey: len(keys) > 0}, nil
}

func (b *BasicAuthProvider) AuthenticateHTTP(r *http.Request) (*AuthContext, error) {
	if r == nil {
		return nil, errors.New("request required")
	}
	key := normalizeAPIKey(r.Header.Get("X-API-Key"))
	if key == "" && websocket.IsWebSocketUpgrade(r) {
		key = normalizeAPIKey(apiKeyFromWebSocket(r))
	}
	host := requestHostname(r.RemoteAddr)
	if key == "" {
		if b.requireAPIKey {
			return nil, errors.New("api key required")
		}
		return &AuthContext{RemoteHost: host}, nil
	}
	principal, ok := b.keys[key]
	if b.requireAPIKey && !ok {
		return nil, errors.New("invalid api key")
	}
	return &AuthContext{APIKey: key, PrincipalID: principal, RemoteHost: host}, nil
}

// loadBasicAPIKeys reads FIMGATE_API_KEYS (JSON list or "name:key,...") and
// the single FIMGATE_API_KEY.
func loadBasicAPIKeys() (map[string]string, error) {
	keys := map[string]string{}
	entries, err := parseAPIKeys(os.Getenv(envAPIKeys))
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		keys[entry.Key] = entry.Name
	}
	if single := normalizeAPIKey(os.Getenv(envAPIKey)); single != "" {
		keys[single] = ""
	}
	return keys, nil
}

func parseAPIKeys(raw string) ([]apiKeyEntry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		var entries []apiKeyEntry
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return nil, fmt.Errorf("parse %s: %w", envAPIKeys, err)
		}
		out := entries[:0]
		for _, e := range entries {
			e.Key = normalizeAPIKey(e.Key)
			if e.Key != "" {
				out = append(out, e)
			}
		}
		return out, nil
	}
	parts := strings.Split(raw, ",")
	entries := make([]apiKeyEntry, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		entry := apiKeyEntry{}
		if name, key, ok := strings.Cut(part, ":"); ok {
			entry.Name = strings.TrimSpace(name)
			entry.Key = normalizeAPIKey(key)
		} else {
			entry.Key = normalizeAPIKey(part)
		}
		if entry.Key != "" {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func normalizeAPIKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	// Common .env mistake: quoting values (e.g. "super-secret-key").
	key = strings.Trim(key, "\"'")
	return strings.TrimSpace(key)
}

func apiKeyFromWebSocket(r *http.Request) string {
	if r == nil {
		return ""
	}
	protocols := websocket.Subprotocols(r)
	prefix := wsAPIKeyProtocol + "."
	for i, protocol := range protocols {
		if strings.EqualFold(protocol, wsAPIKeyProtocol) && i+1 < len(protocols) {
			return decodeWSAPIKey(protocols[i+1])
		}
		if strings.HasPrefix(strings.ToLower(protocol), prefix) {
			return decodeWSAPIKey(protocol[len(prefix):])
		}
	}
	return ""
}

func decodeWSAPIKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	return raw
}

func requestHostname(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil && host != "" {
		return host
	}
	return hostport
}
