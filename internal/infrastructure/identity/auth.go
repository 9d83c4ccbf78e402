package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"lecturecast/internal/core/domain"
	"lecturecast/internal/core/ports"
	"lecturecast/pkg/cache"

	"go.uber.org/zap"
)

// AuthClient resolves callers against the platform's session endpoint. The
// Authorization header is forwarded as is.
type AuthClient struct {
	url    string
	caller *caller
	cache  *cache.Cache[*domain.Caller]
}

type authResponse struct {
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	IsBlocked bool   `json:"is_blocked"`
}

func NewAuthClient(cfg Config, client *http.Client, logger *zap.SugaredLogger) *AuthClient {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &AuthClient{
		url:    cfg.AuthURL,
		caller: newCaller("auth", cfg, client, logger),
		cache:  cache.New[*domain.Caller](cfg.CacheTTL),
	}
}

func (a *AuthClient) Identify(ctx context.Context, authorization string) (*domain.Caller, error) {
	authorization = strings.TrimSpace(authorization)
	if authorization == "" {
		return nil, domain.ErrUnauthenticated
	}

	key := cacheKey(authorization)
	c, err := a.cache.GetOrLoad(ctx, key, func(ctx context.Context) (*domain.Caller, error) {
		return a.fetch(ctx, authorization)
	})
	if err != nil {
		return nil, err
	}
	cp := *c
	return &cp, nil
}

func (a *AuthClient) fetch(ctx context.Context, authorization string) (*domain.Caller, error) {
	var resp authResponse
	header := http.Header{"Authorization": []string{authorization}}
	if err := a.caller.getJSON(ctx, a.url, header, &resp); err != nil {
		var se *statusError
		if errors.As(err, &se) {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnauthenticated, se.Error())
		}
		return nil, err
	}

	role := domain.UserRole(strings.ToLower(resp.Role))
	if resp.UserID == "" || !role.Valid() {
		return nil, fmt.Errorf("%w: auth service returned an incomplete identity", domain.ErrUnauthenticated)
	}
	return &domain.Caller{
		UserID:    domain.UserID(resp.UserID),
		Role:      role,
		IsBlocked: resp.IsBlocked,
	}, nil
}

// Close stops the cache janitor.
func (a *AuthClient) Close() {
	a.cache.Stop()
}

// cacheKey keeps raw credentials out of the cache keys.
func cacheKey(authorization string) string {
	sum := sha256.Sum256([]byte(authorization))
	return hex.EncodeToString(sum[:])
}

var _ ports.IdentityProvider = (*AuthClient)(nil)
