package services

import (
	"context"
	"fmt"
	"slices"
	"time"

	"lecturecast/internal/core/domain"
	"lecturecast/internal/core/ports"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type TokenConfig struct {
	Secret           string
	Issuer           string
	Audience         string
	ChatAudience     string
	TTL              time.Duration
	MaxLifetime      time.Duration
	RefreshThreshold time.Duration
}

// DefaultTokenConfig returns the token policy used when nothing is configured.
// The secret is left empty on purpose.
func DefaultTokenConfig() TokenConfig {
	return TokenConfig{
		Issuer:           "lecturecast",
		Audience:         "lecturecast-player",
		ChatAudience:     "lecturecast-chat",
		TTL:              4 * time.Hour,
		MaxLifetime:      4 * time.Hour,
		RefreshThreshold: 30 * time.Minute,
	}
}

type TokenService interface {
	Issue(streamID domain.StreamID, userID domain.UserID, role domain.UserRole, opts ...IssueOption) (string, *domain.AccessClaims, error)
	Verify(token string, opts ...VerifyOption) *domain.AccessClaims
	Refresh(ctx context.Context, token string, opts RefreshOptions) (string, *domain.AccessClaims, error)
	TimeRemaining(token string) time.Duration
	ExpiryTime(token string) (time.Time, bool)
	IssueChatToken(creds domain.StreamCredentials, userID domain.UserID, role domain.UserRole) (string, error)
	VerifyChatToken(token, chatSecret string) *domain.AccessClaims
}

// tokenClaims is the wire form of domain.AccessClaims.
type tokenClaims struct {
	StreamID          domain.StreamID     `json:"stream_id"`
	UserID            domain.UserID       `json:"user_id"`
	Role              domain.UserRole     `json:"role"`
	Permissions       []domain.Permission `json:"permissions"`
	DeviceFingerprint string              `json:"device_fingerprint,omitempty"`
	ClientIP          string              `json:"client_ip,omitempty"`
	jwt.RegisteredClaims
}

func (c *tokenClaims) toDomain() *domain.AccessClaims {
	out := &domain.AccessClaims{
		TokenID:           c.ID,
		StreamID:          c.StreamID,
		UserID:            c.UserID,
		Role:              c.Role,
		Permissions:       slices.Clone(c.Permissions),
		DeviceFingerprint: c.DeviceFingerprint,
		ClientIP:          c.ClientIP,
	}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time.UTC()
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time.UTC()
	}
	return out
}

type IssueOption func(*issueParams)

type issueParams struct {
	ttl         time.Duration
	fingerprint string
	clientIP    string
}

// WithTTL overrides the token lifetime. It is still clamped to the maximum.
func WithTTL(ttl time.Duration) IssueOption {
	return func(p *issueParams) { p.ttl = ttl }
}

// WithDeviceFingerprint binds the token to a client device.
func WithDeviceFingerprint(fp string) IssueOption {
	return func(p *issueParams) { p.fingerprint = fp }
}

// WithClientIP binds the token to a client address.
func WithClientIP(ip string) IssueOption {
	return func(p *issueParams) { p.clientIP = ip }
}

type VerifyOption func(*verifyParams)

type verifyParams struct {
	skipExpiry    bool
	fingerprint   string
	checkDevice   bool
	clientIP      string
	checkClientIP bool
}

// SkipExpiry accepts expired tokens whose signature and audience still check out.
func SkipExpiry() VerifyOption {
	return func(p *verifyParams) { p.skipExpiry = true }
}

// ExpectFingerprint rejects device-bound tokens presented from another
// device. An empty fingerprint never matches a bound token.
func ExpectFingerprint(fp string) VerifyOption {
	return func(p *verifyParams) {
		p.fingerprint = fp
		p.checkDevice = true
	}
}

// ExpectClientIP rejects address-bound tokens presented from another
// address. An empty address never matches a bound token.
func ExpectClientIP(ip string) VerifyOption {
	return func(p *verifyParams) {
		p.clientIP = ip
		p.checkClientIP = true
	}
}

type RefreshOptions struct {
	// ExtendBy is the lifetime granted to a rotated token. Zero means the
	// configured TTL.
	ExtendBy time.Duration
	// ValidateSession rejects refreshes for streams that are no longer active.
	ValidateSession bool
}

type TokenOption func(*tokenService)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) TokenOption {
	return func(s *tokenService) { s.now = now }
}

type tokenService struct {
	cfg      TokenConfig
	secret   []byte
	liveness ports.SessionLiveness
	now      func() time.Time
}

// NewTokenService validates the token policy. liveness may be nil, in which
// case ValidateSession refreshes always fail.
func NewTokenService(cfg TokenConfig, liveness ports.SessionLiveness, opts ...TokenOption) (TokenService, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("%w: token signing secret is not set", domain.ErrConfiguration)
	}
	def := DefaultTokenConfig()
	if cfg.Issuer == "" {
		cfg.Issuer = def.Issuer
	}
	if cfg.Audience == "" {
		cfg.Audience = def.Audience
	}
	if cfg.ChatAudience == "" {
		cfg.ChatAudience = def.ChatAudience
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = def.MaxLifetime
	}
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = def.RefreshThreshold
	}
	if cfg.Audience == cfg.ChatAudience {
		return nil, fmt.Errorf("%w: chat audience must differ from player audience", domain.ErrConfiguration)
	}

	s := &tokenService{
		cfg:      cfg,
		secret:   []byte(cfg.Secret),
		liveness: liveness,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *tokenService) Issue(streamID domain.StreamID, userID domain.UserID, role domain.UserRole, opts ...IssueOption) (string, *domain.AccessClaims, error) {
	if streamID == "" || userID == "" {
		return "", nil, fmt.Errorf("%w: stream and user are required", domain.ErrInvalidInput)
	}
	if !role.Valid() {
		return "", nil, fmt.Errorf("%w: unknown role %q", domain.ErrInvalidInput, role)
	}

	p := issueParams{ttl: s.cfg.TTL}
	for _, opt := range opts {
		opt(&p)
	}

	now := s.now()
	claims := &tokenClaims{
		StreamID:          streamID,
		UserID:            userID,
		Role:              role,
		Permissions:       domain.RolePermissions(role),
		DeviceFingerprint: p.fingerprint,
		ClientIP:          p.clientIP,
	}
	return s.sign(claims, s.cfg.Audience, s.secret, now, now.Add(s.clampTTL(p.ttl)))
}

func (s *tokenService) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = s.cfg.TTL
	}
	if ttl > s.cfg.MaxLifetime {
		ttl = s.cfg.MaxLifetime
	}
	return ttl
}

func (s *tokenService) sign(claims *tokenClaims, audience string, secret []byte, issuedAt, expiresAt time.Time) (string, *domain.AccessClaims, error) {
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    s.cfg.Issuer,
		Subject:   string(claims.StreamID),
		Audience:  jwt.ClaimStrings{audience},
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ID:        uuid.NewString(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims.toDomain(), nil
}

func (s *tokenService) Verify(token string, opts ...VerifyOption) *domain.AccessClaims {
	var p verifyParams
	for _, opt := range opts {
		opt(&p)
	}

	claims, err := s.parse(token, s.cfg.Audience, s.secret, p.skipExpiry)
	if err != nil {
		return nil
	}
	if p.checkDevice && claims.DeviceFingerprint != "" && claims.DeviceFingerprint != p.fingerprint {
		return nil
	}
	if p.checkClientIP && claims.ClientIP != "" && claims.ClientIP != p.clientIP {
		return nil
	}
	return claims.toDomain()
}

// parse checks signature, algorithm, issuer and audience. Expiry is checked
// unless skipExpiry is set.
func (s *tokenService) parse(token, audience string, secret []byte, skipExpiry bool) (*tokenClaims, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if skipExpiry {
		parserOpts = append(parserOpts, jwt.WithoutClaimsValidation())
	} else {
		parserOpts = append(parserOpts,
			jwt.WithIssuer(s.cfg.Issuer),
			jwt.WithAudience(audience),
			jwt.WithExpirationRequired(),
		)
	}

	claims := &tokenClaims{}
	parsed, err := jwt.NewParser(parserOpts...).ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}

	if skipExpiry {
		if claims.Issuer != s.cfg.Issuer || !slices.Contains(claims.Audience, audience) {
			return nil, jwt.ErrTokenInvalidClaims
		}
		if claims.ExpiresAt == nil {
			return nil, jwt.ErrTokenRequiredClaimMissing
		}
	}
	if claims.StreamID == "" || claims.UserID == "" || !claims.Role.Valid() {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

func (s *tokenService) Refresh(ctx context.Context, token string, opts RefreshOptions) (string, *domain.AccessClaims, error) {
	claims, err := s.parse(token, s.cfg.Audience, s.secret, true)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	}

	if opts.ValidateSession {
		if s.liveness == nil || !s.liveness.IsActive(ctx, claims.StreamID) {
			return "", nil, fmt.Errorf("%w: %s", domain.ErrSessionInactive, claims.StreamID)
		}
	}

	now := s.now()
	origExp := claims.ExpiresAt.Time
	if origExp.Sub(now) >= s.cfg.RefreshThreshold {
		return token, claims.toDomain(), nil
	}

	extendBy := opts.ExtendBy
	if extendBy <= 0 {
		extendBy = s.cfg.TTL
	}
	newExp := now.Add(extendBy)
	if !newExp.After(origExp) {
		newExp = origExp.Add(extendBy)
	}
	if limit := now.Add(s.cfg.MaxLifetime); newExp.After(limit) {
		newExp = limit
	}

	rotated := &tokenClaims{
		StreamID:          claims.StreamID,
		UserID:            claims.UserID,
		Role:              claims.Role,
		Permissions:       domain.RolePermissions(claims.Role),
		DeviceFingerprint: claims.DeviceFingerprint,
		ClientIP:          claims.ClientIP,
	}
	return s.sign(rotated, s.cfg.Audience, s.secret, now, newExp)
}

func (s *tokenService) TimeRemaining(token string) time.Duration {
	exp, ok := s.ExpiryTime(token)
	if !ok {
		return 0
	}
	remaining := exp.Sub(s.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (s *tokenService) ExpiryTime(token string) (time.Time, bool) {
	claims, err := s.parse(token, s.cfg.Audience, s.secret, true)
	if err != nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time.UTC(), true
}

// IssueChatToken signs a chat-channel token with the session's own chat
// secret. It carries only the chat-related subset of the role's permissions.
func (s *tokenService) IssueChatToken(creds domain.StreamCredentials, userID domain.UserID, role domain.UserRole) (string, error) {
	if creds.ChatSecret == "" {
		return "", fmt.Errorf("%w: session has no chat secret", domain.ErrInvalidInput)
	}
	if !role.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", domain.ErrInvalidInput, role)
	}

	perms := []domain.Permission{domain.PermChat}
	if slices.Contains(domain.RolePermissions(role), domain.PermModerate) {
		perms = append(perms, domain.PermModerate)
	}

	now := s.now()
	claims := &tokenClaims{
		StreamID:    creds.StreamID,
		UserID:      userID,
		Role:        role,
		Permissions: perms,
	}
	signed, _, err := s.sign(claims, s.cfg.ChatAudience, []byte(creds.ChatSecret), now, now.Add(s.cfg.TTL))
	return signed, err
}

func (s *tokenService) VerifyChatToken(token, chatSecret string) *domain.AccessClaims {
	if chatSecret == "" {
		return nil
	}
	claims, err := s.parse(token, s.cfg.ChatAudience, []byte(chatSecret), false)
	if err != nil {
		return nil
	}
	return claims.toDomain()
}
