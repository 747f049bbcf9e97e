package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/d60-Lab/realtime-relay/config"
)

const (
	// KeyID 标识 realtime 子系统签发的 token（JWT header kid）
	KeyID = "realtime"

	// DefaultTTL token 默认有效期
	DefaultTTL = 15 * time.Minute
)

// ErrNoSecret 三个候选密钥均未配置；fail-closed，绝不用空密钥签名
var ErrNoSecret = errors.New("token: no signing secret configured")

// Claims 能力声明：userId + 允许订阅的 channel 列表
type Claims struct {
	UserID   string   `json:"userId"`
	Channels []string `json:"channels"`
	jwt.RegisteredClaims
}

// Allows reports whether the claims grant access to the given channel.
func (c *Claims) Allows(channel string) bool {
	for _, ch := range c.Channels {
		if ch == channel {
			return true
		}
	}
	return false
}

// Codec signs and verifies channel-scoped capability tokens (HS256).
// The secret is resolved once at construction from the configured fallback
// chain; construction fails when no candidate is set.
type Codec struct {
	secret []byte
}

func NewCodec(cfg config.RealtimeConfig) (*Codec, error) {
	secret, err := cfg.SigningSecret()
	if err != nil {
		return nil, ErrNoSecret
	}
	return &Codec{secret: []byte(secret)}, nil
}

// NewCodecWithSecret 直接用给定密钥构造（测试用）
func NewCodecWithSecret(secret string) (*Codec, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &Codec{secret: []byte(secret)}, nil
}

// Sign 生成带 kid=realtime 头的 HS256 JWT
func (c *Codec) Sign(claims *Claims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	t.Header["kid"] = KeyID
	return t.SignedString(c.secret)
}

// Verify 校验 token；结构错误、签名不符、过期统一返回 nil，
// 调用方只需区分"有/无"而不必区分失败原因。
func (c *Codec) Verify(tokenString string) *Claims {
	claims := &Claims{}
	t, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (interface{}, error) { return c.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !t.Valid {
		return nil
	}
	return claims
}

// IssueToken 签发能力 token；ttl <= 0 时取 DefaultTTL
func (c *Codec) IssueToken(userID string, channels []string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		Channels: channels,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return c.Sign(claims)
}
