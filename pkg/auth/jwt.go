// Package auth 提供订阅端认证功能
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Claims 订阅端 JWT claims
type Claims struct {
	SubscriberID string `json:"subscriber_id"`
	jwt.RegisteredClaims
}

// JWTValidator JWT 验证器
type JWTValidator struct {
	secretKey []byte
}

// NewJWTValidator 创建 JWT 验证器
func NewJWTValidator(secretKey string) *JWTValidator {
	return &JWTValidator{secretKey: []byte(secretKey)}
}

// Validate 验证 JWT token
func (v *JWTValidator) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// 只接受 HMAC 签名
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secretKey, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// GenerateToken 生成 JWT token（用于测试和运维发放）
func (v *JWTValidator) GenerateToken(subscriberID string, expiry time.Duration) (string, error) {
	claims := &Claims{
		SubscriberID: subscriberID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secretKey)
}
