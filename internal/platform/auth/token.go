package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IssueToken は RequireAuth が受け付ける HS256 トークンを発行する。
// アカウント管理は外部サービスの担当なので、ここでは開発用・テスト用途のみ。
func IssueToken(secret []byte, sub, role string, ttl time.Duration) (string, error) {
	if sub == "" {
		return "", errors.New("sub is required")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  sub,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	})
	return token.SignedString(secret)
}
