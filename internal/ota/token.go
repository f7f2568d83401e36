package ota

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenSubject = "firmware"

// Claims bind an update token to one image digest.
type Claims struct {
	MD5 string `json:"md5"`
	jwt.RegisteredClaims
}

// SignToken mints an HS256 token for the image with digest md5sum.
func SignToken(secret []byte, md5sum string, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		MD5: strings.ToLower(md5sum),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tokenSubject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken checks the shared secret and that the token was minted for
// md5sum.
func VerifyToken(secret []byte, tokenString, md5sum string) error {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithSubject(tokenSubject))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthRejected, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return fmt.Errorf("%w: invalid token", ErrAuthRejected)
	}
	if !strings.EqualFold(claims.MD5, md5sum) {
		return fmt.Errorf("%w: token issued for a different image", ErrAuthRejected)
	}
	return nil
}
