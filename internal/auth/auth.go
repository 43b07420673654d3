package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenMissing = errors.New("auth: token not provided")
	ErrTokenInvalid = errors.New("auth: token is not valid")
	ErrTokenRevoked = errors.New("auth: token has been revoked")
)

// Identity is the verified principal attached to a connection.
type Identity struct {
	UserID   string
	Username string
}

// Verifier checks the bearer credential presented at connection time.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// Claims is the JWT claim set issued by the auth service. The 'jti'
// (JWT ID) from RegisteredClaims is what the revocation list keys on.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HMAC-signed tokens. When a Redis client is
// configured it also consults the revocation list, so tokens invalidated by
// the auth service are rejected before their natural expiry.
type JWTVerifier struct {
	secret      []byte
	redisClient *redis.Client
}

func NewJWTVerifier(secret string, redisClient *redis.Client) *JWTVerifier {
	return &JWTVerifier{
		secret:      []byte(secret),
		redisClient: redisClient,
	}
}

func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, ErrTokenMissing
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		// Covers parse errors, bad signatures, and expired tokens.
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" || claims.Username == "" {
		return nil, fmt.Errorf("%w: missing subject or username claim", ErrTokenInvalid)
	}

	revoked, err := v.isRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("auth: revocation check failed: %w", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}

	return &Identity{
		UserID:   claims.Subject,
		Username: claims.Username,
	}, nil
}

func (v *JWTVerifier) isRevoked(ctx context.Context, jti string) (bool, error) {
	if v.redisClient == nil || jti == "" {
		return false, nil
	}
	n, err := v.redisClient.Exists(ctx, revocationKey(jti)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func revocationKey(jti string) string {
	return fmt.Sprintf("revoked:jti:%s", jti)
}
