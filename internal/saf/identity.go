package saf

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// EntityHeader carries the caller's entity id when no token secret is configured.
const EntityHeader = "X-Entity-ID"

const callerKey = "saf.caller_entity_id"

// EntityClaims are the token claims naming the acting entity.
type EntityClaims struct {
	EntityID string `json:"entity_id"`
	jwt.RegisteredClaims
}

// Identity resolves the calling entity for every request. With a secret, callers present
// an HS256 bearer token carrying an entity_id claim; without one the X-Entity-ID header is
// trusted, for deployments behind an authenticating gateway.
func Identity(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			id  uuid.UUID
			err error
		)
		if secret == "" {
			id, err = uuid.Parse(c.GetHeader(EntityHeader))
			if err != nil {
				err = fmt.Errorf("missing or invalid %s header", EntityHeader)
			}
		} else {
			id, err = entityFromToken(c.GetHeader("Authorization"), secret)
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHORIZED", "message": err.Error()})
			return
		}

		c.Set(callerKey, id)
		c.Next()
	}
}

func entityFromToken(header, secret string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return uuid.Nil, errors.New("missing bearer token")
	}

	claims := &EntityClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid token: %w", err)
	}

	id, err := uuid.Parse(claims.EntityID)
	if err != nil {
		return uuid.Nil, errors.New("token has no valid entity_id claim")
	}
	return id, nil
}

// SignEntityToken issues a token for entityID valid for ttl.
func SignEntityToken(secret string, entityID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, EntityClaims{
		EntityID: entityID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   entityID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString([]byte(secret))
}

// callerID returns the entity set by Identity.
func callerID(c *gin.Context) uuid.UUID {
	if v, ok := c.Get(callerKey); ok {
		if id, ok := v.(uuid.UUID); ok {
			return id
		}
	}
	return uuid.Nil
}
