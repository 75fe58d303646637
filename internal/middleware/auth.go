package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"

	"github.com/wilson1442/vpn-platform-sub001/internal/models"
)

// JWTClaims represents JWT token claims
type JWTClaims struct {
	UserID     uint            `json:"user_id"`
	Username   string          `json:"username"`
	Role       models.UserRole `json:"role"`
	ResellerID *uint           `json:"reseller_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenChecker reports whether a token was revoked by logout.
type TokenChecker interface {
	IsTokenBlacklisted(ctx context.Context, token string) bool
}

// AgentAuthenticator resolves a node agent token to its node.
type AgentAuthenticator interface {
	AuthenticateAgent(ctx context.Context, token string) (*models.VpnNode, error)
}

// TokenIssuer signs and verifies panel JWTs.
type TokenIssuer struct {
	secret []byte
	expire time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, expire time.Duration, now func() time.Time) *TokenIssuer {
	if expire <= 0 {
		expire = 24 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{secret: []byte(secret), expire: expire, now: now}
}

// GenerateToken generates a new JWT token
func (t *TokenIssuer) GenerateToken(user *models.User) (string, time.Time, error) {
	issued := t.now()
	expires := issued.Add(t.expire)
	claims := JWTClaims{
		UserID:     user.ID,
		Username:   user.Username,
		Role:       user.Role,
		ResellerID: user.ResellerID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(issued),
			Issuer:    "vpnpanel",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	return signed, expires, err
}

func (t *TokenIssuer) parse(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now))
	if err != nil || !token.Valid {
		return nil, err
	}
	claims, ok := token.Claims.(*JWTClaims)
	if !ok {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

func bearerToken(c *fiber.Ctx) (string, bool) {
	parts := strings.Split(c.Get("Authorization"), " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func unauthorized(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"success": false,
		"message": message,
	})
}

// AuthRequired middleware to protect routes
func AuthRequired(issuer *TokenIssuer, db *gorm.DB, blacklist TokenChecker) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Get("Authorization") == "" {
			return unauthorized(c, "Missing authorization header")
		}
		tokenString, ok := bearerToken(c)
		if !ok {
			return unauthorized(c, "Invalid authorization header format")
		}

		// Check if token is blacklisted (user logged out)
		if blacklist != nil && blacklist.IsTokenBlacklisted(c.UserContext(), tokenString) {
			return unauthorized(c, "Token has been revoked (logged out)")
		}

		claims, err := issuer.parse(tokenString)
		if err != nil || claims == nil {
			return unauthorized(c, "Invalid or expired token")
		}

		// Check if user still exists and is active
		var user models.User
		if err := db.WithContext(c.UserContext()).First(&user, claims.UserID).Error; err != nil {
			return unauthorized(c, "User not found")
		}
		if !user.IsActive {
			return unauthorized(c, "User account is disabled")
		}

		c.Locals("user", &user)
		c.Locals("userID", user.ID)
		c.Locals("username", user.Username)
		c.Locals("role", user.Role)
		c.Locals("resellerID", user.ResellerID)
		c.Locals("token", tokenString)
		if claims.ExpiresAt != nil {
			c.Locals("tokenExpiresAt", claims.ExpiresAt.Time)
		}

		return c.Next()
	}
}

// AdminOnly middleware to restrict to admin users
func AdminOnly() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if GetCurrentRole(c) != models.UserRoleAdmin {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"success": false,
				"message": "Admin access required",
			})
		}
		return c.Next()
	}
}

// ResellerOrAdmin middleware to restrict to reseller or admin
func ResellerOrAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		role := GetCurrentRole(c)
		if role != models.UserRoleAdmin && role != models.UserRoleReseller {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"success": false,
				"message": "Reseller or admin access required",
			})
		}
		return c.Next()
	}
}

// AgentAuth authenticates node agents by their bearer agent token and stores
// the node in the request context.
func AgentAuth(auth AgentAuthenticator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, ok := bearerToken(c)
		if !ok {
			return unauthorized(c, "Missing agent token")
		}
		node, err := auth.AuthenticateAgent(c.UserContext(), token)
		if err != nil {
			return unauthorized(c, "Invalid agent token")
		}
		c.Locals("node", node)
		return c.Next()
	}
}

// GetCurrentUser returns the current user from context
func GetCurrentUser(c *fiber.Ctx) *models.User {
	user, ok := c.Locals("user").(*models.User)
	if !ok {
		return nil
	}
	return user
}

// GetCurrentUserID returns the current user ID from context
func GetCurrentUserID(c *fiber.Ctx) uint {
	userID, ok := c.Locals("userID").(uint)
	if !ok {
		return 0
	}
	return userID
}

// GetCurrentRole returns the current user's role, zero when unauthenticated
func GetCurrentRole(c *fiber.Ctx) models.UserRole {
	role, _ := c.Locals("role").(models.UserRole)
	return role
}

// GetCurrentResellerID returns the current reseller ID from context
func GetCurrentResellerID(c *fiber.Ctx) *uint {
	resellerID, ok := c.Locals("resellerID").(*uint)
	if !ok {
		return nil
	}
	return resellerID
}

// GetCurrentToken returns the raw bearer token and its expiry
func GetCurrentToken(c *fiber.Ctx) (string, time.Time) {
	token, _ := c.Locals("token").(string)
	exp, _ := c.Locals("tokenExpiresAt").(time.Time)
	return token, exp
}

// GetAgentNode returns the node authenticated by AgentAuth
func GetAgentNode(c *fiber.Ctx) *models.VpnNode {
	node, _ := c.Locals("node").(*models.VpnNode)
	return node
}
