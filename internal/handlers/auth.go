package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/wilson1442/vpn-platform-sub001/internal/audit"
	"github.com/wilson1442/vpn-platform-sub001/internal/clock"
	"github.com/wilson1442/vpn-platform-sub001/internal/middleware"
	"github.com/wilson1442/vpn-platform-sub001/internal/models"
)

// TokenRevoker blacklists a token until it expires.
type TokenRevoker interface {
	BlacklistToken(ctx context.Context, token string, expiresAt time.Time) error
}

type AuthHandler struct {
	db        *gorm.DB
	tokens    *middleware.TokenIssuer
	blacklist TokenRevoker
	audit     middleware.Auditor
	clock     clock.Clock
	log       *zap.Logger
}

func NewAuthHandler(db *gorm.DB, tokens *middleware.TokenIssuer, blacklist TokenRevoker, rec middleware.Auditor, clk clock.Clock, log *zap.Logger) *AuthHandler {
	return &AuthHandler{db: db, tokens: tokens, blacklist: blacklist, audit: rec, clock: clk, log: log}
}

// LoginRequest represents login request body
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// UserInfo represents user info in response
type UserInfo struct {
	ID         uint            `json:"id"`
	Username   string          `json:"username"`
	Email      string          `json:"email"`
	Role       models.UserRole `json:"role"`
	ResellerID *uint           `json:"resellerId,omitempty"`
}

func userInfo(u *models.User) *UserInfo {
	return &UserInfo{ID: u.ID, Username: u.Username, Email: u.Email, Role: u.Role, ResellerID: u.ResellerID}
}

// Login handles user login
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req LoginRequest
	if err := parseBody(c, &req); err != nil {
		return fail(c, h.log, err)
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		return message(c, fiber.StatusBadRequest, "Username and password are required")
	}

	var user models.User
	if err := h.db.WithContext(c.UserContext()).Where("username = ?", req.Username).First(&user).Error; err != nil {
		return message(c, fiber.StatusUnauthorized, "Invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		h.log.Info("login failed", zap.String("username", req.Username), zap.String("ip", c.IP()))
		return message(c, fiber.StatusUnauthorized, "Invalid credentials")
	}
	if !user.IsActive {
		return message(c, fiber.StatusUnauthorized, "User account is disabled")
	}

	token, expiresAt, err := h.tokens.GenerateToken(&user)
	if err != nil {
		return fail(c, h.log, err)
	}

	now := h.clock.Now()
	h.db.WithContext(c.UserContext()).Model(&user).Update("last_login", now)

	id, role := user.ID, user.Role
	h.audit.Record(audit.Record{
		ActorID:    &id,
		ActorRole:  &role,
		Action:     models.AuditActionLogin,
		TargetType: "user",
		TargetID:   uintString(user.ID),
		IPAddress:  c.IP(),
	})

	return c.JSON(fiber.Map{
		"success":   true,
		"token":     token,
		"expiresAt": expiresAt,
		"user":      userInfo(&user),
	})
}

// Logout revokes the caller's token
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	token, expiresAt := middleware.GetCurrentToken(c)
	if err := h.blacklist.BlacklistToken(c.UserContext(), token, expiresAt); err != nil {
		return fail(c, h.log, err)
	}

	h.audit.Record(middleware.ActorRecord(c, audit.Record{
		Action:     models.AuditActionLogout,
		TargetType: "user",
		TargetID:   uintString(middleware.GetCurrentUserID(c)),
	}))

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Logged out successfully",
	})
}

// Me returns the authenticated user
func (h *AuthHandler) Me(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return message(c, fiber.StatusUnauthorized, "Not authenticated")
	}
	return success(c, userInfo(user))
}
