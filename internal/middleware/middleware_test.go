package middleware

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilson1442/vpn-platform-sub001/internal/audit"
	"github.com/wilson1442/vpn-platform-sub001/internal/models"
	"github.com/wilson1442/vpn-platform-sub001/internal/testutil"
)

type staticBlacklist map[string]bool

func (s staticBlacklist) IsTokenBlacklisted(_ context.Context, token string) bool {
	return s[token]
}

type agentTokens map[string]*models.VpnNode

func (a agentTokens) AuthenticateAgent(_ context.Context, token string) (*models.VpnNode, error) {
	if n, ok := a[token]; ok {
		return n, nil
	}
	return nil, errors.New("forbidden")
}

type recorded struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (r *recorded) Record(rec audit.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func request(t *testing.T, app *fiber.App, method, path, token string) int {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestAuthRequired_Roles(t *testing.T) {
	db := testutil.NewDB(t)
	admin := &models.User{Username: "root", Password: "x", Role: models.UserRoleAdmin, IsActive: true}
	user := &models.User{Username: "u", Password: "x", Role: models.UserRoleUser, IsActive: true}
	require.NoError(t, db.Create(admin).Error)
	require.NoError(t, db.Create(user).Error)

	issuer := NewTokenIssuer("secret", time.Hour, nil)
	adminToken, _, err := issuer.GenerateToken(admin)
	require.NoError(t, err)
	userToken, _, err := issuer.GenerateToken(user)
	require.NoError(t, err)

	revoked := staticBlacklist{}
	app := fiber.New()
	protected := app.Group("", AuthRequired(issuer, db, revoked))
	protected.Get("/me", func(c *fiber.Ctx) error { return c.SendString(GetCurrentRole(c).String()) })
	protected.Get("/admin", AdminOnly(), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	protected.Get("/reseller", ResellerOrAdmin(), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	assert.Equal(t, fiber.StatusUnauthorized, request(t, app, "GET", "/me", ""))
	assert.Equal(t, fiber.StatusUnauthorized, request(t, app, "GET", "/me", "garbage"))
	assert.Equal(t, fiber.StatusOK, request(t, app, "GET", "/me", userToken))
	assert.Equal(t, fiber.StatusForbidden, request(t, app, "GET", "/admin", userToken))
	assert.Equal(t, fiber.StatusForbidden, request(t, app, "GET", "/reseller", userToken))
	assert.Equal(t, fiber.StatusOK, request(t, app, "GET", "/admin", adminToken))
	assert.Equal(t, fiber.StatusOK, request(t, app, "GET", "/reseller", adminToken))

	other := NewTokenIssuer("other-secret", time.Hour, nil)
	forged, _, err := other.GenerateToken(admin)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, request(t, app, "GET", "/me", forged))

	expiredIssuer := NewTokenIssuer("secret", time.Hour, func() time.Time { return time.Now().Add(-2 * time.Hour) })
	expired, _, err := expiredIssuer.GenerateToken(admin)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, request(t, app, "GET", "/me", expired))

	revoked[adminToken] = true
	assert.Equal(t, fiber.StatusUnauthorized, request(t, app, "GET", "/admin", adminToken))
}

func TestAgentAuth(t *testing.T) {
	app := fiber.New()
	app.Post("/agent/heartbeat", AgentAuth(agentTokens{"tok": {ID: 7}}), func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"node": GetAgentNode(c).ID})
	})

	assert.Equal(t, fiber.StatusOK, request(t, app, "POST", "/agent/heartbeat", "tok"))
	assert.Equal(t, fiber.StatusUnauthorized, request(t, app, "POST", "/agent/heartbeat", "nope"))
	assert.Equal(t, fiber.StatusUnauthorized, request(t, app, "POST", "/agent/heartbeat", ""))
}

func TestAuditLogger_MirrorsUnlessMarked(t *testing.T) {
	rec := &recorded{}
	admin := &models.User{ID: 1, Username: "root", Role: models.UserRoleAdmin}

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user", admin)
		return c.Next()
	})
	app.Use(AuditLogger(rec))
	app.Patch("/api/vpn-nodes/:id", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	app.Post("/api/sessions/:id/kick", func(c *fiber.Ctx) error {
		MarkAudited(c)
		return c.SendStatus(fiber.StatusOK)
	})
	app.Delete("/api/vpn-nodes/:id", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNotFound) })
	app.Get("/api/vpn-nodes", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	request(t, app, "PATCH", "/api/vpn-nodes/12", "")
	request(t, app, "POST", "/api/sessions/3/kick", "")
	request(t, app, "DELETE", "/api/vpn-nodes/12", "")
	request(t, app, "GET", "/api/vpn-nodes", "")

	require.Len(t, rec.recs, 1)
	assert.Equal(t, "vpn_node.update", rec.recs[0].Action)
	assert.Equal(t, "12", rec.recs[0].TargetID)
	assert.Equal(t, uint(1), *rec.recs[0].ActorID)
}
