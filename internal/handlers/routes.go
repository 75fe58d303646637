package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wilson1442/vpn-platform-sub001/internal/audit"
	"github.com/wilson1442/vpn-platform-sub001/internal/billing"
	"github.com/wilson1442/vpn-platform-sub001/internal/clock"
	"github.com/wilson1442/vpn-platform-sub001/internal/fleet"
	"github.com/wilson1442/vpn-platform-sub001/internal/ledger"
	"github.com/wilson1442/vpn-platform-sub001/internal/middleware"
	"github.com/wilson1442/vpn-platform-sub001/internal/sessions"
	"github.com/wilson1442/vpn-platform-sub001/internal/telemetry"
)

// Blacklist revokes tokens and answers whether a token is revoked.
type Blacklist interface {
	TokenRevoker
	middleware.TokenChecker
}

// Deps holds everything the HTTP surface needs.
type Deps struct {
	DB           *gorm.DB
	Tokens       *middleware.TokenIssuer
	Blacklist    Blacklist
	Ledger       *ledger.Service
	Billing      *billing.Service
	Registry     *fleet.Registry
	Aggregator   *telemetry.Aggregator
	Dashboard    *telemetry.Dashboard
	Tracker      *sessions.Tracker
	Entitlements *sessions.Entitlements
	Audit        *audit.Recorder
	Clock        clock.Clock
	Logger       *zap.Logger

	// RateLimit is requests per minute per client on /api; zero disables it.
	RateLimit int
}

// Register mounts the health check, the agent API and the panel API on app.
func Register(app *fiber.App, d Deps) {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"service": "vpnpanel-api",
		})
	})

	authHandler := NewAuthHandler(d.DB, d.Tokens, d.Blacklist, d.Audit, d.Clock, log)
	creditHandler := NewCreditHandler(d.Ledger, d.Billing, d.Audit, log)
	resellerHandler := NewResellerHandler(d.Billing, d.Audit, log)
	invoiceHandler := NewInvoiceHandler(d.Billing, d.Audit, log)
	nodeHandler := NewVpnNodeHandler(d.Registry, d.Aggregator, d.Audit, log)
	sessionHandler := NewSessionHandler(d.Tracker, d.Audit, log)
	dashboardHandler := NewDashboardHandler(d.Dashboard, log)
	auditHandler := NewAuditHandler(d.Audit, log)
	agentHandler := NewAgentHandler(d.Registry, d.Tracker, log)
	crlHandler := NewCrlHandler(d.Registry, d.Audit, log)
	entitlementHandler := NewEntitlementHandler(d.Entitlements, d.Audit, log)

	api := app.Group("/api")
	if d.RateLimit > 0 {
		api.Use(middleware.RateLimiter(d.RateLimit, time.Minute))
	}

	// Node agents authenticate with their own token
	agentAPI := api.Group("/agent", middleware.AgentAuth(d.Registry))
	agentAPI.Post("/heartbeat", agentHandler.Heartbeat)
	agentAPI.Post("/sessions/connect", agentHandler.Connect)
	agentAPI.Post("/sessions/disconnect", agentHandler.Disconnect)
	agentAPI.Post("/sessions/report", agentHandler.Report)
	agentAPI.Get("/crl", agentHandler.Crl)

	api.Post("/auth/login", authHandler.Login)

	protected := api.Group("", middleware.AuthRequired(d.Tokens, d.DB, d.Blacklist), middleware.AuditLogger(d.Audit))

	protected.Post("/auth/logout", authHandler.Logout)
	protected.Get("/auth/me", authHandler.Me)

	// Dashboard
	protected.Get("/stats/dashboard", middleware.AdminOnly(), dashboardHandler.Stats)

	// Credits
	credits := protected.Group("/credits")
	credits.Get("/logs", middleware.AdminOnly(), creditHandler.Logs)
	credits.Post("/add", middleware.AdminOnly(), creditHandler.Add)
	credits.Post("/deduct", middleware.AdminOnly(), creditHandler.Deduct)
	credits.Post("/refund", middleware.AdminOnly(), creditHandler.Refund)
	credits.Post("/transfer", middleware.ResellerOrAdmin(), creditHandler.Transfer)
	credits.Get("/:resellerId", middleware.ResellerOrAdmin(), creditHandler.Balance)
	credits.Get("/:resellerId/history", middleware.ResellerOrAdmin(), creditHandler.History)

	// Resellers
	resellers := protected.Group("/resellers", middleware.ResellerOrAdmin())
	resellers.Get("/", resellerHandler.List)
	resellers.Get("/:id", resellerHandler.Get)
	resellers.Post("/", resellerHandler.Create)

	// Invoices
	invoices := protected.Group("/invoices", middleware.ResellerOrAdmin())
	invoices.Get("/", invoiceHandler.List)
	invoices.Get("/:id", invoiceHandler.Get)
	invoices.Post("/", middleware.AdminOnly(), invoiceHandler.Create)
	invoices.Post("/:id/pay", middleware.AdminOnly(), invoiceHandler.Pay)
	invoices.Post("/:id/cancel", middleware.AdminOnly(), invoiceHandler.Cancel)

	// VPN nodes
	nodes := protected.Group("/vpn-nodes", middleware.AdminOnly())
	nodes.Get("/", nodeHandler.List)
	nodes.Get("/:id", nodeHandler.Get)
	nodes.Get("/:id/stats", nodeHandler.Stats)
	nodes.Post("/", nodeHandler.Create)
	nodes.Put("/:id", nodeHandler.Update)
	nodes.Patch("/:id", nodeHandler.Update)
	nodes.Delete("/:id", nodeHandler.Delete)
	nodes.Post("/:id/rotate-token", nodeHandler.RotateToken)

	// Sessions
	protected.Get("/sessions", sessionHandler.List)
	protected.Get("/sessions/:id", sessionHandler.Get)
	protected.Post("/sessions/:id/kick", middleware.AdminOnly(), sessionHandler.Kick)

	// CRL and certificates
	protected.Get("/crl", middleware.AdminOnly(), crlHandler.Get)
	protected.Post("/crl", middleware.AdminOnly(), crlHandler.Publish)
	protected.Get("/certificates", middleware.AdminOnly(), entitlementHandler.ListCertificates)
	protected.Post("/certificates", middleware.AdminOnly(), entitlementHandler.IssueCertificate)
	protected.Post("/certificates/:commonName/revoke", middleware.AdminOnly(), entitlementHandler.RevokeCertificate)

	// Entitlements
	protected.Get("/entitlements/:userId", entitlementHandler.Get)
	protected.Put("/entitlements/:userId", middleware.AdminOnly(), entitlementHandler.Upsert)
	protected.Post("/entitlements/:userId/deactivate", middleware.AdminOnly(), entitlementHandler.Deactivate)

	// Audit logs
	protected.Get("/audit-logs/user-logs", auditHandler.UserLogs)
	protected.Get("/audit-logs/actions", middleware.AdminOnly(), auditHandler.Actions)
	protected.Get("/audit-logs", middleware.AdminOnly(), auditHandler.List)
	protected.Delete("/audit-logs", middleware.AdminOnly(), auditHandler.Clear)
}
