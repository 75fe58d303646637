package middleware

import (
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/wilson1442/vpn-platform-sub001/internal/audit"
)

// Auditor accepts audit records without blocking.
type Auditor interface {
	Record(rec audit.Record)
}

var idRegex = regexp.MustCompile(`/(\d+)(?:/|$)`)

// MarkAudited tells AuditLogger that the handler already wrote a specific
// record for this request.
func MarkAudited(c *fiber.Ctx) {
	c.Locals("audited", true)
}

// ActorRecord fills the actor fields of rec from the authenticated request.
func ActorRecord(c *fiber.Ctx, rec audit.Record) audit.Record {
	if user := GetCurrentUser(c); user != nil {
		id, role := user.ID, user.Role
		rec.ActorID = &id
		rec.ActorRole = &role
	}
	rec.IPAddress = c.IP()
	return rec
}

// AuditLogger mirrors successful mutating requests into the audit log as
// "<entity>.<create|update|delete>" unless the handler recorded a more
// specific action itself.
func AuditLogger(rec Auditor) fiber.Handler {
	return func(c *fiber.Ctx) error {
		method := c.Method()
		if method == fiber.MethodGet || method == fiber.MethodHead || method == fiber.MethodOptions {
			return c.Next()
		}

		path := c.Path()
		skipPaths := []string{"/api/auth/login", "/api/auth/logout", "/health"}
		for _, skip := range skipPaths {
			if strings.HasPrefix(path, skip) {
				return c.Next()
			}
		}

		err := c.Next()

		if audited, _ := c.Locals("audited").(bool); audited {
			return err
		}
		statusCode := c.Response().StatusCode()
		if err != nil || statusCode < 200 || statusCode >= 400 || GetCurrentUser(c) == nil {
			return err
		}

		entityType := getEntityTypeFromPath(path)
		if entityType == "" {
			return err
		}

		var verb string
		switch method {
		case fiber.MethodPost:
			verb = "create"
		case fiber.MethodPut, fiber.MethodPatch:
			verb = "update"
		case fiber.MethodDelete:
			verb = "delete"
		default:
			return err
		}

		rec.Record(ActorRecord(c, audit.Record{
			Action:     entityType + "." + verb,
			TargetType: entityType,
			TargetID:   extractIDFromPath(path),
			Metadata:   map[string]interface{}{"method": method, "path": path},
		}))
		return err
	}
}

// extractIDFromPath gets the numeric ID from URL path
func extractIDFromPath(path string) string {
	matches := idRegex.FindStringSubmatch(path)
	if len(matches) > 1 {
		return matches[1]
	}
	return ""
}

func getEntityTypeFromPath(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/api/"), "/")
	if len(parts) == 0 {
		return ""
	}

	entityMap := map[string]string{
		"vpn-nodes":    "vpn_node",
		"sessions":     "session",
		"resellers":    "reseller",
		"credits":      "credits",
		"invoices":     "invoice",
		"entitlements": "entitlement",
		"certificates": "certificate",
		"crl":          "crl",
		"audit-logs":   "audit_log",
	}

	if entity, ok := entityMap[parts[0]]; ok {
		return entity
	}
	return ""
}
