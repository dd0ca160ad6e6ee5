package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// IPAllowlist restricts operator endpoints to localhost plus a configured
// set of IPs or CIDR ranges.
type IPAllowlist struct {
	allowed []string
}

func NewIPAllowlist(allowed []string) *IPAllowlist {
	return &IPAllowlist{allowed: allowed}
}

// Restrict rejects requests from outside the allowlist. Loopback always
// passes so local operator tooling keeps working with an empty config.
func (l *IPAllowlist) Restrict() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if l.isAllowed(clientIP) {
			c.Next()
			return
		}

		remoteIP, _, _ := net.SplitHostPort(c.Request.RemoteAddr)
		if remoteIP != clientIP && isLoopback(remoteIP) {
			// Direct local connection behind a misconfigured proxy header.
			c.Next()
			return
		}

		logrus.WithFields(logrus.Fields{
			"client_ip": clientIP,
			"remote_ip": remoteIP,
			"path":      c.Request.URL.Path,
		}).Warn("Rejected non-allowlisted access to operator endpoint")

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"success": false,
			"error":   "this endpoint is only accessible from allowed addresses",
		})
	}
}

func (l *IPAllowlist) isAllowed(ip string) bool {
	if isLoopback(ip) {
		return true
	}

	parsed := net.ParseIP(ip)
	for _, allowed := range l.allowed {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		if strings.Contains(allowed, "/") {
			_, ipNet, err := net.ParseCIDR(allowed)
			if err != nil {
				logrus.WithField("cidr", allowed).Warn("Invalid CIDR in admin allowlist")
				continue
			}
			if parsed != nil && ipNet.Contains(parsed) {
				return true
			}
			continue
		}
		if allowed == ip {
			return true
		}
		if allowedIP := net.ParseIP(allowed); allowedIP != nil && parsed != nil && allowedIP.Equal(parsed) {
			return true
		}
	}
	return false
}

func isLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip == "localhost"
	}
	return parsed.IsLoopback()
}
