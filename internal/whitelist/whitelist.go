package whitelist

import (
	"strings"

	"github.com/mikey/llm-meeting-coordinator/internal/identity"
	"go.uber.org/zap"
)

// Checker decides which sender domains may start a coordination
type Checker struct {
	domains []string
	logger  *zap.Logger
}

// NewChecker creates a new domain checker. An entry starting with a dot
// matches every subdomain, so ".example.com" allows "eu.example.com".
func NewChecker(domains []string, logger *zap.Logger) *Checker {
	normalizedDomains := make([]string, 0, len(domains))
	for _, domain := range domains {
		if d := strings.ToLower(strings.TrimSpace(domain)); d != "" {
			normalizedDomains = append(normalizedDomains, d)
		}
	}

	if len(normalizedDomains) > 0 && logger != nil {
		logger.Info("Initialized domain allow-list", zap.Strings("domains", normalizedDomains))
	}

	return &Checker{
		domains: normalizedDomains,
		logger:  logger,
	}
}

// Enabled reports whether any domains are configured
func (c *Checker) Enabled() bool {
	return len(c.domains) > 0
}

// Allows reports whether the sender may start a coordination. With no
// configured domains every sender is allowed.
func (c *Checker) Allows(from string) bool {
	if len(c.domains) == 0 {
		return true
	}

	domain := identity.Domain(identity.NormalizeAddress(from))
	if domain == "" {
		return false
	}

	for _, allowed := range c.domains {
		if allowed == domain || (strings.HasPrefix(allowed, ".") && strings.HasSuffix(domain, allowed)) {
			return true
		}
	}

	if c.logger != nil {
		c.logger.Debug("Sender domain not allowed",
			zap.String("domain", domain),
			zap.String("email", from))
	}
	return false
}
