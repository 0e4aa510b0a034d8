package ldap

import (
	"context"
	"regexp"
	"strings"
)

// Extended operation OIDs.
const (
	OIDWhoAmI   = "1.3.6.1.4.1.4203.1.11.3"
	OIDStartTLS = "1.3.6.1.4.1.1466.20037"
)

var (
	dnPattern  = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]*=.*`)
	sidPattern = regexp.MustCompile(`^S-\d+-\d+-\d+(-\d+)*$`)
)

// WhoAmIResult represents the result of a Who Am I? extended operation.
type WhoAmIResult struct {
	AuthzID string // Raw authorization ID returned by the server
	Format  string // dn, upn, sam, sid, empty or unknown

	DN                string
	UserPrincipalName string
	SAMAccountName    string
	SID               string
}

// WhoAmI returns the authorization identity of the session. A non-success
// result is returned as an error.
func (c *Connection) WhoAmI(ctx context.Context) (*WhoAmIResult, error) {
	resp, err := c.Extended(ctx, OIDWhoAmI, nil)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}

	result := &WhoAmIResult{AuthzID: string(resp.Result.ResponseValue)}
	parseAuthzID(result)
	return result, nil
}

// parseAuthzID classifies the authorization ID and extracts its identity.
func parseAuthzID(result *WhoAmIResult) {
	if result.AuthzID == "" {
		result.Format = "empty"
		return
	}

	id := strings.TrimPrefix(strings.TrimPrefix(result.AuthzID, "dn:"), "u:")

	switch {
	case strings.HasPrefix(result.AuthzID, "dn:") || dnPattern.MatchString(id):
		result.Format = "dn"
		result.DN = id
	case strings.Contains(id, "@") && !strings.Contains(id, `\`):
		result.Format = "upn"
		result.UserPrincipalName = id
	case strings.Contains(id, `\`) && !strings.HasPrefix(id, "S-"):
		result.Format = "sam"
		result.SAMAccountName = id
	case sidPattern.MatchString(id):
		result.Format = "sid"
		result.SID = id
	default:
		result.Format = "unknown"
	}
}

// StartTLS upgrades the open transport to TLS. It needs a strategy without
// a background reader; otherwise it fails before sending anything.
func (c *Connection) StartTLS(ctx context.Context) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.strategy.(tlsStarter); !ok || c.strategy.Async() {
		return nil, newUsageError("start_tls", ErrStartTLSUnsupported)
	}
	if c.tlsStarted.Load() {
		return nil, newUsageError("start_tls", ErrTLSActive)
	}
	if err := c.ensureOpenLocked(ctx); err != nil {
		return nil, err
	}
	if server := c.strategy.Server(); server != nil && server.UseTLS {
		return nil, newUsageError("start_tls", ErrTLSActive)
	}

	resp, err := startTLS(ctx, c.strategy)
	if err != nil {
		LogLDAPError(c.logCtx, subsystemLDAP, "start_tls", err, nil)
		return nil, err
	}
	if !resp.OK() {
		return resp, nil
	}

	c.tlsStarted.Store(true)
	LogConnectionEvent(c.logCtx, "tls_started", map[string]any{
		"server_url": c.strategy.Server().URL(),
	})

	c.refreshCapabilities(ctx)
	return resp, nil
}

// startTLS sends the StartTLS request on s and upgrades its transport when
// the server agrees.
func startTLS(ctx context.Context, s Strategy) (*Response, error) {
	starter, ok := s.(tlsStarter)
	if !ok {
		return nil, newUsageError("start_tls", ErrStartTLSUnsupported)
	}

	resp, err := call(ctx, s, &ExtendedRequest{Name: OIDStartTLS}, nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return resp, nil
	}

	if err := starter.upgradeTLS(ctx); err != nil {
		return nil, err
	}
	return resp, nil
}
