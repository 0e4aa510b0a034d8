package ldap

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
)

// KerberosConfig selects the credentials for GSSAPI binds.
type KerberosConfig struct {
	Username string // Principal name, optionally user@REALM
	Password string
	Realm    string
	Keytab   string // Keytab path
	CCache   string // Credential cache path
	Krb5Conf string `default:"/etc/krb5.conf"`
	SPN      string // Overrides the ldap/<host> service principal

	// Used to generate a krb5.conf when Krb5Conf does not exist.
	Domain         string
	DNSLookupKDC   bool
	DNSLookupRealm bool
}

// prepare derives the realm from user@REALM principals and validates the
// configuration.
func (k *KerberosConfig) prepare() error {
	if err := defaults.Set(k); err != nil {
		return fmt.Errorf("applying kerberos defaults: %w", err)
	}

	if k.Realm == "" && strings.Contains(k.Username, "@") {
		parts := strings.Split(k.Username, "@")
		if len(parts) == 2 {
			k.Username = parts[0]
			k.Realm = parts[1]
		}
	}

	if k.Realm == "" && k.Domain != "" {
		k.Realm = extractRealmFromDomain(k.Domain)
	}

	if k.CCache != "" {
		return nil
	}

	if k.Realm == "" {
		return fmt.Errorf("kerberos realm is required (set Realm or use user@REALM)")
	}

	if k.Username == "" {
		return fmt.Errorf("username (principal) is required for Kerberos authentication")
	}

	return nil
}

// NewKerberosClient creates a GSSAPI client from the configured credentials.
// Priority order: credential cache, default credential cache, keytab,
// default keytab, password.
//
// A krb5.conf relying on DNS discovery is generated when cfg.Krb5Conf does
// not exist and a realm is known.
func NewKerberosClient(ctx context.Context, cfg KerberosConfig) (ldap.GSSAPIClient, error) {
	if err := cfg.prepare(); err != nil {
		return nil, newConfigurationError("kerberos", err)
	}

	if !fileExists(cfg.Krb5Conf) {
		if cfg.Realm == "" {
			return nil, newConfigurationError("kerberos",
				fmt.Errorf("kerberos configuration file not found at %s", cfg.Krb5Conf))
		}
		path, err := writeRuntimeKrb5Conf(ctx, cfg)
		if err != nil {
			return nil, newConfigurationError("kerberos", err)
		}
		defer os.Remove(path)
		cfg.Krb5Conf = path
	}

	if cfg.CCache != "" && fileExists(cfg.CCache) {
		return gssapi.NewClientFromCCache(cfg.CCache, cfg.Krb5Conf, krb5client.DisablePAFXFAST(true))
	}

	if defaultCCache := getDefaultCCachePath(); fileExists(defaultCCache) {
		return gssapi.NewClientFromCCache(defaultCCache, cfg.Krb5Conf, krb5client.DisablePAFXFAST(true))
	}

	if cfg.Keytab != "" && fileExists(cfg.Keytab) {
		return gssapi.NewClientWithKeytab(cfg.Username, cfg.Realm, cfg.Keytab, cfg.Krb5Conf, krb5client.DisablePAFXFAST(true))
	}

	if defaultKeytab := getDefaultKeytabPath(); cfg.Username != "" && fileExists(defaultKeytab) {
		return gssapi.NewClientWithKeytab(cfg.Username, cfg.Realm, defaultKeytab, cfg.Krb5Conf, krb5client.DisablePAFXFAST(true))
	}

	if cfg.Username != "" && cfg.Password != "" {
		return gssapi.NewClientWithPassword(cfg.Username, cfg.Realm, cfg.Password, cfg.Krb5Conf, krb5client.DisablePAFXFAST(true))
	}

	return nil, newConfigurationError("kerberos", fmt.Errorf("no suitable credentials found for Kerberos authentication"))
}

// GSSAPIMechanism binds with Kerberos through GSSAPI. It is not registered
// by default; pass it to WithSASLMechanism.
type GSSAPIMechanism struct {
	config    KerberosConfig
	newClient func(context.Context, KerberosConfig) (ldap.GSSAPIClient, error)
}

// NewGSSAPIMechanism creates a GSSAPI mechanism for the given credentials.
func NewGSSAPIMechanism(cfg KerberosConfig) *GSSAPIMechanism {
	return &GSSAPIMechanism{
		config:    cfg,
		newClient: NewKerberosClient,
	}
}

func (m *GSSAPIMechanism) Name() string { return MechanismGSSAPI }

func (m *GSSAPIMechanism) Negotiate(ctx context.Context, session *SASLSession) (*Response, error) {
	client, err := m.newClient(ctx, m.config)
	if err != nil {
		LogKerberosEvent(ctx, "ticket_acquisition_failed", map[string]any{"error": err.Error()})
		return nil, err
	}
	defer func() {
		_ = client.DeleteSecContext()
	}()

	spn, err := buildServicePrincipal(m.config.SPN, session.Server)
	if err != nil {
		return nil, newConfigurationError("kerberos", err)
	}

	LogKerberosEvent(ctx, "principal_resolved", map[string]any{"spn": spn})

	var (
		reqToken, recvToken []byte
		resp                *Response
	)
	needInit := true
	for {
		if needInit {
			reqToken, needInit, err = client.InitSecContext(spn, recvToken)
		} else {
			reqToken, err = client.NegotiateSaslAuth(recvToken, session.Credentials.AuthzID)
		}
		if err != nil {
			LogKerberosEvent(ctx, "authentication_failed", map[string]any{"error": err.Error()})
			return nil, newCategorizedError("bind", ErrorCategoryAuthentication, err)
		}

		resp, err = session.Exchange(ctx, reqToken)
		if err != nil {
			return nil, err
		}
		if !resp.OK() && !saslInProgress(resp) {
			return resp, nil
		}

		recvToken = resp.Result.ServerSASLCredentials
		if !needInit && len(recvToken) == 0 {
			break
		}
	}

	LogKerberosEvent(ctx, "context_established", map[string]any{
		"spn":    spn,
		"rounds": session.Rounds(),
	})
	return resp, nil
}

// buildServicePrincipal returns the LDAP service principal for a server.
// A non-empty override is returned as-is.
func buildServicePrincipal(override string, server *Server) (string, error) {
	if override != "" {
		return override, nil
	}

	if server == nil || server.Host == "" {
		return "", fmt.Errorf("hostname is required for service principal")
	}

	return "ldap/" + server.Host, nil
}

// getDefaultCCachePath returns the default credential cache location.
func getDefaultCCachePath() string {
	if ccache := os.Getenv("KRB5CCNAME"); ccache != "" {
		return strings.TrimPrefix(ccache, "FILE:")
	}
	return fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
}

// getDefaultKeytabPath returns the default keytab location.
func getDefaultKeytabPath() string {
	if keytab := os.Getenv("KRB5_KTNAME"); keytab != "" {
		return strings.TrimPrefix(keytab, "FILE:")
	}
	return "/etc/krb5.keytab"
}

// fileExists checks if a file exists and is readable.
func fileExists(path string) bool {
	if path == "" {
		return false
	}
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	file.Close()
	return true
}
