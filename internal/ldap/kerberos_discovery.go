package ldap

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	krb5config "github.com/jcmturner/gokrb5/v8/config"
)

// generateRuntimeKrb5Conf renders a krb5.conf for a realm whose KDCs are
// located through DNS SRV records. The result is parsed back with the
// Kerberos client's own loader before it is returned.
func generateRuntimeKrb5Conf(ctx context.Context, cfg KerberosConfig) (string, error) {
	if cfg.Realm == "" {
		return "", fmt.Errorf("kerberos realm is required for auto-discovery")
	}

	realm := strings.ToUpper(cfg.Realm)
	domain := strings.ToLower(strings.TrimSuffix(cmp.Or(cfg.Domain, cfg.Realm), "."))

	tflog.SubsystemDebug(ctx, subsystemKerberos, "Generating runtime krb5.conf", map[string]any{
		"realm":            realm,
		"domain":           domain,
		"dns_lookup_kdc":   cfg.DNSLookupKDC,
		"dns_lookup_realm": cfg.DNSLookupRealm,
	})

	var b strings.Builder
	b.WriteString("[libdefaults]\n")
	for _, kv := range [][2]string{
		{"default_realm", realm},
		{"dns_lookup_kdc", strconv.FormatBool(cfg.DNSLookupKDC)},
		{"dns_lookup_realm", strconv.FormatBool(cfg.DNSLookupRealm)},
		{"rdns", "false"},
		{"forwardable", "true"},
		{"ticket_lifetime", "24h"},
		{"renew_lifetime", "7d"},
	} {
		fmt.Fprintf(&b, "    %s = %s\n", kv[0], kv[1])
	}

	// No kdc entries: the client resolves _kerberos SRV records instead.
	fmt.Fprintf(&b, "\n[realms]\n    %s = {\n    }\n", realm)
	fmt.Fprintf(&b, "\n[domain_realm]\n    .%s = %s\n    %s = %s\n", domain, realm, domain, realm)

	conf := b.String()
	if _, err := krb5config.NewFromString(conf); err != nil {
		return "", fmt.Errorf("generated krb5.conf is invalid: %w", err)
	}
	return conf, nil
}

// writeRuntimeKrb5Conf writes a generated krb5.conf to a temporary file.
// The caller removes the file once the Kerberos client has loaded it.
func writeRuntimeKrb5Conf(ctx context.Context, cfg KerberosConfig) (string, error) {
	config, err := generateRuntimeKrb5Conf(ctx, cfg)
	if err != nil {
		return "", err
	}

	file, err := os.CreateTemp("", "ldapconn-krb5-*.conf")
	if err != nil {
		return "", fmt.Errorf("creating runtime krb5.conf: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteString(config); err != nil {
		_ = os.Remove(file.Name())
		return "", fmt.Errorf("writing runtime krb5.conf: %w", err)
	}

	LogKerberosEvent(ctx, "runtime_config_generated", map[string]any{
		"path":  file.Name(),
		"realm": strings.ToUpper(cfg.Realm),
	})
	return file.Name(), nil
}

// extractRealmFromDomain derives a Kerberos realm from a DNS domain name.
func extractRealmFromDomain(domain string) string {
	return strings.ToUpper(strings.TrimSuffix(domain, "."))
}
