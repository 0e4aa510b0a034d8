package ldap

import (
	"slices"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// ServerCapabilities summarises the root DSE of a server.
type ServerCapabilities struct {
	NamingContexts          []string
	DefaultNamingContext    string
	SupportedLDAPVersions   []string
	SupportedSASLMechanisms []string
	SupportedControls       []string
	SupportedExtensions     []string
	VendorName              string
	VendorVersion           string
	Refreshed               time.Time
}

// rootDSEAttributes are the root DSE attributes read by a capability refresh.
var rootDSEAttributes = []string{
	"namingContexts",
	"defaultNamingContext",
	"supportedLDAPVersion",
	"supportedSASLMechanisms",
	"supportedControl",
	"supportedExtension",
	"vendorName",
	"vendorVersion",
}

// rootDSERequest returns the base-object search of the root DSE.
func rootDSERequest(attributes ...string) *SearchRequest {
	if len(attributes) == 0 {
		attributes = rootDSEAttributes
	}
	return &SearchRequest{
		BaseDN:     "",
		Scope:      ScopeBaseObject,
		SizeLimit:  1,
		Filter:     "(objectClass=*)",
		Attributes: attributes,
	}
}

// parseCapabilities builds ServerCapabilities from a root DSE entry.
func parseCapabilities(entry *ldap.Entry) *ServerCapabilities {
	if entry == nil {
		return nil
	}

	return &ServerCapabilities{
		NamingContexts:          entry.GetAttributeValues("namingContexts"),
		DefaultNamingContext:    entry.GetAttributeValue("defaultNamingContext"),
		SupportedLDAPVersions:   entry.GetAttributeValues("supportedLDAPVersion"),
		SupportedSASLMechanisms: entry.GetAttributeValues("supportedSASLMechanisms"),
		SupportedControls:       entry.GetAttributeValues("supportedControl"),
		SupportedExtensions:     entry.GetAttributeValues("supportedExtension"),
		VendorName:              entry.GetAttributeValue("vendorName"),
		VendorVersion:           entry.GetAttributeValue("vendorVersion"),
		Refreshed:               time.Now(),
	}
}

// SupportsMechanism reports whether the server advertises a SASL mechanism.
func (c *ServerCapabilities) SupportsMechanism(name string) bool {
	if c == nil {
		return false
	}
	return slices.ContainsFunc(c.SupportedSASLMechanisms, func(m string) bool {
		return strings.EqualFold(m, name)
	})
}

// SupportsControl reports whether the server advertises a control OID.
func (c *ServerCapabilities) SupportsControl(oid string) bool {
	return c != nil && slices.Contains(c.SupportedControls, oid)
}

// SupportsExtension reports whether the server advertises an extended operation OID.
func (c *ServerCapabilities) SupportsExtension(oid string) bool {
	return c != nil && slices.Contains(c.SupportedExtensions, oid)
}
