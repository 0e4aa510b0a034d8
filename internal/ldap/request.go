package ldap

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// MessageID correlates a request with its responses on one connection.
type MessageID int64

// OperationKind enumerates the protocol operations a client can issue.
type OperationKind int

const (
	OpBind OperationKind = iota
	OpUnbind
	OpSearch
	OpModify
	OpAdd
	OpDelete
	OpModifyDN
	OpCompare
	OpAbandon
	OpExtended
)

// String returns string representation of the operation kind.
func (k OperationKind) String() string {
	switch k {
	case OpBind:
		return "bind"
	case OpUnbind:
		return "unbind"
	case OpSearch:
		return "search"
	case OpModify:
		return "modify"
	case OpAdd:
		return "add"
	case OpDelete:
		return "delete"
	case OpModifyDN:
		return "modify_dn"
	case OpCompare:
		return "compare"
	case OpAbandon:
		return "abandon"
	case OpExtended:
		return "extended"
	default:
		return fmt.Sprintf("operation(%d)", int(k))
	}
}

// tag returns the application tag that carries this kind of request.
func (k OperationKind) tag() (ber.Tag, error) {
	switch k {
	case OpBind:
		return ldap.ApplicationBindRequest, nil
	case OpUnbind:
		return ldap.ApplicationUnbindRequest, nil
	case OpSearch:
		return ldap.ApplicationSearchRequest, nil
	case OpModify:
		return ldap.ApplicationModifyRequest, nil
	case OpAdd:
		return ldap.ApplicationAddRequest, nil
	case OpDelete:
		return ldap.ApplicationDelRequest, nil
	case OpModifyDN:
		return ldap.ApplicationModifyDNRequest, nil
	case OpCompare:
		return ldap.ApplicationCompareRequest, nil
	case OpAbandon:
		return ldap.ApplicationAbandonRequest, nil
	case OpExtended:
		return ldap.ApplicationExtendedRequest, nil
	default:
		return 0, newInternalError("encode", fmt.Errorf("%w: %d", ErrUnknownOperation, int(k)))
	}
}

// expectsResponse reports whether the server answers this kind of request.
func (k OperationKind) expectsResponse() bool {
	return k != OpUnbind && k != OpAbandon
}

// replayable reports whether re-issuing the request after a lost
// connection cannot change directory state.
func (k OperationKind) replayable() bool {
	switch k {
	case OpBind, OpSearch, OpCompare:
		return true
	default:
		return false
	}
}

// Request is a typed protocol request ready for encoding.
type Request interface {
	Kind() OperationKind
	encode() (*ber.Packet, error)
}

// Attribute selectors for SearchRequest.Attributes.
const (
	NoAttributes             = "1.1"
	AllUserAttributes        = "*"
	AllOperationalAttributes = "+"
)

// SearchScope defines LDAP search scope.
type SearchScope int

const (
	ScopeBaseObject SearchScope = iota
	ScopeSingleLevel
	ScopeWholeSubtree
)

// String returns string representation of the search scope.
func (s SearchScope) String() string {
	switch s {
	case ScopeBaseObject:
		return "base"
	case ScopeSingleLevel:
		return "onelevel"
	case ScopeWholeSubtree:
		return "subtree"
	default:
		return "unknown"
	}
}

// DerefAliases defines alias dereferencing behavior.
type DerefAliases int

const (
	NeverDerefAliases DerefAliases = iota
	DerefInSearching
	DerefFindingBaseObj
	DerefAlways
)

// BindRequest authenticates the session. A non-empty Mechanism selects a
// SASL bind; otherwise Name and Password form a simple bind.
type BindRequest struct {
	Name        string
	Password    string
	Mechanism   string
	Credentials []byte
}

func (r *BindRequest) Kind() OperationKind { return OpBind }

func (r *BindRequest) encode() (*ber.Packet, error) {
	pkt := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ldap.ApplicationBindRequest, nil, "Bind Request")
	pkt.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, 3, "Version"))
	pkt.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, r.Name, "User Name"))

	if r.Mechanism == "" {
		pkt.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 0, r.Password, "Password"))
		return pkt, nil
	}

	auth := ber.Encode(ber.ClassContext, ber.TypeConstructed, 3, nil, "authentication")
	auth.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, r.Mechanism, "SASL Mech"))
	if r.Credentials != nil {
		auth.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, string(r.Credentials), "Credentials"))
	}
	pkt.AppendChild(auth)
	return pkt, nil
}

// UnbindRequest ends the session. The server sends no response.
type UnbindRequest struct{}

func (r *UnbindRequest) Kind() OperationKind { return OpUnbind }

func (r *UnbindRequest) encode() (*ber.Packet, error) {
	return ber.Encode(ber.ClassApplication, ber.TypePrimitive, ldap.ApplicationUnbindRequest, nil, "Unbind Request"), nil
}

// SearchRequest encapsulates LDAP search parameters.
type SearchRequest struct {
	BaseDN       string
	Scope        SearchScope
	DerefAliases DerefAliases
	SizeLimit    int
	TimeLimit    time.Duration
	TypesOnly    bool
	Filter       string   // Empty selects (objectClass=*)
	Attributes   []string // Empty requests no attributes
}

func (r *SearchRequest) Kind() OperationKind { return OpSearch }

// normalized returns a copy with the filter and attribute defaults applied.
func (r *SearchRequest) normalized() *SearchRequest {
	out := *r
	if strings.TrimSpace(out.Filter) == "" {
		out.Filter = "(objectClass=*)"
	}
	if len(out.Attributes) == 0 {
		out.Attributes = []string{NoAttributes}
	} else {
		out.Attributes = slices.Clone(out.Attributes)
	}
	return &out
}

// validate compiles the filter so malformed filters fail before any I/O.
func (r *SearchRequest) validate() error {
	if r.Scope < ScopeBaseObject || r.Scope > ScopeWholeSubtree {
		return fmt.Errorf("invalid search scope: %d", r.Scope)
	}
	if r.DerefAliases < NeverDerefAliases || r.DerefAliases > DerefAlways {
		return fmt.Errorf("invalid alias dereferencing: %d", r.DerefAliases)
	}
	if r.SizeLimit < 0 || r.TimeLimit < 0 {
		return fmt.Errorf("search limits cannot be negative")
	}
	if _, err := ldap.CompileFilter(r.normalized().Filter); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}
	return nil
}

func (r *SearchRequest) encode() (*ber.Packet, error) {
	req := r.normalized()

	filter, err := ldap.CompileFilter(req.Filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}

	pkt := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ldap.ApplicationSearchRequest, nil, "Search Request")
	pkt.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, req.BaseDN, "Base DN"))
	pkt.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(req.Scope), "Scope"))
	pkt.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(req.DerefAliases), "Deref Aliases"))
	pkt.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(req.SizeLimit), "Size Limit"))
	pkt.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(req.TimeLimit/time.Second), "Time Limit"))
	pkt.AppendChild(ber.NewLDAPBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, req.TypesOnly, "Types Only"))
	pkt.AppendChild(filter)

	attributes := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Attributes")
	for _, attribute := range req.Attributes {
		attributes.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, attribute, "Attribute"))
	}
	pkt.AppendChild(attributes)
	return pkt, nil
}

// CompareRequest asserts an attribute value on an entry.
type CompareRequest struct {
	DN        string
	Attribute string
	Value     string
}

func (r *CompareRequest) Kind() OperationKind { return OpCompare }

func (r *CompareRequest) encode() (*ber.Packet, error) {
	pkt := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ldap.ApplicationCompareRequest, nil, "Compare Request")
	pkt.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, r.DN, "DN"))

	ava := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "AttributeValueAssertion")
	ava.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, r.Attribute, "AttributeDesc"))
	ava.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, r.Value, "AssertionValue"))
	pkt.AppendChild(ava)
	return pkt, nil
}

// AddRequest encapsulates LDAP add parameters.
type AddRequest struct {
	DN         string
	Attributes map[string][]string
}

func (r *AddRequest) Kind() OperationKind { return OpAdd }

func (r *AddRequest) validate() error {
	for name, values := range r.Attributes {
		if strings.EqualFold(name, "objectClass") && len(values) > 0 {
			return nil
		}
	}
	return newUsageError("add", ErrObjectClassRequired)
}

func (r *AddRequest) encode() (*ber.Packet, error) {
	pkt := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ldap.ApplicationAddRequest, nil, "Add Request")
	pkt.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, r.DN, "DN"))

	attributes := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Attributes")
	for _, name := range sortedKeys(r.Attributes) {
		attributes.AppendChild(encodeAttribute(name, r.Attributes[name]))
	}
	pkt.AppendChild(attributes)
	return pkt, nil
}

// DeleteRequest removes a leaf entry.
type DeleteRequest struct {
	DN string
}

func (r *DeleteRequest) Kind() OperationKind { return OpDelete }

func (r *DeleteRequest) encode() (*ber.Packet, error) {
	return ber.NewString(ber.ClassApplication, ber.TypePrimitive, ldap.ApplicationDelRequest, r.DN, "Del Request"), nil
}

// ChangeType is the kind of one modify change.
type ChangeType int

const (
	ChangeAdd       ChangeType = 0
	ChangeDelete    ChangeType = 1
	ChangeReplace   ChangeType = 2
	ChangeIncrement ChangeType = 3
)

// String returns string representation of the change type.
func (c ChangeType) String() string {
	switch c {
	case ChangeAdd:
		return "add"
	case ChangeDelete:
		return "delete"
	case ChangeReplace:
		return "replace"
	case ChangeIncrement:
		return "increment"
	default:
		return fmt.Sprintf("change(%d)", int(c))
	}
}

// ParseChangeType maps a change name to its ChangeType.
func ParseChangeType(name string) (ChangeType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "add", "modify_add":
		return ChangeAdd, nil
	case "delete", "modify_delete":
		return ChangeDelete, nil
	case "replace", "modify_replace":
		return ChangeReplace, nil
	case "increment", "modify_increment":
		return ChangeIncrement, nil
	default:
		return 0, newUsageError("parse_change", fmt.Errorf("%w: unknown change type %q", ErrMalformedChange, name))
	}
}

// Change is one {kind, values} modification of an attribute.
type Change struct {
	Type      ChangeType
	Attribute string
	Values    []string
}

// validate enforces the change-list shape before anything is sent.
func (c Change) validate() error {
	if c.Type < ChangeAdd || c.Type > ChangeIncrement {
		return fmt.Errorf("%w: attribute %q has unknown change type %d", ErrMalformedChange, c.Attribute, int(c.Type))
	}
	if strings.TrimSpace(c.Attribute) == "" {
		return fmt.Errorf("%w: change without attribute", ErrMalformedChange)
	}
	if c.Type == ChangeIncrement && len(c.Values) != 1 {
		return fmt.Errorf("%w: increment of %q needs exactly one value", ErrMalformedChange, c.Attribute)
	}
	return nil
}

// ModifyRequest applies an ordered change list to one entry.
type ModifyRequest struct {
	DN      string
	Changes []Change
}

func (r *ModifyRequest) Kind() OperationKind { return OpModify }

func (r *ModifyRequest) validate() error {
	if len(r.Changes) == 0 {
		return ErrNoChanges
	}
	for _, change := range r.Changes {
		if err := change.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (r *ModifyRequest) encode() (*ber.Packet, error) {
	pkt := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ldap.ApplicationModifyRequest, nil, "Modify Request")
	pkt.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, r.DN, "DN"))

	changes := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Changes")
	for _, change := range r.Changes {
		seq := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Change")
		seq.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(change.Type), "Operation"))
		seq.AppendChild(encodeAttribute(change.Attribute, change.Values))
		changes.AppendChild(seq)
	}
	pkt.AppendChild(changes)
	return pkt, nil
}

// ModifyDNRequest renames an entry and optionally moves it.
type ModifyDNRequest struct {
	DN           string
	NewRDN       string
	DeleteOldRDN bool
	NewSuperior  string
}

func (r *ModifyDNRequest) Kind() OperationKind { return OpModifyDN }

// validate rejects a move whose new relative name differs from the entry's
// current one. Renames without a new superior are left to the server.
func (r *ModifyDNRequest) validate() error {
	if r.NewRDN == "" {
		return newUsageError("modify_dn", fmt.Errorf("%w: new RDN is empty", ErrInvalidRename))
	}
	if r.NewSuperior == "" {
		return nil
	}

	dn, err := ldap.ParseDN(r.DN)
	if err != nil {
		return newUsageError("modify_dn", fmt.Errorf("%w: %w", ErrInvalidRename, err))
	}
	rdn, err := ldap.ParseDN(r.NewRDN)
	if err != nil {
		return newUsageError("modify_dn", fmt.Errorf("%w: %w", ErrInvalidRename, err))
	}
	if len(dn.RDNs) == 0 || len(rdn.RDNs) != 1 || !dn.RDNs[0].EqualFold(rdn.RDNs[0]) {
		return newUsageError("modify_dn",
			fmt.Errorf("%w: %q does not start with %q", ErrInvalidRename, r.DN, r.NewRDN))
	}
	return nil
}

func (r *ModifyDNRequest) encode() (*ber.Packet, error) {
	pkt := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ldap.ApplicationModifyDNRequest, nil, "Modify DN Request")
	pkt.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, r.DN, "DN"))
	pkt.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, r.NewRDN, "New RDN"))
	pkt.AppendChild(ber.NewLDAPBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, r.DeleteOldRDN, "Delete old RDN"))
	if r.NewSuperior != "" {
		pkt.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 0, r.NewSuperior, "New Superior"))
	}
	return pkt, nil
}

// AbandonRequest asks the server to stop processing an outstanding request.
type AbandonRequest struct {
	MessageID MessageID
}

func (r *AbandonRequest) Kind() OperationKind { return OpAbandon }

func (r *AbandonRequest) encode() (*ber.Packet, error) {
	return ber.NewInteger(ber.ClassApplication, ber.TypePrimitive, ldap.ApplicationAbandonRequest, int64(r.MessageID), "Abandon Request"), nil
}

// ExtendedRequest carries an extended operation identified by OID.
type ExtendedRequest struct {
	Name  string
	Value []byte
}

func (r *ExtendedRequest) Kind() OperationKind { return OpExtended }

func (r *ExtendedRequest) encode() (*ber.Packet, error) {
	if r.Name == "" {
		return nil, fmt.Errorf("extended request requires a name")
	}
	pkt := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ldap.ApplicationExtendedRequest, nil, "Extended Request")
	pkt.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 0, r.Name, "Extended Request Name"))
	if r.Value != nil {
		pkt.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 1, string(r.Value), "Extended Request Value"))
	}
	return pkt, nil
}

func encodeAttribute(name string, values []string) *ber.Packet {
	seq := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Attribute")
	seq.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, name, "Type"))
	set := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSet, nil, "AttributeValue")
	for _, value := range values {
		set.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, value, "Vals"))
	}
	seq.AppendChild(set)
	return seq
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
