package ldap

import (
	"fmt"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// Result is the LDAPResult component shared by every response type.
type Result struct {
	Code       uint16
	MatchedDN  string
	Diagnostic string
	Referrals  []string

	// ServerSASLCredentials holds the challenge carried by a bind response.
	ServerSASLCredentials []byte

	// ResponseName and ResponseValue are set by extended responses.
	ResponseName  string
	ResponseValue []byte
}

// Success reports whether the result code is success.
func (r *Result) Success() bool {
	return r != nil && r.Code == ldap.LDAPResultSuccess
}

// Description returns the textual name of the result code.
func (r *Result) Description() string {
	if r == nil {
		return ""
	}
	if text, ok := ldap.LDAPResultCodeMap[r.Code]; ok {
		return text
	}
	return fmt.Sprintf("result code %d", r.Code)
}

// Message is one decoded PDU received from the server.
type Message struct {
	ID         MessageID
	Op         ber.Tag
	Entry      *ldap.Entry // Set for search result entries
	References []string    // Set for search result references
	Result     *Result     // Set for every final message
	Controls   []ldap.Control
}

// final reports whether no further messages follow for this id.
func (m *Message) final() bool {
	switch m.Op {
	case ldap.ApplicationSearchResultEntry, ldap.ApplicationSearchResultReference, ldap.ApplicationIntermediateResponse:
		return false
	default:
		return true
	}
}

// Response is the complete outcome of one operation.
type Response struct {
	ID         MessageID
	Kind       OperationKind
	Entries    []*ldap.Entry
	References []string
	Result     *Result
	Controls   []ldap.Control
}

// absorb folds a message into the response. It returns true when the
// message completes the response.
func (r *Response) absorb(msg *Message) bool {
	switch {
	case msg.Entry != nil:
		r.Entries = append(r.Entries, msg.Entry)
	case len(msg.References) > 0 && !msg.final():
		r.References = append(r.References, msg.References...)
	}

	if !msg.final() {
		return false
	}

	r.Result = msg.Result
	r.Controls = msg.Controls
	return true
}

// OK reports whether the server reported the expected outcome: success for
// most operations, compareTrue for compare.
func (r *Response) OK() bool {
	if r == nil || r.Result == nil {
		return false
	}
	if r.Kind == OpCompare {
		return r.Result.Code == ldap.LDAPResultCompareTrue
	}
	return r.Result.Code == ldap.LDAPResultSuccess
}

// Err converts a failed server result into an *LDAPError. It returns nil for
// success and for both compare outcomes.
func (r *Response) Err() error {
	if r == nil {
		return newInternalError("response", ErrNoResponse)
	}
	if err := NewResultError(r.Kind.String(), r.Result); err != nil {
		return err
	}
	return nil
}

// Control returns the response control with the given OID, or nil.
func (r *Response) Control(oid string) ldap.Control {
	if r == nil {
		return nil
	}
	return ldap.FindControl(r.Controls, oid)
}

// AllowedReferrals returns the referral URLs the server policy permits.
func (r *Response) AllowedReferrals(server *Server) []string {
	if r == nil || server == nil {
		return nil
	}

	var candidates []string
	if r.Result != nil {
		candidates = append(candidates, r.Result.Referrals...)
	}
	candidates = append(candidates, r.References...)

	var allowed []string
	for _, referral := range candidates {
		if server.AllowsReferral(referral) {
			allowed = append(allowed, referral)
		}
	}
	return allowed
}
