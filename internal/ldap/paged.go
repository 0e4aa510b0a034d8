package ldap

import (
	"context"
	"fmt"
	"iter"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// DefaultPageSize is used when a paged search is given a zero page size.
const DefaultPageSize = 1000

// Searcher runs one search with request controls.
type Searcher interface {
	Search(ctx context.Context, req *SearchRequest, controls ...ldap.Control) (*Response, error)
}

// pagingControl is the simple paged results control with criticality.
type pagingControl struct {
	size     uint32
	critical bool
	cookie   []byte
}

func (c *pagingControl) GetControlType() string {
	return ldap.ControlTypePaging
}

func (c *pagingControl) Encode() *ber.Packet {
	packet := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Control")
	packet.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, ldap.ControlTypePaging, "Control Type (Paging)"))
	if c.critical {
		packet.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, true, "Criticality"))
	}

	value := ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, nil, "Control Value (Paging)")
	seq := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Search Control Value")
	seq.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(c.size), "Paging Size"))
	seq.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, string(c.cookie), "Cookie"))
	value.AppendChild(seq)
	packet.AppendChild(value)
	return packet
}

func (c *pagingControl) String() string {
	return fmt.Sprintf("Control Type: Paging (%q)  Criticality: %t  PagingSize: %d  Cookie: %q",
		ldap.ControlTypePaging, c.critical, c.size, c.cookie)
}

// responseCookie returns the cookie of the paging control in resp, or nil
// when the server sent none.
func responseCookie(resp *Response) []byte {
	control, ok := resp.Control(ldap.ControlTypePaging).(*ldap.ControlPaging)
	if !ok {
		return nil
	}
	return control.Cookie
}

// PagedSearch yields the entries of a search one page at a time. Entries
// arrive in server order, page after page. Iteration stops after the first
// page whose response carries an empty cookie, or at the first error. The
// sequence cannot be restarted; a new search starts from the first page.
func PagedSearch(ctx context.Context, s Searcher, req *SearchRequest, pageSize uint32, critical bool) iter.Seq2[*ldap.Entry, error] {
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}

	return func(yield func(*ldap.Entry, error) bool) {
		control := &pagingControl{size: pageSize, critical: critical}

		for page := 1; ; page++ {
			resp, err := s.Search(ctx, req, control)
			if err != nil {
				yield(nil, err)
				return
			}
			if err := resp.Err(); err != nil {
				yield(nil, err)
				return
			}

			tflog.SubsystemDebug(ctx, subsystemLDAP, "Paged search page received", map[string]any{
				"base_dn": req.BaseDN,
				"page":    page,
				"entries": len(resp.Entries),
			})

			for _, entry := range resp.Entries {
				if !yield(entry, nil) {
					return
				}
			}

			cookie := responseCookie(resp)
			if len(cookie) == 0 {
				return
			}
			control.cookie = cookie
		}
	}
}

// PagedSearchAll drains PagedSearch and returns every entry in order.
func PagedSearchAll(ctx context.Context, s Searcher, req *SearchRequest, pageSize uint32, critical bool) ([]*ldap.Entry, error) {
	var entries []*ldap.Entry
	for entry, err := range PagedSearch(ctx, s, req, pageSize, critical) {
		if err != nil {
			return entries, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
