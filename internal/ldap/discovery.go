package ldap

import (
	"cmp"
	"context"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// SRVLookupFunc resolves the SRV records published under a full service
// name such as _ldap._tcp.example.com.
type SRVLookupFunc func(ctx context.Context, service string) ([]*net.SRV, error)

// SRVDiscovery builds server pools from DNS SRV records.
type SRVDiscovery struct {
	ctx    context.Context // Logging context
	lookup SRVLookupFunc
}

// NewSRVDiscovery uses the default resolver.
func NewSRVDiscovery(ctx context.Context) *SRVDiscovery {
	return &SRVDiscovery{
		ctx: ctx,
		lookup: func(ctx context.Context, service string) ([]*net.SRV, error) {
			_, records, err := net.DefaultResolver.LookupSRV(ctx, "", "", service)
			return records, err
		},
	}
}

// Services in order of preference. Plain LDAP is only consulted when no
// LDAPS record is published.
var srvServices = []struct {
	prefix string
	useTLS bool
	port   int
}{
	{prefix: "_ldaps._tcp.", useTLS: true, port: DefaultTLSPort},
	{prefix: "_ldap._tcp.", useTLS: false, port: DefaultPort},
}

// DiscoverServers returns the servers advertised for domain, ordered by SRV
// priority then weight. When no usable record exists the domain itself is
// returned on the default LDAPS and LDAP ports.
func (d *SRVDiscovery) DiscoverServers(ctx context.Context, domain string) ([]*Server, error) {
	if domain == "" {
		return nil, newConfigurationError("discover", fmt.Errorf("%w: domain cannot be empty", ErrInvalidServer))
	}

	start := time.Now()
	var servers []*Server
	for _, svc := range srvServices {
		name := svc.prefix + domain
		records, err := d.lookup(ctx, name)
		if err != nil {
			tflog.SubsystemDebug(d.ctx, subsystemLDAP, "SRV lookup failed", map[string]any{
				"service": name,
				"error":   err.Error(),
			})
			continue
		}

		found := serversFromSRV(records, svc.useTLS)
		servers = append(servers, found...)
		if svc.useTLS && len(found) > 0 {
			break
		}
	}

	if len(servers) == 0 {
		servers = make([]*Server, 0, len(srvServices))
		for priority, svc := range srvServices {
			servers = append(servers, &Server{
				Host:     domain,
				Port:     svc.port,
				UseTLS:   svc.useTLS,
				Priority: priority,
				Weight:   100,
				Source:   "fallback",
			})
		}
	}

	sortServersByPriority(servers)

	tflog.SubsystemDebug(d.ctx, subsystemLDAP, "Server discovery completed", map[string]any{
		"domain":       domain,
		"source":       servers[0].Source,
		"server_count": len(servers),
		"duration_ms":  time.Since(start).Milliseconds(),
	})
	return servers, nil
}

// DiscoverPool wraps the discovered servers in a round-robin pool.
func (d *SRVDiscovery) DiscoverPool(ctx context.Context, domain string) (*ServerPool, error) {
	servers, err := d.DiscoverServers(ctx, domain)
	if err != nil {
		return nil, err
	}
	return NewServerPool(servers...)
}

// serversFromSRV converts records to servers, dropping targets that do not
// validate (the "." no-service target, port 0).
func serversFromSRV(records []*net.SRV, useTLS bool) []*Server {
	var servers []*Server
	for _, srv := range records {
		server := &Server{
			Host:     strings.TrimSuffix(srv.Target, "."),
			Port:     int(srv.Port),
			UseTLS:   useTLS,
			Priority: int(srv.Priority),
			Weight:   int(srv.Weight),
			Source:   "srv",
		}
		if server.IsValid() {
			servers = append(servers, server)
		}
	}
	return servers
}

// sortServersByPriority orders by ascending priority, then descending
// weight, keeping resolver order for ties.
func sortServersByPriority(servers []*Server) {
	slices.SortStableFunc(servers, func(a, b *Server) int {
		return cmp.Or(
			cmp.Compare(a.Priority, b.Priority),
			cmp.Compare(b.Weight, a.Weight),
		)
	})
}
