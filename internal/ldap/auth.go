package ldap

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// SASL mechanism names.
const (
	MechanismExternal  = "EXTERNAL"
	MechanismDigestMD5 = "DIGEST-MD5"
	MechanismGSSAPI    = "GSSAPI"
)

// bindExchange sends one bind request and returns its final response.
type bindExchange func(ctx context.Context, req *BindRequest) (*Response, error)

// SASLMechanism negotiates one SASL authentication.
type SASLMechanism interface {
	Name() string
	Negotiate(ctx context.Context, session *SASLSession) (*Response, error)
}

// SASLSession is the state of one negotiation. Mechanisms drive it through
// Exchange; each call is one bind round trip.
type SASLSession struct {
	Server      *Server
	Credentials SASLCredentials

	mechanism string
	exchange  bindExchange
	logCtx    context.Context
	rounds    int
}

// Exchange sends a bind naming the session's mechanism with the given
// credentials. A nil credentials slice omits the credentials field.
func (s *SASLSession) Exchange(ctx context.Context, credentials []byte) (*Response, error) {
	s.rounds++

	tflog.SubsystemTrace(s.logCtx, subsystemSASL, "Sending SASL bind", map[string]any{
		"mechanism": s.mechanism,
		"round":     s.rounds,
	})

	return s.exchange(ctx, &BindRequest{
		Mechanism:   s.mechanism,
		Credentials: credentials,
	})
}

// Rounds returns the number of bind requests sent so far.
func (s *SASLSession) Rounds() int {
	return s.rounds
}

// saslInProgress reports whether resp asks for another round trip.
func saslInProgress(resp *Response) bool {
	return resp != nil && resp.Result != nil && resp.Result.Code == ldap.LDAPResultSaslBindInProgress
}

// negotiator authenticates one connection.
type negotiator struct {
	mechanisms map[string]SASLMechanism
	inProgress atomic.Bool
}

func newNegotiator(extra ...SASLMechanism) *negotiator {
	n := &negotiator{mechanisms: make(map[string]SASLMechanism)}
	n.register(&ExternalMechanism{})
	n.register(NewDigestMD5Mechanism())
	for _, mechanism := range extra {
		n.register(mechanism)
	}
	return n
}

func (n *negotiator) register(mechanism SASLMechanism) {
	n.mechanisms[strings.ToUpper(mechanism.Name())] = mechanism
}

// mechanism returns the registered mechanism for name.
func (n *negotiator) mechanism(name string) (SASLMechanism, error) {
	mechanism, ok := n.mechanisms[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return nil, newConfigurationError("bind", fmt.Errorf("%w: %q", ErrUnsupportedMechanism, name))
	}
	return mechanism, nil
}

// bind authenticates using the configured method.
func (n *negotiator) bind(ctx context.Context, config *ConnectionConfig, server *Server, exchange bindExchange) (*Response, error) {
	switch method := config.ResolveAuthentication(); method {
	case AuthAnonymous:
		return exchange(ctx, &BindRequest{})
	case AuthSimple:
		return exchange(ctx, &BindRequest{Name: config.User, Password: config.Password})
	case AuthSASL:
		return n.negotiate(ctx, config.SASLMechanism, config.SASLCredentials, server, exchange)
	default:
		return nil, newInternalError("bind", fmt.Errorf("%w: %s", ErrUnknownAuthentication, method))
	}
}

// negotiate runs a SASL mechanism. A second negotiation on the same
// connection while one is running is rejected.
func (n *negotiator) negotiate(ctx context.Context, name string, credentials SASLCredentials, server *Server, exchange bindExchange) (*Response, error) {
	mechanism, err := n.mechanism(name)
	if err != nil {
		return nil, err
	}

	if !n.inProgress.CompareAndSwap(false, true) {
		return nil, newUsageError("bind", ErrSASLInProgress)
	}
	defer n.inProgress.Store(false)

	session := &SASLSession{
		Server:      server,
		Credentials: credentials,
		mechanism:   mechanism.Name(),
		exchange:    exchange,
		logCtx:      ctx,
	}

	resp, err := mechanism.Negotiate(ctx, session)

	fields := map[string]any{
		"mechanism": mechanism.Name(),
		"rounds":    session.Rounds(),
	}
	switch {
	case err != nil:
		fields["error"] = err.Error()
		LogSASLEvent(ctx, "negotiation_failed", fields)
	case !resp.OK():
		if resp != nil && resp.Result != nil {
			fields["result_code"] = resp.Result.Code
		}
		LogSASLEvent(ctx, "negotiation_failed", fields)
	default:
		LogSASLEvent(ctx, "negotiation_complete", fields)
	}

	return resp, err
}

// InProgress reports whether a SASL negotiation is running.
func (n *negotiator) InProgress() bool {
	return n.inProgress.Load()
}

// ExternalMechanism authenticates with credentials established outside
// LDAP, such as a TLS client certificate. It takes one round trip.
type ExternalMechanism struct{}

func (m *ExternalMechanism) Name() string { return MechanismExternal }

func (m *ExternalMechanism) Negotiate(ctx context.Context, session *SASLSession) (*Response, error) {
	return session.Exchange(ctx, []byte(session.Credentials.AuthzID))
}
