package ldap

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// digestNonceCount is always 1: every negotiation authenticates once.
const digestNonceCount = "00000001"

// DigestMD5Mechanism implements the DIGEST-MD5 challenge-response
// mechanism with qop=auth. It takes exactly two round trips.
type DigestMD5Mechanism struct {
	cnonce func() string
}

// NewDigestMD5Mechanism returns a DIGEST-MD5 mechanism using random
// client nonces.
func NewDigestMD5Mechanism() *DigestMD5Mechanism {
	return &DigestMD5Mechanism{
		cnonce: func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")
		},
	}
}

func (m *DigestMD5Mechanism) Name() string { return MechanismDigestMD5 }

func (m *DigestMD5Mechanism) Negotiate(ctx context.Context, session *SASLSession) (*Response, error) {
	resp, err := session.Exchange(ctx, nil)
	if err != nil {
		return nil, err
	}
	if !saslInProgress(resp) {
		return resp, nil
	}

	challenge, err := parseDigestChallenge(resp.Result.ServerSASLCredentials)
	if err != nil {
		LogSASLEvent(ctx, "challenge_rejected", map[string]any{
			"mechanism": m.Name(),
			"error":     err.Error(),
		})
		return nil, newCategorizedError("bind", ErrorCategoryAuthentication, err)
	}

	creds := session.Credentials
	realm := creds.Realm
	if realm == "" && len(challenge.realms) > 0 {
		realm = challenge.realms[0]
	}

	host := ""
	if session.Server != nil {
		host = session.Server.Host
	}

	digest := &digestResponse{
		username:  creds.Username,
		realm:     realm,
		password:  creds.Password,
		authzid:   creds.AuthzID,
		nonce:     challenge.nonce,
		cnonce:    m.cnonce(),
		digestURI: "ldap/" + host,
		qop:       "auth",
		charset:   challenge.charset,
	}

	resp, err = session.Exchange(ctx, []byte(digest.encode()))
	if err != nil {
		return nil, err
	}

	if resp.OK() && len(resp.Result.ServerSASLCredentials) > 0 {
		m.verifyServer(ctx, digest, resp.Result.ServerSASLCredentials)
	}
	return resp, nil
}

// verifyServer checks the server's rspauth value. A mismatch is logged and
// does not fail the bind.
func (m *DigestMD5Mechanism) verifyServer(ctx context.Context, digest *digestResponse, credentials []byte) {
	params, err := parseDigestParams(string(credentials))
	if err != nil || params["rspauth"] == nil {
		LogSASLEvent(ctx, "server_auth_mismatch", map[string]any{
			"mechanism": m.Name(),
			"reason":    "missing rspauth",
		})
		return
	}

	if params["rspauth"][0] != digest.rspauth() {
		LogSASLEvent(ctx, "server_auth_mismatch", map[string]any{
			"mechanism": m.Name(),
			"reason":    "rspauth does not match",
		})
	}
}

type digestChallenge struct {
	realms    []string
	nonce     string
	qop       []string
	charset   string
	algorithm string
}

func parseDigestChallenge(raw []byte) (*digestChallenge, error) {
	params, err := parseDigestParams(string(raw))
	if err != nil {
		return nil, err
	}

	challenge := &digestChallenge{realms: params["realm"]}
	if v := params["nonce"]; len(v) == 1 {
		challenge.nonce = v[0]
	} else {
		return nil, fmt.Errorf("DIGEST-MD5 challenge must carry exactly one nonce")
	}

	if v := params["algorithm"]; len(v) == 1 {
		challenge.algorithm = v[0]
	}
	if challenge.algorithm != "md5-sess" {
		return nil, fmt.Errorf("unsupported DIGEST-MD5 algorithm %q", challenge.algorithm)
	}

	if v := params["qop"]; len(v) > 0 {
		for _, qop := range strings.Split(v[0], ",") {
			challenge.qop = append(challenge.qop, strings.TrimSpace(qop))
		}
	} else {
		challenge.qop = []string{"auth"}
	}
	if !slices.Contains(challenge.qop, "auth") {
		return nil, fmt.Errorf("server does not offer qop=auth: %v", challenge.qop)
	}

	if v := params["charset"]; len(v) == 1 {
		challenge.charset = v[0]
	}

	return challenge, nil
}

// parseDigestParams parses a comma-separated list of name=value pairs where
// values may be quoted strings with backslash escapes. Repeated names keep
// every value in order.
func parseDigestParams(s string) (map[string][]string, error) {
	params := make(map[string][]string)

	const (
		stateName = iota
		stateValueStart
		stateToken
		stateQuoted
		stateEscape
		stateAfterQuoted
	)

	var name, value strings.Builder
	state := stateName

	emit := func() error {
		key := strings.ToLower(strings.TrimSpace(name.String()))
		if key == "" {
			return fmt.Errorf("empty parameter name in %q", s)
		}
		params[key] = append(params[key], strings.TrimSpace(value.String()))
		name.Reset()
		value.Reset()
		return nil
	}

	for _, r := range s {
		switch state {
		case stateName:
			switch r {
			case '=':
				state = stateValueStart
			case ',':
				if strings.TrimSpace(name.String()) != "" {
					return nil, fmt.Errorf("parameter %q has no value", name.String())
				}
			default:
				name.WriteRune(r)
			}
		case stateValueStart:
			switch r {
			case '"':
				state = stateQuoted
			case ' ', '\t':
			case ',':
				if err := emit(); err != nil {
					return nil, err
				}
				state = stateName
			default:
				value.WriteRune(r)
				state = stateToken
			}
		case stateToken:
			if r == ',' {
				if err := emit(); err != nil {
					return nil, err
				}
				state = stateName
				continue
			}
			value.WriteRune(r)
		case stateQuoted:
			switch r {
			case '\\':
				state = stateEscape
			case '"':
				state = stateAfterQuoted
			default:
				value.WriteRune(r)
			}
		case stateEscape:
			value.WriteRune(r)
			state = stateQuoted
		case stateAfterQuoted:
			switch r {
			case ',':
				if err := emit(); err != nil {
					return nil, err
				}
				state = stateName
			case ' ', '\t':
			default:
				return nil, fmt.Errorf("unexpected %q after quoted value in %q", r, s)
			}
		}
	}

	switch state {
	case stateQuoted, stateEscape:
		return nil, fmt.Errorf("unterminated quoted value in %q", s)
	case stateValueStart, stateToken, stateAfterQuoted:
		if err := emit(); err != nil {
			return nil, err
		}
	case stateName:
		if strings.TrimSpace(name.String()) != "" {
			return nil, fmt.Errorf("parameter %q has no value", name.String())
		}
	}

	return params, nil
}

type digestResponse struct {
	username  string
	realm     string
	password  string
	authzid   string
	nonce     string
	cnonce    string
	digestURI string
	qop       string
	charset   string
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func (d *digestResponse) ha1() string {
	secret := md5.Sum([]byte(d.username + ":" + d.realm + ":" + d.password))
	a1 := string(secret[:]) + ":" + d.nonce + ":" + d.cnonce
	if d.authzid != "" {
		a1 += ":" + d.authzid
	}
	return md5Hex(a1)
}

func (d *digestResponse) compute(a2 string) string {
	return md5Hex(strings.Join([]string{d.ha1(), d.nonce, digestNonceCount, d.cnonce, d.qop, md5Hex(a2)}, ":"))
}

// response is the value the client proves knowledge of the password with.
func (d *digestResponse) response() string {
	return d.compute("AUTHENTICATE:" + d.digestURI)
}

// rspauth is the value the server proves knowledge of the password with.
func (d *digestResponse) rspauth() string {
	return d.compute(":" + d.digestURI)
}

func (d *digestResponse) encode() string {
	parts := []string{
		fmt.Sprintf(`username=%s`, quoteDigest(d.username)),
		fmt.Sprintf(`realm=%s`, quoteDigest(d.realm)),
		fmt.Sprintf(`nonce=%s`, quoteDigest(d.nonce)),
		fmt.Sprintf(`cnonce=%s`, quoteDigest(d.cnonce)),
		"nc=" + digestNonceCount,
		"qop=" + d.qop,
		fmt.Sprintf(`digest-uri=%s`, quoteDigest(d.digestURI)),
		"response=" + d.response(),
	}
	if d.charset != "" {
		parts = append(parts, "charset="+d.charset)
	}
	if d.authzid != "" {
		parts = append(parts, fmt.Sprintf(`authzid=%s`, quoteDigest(d.authzid)))
	}
	return strings.Join(parts, ",")
}

func quoteDigest(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + replacer.Replace(s) + `"`
}
