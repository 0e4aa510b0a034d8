package ldap

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Log subsystems used by this package.
const (
	subsystemLDAP     = "ldap"
	subsystemPool     = "pool"
	subsystemSASL     = "sasl"
	subsystemKerberos = "kerberos"
)

// NewLogContext registers the package's log subsystems on ctx. Levels are
// read from LDAPCONN_LOG_<SUBSYSTEM>, for example LDAPCONN_LOG_POOL=debug.
func NewLogContext(ctx context.Context) context.Context {
	for _, subsystem := range []string{subsystemLDAP, subsystemPool, subsystemSASL, subsystemKerberos} {
		ctx = tflog.NewSubsystem(ctx, subsystem,
			tflog.WithLevelFromEnv("LDAPCONN_LOG_"+strings.ToUpper(subsystem)))
	}
	return ctx
}

type logFunc func(ctx context.Context, subsystem, msg string, fields ...map[string]any)

// eventLevels maps event names to the level they are logged at. Events not
// listed fall back to the subsystem default.
type eventLevels struct {
	fallback logFunc
	levels   map[string]logFunc
}

func (e eventLevels) log(ctx context.Context, subsystem, msg, event string, fields map[string]any) {
	fields = SanitizeFields(fields)
	fields["event"] = event

	logf, ok := e.levels[event]
	if !ok {
		logf = e.fallback
	}
	logf(ctx, subsystem, msg, fields)
}

var (
	connectionEvents = eventLevels{
		fallback: tflog.SubsystemDebug,
		levels: map[string]logFunc{
			"connection_established": tflog.SubsystemInfo,
			"connection_restarted":   tflog.SubsystemInfo,
			"connection_reset":       tflog.SubsystemInfo,
			"authentication_success": tflog.SubsystemInfo,
			"tls_started":            tflog.SubsystemInfo,
			"connection_failed":      tflog.SubsystemError,
			"connection_lost":        tflog.SubsystemError,
			"authentication_failed":  tflog.SubsystemError,
		},
	}

	saslEvents = eventLevels{
		fallback: tflog.SubsystemTrace,
		levels: map[string]logFunc{
			"negotiation_complete": tflog.SubsystemInfo,
			"server_auth_mismatch": tflog.SubsystemWarn,
			"challenge_rejected":   tflog.SubsystemWarn,
			"negotiation_failed":   tflog.SubsystemError,
		},
	}

	kerberosEvents = eventLevels{
		fallback: tflog.SubsystemTrace,
		levels: map[string]logFunc{
			"runtime_config_generated":  tflog.SubsystemInfo,
			"principal_resolved":        tflog.SubsystemDebug,
			"context_established":       tflog.SubsystemDebug,
			"ticket_acquisition_failed": tflog.SubsystemError,
			"authentication_failed":     tflog.SubsystemError,
		},
	}

	poolEvents = eventLevels{
		fallback: tflog.SubsystemTrace,
		levels: map[string]logFunc{
			"pool_initialized":     tflog.SubsystemDebug,
			"pool_closed":          tflog.SubsystemDebug,
			"connection_acquired":  tflog.SubsystemDebug,
			"connection_released":  tflog.SubsystemDebug,
			"pool_exhausted":       tflog.SubsystemWarn,
			"connection_failed":    tflog.SubsystemWarn,
			"health_check_failed":  tflog.SubsystemWarn,
			"pool_creation_failed": tflog.SubsystemError,
		},
	}
)

// LogConnectionEvent logs connection-related events.
func LogConnectionEvent(ctx context.Context, event string, fields map[string]any) {
	connectionEvents.log(ctx, subsystemLDAP, "Connection event", event, fields)
}

// LogSASLEvent logs SASL negotiation events.
func LogSASLEvent(ctx context.Context, event string, fields map[string]any) {
	saslEvents.log(ctx, subsystemSASL, "SASL event", event, fields)
}

// LogKerberosEvent logs Kerberos-specific events.
func LogKerberosEvent(ctx context.Context, event string, fields map[string]any) {
	kerberosEvents.log(ctx, subsystemKerberos, "Kerberos event", event, fields)
}

// LogPoolEvent logs connection pool events.
func LogPoolEvent(ctx context.Context, event string, fields map[string]any) {
	poolEvents.log(ctx, subsystemPool, "Pool event", event, fields)
}

// LogOperation runs fn between start and finish log lines carrying its
// duration and error, and returns fn's error unchanged.
func LogOperation(ctx context.Context, subsystem, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	entry := SanitizeFields(fields)
	entry["operation"] = operation
	tflog.SubsystemDebug(ctx, subsystem, "Starting operation", entry)

	err := fn()

	exit := maps.Clone(entry)
	exit["duration_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		exit["error"] = err.Error()
		tflog.SubsystemError(ctx, subsystem, "Operation failed", exit)
	} else {
		tflog.SubsystemDebug(ctx, subsystem, "Operation completed", exit)
	}
	return err
}

// LogPerformance logs how long an operation took, raising the level for
// slow ones.
func LogPerformance(ctx context.Context, subsystem, operation string, duration time.Duration, fields map[string]any) {
	fields = SanitizeFields(fields)
	fields["operation"] = operation
	fields["duration_ms"] = duration.Milliseconds()

	switch {
	case duration > 5*time.Second:
		tflog.SubsystemWarn(ctx, subsystem, "Slow operation detected", fields)
	case duration > time.Second:
		tflog.SubsystemInfo(ctx, subsystem, "Operation performance", fields)
	default:
		tflog.SubsystemDebug(ctx, subsystem, "Operation performance", fields)
	}
}

// LogLDAPError logs err with its category and, when it carries one, the
// server result.
func LogLDAPError(ctx context.Context, subsystem string, operation string, err error, fields map[string]any) {
	fields = SanitizeFields(fields)
	fields["operation"] = operation
	fields["error"] = err.Error()
	fields["error_category"] = string(GetErrorCategory(err))

	var ldapErr *LDAPError
	var resultErr *ldap.Error
	switch {
	case errors.As(err, &ldapErr) && ldapErr.LDAPCode != 0:
		addResultFields(fields, ldapErr.LDAPCode, ldapErr.DN, ldapErr.ServerMsg)
	case errors.As(err, &resultErr):
		var diagnostic string
		if resultErr.Err != nil {
			diagnostic = resultErr.Err.Error()
		}
		addResultFields(fields, resultErr.ResultCode, resultErr.MatchedDN, diagnostic)
	}

	tflog.SubsystemError(ctx, subsystem, "LDAP operation failed", fields)
}

func addResultFields(fields map[string]any, code uint16, matchedDN, diagnostic string) {
	fields["ldap_result_code"] = code
	if matchedDN != "" {
		fields["ldap_matched_dn"] = matchedDN
	}
	if diagnostic != "" {
		fields["ldap_diagnostic_message"] = diagnostic
	}
}

const redacted = "[REDACTED]"

var sensitiveKeys = map[string]bool{
	"password":    true,
	"passwd":      true,
	"secret":      true,
	"token":       true,
	"key":         true,
	"private_key": true,
	"credential":  true,
	"credentials": true,
}

// Value fragments that mark a string as carrying a secret. "response=" covers
// DIGEST-MD5 client responses.
var sensitivePatterns = []string{"password=", "passwd=", "secret=", "token=", "key=", "response="}

// SanitizeFields returns a copy of fields with sensitive values redacted.
// The input is never modified; a nil map yields an empty one.
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		if sensitiveKeys[k] {
			sanitized[k] = redacted
			continue
		}
		if s, ok := v.(string); ok && containsSensitivePattern(s) {
			sanitized[k] = redacted
			continue
		}
		sanitized[k] = v
	}
	return sanitized
}

func containsSensitivePattern(s string) bool {
	lower := strings.ToLower(s)
	for _, pattern := range sensitivePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
