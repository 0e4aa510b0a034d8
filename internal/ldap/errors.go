package ldap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/go-ldap/ldap/v3"
)

// ErrorCategory represents different categories of LDAP errors.
type ErrorCategory string

const (
	// Client-side failures raised before or instead of a server result.
	ErrorCategoryConfiguration ErrorCategory = "configuration"
	ErrorCategoryUsage         ErrorCategory = "usage"
	ErrorCategoryConnection    ErrorCategory = "connection"
	ErrorCategoryInternal      ErrorCategory = "internal"

	// Server-reported result codes.
	ErrorCategoryAuthentication ErrorCategory = "authentication"
	ErrorCategoryPermission     ErrorCategory = "permission"
	ErrorCategoryNotFound       ErrorCategory = "not_found"
	ErrorCategoryConflict       ErrorCategory = "conflict"
	ErrorCategoryValidation     ErrorCategory = "validation"
	ErrorCategoryServer         ErrorCategory = "server"
	ErrorCategoryUnknown        ErrorCategory = "unknown"
)

var (
	ErrInvalidServer         = errors.New("invalid server")
	ErrUnknownStrategy       = errors.New("unknown strategy")
	ErrUnknownAuthentication = errors.New("unknown authentication method")
	ErrUnsupportedMechanism  = errors.New("unsupported SASL mechanism")

	ErrMalformedChange     = errors.New("malformed modify change")
	ErrNoChanges           = errors.New("modify requires at least one change")
	ErrInvalidRename       = errors.New("moving an entry must keep its relative name")
	ErrObjectClassRequired = errors.New("objectClass is required")
	ErrInvalidFilter       = errors.New("invalid search filter")
	ErrSASLInProgress      = errors.New("SASL negotiation already in progress")
	ErrConnectionClosed    = errors.New("connection is closed")
	ErrUnknownMessageID    = errors.New("unknown message id")
	ErrNoResponse          = errors.New("operation has no response")
	ErrStartTLSUnsupported = errors.New("StartTLS is not supported by this strategy")
	ErrTLSActive           = errors.New("TLS is already active")

	ErrAbandoned    = errors.New("request abandoned")
	ErrPoolTimeout  = errors.New("timed out waiting for a pooled connection")
	ErrDisconnected = errors.New("server sent notice of disconnection")

	ErrUnknownOperation = errors.New("unknown operation kind")
)

// LDAPError is the structured error returned by this package for every
// failure that is not a bare transport error.
type LDAPError struct {
	Operation string        // bind, search, start_tls, ...
	Category  ErrorCategory // Error category
	LDAPCode  uint16        // Result code for server-reported failures
	Message   string        // Human-readable message
	ServerMsg string        // Diagnostic message from the server
	DN        string        // Matched DN from the server
	Retryable bool
	Cause     error
}

func (e *LDAPError) Error() string {
	var b strings.Builder
	b.WriteString(e.Operation)
	if e.LDAPCode > 0 {
		fmt.Fprintf(&b, " (result %d)", e.LDAPCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.ServerMsg != "" && e.ServerMsg != e.Message {
		fmt.Fprintf(&b, " [server: %s]", e.ServerMsg)
	}
	if e.DN != "" {
		fmt.Fprintf(&b, " [matched: %s]", e.DN)
	}
	return b.String()
}

func (e *LDAPError) IsRetryable() bool {
	return e.Retryable
}

func (e *LDAPError) Unwrap() error {
	return e.Cause
}

// GetCategory returns the error category.
func (e *LDAPError) GetCategory() ErrorCategory {
	return e.Category
}

func newCategorizedError(operation string, category ErrorCategory, err error) *LDAPError {
	return &LDAPError{
		Operation: operation,
		Category:  category,
		Message:   err.Error(),
		Cause:     err,
	}
}

func newConfigurationError(operation string, err error) *LDAPError {
	return newCategorizedError(operation, ErrorCategoryConfiguration, err)
}

func newUsageError(operation string, err error) *LDAPError {
	return newCategorizedError(operation, ErrorCategoryUsage, err)
}

func newInternalError(operation string, err error) *LDAPError {
	return newCategorizedError(operation, ErrorCategoryInternal, err)
}

// NewResultError converts a non-success server result into an LDAPError.
// Successful results, including compare true and false, yield nil.
func NewResultError(operation string, result *Result) *LDAPError {
	if result == nil {
		return newInternalError(operation, ErrNoResponse)
	}

	switch result.Code {
	case ldap.LDAPResultSuccess, ldap.LDAPResultCompareTrue, ldap.LDAPResultCompareFalse:
		return nil
	}

	return &LDAPError{
		Operation: operation,
		Category:  categorizeError(result.Code),
		LDAPCode:  result.Code,
		Message:   getLDAPCodeMessage(result.Code),
		ServerMsg: result.Diagnostic,
		DN:        result.MatchedDN,
		Retryable: retryableResults[result.Code],
		Cause:     ldap.NewError(result.Code, errors.New(result.Diagnostic)),
	}
}

// transportError marks an error returned by a Transport or DialFunc as a
// transport failure. Errors that already carry a classification pass through
// unchanged.
func transportError(message string, err error) error {
	if err == nil {
		return nil
	}

	var connErr *ConnectionError
	var ldapErr *LDAPError
	if errors.As(err, &connErr) || errors.As(err, &ldapErr) {
		return err
	}
	return NewConnectionError(message, isTransientNetError(err), err)
}

var resultCategories = map[uint16]ErrorCategory{
	ldap.LDAPResultInvalidCredentials:          ErrorCategoryAuthentication,
	ldap.LDAPResultInappropriateAuthentication: ErrorCategoryAuthentication,
	ldap.LDAPResultStrongAuthRequired:          ErrorCategoryAuthentication,
	ldap.LDAPResultAuthMethodNotSupported:      ErrorCategoryAuthentication,
	ldap.LDAPResultConfidentialityRequired:     ErrorCategoryAuthentication,
	ldap.LDAPResultSaslBindInProgress:          ErrorCategoryAuthentication,

	ldap.LDAPResultInsufficientAccessRights: ErrorCategoryPermission,
	ldap.LDAPResultUnwillingToPerform:       ErrorCategoryPermission,

	ldap.LDAPResultNoSuchObject:           ErrorCategoryNotFound,
	ldap.LDAPResultNoSuchAttribute:        ErrorCategoryNotFound,
	ldap.LDAPResultUndefinedAttributeType: ErrorCategoryNotFound,

	ldap.LDAPResultEntryAlreadyExists:     ErrorCategoryConflict,
	ldap.LDAPResultAttributeOrValueExists: ErrorCategoryConflict,
	ldap.LDAPResultObjectClassViolation:   ErrorCategoryConflict,
	ldap.LDAPResultNotAllowedOnNonLeaf:    ErrorCategoryConflict,

	ldap.LDAPResultInvalidAttributeSyntax: ErrorCategoryValidation,
	ldap.LDAPResultConstraintViolation:    ErrorCategoryValidation,
	ldap.LDAPResultInvalidDNSyntax:        ErrorCategoryValidation,
	ldap.LDAPResultNamingViolation:        ErrorCategoryValidation,
	ldap.LDAPResultAffectsMultipleDSAs:    ErrorCategoryValidation,

	ldap.LDAPResultServerDown:          ErrorCategoryServer,
	ldap.LDAPResultUnavailable:         ErrorCategoryServer,
	ldap.LDAPResultBusy:                ErrorCategoryServer,
	ldap.LDAPResultTimeLimitExceeded:   ErrorCategoryServer,
	ldap.LDAPResultSizeLimitExceeded:   ErrorCategoryServer,
	ldap.LDAPResultAdminLimitExceeded:  ErrorCategoryServer,
	ldap.LDAPResultLoopDetect:          ErrorCategoryServer,

	ldap.LDAPResultUnavailableCriticalExtension: ErrorCategoryServer,

	ldap.LDAPResultConnectError:  ErrorCategoryConnection,
	ldap.LDAPResultProtocolError: ErrorCategoryConnection,
}

// retryableResults are result codes after which the same request may
// succeed unchanged.
var retryableResults = map[uint16]bool{
	ldap.LDAPResultBusy:              true,
	ldap.LDAPResultUnavailable:       true,
	ldap.LDAPResultServerDown:        true,
	ldap.LDAPResultTimeLimitExceeded: true,
	ldap.LDAPResultConnectError:      true,
}

var resultMessages = map[uint16]string{
	ldap.LDAPResultInvalidCredentials:       "Invalid credentials",
	ldap.LDAPResultInsufficientAccessRights: "Insufficient access rights",
	ldap.LDAPResultNoSuchObject:             "Requested object does not exist",
	ldap.LDAPResultEntryAlreadyExists:       "Entry already exists",
	ldap.LDAPResultSaslBindInProgress:       "SASL negotiation expects another round",
	ldap.LDAPResultConfidentialityRequired:  "Server requires a TLS-protected connection",
	ldap.LDAPResultStrongAuthRequired:       "Server requires a stronger authentication method",
	ldap.LDAPResultReferral:                 "Server returned a referral",
	ldap.LDAPResultBusy:                     "Server is busy",
	ldap.LDAPResultUnavailable:              "Server is unavailable",
	ldap.LDAPResultUnwillingToPerform:       "Server is unwilling to perform the operation",
}

// categorizeError maps a server result code to its category.
func categorizeError(code uint16) ErrorCategory {
	if category, ok := resultCategories[code]; ok {
		return category
	}
	return ErrorCategoryUnknown
}

// categorizeGenericError categorizes errors that carry no category of their
// own. Only network and context failures are recognized.
func categorizeGenericError(err error) ErrorCategory {
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryConnection
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return ErrorCategoryConnection
	case errors.As(err, &netErr):
		return ErrorCategoryConnection
	default:
		return ErrorCategoryUnknown
	}
}

// isTransientNetError reports whether a raw network error may go away on a
// new connection. Cancellation and local closes never do.
func isTransientNetError(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, net.ErrClosed):
		return false
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// getLDAPCodeMessage returns a human-readable message for an LDAP result code.
func getLDAPCodeMessage(code uint16) string {
	if message, ok := resultMessages[code]; ok {
		return message
	}
	if text, ok := ldap.LDAPResultCodeMap[code]; ok {
		return text
	}
	return fmt.Sprintf("Unknown LDAP error (code %d)", code)
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}

	return isTransientNetError(err)
}

// GetErrorCategory returns the category of an error.
func GetErrorCategory(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		return ldapErr.GetCategory()
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return ErrorCategoryConnection
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		return categorizeError(resultErr.ResultCode)
	}

	return categorizeGenericError(err)
}

// IsConfigurationError reports whether err was raised by configuration validation.
func IsConfigurationError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryConfiguration
}

// IsUsageError reports whether err is a protocol-usage violation.
func IsUsageError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryUsage
}

// IsTransportError reports whether err is a transport failure.
func IsTransportError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// IsInternalError reports whether err is an internal-consistency failure.
func IsInternalError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryInternal
}

// IsNotFoundError checks if an error indicates a "not found" condition.
func IsNotFoundError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryNotFound
}

// IsConflictError checks if an error indicates a conflict (already exists).
func IsConflictError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryConflict
}

// IsAuthenticationError checks if an error indicates an authentication problem.
func IsAuthenticationError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryAuthentication
}

// IsPermissionError checks if an error indicates a permission problem.
func IsPermissionError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryPermission
}
