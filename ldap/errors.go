package ldap

import (
	"errors"
	"fmt"

	"github.com/TheSmallBoat/ldapwire/lib"
)

var (
	ErrNoMechanism   = errors.New("no sasl mechanism given")
	ErrBindSequence  = errors.New("server ended the bind sequence unexpectedly")
	ErrUnexpectedOp  = errors.New("unexpected reply")
	ErrMissingConfig = errors.New("config missing addr")
)

var resultNames = map[lib.ResultCode]string{
	lib.ResultSuccess:                      "Success",
	lib.ResultOperationsError:              "Operations Error",
	lib.ResultProtocolError:                "Protocol Error",
	lib.ResultTimeLimitExceeded:            "Time Limit Exceeded",
	lib.ResultSizeLimitExceeded:            "Size Limit Exceeded",
	lib.ResultCompareFalse:                 "Compare False",
	lib.ResultCompareTrue:                  "Compare True",
	lib.ResultAuthMethodNotSupported:       "Auth Method Not Supported",
	lib.ResultStrongerAuthRequired:         "Stronger Auth Required",
	lib.ResultReferral:                     "Referral",
	lib.ResultAdminLimitExceeded:           "Admin Limit Exceeded",
	lib.ResultUnavailableCriticalExtension: "Unavailable Critical Extension",
	lib.ResultConfidentialityRequired:      "Confidentiality Required",
	lib.ResultSaslBindInProgress:           "Sasl Bind In Progress",
	lib.ResultNoSuchAttribute:              "No Such Attribute",
	lib.ResultUndefinedAttributeType:       "Undefined Attribute Type",
	lib.ResultConstraintViolation:          "Constraint Violation",
	lib.ResultAttributeOrValueExists:       "Attribute Or Value Exists",
	lib.ResultNoSuchObject:                 "No Such Object",
	lib.ResultInvalidDNSyntax:              "Invalid DN Syntax",
	lib.ResultInappropriateAuthentication:  "Inappropriate Authentication",
	lib.ResultInvalidCredentials:           "Invalid Credentials",
	lib.ResultInsufficientAccessRights:     "Insufficient Access Rights",
	lib.ResultBusy:                         "Busy",
	lib.ResultUnavailable:                  "Unavailable",
	lib.ResultUnwillingToPerform:           "Unwilling To Perform",
	lib.ResultNotAllowedOnNonLeaf:          "Not Allowed On Non Leaf",
	lib.ResultEntryAlreadyExists:           "Entry Already Exists",
	lib.ResultOther:                        "Other",
	lib.ResultServerDown:                   "Server Down",
	lib.ResultLocalError:                   "Local Error",
	lib.ResultTimeout:                      "Timeout",
	lib.ResultUserCancelled:                "User Cancelled",
	lib.ResultConnectError:                 "Connect Error",
}

// ResultName returns a printable name for code.
func ResultName(code lib.ResultCode) string {
	if name, ok := resultNames[code]; ok {
		return name
	}
	return fmt.Sprintf("Result(%d)", code)
}

// Error is a failed operation. Failures detected on the client (timeouts,
// lost connections) carry a client-side code and wrap the cause.
type Error struct {
	Code      lib.ResultCode
	MatchedDN string
	Message   string

	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("ldap result code %d %q", e.Code, ResultName(e.Code))
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.MatchedDN != "" {
		msg += " (matched " + e.MatchedDN + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsResultCode reports whether err is an *Error carrying code.
func IsResultCode(err error, code lib.ResultCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// responseError converts a final reply into an error, or nil on success.
func responseError(res *lib.Response) error {
	if res.Err != nil {
		return &Error{Code: res.Result, Message: res.Err.Error(), Err: res.Err}
	}
	if res.Result == lib.ResultSuccess {
		return nil
	}
	result, err := UnmarshalResult(res.Body)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", lib.OpName(res.Op), err)
	}
	return &Error{Code: res.Result, MatchedDN: result.MatchedDN, Message: result.Message}
}
