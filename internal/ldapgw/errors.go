package ldapgw

import (
	"context"
	"errors"
	"strings"

	ldap "github.com/go-ldap/ldap/v3"

	"github.com/netresearch/ldapgw/internal/apierr"
)

// mapLDAPError translates a go-ldap error into the gateway's typed error
// taxonomy. Errors already carrying a Kind (e.g. from template resolution)
// pass through unchanged.
func mapLDAPError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		return err
	}

	if isTimeoutErr(err) {
		return apierr.Wrap(apierr.KindTimeout, "ldap operation timed out", err)
	}

	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		switch ldapErr.ResultCode {
		case ldap.LDAPResultEntryAlreadyExists:
			return apierr.Wrap(apierr.KindConflict, "entry already exists", err)
		case ldap.LDAPResultNoSuchObject:
			return apierr.Wrap(apierr.KindNotFound, "no such entry", err)
		case ldap.LDAPResultInsufficientAccessRights:
			return apierr.Wrap(apierr.KindForbidden, "insufficient access rights", err)
		case ldap.LDAPResultInvalidCredentials:
			return apierr.Wrap(apierr.KindAuthFailed, "invalid credentials", err)
		case ldap.LDAPResultConstraintViolation, ldap.LDAPResultObjectClassViolation, ldap.LDAPResultAttributeOrValueExists:
			return apierr.Wrap(apierr.KindUnprocessable, "entry violates directory constraints", err)
		case ldap.LDAPResultBusy, ldap.LDAPResultUnavailable:
			return apierr.Wrap(apierr.KindServiceUnavailable, "directory server busy or unavailable", err)
		}
	}

	return apierr.Wrap(apierr.KindInternal, "ldap operation failed", err)
}

// mapBindError specializes error mapping for an explicit bind attempt,
// where an invalid-credentials result is an auth failure rather than an
// opaque internal error regardless of how go-ldap surfaces it.
func mapBindError(err error) error {
	if err == nil {
		return nil
	}

	if isTimeoutErr(err) {
		return apierr.Wrap(apierr.KindTimeout, "bind timed out", err)
	}

	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) && ldapErr.ResultCode == ldap.LDAPResultInvalidCredentials {
		return apierr.AuthFailed("invalid credentials")
	}

	if strings.Contains(err.Error(), "connection refused") || strings.Contains(err.Error(), "no route to host") {
		return apierr.Wrap(apierr.KindServiceUnavailable, "cannot reach directory node", err)
	}

	return apierr.Wrap(apierr.KindAuthFailed, "bind failed", err)
}

// isTimeoutErr reports whether err stems from a deadline/timeout, as
// opposed to a server-side rejection of well-formed input.
func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return strings.Contains(err.Error(), "i/o timeout") || strings.Contains(err.Error(), "TLS handshake timeout")
}
