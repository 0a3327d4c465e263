package tds

import "testing"

func TestErrorToken_IsExpiredToken(t *testing.T) {
	if !(ErrorToken{Number: ErrLoginFailed, State: 129}).IsExpiredToken() {
		t.Errorf("expected login-failed at state 129 to be an expired token")
	}
	if (ErrorToken{Number: ErrLoginFailed, State: 1}).IsExpiredToken() {
		t.Errorf("did not expect a different state to be treated as expired")
	}
	if (ErrorToken{Number: ErrSyntax, State: 129}).IsExpiredToken() {
		t.Errorf("did not expect a non-login error number to be treated as expired")
	}
}

func TestErrorToken_IsLoginFailure(t *testing.T) {
	for _, num := range []int32{ErrLoginFailed, ErrDatabaseNotExist, ErrPermissionDenied, ErrPasswordExpired} {
		if !(ErrorToken{Number: num}).IsLoginFailure() {
			t.Errorf("expected %d to be a login failure", num)
		}
	}
	if (ErrorToken{Number: ErrSyntax}).IsLoginFailure() {
		t.Errorf("did not expect a syntax error to be a login failure")
	}
}

func TestErrorToken_IsTransient(t *testing.T) {
	for _, num := range []int32{ErrDeadlock, ErrTempDBFull, ErrLockTimeout} {
		if !(ErrorToken{Number: num}).IsTransient() {
			t.Errorf("expected %d to be transient", num)
		}
	}
	if (ErrorToken{Number: ErrSyntax}).IsTransient() {
		t.Errorf("did not expect a syntax error to be transient")
	}
}

func TestErrorToken_IsFatal(t *testing.T) {
	if !(ErrorToken{Class: SeverityFatal}).IsFatal() {
		t.Errorf("expected class %d to be fatal", SeverityFatal)
	}
	if (ErrorToken{Class: SeverityGeneral}).IsFatal() {
		t.Errorf("did not expect class %d to be fatal", SeverityGeneral)
	}
}
