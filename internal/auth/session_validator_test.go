package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionIssuer        = "forumsync-relay"
	testSessionUserID        = "user-123"
)

func signTestToken(t *testing.T, claims SessionClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSessionSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func newTestValidator(t *testing.T, now time.Time) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func TestSessionValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	signed := signTestToken(t, SessionClaims{
		UserID: testSessionUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testSessionIssuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	})

	claims, err := validator.ValidateToken(signed)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
}

func TestSessionValidatorRejectsBadTokens(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)
	valid := jwt.RegisteredClaims{
		Issuer:    testSessionIssuer,
		Subject:   testSessionUserID,
		ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
	}

	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(clockNow.Add(-time.Hour))
	foreign := valid
	foreign.Issuer = "someone-else"

	testCases := []struct {
		name    string
		token   string
		wantErr error
	}{
		{name: "empty", token: " ", wantErr: ErrMissingSessionToken},
		{name: "expired", token: signTestToken(t, SessionClaims{UserID: testSessionUserID, RegisteredClaims: expired}), wantErr: ErrExpiredSessionToken},
		{name: "foreign issuer", token: signTestToken(t, SessionClaims{UserID: testSessionUserID, RegisteredClaims: foreign}), wantErr: ErrInvalidSessionToken},
		{name: "missing user", token: signTestToken(t, SessionClaims{RegisteredClaims: valid}), wantErr: ErrMissingSessionSubject},
		{name: "subject mismatch", token: signTestToken(t, SessionClaims{UserID: "user-456", RegisteredClaims: valid}), wantErr: ErrInvalidSessionToken},
		{name: "garbage", token: "not-a-jwt", wantErr: ErrInvalidSessionToken},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := validator.ValidateToken(testCase.token); !errors.Is(err, testCase.wantErr) {
				t.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	testCases := []struct {
		name   string
		header string
		want   string
		err    error
	}{
		{name: "valid", header: "Bearer abc.def", want: "abc.def"},
		{name: "padded", header: "  Bearer  abc  ", want: "abc"},
		{name: "empty", header: "", err: ErrMissingSessionToken},
		{name: "basic scheme", header: "Basic abc", err: ErrMissingSessionToken},
		{name: "no token", header: "Bearer   ", err: ErrMissingSessionToken},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			token, err := BearerToken(testCase.header)
			if !errors.Is(err, testCase.err) {
				t.Fatalf("expected error %v, got %v", testCase.err, err)
			}
			if token != testCase.want {
				t.Fatalf("expected token %q, got %q", testCase.want, token)
			}
		})
	}
	if header := AuthorizationHeader("abc"); header != "Bearer abc" {
		t.Fatalf("unexpected header %q", header)
	}
}
