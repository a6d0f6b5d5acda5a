package auth

import "errors"

// Lookup and input errors returned by stores and account operations.
var (
	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")

	// ErrAmbiguousLogin: the identifier is an email shared by several users.
	ErrAmbiguousLogin = errors.New("auth: login matches several accounts")
)

// Authentication failures. All of them map to an unauthorized response.
var (
	ErrInvalidCredentials  = errors.New("auth: invalid credentials")
	ErrAccountDisabled     = errors.New("auth: account disabled")
	ErrInvalidRefreshToken = errors.New("auth: invalid refresh token")
	ErrRefreshTokenRevoked = errors.New("auth: refresh token revoked")
	ErrRefreshTokenExpired = errors.New("auth: refresh token expired")
)

// Token codec failures.
var (
	ErrTokenExpired      = errors.New("auth: token expired")
	ErrTokenMalformed    = errors.New("auth: token malformed")
	ErrTokenBadSignature = errors.New("auth: token signature invalid")
	ErrTokenWrongType    = errors.New("auth: token has unexpected type")
)

var ErrInsufficientPermission = errors.New("auth: insufficient permission")

// Persistence and unexpected failures.
var (
	ErrPersistenceUnavailable = errors.New("auth: persistence unavailable")
	ErrPersistence            = errors.New("auth: persistence error")
	ErrInternal               = errors.New("auth: internal error")
)

var unauthorized = []error{
	ErrInvalidCredentials,
	ErrAccountDisabled,
	ErrInvalidRefreshToken,
	ErrRefreshTokenRevoked,
	ErrRefreshTokenExpired,
	ErrTokenExpired,
	ErrTokenMalformed,
	ErrTokenBadSignature,
	ErrTokenWrongType,
}

// IsUnauthorized reports whether err should surface as an unauthorized response.
func IsUnauthorized(err error) bool {
	for _, target := range unauthorized {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsPersistence reports whether err originated in the storage layer.
func IsPersistence(err error) bool {
	return errors.Is(err, ErrPersistenceUnavailable) || errors.Is(err, ErrPersistence)
}
