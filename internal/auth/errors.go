package auth

import "errors"

// Credential validation failures. Only ErrExpired is fatal to a connection.
var (
	ErrMissingCredential   = errors.New("missing credential")
	ErrMalformedCredential = errors.New("malformed credential")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrExpired             = errors.New("credential expired")
	ErrUnknownSubject      = errors.New("unknown subject")
)

// IsFatal reports whether a validation error must terminate the connection.
func IsFatal(err error) bool {
	return errors.Is(err, ErrExpired)
}

// Describe returns the client-facing text for a validation error.
func Describe(err error) string {
	switch {
	case errors.Is(err, ErrMissingCredential):
		return "Token no proporcionado"
	case errors.Is(err, ErrExpired):
		return "Token expirado"
	case errors.Is(err, ErrInvalidSignature):
		return "Firma del token inválida"
	case errors.Is(err, ErrUnknownSubject):
		return "Usuario no encontrado"
	default:
		return "Error procesando token"
	}
}
