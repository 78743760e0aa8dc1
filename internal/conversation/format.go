package conversation

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// DefaultTruncateLimit is how many characters of a failed response body
	// are quoted back to the user.
	DefaultTruncateLimit = 100

	errorPrefix         = "Error: No se pudo completar la solicitud. "
	fallbackDescription = "Verifica la URL."
)

type httpFailure interface {
	HTTPStatusCode() int
	ResponseBody() string
}

type schemaFailure interface {
	ReceivedBody() string
}

// failureText renders err as the content of an error message.
func failureText(err error, limit int) string {
	return errorPrefix + describe(err, limit)
}

func describe(err error, limit int) string {
	if err == nil {
		return fallbackDescription
	}
	var hf httpFailure
	if errors.As(err, &hf) {
		return fmt.Sprintf("HTTP error! status: %d. Response: %s...", hf.HTTPStatusCode(), truncate(hf.ResponseBody(), limit))
	}
	var sf schemaFailure
	if errors.As(err, &sf) {
		return fmt.Sprintf("La respuesta no contiene la propiedad \"message\". Respuesta recibida: %s...", truncate(sf.ReceivedBody(), limit))
	}
	if desc := strings.TrimSpace(err.Error()); desc != "" {
		return desc
	}
	return fallbackDescription
}

// truncate keeps the first limit characters of s.
func truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
