package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// PrincipalHeader carries the authenticated principal set by the upstream gateway.
const PrincipalHeader = "X-User-Id"

var ErrMissingPrincipal = errors.New("missing " + PrincipalHeader + " header")

func Principal(r *http.Request) (string, error) {
	p := strings.TrimSpace(r.Header.Get(PrincipalHeader))
	if p == "" {
		return "", ErrMissingPrincipal
	}
	return p, nil
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeJSON decodes a request body and rejects unknown fields.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
