package httperr

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Payload is the error body returned by the API.
type Payload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Code returns the NV-xxx code for an HTTP status.
func Code(status int) string { return fmt.Sprintf("NV-%d", status) }

// Write writes a novaspace error payload with an NV-xxx code and message.
func Write(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Payload{Code: Code(status), Message: message})
}
