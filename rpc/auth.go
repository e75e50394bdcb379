package rpc

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// requireAuth gates the mutating public methods behind the static bearer
// token. A server started without a token refuses those methods outright.
func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication is not configured"}
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "bearer token required"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid bearer token"}
	}
	return nil
}

// requireAdmin gates policy administration behind an HS256 JWT carrying the
// admin role. Admin methods then act with the engine owner's authority.
func (s *Server) requireAdmin(r *http.Request) *RPCError {
	if len(s.adminJWTSecret) == 0 {
		return &RPCError{Code: codeUnauthorized, Message: "admin authentication is not configured"}
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.adminJWTSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return &RPCError{Code: codeUnauthorized, Message: "invalid admin token"}
	}
	if role, _ := claims["role"].(string); role != "admin" {
		return &RPCError{Code: codeUnauthorized, Message: "admin role required"}
	}
	return nil
}
