// Package middleware содержит HTTP middleware сервиса оплаты абонементов.
package middleware

import (
	"crypto/hmac"
	"net/http"
	"strings"
)

// BearerAuth закрывает служебные маршруты статическим токеном из заголовка Authorization.
type BearerAuth struct {
	token []byte
}

// NewBearerAuth создаёт BearerAuth. Пустой токен отключает проверку.
func NewBearerAuth(token string) *BearerAuth {
	return &BearerAuth{token: []byte(token)}
}

// Enabled сообщает, включена ли проверка токена.
func (a *BearerAuth) Enabled() bool {
	return a != nil && len(a.token) > 0
}

// Middleware пропускает запрос дальше только с заголовком "Authorization: Bearer <token>".
func (a *BearerAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		got, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok || !hmac.Equal([]byte(got), a.token) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="ops"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func bearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
