package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

type contextKey string

const serviceSubjectKey contextKey = "service_subject"

func secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("X-Frame-Options", "deny")
		next.ServeHTTP(w, r)
	})
}

func (app *application) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		app.infoLog.Printf("%s - %s %s %s", r.RemoteAddr, r.Proto, r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (app *application) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				w.Header().Set("Connection", "close")
				app.errorLog.Output(2, fmt.Sprintf("panic: %v", err))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// serviceAuth accepts a bearer service token, or a token query parameter for
// websocket clients that cannot set headers.
func (app *application) serviceAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		} else if q := r.URL.Query().Get("token"); q != "" {
			token = q
		}
		if token == "" {
			http.Error(w, "Authorization header missing or invalid", http.StatusUnauthorized)
			return
		}
		subject, err := app.tokens.Parse(token)
		if err != nil {
			http.Error(w, "Invalid service token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), serviceSubjectKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
