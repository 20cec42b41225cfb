// Command demo-upstream is a synthetic backend for exercising the
// resilient client: it can be told, per-request, to fail with an arbitrary
// status code or to stall for an arbitrary delay, so a caller in front of
// it can be driven through every scenario in spec.md §8 without a real
// flaky dependency.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	name := flag.String("name", "demo-upstream", "service name")
	jwtSecret := flag.String("jwt-secret", "", "HMAC secret required to unlock /secure; empty disables it")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}
	if n := os.Getenv("SERVICE_NAME"); n != "" {
		*name = n
	}
	if s := os.Getenv("JWT_SECRET"); s != "" {
		*jwtSecret = s
	}

	mux := http.NewServeMux()

	// /__status/{code} returns an arbitrary HTTP status code.
	// Example: GET /__status/503 -> 503 Service Unavailable
	mux.HandleFunc("/__status/", func(w http.ResponseWriter, r *http.Request) {
		codeStr := strings.TrimPrefix(r.URL.Path, "/__status/")
		code, err := strconv.Atoi(codeStr)
		if err != nil || code < 100 || code > 599 {
			code = 500
		}
		writeJSON(w, code, map[string]any{
			"service":        *name,
			"requested_code": code,
			"message":        http.StatusText(code),
		})
	})

	// /__delay/{ms} sleeps for the given duration before responding 200.
	// Example: GET /__delay/300 -> stalls 300ms then 200 OK
	mux.HandleFunc("/__delay/", func(w http.ResponseWriter, r *http.Request) {
		msStr := strings.TrimPrefix(r.URL.Path, "/__delay/")
		ms, err := strconv.Atoi(msStr)
		if err != nil || ms < 0 {
			ms = 0
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"service":    *name,
			"delayed_ms": ms,
		})
	})

	// /secure requires a valid HMAC-signed bearer token when jwt-secret is
	// set. Demo-only: the resilient client core never touches auth.
	mux.HandleFunc("/secure", func(w http.ResponseWriter, r *http.Request) {
		if *jwtSecret == "" {
			writeJSON(w, http.StatusOK, map[string]any{"service": *name, "secure": true})
			return
		}
		auth := r.Header.Get("Authorization")
		tokenStr := strings.TrimPrefix(auth, "Bearer ")
		if tokenStr == auth {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing bearer token"})
			return
		}
		_, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			return []byte(*jwtSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"service": *name, "secure": true})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"service":     *name,
			"method":      r.Method,
			"path":        r.URL.Path,
			"query":       r.URL.RawQuery,
			"headers":     flattenHeaders(r.Header),
			"remote_addr": r.RemoteAddr,
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("%s listening on %s", *name, addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 1 {
			flat[k] = v[0]
		} else {
			b, _ := json.Marshal(v)
			flat[k] = string(b)
		}
	}
	return flat
}
