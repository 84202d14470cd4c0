package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
)

type client struct {
	base string
	http *http.Client
}

func (c *client) call(ctx context.Context, method, path, token string, body, out any) int {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			log.Fatalf("encode %s %s: %v", method, path, err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		log.Fatalf("build %s %s: %v", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			log.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func expect(step string, got, want int) {
	if got != want {
		log.Fatalf("%s: expected HTTP %d, got %d", step, want, got)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	c := &client{
		base: envOr("AUTHCORE_SMOKE_URL", "http://localhost:8080"),
		http: &http.Client{Timeout: 5 * time.Second},
	}
	adminUser := envOr("AUTHCORE_SMOKE_ADMIN", "admin")
	adminPass := os.Getenv("AUTHCORE_SMOKE_ADMIN_PASSWORD")
	if adminPass == "" {
		log.Fatal("AUTHCORE_SMOKE_ADMIN_PASSWORD is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var login struct {
		Token string `json:"token"`
	}
	expect("admin login", c.call(ctx, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"username": adminUser, "password": adminPass,
	}, &login), http.StatusOK)
	admin := login.Token

	suffix := uuid.NewString()[:8]
	username, password := "smoke-"+suffix, "smoke-pw-"+suffix
	system := "smoke-" + suffix

	var user struct {
		ID string `json:"id"`
	}
	expect("register user", c.call(ctx, http.MethodPost, "/v1/users", admin, map[string]string{
		"username": username, "password": password,
	}, &user), http.StatusCreated)

	expect("user login", c.call(ctx, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"username": username, "password": password,
	}, &login), http.StatusOK)
	token := login.Token

	var denied struct {
		Reason string `json:"reason"`
	}
	expect("authorize before grant", c.call(ctx, http.MethodPost, "/v1/systems/"+system+"/authorize", token, nil, &denied), http.StatusForbidden)
	if denied.Reason != "no-grant" {
		log.Fatalf("authorize before grant: reason %q", denied.Reason)
	}

	expect("grant", c.call(ctx, http.MethodPut, "/v1/grants/"+user.ID+"/"+system, admin, map[string]string{
		"access_level": "read",
	}, nil), http.StatusOK)

	var verdict struct {
		Allowed     bool   `json:"allowed"`
		AccessLevel string `json:"access_level"`
	}
	expect("authorize after grant", c.call(ctx, http.MethodPost, "/v1/systems/"+system+"/authorize", token, nil, &verdict), http.StatusOK)
	if !verdict.Allowed || verdict.AccessLevel != "read" {
		log.Fatalf("authorize after grant: unexpected verdict %+v", verdict)
	}

	expect("revoke", c.call(ctx, http.MethodDelete, "/v1/grants/"+user.ID+"/"+system, admin, nil, nil), http.StatusOK)
	expect("authorize after revoke", c.call(ctx, http.MethodPost, "/v1/systems/"+system+"/authorize", token, nil, &denied), http.StatusForbidden)
	if denied.Reason != "revoked" {
		log.Fatalf("authorize after revoke: reason %q", denied.Reason)
	}

	var page struct {
		Entries []struct {
			Status string `json:"status"`
		} `json:"entries"`
	}
	expect("audit query", c.call(ctx, http.MethodGet, "/v1/audit?action=authorize&system="+system, admin, nil, &page), http.StatusOK)
	if len(page.Entries) != 3 {
		log.Fatalf("audit query: expected 3 authorize entries, got %d", len(page.Entries))
	}

	var report struct {
		OK bool `json:"ok"`
	}
	expect("audit verify", c.call(ctx, http.MethodGet, "/v1/audit/verify", admin, nil, &report), http.StatusOK)
	if !report.OK {
		log.Fatal("audit verify: chain broken")
	}

	fmt.Printf("authcore smoke test passed: user=%s system=%s\n", user.ID, system)
}
