package recordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenSlack refreshes the admin token this long before it expires.
const tokenSlack = time.Minute

// PocketBase talks to a PocketBase server over its REST API with a
// superuser session. The session token is cached and renewed only when it
// is about to expire or the server answers 401.
type PocketBase struct {
	BaseURL  string
	Email    string
	Password string
	HTTP     *http.Client

	mu     sync.Mutex
	token  string
	expiry time.Time
	now    func() time.Time
}

// NewPocketBase creates a client. Credentials come from configuration, never
// from source.
func NewPocketBase(baseURL, email, password string, timeout time.Duration) *PocketBase {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PocketBase{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Email:    email,
		Password: password,
		HTTP:     &http.Client{Timeout: timeout},
		now:      time.Now,
	}
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("pocketbase %d: %s", e.Status, e.Message)
}

func (p *PocketBase) authToken(ctx context.Context, force bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !force && p.token != "" && p.now().Add(tokenSlack).Before(p.expiry) {
		return p.token, nil
	}

	body, _ := json.Marshal(map[string]string{"identity": p.Email, "password": p.Password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.BaseURL+"/api/collections/_superusers/auth-with-password", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("pocketbase auth request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("pocketbase auth: %w", readAPIError(resp))
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("pocketbase auth: decode response failed: %w", err)
	}
	if out.Token == "" {
		return "", errors.New("pocketbase auth: empty token")
	}

	p.token = out.Token
	p.expiry = tokenExpiry(out.Token, p.now())
	return p.token, nil
}

// tokenExpiry reads exp from the session JWT. The signature is the
// server's business; only the lifetime matters here.
func tokenExpiry(token string, now time.Time) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return now.Add(10 * time.Minute)
}

func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Message string `json:"message"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Message != "" {
		msg = body.Message
	}
	return &apiError{Status: resp.StatusCode, Message: msg}
}

// do sends an authenticated request, retrying once with a fresh token on 401.
func (p *PocketBase) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}
	endpoint := p.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	for attempt := 0; ; attempt++ {
		token, err := p.authToken(ctx, attempt > 0)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := p.HTTP.Do(req)
		if err != nil {
			return fmt.Errorf("pocketbase request failed: %w", err)
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			continue
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return ErrNotFound
		}
		if resp.StatusCode >= 300 {
			return readAPIError(resp)
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response failed: %w", err)
		}
		return nil
	}
}

func recordsPath(collection string, id ...string) string {
	p := "/api/collections/" + url.PathEscape(collection) + "/records"
	if len(id) > 0 {
		p += "/" + url.PathEscape(id[0])
	}
	return p
}

func (p *PocketBase) List(ctx context.Context, collection string, opts ListOptions) (ListResult, error) {
	if err := opts.Filter.Validate(); err != nil {
		return ListResult{}, storageErr("list", collection, err)
	}
	opts = opts.normalized()
	q := url.Values{}
	q.Set("page", strconv.Itoa(opts.Page))
	q.Set("perPage", strconv.Itoa(opts.PerPage))
	if len(opts.Filter) > 0 {
		q.Set("filter", opts.Filter.String())
	}
	if opts.Sort != "" {
		q.Set("sort", opts.Sort)
	}
	var out struct {
		Page       int      `json:"page"`
		PerPage    int      `json:"perPage"`
		TotalItems int      `json:"totalItems"`
		Items      []Record `json:"items"`
	}
	if err := p.do(ctx, http.MethodGet, recordsPath(collection), q, nil, &out); err != nil {
		return ListResult{}, storageErr("list", collection, err)
	}
	return ListResult{Items: out.Items, Page: out.Page, PerPage: out.PerPage, TotalItems: out.TotalItems}, nil
}

func (p *PocketBase) GetOne(ctx context.Context, collection, id string) (Record, error) {
	var rec Record
	if err := p.do(ctx, http.MethodGet, recordsPath(collection, id), nil, nil, &rec); err != nil {
		return nil, storageErr("get", collection, err)
	}
	return rec, nil
}

func (p *PocketBase) Create(ctx context.Context, collection string, data Record) (Record, error) {
	var rec Record
	if err := p.do(ctx, http.MethodPost, recordsPath(collection), nil, data, &rec); err != nil {
		return nil, storageErr("create", collection, err)
	}
	return rec, nil
}

func (p *PocketBase) Update(ctx context.Context, collection, id string, data Record) (Record, error) {
	var rec Record
	if err := p.do(ctx, http.MethodPatch, recordsPath(collection, id), nil, data, &rec); err != nil {
		return nil, storageErr("update", collection, err)
	}
	return rec, nil
}

func (p *PocketBase) Delete(ctx context.Context, collection, id string) error {
	return storageErr("delete", collection, p.do(ctx, http.MethodDelete, recordsPath(collection, id), nil, nil, nil))
}

// Increment uses PocketBase's "field+" modifier, which the server applies
// as a single atomic update.
func (p *PocketBase) Increment(ctx context.Context, collection, id, field string, delta int, set Record) (Record, error) {
	body := cloneRecord(set)
	body[field+"+"] = delta
	var rec Record
	if err := p.do(ctx, http.MethodPatch, recordsPath(collection, id), nil, body, &rec); err != nil {
		return nil, storageErr("increment", collection, err)
	}
	return rec, nil
}

var _ Store = (*PocketBase)(nil)
