package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/orrn/printbridge/internal/auth"
	"github.com/orrn/printbridge/internal/eventbus"
)

// Content failures are permanent per job: redelivering a payload that
// cannot be fetched or decoded cannot change the outcome.
var (
	ErrContentFetch       = errors.New("content fetch failed")
	ErrContentDecode      = errors.New("content decode failed")
	ErrContentUnsupported = errors.New("unsupported content type")
)

const maxContentBytes = 32 << 20

// TokenSource yields the current upstream access token for content
// fetches against the org's own endpoints.
type TokenSource interface {
	Token(ctx context.Context) (*auth.Token, error)
}

// Resolver turns a job event's content reference into the raw bytes to
// print. The bearer credential is injected only for the org's own hosts;
// external fetches authenticate with whatever the event's auth config
// carries.
type Resolver struct {
	tokens TokenSource
	client *http.Client
}

func NewResolver(tokens TokenSource, client *http.Client) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Resolver{tokens: tokens, client: client}
}

func (r *Resolver) Resolve(ctx context.Context, ev *eventbus.JobEvent) ([]byte, error) {
	switch ev.ContentType {
	case eventbus.ContentRawBase64, eventbus.ContentPDFBase64:
		data, err := base64.StdEncoding.DecodeString(ev.Content)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrContentDecode, err)
		}
		return data, nil
	case eventbus.ContentDocumentID:
		return r.fetchContentDocument(ctx, ev.Content)
	case eventbus.ContentRawURI, eventbus.ContentPDFURI:
		return r.fetchURI(ctx, ev.Content, ev.AuthConfig)
	default:
		return nil, fmt.Errorf("%w: %q", ErrContentUnsupported, ev.ContentType)
	}
}

// fetchContentDocument resolves a ContentDocument id to its latest
// version's bytes via the REST API. The caller never supplies a
// credential for this path.
func (r *Resolver) fetchContentDocument(ctx context.Context, docID string) ([]byte, error) {
	tok, err := r.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: token unavailable: %v", ErrContentFetch, err)
	}

	metaURL := fmt.Sprintf("%s/services/data/v60.0/sobjects/ContentDocument/%s", tok.InstanceURL, url.PathEscape(docID))
	meta, err := r.get(ctx, metaURL, tok.Value)
	if err != nil {
		return nil, err
	}

	var doc struct {
		LatestPublishedVersionID string `json:"LatestPublishedVersionId"`
	}
	if err := json.Unmarshal(meta, &doc); err != nil || doc.LatestPublishedVersionID == "" {
		return nil, fmt.Errorf("%w: content document %s has no published version", ErrContentFetch, docID)
	}

	dataURL := fmt.Sprintf("%s/services/data/v60.0/sobjects/ContentVersion/%s/VersionData", tok.InstanceURL, url.PathEscape(doc.LatestPublishedVersionID))
	return r.get(ctx, dataURL, tok.Value)
}

func (r *Resolver) fetchURI(ctx context.Context, rawURL string, authConfig map[string]any) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return nil, fmt.Errorf("%w: bad uri %q", ErrContentFetch, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentFetch, err)
	}

	tok, tokErr := r.tokens.Token(ctx)
	switch {
	case tokErr == nil && orgHost(u, tok.InstanceURL):
		req.Header.Set("Authorization", "Bearer "+tok.Value)
	case len(authConfig) > 0:
		if err := applyAuthConfig(req, authConfig); err != nil {
			return nil, err
		}
	}

	return r.do(req)
}

// orgHost reports whether the uri points at the org itself: exact match
// on the instance host, or the org's hosted-content domains. Substring
// matching is deliberately not done; attacker.example.com?x=my.salesforce.com
// must not receive a bearer token.
func orgHost(u *url.URL, instanceURL string) bool {
	host := strings.ToLower(u.Hostname())
	if inst, err := url.Parse(instanceURL); err == nil && host == strings.ToLower(inst.Hostname()) {
		return true
	}
	return strings.HasSuffix(host, ".my.salesforce.com") ||
		strings.HasSuffix(host, ".force.com") ||
		strings.HasSuffix(host, ".salesforce.com")
}

// applyAuthConfig applies the event-supplied credential for external
// hosts: bearer, basic, or a named header.
func applyAuthConfig(req *http.Request, cfg map[string]any) error {
	typ, _ := cfg["type"].(string)
	switch strings.ToLower(typ) {
	case "bearer":
		tok, _ := cfg["token"].(string)
		if tok == "" {
			return fmt.Errorf("%w: auth config bearer without token", ErrContentFetch)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	case "basic":
		user, _ := cfg["username"].(string)
		pass, _ := cfg["password"].(string)
		if user == "" {
			return fmt.Errorf("%w: auth config basic without username", ErrContentFetch)
		}
		req.SetBasicAuth(user, pass)
	case "header":
		name, _ := cfg["name"].(string)
		value, _ := cfg["value"].(string)
		if name == "" {
			return fmt.Errorf("%w: auth config header without name", ErrContentFetch)
		}
		req.Header.Set(name, value)
	case "":
		// No credential; fetch anonymously.
	default:
		return fmt.Errorf("%w: unknown auth config type %q", ErrContentFetch, typ)
	}
	return nil
}

func (r *Resolver) get(ctx context.Context, rawURL, bearer string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentFetch, err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	return r.do(req)
}

func (r *Resolver) do(req *http.Request) ([]byte, error) {
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned http %d", ErrContentFetch, req.URL.Host, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxContentBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrContentFetch, err)
	}
	return data, nil
}

// ContentError reports whether err is any of the permanent content
// failures.
func ContentError(err error) bool {
	return errors.Is(err, ErrContentFetch) ||
		errors.Is(err, ErrContentDecode) ||
		errors.Is(err, ErrContentUnsupported)
}
