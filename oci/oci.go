package oci

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wasmic/wasmic/errors"
)

// Media types accepted for component layers.
const (
	MediaTypeWasm      = "application/wasm"
	MediaTypeWasmLayer = "application/vnd.wasm.content.layer.v1+wasm"
)

const (
	mediaTypeOCIManifest    = "application/vnd.oci.image.manifest.v1+json"
	mediaTypeDockerManifest = "application/vnd.docker.distribution.manifest.v2+json"

	defaultRegistry = "registry-1.docker.io"
	defaultTag      = "latest"

	// maxBlobSize caps a single component download.
	maxBlobSize = 512 << 20
)

// Client pulls component binaries from OCI registries using anonymous
// bearer auth. It implements resolver.Fetcher.
type Client struct {
	http *http.Client
	log  *zap.Logger

	mu     sync.Mutex
	tokens map[string]string // scope key -> bearer token
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient builds an anonymous registry client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		http:   &http.Client{Timeout: 5 * time.Minute},
		log:    zap.NewNop(),
		tokens: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// reference is a parsed registry/repository:tag triple.
type reference struct {
	registry   string
	repository string
	tag        string
}

// parseReference splits an OCI reference. The first path segment is
// treated as a registry host only when it looks like one (contains a
// dot or port, or is localhost), matching the usual docker shorthand.
func parseReference(raw string) (reference, error) {
	ref := reference{registry: defaultRegistry, tag: defaultTag}
	rest := raw

	if i := strings.IndexByte(rest, '/'); i > 0 {
		head := rest[:i]
		if strings.ContainsAny(head, ".:") || head == "localhost" {
			ref.registry = head
			rest = rest[i+1:]
		}
	}

	if i := strings.LastIndexByte(rest, ':'); i > 0 {
		ref.tag = rest[i+1:]
		rest = rest[:i]
	}

	if rest == "" || ref.tag == "" {
		return reference{}, errors.New(errors.StageResolve, errors.KindValidation).
			Detail("invalid OCI reference %q", raw).Build()
	}
	ref.repository = rest
	return ref, nil
}

// manifest is the subset of an image manifest we care about.
type manifest struct {
	Layers []descriptor `json:"layers"`
}

type descriptor struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// Fetch pulls the component binary behind an OCI reference. The wasm
// layer's digest is verified against the downloaded bytes before
// returning.
func (c *Client) Fetch(ctx context.Context, rawRef string) (data []byte, digest string, err error) {
	ref, err := parseReference(rawRef)
	if err != nil {
		return nil, "", err
	}

	start := time.Now()
	m, err := c.fetchManifest(ctx, ref)
	if err != nil {
		return nil, "", err
	}

	layer, err := wasmLayer(m, rawRef)
	if err != nil {
		return nil, "", err
	}

	data, err = c.fetchBlob(ctx, ref, layer)
	if err != nil {
		return nil, "", err
	}

	sum := sha256.Sum256(data)
	digest = "sha256:" + hex.EncodeToString(sum[:])
	if layer.Digest != "" && layer.Digest != digest {
		return nil, "", errors.Integrity(rawRef, layer.Digest, digest)
	}

	c.log.Info("pulled OCI artifact",
		zap.String("reference", rawRef),
		zap.String("digest", digest),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)))
	return data, digest, nil
}

// wasmLayer picks the component layer out of a manifest.
func wasmLayer(m *manifest, rawRef string) (descriptor, error) {
	for _, layer := range m.Layers {
		if layer.MediaType == MediaTypeWasmLayer || layer.MediaType == MediaTypeWasm {
			return layer, nil
		}
	}
	return descriptor{}, errors.InvalidArtifact(
		fmt.Sprintf("no wasm layer in OCI artifact %q", rawRef), nil)
}

func (c *Client) fetchManifest(ctx context.Context, ref reference) (*manifest, error) {
	url := fmt.Sprintf("%s/v2/%s/manifests/%s", c.baseURL(ref), ref.repository, ref.tag)
	body, err := c.get(ctx, ref, url, mediaTypeOCIManifest+", "+mediaTypeDockerManifest)
	if err != nil {
		return nil, err
	}

	var m manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, errors.InvalidArtifact("malformed OCI manifest", err)
	}
	return &m, nil
}

func (c *Client) fetchBlob(ctx context.Context, ref reference, layer descriptor) ([]byte, error) {
	url := fmt.Sprintf("%s/v2/%s/blobs/%s", c.baseURL(ref), ref.repository, layer.Digest)
	return c.get(ctx, ref, url, layer.MediaType)
}

func (c *Client) baseURL(ref reference) string {
	scheme := "https"
	// Plain HTTP for local registries only.
	if strings.HasPrefix(ref.registry, "localhost") || strings.HasPrefix(ref.registry, "127.0.0.1") {
		scheme = "http"
	}
	return scheme + "://" + ref.registry
}

// get performs an authenticated GET, obtaining an anonymous bearer
// token on a 401 challenge and retrying once.
func (c *Client) get(ctx context.Context, ref reference, url, accept string) ([]byte, error) {
	scopeKey := ref.registry + "/" + ref.repository

	c.mu.Lock()
	token := c.tokens[scopeKey]
	c.mu.Unlock()

	body, status, challenge, err := c.do(ctx, url, accept, token)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized && challenge != "" {
		token, err = c.authorize(ctx, challenge, ref)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.tokens[scopeKey] = token
		c.mu.Unlock()
		body, status, _, err = c.do(ctx, url, accept, token)
		if err != nil {
			return nil, err
		}
	}

	switch {
	case status == http.StatusOK:
		return body, nil
	case status == http.StatusNotFound:
		return nil, errors.NotFound(errors.StageResolve, "OCI artifact", url)
	default:
		return nil, errors.New(errors.StageResolve, errors.KindInternal).
			Detail("registry returned %d for %s", status, url).Build()
	}
}

func (c *Client) do(ctx context.Context, url, accept, token string) (body []byte, status int, challenge string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, "", errors.Wrap(errors.StageResolve, errors.KindInternal, err, "build registry request")
	}
	req.Header.Set("Accept", accept)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, "", errors.Wrap(errors.StageResolve, errors.KindInternal, err, "registry request failed")
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxBlobSize))
	if err != nil {
		return nil, 0, "", errors.Wrap(errors.StageResolve, errors.KindInternal, err, "read registry response")
	}
	return body, resp.StatusCode, resp.Header.Get("Www-Authenticate"), nil
}

// authorize exchanges a Bearer challenge for an anonymous pull token.
func (c *Client) authorize(ctx context.Context, challenge string, ref reference) (string, error) {
	params := parseChallenge(challenge)
	realm := params["realm"]
	if realm == "" {
		return "", errors.New(errors.StageResolve, errors.KindInternal).
			Detail("registry auth challenge has no realm: %q", challenge).Build()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, realm, nil)
	if err != nil {
		return "", errors.Wrap(errors.StageResolve, errors.KindInternal, err, "build token request")
	}
	q := req.URL.Query()
	if service := params["service"]; service != "" {
		q.Set("service", service)
	}
	scope := params["scope"]
	if scope == "" {
		scope = "repository:" + ref.repository + ":pull"
	}
	q.Set("scope", scope)
	req.URL.RawQuery = q.Encode()

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(errors.StageResolve, errors.KindInternal, err, "token request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.New(errors.StageResolve, errors.KindInternal).
			Detail("token endpoint returned %d", resp.StatusCode).Build()
	}

	var payload struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", errors.Wrap(errors.StageResolve, errors.KindInternal, err, "decode token response")
	}
	if payload.Token != "" {
		return payload.Token, nil
	}
	return payload.AccessToken, nil
}

// parseChallenge extracts key="value" params from a Bearer challenge
// header.
func parseChallenge(header string) map[string]string {
	params := make(map[string]string)
	header = strings.TrimPrefix(header, "Bearer ")
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		params[k] = strings.Trim(v, `"`)
	}
	return params
}
