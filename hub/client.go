package hub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"go_txt2img/logging"
)

// Client defaults.
const (
	DefaultEndpoint  = "https://huggingface.co"
	DefaultUserAgent = "txt2img/1.0"
	DefaultTimeout   = 30 * time.Minute
)

var (
	ErrRepoNotFound     = errors.New("hub: repository not found")
	ErrEntryNotFound    = errors.New("hub: file not found in repository")
	ErrUnauthorized     = errors.New("hub: authentication failed")
	ErrRateLimited      = errors.New("hub: rate limited")
	ErrNetwork          = errors.New("hub: network error")
	ErrInvalidResponse  = errors.New("hub: invalid response")
	ErrChecksumMismatch = errors.New("hub: checksum mismatch")
	ErrOffline          = errors.New("hub: offline mode and file not cached")
)

var sha256Pattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ModelInfo is the subset of repository metadata used for snapshot fetches.
type ModelInfo struct {
	ID       string    `json:"id"`
	SHA      string    `json:"sha"`
	Private  bool      `json:"private"`
	Siblings []Sibling `json:"siblings"`
}

// Sibling is one file in a repository.
type Sibling struct {
	Filename string   `json:"rfilename"`
	Size     int64    `json:"size"`
	BlobID   string   `json:"blobId"`
	LFS      *LFSInfo `json:"lfs,omitempty"`
}

// LFSInfo carries the content hash of large files.
type LFSInfo struct {
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Sibling returns the entry for filename, if listed.
func (m *ModelInfo) Sibling(filename string) (Sibling, bool) {
	for _, s := range m.Siblings {
		if s.Filename == filename {
			return s, true
		}
	}
	return Sibling{}, false
}

// FileMetadata is what a resolve HEAD request reports about a file.
type FileMetadata struct {
	Commit string
	ETag   string
	Size   int64
}

// Client talks to a hub endpoint and stores downloads in a Cache.
type Client struct {
	httpClient *http.Client
	endpoint   string
	token      string
	userAgent  string
	offline    bool
	cache      *Cache
	logger     *logging.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sets the access token sent as a bearer header.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithEndpoint sets the hub base URL.
func WithEndpoint(endpoint string) ClientOption {
	return func(c *Client) {
		if endpoint != "" {
			c.endpoint = strings.TrimSuffix(endpoint, "/")
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// WithCache sets the cache downloads are written to.
func WithCache(cache *Cache) ClientOption {
	return func(c *Client) { c.cache = cache }
}

// WithOffline disables network access; only cached files are served.
func WithOffline(offline bool) ClientOption {
	return func(c *Client) { c.offline = offline }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient returns a Client. HF_ENDPOINT and HF_HUB_OFFLINE are honored
// unless overridden by options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		endpoint:   DefaultEndpoint,
		userAgent:  DefaultUserAgent,
		logger:     logging.NewNopLogger(),
	}
	if endpoint := os.Getenv("HF_ENDPOINT"); endpoint != "" {
		c.endpoint = strings.TrimSuffix(endpoint, "/")
	}
	if v, err := strconv.ParseBool(os.Getenv("HF_HUB_OFFLINE")); err == nil {
		c.offline = v
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cache == nil {
		c.cache = NewCache("")
	}
	return c
}

// Cache returns the cache the client writes to.
func (c *Client) Cache() *Cache { return c.cache }

// Endpoint returns the hub base URL.
func (c *Client) Endpoint() string { return c.endpoint }

// ModelInfo fetches repository metadata at revision.
func (c *Client) ModelInfo(ctx context.Context, modelID, revision string) (*ModelInfo, error) {
	if err := ValidateModelID(modelID); err != nil {
		return nil, err
	}
	if c.offline {
		return nil, fmt.Errorf("%w: model info for %s", ErrOffline, modelID)
	}
	if revision == "" {
		revision = "main"
	}
	u := fmt.Sprintf("%s/api/models/%s/revision/%s?blobs=true", c.endpoint, modelID, url.PathEscape(revision))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	if err := statusError(resp, ErrRepoNotFound); err != nil {
		return nil, fmt.Errorf("model info %s: %w", modelID, err)
	}

	var info ModelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if info.SHA == "" {
		return nil, fmt.Errorf("%w: model info without commit sha", ErrInvalidResponse)
	}
	return &info, nil
}

// FileMetadata issues a HEAD request against the resolve URL without
// following redirects, reading the commit and etag headers.
func (c *Client) FileMetadata(ctx context.Context, modelID, filename, revision string) (*FileMetadata, error) {
	if c.offline {
		return nil, fmt.Errorf("%w: %s/%s", ErrOffline, modelID, filename)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.resolveURL(modelID, filename, revision), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept-Encoding", "identity")

	noRedirect := *c.httpClient
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	resp, err := noRedirect.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	if err := statusError(resp, ErrEntryNotFound); err != nil {
		return nil, fmt.Errorf("%s/%s: %w", modelID, filename, err)
	}

	meta := &FileMetadata{
		Commit: resp.Header.Get("X-Repo-Commit"),
		ETag:   normalizeETag(firstHeader(resp.Header, "X-Linked-Etag", "ETag")),
	}
	if size, err := strconv.ParseInt(firstHeader(resp.Header, "X-Linked-Size", "Content-Length"), 10, 64); err == nil {
		meta.Size = size
	}
	if meta.Commit == "" && IsCommitHash(revision) {
		meta.Commit = revision
	}
	if meta.Commit == "" {
		return nil, fmt.Errorf("%w: no commit header for %s/%s", ErrInvalidResponse, modelID, filename)
	}
	return meta, nil
}

// DownloadFile returns the snapshot path of filename at revision, fetching it
// into the cache when missing. The blob is written to a temp file and renamed
// into place. LFS files are checked against their sha256 etag.
func (c *Client) DownloadFile(ctx context.Context, modelID, filename, revision string) (string, error) {
	if err := ValidateModelID(modelID); err != nil {
		return "", err
	}
	if filename == "" {
		return "", fmt.Errorf("%w: empty filename", ErrEntryNotFound)
	}
	if revision == "" {
		revision = "main"
	}
	if path, err := c.cache.CachedFile(modelID, revision, filename); err == nil {
		return path, nil
	}
	if c.offline {
		return "", fmt.Errorf("%w: %s/%s@%s", ErrOffline, modelID, filename, revision)
	}

	meta, err := c.FileMetadata(ctx, modelID, filename, revision)
	if err != nil {
		return "", err
	}
	if path, err := c.cache.CachedFile(modelID, meta.Commit, filename); err == nil {
		return path, c.cache.WriteRef(modelID, revision, meta.Commit)
	}

	start := time.Now()
	etag, size, err := c.fetchBlob(ctx, modelID, filename, meta)
	if err != nil {
		return "", err
	}
	if err := c.cache.WriteRef(modelID, revision, meta.Commit); err != nil {
		return "", err
	}
	path, err := c.cache.linkSnapshotFile(modelID, meta.Commit, filename, etag)
	if err != nil {
		return "", err
	}
	c.logger.Debug("downloaded file",
		zap.String("model", modelID),
		zap.String("file", filename),
		zap.String("commit", meta.Commit),
		zap.Int64("bytes", size),
		zap.Duration("duration", time.Since(start)),
	)
	return path, nil
}

func (c *Client) fetchBlob(ctx context.Context, modelID, filename string, meta *FileMetadata) (string, int64, error) {
	blobsDir := filepath.Join(c.cache.RepoDir(modelID), BlobsDir)
	if meta.ETag != "" && !strings.ContainsAny(meta.ETag, `/\`) {
		if st, err := os.Stat(filepath.Join(blobsDir, meta.ETag)); err == nil && st.Mode().IsRegular() {
			return meta.ETag, st.Size(), nil
		}
	}
	if err := os.MkdirAll(blobsDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create blobs dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolveURL(modelID, filename, meta.Commit), nil)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	if err := statusError(resp, ErrEntryNotFound); err != nil {
		return "", 0, fmt.Errorf("%s/%s: %w", modelID, filename, err)
	}

	tmp, err := os.CreateTemp(blobsDir, ".download-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %s: %v", ErrNetwork, filename, err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("close temp file: %w", err)
	}
	digest := hex.EncodeToString(h.Sum(nil))

	etag := meta.ETag
	if etag == "" || strings.ContainsAny(etag, `/\`) {
		etag = digest
	}
	if sha256Pattern.MatchString(etag) && etag != digest {
		return "", 0, fmt.Errorf("%w: %s: expected %s, got %s", ErrChecksumMismatch, filename, etag, digest)
	}

	if err := os.Rename(tmpPath, filepath.Join(blobsDir, etag)); err != nil {
		return "", 0, fmt.Errorf("move blob into cache: %w", err)
	}
	tmp = nil
	return etag, n, nil
}

func (c *Client) resolveURL(modelID, filename, revision string) string {
	return fmt.Sprintf("%s/%s/resolve/%s/%s", c.endpoint, modelID, url.PathEscape(revision), filename)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// statusError maps hub status codes to sentinel errors. notFound is the
// sentinel used for 404, which differs between repo and file lookups.
func statusError(resp *http.Response, notFound error) error {
	switch {
	case resp.StatusCode < 400:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return notFound
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: status %d: %s", ErrInvalidResponse, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

func firstHeader(h http.Header, keys ...string) string {
	for _, k := range keys {
		if v := h.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// normalizeETag strips the weak prefix and quotes.
func normalizeETag(etag string) string {
	etag = strings.TrimPrefix(strings.TrimSpace(etag), "W/")
	return strings.Trim(etag, `"`)
}
