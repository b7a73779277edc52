// Package icloud is a reference cloud.Session implementation against a
// generic cookie-authenticated REST endpoint. It exercises net/http for
// JSON API calls and grab for photo-byte downloads, the same split the
// teacher repo uses between its raw JSON calls and its download helper.
package icloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cavaliergopher/grab/v3"

	"github.com/HenningUe/iphoto-downloader/pkg/cloud"
	"github.com/HenningUe/iphoto-downloader/pkg/ratelimiter"
)

// Session speaks to the remote service's REST API. The exact wire format is
// intentionally unspecified by the surrounding contract; the endpoints used
// below (/photos/albums, /photos/albums/<name>/items, /photos/download/<id>)
// are this implementation's own choice of a plausible cookie-session REST API.
type Session struct {
	baseURL     string
	sessionPath string
	httpClient  *http.Client
	grabClient  *grab.Client
	limiter     *ratelimiter.RateLimiter
}

var _ cloud.Session = (*Session)(nil)

// requestBurst caps how many API calls this Session lets through before its
// rate limiter starts pacing them; kept at 1 since album listing and photo
// download requests are already issued one at a time by the sync engine.
const requestBurst = 1

// New builds a Session. sessionPath is the file the trusted-session cookie
// jar is persisted to and loaded from, owner-only permissions.
func New(ctx context.Context, baseURL, sessionPath string, requestInterval time.Duration) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("icloud: creating cookie jar: %w", err)
	}

	s := &Session{
		baseURL:     baseURL,
		sessionPath: sessionPath,
		httpClient:  &http.Client{Jar: jar, Timeout: 30 * time.Second},
		grabClient:  grab.NewClient(),
		limiter:     ratelimiter.New(requestInterval, requestBurst, ctx),
	}
	s.loadSession()
	return s, nil
}

// loadSession restores previously persisted cookies, if any. A missing or
// unreadable file just means the user re-authenticates; it is not fatal.
func (s *Session) loadSession() {
	data, err := os.ReadFile(s.sessionPath)
	if err != nil {
		return
	}
	var cookies []*http.Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		return
	}
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return
	}
	s.httpClient.Jar.SetCookies(u, cookies)
}

// persistSession writes the current cookie jar to sessionPath with
// owner-only permissions, atomically via temp-file-then-rename.
func (s *Session) persistSession() error {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return err
	}
	// A cookie set without a Path attribute is scoped to the directory of
	// the endpoint that set it (/auth for /auth/signin), and the jar only
	// returns cookies whose path prefixes the URL asked for, so the lookup
	// uses the deepest auth endpoint: it sees cookies scoped to /auth/2fa,
	// /auth and /.
	cookies := s.httpClient.Jar.Cookies(u.JoinPath("auth", "2fa", "verify"))
	data, err := json.Marshal(cookies)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.sessionPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, s.sessionPath)
}

func (s *Session) getJSON(ctx context.Context, path string, out any) error {
	if err := s.limiter.Wait(); err != nil {
		return fmt.Errorf("%w: %v", cloud.ErrServiceUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", cloud.ErrServiceUnavailable, err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", cloud.ErrServiceUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return cloud.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", cloud.ErrServiceUnavailable, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *Session) postJSON(ctx context.Context, path string, body, out any) error {
	if err := s.limiter.Wait(); err != nil {
		return fmt.Errorf("%w: %v", cloud.ErrServiceUnavailable, err)
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", cloud.ErrServiceUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", cloud.ErrServiceUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", cloud.ErrServiceUnavailable, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	Status string `json:"status"` // "ok", "two_factor_required", "invalid_credentials"
}

// Authenticate posts credentials and classifies the response.
func (s *Session) Authenticate(ctx context.Context, username, password string) (cloud.AuthResult, error) {
	var resp authResponse
	err := s.postJSON(ctx, "/auth/signin", authRequest{Username: username, Password: password}, &resp)
	if err != nil {
		return cloud.AuthServiceUnavailable, err
	}
	switch resp.Status {
	case "ok":
		return cloud.AuthOK, nil
	case "two_factor_required":
		return cloud.AuthTwoFactorRequired, nil
	case "invalid_credentials":
		return cloud.AuthInvalidCredentials, nil
	default:
		return cloud.AuthServiceUnavailable, fmt.Errorf("icloud: unexpected auth status %q", resp.Status)
	}
}

// Request2FA asks the service to resend a verification code.
func (s *Session) Request2FA(ctx context.Context) (cloud.RequestResult, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := s.postJSON(ctx, "/auth/2fa/request", nil, &resp); err != nil {
		return cloud.RequestServiceUnavailable, err
	}
	switch resp.Status {
	case "ok":
		return cloud.RequestOK, nil
	case "rate_limited":
		return cloud.RequestRateLimited, nil
	default:
		return cloud.RequestServiceUnavailable, fmt.Errorf("icloud: unexpected 2fa-request status %q", resp.Status)
	}
}

// Verify2FA submits the user-entered code.
func (s *Session) Verify2FA(ctx context.Context, code string) (cloud.VerifyResult, error) {
	var resp struct {
		Status string `json:"status"`
	}
	err := s.postJSON(ctx, "/auth/2fa/verify", struct {
		Code string `json:"code"`
	}{Code: code}, &resp)
	if err != nil {
		return cloud.VerifyServiceUnavailable, err
	}
	switch resp.Status {
	case "ok":
		return cloud.VerifyOK, nil
	case "code_invalid":
		return cloud.VerifyCodeInvalid, nil
	default:
		return cloud.VerifyServiceUnavailable, fmt.Errorf("icloud: unexpected verify status %q", resp.Status)
	}
}

// TrustSession persists the authenticated cookie jar so the next run skips
// the 2FA dance. Best-effort: a write failure is logged by the caller, not
// treated as a cycle-aborting error.
func (s *Session) TrustSession(ctx context.Context) error {
	return s.persistSession()
}

type albumsResponse struct {
	Albums []struct {
		Name      string `json:"name"`
		Kind      string `json:"kind"`
		ItemCount int    `json:"item_count"`
	} `json:"albums"`
}

// ListAlbums returns every personal and shared album.
func (s *Session) ListAlbums(ctx context.Context) ([]cloud.Album, error) {
	var resp albumsResponse
	if err := s.getJSON(ctx, "/photos/albums", &resp); err != nil {
		return nil, err
	}
	albums := make([]cloud.Album, 0, len(resp.Albums))
	for _, a := range resp.Albums {
		albums = append(albums, cloud.Album{
			Name:      a.Name,
			Kind:      cloud.AlbumKind(a.Kind),
			ItemCount: a.ItemCount,
		})
	}
	return albums, nil
}

type photosResponse struct {
	Photos []struct {
		RemoteID  string `json:"remote_id"`
		Filename  string `json:"filename"`
		SizeBytes int64  `json:"size_bytes"`
	} `json:"photos"`
}

// ListPhotos returns every photo in one album.
func (s *Session) ListPhotos(ctx context.Context, album cloud.Album) ([]cloud.RemotePhoto, error) {
	var resp photosResponse
	path := fmt.Sprintf("/photos/albums/%s/items", url.PathEscape(album.Name))
	if err := s.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	photos := make([]cloud.RemotePhoto, 0, len(resp.Photos))
	for _, p := range resp.Photos {
		photos = append(photos, cloud.RemotePhoto{
			RemoteID:  p.RemoteID,
			Filename:  p.Filename,
			SizeBytes: p.SizeBytes,
			AlbumName: album.Name,
			Kind:      album.Kind,
		})
	}
	return photos, nil
}

// Download fetches the photo into a scratch file via grab, the same
// download-to-path call the teacher uses for its media assets, then hands
// the engine a ReadCloser over that file. Closing it removes the scratch
// file; the engine is expected to read it fully into its own destination
// before closing.
func (s *Session) Download(ctx context.Context, remoteID string) (io.ReadCloser, error) {
	if err := s.limiter.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %v", cloud.ErrServiceUnavailable, err)
	}

	scratch, err := os.CreateTemp("", "icloud-dl-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cloud.ErrServiceUnavailable, err)
	}
	scratchPath := scratch.Name()
	_ = scratch.Close()

	downloadURL := fmt.Sprintf("%s/photos/download/%s", s.baseURL, url.PathEscape(remoteID))
	req, err := grab.NewRequest(scratchPath, downloadURL)
	if err != nil {
		_ = os.Remove(scratchPath)
		return nil, fmt.Errorf("%w: %v", cloud.ErrServiceUnavailable, err)
	}
	req = req.WithContext(ctx)

	resp := s.grabClient.Do(req)
	if err := resp.Err(); err != nil {
		_ = os.Remove(scratchPath)
		if resp.HTTPResponse != nil && resp.HTTPResponse.StatusCode == http.StatusNotFound {
			return nil, cloud.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", cloud.ErrServiceUnavailable, err)
	}
	if resp.BytesComplete() == 0 {
		_ = os.Remove(scratchPath)
		return nil, cloud.ErrTruncated
	}

	f, err := os.Open(scratchPath)
	if err != nil {
		_ = os.Remove(scratchPath)
		return nil, fmt.Errorf("%w: %v", cloud.ErrServiceUnavailable, err)
	}
	return &selfDeletingFile{File: f, path: scratchPath}, nil
}

// selfDeletingFile removes its backing scratch file on Close, so callers
// never need to know the download used a temp file under the hood.
type selfDeletingFile struct {
	*os.File
	path string
}

func (f *selfDeletingFile) Close() error {
	err := f.File.Close()
	_ = os.Remove(f.path)
	return err
}
