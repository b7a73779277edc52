// Package fake is an in-memory cloud.Session double used by engine and
// coordinator tests, in place of a mocking library (none of the retrieved
// example repos use one).
package fake

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/HenningUe/iphoto-downloader/pkg/cloud"
)

// Session is a scriptable in-memory cloud.Session.
type Session struct {
	mu sync.Mutex

	// RequireTwoFactor makes the first Authenticate call return
	// AuthTwoFactorRequired; subsequent calls (after TrustSession) return
	// AuthOK.
	RequireTwoFactor bool
	trusted          bool

	// ValidCode is the 6-digit code Verify2FA accepts.
	ValidCode string

	Albums []cloud.Album
	Photos map[string][]cloud.RemotePhoto // keyed by album name
	Blobs  map[string][]byte              // keyed by remote ID

	AuthenticateCalls int
	Verify2FACalls    int
	DownloadedIDs     []string
}

var _ cloud.Session = (*Session)(nil)

// New builds an empty fake session; a trusted session is simulated by
// setting RequireTwoFactor=false.
func New() *Session {
	return &Session{
		Photos: make(map[string][]cloud.RemotePhoto),
		Blobs:  make(map[string][]byte),
	}
}

func (s *Session) Authenticate(ctx context.Context, username, password string) (cloud.AuthResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AuthenticateCalls++
	if s.RequireTwoFactor && !s.trusted {
		return cloud.AuthTwoFactorRequired, nil
	}
	return cloud.AuthOK, nil
}

func (s *Session) Request2FA(ctx context.Context) (cloud.RequestResult, error) {
	return cloud.RequestOK, nil
}

func (s *Session) Verify2FA(ctx context.Context, code string) (cloud.VerifyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Verify2FACalls++
	if code == s.ValidCode {
		return cloud.VerifyOK, nil
	}
	return cloud.VerifyCodeInvalid, nil
}

func (s *Session) TrustSession(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trusted = true
	return nil
}

func (s *Session) ListAlbums(ctx context.Context) ([]cloud.Album, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]cloud.Album, len(s.Albums))
	copy(out, s.Albums)
	return out, nil
}

func (s *Session) ListPhotos(ctx context.Context, album cloud.Album) ([]cloud.RemotePhoto, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]cloud.RemotePhoto, len(s.Photos[album.Name]))
	copy(out, s.Photos[album.Name])
	return out, nil
}

func (s *Session) Download(ctx context.Context, remoteID string) (io.ReadCloser, error) {
	s.mu.Lock()
	blob, ok := s.Blobs[remoteID]
	s.DownloadedIDs = append(s.DownloadedIDs, remoteID)
	s.mu.Unlock()
	if !ok {
		return nil, cloud.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(blob)), nil
}
