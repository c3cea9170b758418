// ABOUTME: Attachment blob storage with expiring signed URLs
// ABOUTME: Filesystem-backed store, HMAC-SHA256 signatures minted per access

package attach

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Signed URL errors
var (
	ErrExpiredURL    = errors.New("signed url expired")
	ErrBadSignature  = errors.New("signed url signature mismatch")
	ErrMalformedURL  = errors.New("malformed signed url")
	ErrUnknownObject = errors.New("attachment not found")
)

// DefaultURLTTL is how long a freshly minted signed URL stays valid.
// Signatures are cheap to mint, so callers re-sign on each render rather
// than persisting URLs.
const DefaultURLTTL = 15 * time.Minute

// Store persists attachment blobs and mints access URLs for them.
// Conversations store only the stable object path; URLs are derived on
// demand and expire.
type Store interface {
	// Put stores a blob and returns its stable object path.
	Put(ctx context.Context, conversationID, filename string, r io.Reader) (string, error)
	// SignedURL mints a time-limited URL for the object path.
	SignedURL(objectPath string, ttl time.Duration) (string, error)
}

// FSStore keeps attachment blobs under a root directory and signs access
// URLs with HMAC-SHA256 over "<path>:<expiry>".
type FSStore struct {
	root    string
	baseURL string
	secret  []byte

	// now is swappable for tests
	now func() time.Time
}

// NewFSStore creates a filesystem attachment store. baseURL is the public
// prefix signed URLs are rooted at, e.g. "https://files.example.com".
func NewFSStore(root, baseURL string, secret []byte) (*FSStore, error) {
	if len(secret) == 0 {
		return nil, errors.New("attach: empty signing secret")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating attachment root: %w", err)
	}
	return &FSStore{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		now:     time.Now,
	}, nil
}

// Put stores the blob under <conversationID>/<uuid><ext> and returns that
// object path. The original filename contributes only its extension; names
// are never trusted for paths.
func (s *FSStore) Put(_ context.Context, conversationID, filename string, r io.Reader) (string, error) {
	if conversationID == "" {
		return "", errors.New("attach: empty conversation id")
	}

	ext := path.Ext(filepath.Base(filename))
	objectPath := path.Join(conversationID, uuid.New().String()+ext)

	dir := filepath.Join(s.root, conversationID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating conversation dir: %w", err)
	}

	f, err := os.Create(filepath.Join(s.root, filepath.FromSlash(objectPath)))
	if err != nil {
		return "", fmt.Errorf("creating attachment file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("writing attachment: %w", err)
	}
	return objectPath, nil
}

// Open returns a reader for a stored object path.
func (s *FSStore) Open(objectPath string) (io.ReadCloser, error) {
	full := filepath.Join(s.root, filepath.FromSlash(path.Clean("/" + objectPath)))
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrUnknownObject
		}
		return nil, err
	}
	return f, nil
}

// SignedURL mints "<base>/<path>?exp=<unix>&sig=<hex>" valid for ttl.
// A non-positive ttl falls back to DefaultURLTTL.
func (s *FSStore) SignedURL(objectPath string, ttl time.Duration) (string, error) {
	if objectPath == "" {
		return "", errors.New("attach: empty object path")
	}
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}

	exp := s.now().Add(ttl).Unix()
	sig := s.sign(objectPath, exp)

	q := url.Values{}
	q.Set("exp", strconv.FormatInt(exp, 10))
	q.Set("sig", sig)
	return s.baseURL + "/" + objectPath + "?" + q.Encode(), nil
}

// Verify checks a signed URL's signature and expiry and returns the object
// path it grants access to.
func (s *FSStore) Verify(signedURL string) (string, error) {
	u, err := url.Parse(signedURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}

	objectPath := strings.TrimPrefix(u.Path, "/")
	if s.baseURL != "" {
		if base, err := url.Parse(s.baseURL); err == nil && base.Path != "" {
			objectPath = strings.TrimPrefix(strings.TrimPrefix(u.Path, base.Path), "/")
		}
	}
	if objectPath == "" {
		return "", ErrMalformedURL
	}

	expStr := u.Query().Get("exp")
	sig := u.Query().Get("sig")
	if expStr == "" || sig == "" {
		return "", ErrMalformedURL
	}

	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: bad expiry", ErrMalformedURL)
	}

	want := s.sign(objectPath, exp)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return "", ErrBadSignature
	}
	if s.now().Unix() > exp {
		return "", ErrExpiredURL
	}
	return objectPath, nil
}

func (s *FSStore) sign(objectPath string, exp int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%d", objectPath, exp)
	return hex.EncodeToString(mac.Sum(nil))
}

var _ Store = (*FSStore)(nil)
