package cairn

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/quic-go/quic-go/http3"
)

// KeyResolver turns a shareable address into the raw key of an archive.
// Resolution may consult remote state only when allowRemote is set.
type KeyResolver interface {
	Resolve(address string, allowRemote bool) (ArchiveKey, error)
}

// LocalKeyResolver resolves from a local table, falling back to a
// gateway's /cairn/resolve endpoint over HTTP/3 for addresses it
// doesn't know. Bare base58 archive keys resolve to themselves.
type LocalKeyResolver struct {
	gatewayURL string
	client     *http.Client
	table      map[string]ArchiveKey
	mtx        sync.RWMutex
}

// NewLocalKeyResolver creates a resolver. gatewayURL may be empty, in
// which case remote resolution is unavailable.
func NewLocalKeyResolver(gatewayURL string) *LocalKeyResolver {
	return &LocalKeyResolver{
		gatewayURL: gatewayURL,
		client:     &http.Client{Transport: &http3.RoundTripper{}},
		table:      make(map[string]ArchiveKey),
	}
}

// Register records a local mapping from a shareable address to a key.
func (r *LocalKeyResolver) Register(address string, key ArchiveKey) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	r.table[address] = key
}

// Lookup returns the locally registered key for an address, if any.
func (r *LocalKeyResolver) Lookup(address string) (ArchiveKey, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	key, exists := r.table[address]
	return key, exists
}

func (r *LocalKeyResolver) Resolve(address string, allowRemote bool) (ArchiveKey, error) {
	if address == "" {
		return "", fmt.Errorf("empty address")
	}

	if key, exists := r.Lookup(address); exists {
		return key, nil
	}

	// A bare archive key is its own resolution.
	if _, err := ParseBlobAddr(address); err == nil {
		return ArchiveKey(address), nil
	}

	if !allowRemote {
		return "", fmt.Errorf("address %s not known locally", address)
	}
	if r.gatewayURL == "" {
		return "", fmt.Errorf("address %s not known locally and no gateway configured", address)
	}

	return r.resolveRemote(address)
}

func (r *LocalKeyResolver) resolveRemote(address string) (ArchiveKey, error) {
	requestURL := r.gatewayURL + "/cairn/resolve/" + url.PathEscape(address)

	resp, err := r.client.Get(requestURL)
	if err != nil {
		return "", fmt.Errorf("error resolving %s: %v", address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("error resolving %s: status %d", address, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", fmt.Errorf("error reading resolution for %s: %v", address, err)
	}

	key := strings.TrimSpace(string(body))
	if _, err := ParseBlobAddr(key); err != nil {
		return "", fmt.Errorf("gateway returned invalid key for %s: %v", address, err)
	}

	r.Register(address, ArchiveKey(key))
	return ArchiveKey(key), nil
}
