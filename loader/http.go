package loader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"os"
	"path/filepath"
	"strings"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/publicsuffix"

	"github.com/cryguy/esmgraph/internal/registry"
	"github.com/cryguy/esmgraph/internal/specifier"
)

// HTTPLoader fetches http(s):// specifiers, following redirects itself
// (net/http's automatic following is disabled) so UrlFound genuinely
// diverges from UrlSpecified, with responses cached on disk
// brotli-compressed keyed by the originally requested specifier.
type HTTPLoader struct {
	PrepareLoad
	resolver *specifier.Resolver
	client   *http.Client
	// CacheDir, when non-empty, enables the on-disk response cache.
	CacheDir string
}

// NewHTTPLoader constructs an HTTPLoader. cacheDir may be empty to
// disable caching.
func NewHTTPLoader(cacheDir string) (*HTTPLoader, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("loader: creating cookie jar: %w", err)
	}
	return &HTTPLoader{
		resolver: specifier.NewResolver(),
		client: &http.Client{
			Jar: jar,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		CacheDir: cacheDir,
	}, nil
}

func (l *HTTPLoader) Resolve(spec, referrer string, kind specifier.Kind) (string, error) {
	return l.resolver.Resolve(spec, referrer, kind)
}

// Load performs the fetch, manually walking any redirect chain so
// ModuleSource.UrlFound reflects where the bytes actually came from.
func (l *HTTPLoader) Load(ctx context.Context, spec, referrer string, isDynamic bool) (registry.ModuleSource, error) {
	if cached, ok := l.readCache(spec); ok {
		return cached, nil
	}

	current := spec
	for redirects := 0; ; redirects++ {
		if redirects > 10 {
			return registry.ModuleSource{}, fmt.Errorf("loader: too many redirects resolving %s", spec)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return registry.ModuleSource{}, fmt.Errorf("loader: %s: %w", current, err)
		}
		resp, err := l.client.Do(req)
		if err != nil {
			return registry.ModuleSource{}, fmt.Errorf("loader: fetching %s: %w", current, err)
		}

		if loc := resp.Header.Get("Location"); resp.StatusCode >= 300 && resp.StatusCode < 400 && loc != "" {
			resp.Body.Close()
			next, err := l.resolver.Resolve(loc, current, specifier.Import)
			if err != nil {
				return registry.ModuleSource{}, err
			}
			current = next
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return registry.ModuleSource{}, fmt.Errorf("loader: reading body of %s: %w", current, err)
		}
		if resp.StatusCode != http.StatusOK {
			return registry.ModuleSource{}, fmt.Errorf("loader: %s: HTTP %d", current, resp.StatusCode)
		}

		source := registry.ModuleSource{
			Bytes:        body,
			ModuleType:   moduleTypeFromContentType(resp.Header.Get("Content-Type"), current),
			UrlSpecified: spec,
			UrlFound:     current,
		}
		l.writeCache(spec, source)
		return source, nil
	}
}

func moduleTypeFromContentType(contentType, path string) registry.ModuleType {
	if strings.Contains(contentType, "json") {
		return registry.ModuleTypeJSON
	}
	if strings.HasSuffix(path, ".json") {
		return registry.ModuleTypeJSON
	}
	return registry.ModuleTypeJavaScript
}

type cacheEntry struct {
	UrlFound   string
	ModuleType int32
}

func (l *HTTPLoader) cachePaths(spec string) (headerPath, bodyPath string) {
	sum := sha256.Sum256([]byte(spec))
	key := hex.EncodeToString(sum[:])
	return filepath.Join(l.CacheDir, key+".json"), filepath.Join(l.CacheDir, key+".br")
}

func (l *HTTPLoader) readCache(spec string) (registry.ModuleSource, bool) {
	if l.CacheDir == "" {
		return registry.ModuleSource{}, false
	}
	headerPath, bodyPath := l.cachePaths(spec)

	headerBytes, err := os.ReadFile(headerPath)
	if err != nil {
		return registry.ModuleSource{}, false
	}
	var hdr cacheEntry
	if err := json.Unmarshal(headerBytes, &hdr); err != nil {
		log.Printf("loader: discarding corrupt cache header for %s: %v", spec, err)
		return registry.ModuleSource{}, false
	}

	compressed, err := os.ReadFile(bodyPath)
	if err != nil {
		return registry.ModuleSource{}, false
	}
	body, err := io.ReadAll(brotli.NewReader(bytes.NewReader(compressed)))
	if err != nil {
		log.Printf("loader: discarding corrupt cache body for %s: %v", spec, err)
		return registry.ModuleSource{}, false
	}

	return registry.ModuleSource{
		Bytes:        body,
		ModuleType:   registry.ModuleType(hdr.ModuleType),
		UrlSpecified: spec,
		UrlFound:     hdr.UrlFound,
	}, true
}

func (l *HTTPLoader) writeCache(spec string, source registry.ModuleSource) {
	if l.CacheDir == "" {
		return
	}
	if err := os.MkdirAll(l.CacheDir, 0o755); err != nil {
		log.Printf("loader: cannot create cache dir %s: %v", l.CacheDir, err)
		return
	}

	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(source.Bytes); err != nil {
		log.Printf("loader: compressing cache entry for %s: %v", spec, err)
		return
	}
	if err := w.Close(); err != nil {
		log.Printf("loader: closing cache compressor for %s: %v", spec, err)
		return
	}

	hdr, err := json.Marshal(cacheEntry{UrlFound: source.UrlFound, ModuleType: int32(source.ModuleType)})
	if err != nil {
		return
	}
	headerPath, bodyPath := l.cachePaths(spec)
	if err := os.WriteFile(headerPath, hdr, 0o644); err != nil {
		log.Printf("loader: writing cache header for %s: %v", spec, err)
		return
	}
	if err := os.WriteFile(bodyPath, buf.Bytes(), 0o644); err != nil {
		log.Printf("loader: writing cache body for %s: %v", spec, err)
	}
}
