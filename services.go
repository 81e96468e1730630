package ddns

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// Version is sent in the User-Agent of every provider request.
const Version = "1.0.0"

const userAgent = "ddnsd/" + Version

// Registry maps service names to backends.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry returns a registry holding backends.
// It panics if two backends share a name or a backend is neither a Service nor an Updater.
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[string]Backend)}
	for _, b := range backends {
		if err := r.Register(b); err != nil {
			panic(err)
		}
	}
	return r
}

// DefaultRegistry returns a new registry holding every built-in backend.
func DefaultRegistry() *Registry {
	return NewRegistry(
		DynDNS(),
		NoIP(),
		OVH(),
		ChangeIP(),
		Sitelutions(),
		Cloudflare(),
	)
}

func (r *Registry) Register(b Backend) error {
	switch b.(type) {
	case Service, Updater:
	default:
		return fmt.Errorf("ddns.Registry: backend %q implements neither Service nor Updater", b.Name())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.backends[b.Name()]; dup {
		return fmt.Errorf("ddns.Registry: service %q is already registered", b.Name())
	}
	r.backends[b.Name()] = b
	return nil
}

// Lookup returns the backend registered as name.
// A nil registry holds nothing.
func (r *Registry) Lookup(name string) (Backend, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Names returns the registered service names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// BasicAuth returns the value of a basic Authorization header for username and password.
func BasicAuth(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}

// httpGet assembles a GET request for a provider.
// Extra headers are written in the order given as name, value pairs.
func httpGet(host, target string, headers ...string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "GET %s HTTP/1.0\r\n", target)
	fmt.Fprintf(&b, "Host: %s\r\n", host)
	for i := 0; i+1 < len(headers); i += 2 {
		fmt.Fprintf(&b, "%s: %s\r\n", headers[i], headers[i+1])
	}
	b.WriteString("User-Agent: " + userAgent + "\r\n")
	b.WriteString("Connection: close\r\n")
	b.WriteString("Pragma: no-cache\r\n\r\n")
	return b.Bytes()
}

// splitResponse separates an HTTP response into its status code and body.
// A response with no status line is returned whole as the body with status 0.
func splitResponse(resp []byte) (status int, body []byte) {
	if !bytes.HasPrefix(resp, []byte("HTTP/")) {
		return 0, resp
	}
	line, _, _ := bytes.Cut(resp, []byte("\n"))
	fields := bytes.Fields(line)
	if len(fields) >= 2 {
		status, _ = strconv.Atoi(string(fields[1]))
	}
	if _, b, found := bytes.Cut(resp, []byte("\r\n\r\n")); found {
		return status, b
	}
	if _, b, found := bytes.Cut(resp, []byte("\n\n")); found {
		return status, b
	}
	return status, nil
}
