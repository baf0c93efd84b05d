package secret

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Entry is one line of the secret file:
//
//	Echo @tcp+127.0.0.1+5555 = alice:secret
//	*    @tcp+10.0.0.0/8+*   = ops:hunter2
//
// "*" (or an empty field) matches anything.
type Entry struct {
	Service  string
	Proto    string
	Host     string
	Subnet   *net.IPNet
	Port     int // 0 = any
	Identity string
	Password string
}

func (e *Entry) matches(service, proto, host string, port int) bool {
	if e.Service != "" && e.Service != service {
		return false
	}
	if e.Proto != "" && !strings.EqualFold(e.Proto, proto) {
		return false
	}
	if e.Port != 0 && e.Port != port {
		return false
	}
	switch {
	case e.Subnet != nil:
		ip := net.ParseIP(host)
		return ip != nil && e.Subnet.Contains(ip)
	case e.Host != "":
		return strings.EqualFold(e.Host, host)
	}
	return true
}

func wildcard(s string) string {
	s = strings.TrimSpace(s)
	if s == "*" {
		return ""
	}
	return s
}

// ParseEntry parses one secret file line.
func ParseEntry(line string) (*Entry, error) {
	left, right, ok := strings.Cut(line, "=")
	if !ok {
		return nil, fmt.Errorf("missing '='")
	}
	identity, password, ok := strings.Cut(strings.TrimSpace(right), ":")
	if !ok || identity == "" {
		return nil, fmt.Errorf("credential must be identity:password")
	}
	service, ep, ok := strings.Cut(left, "@")
	if !ok {
		return nil, fmt.Errorf("missing '@'")
	}
	parts := strings.Split(strings.TrimSpace(ep), "+")
	if len(parts) != 3 {
		return nil, fmt.Errorf("destination must be proto+host+port")
	}

	e := &Entry{
		Service:  wildcard(service),
		Proto:    wildcard(parts[0]),
		Identity: identity,
		Password: password,
	}
	host := wildcard(parts[1])
	if strings.Contains(host, "/") {
		_, subnet, err := net.ParseCIDR(host)
		if err != nil {
			return nil, err
		}
		e.Subnet = subnet
	} else {
		e.Host = host
	}
	if port := wildcard(parts[2]); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return nil, fmt.Errorf("invalid port %q", port)
		}
		e.Port = n
	}
	return e, nil
}

func parseLines(data []byte, fn func(lineno int, line string) error) error {
	sc := bufio.NewScanner(bytes.NewReader(data))
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := fn(lineno, line); err != nil {
			return err
		}
	}
	return sc.Err()
}

// Store is the client-side credential store. The first matching entry wins.
type Store struct {
	mu      sync.RWMutex
	entries []*Entry
	src     *fileSource
	log     *zap.Logger
}

// NewStore creates an in-memory store.
func NewStore(entries ...*Entry) *Store {
	return &Store{entries: entries, log: zap.NewNop()}
}

// LoadStore reads the secret file at path.
func LoadStore(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{src: newFileSource(path), log: log}
	if err := s.reload(true); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) reload(force bool) error {
	changed, err := s.src.changed(force)
	if err != nil || !changed {
		return err
	}
	data, err := os.ReadFile(s.src.path)
	if err != nil {
		return err
	}
	var entries []*Entry
	err = parseLines(data, func(lineno int, line string) error {
		e, err := ParseEntry(line)
		if err != nil {
			return fmt.Errorf("%s:%d: %w", s.src.path, lineno, err)
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	s.log.Info("secret file loaded", zap.String("path", s.src.path), zap.Int("entries", len(entries)))
	return nil
}

// Find returns the credential for a destination.
func (s *Store) Find(service, proto, host string, port int) (identity, password string, ok bool) {
	if s == nil {
		return "", "", false
	}
	if s.src != nil {
		if err := s.reload(false); err != nil {
			s.log.Warn("secret file reload failed, keeping previous entries", zap.Error(err))
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.matches(service, proto, host, port) {
			return e.Identity, e.Password, true
		}
	}
	return "", "", false
}

// Len returns the number of entries.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
