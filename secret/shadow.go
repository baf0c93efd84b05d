package secret

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"xic/srp"
)

// VerifierStore is the server-side shadow store. Each line of the file is
//
//	identity = <salt hex>:<verifier hex>
//
// and can be produced with FormatVerifier.
type VerifierStore struct {
	mu        sync.RWMutex
	group     *srp.Group
	verifiers map[string]*srp.Verifier
	src       *fileSource
	log       *zap.Logger
}

// NewVerifierStore creates an empty in-memory store over the default group.
func NewVerifierStore() *VerifierStore {
	return &VerifierStore{
		group:     srp.DefaultGroup(),
		verifiers: make(map[string]*srp.Verifier),
		log:       zap.NewNop(),
	}
}

// LoadVerifierStore reads the shadow file at path.
func LoadVerifierStore(path string, log *zap.Logger) (*VerifierStore, error) {
	s := NewVerifierStore()
	if log != nil {
		s.log = log
	}
	s.src = newFileSource(path)
	if err := s.reload(true); err != nil {
		return nil, err
	}
	return s, nil
}

// Group returns the SRP group the verifiers were computed in.
func (s *VerifierStore) Group() *srp.Group {
	return s.group
}

// AddPassword computes and stores a verifier for identity.
func (s *VerifierStore) AddPassword(identity, password string) error {
	v, err := srp.NewVerifier(s.group, identity, password)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.verifiers[identity] = v
	s.mu.Unlock()
	return nil
}

// GetVerifier returns the stored verifier for identity.
func (s *VerifierStore) GetVerifier(identity string) (*srp.Verifier, bool) {
	if s == nil {
		return nil, false
	}
	if s.src != nil {
		if err := s.reload(false); err != nil {
			s.log.Warn("shadow file reload failed, keeping previous entries", zap.Error(err))
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.verifiers[identity]
	return v, ok
}

// Len returns the number of identities.
func (s *VerifierStore) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.verifiers)
}

func (s *VerifierStore) reload(force bool) error {
	changed, err := s.src.changed(force)
	if err != nil || !changed {
		return err
	}
	data, err := os.ReadFile(s.src.path)
	if err != nil {
		return err
	}
	verifiers := make(map[string]*srp.Verifier)
	err = parseLines(data, func(lineno int, line string) error {
		identity, v, err := ParseVerifier(line)
		if err != nil {
			return fmt.Errorf("%s:%d: %w", s.src.path, lineno, err)
		}
		verifiers[identity] = v
		return nil
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.verifiers = verifiers
	s.mu.Unlock()
	s.log.Info("shadow file loaded", zap.String("path", s.src.path), zap.Int("identities", len(verifiers)))
	return nil
}

// ParseVerifier parses one shadow file line.
func ParseVerifier(line string) (string, *srp.Verifier, error) {
	left, right, ok := strings.Cut(line, "=")
	identity := strings.TrimSpace(left)
	if !ok || identity == "" {
		return "", nil, fmt.Errorf("expected identity = salt:verifier")
	}
	saltHex, vHex, ok := strings.Cut(strings.TrimSpace(right), ":")
	if !ok {
		return "", nil, fmt.Errorf("expected salt:verifier")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", nil, fmt.Errorf("salt: %w", err)
	}
	vb, err := hex.DecodeString(vHex)
	if err != nil {
		return "", nil, fmt.Errorf("verifier: %w", err)
	}
	return identity, &srp.Verifier{Salt: salt, V: new(big.Int).SetBytes(vb)}, nil
}

// FormatVerifier renders a shadow file line for identity/password.
func FormatVerifier(identity, password string) (string, error) {
	v, err := srp.NewVerifier(srp.DefaultGroup(), identity, password)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s = %s:%s", identity, hex.EncodeToString(v.Salt), hex.EncodeToString(v.V.Bytes())), nil
}
