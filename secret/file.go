// Package secret loads the credential files used by the handshake.
//
// Two stores exist:
//
//   - Store (the secret file): client side, maps a destination
//     (service, protocol, host or subnet, port) to an identity and password.
//   - VerifierStore (the shadow file): server side, maps an identity to its
//     SRP-6a salt and verifier.
//
// Both re-read their file when its modification time changes. The check is
// rate limited so lookups on a hot path stay cheap.
package secret

import (
	"os"
	"sync"
	"time"
)

// checkInterval bounds how often the file mtime is inspected.
const checkInterval = time.Second

type fileSource struct {
	mu        sync.Mutex
	path      string
	mtime     time.Time
	lastCheck time.Time
	now       func() time.Time
}

func newFileSource(path string) *fileSource {
	return &fileSource{path: path, now: time.Now}
}

// changed reports whether the file must be (re)loaded. The first call always
// returns true. force skips the rate limit.
func (f *fileSource) changed(force bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	if !force && !f.lastCheck.IsZero() && now.Sub(f.lastCheck) < checkInterval {
		return false, nil
	}
	f.lastCheck = now
	st, err := os.Stat(f.path)
	if err != nil {
		return false, err
	}
	if st.ModTime().Equal(f.mtime) {
		return false, nil
	}
	f.mtime = st.ModTime()
	return true, nil
}
