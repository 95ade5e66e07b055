package eventchain

import (
	"bufio"
	"crypto/ed25519"
	"encoding/json"
	"os"
	"path/filepath"

	"darklock/internal/errs"
	"darklock/internal/security"
)

// FilePersistence durably stores a Chain as a newline-delimited JSON file
// (one event object per line), appending one line per event for a short single-writer critical
// section.
type FilePersistence struct {
	path       string
	anchorPath string
}

// NewFilePersistence targets path for the event log and a sibling
// anchor.json for daily anchors.
func NewFilePersistence(path string) *FilePersistence {
	return &FilePersistence{
		path:       path,
		anchorPath: filepath.Join(filepath.Dir(path), "anchor.json"),
	}
}

// AppendEvent appends one event as a JSON line, fsyncing before return.
func (p *FilePersistence) AppendEvent(e Event) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return errs.New(errs.IoTransient, "eventchain.AppendEvent", err)
	}
	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return errs.New(errs.IoTransient, "eventchain.AppendEvent", err)
	}
	defer f.Close()

	line, err := json.Marshal(e)
	if err != nil {
		return errs.New(errs.IoTransient, "eventchain.AppendEvent", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return errs.New(errs.IoTransient, "eventchain.AppendEvent", err)
	}
	return f.Sync()
}

// LoadChain reads every event line back into a Chain for verification.
func LoadChain(path string, pub ed25519.PublicKey, priv ed25519.PrivateKey, maxEvents int) (*Chain, error) {
	c := &Chain{maxEvents: maxEvents, priv: priv, pub: pub, anchorLimiter: security.NewRateLimiter(1.0/5.0, 2)}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, errs.New(errs.IoTransient, "eventchain.LoadChain", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, errs.New(errs.IoTransient, "eventchain.LoadChain", err)
		}
		c.events = append(c.events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.New(errs.IoTransient, "eventchain.LoadChain", err)
	}
	return c, nil
}

// WriteAnchor persists the chain's current daily anchor to anchor.json.
func (p *FilePersistence) WriteAnchor(a Anchor) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return errs.New(errs.IoTransient, "eventchain.WriteAnchor", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.anchorPath), 0o700); err != nil {
		return errs.New(errs.IoTransient, "eventchain.WriteAnchor", err)
	}
	return os.WriteFile(p.anchorPath, data, 0o600)
}

// ReadAnchor reads the last persisted anchor, if any.
func (p *FilePersistence) ReadAnchor() (Anchor, bool, error) {
	data, err := os.ReadFile(p.anchorPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Anchor{}, false, nil
		}
		return Anchor{}, false, errs.New(errs.IoTransient, "eventchain.ReadAnchor", err)
	}
	var a Anchor
	if err := json.Unmarshal(data, &a); err != nil {
		return Anchor{}, false, errs.New(errs.IoTransient, "eventchain.ReadAnchor", err)
	}
	return a, true, nil
}
