package reputation

import (
	"bufio"
	"context"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/semihalev/zlog/v2"

	"dnssentry/dnsutil"
)

// LoadTrustedFile merges a newline-delimited domain list into the trusted
// set. Lines starting with # are comments.
func (s *Scorer) LoadTrustedFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	extra := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		extra[dnsutil.Normalize(line)] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.trusted = make(map[string]struct{}, len(s.cfg.TrustedDomains)+len(extra))
	for _, d := range s.cfg.TrustedDomains {
		s.trusted[dnsutil.Normalize(d)] = struct{}{}
	}
	for d := range extra {
		s.trusted[d] = struct{}{}
	}

	zlog.Info("Trusted domains loaded", "file", path, "entries", len(extra))

	return nil
}

// WatchTrustedFile loads the configured trusted file and reloads it whenever
// it changes, until the context is cancelled. A missing or unreadable file
// is logged and retried on the next change event.
func (s *Scorer) WatchTrustedFile(ctx context.Context) error {
	path := s.cfg.TrustedFile
	if path == "" {
		return nil
	}

	if err := s.LoadTrustedFile(path); err != nil {
		zlog.Warn("Trusted domains file not loaded", "file", path, "error", err.Error())
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				zlog.Debug("Trusted domains file changed", "event", event.String())
				if err := s.LoadTrustedFile(path); err != nil {
					zlog.Error("Trusted domains reload failed", "file", path, "error", err.Error())
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				zlog.Error("Trusted domains watcher error", "error", err.Error())
			}
		}
	}()

	return nil
}
