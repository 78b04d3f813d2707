package mailsync

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// ReadChannelFile returns one inbox id per line. Blank lines and lines starting
// with # are skipped; trailing # comments are stripped.
func ReadChannelFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	seen := map[string]struct{}{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read channel file: %w", err)
	}
	return out, nil
}

// WatchChannelFile applies the file to subs, then re-applies it every time it
// changes until ctx is done. The parent directory is watched so editors that
// replace the file by rename are picked up.
func WatchChannelFile(ctx context.Context, path string, subs *Subscriptions, logger Logger) error {
	if subs == nil {
		return fmt.Errorf("%w: subscriptions are required", ErrInvalidInput)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	apply := func() {
		channels, err := ReadChannelFile(abs)
		if err != nil {
			if os.IsNotExist(err) {
				return
			}
			logf(logger, "channel file %s: %v", abs, err)
			return
		}
		if err := subs.Set(channels); err != nil {
			logf(logger, "channel file %s: apply: %v", abs, err)
		}
	}
	apply()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			apply()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logf(logger, "channel file watcher: %v", err)
		}
	}
}
