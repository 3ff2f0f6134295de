package file

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/songzhibin97/routegate/pkg/config"
)

// FileSource implements the config.Source interface for a route document
// stored in a local file. Changes are detected by polling the modification
// time and only delivered when the content actually differs.
type FileSource struct {
	filePath     string
	pollInterval time.Duration

	mu       sync.Mutex
	watchers map[int]context.CancelFunc
	nextID   int
	closed   bool
	wg       sync.WaitGroup
}

// NewFileSource creates a new file-based configuration source.
//
// Parameters:
//   - filePath: Path to the route document
//   - pollInterval: Interval for checking file modifications (default: 1 second)
func NewFileSource(filePath string, pollInterval time.Duration) (config.Source, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}

	if _, err := os.Stat(filePath); err != nil {
		return nil, fmt.Errorf("failed to access file %s: %w", filePath, err)
	}

	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	return &FileSource{
		filePath:     filePath,
		pollInterval: pollInterval,
		watchers:     make(map[int]context.CancelFunc),
	}, nil
}

// Name returns a description of the source
func (fs *FileSource) Name() string {
	return "file:" + fs.filePath
}

// Get reads the whole file
func (fs *FileSource) Get(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(fs.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", fs.filePath, err)
	}
	return data, nil
}

// Watch polls the file and sends its content whenever it changes
func (fs *FileSource) Watch(ctx context.Context) (<-chan []byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return nil, fmt.Errorf("file source is closed")
	}

	// baseline taken before returning so a write right after Watch is seen
	modTime, content := fs.snapshot()

	watchCtx, cancel := context.WithCancel(ctx)
	id := fs.nextID
	fs.nextID++
	fs.watchers[id] = cancel

	ch := make(chan []byte, 1)
	fs.wg.Add(1)
	go func() {
		defer fs.wg.Done()
		defer close(ch)
		defer func() {
			fs.mu.Lock()
			delete(fs.watchers, id)
			fs.mu.Unlock()
			cancel()
		}()

		ticker := time.NewTicker(fs.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
			}

			stat, err := os.Stat(fs.filePath)
			if err != nil || stat.ModTime().Equal(modTime) {
				continue
			}
			modTime = stat.ModTime()

			data, err := os.ReadFile(fs.filePath)
			if err != nil || bytes.Equal(data, content) {
				continue
			}
			content = data

			select {
			case ch <- data:
			case <-watchCtx.Done():
				return
			}
		}
	}()

	return ch, nil
}

func (fs *FileSource) snapshot() (time.Time, []byte) {
	var modTime time.Time
	if stat, err := os.Stat(fs.filePath); err == nil {
		modTime = stat.ModTime()
	}
	data, _ := os.ReadFile(fs.filePath)
	return modTime, data
}

// Close stops all watchers and waits for them to exit
func (fs *FileSource) Close() error {
	fs.mu.Lock()
	fs.closed = true
	for _, cancel := range fs.watchers {
		cancel()
	}
	fs.mu.Unlock()

	fs.wg.Wait()
	return nil
}
