package etcd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/songzhibin97/routegate/pkg/config"
	"github.com/songzhibin97/routegate/pkg/log"
)

// ErrKeyNotFound is returned by Get when the route key does not exist
var ErrKeyNotFound = errors.New("etcd key not found")

// EtcdSource implements the config.Source interface for a route document
// stored under a single etcd key.
type EtcdSource struct {
	client     *clientv3.Client
	key        string
	timeout    time.Duration
	ownsClient bool

	mu       sync.Mutex
	watchers map[int]context.CancelFunc
	nextID   int
	closed   bool
	wg       sync.WaitGroup
}

// EtcdConfig represents etcd connection configuration
type EtcdConfig struct {
	Endpoints []string      `yaml:"endpoints"`
	Timeout   time.Duration `yaml:"timeout"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	TLS       *TLSConfig    `yaml:"tls,omitempty"`
}

// TLSConfig represents TLS configuration for etcd
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// NewEtcdSource creates a new etcd-based configuration source.
//
// Parameters:
//   - cfg: Etcd connection configuration
//   - key: The etcd key holding the route document
//
// The connection is verified with a status call against the first endpoint.
func NewEtcdSource(cfg *EtcdConfig, key string) (config.Source, error) {
	if cfg == nil {
		return nil, fmt.Errorf("etcd config cannot be nil")
	}
	if key == "" {
		return nil, fmt.Errorf("etcd key cannot be empty")
	}
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints cannot be empty")
	}

	clientConfig := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.Timeout,
	}
	if clientConfig.DialTimeout <= 0 {
		clientConfig.DialTimeout = 5 * time.Second
	}

	if cfg.Username != "" {
		clientConfig.Username = cfg.Username
		clientConfig.Password = cfg.Password
	}

	if cfg.TLS != nil && cfg.TLS.Enabled {
		tlsConfig, err := createTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		clientConfig.TLS = tlsConfig
	}

	client, err := clientv3.New(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), clientConfig.DialTimeout)
	defer cancel()

	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	source := NewEtcdSourceWithClient(client, key, clientConfig.DialTimeout)
	source.ownsClient = true
	return source, nil
}

// NewEtcdSourceWithClient wraps an existing client. Close does not close
// the client.
func NewEtcdSourceWithClient(client *clientv3.Client, key string, timeout time.Duration) *EtcdSource {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &EtcdSource{
		client:   client,
		key:      key,
		timeout:  timeout,
		watchers: make(map[int]context.CancelFunc),
	}
}

// Name returns a description of the source
func (es *EtcdSource) Name() string {
	return "etcd:" + es.key
}

// Get retrieves the route document stored under the key
func (es *EtcdSource) Get(ctx context.Context) ([]byte, error) {
	data, _, err := es.get(ctx)
	return data, err
}

func (es *EtcdSource) get(ctx context.Context) ([]byte, int64, error) {
	es.mu.Lock()
	closed := es.closed
	es.mu.Unlock()
	if closed {
		return nil, 0, fmt.Errorf("etcd source is closed")
	}

	ctx, cancel := context.WithTimeout(ctx, es.timeout)
	defer cancel()

	resp, err := es.client.Get(ctx, es.key)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get key %s from etcd: %w", es.key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, resp.Header.Revision, fmt.Errorf("%w: %s", ErrKeyNotFound, es.key)
	}
	return resp.Kvs[0].Value, resp.Header.Revision, nil
}

// Watch monitors the key and sends the new value on every put.
// Deletes are ignored so the last good document stays in effect.
func (es *EtcdSource) Watch(ctx context.Context) (<-chan []byte, error) {
	_, rev, err := es.get(ctx)
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	if es.closed {
		return nil, fmt.Errorf("etcd source is closed")
	}

	watchCtx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	id := es.nextID
	es.nextID++
	es.watchers[id] = cancel

	logger := log.Component("config.etcd")
	ch := make(chan []byte, 1)

	es.wg.Add(1)
	go func() {
		defer es.wg.Done()
		defer close(ch)
		defer func() {
			es.mu.Lock()
			delete(es.watchers, id)
			es.mu.Unlock()
			cancel()
		}()

		next := rev + 1
		watchCh := es.client.Watch(watchCtx, es.key, clientv3.WithRev(next))

		for {
			select {
			case <-watchCtx.Done():
				return
			case resp, ok := <-watchCh:
				if !ok || resp.Err() != nil {
					if watchCtx.Err() != nil {
						return
					}
					if ok {
						logger.Warn("etcd watch interrupted, reconnecting",
							log.String("key", es.key),
							log.Error(resp.Err()))
					}
					// 压缩后从最新版本继续
					if ok && resp.CompactRevision > next {
						next = resp.CompactRevision
					}
					select {
					case <-time.After(time.Second):
					case <-watchCtx.Done():
						return
					}
					watchCh = es.client.Watch(watchCtx, es.key, clientv3.WithRev(next))
					continue
				}

				for _, event := range resp.Events {
					next = event.Kv.ModRevision + 1
					if event.Type != clientv3.EventTypePut {
						continue
					}
					select {
					case ch <- event.Kv.Value:
					case <-watchCtx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

// Close stops all watchers. The client is closed only when this source
// created it.
func (es *EtcdSource) Close() error {
	es.mu.Lock()
	if es.closed {
		es.mu.Unlock()
		return nil
	}
	es.closed = true
	for _, cancel := range es.watchers {
		cancel()
	}
	es.mu.Unlock()

	es.wg.Wait()

	if es.ownsClient && es.client != nil {
		return es.client.Close()
	}
	return nil
}

// createTLSConfig creates TLS configuration from config
func createTLSConfig(tlsConfig *TLSConfig) (*tls.Config, error) {
	if !tlsConfig.Enabled {
		return nil, nil
	}

	config := &tls.Config{MinVersion: tls.VersionTLS12}

	if tlsConfig.CertFile != "" && tlsConfig.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tlsConfig.CertFile, tlsConfig.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	if tlsConfig.CAFile != "" {
		pem, err := os.ReadFile(tlsConfig.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in CA file %s", tlsConfig.CAFile)
		}
		config.RootCAs = pool
	}

	return config, nil
}
