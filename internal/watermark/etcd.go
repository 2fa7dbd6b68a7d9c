// Package watermark publishes settlement progress to etcd and elects a
// single stream consumer among running scheduler instances.
package watermark

import (
	"context"
	"fmt"
	"strconv"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	defaultKey          = "/fundsched/last-settled"
	defaultElectionPfx  = "/fundsched/leader"
	defaultSessionTTL   = 10 // seconds
	defaultDialTimeout  = 5 * time.Second
	defaultWriteTimeout = 3 * time.Second
)

// Publisher exposes the last-settled version to external readers. Consumers
// that replay the withdraw stream start from this watermark instead of the
// beginning.
type Publisher struct {
	client *clientv3.Client
	key    string
}

// NewPublisher connects to etcd at the given endpoints.
func NewPublisher(endpoints []string) (*Publisher, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: defaultDialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &Publisher{client: client, key: defaultKey}, nil
}

// Publish writes version as the new watermark.
func (p *Publisher) Publish(ctx context.Context, version uint64) error {
	ctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	_, err := p.client.Put(ctx, p.key, strconv.FormatUint(version, 10))
	if err != nil {
		return fmt.Errorf("failed to publish watermark: %w", err)
	}
	return nil
}

// Last reads the current watermark. A missing key reads as zero, so a fresh
// cluster starts from the beginning of the stream.
func (p *Publisher) Last(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	resp, err := p.client.Get(ctx, p.key)
	if err != nil {
		return 0, fmt.Errorf("failed to read watermark: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return 0, nil
	}
	version, err := strconv.ParseUint(string(resp.Kvs[0].Value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed watermark %q: %w", resp.Kvs[0].Value, err)
	}
	return version, nil
}

// Close releases the etcd connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// Elector holds a leader election so only one instance consumes the withdraw
// and settlement streams at a time.
type Elector struct {
	session  *concurrency.Session
	election *concurrency.Election
}

// NewElector creates an election session on an existing publisher's
// connection.
func (p *Publisher) NewElector() (*Elector, error) {
	session, err := concurrency.NewSession(p.client, concurrency.WithTTL(defaultSessionTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to create election session: %w", err)
	}
	return &Elector{
		session:  session,
		election: concurrency.NewElection(session, defaultElectionPfx),
	}, nil
}

// Campaign blocks until this instance becomes leader or ctx is cancelled.
func (e *Elector) Campaign(ctx context.Context, instanceID string) error {
	if err := e.election.Campaign(ctx, instanceID); err != nil {
		return fmt.Errorf("leader campaign failed: %w", err)
	}
	return nil
}

// Done reports loss of leadership, from a lease expiry or a dropped
// connection.
func (e *Elector) Done() <-chan struct{} {
	return e.session.Done()
}

// Resign gives up leadership and closes the session.
func (e *Elector) Resign(ctx context.Context) error {
	if err := e.election.Resign(ctx); err != nil {
		e.session.Close()
		return fmt.Errorf("failed to resign leadership: %w", err)
	}
	return e.session.Close()
}
