package imap

import (
	"context"
	"sync"
	"time"

	"github.com/hkdb/mailbridge/internal/config"
	"github.com/hkdb/mailbridge/internal/logging"
	"github.com/rs/zerolog"
)

// Pool parks connections freed after a successful run so the next channel
// targeting the same server can reuse them. All parked connections are
// logged out on Close.
type Pool struct {
	mu     sync.Mutex
	idle   map[string][]*pooledConn
	maxAge time.Duration
	log    zerolog.Logger
}

type pooledConn struct {
	client   *Client
	parkedAt time.Time
}

// NewPool creates an empty connection pool
func NewPool() *Pool {
	return &Pool{
		idle:   make(map[string][]*pooledConn),
		maxAge: 5 * time.Minute,
		log:    logging.WithComponent("imap-pool"),
	}
}

// key identifies connections that are interchangeable
func key(conf *config.Store) string {
	if conf.Tunnel != "" {
		return "tunnel|" + conf.Tunnel
	}
	return conf.Host + "|" + conf.Username
}

// clientConfig builds the connection settings for a store
func clientConfig(conf *config.Store) ClientConfig {
	cc := DefaultClientConfig()
	cc.Host = conf.Host
	if conf.Port != 0 {
		cc.Port = conf.Port
	}
	if conf.Security != "" {
		cc.Security = SecurityType(conf.Security)
	}
	cc.Username = conf.Username
	cc.Password = conf.Password
	cc.Tunnel = conf.Tunnel
	cc.AuthType = AuthType(conf.AuthType)
	cc.AccessToken = conf.AccessToken
	return cc
}

// Get returns a pooled connection for conf, or dials and logs in a fresh
// one. The expunge handler is bound to the returned connection.
func (p *Pool) Get(ctx context.Context, conf *config.Store, onExpunge func(seq uint32)) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	k := key(conf)
	for len(p.idle[k]) > 0 {
		conns := p.idle[k]
		pc := conns[len(conns)-1]
		p.idle[k] = conns[:len(conns)-1]
		if time.Since(pc.parkedAt) > p.maxAge {
			p.mu.Unlock()
			pc.client.Close()
			p.mu.Lock()
			continue
		}
		p.mu.Unlock()
		p.log.Debug().Str("key", k).Msg("Reusing pooled connection")
		pc.client.SetExpungeHandler(onExpunge)
		return pc.client, nil
	}
	p.mu.Unlock()

	client := NewClient(clientConfig(conf))
	client.SetExpungeHandler(onExpunge)
	if err := client.Connect(nil); err != nil {
		return nil, err
	}
	if err := client.Login(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// Put parks a healthy connection for reuse
func (p *Pool) Put(conf *config.Store, client *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := key(conf)
	p.idle[k] = append(p.idle[k], &pooledConn{client: client, parkedAt: time.Now()})
	p.log.Debug().Str("key", k).Int("idle", len(p.idle[k])).Msg("Parked connection")
}

// Discard closes a connection that should not be reused
func (p *Pool) Discard(client *Client) {
	client.Close()
}

// Close logs out every parked connection
func (p *Pool) Close() {
	p.mu.Lock()
	conns := p.idle
	p.idle = make(map[string][]*pooledConn)
	p.mu.Unlock()
	for _, list := range conns {
		for _, pc := range list {
			pc.client.Close()
		}
	}
}
