// Package imap implements the IMAP side of the driver interface on top of
// go-imap v2.
package imap

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/hkdb/mailbridge/internal/logging"
	"github.com/rs/zerolog"
)

// deadlineConn wraps a net.Conn to automatically set read/write deadlines
// before each operation. This prevents indefinite blocking on slow or dead
// connections that go-imap v2 doesn't handle with built-in timeouts.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// SecurityType represents the connection security method
type SecurityType string

const (
	SecurityNone     SecurityType = "none"
	SecurityTLS      SecurityType = "tls"
	SecurityStartTLS SecurityType = "starttls"
)

// AuthType selects the authentication mechanism
type AuthType string

const (
	AuthTypePassword AuthType = "password"
	AuthTypeOAuth2   AuthType = "oauth2"
)

// ClientConfig holds the configuration for connecting to an IMAP server
type ClientConfig struct {
	Host     string
	Port     int
	Security SecurityType
	Username string
	Password string

	// Tunnel, when set, is a shell command whose stdin/stdout carry the
	// IMAP byte stream instead of a TCP connection.
	Tunnel string

	AuthType    AuthType
	AccessToken string // OAuth2 access token (when AuthType is "oauth2")

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// TLS config (optional, used for a custom trust store)
	TLSConfig *tls.Config
}

// DefaultClientConfig returns a ClientConfig with sensible defaults
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Port:           993,
		Security:       SecurityTLS,
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    3 * time.Minute,
		WriteTimeout:   30 * time.Second,
	}
}

// Client wraps the go-imap client with connection and login handling
type Client struct {
	config ClientConfig
	client *imapclient.Client
	caps   imap.CapSet
	tunnel *exec.Cmd
	log    zerolog.Logger

	// onExpunge receives unilateral EXPUNGE sequence numbers. Rebound by
	// each Store that borrows this connection.
	onExpunge func(seq uint32)
}

// SetExpungeHandler rebinds the unilateral EXPUNGE upcall
func (c *Client) SetExpungeHandler(f func(seq uint32)) { c.onExpunge = f }

// NewClient creates a new IMAP client but does not connect
func NewClient(config ClientConfig) *Client {
	return &Client{
		config: config,
		log:    logging.WithComponent("imap"),
	}
}

// tunnelConn adapts a child process's pipes to net.Conn
type tunnelConn struct {
	io.ReadCloser
	w io.WriteCloser
}

func (t *tunnelConn) Write(b []byte) (int, error)      { return t.w.Write(b) }
func (t *tunnelConn) Close() error                     { t.w.Close(); return t.ReadCloser.Close() }
func (t *tunnelConn) LocalAddr() net.Addr              { return tunnelAddr{} }
func (t *tunnelConn) RemoteAddr() net.Addr             { return tunnelAddr{} }
func (t *tunnelConn) SetDeadline(time.Time) error      { return nil }
func (t *tunnelConn) SetReadDeadline(time.Time) error  { return nil }
func (t *tunnelConn) SetWriteDeadline(time.Time) error { return nil }

type tunnelAddr struct{}

func (tunnelAddr) Network() string { return "tunnel" }
func (tunnelAddr) String() string  { return "tunnel" }

// Connect establishes a connection to the IMAP server, taking the greeting
func (c *Client) Connect(options *imapclient.Options) error {
	if options == nil {
		options = &imapclient.Options{}
	}
	if options.UnilateralDataHandler == nil {
		options.UnilateralDataHandler = &imapclient.UnilateralDataHandler{
			Expunge: func(seq uint32) {
				if c.onExpunge != nil {
					c.onExpunge(seq)
				}
			},
		}
	}

	if c.config.Tunnel != "" {
		return c.connectTunnel(options)
	}

	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)

	c.log.Debug().
		Str("host", c.config.Host).
		Int("port", c.config.Port).
		Str("security", string(c.config.Security)).
		Msg("Connecting to IMAP server")

	dialer := &net.Dialer{Timeout: c.config.ConnectTimeout}

	switch c.config.Security {
	case SecurityTLS:
		tlsConfig := c.config.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: c.config.Host}
		}
		rawConn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
		if err != nil {
			return fmt.Errorf("failed to connect with TLS: %w", err)
		}
		c.client = imapclient.New(c.wrap(rawConn), options)

	case SecurityStartTLS:
		if c.config.TLSConfig != nil {
			options.TLSConfig = c.config.TLSConfig
		}
		var err error
		c.client, err = imapclient.DialStartTLS(addr, options)
		if err != nil {
			return fmt.Errorf("failed to connect with STARTTLS: %w", err)
		}

	case SecurityNone:
		rawConn, err := dialer.Dial("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		c.client = imapclient.New(c.wrap(rawConn), options)

	default:
		return fmt.Errorf("unknown security type %q", c.config.Security)
	}

	if err := c.client.WaitGreeting(); err != nil {
		c.client.Close()
		return fmt.Errorf("failed to receive greeting: %w", err)
	}
	c.caps = c.client.Caps()

	c.log.Info().Str("host", c.config.Host).Msg("Connected to IMAP server")
	return nil
}

func (c *Client) wrap(conn net.Conn) net.Conn {
	return &deadlineConn{
		Conn:         conn,
		readTimeout:  c.config.ReadTimeout,
		writeTimeout: c.config.WriteTimeout,
	}
}

// connectTunnel starts the tunnel command and speaks IMAP over its pipes
func (c *Client) connectTunnel(options *imapclient.Options) error {
	c.log.Debug().Str("tunnel", c.config.Tunnel).Msg("Starting tunnel command")

	cmd := exec.Command("/bin/sh", "-c", c.config.Tunnel)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("tunnel: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("tunnel: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("cannot start tunnel %q: %w", c.config.Tunnel, err)
	}
	c.tunnel = cmd
	c.client = imapclient.New(&tunnelConn{ReadCloser: stdout, w: stdin}, options)

	if err := c.client.WaitGreeting(); err != nil {
		c.client.Close()
		return fmt.Errorf("failed to receive greeting: %w", err)
	}
	c.caps = c.client.Caps()
	return nil
}

// Login authenticates with the IMAP server
func (c *Client) Login() error {
	if c.client == nil {
		return fmt.Errorf("not connected")
	}

	authType := c.config.AuthType
	if authType == "" {
		authType = AuthTypePassword
	}

	c.log.Debug().
		Str("username", c.config.Username).
		Str("authType", string(authType)).
		Msg("Logging in")

	var err error
	switch authType {
	case AuthTypeOAuth2:
		err = c.loginOAuth2()
	default:
		err = c.loginPassword()
	}
	if err != nil {
		return err
	}

	// Update capabilities after login (may change)
	c.caps = c.client.Caps()

	c.log.Info().Str("username", c.config.Username).Msg("Logged in")
	return nil
}

// loginPassword authenticates using password (LOGIN or SASL PLAIN).
// LOGIN is the default for compatibility; AUTHENTICATE PLAIN is used only
// when the server advertises LOGINDISABLED.
func (c *Client) loginPassword() error {
	if c.caps.Has(imap.CapLoginDisabled) {
		c.log.Debug().Msg("LOGIN disabled, using AUTHENTICATE PLAIN")
		saslClient := sasl.NewPlainClient("", c.config.Username, c.config.Password)
		if err := c.client.Authenticate(saslClient); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
		return nil
	}
	if err := c.client.Login(c.config.Username, c.config.Password).Wait(); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	return nil
}

// loginOAuth2 authenticates using the XOAUTH2 SASL mechanism
func (c *Client) loginOAuth2() error {
	if c.config.AccessToken == "" {
		return fmt.Errorf("OAuth2 authentication requires an access token")
	}
	saslClient := NewXOAuth2Client(c.config.Username, c.config.AccessToken)
	if err := c.client.Authenticate(saslClient); err != nil {
		return fmt.Errorf("XOAUTH2 authentication failed: %w", err)
	}
	return nil
}

// Close logs out and closes the connection
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	c.log.Debug().Msg("Closing IMAP connection")
	if err := c.client.Logout().Wait(); err != nil {
		c.log.Warn().Err(err).Msg("Logout failed, closing anyway")
	}
	err := c.client.Close()
	if c.tunnel != nil {
		c.tunnel.Wait()
		c.tunnel = nil
	}
	return err
}

// Caps returns the server capabilities
func (c *Client) Caps() imap.CapSet { return c.caps }

// HasCap checks if the server supports a capability
func (c *Client) HasCap(cap imap.Cap) bool { return c.caps.Has(cap) }

// RawClient returns the underlying imapclient.Client
func (c *Client) RawClient() *imapclient.Client { return c.client }
