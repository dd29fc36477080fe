package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/careloophq/lib-events/backoff"
	"github.com/careloophq/lib-events/log"
)

var (
	ErrNilConnection    = errors.New("rabbitmq connection is nil")
	ErrNotConnected     = errors.New("rabbitmq connection is not established")
	ErrReconnectBackoff = errors.New("rabbitmq reconnect suppressed by backoff")
)

// reconnectBackoffBase is the initial delay between reconnect attempts.
const reconnectBackoffBase = time.Second

// reconnectBackoffCap is the maximum delay between reconnect attempts.
const reconnectBackoffCap = 30 * time.Second

// Connection is a hub holding a singleton AMQP connection and channel.
//
// All state transitions happen under the mutex; reconnects are rate-limited
// with capped exponential backoff so a dead broker is not hammered by every
// relay tick at once.
type Connection struct {
	mu                   sync.Mutex
	ConnectionString     string `json:"-"`
	Logger               log.Logger
	conn                 *amqp.Connection
	channel              *amqp.Channel
	connected            bool
	lastReconnectAttempt time.Time
	reconnectAttempts    int

	// dial hooks exist for tests only.
	dialer         func(string) (*amqp.Connection, error)
	channelFactory func(*amqp.Connection) (*amqp.Channel, error)
}

// Connect establishes the singleton connection and channel. Calling it on an
// already-connected hub is a no-op.
func (rc *Connection) Connect(ctx context.Context) error {
	if rc == nil {
		return ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq connect: %w", err)
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.applyDefaults()

	if rc.connected && rc.conn != nil && !rc.conn.IsClosed() {
		return nil
	}

	return rc.connectLocked(ctx)
}

// Channel returns the live channel, transparently reconnecting when the
// connection or channel has been closed underneath us.
func (rc *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	if rc == nil {
		return nil, ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.applyDefaults()

	if rc.connected && rc.conn != nil && !rc.conn.IsClosed() && rc.channel != nil && !rc.channel.IsClosed() {
		return rc.channel, nil
	}

	if err := rc.throttleReconnectLocked(); err != nil {
		return nil, err
	}

	if err := rc.connectLocked(ctx); err != nil {
		return nil, err
	}

	return rc.channel, nil
}

// Healthy reports whether the hub currently holds an open connection.
func (rc *Connection) Healthy() bool {
	if rc == nil {
		return false
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	return rc.connected && rc.conn != nil && !rc.conn.IsClosed()
}

// Close tears down the channel and connection.
func (rc *Connection) Close() error {
	if rc == nil {
		return ErrNilConnection
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	var errs []error

	if rc.channel != nil && !rc.channel.IsClosed() {
		if err := rc.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing channel: %w", err))
		}
	}

	if rc.conn != nil && !rc.conn.IsClosed() {
		if err := rc.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing connection: %w", err))
		}
	}

	rc.channel = nil
	rc.conn = nil
	rc.connected = false

	return errors.Join(errs...)
}

func (rc *Connection) connectLocked(ctx context.Context) error {
	logger := rc.loggerLocked()

	logger.Log(ctx, log.LevelInfo, "connecting to rabbitmq")

	conn, err := rc.dialer(rc.ConnectionString)
	if err != nil {
		rc.reconnectAttempts++
		rc.lastReconnectAttempt = time.Now()

		logger.Log(ctx, log.LevelError, "failed to connect to rabbitmq",
			log.String("error_detail", sanitizeAMQPErr(err, rc.ConnectionString)))

		return newSanitizedError(err, rc.ConnectionString, "rabbitmq connect")
	}

	channel, err := rc.channelFactory(conn)
	if err != nil {
		_ = conn.Close()
		rc.reconnectAttempts++
		rc.lastReconnectAttempt = time.Now()

		logger.Log(ctx, log.LevelError, "failed to open rabbitmq channel",
			log.String("error_detail", sanitizeAMQPErr(err, rc.ConnectionString)))

		return newSanitizedError(err, rc.ConnectionString, "rabbitmq channel")
	}

	rc.conn = conn
	rc.channel = channel
	rc.connected = true
	rc.reconnectAttempts = 0

	logger.Log(ctx, log.LevelInfo, "connected to rabbitmq")

	return nil
}

// throttleReconnectLocked enforces capped exponential backoff between
// reconnect attempts.
func (rc *Connection) throttleReconnectLocked() error {
	if rc.reconnectAttempts == 0 {
		return nil
	}

	delay := backoff.Exponential(reconnectBackoffBase, rc.reconnectAttempts-1)
	if delay > reconnectBackoffCap {
		delay = reconnectBackoffCap
	}

	if elapsed := time.Since(rc.lastReconnectAttempt); elapsed < delay {
		return fmt.Errorf("%w: retry in %s", ErrReconnectBackoff, (delay - elapsed).Round(time.Millisecond))
	}

	return nil
}

func (rc *Connection) applyDefaults() {
	if rc.Logger == nil {
		rc.Logger = log.NewNop()
	}

	if rc.dialer == nil {
		rc.dialer = amqp.Dial
	}

	if rc.channelFactory == nil {
		rc.channelFactory = func(conn *amqp.Connection) (*amqp.Channel, error) {
			return conn.Channel()
		}
	}
}

func (rc *Connection) loggerLocked() log.Logger {
	if rc.Logger == nil {
		return log.NewNop()
	}

	return rc.Logger
}

type sanitizedError struct {
	original error
	message  string
}

func (e *sanitizedError) Error() string { return e.message }

func (e *sanitizedError) Unwrap() error { return e.original }

func newSanitizedError(err error, connectionString, prefix string) error {
	return fmt.Errorf("%s: %w", prefix, &sanitizedError{
		original: err,
		message:  sanitizeAMQPErr(err, connectionString),
	})
}

// sanitizeAMQPErr strips broker credentials from error text before it reaches
// logs or stored error columns.
func sanitizeAMQPErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	if connectionString == "" {
		return err.Error()
	}

	referenceURL, parseErr := url.Parse(connectionString)
	if parseErr != nil {
		return err.Error()
	}

	redactedURL := referenceURL.Redacted()

	errMsg := err.Error()
	if strings.Contains(errMsg, connectionString) {
		errMsg = strings.ReplaceAll(errMsg, connectionString, redactedURL)
	}

	// Redact the decoded password individually; error text may carry it in
	// decoded form when the URL encodes special characters.
	if referenceURL.User != nil {
		if pass, ok := referenceURL.User.Password(); ok && pass != "" {
			errMsg = strings.ReplaceAll(errMsg, pass, "xxxxx")
		}
	}

	return errMsg
}

// BuildConnectionString constructs an AMQP connection string. Special
// characters in user, password, and vhost are URL-encoded; bare IPv6 hosts
// are bracketed.
func BuildConnectionString(protocol, user, pass, host, port, vhost string) string {
	u := &url.URL{Scheme: protocol}
	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}

	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else {
		if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
			u.Host = "[" + host + "]"
		} else {
			u.Host = host
		}
	}

	if vhost != "" {
		// QueryEscape rather than PathEscape: vhost names may contain '/',
		// which must become %2F.
		escapedVHost := url.QueryEscape(vhost)
		escapedVHost = strings.ReplaceAll(escapedVHost, "+", "%20")
		u.Path = "/" + vhost
		u.RawPath = "/" + escapedVHost
	}

	return u.String()
}
