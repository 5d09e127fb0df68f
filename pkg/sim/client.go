package sim

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cardbench/scp81/internal/hexutil"
	"github.com/cardbench/scp81/internal/logger"
	"github.com/cardbench/scp81/pkg/apdu"
	"github.com/cardbench/scp81/pkg/gpframe"
	"github.com/cardbench/scp81/pkg/psktls"
)

// Client defaults.
const (
	DefaultPath           = "/admin"
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 60 * time.Second
	DefaultWriteTimeout   = 30 * time.Second
	DefaultMaxAttempts    = 4
	DefaultRetryBase      = 500 * time.Millisecond
)

// Config drives one simulated card.
type Config struct {
	// Addr is the admin server, host:port.
	Addr string
	// Path is the admin URL path, DefaultPath when empty.
	Path string

	// Identity and Key are the card's PSK credentials.
	Identity string
	Key      []byte

	// CipherSuites offered in the handshake. Empty means the production
	// tier.
	CipherSuites []uint16

	// ConnectTimeout bounds dial plus handshake per attempt.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// StartDelay pauses between handshake and first pull, giving the
	// operator time to queue commands for the fresh session.
	StartDelay time.Duration

	// MaxAttempts bounds connection attempts; RetryBase is the first
	// backoff, doubling per retry.
	MaxAttempts int
	RetryBase   time.Duration

	// UICC answers the received commands. A default card is built when
	// nil.
	UICC *UICC

	Behaviour Behaviour
}

func (c *Config) applyDefaults() {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryBase == 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.UICC == nil {
		c.UICC = NewUICC()
	}
}

// Exchange is one command/response pair as seen by the card.
type Exchange struct {
	Seq         int           `json:"seq"`
	INS         byte          `json:"ins"`
	CommandHex  string        `json:"command_hex"`
	ResponseHex string        `json:"response_hex"`
	SW          string        `json:"sw"`
	Injected    bool          `json:"injected,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Report summarises one simulator run.
type Report struct {
	Identity    string        `json:"identity"`
	Addr        string        `json:"addr"`
	CipherSuite string        `json:"cipher_suite,omitempty"`
	Attempts    int           `json:"attempts"`
	Exchanges   []Exchange    `json:"exchanges"`
	Completed   bool          `json:"completed"`
	Duration    time.Duration `json:"duration"`
}

// ProtocolError is a server reply outside the admin protocol's happy path.
// It is not retried.
type ProtocolError struct {
	Status int
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("sim: server answered %d (%s)", e.Status, e.Reason)
	}
	return fmt.Sprintf("sim: server answered %d", e.Status)
}

// Client runs admin sessions against a server on behalf of one virtual
// card.
type Client struct {
	cfg  Config
	host string
}

// New validates the credentials and builds a client.
func New(cfg Config) (*Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("sim: server address is required")
	}
	if err := psktls.ValidateIdentity(cfg.Identity); err != nil {
		return nil, err
	}
	if err := psktls.ValidateKey(cfg.Key); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	host, _, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		host = cfg.Addr
	}
	return &Client{cfg: cfg, host: host}, nil
}

// Run connects and serves the pull loop until the server ends the session,
// retrying transport-level failures with bounded exponential backoff. The
// returned report covers the final attempt; it is valid even on error.
func (c *Client) Run(ctx context.Context) (*Report, error) {
	report := &Report{Identity: c.cfg.Identity, Addr: c.cfg.Addr}
	start := time.Now()
	defer func() { report.Duration = time.Since(start) }()

	backoff := c.cfg.RetryBase
	for attempt := 1; ; attempt++ {
		report.Attempts = attempt
		report.Exchanges = nil
		report.CipherSuite = ""
		report.Completed = false

		err := c.runOnce(ctx, report)
		if err == nil {
			report.Completed = true
			return report, nil
		}
		if !retryable(err) || attempt >= c.cfg.MaxAttempts {
			return report, err
		}

		logger.Warn("Session attempt failed, retrying",
			logger.Attempt(attempt),
			logger.MaxRetries(c.cfg.MaxAttempts),
			logger.DurationMs(float64(backoff.Milliseconds())),
			logger.Err(err))
		if err := sleepCtx(ctx, backoff); err != nil {
			return report, err
		}
		backoff *= 2
	}
}

// retryable reports whether a failed attempt is worth repeating.
// Authentication rejections and protocol-level errors are final.
func retryable(err error) bool {
	var he *psktls.HandshakeError
	if errors.As(err, &he) {
		return !he.AuthFailure()
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

func (c *Client) runOnce(ctx context.Context, report *Report) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, err := psktls.Dial(dialCtx, c.cfg.Addr, &psktls.Config{
		CipherSuites: c.cfg.CipherSuites,
		Identity:     c.cfg.Identity,
		Key:          c.cfg.Key,
	})
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	state := conn.ConnectionState()
	report.CipherSuite = psktls.CipherSuiteName(state.CipherSuite)
	logger.Info("Connected to admin server",
		logger.PeerAddr(c.cfg.Addr),
		logger.PSKIdentity(c.cfg.Identity),
		logger.CipherSuite(report.CipherSuite))

	if c.cfg.StartDelay > 0 {
		if err := sleepCtx(ctx, c.cfg.StartDelay); err != nil {
			return err
		}
	}

	br := bufio.NewReader(conn)
	var body []byte

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		if err := gpframe.WriteRequest(conn, c.host, c.cfg.Path, body); err != nil {
			return fmt.Errorf("sim: send request: %w", err)
		}

		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		resp, err := gpframe.ReadResponse(br)
		if err != nil {
			return fmt.Errorf("sim: read response: %w", err)
		}

		switch resp.StatusCode {
		case http.StatusNoContent:
			logger.Info("Session complete", logger.Seq(uint64(len(report.Exchanges))))
			return nil
		case http.StatusOK:
		default:
			return &ProtocolError{Status: resp.StatusCode, Reason: resp.Headers.Get("X-Admin-Error")}
		}

		cmd, err := apdu.DecodeCommand(resp.Body)
		if err != nil {
			return &ProtocolError{Status: resp.StatusCode, Reason: "malformed_command"}
		}

		began := time.Now()
		answer := c.cfg.UICC.Handle(cmd)
		answer, injected, err := c.cfg.Behaviour.shape(ctx, answer)
		if err != nil {
			return err
		}

		body = answer.Encode()
		report.Exchanges = append(report.Exchanges, Exchange{
			Seq:         len(report.Exchanges) + 1,
			INS:         cmd.INS,
			CommandHex:  hexutil.Encode(resp.Body),
			ResponseHex: hexutil.Encode(body),
			SW:          apdu.FormatSW(answer.SW()),
			Injected:    injected,
			Duration:    time.Since(began),
		})
		logger.Debug("Answered command",
			logger.INS(cmd.INS),
			logger.SW(answer.SW()),
			logger.Seq(uint64(len(report.Exchanges))))

		if resp.Close() {
			// The server asked for a close while still sending
			// commands; deliver the last response on a fresh
			// connection next attempt.
			return errors.New("sim: server closed mid-session")
		}
	}
}
