package ftp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// BlockSize is the copy buffer used for RETR and STOR.
const BlockSize = 64 * 1024

type options struct {
	timeout  time.Duration
	strategy DataChannelStrategy
	dialer   *net.Dialer
}

// Option configures Dial.
type Option func(*options)

// WithTimeout bounds every control command and idle data-channel read/write.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithDataStrategy overrides passive address resolution and data-channel
// wrapping.
func WithDataStrategy(s DataChannelStrategy) Option {
	return func(o *options) {
		if s != nil {
			o.strategy = s
		}
	}
}

// Client is one FTP control connection.
type Client struct {
	conn       net.Conn
	text       *textproto.Conn
	host       string
	timeout    time.Duration
	strategy   DataChannelStrategy
	dialer     *net.Dialer
	tlsConfig  *tls.Config
	protection Protection
	passive    bool
}

// Dial opens the control connection and consumes the server greeting.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	o := options{
		timeout:  60 * time.Second,
		strategy: DefaultStrategy{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		o.dialer = &net.Dialer{Timeout: o.timeout}
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	conn, err := o.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:       conn,
		text:       textproto.NewConn(conn),
		host:       host,
		timeout:    o.timeout,
		strategy:   o.strategy,
		dialer:     o.dialer,
		protection: ProtectionClear,
		passive:    true,
	}
	c.setDeadline()
	if _, _, err := c.text.ReadResponse(220); err != nil {
		_ = conn.Close()
		return nil, c.replyError("greeting", err)
	}
	return c, nil
}

// Host returns the control host used for passive address substitution.
func (c *Client) Host() string {
	return c.host
}

// AuthTLS upgrades the control channel with AUTH TLS. The config is kept and
// reused for protected data channels.
func (c *Client) AuthTLS(ctx context.Context, cfg *tls.Config) error {
	if _, _, err := c.cmd(234, "AUTH TLS"); err != nil {
		return err
	}
	cfg = cfg.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = c.host
	}
	if cfg.ClientSessionCache == nil {
		cfg.ClientSessionCache = tls.NewLRUClientSessionCache(0)
	}
	tlsConn := tls.Client(c.conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return err
	}
	c.conn = tlsConn
	c.text = textproto.NewConn(tlsConn)
	c.tlsConfig = cfg
	return nil
}

// Login runs USER and, when asked for one, PASS.
func (c *Client) Login(user, password string) error {
	code, _, err := c.cmd(0, "USER %s", user)
	if err != nil {
		return err
	}
	switch {
	case code == 230:
		return nil
	case code == 331 || code == 332:
		_, _, err = c.cmd(2, "PASS %s", password)
		return err
	default:
		return &ProtocolError{Command: "USER", Code: code, Message: "unexpected reply"}
	}
}

// SetProtectionBufferSize sends PBSZ; FTPS requires PBSZ 0 before PROT.
func (c *Client) SetProtectionBufferSize(size int) error {
	_, _, err := c.cmd(2, "PBSZ %d", size)
	return err
}

// SetProtection selects the data-channel protection level.
func (c *Client) SetProtection(level Protection) error {
	if level == ProtectionProtected && c.tlsConfig == nil {
		return ErrTLSNotNegotiate
	}
	if _, _, err := c.cmd(2, "PROT %s", string(level)); err != nil {
		return err
	}
	c.protection = level
	return nil
}

// Protection returns the last acknowledged protection level.
func (c *Client) Protection() Protection {
	return c.protection
}

// SetPassive chooses passive (PASV) or active (PORT) data channels for the
// following transfers.
func (c *Client) SetPassive(passive bool) {
	c.passive = passive
}

// Passive reports the selected data-channel direction.
func (c *Client) Passive() bool {
	return c.passive
}

// SetType sends TYPE.
func (c *Client) SetType(t TransferType) error {
	_, _, err := c.cmd(2, "TYPE %s", string(t))
	return err
}

// Noop is the liveness check.
func (c *Client) Noop() error {
	_, _, err := c.cmd(2, "NOOP")
	return err
}

func (c *Client) ChangeDir(dir string) error {
	_, _, err := c.cmd(2, "CWD %s", dir)
	return err
}

// CurrentDir parses the quoted path of a 257 PWD reply.
func (c *Client) CurrentDir() (string, error) {
	_, msg, err := c.cmd(257, "PWD")
	if err != nil {
		return "", err
	}
	start := strings.Index(msg, "\"")
	end := strings.LastIndex(msg, "\"")
	if start < 0 || end <= start {
		return "", fmt.Errorf("%w: PWD %q", ErrMalformedReply, msg)
	}
	return strings.ReplaceAll(msg[start+1:end], "\"\"", "\""), nil
}

func (c *Client) MakeDir(dir string) error {
	_, _, err := c.cmd(257, "MKD %s", dir)
	return err
}

func (c *Client) Delete(name string) error {
	_, _, err := c.cmd(2, "DELE %s", name)
	return err
}

// Rename is the two-phase RNFR/RNTO move.
func (c *Client) Rename(from, to string) error {
	if _, _, err := c.cmd(350, "RNFR %s", from); err != nil {
		return err
	}
	_, _, err := c.cmd(2, "RNTO %s", to)
	return err
}

// Size parses the 213 reply of SIZE.
func (c *Client) Size(name string) (int64, error) {
	_, msg, err := c.cmd(213, "SIZE %s", name)
	if err != nil {
		return 0, err
	}
	size, err := strconv.ParseInt(strings.TrimSpace(msg), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: SIZE %q", ErrMalformedReply, msg)
	}
	return size, nil
}

// NameList runs NLST, optionally with a pattern, and drops "." and "..".
func (c *Client) NameList(pattern string) ([]string, error) {
	line := "NLST"
	if strings.TrimSpace(pattern) != "" {
		line = "NLST " + pattern
	}
	data, err := c.openData(line)
	if err != nil {
		return nil, err
	}
	var names []string
	scanner := bufio.NewScanner(data)
	for scanner.Scan() {
		name := strings.TrimRight(scanner.Text(), "\r")
		if name == "" || name == "." || name == ".." {
			continue
		}
		names = append(names, name)
	}
	scanErr := scanner.Err()
	if err := c.closeData(line, data); err != nil {
		return nil, err
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return names, nil
}

// Retrieve streams RETR into w and returns the number of bytes copied.
func (c *Client) Retrieve(name string, w io.Writer) (int64, error) {
	line := "RETR " + name
	data, err := c.openData(line)
	if err != nil {
		return 0, err
	}
	n, copyErr := io.CopyBuffer(w, data, make([]byte, BlockSize))
	closeErr := c.closeData(line, data)
	if copyErr != nil {
		return n, copyErr
	}
	return n, closeErr
}

// Store streams r to STOR and returns the number of bytes sent.
func (c *Client) Store(name string, r io.Reader) (int64, error) {
	line := "STOR " + name
	data, err := c.openData(line)
	if err != nil {
		return 0, err
	}
	n, copyErr := io.CopyBuffer(data, r, make([]byte, BlockSize))
	closeErr := c.closeData(line, data)
	if copyErr != nil {
		return n, copyErr
	}
	return n, closeErr
}

// Quit sends QUIT and closes the connection regardless of the reply.
func (c *Client) Quit() error {
	_, _, err := c.cmd(2, "QUIT")
	closeErr := c.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// Close drops the control connection without a goodbye.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) cmd(expect int, format string, args ...any) (int, string, error) {
	if c.conn == nil {
		return 0, "", ErrNotConnected
	}
	line := fmt.Sprintf(format, args...)
	c.setDeadline()
	if err := c.text.PrintfLine("%s", line); err != nil {
		return 0, "", err
	}
	code, msg, err := c.text.ReadResponse(expect)
	if err != nil {
		return code, msg, c.replyError(line, err)
	}
	return code, msg, nil
}

func (c *Client) replyError(line string, err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return &ProtocolError{Command: redactCommand(line), Code: tpErr.Code, Message: tpErr.Msg}
	}
	var tpProto textproto.ProtocolError
	if errors.As(err, &tpProto) {
		return fmt.Errorf("%w: %s: %v", ErrMalformedReply, redactCommand(line), err)
	}
	return err
}

func (c *Client) setDeadline() {
	if c.timeout > 0 && c.conn != nil {
		_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
}

// openData opens a data channel for the given transfer command and waits for
// the preliminary 1xx reply.
func (c *Client) openData(line string) (net.Conn, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	ctx := context.Background()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var conn net.Conn
	if c.passive {
		addr, err := c.pasv()
		if err != nil {
			return nil, err
		}
		conn, err = c.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		if _, _, err := c.cmd(1, "%s", line); err != nil {
			_ = conn.Close()
			return nil, err
		}
	} else {
		ln, err := c.port()
		if err != nil {
			return nil, err
		}
		if _, _, err := c.cmd(1, "%s", line); err != nil {
			_ = ln.Close()
			return nil, err
		}
		conn, err = acceptWithin(ln, c.timeout)
		_ = ln.Close()
		if err != nil {
			return nil, err
		}
	}

	if c.protection == ProtectionProtected {
		wrapped, err := c.strategy.WrapDataChannel(ctx, conn, c.tlsConfig)
		if err != nil {
			return nil, err
		}
		conn = wrapped
	}
	return idleConn{Conn: conn, timeout: c.timeout}, nil
}

// closeData closes the data channel and reads the transfer's final reply.
func (c *Client) closeData(line string, data net.Conn) error {
	closeErr := data.Close()
	c.setDeadline()
	if _, _, err := c.text.ReadResponse(2); err != nil {
		return c.replyError(line, err)
	}
	return closeErr
}

func (c *Client) pasv() (string, error) {
	_, msg, err := c.cmd(227, "PASV")
	if err != nil {
		return "", err
	}
	host, port, err := parsePasv(msg)
	if err != nil {
		return "", err
	}
	return c.strategy.ResolvePassiveAddress(c.host, host, port), nil
}

func (c *Client) port() (net.Listener, error) {
	local, ok := c.conn.LocalAddr().(*net.TCPAddr)
	if !ok || local.IP.To4() == nil {
		return nil, ErrActiveModeIPv4
	}
	ln, err := net.Listen("tcp4", net.JoinHostPort(local.IP.String(), "0"))
	if err != nil {
		return nil, err
	}
	addr := ln.Addr().(*net.TCPAddr)
	ip := local.IP.To4()
	arg := fmt.Sprintf("%d,%d,%d,%d,%d,%d", ip[0], ip[1], ip[2], ip[3], addr.Port>>8, addr.Port&0xff)
	if _, _, err := c.cmd(2, "PORT %s", arg); err != nil {
		_ = ln.Close()
		return nil, err
	}
	return ln, nil
}

func acceptWithin(ln net.Listener, timeout time.Duration) (net.Conn, error) {
	if tcp, ok := ln.(*net.TCPListener); ok && timeout > 0 {
		_ = tcp.SetDeadline(time.Now().Add(timeout))
	}
	return ln.Accept()
}

// parsePasv extracts h1,h2,h3,h4,p1,p2 from a 227 reply.
func parsePasv(msg string) (string, int, error) {
	start := strings.Index(msg, "(")
	end := strings.LastIndex(msg, ")")
	var body string
	if start >= 0 && end > start {
		body = msg[start+1 : end]
	} else {
		// Some servers omit the parentheses.
		idx := strings.IndexFunc(msg, func(r rune) bool { return r >= '0' && r <= '9' })
		if idx < 0 {
			return "", 0, fmt.Errorf("%w: PASV %q", ErrMalformedReply, msg)
		}
		body = strings.TrimRight(msg[idx:], ". ")
	}
	parts := strings.Split(body, ",")
	if len(parts) != 6 {
		return "", 0, fmt.Errorf("%w: PASV %q", ErrMalformedReply, msg)
	}
	nums := make([]int, 6)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 255 {
			return "", 0, fmt.Errorf("%w: PASV %q", ErrMalformedReply, msg)
		}
		nums[i] = n
	}
	host := fmt.Sprintf("%d.%d.%d.%d", nums[0], nums[1], nums[2], nums[3])
	return host, nums[4]<<8 | nums[5], nil
}
