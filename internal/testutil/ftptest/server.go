// Package ftptest runs an in-process FTP server over a loopback listener for
// protocol and session tests. The server keeps its tree in memory and can
// inject scripted failures per command verb.
package ftptest

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

type fault struct {
	verb      string
	code      int
	drop      bool
	remaining int
}

// Option configures New.
type Option func(*Server)

// WithTLS enables AUTH TLS and PROT P using cfg.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = cfg }
}

// WithCredentials sets the accepted USER/PASS pair.
func WithCredentials(user, pass string) Option {
	return func(s *Server) {
		s.user = user
		s.pass = pass
	}
}

// WithPassiveHost makes PASV announce host instead of the listener address.
func WithPassiveHost(host string) Option {
	return func(s *Server) { s.passiveHost = host }
}

// WithoutActiveMode refuses PORT with 500.
func WithoutActiveMode() Option {
	return func(s *Server) { s.refusePort = true }
}

// Server is a scripted FTP server.
type Server struct {
	ln          net.Listener
	tlsConfig   *tls.Config
	user        string
	pass        string
	passiveHost string
	refusePort  bool

	mu       sync.Mutex
	files    map[string][]byte
	dirs     map[string]bool
	faults   []*fault
	commands []string
	conns    map[net.Conn]struct{}

	wg sync.WaitGroup
}

// New starts a server on 127.0.0.1 and stops it when the test ends.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ftptest listen: %v", err)
	}
	s := &Server{
		ln:    ln,
		user:  "relay",
		pass:  "secret",
		files: make(map[string][]byte),
		dirs:  map[string]bool{"/": true},
		conns: make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Addr is the control address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Close stops accepting and drops live sessions.
func (s *Server) Close() {
	_ = s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// DropSessions closes every live control connection, simulating a reset.
func (s *Server) DropSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

func (s *Server) MakeDir(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p = path.Clean(p)
	for dir := p; dir != "/"; dir = path.Dir(dir) {
		s.dirs[dir] = true
	}
}

func (s *Server) HasDir(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirs[path.Clean(p)]
}

// PutFile stores data at p, creating parent directories.
func (s *Server) PutFile(p string, data []byte) {
	s.MakeDir(path.Dir(p))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path.Clean(p)] = append([]byte(nil), data...)
}

func (s *Server) File(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path.Clean(p)]
	return data, ok
}

// Fail makes the next `times` commands with verb reply code.
func (s *Server) Fail(verb string, code int, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &fault{verb: strings.ToUpper(verb), code: code, remaining: times})
}

// Drop makes the next `times` commands with verb close the control connection.
func (s *Server) Drop(verb string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &fault{verb: strings.ToUpper(verb), drop: true, remaining: times})
}

// Commands returns every received command line (PASS redacted).
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Count returns how many commands with verb were received.
func (s *Server) Count(verb string) int {
	verb = strings.ToUpper(verb)
	n := 0
	for _, line := range s.Commands() {
		if v, _, _ := strings.Cut(line, " "); v == verb {
			n++
		}
	}
	return n
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				_ = conn.Close()
			}()
			sess := &session{srv: s, raw: conn, ctrl: conn, r: bufio.NewReader(conn), cwd: "/", prot: "C"}
			sess.run()
		}()
	}
}

func (s *Server) takeFault(verb string) *fault {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.faults {
		if f.verb == verb && f.remaining > 0 {
			f.remaining--
			return f
		}
	}
	return nil
}

type session struct {
	srv      *Server
	raw      net.Conn
	ctrl     net.Conn
	r        *bufio.Reader
	cwd      string
	prot     string
	secure   bool
	loggedIn bool
	userOK   bool
	pasvLn   net.Listener
	portAddr string
	renameOf string
}

func (c *session) reply(code int, format string, args ...any) {
	_, _ = fmt.Fprintf(c.ctrl, "%d %s\r\n", code, fmt.Sprintf(format, args...))
}

func (c *session) run() {
	c.reply(220, "ftptest ready")
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		verb, arg, _ := strings.Cut(line, " ")
		verb = strings.ToUpper(verb)

		logged := line
		if verb == "PASS" {
			logged = "PASS ****"
		}
		c.srv.mu.Lock()
		c.srv.commands = append(c.srv.commands, logged)
		c.srv.mu.Unlock()

		if f := c.srv.takeFault(verb); f != nil {
			if f.drop {
				return
			}
			c.reply(f.code, "scripted failure")
			continue
		}
		if !c.dispatch(verb, arg) {
			return
		}
	}
}

func (c *session) resolve(p string) string {
	if !path.IsAbs(p) {
		p = path.Join(c.cwd, p)
	}
	return path.Clean(p)
}

func (c *session) dispatch(verb, arg string) bool {
	s := c.srv
	switch verb {
	case "AUTH":
		if s.tlsConfig == nil {
			c.reply(502, "tls not available")
			return true
		}
		c.reply(234, "proceed with negotiation")
		tlsConn := tls.Server(c.raw, s.tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			return false
		}
		c.ctrl = tlsConn
		c.r = bufio.NewReader(tlsConn)
		c.secure = true
	case "USER":
		c.userOK = arg == s.user
		c.reply(331, "password required")
	case "PASS":
		if !c.userOK || arg != s.pass {
			c.reply(530, "login incorrect")
			return true
		}
		c.loggedIn = true
		c.reply(230, "logged in")
	case "PBSZ":
		c.reply(200, "PBSZ=0")
	case "PROT":
		switch strings.ToUpper(arg) {
		case "P":
			if !c.secure {
				c.reply(503, "PROT P requires AUTH TLS")
				return true
			}
			c.prot = "P"
		case "C":
			c.prot = "C"
		default:
			c.reply(504, "unsupported protection")
			return true
		}
		c.reply(200, "protection set")
	case "NOOP", "TYPE":
		c.reply(200, "ok")
	case "QUIT":
		c.reply(221, "bye")
		return false
	default:
		if !c.loggedIn {
			c.reply(530, "not logged in")
			return true
		}
		c.fileCommand(verb, arg)
	}
	return true
}

func (c *session) fileCommand(verb, arg string) {
	s := c.srv
	p := c.resolve(arg)
	switch verb {
	case "PWD":
		c.reply(257, "%q is the current directory", c.cwd)
	case "CWD":
		s.mu.Lock()
		ok := s.dirs[p]
		s.mu.Unlock()
		if !ok {
			c.reply(550, "no such directory")
			return
		}
		c.cwd = p
		c.reply(250, "directory changed")
	case "MKD":
		s.mu.Lock()
		_, isFile := s.files[p]
		exists := s.dirs[p] || isFile
		parent := s.dirs[path.Dir(p)]
		if !exists && parent {
			s.dirs[p] = true
		}
		s.mu.Unlock()
		switch {
		case exists:
			c.reply(550, "already exists")
		case !parent:
			c.reply(550, "parent missing")
		default:
			c.reply(257, "%q created", p)
		}
	case "PASV":
		ln, err := net.Listen("tcp4", "127.0.0.1:0")
		if err != nil {
			c.reply(425, "cannot open passive port")
			return
		}
		c.closePassive()
		c.pasvLn = ln
		c.portAddr = ""
		port := ln.Addr().(*net.TCPAddr).Port
		host := "127.0.0.1"
		if s.passiveHost != "" {
			host = s.passiveHost
		}
		c.reply(227, "Entering Passive Mode (%s,%d,%d)", strings.ReplaceAll(host, ".", ","), port>>8, port&0xff)
	case "PORT":
		if s.refusePort {
			c.reply(500, "PORT disabled")
			return
		}
		addr, err := parsePort(arg)
		if err != nil {
			c.reply(501, "bad PORT")
			return
		}
		c.closePassive()
		c.portAddr = addr
		c.reply(200, "PORT ok")
	case "NLST":
		c.nameList(arg)
	case "RETR":
		s.mu.Lock()
		data, ok := s.files[p]
		data = append([]byte(nil), data...)
		s.mu.Unlock()
		if !ok {
			c.reply(550, "no such file")
			return
		}
		c.reply(150, "opening data connection")
		conn, err := c.openData()
		if err != nil {
			c.reply(425, "cannot open data connection")
			return
		}
		_, _ = conn.Write(data)
		_ = conn.Close()
		c.reply(226, "transfer complete")
	case "STOR":
		s.mu.Lock()
		parent := s.dirs[path.Dir(p)]
		s.mu.Unlock()
		if !parent {
			c.reply(553, "parent missing")
			return
		}
		c.reply(150, "ok to send data")
		conn, err := c.openData()
		if err != nil {
			c.reply(425, "cannot open data connection")
			return
		}
		data, err := io.ReadAll(conn)
		_ = conn.Close()
		if err != nil && !errors.Is(err, io.EOF) {
			c.reply(426, "transfer aborted")
			return
		}
		s.mu.Lock()
		s.files[p] = data
		s.mu.Unlock()
		c.reply(226, "transfer complete")
	case "RNFR":
		s.mu.Lock()
		_, ok := s.files[p]
		s.mu.Unlock()
		if !ok {
			c.reply(550, "no such file")
			return
		}
		c.renameOf = p
		c.reply(350, "ready for RNTO")
	case "RNTO":
		from := c.renameOf
		c.renameOf = ""
		s.mu.Lock()
		data, ok := s.files[from]
		parent := s.dirs[path.Dir(p)]
		if ok && parent {
			delete(s.files, from)
			s.files[p] = data
		}
		s.mu.Unlock()
		if !ok || !parent {
			c.reply(553, "rename failed")
			return
		}
		c.reply(250, "rename successful")
	case "SIZE":
		s.mu.Lock()
		data, ok := s.files[p]
		s.mu.Unlock()
		if !ok {
			c.reply(550, "no such file")
			return
		}
		c.reply(213, "%d", len(data))
	case "DELE":
		s.mu.Lock()
		_, ok := s.files[p]
		delete(s.files, p)
		s.mu.Unlock()
		if !ok {
			c.reply(550, "no such file")
			return
		}
		c.reply(250, "deleted")
	default:
		c.reply(502, "command not implemented")
	}
}

func (c *session) nameList(arg string) {
	s := c.srv
	dir, pattern := c.cwd, ""
	if arg != "" {
		p := c.resolve(arg)
		s.mu.Lock()
		isDir := s.dirs[p]
		s.mu.Unlock()
		if isDir {
			dir = p
		} else {
			dir, pattern = path.Dir(p), path.Base(p)
		}
	}
	s.mu.Lock()
	var names []string
	for name := range s.files {
		if path.Dir(name) != dir {
			continue
		}
		base := path.Base(name)
		if pattern != "" {
			if ok, _ := path.Match(pattern, base); !ok {
				continue
			}
		}
		names = append(names, base)
	}
	s.mu.Unlock()
	sort.Strings(names)

	c.reply(150, "here comes the listing")
	conn, err := c.openData()
	if err != nil {
		c.reply(425, "cannot open data connection")
		return
	}
	for _, name := range names {
		_, _ = fmt.Fprintf(conn, "%s\r\n", name)
	}
	_ = conn.Close()
	c.reply(226, "listing complete")
}

func (c *session) openData() (net.Conn, error) {
	var conn net.Conn
	var err error
	switch {
	case c.pasvLn != nil:
		if tcp, ok := c.pasvLn.(*net.TCPListener); ok {
			_ = tcp.SetDeadline(time.Now().Add(5 * time.Second))
		}
		conn, err = c.pasvLn.Accept()
		c.closePassive()
	case c.portAddr != "":
		conn, err = net.DialTimeout("tcp4", c.portAddr, 5*time.Second)
		c.portAddr = ""
	default:
		return nil, errors.New("ftptest: no data channel prepared")
	}
	if err != nil {
		return nil, err
	}
	if c.prot == "P" {
		tlsConn := tls.Server(conn, c.srv.tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return tlsConn, nil
	}
	return conn, nil
}

func (c *session) closePassive() {
	if c.pasvLn != nil {
		_ = c.pasvLn.Close()
		c.pasvLn = nil
	}
}

func parsePort(arg string) (string, error) {
	parts := strings.Split(arg, ",")
	if len(parts) != 6 {
		return "", errors.New("bad PORT")
	}
	nums := make([]int, 6)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return "", err
		}
		nums[i] = n
	}
	host := fmt.Sprintf("%d.%d.%d.%d", nums[0], nums[1], nums[2], nums[3])
	return net.JoinHostPort(host, strconv.Itoa(nums[4]<<8|nums[5])), nil
}
