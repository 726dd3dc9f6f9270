package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/ftprelay/internal/localstore"
	"github.com/danmuck/ftprelay/internal/protocol/ftp"
	"github.com/danmuck/ftprelay/internal/protocol/session"
	"github.com/danmuck/ftprelay/internal/testutil/testlog"
	"github.com/go-git/go-billy/v5/memfs"
)

func denied(verb string) error {
	return &ftp.ProtocolError{Command: verb, Code: 550, Message: "Permission denied"}
}

type fault struct {
	err   error
	times int // negative means forever
}

// remote is an in-memory FTP server state shared by every fakeConn a test
// dials.
type remote struct {
	mu       sync.Mutex
	files    map[string][]byte
	dirs     map[string]bool
	faults   map[string]*fault
	commands []string
	// shortStores makes the next N STORs keep half of the bytes.
	shortStores int
}

func newRemote(dirs ...string) *remote {
	r := &remote{
		files:  make(map[string][]byte),
		dirs:   map[string]bool{"/": true},
		faults: make(map[string]*fault),
	}
	for _, d := range dirs {
		r.mkdirAll(d)
	}
	return r
}

func (r *remote) mkdirAll(dir string) {
	for d := path.Clean(dir); ; d = path.Dir(d) {
		r.dirs[d] = true
		if d == "/" {
			return
		}
	}
}

func (r *remote) put(name string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mkdirAll(path.Dir(name))
	r.files[name] = append([]byte(nil), data...)
}

func (r *remote) file(name string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.files[name]
	return data, ok
}

func (r *remote) hasDir(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirs[name]
}

// fail injects err for the next times calls of key, either a bare verb
// ("RETR") or a verb with its resolved argument ("RETR /in/b.xml").
func (r *remote) fail(key string, err error, times int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults[key] = &fault{err: err, times: times}
}

func (r *remote) count(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.commands {
		if c == prefix || strings.HasPrefix(c, prefix+" ") {
			n++
		}
	}
	return n
}

func (r *remote) take(key string) error {
	f, ok := r.faults[key]
	if !ok || f.times == 0 {
		return nil
	}
	if f.times > 0 {
		f.times--
	}
	return f.err
}

type fakeConn struct {
	r      *remote
	cwd    string
	prot   ftp.Protection
	dead   bool
	closed bool
}

// do records the command and returns an injected fault, if any. A
// connection-class fault kills the handle for good.
func (c *fakeConn) do(verb, arg string) error {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	line := strings.TrimSpace(verb + " " + arg)
	c.r.commands = append(c.r.commands, line)
	if c.dead || c.closed {
		return io.EOF
	}
	err := c.r.take(line)
	if err == nil {
		err = c.r.take(verb)
	}
	if err != nil && ftp.IsConnectionLost(err) {
		c.dead = true
	}
	return err
}

func (c *fakeConn) abs(name string) string {
	if strings.HasPrefix(name, "/") {
		return path.Clean(name)
	}
	return path.Join(c.cwd, name)
}

func (c *fakeConn) Noop() error { return c.do("NOOP", "") }

func (c *fakeConn) ChangeDir(dir string) error {
	target := c.abs(dir)
	if err := c.do("CWD", target); err != nil {
		return err
	}
	if !c.r.hasDir(target) {
		return denied("CWD")
	}
	c.cwd = target
	return nil
}

func (c *fakeConn) CurrentDir() (string, error) {
	if err := c.do("PWD", ""); err != nil {
		return "", err
	}
	return c.cwd, nil
}

func (c *fakeConn) MakeDir(dir string) error {
	target := c.abs(dir)
	if err := c.do("MKD", target); err != nil {
		return err
	}
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	if c.r.dirs[target] || !c.r.dirs[path.Dir(target)] {
		return denied("MKD")
	}
	c.r.dirs[target] = true
	return nil
}

func (c *fakeConn) SetType(t ftp.TransferType) error { return c.do("TYPE", string(t)) }

func (c *fakeConn) SetProtection(level ftp.Protection) error {
	if err := c.do("PROT", string(level)); err != nil {
		return err
	}
	c.prot = level
	return nil
}

func (c *fakeConn) Protection() ftp.Protection { return c.prot }

func (c *fakeConn) SetPassive(bool) {}

func (c *fakeConn) NameList(pattern string) ([]string, error) {
	if err := c.do("NLST", pattern); err != nil {
		return nil, err
	}
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	var names []string
	for name := range c.r.files {
		if path.Dir(name) != c.cwd {
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
	sort.Strings(names)
	return names, nil
}

func (c *fakeConn) Retrieve(name string, w io.Writer) (int64, error) {
	target := c.abs(name)
	if err := c.do("RETR", target); err != nil {
		return 0, err
	}
	data, ok := c.r.file(target)
	if !ok {
		return 0, denied("RETR")
	}
	n, err := io.Copy(w, bytes.NewReader(data))
	return n, err
}

func (c *fakeConn) Store(name string, rd io.Reader) (int64, error) {
	target := c.abs(name)
	if err := c.do("STOR", target); err != nil {
		return 0, err
	}
	data, err := io.ReadAll(rd)
	if err != nil {
		return 0, err
	}
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	if !c.r.dirs[path.Dir(target)] {
		return 0, &ftp.ProtocolError{Command: "STOR", Code: 553, Message: "No such directory"}
	}
	if c.r.shortStores > 0 {
		c.r.shortStores--
		data = data[:len(data)/2]
	}
	c.r.files[target] = data
	return int64(len(data)), nil
}

func (c *fakeConn) Rename(from, to string) error {
	src, dst := c.abs(from), c.abs(to)
	if err := c.do("RNFR", src); err != nil {
		return err
	}
	if err := c.do("RNTO", dst); err != nil {
		return err
	}
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	data, ok := c.r.files[src]
	if !ok || !c.r.dirs[path.Dir(dst)] {
		return denied("RNTO")
	}
	delete(c.r.files, src)
	c.r.files[dst] = data
	return nil
}

func (c *fakeConn) Size(name string) (int64, error) {
	target := c.abs(name)
	if err := c.do("SIZE", target); err != nil {
		return -1, err
	}
	data, ok := c.r.file(target)
	if !ok {
		return -1, denied("SIZE")
	}
	return int64(len(data)), nil
}

func (c *fakeConn) Delete(name string) error {
	target := c.abs(name)
	if err := c.do("DELE", target); err != nil {
		return err
	}
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	if _, ok := c.r.files[target]; !ok {
		return denied("DELE")
	}
	delete(c.r.files, target)
	return nil
}

func (c *fakeConn) Quit() error {
	err := c.do("QUIT", "")
	c.closed = true
	return err
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

var _ session.Conn = (*fakeConn)(nil)

// fakeSessions hands out fakeConns against one remote and redials when the
// current handle died.
type fakeSessions struct {
	r          *remote
	home       string
	conn       *fakeConn
	connectErr error
	dials      int
	reconnects int
	keepalives int
	recycles   []int
}

func (s *fakeSessions) dial() *fakeConn {
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.dials++
	s.conn = &fakeConn{r: s.r, cwd: s.home, prot: ftp.ProtectionProtected}
	return s.conn
}

func (s *fakeSessions) Ensure(ctx context.Context) (session.Conn, error) {
	if s.connectErr != nil {
		return nil, &session.ConnectError{Addr: "fake:21", Attempts: 3, Err: s.connectErr}
	}
	if s.conn == nil || s.conn.dead || s.conn.closed {
		return s.dial(), nil
	}
	return s.conn, nil
}

func (s *fakeSessions) Reconnect(ctx context.Context) (session.Conn, error) {
	if s.connectErr != nil {
		return nil, &session.ConnectError{Addr: "fake:21", Attempts: 3, Err: s.connectErr}
	}
	s.reconnects++
	return s.dial(), nil
}

func (s *fakeSessions) Keepalive(ctx context.Context) error {
	s.keepalives++
	return nil
}

func (s *fakeSessions) Recycle(ctx context.Context, processed int) error {
	s.recycles = append(s.recycles, processed)
	return nil
}

// harness wires the engine stack against a fake remote and an in-memory
// local store. Sleeps are recorded instead of taken.
type harness struct {
	r        *remote
	sessions *fakeSessions
	store    *localstore.Store
	unit     *TransferUnit
	prov     *Provisioner
	engine   *Engine
	coord    *Coordinator
	delays   []time.Duration
}

func newHarness(t *testing.T, batch BatchConfig, retry RetryPolicy, dirs ...string) *harness {
	t.Helper()
	testlog.Start(t)
	h := &harness{r: newRemote(dirs...), store: localstore.New(memfs.New())}
	h.sessions = &fakeSessions{r: h.r, home: "/"}
	sleep := func(ctx context.Context, d time.Duration) error {
		h.delays = append(h.delays, d)
		return ctx.Err()
	}
	h.unit = NewTransferUnit(h.store, "/downloads")
	h.prov = NewProvisioner(h.sessions, DefaultProvisionPolicy(), sleep)
	h.engine = NewEngine(h.sessions, retry, "test", WithEngineSleep(sleep))
	h.coord = NewCoordinator(batch, h.engine, h.sessions, nil)
	return h
}

func (h *harness) receive(origin, sent string, lister Lister) *ReceivePipeline {
	h.sessions.home = origin
	return NewReceivePipeline(ReceiveConfig{OriginDir: origin, SentDir: sent, DownloadDir: "/downloads"}, h.sessions, lister, h.unit, h.prov, h.coord)
}

func (h *harness) send(cfg SendConfig, extractor Extractor) *SendPipeline {
	return NewSendPipeline(cfg, h.sessions, h.store, extractor, h.unit, h.prov, h.coord)
}

func fastRetry(tries int) RetryPolicy {
	return RetryPolicy{
		MaxTries: tries,
		Backoff:  session.BackoffConfig{InitialDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute},
	}
}

func payload(name string, n int) []byte {
	return []byte(fmt.Sprintf("%s:%s", name, strings.Repeat("x", n)))
}
