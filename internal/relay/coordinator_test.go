package relay

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/danmuck/ftprelay/internal/archive"
	"github.com/danmuck/ftprelay/internal/enumerate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var xmlOnly = enumerate.Lister{Cap: 100, Extensions: []string{".xml"}}

func seed(h *harness, names ...string) map[string][]byte {
	out := make(map[string][]byte, len(names))
	for i, name := range names {
		data := payload(name, 8+i)
		h.r.put("/in/"+name, data)
		out[name] = data
	}
	return out
}

func TestReceiveRelocatesByRename(t *testing.T) {
	h := newHarness(t, BatchConfig{Policy: PolicyStrict}, fastRetry(3), "/in")
	data := seed(h, "a.xml", "b.xml", "notes.txt")

	res := h.receive("/in", "/archive/sent", xmlOnly).Run(context.Background())
	require.NoError(t, res.Err())
	assert.Equal(t, RunSuccess, res.Status())
	assert.Equal(t, StateSucceeded, res.State)
	require.Len(t, res.Records, 2)

	for _, rec := range res.Records {
		assert.Equal(t, StatusDelivered, rec.Status)
		assert.Equal(t, rec.LocalSize, rec.RemoteSize)
		assert.Contains(t, rec.Detail, "renamed to /archive/sent/")
		got, ok := h.r.file("/archive/sent/" + rec.Name)
		require.True(t, ok, rec.Name)
		assert.Equal(t, data[rec.Name], got)
		_, stillThere := h.r.file("/in/" + rec.Name)
		assert.False(t, stillThere)
		local, err := h.store.ReadFile(rec.LocalPath)
		require.NoError(t, err)
		assert.Equal(t, data[rec.Name], local)
	}
	_, ok := h.r.file("/in/notes.txt")
	assert.True(t, ok)
	assert.Equal(t, 2, h.r.count("MKD"))
	assert.Equal(t, 2, h.r.count("RETR"))

	again := h.receive("/in", "/archive/sent", xmlOnly).Run(context.Background())
	assert.Equal(t, RunNothingToDo, again.Status())
	assert.Equal(t, 2, h.r.count("MKD"), "provisioning must not recreate existing directories")
}

func TestReceiveFallsBackWhenRenameRefused(t *testing.T) {
	h := newHarness(t, BatchConfig{Policy: PolicyStrict}, fastRetry(3), "/in", "/sent")
	data := seed(h, "a.xml")
	h.r.fail("RNFR", denied("RNFR"), -1)

	res := h.receive("/in", "/sent", xmlOnly).Run(context.Background())
	assert.Equal(t, RunSuccess, res.Status())
	require.Len(t, res.Records, 1)
	rec := res.Records[0]
	assert.Equal(t, "copied to /sent/a.xml", rec.Detail)
	assert.Equal(t, 1, rec.Attempts)

	got, ok := h.r.file("/sent/a.xml")
	require.True(t, ok)
	assert.Equal(t, data["a.xml"], got)
	_, ok = h.r.file("/in/a.xml")
	assert.False(t, ok)
}

func TestReceiveRecordsDanglingOrigin(t *testing.T) {
	h := newHarness(t, BatchConfig{Policy: PolicyStrict}, fastRetry(3), "/in", "/sent")
	data := seed(h, "a.xml")
	h.r.fail("RNFR", denied("RNFR"), -1)
	h.r.fail("DELE", denied("DELE"), -1)

	res := h.receive("/in", "/sent", xmlOnly).Run(context.Background())
	assert.Equal(t, RunSuccess, res.Status())
	rec := res.Records[0]
	assert.Equal(t, StatusDelivered, rec.Status)
	assert.Contains(t, rec.Detail, "origin /in/a.xml not deleted")

	// Both copies survive; nothing was lost.
	got, ok := h.r.file("/sent/a.xml")
	require.True(t, ok)
	assert.Equal(t, data["a.xml"], got)
	_, ok = h.r.file("/in/a.xml")
	assert.True(t, ok)
	assert.Equal(t, 2, h.r.count("DELE"))
}

func TestReceiveRecoversFromDroppedConnection(t *testing.T) {
	h := newHarness(t, BatchConfig{Policy: PolicyStrict}, fastRetry(3), "/in", "/sent")
	seed(h, "a.xml")
	h.r.fail("RETR", io.EOF, 1)

	res := h.receive("/in", "/sent", xmlOnly).Run(context.Background())
	assert.Equal(t, RunSuccess, res.Status())
	assert.Equal(t, 2, res.Records[0].Attempts)
	assert.Equal(t, 1, h.sessions.reconnects)
	assert.Equal(t, []time.Duration{time.Second}, h.delays)

	names, err := h.store.ListDir("/downloads")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.xml"}, names)
}

func TestReceiveNeverRefetchesCachedItem(t *testing.T) {
	h := newHarness(t, BatchConfig{Policy: PolicyStrict}, fastRetry(3), "/in", "/sent")
	seed(h, "a.xml")
	h.r.fail("RNFR", io.EOF, 1)

	res := h.receive("/in", "/sent", xmlOnly).Run(context.Background())
	assert.Equal(t, RunSuccess, res.Status())
	assert.Equal(t, 2, res.Records[0].Attempts)
	assert.Equal(t, 1, h.r.count("RETR"))
	_, ok := h.r.file("/sent/a.xml")
	assert.True(t, ok)
}

func TestReceiveRenameLandedBeforeDrop(t *testing.T) {
	h := newHarness(t, BatchConfig{Policy: PolicyStrict}, fastRetry(3), "/in", "/sent")
	data := seed(h, "a.xml")
	// RNFR/RNTO goes through, then the size check loses the session.
	h.r.fail("SIZE", io.EOF, 1)

	res := h.receive("/in", "/sent", xmlOnly).Run(context.Background())
	assert.Equal(t, RunSuccess, res.Status())
	require.Len(t, res.Records, 1)
	rec := res.Records[0]
	assert.Equal(t, StatusDelivered, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, "already at /sent/a.xml", rec.Detail)
	assert.NotContains(t, rec.Detail, "not deleted")
	assert.Equal(t, rec.LocalSize, rec.RemoteSize)

	assert.Equal(t, 1, h.sessions.reconnects)
	assert.Equal(t, 1, h.r.count("RETR"))
	assert.Equal(t, 0, h.r.count("STOR"), "a verified destination needs no second upload")
	assert.Equal(t, 0, h.r.count("DELE"))
	got, ok := h.r.file("/sent/a.xml")
	require.True(t, ok)
	assert.Equal(t, data["a.xml"], got)
	_, ok = h.r.file("/in/a.xml")
	assert.False(t, ok)
}

func TestReceiveFallbackIgnoresOriginAlreadyGone(t *testing.T) {
	h := newHarness(t, BatchConfig{Policy: PolicyStrict}, fastRetry(3), "/in", "/sent")
	seed(h, "a.xml")
	h.r.fail("RNFR", denied("RNFR"), -1)
	unit := h.unit
	relocator := NewRelocator(h.sessions, unit, h.prov)
	item := NewItem("/in/a.xml", "a.xml")
	item.RemotePath = "/in/a.xml"

	conn, err := h.sessions.Ensure(context.Background())
	require.NoError(t, err)
	require.NoError(t, unit.Fetch(context.Background(), conn, item))
	// Another client removes the origin once the bytes are cached.
	h.r.mu.Lock()
	delete(h.r.files, "/in/a.xml")
	h.r.mu.Unlock()

	detail, err := relocator.Relocate(context.Background(), conn, item, "/in/a.xml", "/sent/a.xml")
	require.NoError(t, err)
	assert.Equal(t, "copied to /sent/a.xml", detail)
	assert.Equal(t, 1, h.r.count("STOR"))
}

func TestReceiveEmptyFetchIsDiscarded(t *testing.T) {
	h := newHarness(t, BatchConfig{Policy: PolicyStrict}, fastRetry(3), "/in", "/sent")
	h.r.put("/in/empty.xml", nil)

	res := h.receive("/in", "/sent", xmlOnly).Run(context.Background())
	assert.Equal(t, RunFailure, res.Status())
	assert.Equal(t, StateAborted, res.State)
	rec := res.Records[0]
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	assert.Contains(t, rec.Detail, "failed after 3 attempt(s)")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.delays)

	names, err := h.store.ListDir("/downloads")
	require.NoError(t, err)
	assert.Empty(t, names)
	_, ok := h.r.file("/in/empty.xml")
	assert.True(t, ok)
}

func TestReceiveAvoidsLocalCollisions(t *testing.T) {
	h := newHarness(t, BatchConfig{Policy: PolicyStrict}, fastRetry(3), "/in", "/sent")
	data := seed(h, "a.xml")
	require.NoError(t, h.store.WriteFile("/downloads/a.xml", []byte("older")))

	res := h.receive("/in", "/sent", xmlOnly).Run(context.Background())
	assert.Equal(t, RunSuccess, res.Status())
	assert.Equal(t, "/downloads/a_1.xml", res.Records[0].LocalPath)

	old, err := h.store.ReadFile("/downloads/a.xml")
	require.NoError(t, err)
	assert.Equal(t, []byte("older"), old)
	fresh, err := h.store.ReadFile("/downloads/a_1.xml")
	require.NoError(t, err)
	assert.Equal(t, data["a.xml"], fresh)
}

func TestStrictAbortsOnFirstPermanentFailure(t *testing.T) {
	h := newHarness(t, BatchConfig{Policy: PolicyStrict}, fastRetry(3), "/in", "/sent")
	seed(h, "a.xml", "b.xml", "c.xml")
	h.r.fail("RETR /in/b.xml", denied("RETR"), -1)

	res := h.receive("/in", "/sent", xmlOnly).Run(context.Background())
	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, RunFailure, res.Status())
	assert.Equal(t, Counts{Delivered: 1, Failed: 1, NotAttempted: 1}, res.Counts())
	assert.Equal(t, []string{"c.xml"}, res.NotAttempted)
	assert.Equal(t, 3, res.Records[1].Attempts)

	_, ok := h.r.file("/in/c.xml")
	assert.True(t, ok)
	last, ok := h.coord.Ledger().LastRun()
	require.True(t, ok)
	assert.Equal(t, StateAborted, last.State)
}

func TestStrictAbortsWhenFallbackStoreRefused(t *testing.T) {
	h := newHarness(t, BatchConfig{Policy: PolicyStrict}, fastRetry(3), "/in", "/sent")
	data := seed(h, "a.xml", "b.xml", "c.xml")
	h.r.fail("RNFR /in/b.xml", denied("RNFR"), -1)
	h.r.fail("STOR /sent/b.xml", denied("STOR"), -1)

	res := h.receive("/in", "/sent", xmlOnly).Run(context.Background())
	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, RunFailure, res.Status())
	assert.Equal(t, Counts{Delivered: 1, Failed: 1, NotAttempted: 1}, res.Counts())
	assert.Equal(t, []string{"c.xml"}, res.NotAttempted)

	require.Len(t, res.Records, 2)
	assert.Equal(t, StatusDelivered, res.Records[0].Status)
	failed := res.Records[1]
	assert.Equal(t, "b.xml", failed.Name)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, 3, failed.Attempts)
	assert.Equal(t, 3, h.r.count("STOR /sent/b.xml"))
	assert.Equal(t, 1, h.r.count("RETR /in/b.xml"), "cached bytes are reused across tries")

	// Nothing lost: b stays at the origin and never reached the destination.
	got, ok := h.r.file("/in/b.xml")
	require.True(t, ok)
	assert.Equal(t, data["b.xml"], got)
	_, ok = h.r.file("/sent/b.xml")
	assert.False(t, ok)
	assert.Equal(t, 0, h.r.count("DELE /in/b.xml"))
	_, ok = h.r.file("/in/c.xml")
	assert.True(t, ok)
	assert.Equal(t, 0, h.r.count("RETR /in/c.xml"))
}

func TestRequeueCapsAttemptsAcrossPasses(t *testing.T) {
	h := newHarness(t, BatchConfig{Policy: PolicyRequeue, PassSize: 100, RequeueCap: 3}, fastRetry(2), "/in", "/sent")
	seed(h, "a.xml", "b.xml", "c.xml")
	h.r.fail("RETR /in/b.xml", denied("RETR"), -1)

	res := h.receive("/in", "/sent", xmlOnly).Run(context.Background())
	assert.Equal(t, StateDrained, res.State)
	assert.Equal(t, 2, res.Passes)
	assert.Equal(t, RunFailure, res.Status())
	assert.Equal(t, Counts{Delivered: 2, Failed: 1}, res.Counts())

	require.Len(t, res.Records, 3)
	assert.Equal(t, "a.xml", res.Records[0].Name)
	assert.Equal(t, "c.xml", res.Records[1].Name)
	b := res.Records[2]
	assert.Equal(t, "b.xml", b.Name)
	assert.Equal(t, StatusFailed, b.Status)
	assert.Equal(t, 3, b.Attempts)
	assert.Empty(t, h.coord.Ledger().List())
}

func TestRequeueRecoversInLaterPass(t *testing.T) {
	h := newHarness(t, BatchConfig{Policy: PolicyRequeue, PassSize: 2, RequeueCap: 3}, fastRetry(2), "/in", "/sent")
	seed(h, "a.xml", "b.xml", "c.xml")
	h.r.fail("RETR /in/b.xml", denied("RETR"), 2)

	res := h.receive("/in", "/sent", xmlOnly).Run(context.Background())
	assert.Equal(t, StateDrained, res.State)
	assert.Equal(t, RunSuccess, res.Status())
	assert.Equal(t, 2, res.Passes)
	require.Len(t, res.Records, 3)
	assert.Equal(t, "b.xml", res.Records[2].Name)
	assert.Equal(t, 3, res.Records[2].Attempts)
}

func TestRequeueHonorsElapsedLimit(t *testing.T) {
	h := newHarness(t, BatchConfig{Policy: PolicyRequeue, PassSize: 10, RequeueCap: 5, RequeueMaxElapsed: time.Minute}, fastRetry(2), "/in", "/sent")
	t0 := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	h.engine.now = func() time.Time { return t0 }
	h.coord.now = func() time.Time { return t0.Add(2 * time.Minute) }
	seed(h, "b.xml")
	h.r.fail("RETR /in/b.xml", denied("RETR"), -1)

	res := h.receive("/in", "/sent", xmlOnly).Run(context.Background())
	assert.Equal(t, 1, res.Passes)
	assert.Equal(t, 2, res.Records[0].Attempts)
	assert.Equal(t, StatusFailed, res.Records[0].Status)
}

func TestRequeueLedgerTracksPendingItems(t *testing.T) {
	h := newHarness(t, BatchConfig{Policy: PolicyRequeue, PassSize: 1, RequeueCap: 2}, fastRetry(1), "/in", "/sent")
	seed(h, "a.xml", "b.xml")
	h.r.fail("RETR /in/a.xml", denied("RETR"), 1)

	var pending []PendingItem
	job := Job{Op: func(ctx context.Context, conn Conn, item *TransferItem) (string, error) {
		if item.Name == "b.xml" {
			pending = h.coord.Ledger().List()
		}
		if err := h.unit.Fetch(ctx, conn, item); err != nil {
			return "", err
		}
		return "fetched", nil
	}}
	items := []*TransferItem{NewItem("/in/a.xml", "a.xml"), NewItem("/in/b.xml", "b.xml")}
	for _, item := range items {
		item.RemotePath = item.ID
	}
	res := h.coord.Run(context.Background(), NewRunResult(DirectionReceive, PolicyRequeue), items, job)

	require.Len(t, pending, 1)
	assert.Equal(t, "/in/a.xml", pending[0].ID)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, 1, pending[0].Pass)
	assert.NotEmpty(t, pending[0].LastError)
	assert.Equal(t, OutcomeTransient, pending[0].Outcome)
	assert.Equal(t, RunSuccess, res.Status())
	assert.Empty(t, h.coord.Ledger().List())
}

func TestRequeueVerdictMarksUnderCapTransient(t *testing.T) {
	h := newHarness(t, BatchConfig{Policy: PolicyRequeue, RequeueCap: 3}, fastRetry(1))
	exhausted := AttemptOutcome{Kind: OutcomePermanent, Err: io.EOF, Detail: "EOF", Exhausted: true}

	item := NewItem("/in/a.xml", "a.xml")
	item.Attempts = 2
	assert.Equal(t, OutcomeTransient, h.coord.requeueVerdict(item, exhausted, 3).Kind)

	item.Attempts = 3
	assert.Equal(t, OutcomePermanent, h.coord.requeueVerdict(item, exhausted, 3).Kind)

	item.Attempts = 1
	refused := AttemptOutcome{Kind: OutcomePermanent, Err: denied("RETR"), Detail: "550"}
	assert.Equal(t, OutcomePermanent, h.coord.requeueVerdict(item, refused, 3).Kind)
	done := AttemptOutcome{Kind: OutcomeSuccess, Detail: "fetched"}
	assert.Equal(t, OutcomeSuccess, h.coord.requeueVerdict(item, done, 3).Kind)
}

func TestCoordinatorPacesSession(t *testing.T) {
	h := newHarness(t, BatchConfig{Policy: PolicyStrict}, fastRetry(1))
	items := []*TransferItem{NewItem("1", "1"), NewItem("2", "2"), NewItem("3", "3")}
	ok := Job{Op: func(context.Context, Conn, *TransferItem) (string, error) { return "", nil }}

	res := h.coord.Run(context.Background(), NewRunResult("test", PolicyStrict), items, ok)
	assert.Equal(t, RunSuccess, res.Status())
	assert.Equal(t, []int{1, 2}, h.sessions.recycles)
	assert.Equal(t, 2, h.sessions.keepalives)
}

func TestStrictContinuesPastSkips(t *testing.T) {
	h := newHarness(t, BatchConfig{Policy: PolicyStrict}, fastRetry(3))
	items := []*TransferItem{NewItem("1", "gone.xml"), NewItem("2", "here.xml")}
	job := Job{
		Op: func(_ context.Context, _ Conn, item *TransferItem) (string, error) {
			if item.Name == "gone.xml" {
				return "", &SkipError{Reason: "local file missing"}
			}
			return "stored", nil
		},
		Settle: func(*TransferItem) string { return "moved" },
	}

	res := h.coord.Run(context.Background(), NewRunResult("test", PolicyStrict), items, job)
	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, RunSuccess, res.Status())
	assert.Equal(t, Counts{Delivered: 1, Skipped: 1}, res.Counts())
	assert.Equal(t, "local file missing", res.Records[0].Detail)
	assert.Equal(t, "stored | moved", res.Records[1].Detail)
}

func TestCoordinatorInterrupted(t *testing.T) {
	h := newHarness(t, BatchConfig{Policy: PolicyRequeue}, fastRetry(3))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	items := []*TransferItem{NewItem("1", "a"), NewItem("2", "b")}

	res := h.coord.Run(ctx, NewRunResult("test", PolicyRequeue), items, Job{Op: func(context.Context, Conn, *TransferItem) (string, error) {
		return "", nil
	}})
	assert.Equal(t, StateInterrupted, res.State)
	assert.Equal(t, []string{"a", "b"}, res.NotAttempted)
	assert.Equal(t, RunFailure, res.Status())
}

func TestReceiveSetupFailures(t *testing.T) {
	t.Run("connect", func(t *testing.T) {
		h := newHarness(t, BatchConfig{Policy: PolicyStrict}, fastRetry(3), "/in")
		seed(h, "a.xml")
		h.sessions.connectErr = errors.New("connection refused")

		res := h.receive("/in", "/sent", xmlOnly).Run(context.Background())
		var ce *ConnectError
		require.ErrorAs(t, res.Err(), &ce)
		assert.Equal(t, StateFailed, res.State)
		assert.Equal(t, RunFailure, res.Status())
		assert.Empty(t, res.Records)
		last, ok := h.coord.Ledger().LastRun()
		require.True(t, ok)
		assert.Contains(t, last.Error, "connection refused")
	})
	t.Run("provision", func(t *testing.T) {
		h := newHarness(t, BatchConfig{Policy: PolicyStrict}, fastRetry(3), "/in")
		seed(h, "a.xml")
		h.r.fail("MKD", denied("MKD"), -1)

		res := h.receive("/in", "/sent", xmlOnly).Run(context.Background())
		var pe *ProvisionError
		require.ErrorAs(t, res.Err(), &pe)
		assert.Equal(t, "/sent", pe.Path)
		assert.Zero(t, h.r.count("RETR"))
		_, ok := h.r.file("/in/a.xml")
		assert.True(t, ok)
	})
}

func TestSendUploadsVerifiesAndRetires(t *testing.T) {
	h := newHarness(t, BatchConfig{Policy: PolicyRequeue, PassSize: 100}, fastRetry(3))
	require.NoError(t, h.store.WriteFile("/to_send/x/a.xml", []byte("<a>alpha</a>")))
	require.NoError(t, h.store.WriteFile("/to_send/b.xml", []byte("<b/>")))
	require.NoError(t, h.store.WriteFile("/to_send/readme.txt", []byte("skip me")))

	p := h.send(SendConfig{ToSendDir: "/to_send", SentDir: "/sent", RemoteDir: "/out", Extensions: []string{".xml"}}, nil)
	res := p.Run(context.Background())
	assert.Equal(t, RunSuccess, res.Status())
	require.Len(t, res.Records, 2)

	got, ok := h.r.file("/out/a.xml")
	require.True(t, ok)
	assert.Equal(t, []byte("<a>alpha</a>"), got)
	_, ok = h.r.file("/out/b.xml")
	assert.True(t, ok)

	for _, rec := range res.Records {
		assert.Equal(t, rec.LocalSize, rec.RemoteSize)
		assert.Contains(t, rec.Detail, "moved to /sent/")
	}
	moved, err := h.store.Exists("/sent/x/a.xml")
	require.NoError(t, err)
	assert.True(t, moved)
	emptied, err := h.store.Exists("/to_send/x")
	require.NoError(t, err)
	assert.False(t, emptied)
	left, err := h.store.ListDir("/to_send")
	require.NoError(t, err)
	assert.Equal(t, []string{"readme.txt"}, left)
}

func TestSendDeletesMismatchedCopyBeforeRetry(t *testing.T) {
	h := newHarness(t, BatchConfig{Policy: PolicyStrict}, fastRetry(3), "/out")
	require.NoError(t, h.store.WriteFile("/to_send/a.xml", []byte("0123456789")))
	h.r.shortStores = 1

	res := h.send(SendConfig{ToSendDir: "/to_send", SentDir: "/sent", RemoteDir: "/out"}, nil).Run(context.Background())
	assert.Equal(t, RunSuccess, res.Status())
	assert.Equal(t, 2, res.Records[0].Attempts)
	assert.EqualValues(t, 10, res.Records[0].RemoteSize)
	assert.Equal(t, 1, h.r.count("DELE"))
	got, _ := h.r.file("/out/a.xml")
	assert.Len(t, got, 10)
}

func TestSendSkipsVanishedFile(t *testing.T) {
	h := newHarness(t, BatchConfig{Policy: PolicyStrict}, fastRetry(3))
	p := h.send(SendConfig{ToSendDir: "/to_send", SentDir: "/sent", RemoteDir: "/out"}, nil)
	item := NewItem("/to_send/gone.xml", "gone.xml")
	item.LocalPath = "/to_send/gone.xml"

	_, err := p.send(context.Background(), &fakeConn{r: h.r, cwd: "/"}, item)
	var skip *SkipError
	require.ErrorAs(t, err, &skip)
	assert.Zero(t, h.r.count("STOR"))
}

func TestSendNothingToDoSkipsConnect(t *testing.T) {
	h := newHarness(t, BatchConfig{Policy: PolicyStrict}, fastRetry(3))
	res := h.send(SendConfig{ToSendDir: "/to_send", SentDir: "/sent", RemoteDir: "/out"}, nil).Run(context.Background())
	assert.Equal(t, RunNothingToDo, res.Status())
	assert.Zero(t, h.sessions.dials)
}

func TestSendExtractsArchivesFirst(t *testing.T) {
	h := newHarness(t, BatchConfig{Policy: PolicyStrict}, fastRetry(3))
	require.NoError(t, h.store.WriteFile("/drop/not-a-zip.zip", []byte("garbage")))
	require.NoError(t, h.store.WriteFile("/to_send/ready.xml", []byte("<r/>")))

	extractor := archive.NewExtractor(h.store, []string{".xml"})
	res := h.send(SendConfig{DropDir: "/drop", ToSendDir: "/to_send", SentDir: "/sent", RemoteDir: "/out", Extensions: []string{".xml"}}, extractor).Run(context.Background())
	assert.Equal(t, RunSuccess, res.Status())
	require.Len(t, res.Records, 1)
	kept, err := h.store.Exists("/drop/not-a-zip.zip")
	require.NoError(t, err)
	assert.True(t, kept)
}
