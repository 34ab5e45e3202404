package sync

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/esukram/imapfetcher/internal/auth"
	"github.com/esukram/imapfetcher/internal/checkpoint"
	"github.com/esukram/imapfetcher/internal/imap"
	"github.com/esukram/imapfetcher/internal/sink"
)

// scriptedConn feeds ParseResponse and the Channel off a fixed byte stream,
// the way transport.Transport would off the wire, while capturing writes.
type scriptedConn struct {
	r    *bufio.Reader
	sent []string
}

func newScriptedConn(raw string) *scriptedConn {
	return &scriptedConn{r: bufio.NewReader(strings.NewReader(raw))}
}

func (c *scriptedConn) ReadLine() ([]byte, error) {
	line, err := c.r.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, err
	}
	if err == io.EOF && line == "" {
		return nil, io.EOF
	}
	n := len(line)
	for n > 0 && (line[n-1] == '\n' || line[n-1] == '\r') {
		n--
	}
	return []byte(line[:n]), nil
}

func (c *scriptedConn) ReadExact(n int64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *scriptedConn) WriteAll(b []byte) error {
	c.sent = append(c.sent, string(b))
	return nil
}

func (c *scriptedConn) Close() error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSink struct {
	delivered []sink.Message
	failUID   uint32
}

func (f *fakeSink) Deliver(m sink.Message) error {
	if f.failUID != 0 && m.UID == f.failUID {
		return fmt.Errorf("fakeSink: forced failure for uid %d", m.UID)
	}
	f.delivered = append(f.delivered, m)
	return nil
}

func (f *fakeSink) Close() error { return nil }

func TestDiscoverFreshMailbox(t *testing.T) {
	raw := "* 1 FETCH (UID 10)\r\n* 2 FETCH (UID 11)\r\n* 3 FETCH (UID 12)\r\n1 OK UID FETCH completed\r\n"
	conn := newScriptedConn(raw)
	ch := imap.NewChannel(conn)
	e := &Engine{log: discardLogger()}

	lastID, highestID, highestUID, err := e.discover(ch, 0)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if lastID != 0 || highestID != 3 || highestUID != 12 {
		t.Errorf("lastID=%d highestID=%d highestUID=%d", lastID, highestID, highestUID)
	}
	if conn.sent[0] != "1 UID FETCH * (UID)\r\n" {
		t.Errorf("sent = %v", conn.sent)
	}
}

func TestDiscoverResumeFindsLastID(t *testing.T) {
	raw := "* 1 FETCH (UID 10)\r\n* 2 FETCH (UID 11)\r\n* 3 FETCH (UID 12)\r\n1 OK UID FETCH completed\r\n"
	conn := newScriptedConn(raw)
	ch := imap.NewChannel(conn)
	e := &Engine{log: discardLogger()}

	lastID, highestID, highestUID, err := e.discover(ch, 11)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if lastID != 2 || highestID != 3 || highestUID != 12 {
		t.Errorf("lastID=%d highestID=%d highestUID=%d", lastID, highestID, highestUID)
	}
	if conn.sent[0] != "1 UID FETCH 11,* (UID)\r\n" {
		t.Errorf("sent = %v", conn.sent)
	}
}

func TestStreamDeliversAcceptedRowsInOrder(t *testing.T) {
	raw := "* 3 FETCH (UID 12 INTERNALDATE \"01-Jan-2020 10:20:30 +0000\" RFC822 {5}\r\n" +
		"hello)\r\n" +
		"* 4 FETCH (UID 13 X-GM-LABELS (\\Inbox \\Sent) INTERNALDATE \"02-Feb-2021 11:22:33 -0500\" RFC822 {6}\r\n" +
		"world!)\r\n" +
		"1 OK UID FETCH completed\r\n"
	conn := newScriptedConn(raw)
	ch := imap.NewChannel(conn)

	dir := t.TempDir()
	ckpt := checkpoint.New(dir, nil)
	snk := &fakeSink{}
	e := &Engine{ckpt: ckpt, snk: snk, log: discardLogger()}
	sess := &session{ch: ch, tr: conn, caps: auth.Capabilities{}}

	progress, err := e.stream(sess, 11, 2, 4, discardLogger())
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(progress) != 2 {
		t.Fatalf("progress entries = %d, want 2", len(progress))
	}
	if progress[0].Seq != 3 || progress[0].NewSeq != 1 {
		t.Errorf("progress[0] = %+v", progress[0])
	}
	if progress[1].Seq != 4 || progress[1].NewSeq != 2 {
		t.Errorf("progress[1] = %+v", progress[1])
	}

	if len(snk.delivered) != 2 {
		t.Fatalf("delivered %d messages, want 2", len(snk.delivered))
	}
	if snk.delivered[0].UID != 12 || string(snk.delivered[0].Body) != "hello" {
		t.Errorf("first message = %+v", snk.delivered[0])
	}
	if snk.delivered[1].UID != 13 || string(snk.delivered[1].Body) != "world!" {
		t.Errorf("second message = %+v", snk.delivered[1])
	}
	if snk.delivered[1].Status != sink.StatusSentAndRecv {
		t.Errorf("status = %v, want Sent+Received", snk.delivered[1].Status)
	}

	uid, err := ckpt.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if uid != 13 {
		t.Errorf("checkpoint = %d, want 13", uid)
	}
}

func TestStreamSinkFailureStopsAdvancingCheckpoint(t *testing.T) {
	raw := "* 3 FETCH (UID 12 INTERNALDATE \"01-Jan-2020 10:20:30 +0000\" RFC822 {5}\r\n" +
		"hello)\r\n" +
		"1 OK UID FETCH completed\r\n"
	conn := newScriptedConn(raw)
	ch := imap.NewChannel(conn)

	dir := t.TempDir()
	ckpt := checkpoint.New(dir, nil)
	snk := &fakeSink{failUID: 12}
	e := &Engine{ckpt: ckpt, snk: snk, log: discardLogger()}
	sess := &session{ch: ch, tr: conn, caps: auth.Capabilities{}}

	if _, err := e.stream(sess, 11, 2, 3, discardLogger()); err == nil {
		t.Fatal("expected sink failure to propagate")
	}

	uid, err := ckpt.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if uid != 0 {
		t.Errorf("checkpoint = %d, want 0 (unadvanced)", uid)
	}
}

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		labels []string
		want   sink.Status
	}{
		{nil, sink.StatusUnknown},
		{[]string{`\Inbox`}, sink.StatusReceived},
		{[]string{`\Sent`}, sink.StatusSent},
		{[]string{`\Sent`, `\Inbox`}, sink.StatusSentAndRecv},
		{[]string{`\Draft`}, sink.StatusDraft},
	}
	for _, c := range cases {
		var fields imap.List
		if c.labels != nil {
			items := make(imap.List, len(c.labels))
			for i, l := range c.labels {
				items[i] = imap.Atom(l)
			}
			fields = imap.List{imap.Atom("X-GM-LABELS"), items}
		}
		got := deriveStatus(fields)
		if got != c.want {
			t.Errorf("labels=%v got=%v want=%v", c.labels, got, c.want)
		}
	}
}

func TestIdleRoundExistsTriggersDoneAndNoRefresh(t *testing.T) {
	raw := "+ idling\r\n* 4 EXISTS\r\n1 OK IDLE completed\r\n"
	conn := newScriptedConn(raw)
	ch := imap.NewChannel(conn)
	e := &Engine{log: discardLogger()}

	refresh, err := e.idleRound(context.Background(), ch, discardLogger())
	if err != nil {
		t.Fatalf("idleRound: %v", err)
	}
	if refresh {
		t.Error("refresh = true, want false (EXISTS path returns to Phase 1)")
	}

	doneCount := 0
	for _, s := range conn.sent {
		if s == "DONE\r\n" {
			doneCount++
		}
	}
	if doneCount != 1 {
		t.Errorf("sent = %v, want a single DONE", conn.sent)
	}
}

func TestIdleRoundBYEIsFatal(t *testing.T) {
	raw := "+ idling\r\n* BYE shutting down\r\n"
	conn := newScriptedConn(raw)
	ch := imap.NewChannel(conn)
	e := &Engine{log: discardLogger()}

	_, err := e.idleRound(context.Background(), ch, discardLogger())
	if err == nil {
		t.Fatal("expected error on unsolicited BYE")
	}
}

func TestIdleRoundContextCancelReturnsPromptly(t *testing.T) {
	raw := "+ idling\r\n" // server never sends anything further
	conn := newScriptedConn(raw)
	ch := imap.NewChannel(conn)
	e := &Engine{log: discardLogger()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.idleRound(ctx, ch, discardLogger())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context-cancellation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idleRound did not return after context cancellation")
	}
}

func TestParseUID(t *testing.T) {
	uid, err := parseUID(imap.Atom("42"))
	if err != nil || uid != 42 {
		t.Errorf("uid=%d err=%v", uid, err)
	}
	if _, err := parseUID(imap.Atom("not-a-number")); err == nil {
		t.Error("expected error for non-numeric UID")
	}
}
