// Package sync implements the incremental UID-based fetch loop: discover
// the new-message window, stream each accepted message to the sink,
// checkpoint durably, then idle until the server pushes more mail or the
// refresh timer fires. It owns the reconnect-and-resume recovery model.
package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/esukram/imapfetcher/internal/auth"
	"github.com/esukram/imapfetcher/internal/checkpoint"
	"github.com/esukram/imapfetcher/internal/config"
	"github.com/esukram/imapfetcher/internal/folder"
	"github.com/esukram/imapfetcher/internal/imap"
	"github.com/esukram/imapfetcher/internal/sink"
	"github.com/esukram/imapfetcher/internal/transport"
)

// reconnectDelay is the pause between a transport failure and the next
// connection attempt.
const reconnectDelay = 10 * time.Second

// idleTimeout is the ceiling an IDLE round waits before the engine
// refreshes it itself, comfortably below RFC 2177's 29-minute limit.
const idleTimeout = 10 * time.Minute

// errShutdown signals a clean, caller-requested stop (not a failure to
// reconnect from).
var errShutdown = errors.New("sync: shutdown requested")

// Conn is the transport surface the engine depends on: everything
// transport.Transport provides, narrowed to what imap.Channel and the
// engine's own IDLE loop need. Tests substitute a scripted fake; the
// production Engine substitutes *transport.Transport.
type Conn interface {
	imap.Transport
	Close() error
}

// session bundles one connected, authenticated, folder-selected channel.
type session struct {
	ch   *imap.Channel
	tr   Conn
	caps auth.Capabilities
}

// Engine runs the DISCOVER/STREAM/IDLE loop for one configured mailbox.
type Engine struct {
	cfg  *config.Config
	ckpt *checkpoint.Store
	snk  sink.Sink
	log  *slog.Logger

	// dial is overridable in tests to avoid a real network connection.
	dial func() (Conn, error)
}

// New constructs an Engine from a validated config, a checkpoint store
// rooted at the run directory, and the configured sink.
func New(cfg *config.Config, ckpt *checkpoint.Store, snk sink.Sink, log *slog.Logger) *Engine {
	e := &Engine{cfg: cfg, ckpt: ckpt, snk: snk, log: log}
	e.dial = func() (Conn, error) {
		tcfg := transport.DefaultConfig(cfg.Server, cfg.Port, cfg.SSL)
		tcfg.StartTLS = cfg.StartTLS
		return transport.Dial(tcfg)
	}
	return e
}

// Run drives the engine until ctx is canceled (graceful shutdown) or a
// fatal, non-reconnectable error occurs. A connect failure at the
// transport level is retried after reconnectDelay; any other connect
// failure (authentication, folder resolution, EXAMINE) is returned.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		runID := uuid.New().String()
		log := e.log.With("session", runID)

		sess, err := e.connect(ctx, log)
		if err != nil {
			var terr *transport.Error
			if !errors.As(err, &terr) && ctx.Err() == nil {
				return err
			}
			log.Warn("connect failed, will retry", "error", err, "delay", reconnectDelay)
			if !sleepOrDone(ctx, reconnectDelay) {
				return nil
			}
			continue
		}

		err = e.runSession(ctx, sess, log)
		sess.tr.Close()

		if err == nil || errors.Is(err, errShutdown) {
			return nil
		}
		log.Warn("session ended, reconnecting", "error", err, "delay", reconnectDelay)
		if !sleepOrDone(ctx, reconnectDelay) {
			return nil
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// connect dials, authenticates, resolves the folder, and examines it.
func (e *Engine) connect(ctx context.Context, log *slog.Logger) (*session, error) {
	tr, err := e.dial()
	if err != nil {
		return nil, fmt.Errorf("sync: dial: %w", err)
	}
	ch := imap.NewChannel(tr)

	caps, err := auth.Authenticate(ctx, ch, e.cfg)
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("sync: authenticate: %w", err)
	}

	name, err := folder.Resolve(ch, e.cfg.Folder, e.cfg.FolderFlag)
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("sync: resolve folder: %w", err)
	}
	if err := folder.Examine(ch, name); err != nil {
		tr.Close()
		return nil, fmt.Errorf("sync: examine folder: %w", err)
	}
	log.Info("session ready", "folder", name, "gmail", caps.HasGmail())

	return &session{ch: ch, tr: tr, caps: caps}, nil
}

// runSession runs DISCOVER → STREAM → IDLE until ctx is canceled or a
// transport-level error forces a reconnect.
func (e *Engine) runSession(ctx context.Context, sess *session, log *slog.Logger) error {
	for {
		if ctx.Err() != nil {
			logout(sess.ch)
			return errShutdown
		}

		checkpointUID, err := e.ckpt.Load()
		if err != nil {
			return fmt.Errorf("sync: load checkpoint: %w", err)
		}

		lastID, highestID, highestUID, err := e.discover(sess.ch, checkpointUID)
		if err != nil {
			return fmt.Errorf("sync: discover: %w", err)
		}

		if highestUID > checkpointUID {
			if _, err := e.stream(sess, checkpointUID, lastID, highestID, log); err != nil {
				return fmt.Errorf("sync: stream: %w", err)
			}
		}

		if err := e.idlePhase(ctx, sess.ch, log); err != nil {
			return fmt.Errorf("sync: idle: %w", err)
		}
	}
}

// logout sends an unsolicited LOGOUT with the conventional tag "0" and
// does not wait for a reply: the caller is already tearing the
// connection down.
func logout(ch *imap.Channel) {
	_ = ch.Transport().WriteAll([]byte("0 LOGOUT\r\n"))
}

// discover issues Phase 1's UID FETCH (UID) probe and returns the sequence
// id matching checkpointUID (0 if absent), the highest sequence id
// observed, and the highest UID observed.
func (e *Engine) discover(ch *imap.Channel, checkpointUID uint32) (lastID, highestID int, highestUID uint32, err error) {
	var rangeSpec string
	if checkpointUID > 0 {
		rangeSpec = fmt.Sprintf("%d,*", checkpointUID)
	} else {
		rangeSpec = "*"
	}

	onUntagged := func(r imap.Reader, line []byte) error {
		resp, perr := imap.ParseResponse(r, line)
		if perr != nil {
			return perr
		}
		seqStr, fields, ok := imap.ParseFetch(resp)
		if !ok {
			return nil
		}
		seq, serr := strconv.Atoi(seqStr)
		if serr != nil {
			return nil
		}
		uidVal, ok := imap.Find(fields, "UID")
		if !ok {
			return nil
		}
		uid, uerr := parseUID(uidVal)
		if uerr != nil {
			return nil
		}
		if uid == checkpointUID {
			lastID = seq
		}
		if seq > highestID {
			highestID = seq
		}
		if uid > highestUID {
			highestUID = uid
		}
		return nil
	}

	if _, execErr := ch.Execute("UID", fmt.Sprintf("FETCH %s (UID)", rangeSpec), onUntagged, nil); execErr != nil {
		return 0, 0, 0, execErr
	}
	return lastID, highestID, highestUID, nil
}

// FetchProgress is one §4.F progress line: sequence position within the
// range being streamed, alongside the count fetched so far.
type FetchProgress struct {
	Seq        int
	HighestID  int
	NewSeq     int
	NewHighest int
}

// stream issues Phase 2's bulk fetch and delivers each accepted row to the
// sink in arrival order, checkpointing after every successful delivery. It
// returns the progress line emitted for every delivered row, in order, so
// callers (and tests) can inspect exactly what was reported without
// depending on log output.
func (e *Engine) stream(sess *session, checkpointUID uint32, lastID, highestID int, log *slog.Logger) ([]FetchProgress, error) {
	fetchItems := "RFC822 INTERNALDATE"
	if sess.caps.HasGmail() {
		fetchItems += " X-GM-LABELS"
	}
	rangeSpec := fmt.Sprintf("%d:*", checkpointUID+1)

	current := checkpointUID
	var rowErr error
	var progress []FetchProgress

	onUntagged := func(r imap.Reader, line []byte) error {
		resp, perr := imap.ParseResponse(r, line)
		if perr != nil {
			return perr
		}
		seqStr, fields, ok := imap.ParseFetch(resp)
		if !ok {
			return nil
		}
		seq, _ := strconv.Atoi(seqStr)

		uidVal, hasUID := imap.Find(fields, "UID")
		bodyVal, hasBody := imap.Find(fields, "RFC822")
		dateVal, hasDate := imap.Find(fields, "INTERNALDATE")
		if !hasUID || !hasBody || !hasDate {
			log.Warn("skipping malformed FETCH row", "seq", seq)
			return nil
		}
		uid, uerr := parseUID(uidVal)
		if uerr != nil || uid <= current {
			log.Warn("skipping row with invalid or stale UID", "seq", seq)
			return nil
		}
		body, ok := bodyVal.(imap.Literal)
		if !ok {
			log.Warn("skipping row with non-literal body", "seq", seq, "uid", uid)
			return nil
		}
		date, ok := dateVal.(imap.Quoted)
		if !ok {
			log.Warn("skipping row with non-quoted date", "seq", seq, "uid", uid)
			return nil
		}

		status := deriveStatus(fields)
		msg := sink.Message{UID: uid, InternalDate: string(date), Body: []byte(body), Status: status}

		if err := e.snk.Deliver(msg); err != nil {
			rowErr = fmt.Errorf("sink delivery for uid %d: %w", uid, err)
			return rowErr
		}
		if err := e.ckpt.Save(uid); err != nil {
			rowErr = fmt.Errorf("checkpoint save for uid %d: %w", uid, err)
			return rowErr
		}
		current = uid

		p := FetchProgress{Seq: seq, HighestID: highestID, NewSeq: seq - lastID, NewHighest: highestID - lastID}
		progress = append(progress, p)
		log.Info("fetching message", "seq", p.Seq, "highest_id", p.HighestID, "new_seq", p.NewSeq, "new_highest", p.NewHighest)
		return nil
	}

	_, err := sess.ch.Execute("UID", fmt.Sprintf("FETCH %s (%s)", rangeSpec, fetchItems), onUntagged, nil)
	if err != nil {
		return progress, err
	}
	return progress, rowErr
}

// deriveStatus classifies a message from its X-GM-LABELS, per §4.F: absent
// labels mean Unknown, never a fabricated status.
func deriveStatus(fields imap.List) sink.Status {
	labelsVal, ok := imap.Find(fields, "X-GM-LABELS")
	if !ok {
		return sink.StatusUnknown
	}
	labelList, ok := labelsVal.(imap.List)
	if !ok {
		return sink.StatusUnknown
	}
	hasSent, hasInbox, hasDraft := false, false, false
	for _, v := range labelList {
		a, ok := v.(imap.Atom)
		if !ok {
			continue
		}
		switch string(a) {
		case `\Sent`:
			hasSent = true
		case `\Inbox`:
			hasInbox = true
		case `\Draft`:
			hasDraft = true
		}
	}
	switch {
	case hasSent && hasInbox:
		return sink.StatusSentAndRecv
	case hasSent:
		return sink.StatusSent
	case hasDraft:
		return sink.StatusDraft
	default:
		return sink.StatusReceived
	}
}

func parseUID(v any) (uint32, error) {
	var s string
	switch t := v.(type) {
	case imap.Atom:
		s = string(t)
	case imap.Quoted:
		s = string(t)
	default:
		return 0, fmt.Errorf("sync: unexpected UID value type %T", v)
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

// idlePhase issues IDLE and loops internally across timer-triggered
// refreshes, returning to the caller (Phase 1) only once an EXISTS push
// has been observed and acknowledged, or on error.
func (e *Engine) idlePhase(ctx context.Context, ch *imap.Channel, log *slog.Logger) error {
	for {
		refresh, err := e.idleRound(ctx, ch, log)
		if err != nil {
			return err
		}
		if !refresh {
			return nil
		}
	}
}

// idleRound runs one IDLE/DONE cycle. It returns refresh=true when the
// round ended because the internal timer fired (no new mail observed),
// meaning the caller should immediately re-enter IDLE rather than return
// to Phase 1.
func (e *Engine) idleRound(ctx context.Context, ch *imap.Channel, log *slog.Logger) (refresh bool, err error) {
	tr := ch.Transport()
	tag := ch.NextTag()

	// Widen the read deadline for the round so a quiet server is ended by
	// the idle timer rather than by the transport's normal read timeout.
	rt, widen := tr.(interface{ SetReadTimeout(time.Duration) })
	if widen {
		rt.SetReadTimeout(idleTimeout + time.Minute)
	}

	if err := tr.WriteAll([]byte(tag + " IDLE\r\n")); err != nil {
		return false, err
	}
	greeting, err := tr.ReadLine()
	if err != nil {
		return false, err
	}
	if len(greeting) == 0 || greeting[0] != '+' {
		return false, fmt.Errorf("imap: IDLE not accepted: %q", greeting)
	}

	tagPrefix := []byte(tag + " ")
	lines := make(chan []byte)
	errs := make(chan error, 1)
	go func() {
		for {
			line, rerr := tr.ReadLine()
			if rerr != nil {
				errs <- rerr
				return
			}
			lines <- line
			if bytes.HasPrefix(line, tagPrefix) {
				return
			}
		}
	}()

	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()

	doneSent := false
	timerFired := false
	existsSeen := false

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()

		case rerr := <-errs:
			return false, rerr

		case <-timer.C:
			if !doneSent {
				doneSent = true
				timerFired = true
				if werr := tr.WriteAll([]byte("DONE\r\n")); werr != nil {
					return false, werr
				}
			}

		case line := <-lines:
			switch {
			case bytes.HasPrefix(line, []byte("* BYE")):
				return false, fmt.Errorf("imap: %w: %s", imap.ErrBye, line)

			case bytes.Contains(line, []byte("EXISTS")) && bytes.HasPrefix(line, []byte("* ")):
				existsSeen = true
				if !doneSent {
					doneSent = true
					if werr := tr.WriteAll([]byte("DONE\r\n")); werr != nil {
						return false, werr
					}
				}
				log.Debug("idle observed EXISTS", "line", string(line))

			case bytes.HasPrefix(line, tagPrefix):
				rest := bytes.TrimPrefix(line, tagPrefix)
				if bytes.HasPrefix(rest, []byte("OK")) {
					if widen {
						rt.SetReadTimeout(transport.DefaultConfig("", 0, false).ReadTimeout)
					}
					return timerFired && !existsSeen, nil
				}
				return false, fmt.Errorf("imap: IDLE failed: %s", line)
			}
		}
	}
}
