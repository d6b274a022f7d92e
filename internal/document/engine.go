// Package document implements the Document Engine: one single-writer
// actor per documentId that owns the authoritative content, version
// counter, operation log, and presence registry (spec.md §2, §4.2).
// It replaces the shared-mutex-and-map pattern of the teacher repo
// with an explicit inbox-serialized actor, per spec.md §9.
package document

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/otcollab/docengine/internal/fanout"
	"github.com/otcollab/docengine/internal/metrics"
	"github.com/otcollab/docengine/internal/ot"
	"github.com/otcollab/docengine/internal/persistence"
	"github.com/otcollab/docengine/internal/presence"
	"github.com/otcollab/docengine/internal/protocol"
	"github.com/otcollab/docengine/pkg/logger"
)

type lifecycleState int

const (
	stateLoading lifecycleState = iota
	stateReady
	stateDraining
	stateTerminated
)

const (
	autosaveInterval = 30 * time.Second
	drainGrace       = 30 * time.Second
)

// Config holds the collaborators an Engine needs; everything here is
// process-wide and safe for concurrent use by many engines.
type Config struct {
	DocumentID   string
	Adapter      persistence.Adapter
	Persister    *persistence.AsyncPersister
	Bus          fanout.Bus
	LogCapacity  int
	DrainGrace   time.Duration // defaults to 30s (spec.md §5); tests shorten it
	OnTerminated func(documentID string)
}

// Subscriber is a session attached to this engine's document.
type Subscriber struct {
	ConnectionID string
	UserID       string
	DisplayName  string
	Color        string
	Outbound     chan<- *protocol.Event
}

// Engine is a single-writer actor: every exported method sends a
// command into inbox and the run loop is the only goroutine that ever
// touches content, version, the log, the presence registry, or the
// subscriber map.
type Engine struct {
	id        string
	inbox     chan any
	cfg       Config
	closeOnce chan struct{}

	termMu     sync.RWMutex
	terminated bool
}

// New constructs and starts an Engine's run loop. Loading happens
// asynchronously; commands submitted before it completes are buffered
// and replayed in order once the snapshot (or its absence) is known.
func New(cfg Config) *Engine {
	if cfg.LogCapacity <= 0 {
		cfg.LogCapacity = protocol.LogCapacity
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = drainGrace
	}
	e := &Engine{
		id:        cfg.DocumentID,
		inbox:     make(chan any, 256),
		cfg:       cfg,
		closeOnce: make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Engine) ID() string { return e.id }

// --- public API: each call is a synchronous request into the actor ---

type AttachResult struct {
	Content string
	Version int
	Members []protocol.Member
}

func (e *Engine) Attach(sub Subscriber) (AttachResult, error) {
	reply := make(chan attachReply, 1)
	if !e.send(cmdAttach{sub: sub, reply: reply}) {
		return AttachResult{}, ErrEngineTerminated
	}
	r := <-reply
	return r.result, r.err
}

func (e *Engine) Detach(connectionID string) {
	e.send(cmdDetach{connectionID: connectionID})
}

func (e *Engine) SubmitOp(op ot.Operation, connectionID string) (int, *RejectError) {
	reply := make(chan submitReply, 1)
	if !e.send(cmdSubmitOp{op: op, connectionID: connectionID, reply: reply}) {
		return 0, reject(RejectInternal, ErrEngineTerminated.Error())
	}
	r := <-reply
	return r.version, r.err
}

func (e *Engine) SubmitPresence(update PresenceUpdate) {
	e.send(cmdPresence{update: update})
}

// Reattach swaps in a fresh outbound channel for a connectionId the
// engine still has a subscriber entry for, without emitting a
// user.joined broadcast. It is how the Session Gateway resumes a
// connection within its reconnect grace window (spec.md §4.3,
// §5 "reconnect grace 60s") instead of detaching and re-attaching. It
// reports false if no such subscriber exists, or if the engine has
// already terminated; the gateway then resumes the connection with no
// document attached.
func (e *Engine) Reattach(connectionID string, outbound chan<- *protocol.Event) bool {
	reply := make(chan bool, 1)
	if !e.send(cmdReattach{connectionID: connectionID, outbound: outbound, reply: reply}) {
		return false
	}
	return <-reply
}

type SyncResult struct {
	Ops      []ot.Operation
	FullSync bool
	Content  string
	Version  int
}

// Sync returns ErrEngineTerminated if the engine drained and stopped
// between the caller's GetOrCreate lookup and this call; the caller
// should fetch a fresh engine and retry, per spec.md §4.2.
func (e *Engine) Sync(haveVersion int) (SyncResult, error) {
	reply := make(chan syncReply, 1)
	if !e.send(cmdSync{haveVersion: haveVersion, reply: reply}) {
		return SyncResult{}, ErrEngineTerminated
	}
	r := <-reply
	return r.result, r.err
}

// Shutdown flushes a final autosave and stops the run loop. It blocks
// until the engine has acknowledged termination. A no-op if the
// engine has already terminated on its own (drain grace elapsed).
func (e *Engine) Shutdown() {
	reply := make(chan struct{})
	if !e.send(cmdShutdown{reply: reply}) {
		return
	}
	<-reply
}

// send delivers cmd to the run loop and reports whether it was
// accepted. It reports false once the engine has terminated, so
// callers never block forever waiting on a reply that the run loop
// stopped producing (the race this guards: GetOrCreate can hand back
// an Engine whose drain timer fires before the caller's own command
// reaches the inbox). terminated is set under termMu before the run
// loop returns, so this check and that write can never reorder past
// each other the way a bare select on closeOnce could.
func (e *Engine) send(cmd any) bool {
	e.termMu.RLock()
	defer e.termMu.RUnlock()
	if e.terminated {
		return false
	}
	e.inbox <- cmd
	return true
}

// PresenceUpdate is the Presence-category inbox message (spec.md
// §4.2).
type PresenceUpdate struct {
	ConnectionID string
	UserID       string
	Cursor       protocol.CursorPosition
	Selection    *protocol.SelectionRange
	Typing       bool
}

// --- internal command/reply types ---

type attachReply struct {
	result AttachResult
	err    error
}

type cmdAttach struct {
	sub   Subscriber
	reply chan attachReply
}

type cmdDetach struct {
	connectionID string
}

type submitReply struct {
	version int
	err     *RejectError
}

type cmdSubmitOp struct {
	op           ot.Operation
	connectionID string
	reply        chan submitReply
}

type cmdPresence struct {
	update PresenceUpdate
}

type syncReply struct {
	result SyncResult
	err    error
}

type cmdSync struct {
	haveVersion int
	reply       chan syncReply
}

type cmdShutdown struct {
	reply chan struct{}
}

type cmdReattach struct {
	connectionID string
	outbound     chan<- *protocol.Event
	reply        chan bool
}

type cmdLoaded struct {
	snapshot persistence.Snapshot
	found    bool
	err      error
}

// --- the actor ---

type engineState struct {
	content         string
	version         int
	language        string
	log             *opLog
	clientVersions  map[string]int
	connClientIDs   map[string]string // connectionID -> last clientId, for pruning clientVersions on detach
	registry        *presence.Registry
	subscribers     map[string]Subscriber // by connectionID
	lastSaveVersion int
	lifecycle       lifecycleState
	pending         []any
	drainTimer      *time.Timer
	busSub          fanout.Subscription
}

func (e *Engine) run() {
	s := &engineState{
		log:            newOpLog(e.cfg.LogCapacity),
		clientVersions: make(map[string]int),
		connClientIDs:  make(map[string]string),
		registry:       presence.NewRegistry(),
		subscribers:    make(map[string]Subscriber),
		lifecycle:      stateLoading,
	}

	go e.load()

	autosave := time.NewTicker(autosaveInterval)
	defer autosave.Stop()

	var busMessages <-chan fanout.Message
	if e.cfg.Bus != nil {
		if sub, err := e.cfg.Bus.Subscribe(context.Background(), e.id); err == nil {
			s.busSub = sub
			busMessages = sub.Messages()
		} else {
			logger.Warn("document %s: fanout subscribe failed: %v", e.id, err)
		}
	}

	for {
		var drainFired <-chan time.Time
		if s.drainTimer != nil {
			drainFired = s.drainTimer.C
		}

		select {
		case cmd := <-e.inbox:
			if s.lifecycle == stateLoading {
				if loaded, ok := cmd.(cmdLoaded); ok {
					e.applyLoaded(s, loaded)
				} else {
					s.pending = append(s.pending, cmd)
				}
			} else {
				e.handle(s, cmd)
			}

		case msg := <-busMessages:
			e.handleFanoutInbound(s, msg)

		case <-autosave.C:
			e.autosave(s)

		case <-drainFired:
			e.finishDraining(s)
			e.terminate(s)
			return
		}

		if s.lifecycle == stateTerminated {
			return
		}
	}
}

func (e *Engine) load() {
	snap, err := e.cfg.Adapter.LoadDocument(context.Background(), e.id)
	if errors.Is(err, persistence.ErrNotFound) {
		e.inbox <- cmdLoaded{found: false}
		return
	}
	if err != nil {
		e.inbox <- cmdLoaded{err: err}
		return
	}
	e.inbox <- cmdLoaded{snapshot: snap, found: true}
}

func (e *Engine) applyLoaded(s *engineState, loaded cmdLoaded) {
	if loaded.err != nil {
		logger.Error("document %s: load failed, starting empty: %v", e.id, loaded.err)
	} else if loaded.found {
		s.content = loaded.snapshot.Content
		s.version = loaded.snapshot.Version
		s.language = loaded.snapshot.Language
		s.lastSaveVersion = loaded.snapshot.Version
	}
	s.lifecycle = stateReady

	pending := s.pending
	s.pending = nil
	for _, cmd := range pending {
		e.handle(s, cmd)
		if s.lifecycle == stateTerminated {
			return
		}
	}
}

func (e *Engine) handle(s *engineState, cmd any) {
	switch c := cmd.(type) {
	case cmdAttach:
		e.handleAttach(s, c)
	case cmdDetach:
		e.handleDetach(s, c)
	case cmdSubmitOp:
		e.handleSubmitOp(s, c)
	case cmdPresence:
		e.handlePresence(s, c)
	case cmdSync:
		e.handleSync(s, c)
	case cmdReattach:
		e.handleReattach(s, c)
	case cmdShutdown:
		e.autosave(s)
		s.lifecycle = stateTerminated
		e.terminate(s)
		close(c.reply)
	default:
		logger.Error("document %s: unknown inbox message %T", e.id, cmd)
	}
}

func (e *Engine) handleAttach(s *engineState, c cmdAttach) {
	if s.drainTimer != nil {
		s.drainTimer.Stop()
		s.drainTimer = nil
		s.lifecycle = stateReady
	}

	s.subscribers[c.sub.ConnectionID] = c.sub

	e.broadcastExcept(s, c.sub.ConnectionID, &protocol.Event{
		Type:    protocol.TypeUserJoined,
		Payload: protocol.UserJoinedPayload{User: protocol.Member{UserID: c.sub.UserID, DisplayName: c.sub.DisplayName, Color: c.sub.Color}},
	})

	c.reply <- attachReply{result: AttachResult{
		Content: s.content,
		Version: s.version,
		Members: s.members(),
	}}
}

func (s *engineState) members() []protocol.Member {
	out := make([]protocol.Member, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		out = append(out, protocol.Member{UserID: sub.UserID, DisplayName: sub.DisplayName, Color: sub.Color})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (e *Engine) handleDetach(s *engineState, c cmdDetach) {
	if _, ok := s.subscribers[c.connectionID]; !ok {
		return
	}
	e.dropSubscriber(s, c.connectionID)

	if len(s.subscribers) == 0 && s.lifecycle == stateReady {
		s.lifecycle = stateDraining
		s.drainTimer = time.NewTimer(e.cfg.DrainGrace)
	}
}

// dropSubscriber removes connectionID from the subscriber map and
// forgets its clientVersions entry (so a one-shot client that submits
// once and disconnects doesn't pin log pruning forever, see
// pruneLog), then runs the shared post-removal bookkeeping. Shared by
// an explicit Detach and by the engine's own backpressure disconnect
// (spec.md §5: "on a full queue, it disconnects that session and
// continues").
func (e *Engine) dropSubscriber(s *engineState, connectionID string) {
	sub, ok := s.subscribers[connectionID]
	if !ok {
		return
	}
	delete(s.subscribers, connectionID)
	e.afterSubscriberRemoved(s, connectionID, sub)
}

// afterSubscriberRemoved runs once connectionID has already been taken
// out of s.subscribers (by dropSubscriber or, inline, by
// broadcastExcept's own backpressure handling): it drops the
// connection's clientVersions pin and, if no other connection shares
// the departed user's userID, clears presence and broadcasts
// user.left.
func (e *Engine) afterSubscriberRemoved(s *engineState, connectionID string, sub Subscriber) {
	if clientID, ok := s.connClientIDs[connectionID]; ok {
		delete(s.clientVersions, clientID)
		delete(s.connClientIDs, connectionID)
	}

	stillPresent := false
	for _, other := range s.subscribers {
		if other.UserID == sub.UserID {
			stillPresent = true
			break
		}
	}
	if !stillPresent {
		s.registry.Remove(sub.UserID)
		e.broadcastExcept(s, "", &protocol.Event{
			Type:    protocol.TypeUserLeft,
			Payload: protocol.UserLeftPayload{UserID: sub.UserID},
		})
	}
}

func (e *Engine) handleSubmitOp(s *engineState, c cmdSubmitOp) {
	op := c.op

	if op.BaseVersion > s.version {
		c.reply <- submitReply{err: e.rejectOp(RejectFutureVersion, fmt.Sprintf("client base %d ahead of server version %d", op.BaseVersion, s.version))}
		return
	}

	opPrime := op
	if op.BaseVersion < s.version {
		logged, ok := s.log.Since(op.BaseVersion)
		if !ok {
			c.reply <- submitReply{err: e.rejectOp(RejectTooStale, "log no longer contains this client's base version")}
			return
		}
		for _, against := range logged {
			_, transformed, err := ot.Transform(against, opPrime)
			if err != nil {
				c.reply <- submitReply{err: e.rejectOp(RejectOutOfRange, err.Error())}
				return
			}
			opPrime = transformed
		}
	}

	newContent, err := ot.Apply(s.content, opPrime)
	if err != nil {
		c.reply <- submitReply{err: e.rejectOp(RejectOutOfRange, err.Error())}
		return
	}

	metrics.OperationsApplied.Inc()
	s.version++
	opPrime.Version = s.version
	s.content = newContent
	s.log.Append(opPrime)
	s.clientVersions[op.ClientID] = s.version
	s.connClientIDs[c.connectionID] = op.ClientID
	s.pruneLog()

	c.reply <- submitReply{version: s.version}

	e.broadcastExcept(s, c.connectionID, &protocol.Event{
		Type:    protocol.TypeDocumentApplied,
		Payload: protocol.DocumentAppliedPayload{Op: opPrime, Version: s.version},
	})

	if e.cfg.Bus != nil {
		opCopy := opPrime
		if err := e.cfg.Bus.Publish(context.Background(), e.id, fanout.Message{
			Kind:       fanout.KindApplied,
			DocumentID: e.id,
			Version:    s.version,
			Op:         &opCopy,
		}); err != nil {
			metrics.FanoutPublishErrors.Inc()
			logger.Warn("document %s: fanout publish failed: %v", e.id, err)
		}
	}

	if e.cfg.Persister != nil {
		e.cfg.Persister.SubmitAppend(persistence.VersionRecord{
			DocumentID: e.id,
			Version:    s.version,
			Operation:  opPrime,
			AuthorID:   opPrime.AuthorID,
			CreatedAt:  time.Now(),
		})
	}
}

func (s *engineState) pruneLog() {
	minAck := s.version
	for _, v := range s.clientVersions {
		if v < minAck {
			minAck = v
		}
	}
	keepFrom := s.version - s.log.capacity + 1
	if minAck < keepFrom {
		keepFrom = minAck
	}
	s.log.PruneBefore(keepFrom)
}

func (e *Engine) handlePresence(s *engineState, c cmdPresence) {
	s.registry.Set(presence.Entry{
		UserID:     c.update.UserID,
		DocumentID: e.id,
		Cursor:     c.update.Cursor,
		Selection:  c.update.Selection,
		IsTyping:   c.update.Typing,
	})

	snapshot := s.registry.Snapshot()
	e.broadcastExcept(s, "", &protocol.Event{
		Type:    protocol.TypePresenceUpdate,
		Payload: protocol.PresenceUpdatePayload{Members: snapshot},
	})

	if e.cfg.Bus != nil {
		if err := e.cfg.Bus.Publish(context.Background(), e.id, fanout.Message{
			Kind:       fanout.KindPresenceChanged,
			DocumentID: e.id,
			UserID:     c.update.UserID,
		}); err != nil {
			metrics.FanoutPublishErrors.Inc()
			logger.Warn("document %s: fanout publish failed: %v", e.id, err)
		}
	}
}

func (e *Engine) handleSync(s *engineState, c cmdSync) {
	ops, ok := s.log.Since(c.haveVersion)
	if !ok {
		c.reply <- syncReply{result: SyncResult{FullSync: true, Content: s.content, Version: s.version}}
		return
	}
	c.reply <- syncReply{result: SyncResult{Ops: ops, Content: s.content, Version: s.version}}
}

func (e *Engine) handleReattach(s *engineState, c cmdReattach) {
	sub, ok := s.subscribers[c.connectionID]
	if !ok {
		c.reply <- false
		return
	}
	sub.Outbound = c.outbound
	s.subscribers[c.connectionID] = sub
	c.reply <- true
}

// handleFanoutInbound mirrors an Applied/PresenceChanged event
// published by this same engine (broadcast to peer nodes hosting
// locally-attached sessions). Because this Engine is the sole
// authoritative writer for its documentId, any inbound version is one
// this engine itself already assigned; true cross-engine merge is out
// of scope (spec.md §4.4 treats the bus as contract-only), so this
// path exists for nodes other than the one holding the live Engine and
// is a no-op here beyond dedup bookkeeping.
func (e *Engine) handleFanoutInbound(s *engineState, msg fanout.Message) {
	if msg.Kind == fanout.KindApplied && msg.Version <= s.version {
		return
	}
}

func (e *Engine) autosave(s *engineState) {
	if s.version == s.lastSaveVersion {
		return
	}
	if e.cfg.Persister != nil {
		e.cfg.Persister.SubmitSave(e.id, s.content, s.language, s.version)
	}
	s.lastSaveVersion = s.version
}

func (e *Engine) finishDraining(s *engineState) {
	e.autosave(s)
	s.lifecycle = stateTerminated
}

// terminate marks the engine as no longer accepting commands, then
// drains any command that raced its way into the inbox between the
// decision to terminate and this point (see send's doc comment),
// replying to each so its caller never blocks forever on a dropped
// command. Only after that does it close closeOnce and run the
// one-time teardown.
func (e *Engine) terminate(s *engineState) {
	e.termMu.Lock()
	e.terminated = true
	e.termMu.Unlock()

	e.drainPending()

	close(e.closeOnce)
	if s.busSub != nil {
		s.busSub.Close()
	}
	if e.cfg.OnTerminated != nil {
		e.cfg.OnTerminated(e.id)
	}
}

// drainPending empties whatever commands are left sitting in the
// inbox once terminated has been published: nothing can write to the
// inbox after that point (send checks terminated under the same
// termMu), so this is a bounded, one-shot drain rather than an
// ongoing loop.
func (e *Engine) drainPending() {
	for {
		select {
		case cmd := <-e.inbox:
			e.rejectTerminated(cmd)
		default:
			return
		}
	}
}

// rejectTerminated answers a command that arrived too late for the
// engine to actually process, with whatever "terminated" looks like
// in that command's own reply shape.
func (e *Engine) rejectTerminated(cmd any) {
	switch c := cmd.(type) {
	case cmdAttach:
		c.reply <- attachReply{err: ErrEngineTerminated}
	case cmdSubmitOp:
		c.reply <- submitReply{err: reject(RejectInternal, ErrEngineTerminated.Error())}
	case cmdSync:
		c.reply <- syncReply{err: ErrEngineTerminated}
	case cmdReattach:
		c.reply <- false
	case cmdShutdown:
		close(c.reply)
	case cmdDetach, cmdPresence, cmdLoaded:
		// fire-and-forget commands have no reply channel to answer
	}
}

// broadcastExcept sends ev to every subscriber other than
// excludeConnectionID (pass "" to exclude none). A subscriber whose
// outbound channel is full is disconnected rather than allowed to
// block the engine's serialization loop (spec.md §5: "it disconnects
// that session and continues") — its Outbound channel is closed, which
// the Session Gateway's writer answers by closing the connection with
// the Backpressure close code.
//
// A backed-up subscriber is removed from s.subscribers in the same
// pass that closes its channel, before any further broadcast (in
// particular the user.left this function itself issues via
// afterSubscriberRemoved) can be attempted against it. Two or more
// sessions backing up on the same broadcast would otherwise leave the
// first one's closed channel reachable from the second one's
// resulting user.left fan-out, and a send on a closed channel inside
// a select is chosen over its default case — a panic, not a dropped
// message.
func (e *Engine) broadcastExcept(s *engineState, excludeConnectionID string, ev *protocol.Event) {
	type backedUpSub struct {
		connID string
		sub    Subscriber
	}
	var backedUp []backedUpSub
	for connID, sub := range s.subscribers {
		if connID == excludeConnectionID {
			continue
		}
		select {
		case sub.Outbound <- ev:
		default:
			logger.Warn("document %s: session %s backed up, disconnecting", e.id, connID)
			metrics.BackpressureDisconnects.Inc()
			close(sub.Outbound)
			delete(s.subscribers, connID)
			backedUp = append(backedUp, backedUpSub{connID: connID, sub: sub})
		}
	}
	for _, b := range backedUp {
		e.afterSubscriberRemoved(s, b.connID, b.sub)
	}
}
