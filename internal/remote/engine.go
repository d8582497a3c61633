package remote

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	stdsync "sync"
	"time"

	"fleetline/internal/domain"
	"fleetline/internal/engine"
	"fleetline/internal/state"
)

// Sync status values surfaced to the UI.
const (
	StatusIdle    = "idle"
	StatusSyncing = "syncing"
	StatusSaved   = "saved"
	StatusError   = "error"
)

// Engine keeps the local aggregate and the shared remote document
// converging. It pulls the full document on a timer, pushes the sanitized
// local state after a quiet period following local edits, and forwards trip
// events to the remote log channel. Everything here is best-effort: the
// local aggregate is always authoritative for the running process.
type Engine struct {
	State  *state.Store
	Client *Client
	Logger *log.Logger
	Now    func() time.Time

	PullEvery time.Duration
	Quiet     time.Duration
	SavedFor  time.Duration

	mu         stdsync.Mutex
	status     string
	lastError  string
	pushTimer  *time.Timer
	pushGen    uint64
	savedTimer *time.Timer
	pullStop   chan struct{}
	pullURL    string
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// Start subscribes to the state store and begins the pull loop if a remote
// URL is already configured. Local edits arm the push debounce; merges
// arriving from the remote never do, so a pull can not echo back as a push.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.status == "" {
		e.status = StatusIdle
	}
	e.mu.Unlock()

	e.State.Subscribe(func(snap domain.AppState, origin state.Origin) {
		e.reconcilePull(snap.RemoteURL)
		if origin != state.OriginLocal || snap.RemoteURL == "" {
			return
		}
		e.schedulePush()
	})
	e.reconcilePull(e.State.Snapshot().RemoteURL)
}

// Stop halts the pull loop and cancels any pending push.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pullStop != nil {
		close(e.pullStop)
		e.pullStop = nil
		e.pullURL = ""
	}
	e.pushGen++
	if e.pushTimer != nil {
		e.pushTimer.Stop()
		e.pushTimer = nil
	}
	if e.savedTimer != nil {
		e.savedTimer.Stop()
		e.savedTimer = nil
	}
}

// Status reports the current sync status and, when in error, the last
// failure message.
func (e *Engine) Status() (string, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == "" {
		return StatusIdle, ""
	}
	return e.status, e.lastError
}

func (e *Engine) setStatus(status, detail string) {
	e.mu.Lock()
	e.status = status
	e.lastError = detail
	if status == StatusSaved && e.SavedFor > 0 {
		if e.savedTimer != nil {
			e.savedTimer.Stop()
		}
		e.savedTimer = time.AfterFunc(e.SavedFor, func() {
			e.mu.Lock()
			if e.status == StatusSaved {
				e.status = StatusIdle
			}
			e.mu.Unlock()
		})
	}
	e.mu.Unlock()
}

// --- push ---

// schedulePush arms or re-arms the trailing-edge debounce. A burst of edits
// collapses into a single push carrying the final state. Every arm bumps
// the generation; a fired callback that lost the race to a re-arm sees a
// newer generation and bows out, so the re-armed timer owns the push.
func (e *Engine) schedulePush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pushGen++
	gen := e.pushGen
	if e.pushTimer != nil {
		e.pushTimer.Stop()
	}
	e.pushTimer = time.AfterFunc(e.Quiet, func() {
		e.mu.Lock()
		if gen != e.pushGen {
			e.mu.Unlock()
			return
		}
		e.pushTimer = nil
		e.mu.Unlock()
		e.pushNow(context.Background())
	})
}

// Flush pushes immediately, cancelling any pending debounce. Used by
// one-shot CLI commands that exit before the quiet period would elapse.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	e.pushGen++
	if e.pushTimer != nil {
		e.pushTimer.Stop()
		e.pushTimer = nil
	}
	e.mu.Unlock()
	return e.pushNow(ctx)
}

func (e *Engine) pushNow(ctx context.Context) error {
	snap := e.State.Snapshot()
	if snap.RemoteURL == "" {
		return nil
	}
	e.setStatus(StatusSyncing, "")
	doc := Sanitize(snap)
	if err := e.Client.SaveDocument(ctx, snap.RemoteURL, doc); err != nil {
		e.logger().Printf("WARNING: push failed: %v", err)
		e.setStatus(StatusError, err.Error())
		return err
	}
	e.setStatus(StatusSaved, "")
	return nil
}

// Sanitize strips everything device-private from the aggregate before it
// leaves the machine: the session and the stop photo payloads. Photos reach
// the remote through the log channel only.
func Sanitize(snap domain.AppState) domain.AppState {
	doc := snap.Clone()
	doc.CurrentUser = nil
	doc.RemoteURL = ""
	for vi := range doc.Vehicles {
		for si := range doc.Vehicles[vi].Stops {
			doc.Vehicles[vi].Stops[si].Photos = nil
		}
	}
	return doc
}

// --- pull ---

// reconcilePull starts, restarts or stops the pull loop so it always tracks
// the currently configured remote URL.
func (e *Engine) reconcilePull(url string) {
	e.mu.Lock()
	if url == e.pullURL {
		e.mu.Unlock()
		return
	}
	if e.pullStop != nil {
		close(e.pullStop)
		e.pullStop = nil
	}
	e.pullURL = url
	if url == "" {
		e.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	e.pullStop = stop
	e.mu.Unlock()
	go e.pullLoop(url, stop)
}

func (e *Engine) pullLoop(url string, stop chan struct{}) {
	e.PullOnce(context.Background(), url)
	ticker := time.NewTicker(e.PullEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.PullOnce(context.Background(), url)
		}
	}
}

// PullOnce fetches the shared document and merges it into the aggregate. A
// network failure surfaces as the error status; a document that fails shape
// validation is logged and discarded without touching local state or the
// sync status, since a half-written remote file is expected during
// concurrent edits.
func (e *Engine) PullOnce(ctx context.Context, url string) {
	e.setStatus(StatusSyncing, "")
	raw, err := e.Client.FetchDocument(ctx, url, e.now())
	if err != nil {
		e.logger().Printf("WARNING: pull failed: %v", err)
		e.setStatus(StatusError, err.Error())
		return
	}
	doc, ok := parseDocument(raw)
	if !ok {
		e.logger().Printf("WARNING: discarding malformed remote document (%d bytes)", len(raw))
		e.setStatus(StatusIdle, "")
		return
	}
	badKey := ""
	e.State.Apply(state.OriginRemote, func(st *domain.AppState) bool {
		key, err := mergeDocument(st, doc)
		if err != nil {
			badKey = key
			return false
		}
		return true
	})
	if badKey != "" {
		e.logger().Printf("WARNING: discarding remote document with malformed %q", badKey)
	}
	e.setStatus(StatusIdle, "")
}

// parseDocument validates the remote payload's shape. The vehicles key is
// the sentinel: a document without it is not ours.
func parseDocument(raw []byte) (map[string]json.RawMessage, bool) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false
	}
	if _, ok := doc["vehicles"]; !ok {
		return nil, false
	}
	return doc, true
}

// mergeDocument merges a pulled document key by key at the top level: each
// collection the document carries replaces the local one, collections it
// omits keep their local value. The session and remote URL are
// device-private and never taken from the document. On a decode failure it
// reports the offending key; the aggregate passed in must then be
// discarded.
func mergeDocument(st *domain.AppState, doc map[string]json.RawMessage) (string, error) {
	if err := mergeKey(doc, "units", &st.Units); err != nil {
		return "units", err
	}
	if err := mergeKey(doc, "vehicles", &st.Vehicles); err != nil {
		return "vehicles", err
	}
	if err := mergeKey(doc, "justifications", &st.Justifications); err != nil {
		return "justifications", err
	}
	if err := mergeKey(doc, "employees", &st.Employees); err != nil {
		return "employees", err
	}
	if err := mergeKey(doc, "users", &st.Users); err != nil {
		return "users", err
	}
	if err := mergeKey(doc, "alarms", &st.Alarms); err != nil {
		return "alarms", err
	}
	if err := mergeKey(doc, "templates", &st.Templates); err != nil {
		return "templates", err
	}
	return "", nil
}

func mergeKey[T any](doc map[string]json.RawMessage, key string, dst *T) error {
	raw, ok := doc[key]
	if !ok {
		return nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	*dst = v
	return nil
}

// --- log channel & probe ---

// Send forwards a trip event to the remote log channel. The send is
// fire-and-forget: failures are logged and never retried, and they never
// block the caller.
func (e *Engine) Send(_ context.Context, evt engine.TripEvent) {
	snap := e.State.Snapshot()
	if snap.RemoteURL == "" {
		return
	}
	fields := map[string]any{
		"kind":           evt.Kind,
		"at":             evt.At,
		"vehicle_number": evt.VehicleNumber,
		"route":          evt.Route,
		"unit_id":        evt.UnitID,
		"unit_name":      evt.UnitName,
		"stop_type":      evt.StopType,
		"actor":          evt.Actor,
		"outcome":        evt.Outcome,
	}
	if len(evt.Photos) > 0 {
		fields["photos"] = evt.Photos
	}
	go func() {
		if err := e.Client.Log(context.Background(), snap.RemoteURL, fields); err != nil {
			e.logger().Printf("WARNING: event log send failed: %v", err)
		}
	}()
}

// TestConnection sends a synthetic log entry to the configured remote. The
// outcome is reported to the caller directly, never through the ambient sync
// status.
func (e *Engine) TestConnection(ctx context.Context) error {
	snap := e.State.Snapshot()
	if snap.RemoteURL == "" {
		return errors.New("no remote url configured")
	}
	return e.Client.Log(ctx, snap.RemoteURL, map[string]any{
		"kind": "connectivity.test",
		"at":   domain.Millis(e.now()),
	})
}
