// Package protocol implements the event-driven state machine that
// drives one sync session to completion over a transport adapter,
// serializing outbound SYNC_DATA one in flight, applying inbound
// batches atomically, and exchanging a single negotiated watermark at
// finalize.
//
// Both peers run the identical Driver. Which one plays "server" and
// which plays "client" for a session is decided per-session by who
// sends SYNC_REQUEST: the sender becomes the client (the mobile role,
// matching CLIENT_SENDING), the receiver becomes the server (the host
// role, matching SERVER_SENDING).
package protocol

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/relaylink/syncengine/internal/applier"
	"github.com/relaylink/syncengine/internal/model"
	"github.com/relaylink/syncengine/internal/observer"
	"github.com/relaylink/syncengine/internal/reader"
	"github.com/relaylink/syncengine/internal/session"
	"github.com/relaylink/syncengine/internal/timeutil"
	"github.com/relaylink/syncengine/internal/transport"
	"github.com/relaylink/syncengine/internal/watermark"
)

// Config wires one Driver instance to its collaborators. The driver
// owns none of these; it only drives them.
type Config struct {
	Device    DeviceInfo
	DB        *sql.DB
	Transport transport.Adapter
	Watermark *watermark.Store
	Observer  *observer.Bus
}

// Driver runs one sync session at a time against its Transport Adapter.
// Not safe for concurrent InitiateSync/Serve calls — the session is
// single-owner, meant to be driven by one goroutine at a time.
type Driver struct {
	cfg  Config
	sess *session.Session

	// asServer records which role this Driver is playing for the
	// session currently in progress. Meaningless while Phase is IDLE.
	asServer bool
	// serverWatermarkAtStart is the acceptor's watermark handed back in
	// SYNC_START, needed later when this side (as client) computes what
	// "since" to read its own CLIENT_SENDING changes from.
	serverWatermarkAtStart int64
}

// New constructs a Driver in the IDLE state.
func New(cfg Config) *Driver {
	return &Driver{cfg: cfg, sess: session.New()}
}

// InitiateSync is the engine's one public operation: send SYNC_REQUEST
// and drive the resulting session to completion, blocking until it
// reaches a terminal state. Returns a *Error on any failure.
func (d *Driver) InitiateSync(ctx context.Context) error {
	if err := d.sess.RequirePhase(session.PhaseIdle); err != nil {
		return newError(KindProtocolMismatch, "sync already in progress", err)
	}

	since, err := d.cfg.Watermark.Get()
	if err != nil {
		return d.failAs(observer.Error, newError(KindApplyFailure, "read local watermark", err))
	}

	payload := syncRequestPayload{Device: d.cfg.Device, Since: since}
	env, err := transport.Marshal(uuid.NewString(), transport.EventSyncRequest, transport.StatusNew, payload)
	if err != nil {
		return d.failAs(observer.Error, newError(KindTransport, "marshal SYNC_REQUEST", err))
	}
	if err := d.cfg.Transport.Send(transport.ChannelSync, env); err != nil {
		return d.failAs(observer.Error, newError(KindTransport, "send SYNC_REQUEST", err))
	}

	d.sess.Phase = session.PhaseServerSending
	d.sess.StartTimeUnix = timeutil.Now()
	d.asServer = false
	d.publish(observer.Started, "")

	return d.runOneSession(ctx)
}

// Serve reacts to inbound sessions forever (the host side's normal
// posture: accept whatever SYNC_REQUEST arrives next). It returns only
// when ctx is cancelled or the transport inbox closes.
func (d *Driver) Serve(ctx context.Context) error {
	for {
		err := d.runOneSession(ctx)
		if err == nil {
			continue
		}
		if kind, ok := errorKind(err); ok && kind != KindCancelled && kind != KindTransport {
			// Session-local failure (rejected, timed out, bad apply):
			// already reset to IDLE by failAs. Keep serving.
			continue
		}
		return err
	}
}

func errorKind(err error) (Kind, bool) {
	perr, ok := err.(*Error)
	if !ok {
		return "", false
	}
	return perr.Kind, true
}

// runOneSession drives the select loop until the session that was
// in-flight when it was called returns to IDLE, or fails terminally.
func (d *Driver) runOneSession(ctx context.Context) error {
	leftIdle := d.sess.Phase != session.PhaseIdle
	for {
		select {
		case <-ctx.Done():
			return d.failAs(observer.Error, newError(KindCancelled, "context cancelled", ctx.Err()))
		case env, ok := <-d.cfg.Transport.Inbox():
			if !ok {
				return d.failAs(observer.Error, newError(KindTransport, "transport inbox closed", transport.ErrChannelClosed))
			}
			if err := d.handleEnvelope(ctx, env); err != nil {
				return err
			}
			if d.sess.Phase != session.PhaseIdle {
				leftIdle = true
			} else if leftIdle {
				return nil
			}
		}
	}
}

func (d *Driver) handleEnvelope(ctx context.Context, env transport.Envelope) error {
	switch env.EventType {
	case transport.EventSyncRequest:
		return d.handleSyncRequest(ctx, env)
	case transport.EventSyncStart:
		return d.handleSyncStart(env)
	case transport.EventSyncData:
		return d.handleSyncData(env)
	case transport.EventSyncComplete:
		return d.handleSyncComplete(ctx, env)
	case transport.EventSyncFinalize:
		return d.handleSyncFinalize(env)
	case transport.EventSyncReject:
		return d.handleSyncReject(env)
	case transport.EventSyncDataConfirm:
		// A confirm arriving here (outside sendChanges' own wait loop)
		// is stale or duplicate — log and ignore, it is not terminal.
		slog.Warn("protocol: unexpected SYNC_DATA_CONFIRM outside send window", "event_id", env.EventID)
		return nil
	default:
		return d.failAs(observer.Error, newError(KindProtocolMismatch, fmt.Sprintf("unknown event type %q", env.EventType), nil))
	}
}

// handleSyncRequest accepts an inbound session as the server side.
func (d *Driver) handleSyncRequest(ctx context.Context, env transport.Envelope) error {
	if d.sess.Phase != session.PhaseIdle {
		d.reject(env, "sync already in progress")
		return nil
	}

	var payload syncRequestPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return d.failAs(observer.Error, newError(KindProtocolMismatch, "decode SYNC_REQUEST payload", err))
	}

	hostWatermark, err := d.cfg.Watermark.Get()
	if err != nil {
		return d.failAs(observer.Error, newError(KindApplyFailure, "read local watermark", err))
	}

	d.sess.Reset()
	d.sess.SessionID = session.NewSessionID()
	d.sess.StartTimeUnix = timeutil.Now()
	d.sess.Phase = session.PhaseServerSending
	d.asServer = true
	d.publish(observer.Started, "")

	startPayload := syncStartPayload{SessionID: d.sess.SessionID, ServerWatermark: hostWatermark}
	startEnv, err := transport.Marshal(uuid.NewString(), transport.EventSyncStart, transport.StatusSuccess, startPayload)
	if err != nil {
		return d.failAs(observer.Error, newError(KindTransport, "marshal SYNC_START", err))
	}
	if err := d.cfg.Transport.Send(transport.ChannelSync, startEnv); err != nil {
		return d.failAs(observer.Error, newError(KindTransport, "send SYNC_START", err))
	}

	return d.sendChanges(ctx, payload.Since)
}

// handleSyncStart is the client's reaction to the server's acceptance.
func (d *Driver) handleSyncStart(env transport.Envelope) error {
	if err := d.sess.RequirePhase(session.PhaseServerSending); err != nil {
		return d.failAs(observer.Error, newError(KindProtocolMismatch, "SYNC_START in unexpected phase", err))
	}
	var payload syncStartPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return d.failAs(observer.Error, newError(KindProtocolMismatch, "decode SYNC_START payload", err))
	}
	d.sess.SessionID = payload.SessionID
	d.serverWatermarkAtStart = payload.ServerWatermark
	return nil
}

// handleSyncData buffers one inbound change record and acknowledges it
// immediately — the one-in-flight rule constrains the sender, not the
// receiver.
func (d *Driver) handleSyncData(env transport.Envelope) error {
	receivingPhase := session.PhaseServerSending
	if d.asServer {
		receivingPhase = session.PhaseClientSending
	}
	if err := d.sess.RequirePhase(receivingPhase); err != nil {
		return d.failAs(observer.Error, newError(KindProtocolMismatch, "SYNC_DATA in unexpected phase", err))
	}

	var payload syncDataPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return d.failAs(observer.Error, newError(KindProtocolMismatch, "decode SYNC_DATA payload", err))
	}
	if payload.SessionID != d.sess.SessionID {
		return d.failAs(observer.Error, newError(KindProtocolMismatch, "SYNC_DATA session id mismatch", nil))
	}
	if err := model.Validate(payload.Table); err != nil {
		return d.failAs(observer.Error, newError(KindProtocolMismatch, "SYNC_DATA unknown table", err))
	}

	d.sess.AppendIncoming(model.ChangeRecord{
		Table:     payload.Table,
		Operation: model.Operation(payload.Operation),
		Record:    payload.Record,
	})
	d.sess.RecordsReceived++
	d.publish(observer.Progress, "")

	confirmPayload := syncDataConfirmPayload{SessionID: d.sess.SessionID}
	confirmEnv, err := transport.Marshal(env.EventID, transport.EventSyncDataConfirm, transport.StatusSuccess, confirmPayload)
	if err != nil {
		return d.failAs(observer.Error, newError(KindTransport, "marshal SYNC_DATA_CONFIRM", err))
	}
	if err := d.cfg.Transport.Send(transport.ChannelSync, confirmEnv); err != nil {
		return d.failAs(observer.Error, newError(KindTransport, "send SYNC_DATA_CONFIRM", err))
	}
	return nil
}

// handleSyncComplete applies the buffered batch atomically, then either
// hands the turn to the client (server side finishing first) or
// finalizes the session (client side finishing second).
func (d *Driver) handleSyncComplete(ctx context.Context, env transport.Envelope) error {
	receivingPhase := session.PhaseServerSending
	if d.asServer {
		receivingPhase = session.PhaseClientSending
	}
	if err := d.sess.RequirePhase(receivingPhase); err != nil {
		return d.failAs(observer.Error, newError(KindProtocolMismatch, "SYNC_COMPLETE in unexpected phase", err))
	}

	var payload syncCompletePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return d.failAs(observer.Error, newError(KindProtocolMismatch, "decode SYNC_COMPLETE payload", err))
	}
	if payload.SessionID != d.sess.SessionID {
		return d.failAs(observer.Error, newError(KindProtocolMismatch, "SYNC_COMPLETE session id mismatch", nil))
	}
	if payload.RecordCount != len(d.sess.IncomingBuffer) {
		slog.Warn("protocol: SYNC_COMPLETE record_count mismatch", "declared", payload.RecordCount, "buffered", len(d.sess.IncomingBuffer))
	}

	if err := d.applyIncoming(); err != nil {
		return d.failAs(observer.Error, err)
	}

	if d.asServer {
		return d.finalize(ctx)
	}

	d.sess.Phase = session.PhaseClientSending
	d.publish(observer.Progress, "")
	return d.sendChanges(ctx, d.serverWatermarkAtStart)
}

// applyIncoming commits the session's buffered records in one
// all-or-nothing transaction.
func (d *Driver) applyIncoming() *Error {
	tx, err := d.cfg.DB.Begin()
	if err != nil {
		return newError(KindApplyFailure, "begin apply transaction", err)
	}
	result, err := applier.ApplyBatch(tx, d.sess.IncomingBuffer)
	if err != nil {
		tx.Rollback()
		return newError(KindApplyFailure, "apply batch", err)
	}
	if err := tx.Commit(); err != nil {
		return newError(KindApplyFailure, "commit apply transaction", err)
	}
	for _, c := range result.Conflicts {
		slog.Info("protocol: incoming row overwrote local", "table", c.Table, "pk", c.PrimaryKey)
		d.publish(observer.Progress, fmt.Sprintf("conflict: %s row %s overwritten by incoming update", c.Table, c.PrimaryKey))
	}
	d.sess.ClearIncoming()
	return nil
}

// finalize is the server's only path to completion: negotiate and
// announce one watermark for both peers, send it exactly once (the
// finalize-send guard below makes a duplicate attempt a surfaced error
// rather than a silent no-op), then reset to IDLE.
func (d *Driver) finalize(ctx context.Context) error {
	if d.sess.FinalizeSent {
		return d.failAs(observer.Error, newError(KindProtocolMismatch, "duplicate finalize attempt", nil))
	}
	d.sess.Phase = session.PhaseFinalizing
	// The negotiated watermark is the host's own session start time, so
	// both peers converge on one value without a clock-skew argument.
	newWatermark := d.sess.StartTimeUnix

	payload := syncFinalizePayload{SessionID: d.sess.SessionID, NewWatermark: newWatermark}
	env, err := transport.Marshal(uuid.NewString(), transport.EventSyncFinalize, transport.StatusSuccess, payload)
	if err != nil {
		return d.failAs(observer.Error, newError(KindTransport, "marshal SYNC_FINALIZE", err))
	}
	if err := d.cfg.Transport.Send(transport.ChannelSync, env); err != nil {
		return d.failAs(observer.Error, newError(KindTransport, "send SYNC_FINALIZE", err))
	}
	d.sess.FinalizeSent = true

	return d.complete(newWatermark)
}

// handleSyncFinalize is the client's terminal step: adopt the
// negotiated watermark and reset.
func (d *Driver) handleSyncFinalize(env transport.Envelope) error {
	if err := d.sess.RequirePhase(session.PhaseClientSending); err != nil {
		return d.failAs(observer.Error, newError(KindProtocolMismatch, "SYNC_FINALIZE in unexpected phase", err))
	}
	var payload syncFinalizePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return d.failAs(observer.Error, newError(KindProtocolMismatch, "decode SYNC_FINALIZE payload", err))
	}
	if payload.SessionID != d.sess.SessionID {
		return d.failAs(observer.Error, newError(KindProtocolMismatch, "SYNC_FINALIZE session id mismatch", nil))
	}
	d.sess.Phase = session.PhaseFinalizing
	return d.complete(payload.NewWatermark)
}

// complete writes the watermark only after the apply transaction has
// already committed (true by the time complete runs) and only after the
// completed event has been emitted. A failed write can't be signaled by
// emitting a second terminal event on top of sync:completed, so it's
// logged instead — the session still resets to IDLE.
func (d *Driver) complete(newWatermark int64) error {
	d.publish(observer.Completed, "")
	if err := d.cfg.Watermark.Set(newWatermark); err != nil {
		slog.Error("protocol: persist watermark failed after completed session", "err", err)
	}
	d.sess.Reset()
	d.asServer = false
	return nil
}

func (d *Driver) handleSyncReject(env transport.Envelope) error {
	var payload syncRejectPayload
	_ = json.Unmarshal(env.Payload, &payload)
	return d.failAs(observer.Rejected, newError(KindPeerReject, payload.Reason, nil))
}

// reject sends SYNC_REJECT in response to env without tearing down any
// session of our own (used when we refuse a request outright).
func (d *Driver) reject(env transport.Envelope, reason string) {
	payload := syncRejectPayload{Reason: reason}
	rejectEnv, err := transport.Marshal(env.EventID, transport.EventSyncReject, transport.StatusError, payload)
	if err != nil {
		slog.Error("protocol: marshal SYNC_REJECT", "err", err)
		return
	}
	if err := d.cfg.Transport.Send(transport.ChannelSync, rejectEnv); err != nil {
		slog.Error("protocol: send SYNC_REJECT", "err", err)
	}
}

// sendChanges streams every table's rows changed since `since`, strictly
// one SYNC_DATA in flight at a time, then sends SYNC_COMPLETE.
func (d *Driver) sendChanges(ctx context.Context, since int64) error {
	sent := 0
	for _, table := range model.ClientSendOrder {
		rows, err := reader.ReadSince(d.cfg.DB, table.Name, since)
		if err != nil {
			return d.failAs(observer.Error, newError(KindApplyFailure, fmt.Sprintf("read changes for %s", table.Name), err))
		}
		for _, row := range rows {
			if err := d.sendOneRecord(ctx, table.Name, row, since); err != nil {
				return err
			}
			sent++
			d.sess.RecordsSent++
			d.publish(observer.Progress, "")
		}
	}

	completePayload := syncCompletePayload{SessionID: d.sess.SessionID, RecordCount: sent}
	completeEnv, err := transport.Marshal(uuid.NewString(), transport.EventSyncComplete, transport.StatusDone, completePayload)
	if err != nil {
		return d.failAs(observer.Error, newError(KindTransport, "marshal SYNC_COMPLETE", err))
	}
	if err := d.cfg.Transport.Send(transport.ChannelSync, completeEnv); err != nil {
		return d.failAs(observer.Error, newError(KindTransport, "send SYNC_COMPLETE", err))
	}

	if d.asServer {
		d.sess.Phase = session.PhaseClientSending
		return nil
	}
	// Client finished sending; await the server's SYNC_FINALIZE.
	return nil
}

func (d *Driver) sendOneRecord(ctx context.Context, table string, row map[string]model.Value, since int64) error {
	eventID := uuid.NewString()
	payload := syncDataPayload{
		SessionID: d.sess.SessionID,
		Table:     table,
		Operation: string(classifyOperation(row, since)),
		Record:    row,
	}
	env, err := transport.Marshal(eventID, transport.EventSyncData, transport.StatusPending, payload)
	if err != nil {
		return d.failAs(observer.Error, newError(KindTransport, "marshal SYNC_DATA", err))
	}

	if err := d.sess.RegisterPending(eventID); err != nil {
		return d.failAs(observer.Error, newError(KindProtocolMismatch, "pending confirmation slot occupied", err))
	}
	if err := d.cfg.Transport.Send(transport.ChannelSync, env); err != nil {
		d.sess.ClearPending()
		return d.failAs(observer.Error, newError(KindTransport, "send SYNC_DATA", err))
	}

	return d.awaitConfirm(ctx, eventID)
}

// awaitConfirm blocks this driver's single goroutine until the matching
// SYNC_DATA_CONFIRM arrives, the peer rejects, the deadline expires, or
// ctx is cancelled. Any other inbound event while waiting is logged and
// ignored — it cannot legally occur under the half-duplex phase model,
// but a Driver must never crash on a stray envelope.
func (d *Driver) awaitConfirm(ctx context.Context, eventID string) error {
	deadline := time.NewTimer(session.ConfirmationDeadline)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			d.sess.ClearPending()
			return d.failAs(observer.Error, newError(KindCancelled, "context cancelled awaiting confirmation", ctx.Err()))
		case <-deadline.C:
			d.sess.ClearPending()
			return d.failAs(observer.Error, newError(KindConfirmationTimeout, "no SYNC_DATA_CONFIRM within deadline", nil))
		case env, ok := <-d.cfg.Transport.Inbox():
			if !ok {
				d.sess.ClearPending()
				return d.failAs(observer.Error, newError(KindTransport, "transport inbox closed", transport.ErrChannelClosed))
			}
			switch env.EventType {
			case transport.EventSyncDataConfirm:
				var payload syncDataConfirmPayload
				if err := json.Unmarshal(env.Payload, &payload); err != nil {
					slog.Warn("protocol: malformed SYNC_DATA_CONFIRM, ignoring", "err", err)
					continue
				}
				if !d.sess.Matches(env.EventID) || payload.SessionID != d.sess.SessionID {
					slog.Warn("protocol: stale SYNC_DATA_CONFIRM, ignoring", "event_id", env.EventID)
					continue
				}
				d.sess.ResolvePending()
				return nil
			case transport.EventSyncReject:
				d.sess.ClearPending()
				return d.handleSyncReject(env)
			default:
				slog.Warn("protocol: unexpected event while awaiting confirmation, ignoring", "event_type", env.EventType)
			}
		}
	}
}

// classifyOperation picks the outbound operation for one row: delete if
// deleted_at is set, else insert if the row's created_at postdates the
// watermark this send is reading against, else update.
func classifyOperation(row map[string]model.Value, since int64) model.Operation {
	if v, ok := row["deleted_at"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return model.OpDelete
		}
	}
	created, _ := row["created_at"].(string)
	if created != "" {
		if createdUnix, err := timeutil.ToUnixSeconds(created); err == nil && createdUnix > since {
			return model.OpInsert
		}
	}
	return model.OpUpdate
}

func (d *Driver) publish(kind observer.Kind, message string) {
	d.cfg.Observer.Publish(observer.Event{Kind: kind, Snapshot: d.snapshot(), Message: message})
}

func (d *Driver) failAs(kind observer.Kind, perr *Error) *Error {
	d.cfg.Observer.Publish(observer.Event{Kind: kind, Snapshot: d.snapshot(), Message: perr.Error()})
	d.sess.Reset()
	d.asServer = false
	return perr
}

func (d *Driver) snapshot() observer.Snapshot {
	return observer.Snapshot{
		SessionID:       d.sess.SessionID,
		Phase:           string(d.sess.Phase),
		RecordsSent:     d.sess.RecordsSent,
		RecordsReceived: d.sess.RecordsReceived,
	}
}
