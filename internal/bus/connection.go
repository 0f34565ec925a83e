package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arqonbus/bus/internal/casil"
	"github.com/arqonbus/bus/internal/command"
	"github.com/arqonbus/bus/internal/envelope"
	"github.com/arqonbus/bus/internal/registry"
	"github.com/arqonbus/bus/internal/validate"
)

const sendQueueSize = 64

// connection is one accepted socket: its registry.Client, the websocket
// handle, and the buffered outbound queue a single writer goroutine
// drains. Frames are processed sequentially within readPump; handlers for
// different connections run concurrently.
type connection struct {
	hub    *Hub
	conn   *websocket.Conn
	client *registry.Client
	send   chan *envelope.Envelope
	done   chan struct{}
}

func newConnection(hub *Hub, conn *websocket.Conn, meta registry.Metadata) *connection {
	c := &connection{
		hub:  hub,
		conn: conn,
		send: make(chan *envelope.Envelope, sendQueueSize),
		done: make(chan struct{}),
	}
	clientID := envelope.NewULID()
	c.client = hub.registry.Register(clientID, meta, c)
	return c
}

// Send implements registry.Sender and dispatch.Sender by enqueueing onto
// the per-connection write queue; a full queue drops the write rather
// than blocking the sender (consistent with "never fatal to the message
// path" for fan-out delivery).
func (c *connection) Send(env *envelope.Envelope) error {
	select {
	case c.send <- env:
		return nil
	default:
		return fmt.Errorf("bus: send queue full for client %s", c.client.ID)
	}
}

// run drives the connection to completion: it starts the write pump, sends
// the welcome frame, and blocks in the read loop until disconnect.
func (c *connection) run() {
	go c.writePump()

	welcome := envelope.New(envelope.TypeMessage)
	welcome.Sender = c.client.ID
	welcome.Payload = map[string]any{"welcome": true, "client_id": c.client.ID}
	_ = c.Send(welcome)

	c.readPump()
}

func (c *connection) readPump() {
	defer func() {
		close(c.done)
		c.hub.rooms.LeaveAll(c.client.ID)
		c.hub.registry.Unregister(c.client.ID)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("bus: websocket read error", "client_id", c.client.ID, "error", err)
			}
			return
		}
		c.client.Touch()
		c.handleFrame(frame)
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				return
			}
			c.writeEnvelope(env)
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *connection) writeEnvelope(env *envelope.Envelope) {
	frame, err := envelope.Encode(env, c.hub.wireFormat())
	if err != nil {
		c.hub.logger.Warn("bus: failed to encode outbound envelope", "error", err)
		return
	}
	msgType := websocket.TextMessage
	if c.hub.wireFormat() == envelope.FormatBinary {
		msgType = websocket.BinaryMessage
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(msgType, frame); err != nil {
		c.hub.logger.Warn("bus: websocket write failed", "client_id", c.client.ID, "error", err)
	}
}

// wireFormat reports which format outbound frames should be encoded in,
// mirroring the configured infra protocol.
func (h *Hub) wireFormat() envelope.Format {
	if h.cfg.Server.InfraProtocol == "protobuf" {
		return envelope.FormatBinary
	}
	return envelope.FormatJSON
}

// handleFrame runs one inbound frame through the infra-protocol gate, the
// validator, CASIL, and the type-based dispatch rules of §4.G.
func (c *connection) handleFrame(frame []byte) {
	format := envelope.DetectFormat(frame)
	if format == envelope.FormatJSON && c.hub.cfg.Server.InfraProtocol == "protobuf" && !c.hub.cfg.Server.AllowJSONInfra {
		c.sendError("", "INFRA_PROTOCOL_ERROR", "JSON infra frames are not accepted on this deployment")
		return
	}

	env, errs, _ := validate.ParseWire(frame)
	if env == nil {
		c.sendError("", "VALIDATION_ERROR", errs.Error())
		return
	}
	if !errs.Valid() {
		c.sendError(env.ID, "VALIDATION_ERROR", errs.Error())
		return
	}
	env.Sender = c.client.ID
	if c.hub.metrics != nil {
		c.hub.metrics.RecordEnvelopeReceived(env.Metadata.TenantID, string(env.Type))
	}

	outcome := c.hub.policy.Process(env)
	if c.hub.metrics != nil {
		c.hub.metrics.RecordCASILDecision(string(outcome.Decision), outcome.ReasonCode)
	}
	if outcome.Decision != casil.Allow {
		casil.EmitDecision(c.hub.eventsBus, "arqonbus.bus", outcome)
	}
	if outcome.Decision == casil.Block {
		c.sendError(env.ID, outcome.ReasonCode, "rejected by policy")
		return
	}

	switch env.Type {
	case envelope.TypeMessage:
		c.handleMessage(env)
	case envelope.TypeTelemetry:
		c.handleTelemetry(env)
	case envelope.TypeCommand:
		c.handleCommand(env)
	case envelope.TypeResponse, envelope.TypeOperatorResult:
		if c.hub.dispatcher != nil {
			c.hub.dispatcher.Offer(env)
		}
	}
}

// handleMessage persists then fans the envelope out to its (room, channel),
// excluding the sender.
func (c *connection) handleMessage(env *envelope.Envelope) {
	c.persist(env)
	c.hub.registry.BroadcastTo(c.hub.rooms.Members(env.Room, env.Channel), env, c.client.ID)
	if c.hub.webhooks != nil {
		c.hub.webhooks.Emit(env.Metadata.TenantID, c.client.ID, env)
	}
	if c.hub.metrics != nil {
		c.hub.metrics.RecordEnvelopeDelivered(env.Metadata.TenantID, string(env.Type))
	}
}

// handleTelemetry persists always, fanning out only when both room and
// channel are set.
func (c *connection) handleTelemetry(env *envelope.Envelope) {
	c.persist(env)
	if env.Room == "" || env.Channel == "" {
		return
	}
	c.hub.registry.BroadcastTo(c.hub.rooms.Members(env.Room, env.Channel), env, c.client.ID)
}

func (c *connection) handleCommand(env *envelope.Envelope) {
	ctx := command.Context{
		ClientID: c.client.ID,
		TenantID: c.client.Metadata.TenantID,
		Caller:   c.client,
	}
	resp := c.hub.commands.Dispatch(ctx, env)
	_ = c.Send(resp)
}

// persist appends env to the storage backend after assigning the next
// monotonic sequence for its tenant. Persistence failures are logged and
// never block delivery (storage is best-effort unless the backend itself
// enforces strict mode).
func (c *connection) persist(env *envelope.Envelope) {
	if c.hub.storage == nil {
		return
	}
	seq := c.hub.seq.Next(env.Metadata.TenantID)
	env.Metadata.Sequence = &seq

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.hub.storage.Append(ctx, env); err != nil {
		c.hub.logger.Warn("bus: storage append failed", "error", err, "room", env.Room)
	}
}

func (c *connection) sendError(requestID, code, message string) {
	resp := envelope.New(envelope.TypeResponse)
	resp.RequestID = requestID
	resp.Status = "error"
	resp.ErrorCode = code
	resp.Payload = map[string]any{"message": message}
	_ = c.Send(resp)
}
