package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Asadalnjar/whatsapp-bot-backend/internal/credstore"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/protocol"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/transport"
)

type conn struct {
	engine   *Engine
	tenantID string
	keys     credstore.KeyStore
	limiter  *rate.Limiter
	logger   *zap.Logger
	subKeys  []string

	events    chan transport.Event
	done      chan struct{}
	sendMu    sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func (c *conn) Events() <-chan transport.Event {
	return c.events
}

// request paces, sends and decodes one command. id points at the command's
// RequestID field so it can be filled before encoding.
func (c *conn) request(ctx context.Context, id *string, cmd interface{}) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	*id = uuid.NewString()

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	raw, err := c.engine.nc.Request(ctx, c.engine.subject(c.tenantID, "cmd"), data)
	if err != nil {
		return nil, err
	}
	reply, err := protocol.ParseReply(raw)
	if err != nil {
		return nil, err
	}
	if !reply.OK {
		return nil, replyError(reply)
	}
	return reply.Data, nil
}

func (c *conn) SendText(ctx context.Context, chatID, text string, mentions []string) error {
	cmd := protocol.SendTextCommand{
		Type:     protocol.TypeSendText,
		ChatID:   chatID,
		Text:     text,
		Mentions: mentions,
	}
	if _, err := c.request(ctx, &cmd.RequestID, &cmd); err != nil {
		return fmt.Errorf("bridge: send text: %w", err)
	}
	return nil
}

func (c *conn) DeleteMessage(ctx context.Context, key transport.MessageKey) error {
	cmd := protocol.DeleteCommand{
		Type: protocol.TypeDelete,
		Key: protocol.MessageKey{
			ID:          key.ID,
			RemoteJID:   key.ChatID,
			Participant: key.Participant,
			FromMe:      key.FromMe,
		},
	}
	if _, err := c.request(ctx, &cmd.RequestID, &cmd); err != nil {
		return fmt.Errorf("bridge: delete message: %w", err)
	}
	return nil
}

func (c *conn) RemoveParticipant(ctx context.Context, chatID, participantID string) error {
	cmd := protocol.RemoveParticipantCommand{
		Type:        protocol.TypeRemoveParticipant,
		ChatID:      chatID,
		Participant: participantID,
	}
	if _, err := c.request(ctx, &cmd.RequestID, &cmd); err != nil {
		return fmt.Errorf("bridge: remove participant: %w", err)
	}
	return nil
}

func (c *conn) GroupMetadata(ctx context.Context, chatID string) (*transport.GroupMetadata, error) {
	cmd := protocol.GroupMetadataCommand{Type: protocol.TypeGroupMetadata, ChatID: chatID}
	data, err := c.request(ctx, &cmd.RequestID, &cmd)
	if err != nil {
		return nil, fmt.Errorf("bridge: group metadata: %w", err)
	}
	var md transport.GroupMetadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("bridge: group metadata: %w", err)
	}
	return &md, nil
}

func (c *conn) Logout(ctx context.Context) error {
	cmd := protocol.SimpleCommand{Type: protocol.TypeLogout}
	if _, err := c.request(ctx, &cmd.RequestID, &cmd); err != nil {
		return fmt.Errorf("bridge: logout: %w", err)
	}
	return nil
}

// Close asks the engine to drop the connection and ends the event stream.
func (c *conn) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := protocol.SimpleCommand{Type: protocol.TypeDisconnect}
	_, err := c.request(ctx, &cmd.RequestID, &cmd)
	c.finish(transport.Closed{Err: transport.ErrClosed})
	if err != nil {
		return fmt.Errorf("bridge: close: %w", err)
	}
	return nil
}

// emit delivers ev unless the stream has ended.
func (c *conn) emit(ev transport.Event) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// finish ends the stream once. last, when non-nil, is offered as the final
// event without blocking.
func (c *conn) finish(last transport.Event) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.unsubscribe()

		c.sendMu.Lock()
		defer c.sendMu.Unlock()
		if last != nil {
			select {
			case c.events <- last:
			default:
			}
		}
		c.closed = true
		close(c.events)
	})
}

func (c *conn) unsubscribe() {
	for _, key := range c.subKeys {
		if err := c.engine.nc.Unsubscribe(key); err != nil {
			c.logger.Debug("unsubscribe", zap.String("key", key), zap.Error(err))
		}
	}
}

func (c *conn) handleEvent(msg *nats.Msg) {
	msgType, payload, err := protocol.ParseEvent(msg.Data)
	if err != nil {
		c.logger.Warn("dropping malformed event", zap.String("type", msgType), zap.Error(err))
		return
	}

	switch ev := payload.(type) {
	case protocol.QREvent:
		c.emit(transport.QR{Code: ev.Code})
	case protocol.OpenEvent:
		c.emit(transport.Opened{Self: ev.Self, PushName: ev.PushName, Platform: ev.Platform})
	case protocol.CredsEvent:
		var creds credstore.Creds
		if err := json.Unmarshal(ev.Creds, &creds); err != nil {
			c.logger.Warn("dropping undecodable creds update", zap.Error(err))
			return
		}
		c.emit(transport.CredsUpdated{Creds: &creds})
	case protocol.MessageEvent:
		c.emit(transport.MessageReceived{Message: toMessage(ev)})
	case protocol.CloseEvent:
		var cause error = transport.ErrClosed
		if ev.Reason == protocol.CloseReasonLoggedOut {
			cause = transport.ErrAuthRejected
		}
		if ev.Message != "" {
			cause = fmt.Errorf("%w: %s", cause, ev.Message)
		}
		c.emit(transport.Closed{Err: cause})
		c.finish(nil)
	}
}

func (c *conn) handleKeys(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), c.engine.cfg.KeysTimeout)
	defer cancel()

	respond := func(data []byte) {
		if err := msg.Respond(data); err != nil {
			c.logger.Warn("keys reply", zap.Error(err))
		}
	}

	msgType, payload, err := protocol.ParseKeysRequest(msg.Data)
	if err != nil {
		respond(protocol.ErrorReply(protocol.CodeBadRequest, err.Error()))
		return
	}

	var out []byte
	switch req := payload.(type) {
	case protocol.KeysGetRequest:
		var found map[string][]byte
		found, err = c.keys.Get(ctx, req.KeyType, req.IDs)
		if err == nil {
			out, err = protocol.OKReply(found)
		}
	case protocol.KeysSetRequest:
		err = c.keys.Set(ctx, credstore.KeyUpdates(req.Updates))
		if err == nil {
			out, err = protocol.OKReply(nil)
		}
	}
	if err != nil {
		c.logger.Error("key store request failed", zap.String("type", msgType), zap.Error(err))
		respond(protocol.ErrorReply(protocol.CodeInternal, "key store unavailable"))
		return
	}
	respond(out)
}

func toMessage(ev protocol.MessageEvent) transport.Message {
	m := transport.Message{
		Key: transport.MessageKey{
			ID:          ev.Key.ID,
			ChatID:      ev.Key.RemoteJID,
			Participant: ev.Key.Participant,
			FromMe:      ev.Key.FromMe,
		},
		PushName: ev.PushName,
		Content:  toContent(ev.Message),
	}
	if ev.Timestamp > 0 {
		m.Timestamp = time.Unix(ev.Timestamp, 0)
	}
	return m
}

func toContent(w *protocol.WireContent) transport.Content {
	if w == nil {
		return transport.Unsupported{}
	}
	switch {
	case w.Conversation != "":
		return transport.Text{Body: w.Conversation}
	case w.ExtendedTextMessage != nil:
		return transport.ExtendedText{Text: w.ExtendedTextMessage.Text}
	case w.ImageMessage != nil:
		return transport.Media{Kind: transport.MediaImage, Caption: w.ImageMessage.Caption}
	case w.VideoMessage != nil:
		return transport.Media{Kind: transport.MediaVideo, Caption: w.VideoMessage.Caption}
	case w.DocumentMessage != nil:
		return transport.Media{Kind: transport.MediaDocument, Caption: w.DocumentMessage.Caption}
	case w.AudioMessage != nil:
		return transport.Media{Kind: transport.MediaAudio, Caption: w.AudioMessage.Caption}
	case w.TemplateButtonReplyMessage != nil:
		return transport.ButtonReply{DisplayText: w.TemplateButtonReplyMessage.SelectedDisplayText}
	case w.ButtonsResponseMessage != nil:
		return transport.ButtonReply{DisplayText: w.ButtonsResponseMessage.SelectedDisplayText}
	case w.ListResponseMessage != nil:
		return transport.ListReply{Title: w.ListResponseMessage.Title}
	case w.ViewOnceMessageV2 != nil:
		return transport.Wrapped{Inner: toContent(w.ViewOnceMessageV2.Message)}
	case w.ViewOnceMessage != nil:
		return transport.Wrapped{Inner: toContent(w.ViewOnceMessage.Message)}
	case w.EphemeralMessage != nil:
		return transport.Wrapped{Inner: toContent(w.EphemeralMessage.Message)}
	case w.StickerMessage != nil:
		return transport.Unsupported{Kind: "sticker"}
	case w.ReactionMessage != nil:
		return transport.Unsupported{Kind: "reaction"}
	case w.ProtocolMessage != nil:
		return transport.Unsupported{Kind: "protocol"}
	default:
		return transport.Unsupported{}
	}
}
