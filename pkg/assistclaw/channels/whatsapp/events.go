package whatsapp

import (
	"fmt"
	"strings"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/channels"
)

func (w *WhatsApp) handleEvent(raw any) {
	switch evt := raw.(type) {
	case *events.Message:
		w.handleMessage(evt)
	case *events.Connected:
		w.connected.Store(true)
		w.setState(StateConnected)
		w.errorCount.Store(0)
		w.logger.Info("whatsapp connection up")
	case *events.Disconnected:
		w.connected.Store(false)
		w.setState(StateDisconnected)
		w.logger.Warn("whatsapp connection lost, auto-reconnect pending")
	case *events.StreamReplaced:
		w.connected.Store(false)
		w.setState(StateDisconnected)
		w.logger.Error("whatsapp stream replaced by another client")
	case *events.LoggedOut:
		w.connected.Store(false)
		w.setState(StateLoggedOut)
		w.logger.Error("whatsapp session logged out", "reason", evt.Reason.String())
	case *events.PairSuccess:
		w.logger.Info("whatsapp device paired", "jid", evt.ID.String())
	}
}

// handleMessage turns a whatsmeow message into an IncomingMessage.
func (w *WhatsApp) handleMessage(evt *events.Message) {
	info := evt.Info
	if info.IsFromMe || info.Chat.Server == types.BroadcastServer {
		return
	}
	if info.IsGroup && !w.cfg.RespondToGroups {
		return
	}

	sender := w.phoneJID(info.Sender)
	msg := &channels.IncomingMessage{
		ID:        string(info.ID),
		Channel:   Name,
		From:      sender.ToNonAD().String(),
		FromName:  info.PushName,
		Timestamp: info.Timestamp,
		Metadata: map[string]any{
			"chat":     info.Chat.String(),
			"is_group": info.IsGroup,
		},
	}
	msg.Content, msg.Media = messageContent(evt.Message)

	if w.cfg.AutoRead && w.client != nil {
		go func() {
			if err := w.client.MarkRead(w.ctx, []types.MessageID{info.ID}, info.Timestamp, info.Chat, info.Sender); err != nil {
				w.logger.Debug("mark read failed", "error", err)
			}
		}()
	}
	w.emit(msg)
}

// phoneJID maps a LID sender to its phone JID when the store knows it, so
// the same person keeps one conversation key.
func (w *WhatsApp) phoneJID(jid types.JID) types.JID {
	if jid.Server != types.HiddenUserServer || w.client == nil || w.client.Store == nil || w.client.Store.LIDs == nil {
		return jid
	}
	pn, err := w.client.Store.LIDs.GetPNForLID(w.ctx, jid)
	if err != nil || pn.IsEmpty() {
		return jid
	}
	return pn
}

// messageContent extracts the text and attachment descriptions.
func messageContent(m *waE2E.Message) (string, []channels.MediaInfo) {
	if m == nil {
		return "", nil
	}
	switch {
	case m.Conversation != nil:
		return strings.TrimSpace(m.GetConversation()), nil
	case m.ExtendedTextMessage != nil:
		return strings.TrimSpace(m.GetExtendedTextMessage().GetText()), nil
	case m.ImageMessage != nil:
		img := m.GetImageMessage()
		return strings.TrimSpace(img.GetCaption()), []channels.MediaInfo{{MimeType: img.GetMimetype()}}
	case m.DocumentMessage != nil:
		doc := m.GetDocumentMessage()
		return strings.TrimSpace(doc.GetCaption()), []channels.MediaInfo{{MimeType: doc.GetMimetype()}}
	case m.VideoMessage != nil:
		v := m.GetVideoMessage()
		return strings.TrimSpace(v.GetCaption()), []channels.MediaInfo{{MimeType: v.GetMimetype()}}
	case m.AudioMessage != nil:
		return "", []channels.MediaInfo{{MimeType: m.GetAudioMessage().GetMimetype()}}
	case m.StickerMessage != nil:
		return "", []channels.MediaInfo{{MimeType: m.GetStickerMessage().GetMimetype()}}
	}
	return "", nil
}

// textMessage builds a plain text message, quoting replyTo when set.
func textMessage(text, replyTo string, chat types.JID) *waE2E.Message {
	if replyTo == "" {
		return &waE2E.Message{Conversation: proto.String(text)}
	}
	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(text),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:    proto.String(replyTo),
				Participant: proto.String(chat.ToNonAD().String()),
			},
		},
	}
}

// parseJID accepts a full JID or a phone number in any punctuation
// ("+55 11 99999-9999").
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 8 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
