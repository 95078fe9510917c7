package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/ayatoki/aihub/internal/hub"
)

// inboundMessage is one JSON line on stdin.
type inboundMessage struct {
	UserID   string `json:"user_id"`
	ChatID   string `json:"chat_id"`
	Username string `json:"username"`
	Text     string `json:"text"`
	ReplyTo  string `json:"reply_to,omitempty"`
}

// outboundMessage is one JSON line on stdout.
type outboundMessage struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
	Edit      bool   `json:"edit,omitempty"`
}

// pipeMessenger implements the chat transport over line-oriented JSON.
// Message ids are synthesized locally so status edits have something to
// address.
type pipeMessenger struct {
	mu   sync.Mutex
	out  io.Writer
	next int
}

func newPipeMessenger(out io.Writer) *pipeMessenger {
	return &pipeMessenger{out: out}
}

func (p *pipeMessenger) Send(_ context.Context, chatID, text string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	id := fmt.Sprintf("m%d", p.next)
	return id, p.write(outboundMessage{ChatID: chatID, MessageID: id, Text: text})
}

func (p *pipeMessenger) Edit(_ context.Context, chatID, messageID, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.write(outboundMessage{ChatID: chatID, MessageID: messageID, Text: text, Edit: true})
}

func (p *pipeMessenger) write(m outboundMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = p.out.Write(append(data, '\n'))
	return err
}

// servePipe reads inbound messages until EOF or cancellation.
func servePipe(ctx context.Context, h *hub.Hub, in io.Reader, messenger *pipeMessenger, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg inboundMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Warn("unparseable inbound line", zap.Error(err))
			continue
		}
		reply := h.HandleMessage(ctx, hub.Incoming{
			UserID:   msg.UserID,
			ChatID:   msg.ChatID,
			Username: msg.Username,
			Text:     msg.Text,
			ReplyTo:  msg.ReplyTo,
		})
		if reply == "" {
			continue
		}
		if _, err := messenger.Send(ctx, msg.ChatID, reply); err != nil {
			log.Warn("reply write failed", zap.Error(err))
		}
	}
	return sc.Err()
}
