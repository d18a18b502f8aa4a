package gateway

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rahul/stepwise/internal/agent"
)

// TelegramGateway answers Telegram messages by long polling. Each message
// is handled on its own goroutine so one long task does not hold up other
// chats.
type TelegramGateway struct {
	Bot   *tgbotapi.BotAPI
	Brain agent.Brain

	ctx     context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup
}

func NewTelegramGateway(token string, brain agent.Brain) (*TelegramGateway, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	log.Printf("Authorized on account %s", bot.Self.UserName)

	ctx, cancel := context.WithCancel(context.Background())
	return &TelegramGateway{Bot: bot, Brain: brain, ctx: ctx, cancel: cancel}, nil
}

// Start polls for updates until Stop.
func (tg *TelegramGateway) Start() error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 60

	for update := range tg.Bot.GetUpdatesChan(cfg) {
		msg := update.Message
		if msg == nil || msg.Text == "" {
			continue
		}
		user := "unknown"
		if msg.From != nil {
			user = msg.From.UserName
		}
		log.Printf("[telegram:%s] %s", user, msg.Text)

		tg.pending.Add(1)
		go func(m *tgbotapi.Message) {
			defer tg.pending.Done()
			tg.handle(m.Chat.ID, m.Text)
		}(msg)
	}
	return nil
}

func (tg *TelegramGateway) handle(chat int64, text string) {
	if _, err := tg.Bot.Request(tgbotapi.NewChatAction(chat, tgbotapi.ChatTyping)); err != nil {
		log.Printf("Warning: typing indicator failed: %v", err)
	}
	chatID := strconv.FormatInt(chat, 10)
	if err := tg.send(chat, respond(tg.ctx, tg.Brain, chatID, text), ""); err != nil {
		log.Printf("Error sending reply to %s: %v", chatID, err)
	}
}

// Send delivers text as Markdown, falling back to plain text for chunks
// Telegram cannot parse.
func (tg *TelegramGateway) Send(chatID string, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil || id == 0 {
		return fmt.Errorf("invalid chat ID: %s", chatID)
	}
	return tg.send(id, text, tgbotapi.ModeMarkdown)
}

func (tg *TelegramGateway) send(chat int64, text, parseMode string) error {
	for _, chunk := range SplitMessage(text, TelegramMessageLimit) {
		msg := tgbotapi.NewMessage(chat, chunk)
		msg.ParseMode = parseMode
		_, err := tg.Bot.Send(msg)
		if err != nil && parseMode != "" {
			msg.ParseMode = ""
			_, err = tg.Bot.Send(msg)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Stop ends polling, cancels running tasks and waits for their replies.
func (tg *TelegramGateway) Stop() error {
	tg.Bot.StopReceivingUpdates()
	tg.cancel()
	tg.pending.Wait()
	return nil
}
