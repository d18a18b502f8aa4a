package gateway

import (
	"context"
	"log"

	"github.com/bwmarrin/discordgo"

	"github.com/rahul/stepwise/internal/agent"
)

type DiscordGateway struct {
	Session *discordgo.Session
	Brain   agent.Brain

	ctx    context.Context
	cancel context.CancelFunc
}

func NewDiscordGateway(token string, brain agent.Brain) (*DiscordGateway, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	ctx, cancel := context.WithCancel(context.Background())
	dg := &DiscordGateway{Session: session, Brain: brain, ctx: ctx, cancel: cancel}
	session.AddHandler(dg.onMessage)
	return dg, nil
}

// Start opens the websocket. Messages are handled on discordgo's goroutines.
func (dg *DiscordGateway) Start() error {
	if err := dg.Session.Open(); err != nil {
		return err
	}
	if dg.Session.State != nil && dg.Session.State.User != nil {
		log.Printf("Connected to Discord as %s", dg.Session.State.User.Username)
	}
	<-dg.ctx.Done()
	return nil
}

func (dg *DiscordGateway) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Content == "" {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}

	log.Printf("[discord:%s] %s", m.Author.Username, m.Content)
	_ = s.ChannelTyping(m.ChannelID)

	if err := dg.Send(m.ChannelID, respond(dg.ctx, dg.Brain, m.ChannelID, m.Content)); err != nil {
		log.Printf("Error sending reply: %v", err)
	}
}

func (dg *DiscordGateway) Send(chatID string, text string) error {
	for _, chunk := range SplitMessage(text, DiscordMessageLimit) {
		if _, err := dg.Session.ChannelMessageSend(chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (dg *DiscordGateway) Stop() error {
	dg.cancel()
	return dg.Session.Close()
}
