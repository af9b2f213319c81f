package approval

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBot struct {
	updates  chan tgbotapi.Update
	sent     chan tgbotapi.MessageConfig
	requests chan tgbotapi.Chattable
}

func newFakeBot() *fakeBot {
	return &fakeBot{
		updates:  make(chan tgbotapi.Update, 8),
		sent:     make(chan tgbotapi.MessageConfig, 8),
		requests: make(chan tgbotapi.Chattable, 8),
	}
}

func (f *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel { return f.updates }
func (f *fakeBot) StopReceivingUpdates()                                         {}
func (f *fakeBot) GetSelf() tgbotapi.User                                        { return tgbotapi.User{UserName: "gatebot"} }

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent <- msg
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.requests <- c
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func startTelegram(t *testing.T, bot *fakeBot) *Telegram {
	t.Helper()
	tg, err := NewTelegram(TelegramConfig{Token: "tok", ChatID: 100, AllowFrom: []string{"42"}},
		WithBotFactory(func(token, endpoint string, client *http.Client) (TelegramBot, error) {
			return bot, nil
		}))
	require.NoError(t, err)
	require.NoError(t, tg.Start(context.Background()))
	t.Cleanup(tg.Stop)
	return tg
}

func TestTelegram_CallbackApproves(t *testing.T) {
	bot := newFakeBot()
	tg := startTelegram(t, bot)

	result := make(chan Decision, 1)
	go func() {
		d, err := tg.Decide(context.Background(), testRequest("abcdef1234567890"))
		assert.NoError(t, err)
		result <- d
	}()

	msg := <-bot.sent
	assert.Equal(t, int64(100), msg.ChatID)
	assert.True(t, strings.HasPrefix(msg.Text, "Approval abcdef12"))

	// Ignored: sender is not allow-listed.
	bot.updates <- tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{ID: "cb0", From: &tgbotapi.User{ID: 7}, Data: "reject:abcdef12"}}
	bot.updates <- tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{ID: "cb1", From: &tgbotapi.User{ID: 42}, Data: "approve:abcdef12"}}

	select {
	case d := <-result:
		assert.Equal(t, Approve, d)
	case <-time.After(2 * time.Second):
		t.Fatal("no decision")
	}
	<-bot.requests
}

func TestTelegram_TypedReply(t *testing.T) {
	bot := newFakeBot()
	tg := startTelegram(t, bot)

	result := make(chan Decision, 1)
	go func() {
		d, _ := tg.Decide(context.Background(), testRequest("ffff00001111"))
		result <- d
	}()
	<-bot.sent

	bot.updates <- tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: 42},
		Chat: &tgbotapi.Chat{ID: 100},
		Text: "cancel",
	}}
	select {
	case d := <-result:
		assert.Equal(t, CancelTask, d)
	case <-time.After(2 * time.Second):
		t.Fatal("no decision")
	}
}

func TestTelegram_Cancelled(t *testing.T) {
	bot := newFakeBot()
	tg := startTelegram(t, bot)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := tg.Decide(ctx, testRequest(""))
		errCh <- err
	}()
	<-bot.sent
	cancel()
	assert.True(t, errors.Is(<-errCh, ErrCancelled))
}

func TestNewTelegram_Validation(t *testing.T) {
	_, err := NewTelegram(TelegramConfig{ChatID: 1})
	assert.Error(t, err)
	_, err = NewTelegram(TelegramConfig{Token: "t"})
	assert.Error(t, err)

	tg, err := NewTelegram(TelegramConfig{Token: "t", ChatID: 1})
	require.NoError(t, err)
	_, err = tg.Decide(context.Background(), testRequest(""))
	assert.Error(t, err, "decide before start")
}
