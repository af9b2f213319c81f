package approval

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// TelegramBot is the slice of the bot API the approval flow needs.
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetSelf() tgbotapi.User
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() { w.bot.StopReceivingUpdates() }

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) { return w.bot.Send(c) }

func (w *tgBotWrapper) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return w.bot.Request(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User { return w.bot.Self }

// BotFactory creates TelegramBot instances (tests swap in a fake).
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramConfig selects the chat approvals are sent to.
type TelegramConfig struct {
	Token     string   `json:"token"`
	ChatID    int64    `json:"chatId"`
	AllowFrom []string `json:"allowFrom,omitempty"`
	Proxy     string   `json:"proxy,omitempty"`
}

// Telegram asks a remote operator through a Telegram chat. Each request
// is posted with approve/reject/cancel buttons; typed replies of the
// form "approve <id>" work too.
type Telegram struct {
	cfg     TelegramConfig
	factory BotFactory
	logger  *zap.Logger

	mu      sync.Mutex
	bot     TelegramBot
	pending map[string]*Pending
	cancel  context.CancelFunc
}

type TelegramOption func(*Telegram)

func WithBotFactory(f BotFactory) TelegramOption {
	return func(t *Telegram) { t.factory = f }
}

func WithTelegramLogger(l *zap.Logger) TelegramOption {
	return func(t *Telegram) {
		if l != nil {
			t.logger = l.Named("telegram")
		}
	}
}

func NewTelegram(cfg TelegramConfig, opts ...TelegramOption) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, errors.New("approval: telegram token is required")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("approval: telegram chat id is required")
	}
	t := &Telegram{
		cfg:     cfg,
		factory: defaultBotFactory,
		logger:  zap.NewNop(),
		pending: make(map[string]*Pending),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Start connects the bot and begins routing replies to pending requests.
func (t *Telegram) Start(ctx context.Context) error {
	client := http.DefaultClient
	if t.cfg.Proxy != "" {
		proxyURL, err := url.Parse(t.cfg.Proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	}
	bot, err := t.factory(t.cfg.Token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.bot = bot
	t.cancel = cancel
	t.mu.Unlock()

	t.logger.Info("authorized", zap.String("bot", bot.GetSelf().UserName))

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)
	go func() {
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				t.handleUpdate(update)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop ends polling. Pending requests stay blocked until their own
// contexts end.
func (t *Telegram) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
}

func (t *Telegram) Decide(ctx context.Context, req Request) (Decision, error) {
	t.mu.Lock()
	bot := t.bot
	t.mu.Unlock()
	if bot == nil {
		return Reject, errors.New("approval: telegram protocol not started")
	}

	waitCtx, cancel := withDeadline(ctx, req)
	defer cancel()

	id := shortID(req.ID)
	p := newPending(req)
	t.mu.Lock()
	t.pending[id] = p
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		p.close()
	}()

	msg := tgbotapi.NewMessage(t.cfg.ChatID, fmt.Sprintf("Approval %s\n%s", id, req.Description))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("Approve", "approve:"+id),
		tgbotapi.NewInlineKeyboardButtonData("Reject", "reject:"+id),
		tgbotapi.NewInlineKeyboardButtonData("Cancel task", "cancel:"+id),
	))
	if _, err := bot.Send(msg); err != nil {
		return Reject, fmt.Errorf("send approval request: %w", err)
	}

	select {
	case d := <-p.answer:
		return d, nil
	case <-waitCtx.Done():
		select {
		case d := <-p.answer:
			return d, nil
		default:
		}
		return Reject, ctxError(ctx)
	}
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		cq := update.CallbackQuery
		if cq.From == nil || !t.isAllowed(cq.From.ID) {
			return
		}
		word, id, _ := strings.Cut(cq.Data, ":")
		reply := t.resolve(word, id)
		t.mu.Lock()
		bot := t.bot
		t.mu.Unlock()
		if bot != nil {
			if _, err := bot.Request(tgbotapi.NewCallback(cq.ID, reply)); err != nil {
				t.logger.Warn("answer callback", zap.Error(err))
			}
		}
	case update.Message != nil:
		msg := update.Message
		if msg.From == nil || !t.isAllowed(msg.From.ID) {
			return
		}
		if msg.Chat != nil && msg.Chat.ID != t.cfg.ChatID {
			return
		}
		fields := strings.Fields(msg.Text)
		if len(fields) == 0 {
			return
		}
		id := t.onlyPending()
		if len(fields) > 1 {
			id = fields[1]
		}
		t.logger.Info("reply", zap.String("from", msg.From.UserName), zap.String("result", t.resolve(fields[0], id)))
	}
}

func (t *Telegram) resolve(word, id string) string {
	d, ok := ParseDecision(word)
	if !ok {
		return fmt.Sprintf("unrecognised answer %q", word)
	}
	t.mu.Lock()
	p := t.pending[id]
	t.mu.Unlock()
	if p == nil {
		return fmt.Sprintf("no pending request %q", id)
	}
	if err := p.Answer(d); err != nil {
		return err.Error()
	}
	return "recorded: " + d.String()
}

func (t *Telegram) onlyPending() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) != 1 {
		return ""
	}
	for id := range t.pending {
		return id
	}
	return ""
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.cfg.AllowFrom) == 0 {
		return true
	}
	id := strconv.FormatInt(userID, 10)
	for _, allowed := range t.cfg.AllowFrom {
		if allowed == id {
			return true
		}
	}
	return false
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
