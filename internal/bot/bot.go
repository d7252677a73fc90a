// Package bot connects a dispatcher to the Discord gateway. It owns the
// discordgo session, routes message and interaction events into dispatch, and
// registers application commands once the gateway is ready.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/dispatchkit/internal/commands"
	"github.com/haasonsaas/dispatchkit/internal/dispatch"
	"github.com/haasonsaas/dispatchkit/internal/observability"
	"github.com/haasonsaas/dispatchkit/internal/request"
)

// Intents are the gateway intents the bot identifies with.
const Intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsDirectMessages |
	discordgo.IntentsMessageContent

var (
	// ErrAlreadyStarted is returned by Start on a running bot.
	ErrAlreadyStarted = errors.New("bot already started")
	// ErrNoDispatcher is returned by New without a dispatcher.
	ErrNoDispatcher = errors.New("bot: dispatcher is required")
)

// session allows for mocking the Discord session in tests. *discordgo.Session
// satisfies it.
type session interface {
	request.Responder
	dispatch.PermissionSource
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ApplicationCommandBulkOverwrite(appID, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
}

// Dispatcher is the part of dispatch.Dispatcher the bot drives.
type Dispatcher interface {
	HandleInteraction(ctx context.Context, responder request.Responder, i *discordgo.InteractionCreate) (*dispatch.Result, error)
	HandleMessage(ctx context.Context, responder request.Responder, m *discordgo.MessageCreate) (*dispatch.Result, error)
}

// Config holds configuration for the bot.
type Config struct {
	// Token is the bot token from the Discord Developer Portal.
	Token string

	// AppID is the application id used for command registration. When empty
	// the bot user id from the ready event is used.
	AppID string

	// RegisterCommands overwrites the application commands on ready.
	RegisterCommands bool

	// GuildID scopes command registration to one guild. Empty registers
	// global commands.
	GuildID string

	// MaxReconnectAttempts bounds the initial connection attempts.
	MaxReconnectAttempts int

	// InitialBackoff and MaxBackoff bound the delay between attempts.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Dispatcher Dispatcher

	// Commands supplies the tables registered as application commands.
	Commands commands.Loader

	Metrics *observability.Metrics
	Logger  *slog.Logger

	// OnReady runs after every ready event, including after reconnects.
	OnReady func(r *discordgo.Ready)
}

func (c *Config) applyDefaults() {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Bot is a running gateway connection feeding a dispatcher.
type Bot struct {
	config  Config
	session session
	logger  *slog.Logger
	userID  atomic.Value

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	removes []func()
}

// New creates a bot and its discordgo session. The session is not opened
// until Start.
func New(config Config) (*Bot, error) {
	if config.Token == "" {
		return nil, errors.New("bot: token is required")
	}
	dg, err := discordgo.New("Bot " + config.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	dg.Identify.Intents = Intents
	return newBot(config, dg)
}

func newBot(config Config, s session) (*Bot, error) {
	if config.Dispatcher == nil {
		return nil, ErrNoDispatcher
	}
	config.applyDefaults()
	b := &Bot{
		config:  config,
		session: s,
		logger:  config.Logger.With("component", "bot"),
	}
	b.userID.Store("")
	return b, nil
}

// Session exposes the session for permission lookups on message requests.
func (b *Bot) Session() dispatch.PermissionSource { return b.session }

// UserID returns the bot's user id, or "" before the first ready event.
func (b *Bot) UserID() string {
	id, _ := b.userID.Load().(string)
	return id
}

// Start registers event handlers and opens the gateway connection, retrying
// with exponential backoff.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return ErrAlreadyStarted
	}

	b.removes = []func(){
		b.session.AddHandler(b.handleMessageCreate),
		b.session.AddHandler(b.handleInteractionCreate),
		b.session.AddHandler(b.handleReady),
		b.session.AddHandler(b.handleDisconnect),
	}

	if err := b.connectWithRetry(ctx); err != nil {
		b.removeHandlers()
		b.recordError("connect")
		return fmt.Errorf("connect to discord: %w", err)
	}

	b.ctx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	b.running = true
	b.logger.Info("bot started")
	return nil
}

// Stop closes the gateway connection after in-flight dispatches finish or ctx
// expires, whichever comes first.
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.removeHandlers()
	b.mu.Unlock()

	b.logger.Info("stopping bot")

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("stop timeout, cancelling in-flight dispatches")
	}
	b.cancel()

	if err := b.session.Close(); err != nil {
		b.recordError("close")
		return fmt.Errorf("close discord session: %w", err)
	}
	b.logger.Info("bot stopped")
	return nil
}

func (b *Bot) removeHandlers() {
	for _, remove := range b.removes {
		if remove != nil {
			remove()
		}
	}
	b.removes = nil
}

// RegisterCommands overwrites the application commands for appID with the
// current command tables.
func (b *Bot) RegisterCommands(appID string) error {
	if b.config.Commands == nil {
		return nil
	}
	if appID == "" {
		return errors.New("register commands: application id unknown")
	}
	cmds := commands.ApplicationCommands(b.config.Commands.Tables(), b.config.GuildID)
	b.logger.Info("registering application commands",
		"guild_id", b.config.GuildID,
		"command_count", len(cmds))

	if _, err := b.session.ApplicationCommandBulkOverwrite(appID, b.config.GuildID, cmds); err != nil {
		b.recordError("register")
		return fmt.Errorf("register commands: %w", err)
	}
	return nil
}

// track reserves a slot for an in-flight dispatch. It reports false once Stop
// has begun.
func (b *Bot) track() (context.Context, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.running {
		return nil, false
	}
	b.wg.Add(1)
	return b.ctx, true
}

func (b *Bot) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	if m.Author.ID == b.UserID() {
		return
	}
	ctx, ok := b.track()
	if !ok {
		return
	}
	defer b.wg.Done()

	res, err := b.config.Dispatcher.HandleMessage(ctx, b.session, m)
	b.logResult("message", res, err,
		"channel_id", m.ChannelID,
		"user_id", m.Author.ID)
}

func (b *Bot) handleInteractionCreate(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	if i == nil || i.Interaction == nil {
		return
	}
	ctx, ok := b.track()
	if !ok {
		return
	}
	defer b.wg.Done()

	res, err := b.config.Dispatcher.HandleInteraction(ctx, b.session, i)
	b.logResult("interaction", res, err,
		"interaction_id", i.ID,
		"channel_id", i.ChannelID)
}

func (b *Bot) logResult(source string, res *dispatch.Result, err error, attrs ...any) {
	if err == nil {
		return
	}
	attrs = append(attrs, "source", source, "error", err)
	if res != nil && res.Environment != nil {
		attrs = append(attrs, "command", res.Environment.CommandName(), "dispatch_id", res.Environment.DispatchID())
	}
	b.logger.Error("dispatch failed", attrs...)
}

func (b *Bot) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r == nil || r.User == nil {
		return
	}
	b.userID.Store(r.User.ID)
	b.logger.Info("discord connection ready",
		"user", r.User.Username,
		"guilds", len(r.Guilds))

	if b.config.RegisterCommands {
		appID := b.config.AppID
		if appID == "" {
			appID = r.User.ID
		}
		if err := b.RegisterCommands(appID); err != nil {
			b.logger.Error("failed to register application commands", "error", err)
		}
	}
	if b.config.OnReady != nil {
		b.config.OnReady(r)
	}
}

// discordgo reconnects on its own after a disconnect.
func (b *Bot) handleDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	b.logger.Warn("disconnected from discord")
	b.recordError("disconnect")
}

func (b *Bot) connectWithRetry(ctx context.Context) error {
	var err error
	maxAttempts := b.config.MaxReconnectAttempts

	for attempt := 0; attempt < maxAttempts; attempt++ {
		b.logger.Info("connecting to discord",
			"attempt", attempt+1,
			"max_attempts", maxAttempts)

		err = b.session.Open()
		if err == nil {
			return nil
		}
		if attempt == maxAttempts-1 {
			break
		}

		backoff := calculateBackoff(attempt, b.config.InitialBackoff, b.config.MaxBackoff)
		b.logger.Warn("connection failed, retrying",
			"error", err,
			"attempt", attempt+1,
			"backoff_ms", backoff.Milliseconds())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", maxAttempts, err)
}

func (b *Bot) recordError(errType string) {
	if b.config.Metrics != nil {
		b.config.Metrics.RecordError("gateway", errType)
	}
}

// calculateBackoff doubles initial per attempt, capped at maxWait.
func calculateBackoff(attempt int, initial, maxWait time.Duration) time.Duration {
	if attempt > 30 {
		return maxWait
	}
	backoff := initial << uint(attempt)
	if backoff > maxWait || backoff <= 0 {
		backoff = maxWait
	}
	return backoff
}
