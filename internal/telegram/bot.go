// Package telegram exposes the scanner through a Telegram bot: loop control
// commands, photo uploads as manual captures and push notifications of
// automatic results.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/raine/werkaholic-scanner/internal/frame"
	"github.com/raine/werkaholic-scanner/internal/listing"
	"github.com/raine/werkaholic-scanner/internal/scanner"
	"github.com/raine/werkaholic-scanner/internal/storage"
	"github.com/rs/zerolog/log"
)

const defaultHistoryLimit = 10

// BotAPI defines the interface for Telegram bot API operations.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Scanner is the part of the scan controller the bot drives.
type Scanner interface {
	Start() error
	Toggle() error
	Resume() error
	Reset() error
	Status() scanner.Status
	Capture(ctx context.Context) (*listing.ScanResult, error)
	Submit(ctx context.Context, img *frame.Image) (*listing.ScanResult, error)
}

// HistoryLister reads past results.
type HistoryLister interface {
	ListHistory(userID string, limit int) ([]storage.HistoryEntry, error)
}

// BotConfig holds the bot settings.
type BotConfig struct {
	// AdminID is the only Telegram user the bot answers.
	AdminID int64
	// UserID is the scanner user whose history is listed.
	UserID   string
	Interval time.Duration
}

// Bot routes Telegram updates to the scanner.
type Bot struct {
	tg         BotAPI
	scanner    Scanner
	history    HistoryLister
	cfg        BotConfig
	downloader *ImageDownloader
}

// NewBot creates a new Bot instance.
func NewBot(tg BotAPI, sc Scanner, history HistoryLister, cfg BotConfig) *Bot {
	if cfg.Interval <= 0 {
		cfg.Interval = scanner.DefaultInterval
	}
	return &Bot{
		tg:         tg,
		scanner:    sc,
		history:    history,
		cfg:        cfg,
		downloader: NewImageDownloader(),
	}
}

// HandleUpdate is the main message router.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}

	if msg.From.ID != b.cfg.AdminID {
		log.Debug().Int64("userId", msg.From.ID).Msg("ignoring message from non-admin user")
		return
	}

	chatID := msg.From.ID
	if msg.Chat != nil {
		chatID = msg.Chat.ID
	}

	log.Info().Str("text", msg.Text).Int("photos", len(msg.Photo)).Msg("got message")

	switch {
	case len(msg.Photo) > 0:
		b.handlePhoto(ctx, chatID, msg.Photo)
	case strings.HasPrefix(msg.Text, "/"):
		b.handleCommand(ctx, chatID, msg.Text)
	default:
		b.sendReply(chatID, formatReplyText(msgHelp), true)
	}
}

func (b *Bot) handleCommand(ctx context.Context, chatID int64, text string) {
	command, args := parseCommand(text)

	switch command {
	case "/start", "/hilfe", "/help":
		b.sendReply(chatID, formatReplyText(msgHelp), true)
	case "/auto":
		b.handleAuto(chatID)
	case "/pause":
		b.handlePause(chatID)
	case "/reset":
		if err := b.scanner.Reset(); err != nil {
			b.sendError(chatID, err)
			return
		}
		b.sendReply(chatID, MsgLoopReset, false)
	case "/foto":
		b.sendReply(chatID, MsgAnalyzing, false)
		result, err := b.scanner.Capture(ctx)
		b.replyResult(chatID, result, err)
	case "/status":
		b.sendReply(chatID, formatStatus(b.scanner.Status()), true)
	case "/kontingent":
		b.sendReply(chatID, formatQuota(b.scanner.Status().Quota), false)
	case "/verlauf":
		b.handleHistory(chatID, args)
	default:
		b.sendReply(chatID, MsgUnknownCommand, false)
	}
}

func (b *Bot) handleAuto(chatID int64) {
	var err error
	if b.scanner.Status().State == scanner.Paused {
		err = b.scanner.Resume()
	} else {
		err = b.scanner.Start()
	}

	switch {
	case err == nil:
		b.sendReply(chatID, fmt.Sprintf(MsgLoopStarted, formatInterval(b.cfg.Interval)), false)
	case errors.Is(err, scanner.ErrInvalidTransition) && b.scanner.Status().State == scanner.Running:
		b.sendReply(chatID, "Auto-Scan läuft bereits.", false)
	default:
		b.sendError(chatID, err)
	}
}

// handlePause toggles between running and paused.
func (b *Bot) handlePause(chatID int64) {
	if err := b.scanner.Toggle(); err != nil {
		b.sendError(chatID, err)
		return
	}
	if b.scanner.Status().State == scanner.Running {
		b.sendReply(chatID, fmt.Sprintf(MsgLoopStarted, formatInterval(b.cfg.Interval)), false)
		return
	}
	b.sendReply(chatID, MsgLoopPaused, false)
}

func (b *Bot) handleHistory(chatID int64, args []string) {
	limit := defaultHistoryLimit
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
			limit = min(n, 50)
		}
	}

	entries, err := b.history.ListHistory(b.cfg.UserID, limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to list history")
		b.sendReply(chatID, fmt.Sprintf(MsgUnexpectedErr, err), false)
		return
	}
	b.sendReply(chatID, formatHistory(entries), true)
}

func (b *Bot) handlePhoto(ctx context.Context, chatID int64, photos []tgbotapi.PhotoSize) {
	// Telegram sends several sizes, largest last
	largest := photos[len(photos)-1]

	data, mimeType, err := b.downloader.DownloadFromTelegramFileID(ctx, b.tg.GetFileDirectURL, largest.FileID)
	if err != nil {
		log.Error().Err(err).Str("fileID", largest.FileID).Msg("failed to download photo")
		b.sendReply(chatID, MsgPhotoFailed, false)
		return
	}
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = ""
	}

	b.sendReply(chatID, MsgAnalyzing, false)
	result, err := b.scanner.Submit(ctx, frame.NewImage(data, mimeType))
	b.replyResult(chatID, result, err)
}

func (b *Bot) replyResult(chatID int64, result *listing.ScanResult, err error) {
	switch {
	case err != nil:
		b.sendError(chatID, err)
	case !result.Detected:
		b.sendReply(chatID, MsgNotDetected, false)
	default:
		b.sendReply(chatID, formatResult(result), true)
	}
}

func (b *Bot) sendError(chatID int64, err error) {
	log.Warn().Err(err).Msg("scanner command failed")
	b.sendReply(chatID, "⚠️ "+scanner.UserMessage(err), false)
}

func (b *Bot) sendReply(chatID int64, text string, markdown bool) {
	msg := tgbotapi.NewMessage(chatID, text)
	if markdown {
		msg.ParseMode = tgbotapi.ModeMarkdown
	}
	if _, err := b.tg.Send(msg); err != nil {
		log.Error().Err(err).Int64("chatId", chatID).Msg("failed to send message")
	}
}
