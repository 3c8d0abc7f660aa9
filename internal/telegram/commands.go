package telegram

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// Command defines a bot command with its Telegram menu description.
type Command struct {
	Name        string // Command name without slash (e.g., "auto")
	Description string // Description shown in Telegram command menu
}

// botCommands is the single source of truth for command definitions.
var botCommands = []Command{
	{Name: "auto", Description: "Auto-Scan starten oder fortsetzen"},
	{Name: "pause", Description: "Auto-Scan pausieren oder fortsetzen"},
	{Name: "reset", Description: "Scanner zurücksetzen"},
	{Name: "foto", Description: "Einzelnes Kamerabild analysieren"},
	{Name: "status", Description: "Zustand anzeigen"},
	{Name: "kontingent", Description: "Verbleibende Scans heute"},
	{Name: "verlauf", Description: "Letzte Ergebnisse"},
	{Name: "hilfe", Description: "Hilfe anzeigen"},
}

// RegisterCommands sets the bot's command menu in Telegram.
// This should be called once at startup.
func RegisterCommands(tg BotAPI) {
	commands := make([]tgbotapi.BotCommand, len(botCommands))
	for i, cmd := range botCommands {
		commands[i] = tgbotapi.BotCommand{
			Command:     cmd.Name,
			Description: cmd.Description,
		}
	}

	config := tgbotapi.NewSetMyCommands(commands...)
	if _, err := tg.Request(config); err != nil {
		log.Error().Err(err).Msg("failed to set bot commands")
	} else {
		log.Info().Int("count", len(commands)).Msg("registered bot commands")
	}
}
