package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/go-resty/resty/v2"
	"golang.org/x/term"
)

const validationTimeout = 10 * time.Second

var (
	geminiModelsURL = "https://generativelanguage.googleapis.com/v1beta/models"
	telegramAPIURL  = "https://api.telegram.org"
)

// envFileOrder is the order keys are written to config.env.
var envFileOrder = []string{"GEMINI_API_KEY", "BOT_TOKEN", "ADMIN_TELEGRAM_ID", "FRAME_SOURCE"}

// IsInteractiveTerminal returns true if both stdin and stdout are TTYs.
// This is used to determine if we can run the interactive setup wizard.
func IsInteractiveTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// RunSetupWizard runs an interactive wizard to collect required configuration.
// Returns true if setup was successful and the service should continue starting.
func RunSetupWizard() bool {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("99")).
		MarginBottom(1)

	fmt.Println()
	fmt.Println(titleStyle.Render("🔧 Werkaholic Scanner - Ersteinrichtung"))
	fmt.Println()

	var geminiKey, frameSource, botToken, adminID string
	frameSource = defaultFrameSource

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Gemini API Key").
				Description("Get yours at https://aistudio.google.com/apikey").
				Value(&geminiKey).
				Validate(func(s string) error {
					if s == "" {
						return errors.New("API key is required")
					}
					return ValidateGeminiKey(s)
				}),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Frame source").
				Description("dir:PATH, file:PATH, camera:0 or a snapshot URL").
				Value(&frameSource),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram Bot Token (optional)").
				Description("Message @BotFather on Telegram → /newbot → copy token. Leave empty to skip.").
				Value(&botToken).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					return ValidateTelegramToken(s)
				}),
			huh.NewInput().
				Title("Your Telegram User ID").
				Description("Message @userinfobot to get your ID. Required with a bot token.").
				Value(&adminID).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					if _, err := strconv.ParseInt(s, 10, 64); err != nil {
						return errors.New("must be a number")
					}
					return nil
				}),
		),
	).WithTheme(huh.ThemeBase16())

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("\nSetup cancelled.")
			return false
		}
		fmt.Printf("\nError: %v\n", err)
		return false
	}

	if botToken != "" && adminID == "" {
		fmt.Println("\nError: a Telegram user ID is required when a bot token is set.")
		return false
	}

	values := map[string]string{
		"GEMINI_API_KEY": geminiKey,
		"FRAME_SOURCE":   frameSource,
	}
	if botToken != "" {
		values["BOT_TOKEN"] = botToken
		values["ADMIN_TELEGRAM_ID"] = adminID
	}

	configPath, err := ConfigFilePath()
	if err == nil {
		err = WriteEnvFile(configPath, values)
	}
	if err != nil {
		fmt.Printf("\nError saving configuration: %v\n", err)
		WaitOnWindows()
		return false
	}

	for k, v := range values {
		os.Setenv(k, v)
	}

	successStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("42")).
		Bold(true)

	pathStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("245"))

	fmt.Println()
	fmt.Println(successStyle.Render("✓ Configuration saved"))
	fmt.Println(pathStyle.Render("  " + configPath))
	fmt.Println()
	fmt.Println("Starting scanner...")
	fmt.Println()

	return true
}

// ValidateTelegramToken validates a Telegram bot token by calling the getMe API.
func ValidateTelegramToken(token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), validationTimeout)
	defer cancel()

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description,omitempty"`
	}

	_, err := resty.New().R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&result).
		Get(fmt.Sprintf("%s/bot%s/getMe", telegramAPIURL, token))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errors.New("connection timed out - check your internet")
		}
		return errors.New("connection failed - check your internet")
	}

	if !result.OK {
		if result.Description != "" {
			return errors.New(result.Description)
		}
		return errors.New("token rejected by Telegram")
	}

	return nil
}

// ValidateGeminiKey validates a Gemini API key by listing models.
func ValidateGeminiKey(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), validationTimeout)
	defer cancel()

	var apiErr struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}

	resp, err := resty.New().R().
		SetContext(ctx).
		SetQueryParam("key", key).
		SetError(&apiErr).
		Get(geminiModelsURL)
	if err != nil {
		return errors.New("connection failed - check your internet")
	}

	switch code := resp.StatusCode(); {
	case code == 400 || code == 401 || code == 403:
		if apiErr.Error.Message != "" {
			return errors.New(apiErr.Error.Message)
		}
		return fmt.Errorf("API key rejected (HTTP %d)", code)
	case code != 200:
		return fmt.Errorf("unexpected response (HTTP %d)", code)
	}

	return nil
}

// WriteEnvFile writes the configuration to path with 0600 permissions since
// the file contains secrets.
func WriteEnvFile(path string, values map[string]string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	// Write in a consistent order, quoting values to handle special characters
	for _, key := range envFileOrder {
		if val, ok := values[key]; ok {
			if _, err := fmt.Fprintf(f, "%s=%q\n", key, val); err != nil {
				return fmt.Errorf("failed to write %s: %w", key, err)
			}
		}
	}

	return nil
}
