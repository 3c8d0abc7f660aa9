package telegram

import (
	"fmt"
	"strings"
	"time"

	"github.com/lithammer/dedent"
	"github.com/raine/werkaholic-scanner/internal/listing"
	"github.com/raine/werkaholic-scanner/internal/scanner"
	"github.com/raine/werkaholic-scanner/internal/storage"
)

// =============================================================================
// General messages
// =============================================================================

const (
	MsgUnknownCommand = "Unbekannter Befehl. /hilfe zeigt alle Befehle."
	MsgUnexpectedErr  = "Unerwarteter Fehler: %s"
	MsgAnalyzing      = "🔍 Analysiere Bild..."
	MsgNotDetected    = "Kein verkaufbarer Gegenstand erkannt."
	MsgPhotoFailed    = "Bild konnte nicht geladen werden."
)

// =============================================================================
// Loop control messages
// =============================================================================

const (
	MsgLoopStarted = "▶️ Auto-Scan läuft. Alle %s wird ein Bild analysiert."
	MsgLoopPaused  = "⏸ Auto-Scan pausiert. /auto setzt fort."
	MsgLoopReset   = "🔄 Zurückgesetzt. /auto startet den Auto-Scan."
	MsgLoopHalted  = "⛔️ Auto-Scan gestoppt: %s\n\n/reset setzt den Scanner zurück."
)

const msgHelp = `
	*Werkaholic Scanner*

	Schick ein Foto, um einen Gegenstand sofort zu bewerten.

	/auto - Auto-Scan starten oder fortsetzen
	/pause - Auto-Scan pausieren oder fortsetzen
	/reset - Scanner zurücksetzen
	/foto - Einzelnes Bild von der Kamera analysieren
	/status - Aktuellen Zustand anzeigen
	/kontingent - Verbleibende Scans heute
	/verlauf - Letzte Ergebnisse
`

var stateLabels = map[scanner.LoopState]string{
	scanner.Idle:          "Bereit",
	scanner.Running:       "Läuft",
	scanner.Paused:        "Pausiert",
	scanner.QuotaExceeded: "Gestoppt (Limit)",
}

func formatReplyText(text string, a ...any) string {
	return fmt.Sprintf(strings.TrimSpace(dedent.Dedent(text)), a...)
}

func parseCommand(s string) (string, []string) {
	parts := strings.Fields(s)
	if len(parts) == 0 {
		return "", nil
	}
	// Commands in groups arrive as /cmd@botname
	cmd, _, _ := strings.Cut(parts[0], "@")
	return cmd, parts[1:]
}

// escapeMarkdown escapes special characters for Telegram Markdown V1.
func escapeMarkdown(text string) string {
	text = strings.ReplaceAll(text, "*", "\\*")
	text = strings.ReplaceAll(text, "_", "\\_")
	text = strings.ReplaceAll(text, "`", "\\`")
	text = strings.ReplaceAll(text, "[", "\\[")
	return text
}

func formatResult(r *listing.ScanResult) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("*%s*\n", escapeMarkdown(r.Title)))
	if r.PriceEstimate != "" {
		sb.WriteString(fmt.Sprintf("💰 %s\n", escapeMarkdown(r.PriceEstimate)))
	}
	if r.Condition != listing.ConditionUnknown {
		sb.WriteString(fmt.Sprintf("🏷 Zustand: %s\n", r.Condition.Label()))
	}
	if r.Category != "" {
		sb.WriteString(fmt.Sprintf("📂 %s\n", escapeMarkdown(r.Category)))
	}
	if r.Description != "" {
		sb.WriteString("\n" + escapeMarkdown(r.Description) + "\n")
	}
	if len(r.Keywords) > 0 {
		sb.WriteString("\n_" + escapeMarkdown(strings.Join(r.Keywords, ", ")) + "_\n")
	}
	return strings.TrimSpace(sb.String())
}

func formatQuota(q listing.QuotaState) string {
	if q.Remaining() < 0 {
		return fmt.Sprintf("Pro: unbegrenzt (%d Scans heute)", q.ScansUsed)
	}
	return fmt.Sprintf("Free: %d von %d Scans übrig, Reset %s",
		q.Remaining(), q.Limit(), q.ResetDate.Local().Format("02.01. 15:04"))
}

func formatStatus(st scanner.Status) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("*Zustand:* %s\n", stateLabels[st.State]))
	if st.Analyzing {
		sb.WriteString("🔍 Analyse läuft\n")
	}
	if st.LastSuccess != nil {
		sb.WriteString(fmt.Sprintf("*Zuletzt:* %s (%s)\n",
			escapeMarkdown(st.LastSuccess.Title), st.LastSuccess.At().Format("15:04:05")))
	}
	sb.WriteString(formatQuota(st.Quota) + "\n")
	if st.Error != "" {
		sb.WriteString(fmt.Sprintf("⚠️ %s\n", escapeMarkdown(st.Error)))
	}
	return strings.TrimSpace(sb.String())
}

func formatHistory(entries []storage.HistoryEntry) string {
	if len(entries) == 0 {
		return "Noch keine Ergebnisse."
	}
	var sb strings.Builder
	sb.WriteString("*Letzte Ergebnisse*\n\n")
	for i, e := range entries {
		line := fmt.Sprintf("%d. %s", i+1, escapeMarkdown(e.Result.Title))
		if e.Result.PriceEstimate != "" {
			line += " - " + escapeMarkdown(e.Result.PriceEstimate)
		}
		sb.WriteString(fmt.Sprintf("%s (%s)\n", line, e.CreatedAt.Local().Format("02.01. 15:04")))
	}
	return strings.TrimSpace(sb.String())
}

func formatInterval(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%d s", int(d/time.Second))
	}
	return d.String()
}
