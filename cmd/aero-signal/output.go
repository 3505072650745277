package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/mailbox"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/signalclient"
)

const payloadPreview = 60

var (
	accent = lipgloss.Color("#22d3ee")
	muted  = lipgloss.Color("#6B7280")

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(accent).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(muted)
	kindStyle   = lipgloss.NewStyle().Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
)

// printer renders results as tables and lines, or as JSON with -o json. JSON
// output is one value per line so streams can be piped to jq.
type printer struct {
	w    io.Writer
	json bool
}

func (p *printer) encode(v any) error {
	return json.NewEncoder(p.w).Encode(v)
}

func (p *printer) ack(a signalclient.Ack) error {
	if p.json {
		return p.encode(a)
	}
	rows := [][]string{
		{"id", a.ID},
		{"disposition", string(a.Disposition)},
	}
	if a.State != "" {
		rows = append(rows, []string{"state", string(a.State)})
	}
	_, err := fmt.Fprintln(p.w, newTable([]string{"Field", "Value"}, rows))
	return err
}

func (p *printer) messages(msgs []mailbox.Message) error {
	if p.json {
		if msgs == nil {
			msgs = []mailbox.Message{}
		}
		return p.encode(msgs)
	}
	if len(msgs) == 0 {
		_, err := fmt.Fprintln(p.w, mutedStyle.Render("no messages"))
		return err
	}
	rows := make([][]string, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, []string{
			m.ID,
			string(m.From),
			string(m.To),
			string(m.Kind),
			m.CreatedAt.Format(time.RFC3339),
			preview(m.Payload),
		})
	}
	_, err := fmt.Fprintln(p.w, newTable([]string{"ID", "From", "To", "Kind", "Created", "Payload"}, rows))
	return err
}

// message prints one streamed signal.
func (p *printer) message(m mailbox.Message) error {
	if p.json {
		return p.encode(m)
	}
	_, err := fmt.Fprintf(p.w, "%s %s -> %s %s %s\n",
		mutedStyle.Render(m.CreatedAt.Format(time.RFC3339)),
		m.From,
		m.To,
		kindStyle.Render(string(m.Kind)),
		preview(m.Payload),
	)
	return err
}

func (p *printer) iceServers(servers []webrtc.ICEServer) error {
	if p.json {
		if servers == nil {
			servers = []webrtc.ICEServer{}
		}
		return p.encode(servers)
	}
	if len(servers) == 0 {
		_, err := fmt.Fprintln(p.w, mutedStyle.Render("no ICE servers configured"))
		return err
	}
	rows := make([][]string, 0, len(servers))
	for _, s := range servers {
		hasCredential := "no"
		if s.Credential != nil && s.Credential != "" {
			hasCredential = "yes"
		}
		rows = append(rows, []string{strings.Join(s.URLs, " "), s.Username, hasCredential})
	}
	_, err := fmt.Fprintln(p.w, newTable([]string{"URLs", "Username", "Credential"}, rows))
	return err
}

func newTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(accent)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Render()
}

func preview(payload json.RawMessage) string {
	s := strings.Join(strings.Fields(string(payload)), " ")
	if len(s) > payloadPreview {
		return s[:payloadPreview-3] + "..."
	}
	return s
}
