package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/basket/smolclaw/internal/approval"
)

const discordColor = 5793266

// Discord posts pending approvals to a Discord webhook as an embed.
type Discord struct {
	url  string
	http *http.Client
	now  func() time.Time
}

// NewDiscord returns a webhook sink. A nil client uses a 10s timeout.
func NewDiscord(webhookURL string, client *http.Client) *Discord {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Discord{url: webhookURL, http: client, now: time.Now}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

type discordPayload struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

func (d *Discord) Notify(ctx context.Context, rec approval.Record) error {
	body, err := json.Marshal(discordPayload{
		Username: "Smol Claw",
		Embeds: []discordEmbed{{
			Title:       Title(rec),
			Description: formatDiscord(rec),
			Color:       discordColor,
			Timestamp:   d.now().UTC().Format(time.RFC3339),
		}},
	})
	if err != nil {
		return fmt.Errorf("discord notify: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord notify: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("discord notify %s: %w", rec.ID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("discord notify %s: status %d", rec.ID, resp.StatusCode)
	}
	return nil
}

func formatDiscord(rec approval.Record) string {
	return fmt.Sprintf("ID: `%s`\nStatus: `%s`\nText:\n```\n%s\n```\nApprove: reply `!approve %s` · Reject: `!reject %s`",
		rec.ID, rec.Status, Preview(rec.Text, MaxPreviewRunes), rec.ID, rec.ID)
}
