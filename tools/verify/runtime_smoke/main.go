// Command runtime_smoke drives one approval through a running daemon: it
// opens the event stream, queues a draft over HTTP, rejects it and waits
// for both transitions to arrive on the stream.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

type streamFrame struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func main() {
	base := flag.String("url", "http://127.0.0.1:18790", "daemon base URL")
	token := flag.String("token", "", "bearer token")
	platform := flag.String("platform", "threads", "configured platform to queue the draft for")
	timeout := flag.Duration("timeout", 15*time.Second, "overall timeout")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		fmt.Fprintln(os.Stderr, "token is required")
		os.Exit(2)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(*base), "/")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	auth := http.Header{"Authorization": []string{"Bearer " + strings.TrimSpace(*token)}}
	conn, _, err := websocket.Dial(ctx, wsURL(baseURL)+"?topics=approval.", &websocket.DialOptions{HTTPHeader: auth})
	if err != nil {
		fatal("dial", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "runtime smoke done")

	first, err := readFrame(ctx, conn)
	if err != nil {
		fatal("read status frame", err)
	}
	if first.Topic != "status" {
		fatalf("first frame topic = %q, want status", first.Topic)
	}
	fmt.Println("CHECK stream ok")

	marker := "runtime smoke " + uuid.NewString()[:8]
	var rec map[string]any
	if err := callAPI(ctx, auth, http.MethodPost, baseURL+"/api/approvals", map[string]any{
		"platform": *platform,
		"action":   "post",
		"text":     marker,
	}, http.StatusCreated, &rec); err != nil {
		fatal("enqueue", err)
	}
	approvalID, _ := rec["id"].(string)
	if approvalID == "" {
		fatalf("enqueue returned no id: %v", rec)
	}
	if err := waitForStatus(ctx, conn, "approval.pending", approvalID, "pending"); err != nil {
		fatal("approval.pending", err)
	}
	fmt.Printf("CHECK approval queued approval_id=%s\n", approvalID)

	if err := callAPI(ctx, auth, http.MethodPost, baseURL+"/api/approvals/"+approvalID+"/reject", nil, http.StatusOK, nil); err != nil {
		fatal("reject", err)
	}
	if err := waitForStatus(ctx, conn, "approval.transition", approvalID, "rejected"); err != nil {
		fatal("approval.transition", err)
	}
	fmt.Printf("CHECK approval updated approval_id=%s status=rejected\n", approvalID)

	fmt.Println("VERDICT PASS")
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	default:
		return "ws://" + base + "/ws"
	}
}

func callAPI(ctx context.Context, header http.Header, method, url string, body any, wantStatus int, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	req.Header = header.Clone()
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		return fmt.Errorf("%s %s: got %d want %d: %s", method, url, resp.StatusCode, wantStatus, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

// waitForStatus reads frames until one on topic carries approvalID with
// new_status == want. A lag frame fails the wait: the event may be lost.
func waitForStatus(ctx context.Context, conn *websocket.Conn, topic, approvalID, want string) error {
	for {
		frame, err := readFrame(ctx, conn)
		if err != nil {
			return err
		}
		if frame.Topic == "stream.lagged" {
			return fmt.Errorf("event stream lagged while waiting for %s: %s", topic, frame.Payload)
		}
		if frame.Topic != topic {
			continue
		}
		id, err := extractField(frame.Payload, "approval_id")
		if err != nil {
			return fmt.Errorf("%s missing approval_id: %w", topic, err)
		}
		if id != approvalID {
			continue
		}
		status, err := extractField(frame.Payload, "new_status")
		if err != nil {
			return fmt.Errorf("%s missing new_status: %w", topic, err)
		}
		if status != want {
			return fmt.Errorf("%s unexpected status: got %q want %q", topic, status, want)
		}
		return nil
	}
}

func readFrame(ctx context.Context, conn *websocket.Conn) (streamFrame, error) {
	var frame streamFrame
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		return streamFrame{}, err
	}
	return frame, nil
}

func extractField(raw json.RawMessage, field string) (string, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", err
	}
	val, ok := payload[field]
	if !ok {
		return "", fmt.Errorf("missing field %q", field)
	}
	asString, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("field %q is not string", field)
	}
	return asString, nil
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
