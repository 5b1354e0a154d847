// Package main implements a standalone end-to-end check for the dmchat
// server. It walks the full direct-chat journey against a running stack:
// health, socket handshake, chat creation over HTTP, live send and push,
// idempotent replay, membership enforcement, history paging and rate
// limiting.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gobwas/ws"

	"github.com/whisper/dmchat/loadtest/client"
)

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional, non-fatal
)

// scenarioResult holds the outcome of a single test scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// env is shared by the scenarios. Users are derived from a per-run base so
// repeated runs do not collide on chats or idempotency tokens.
type env struct {
	wsURL   string
	apiBase string
	base    int64
	chatID  int64
}

func (e *env) user(n int64) int64 { return e.base + n }

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== dmchat E2E Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	e := &env{
		wsURL:   *wsURL,
		apiBase: *apiBase,
		base:    3_000_000_000 + time.Now().Unix()%1_000_000*10,
	}

	results := []scenarioResult{
		scenarioHealth(ctx, e),
		scenarioHandshake(ctx, e),
		scenarioCreateChat(ctx, e),
	}
	if e.chatID == 0 {
		results = append(results, scenarioResult{"Live messaging", resultFail, "skipped: no chat"})
	} else {
		results = append(results,
			scenarioLiveMessage(ctx, e),
			scenarioReplay(ctx, e),
			scenarioNonMember(ctx, e),
			scenarioHistory(ctx, e),
		)
	}
	results = append(results, scenarioRateLimit(ctx, e))

	fmt.Println()
	passed, failed, info := 0, 0, 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	fmt.Printf("\n=== Results: %d/%d passed", passed, passed+failed)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

func scenarioHealth(ctx context.Context, e *env) scenarioResult {
	name := "Health"
	status, body, err := httpDo(ctx, http.MethodGet, e.apiBase+"/health", nil, nil)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	var h struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &h); err != nil {
		return scenarioResult{name, resultFail, "decode: " + err.Error()}
	}
	if status != http.StatusOK || h.Status != "healthy" {
		return scenarioResult{name, resultFail, fmt.Sprintf("status %d %q", status, h.Status)}
	}

	status, _, err = httpDo(ctx, http.MethodGet, e.apiBase+"/metrics", nil, nil)
	if err != nil || status != http.StatusOK {
		return scenarioResult{name, resultFail, fmt.Sprintf("/metrics: status %d err %v", status, err)}
	}
	return scenarioResult{name, resultPass, ""}
}

func scenarioHandshake(ctx context.Context, e *env) scenarioResult {
	name := "Socket handshake"

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, _, _, err := ws.Dial(dialCtx, e.wsURL)
	var se ws.StatusError
	if !errors.As(err, &se) || int(se) != http.StatusUnauthorized {
		return scenarioResult{name, resultFail, fmt.Sprintf("dial without userId: %v, want 401", err)}
	}

	c, err := client.New(dialCtx, e.wsURL, e.user(1))
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer c.Close()
	if err := c.WaitConnected(dialCtx); err != nil {
		return scenarioResult{name, resultFail, "no connected push: " + err.Error()}
	}
	if c.ConnectionID() == "" {
		return scenarioResult{name, resultFail, "connected push without connectionId"}
	}
	return scenarioResult{name, resultPass, fmt.Sprintf("latency %s", c.GetMetrics().ConnectLatency.Round(time.Millisecond))}
}

func scenarioCreateChat(ctx context.Context, e *env) scenarioResult {
	name := "Create chat over HTTP"
	req := map[string]any{"userA": e.user(2), "userB": e.user(1)}

	var first, second struct {
		ChatID  int64 `json:"chatId"`
		Created bool  `json:"created"`
	}
	status, err := httpJSON(ctx, http.MethodPost, e.apiBase+"/chats", req, nil, &first)
	if err != nil || status != http.StatusCreated || !first.Created {
		return scenarioResult{name, resultFail, fmt.Sprintf("first create: status %d err %v", status, err)}
	}
	status, err = httpJSON(ctx, http.MethodPost, e.apiBase+"/chats", req, nil, &second)
	if err != nil || status != http.StatusOK || second.Created {
		return scenarioResult{name, resultFail, fmt.Sprintf("second create: status %d err %v", status, err)}
	}
	if first.ChatID != second.ChatID {
		return scenarioResult{name, resultFail, fmt.Sprintf("chat ids differ: %d vs %d", first.ChatID, second.ChatID)}
	}
	e.chatID = first.ChatID
	return scenarioResult{name, resultPass, fmt.Sprintf("chat %d", e.chatID)}
}

func scenarioLiveMessage(ctx context.Context, e *env) scenarioResult {
	name := "Live send and push"

	a, b, err := connectPair(ctx, e)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer a.Close()
	defer b.Close()

	pushed := make(chan client.Message, 1)
	b.On(client.EventMessageNew, func(f client.Frame) {
		if m, err := client.DecodeMessage(f.Data); err == nil {
			select {
			case pushed <- m:
			default:
			}
		}
	})
	for _, c := range []*client.Client{a, b} {
		if ack, err := c.Emit(ctx, client.EventJoin, map[string]any{"chatId": e.chatID}); err != nil || !ack.OK {
			return scenarioResult{name, resultFail, fmt.Sprintf("join as %d: %v %s", c.UserID(), err, ack.Error)}
		}
	}

	ack, err := a.Emit(ctx, client.EventSend, map[string]any{
		"chatId": e.chatID,
		"to":     b.UserID(),
		"body":   "hello from e2e",
	})
	if err != nil || !ack.OK {
		return scenarioResult{name, resultFail, fmt.Sprintf("send: %v %s %s", err, ack.Error, ack.Detail)}
	}
	sent, err := client.DecodeMessage(ack.Message)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}

	select {
	case m := <-pushed:
		if m.ID != sent.ID || m.SenderID != a.UserID() {
			return scenarioResult{name, resultFail, fmt.Sprintf("pushed %+v, acked %+v", m, sent)}
		}
	case <-time.After(5 * time.Second):
		return scenarioResult{name, resultFail, "no message:new within 5s"}
	case <-ctx.Done():
		return scenarioResult{name, resultFail, ctx.Err().Error()}
	}
	return scenarioResult{name, resultPass, fmt.Sprintf("message %d", sent.ID)}
}

func scenarioReplay(ctx context.Context, e *env) scenarioResult {
	name := "Idempotent replay"

	a, err := connect(ctx, e.wsURL, e.user(1))
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer a.Close()

	token := "e2e-" + strconv.FormatInt(e.base, 10)
	payload := map[string]any{
		"chatId":                 e.chatID,
		"to":                     e.user(2),
		"body":                   "once only",
		"clientIdempotencyToken": token,
	}
	first, err := a.Emit(ctx, client.EventSend, payload)
	if err != nil || !first.OK {
		return scenarioResult{name, resultFail, fmt.Sprintf("first send: %v %s", err, first.Error)}
	}
	second, err := a.Emit(ctx, client.EventSend, payload)
	if err != nil || !second.OK || second.Dedup == nil || !*second.Dedup {
		return scenarioResult{name, resultFail, fmt.Sprintf("socket replay: %v %+v", err, second)}
	}
	m1, _ := client.DecodeMessage(first.Message)
	m2, _ := client.DecodeMessage(second.Message)
	if m1.ID == 0 || m1.ID != m2.ID {
		return scenarioResult{name, resultFail, fmt.Sprintf("replay returned message %d, want %d", m2.ID, m1.ID)}
	}

	httpReq := map[string]any{
		"chatId":                 e.chatID,
		"from":                   e.user(1),
		"to":                     e.user(2),
		"body":                   "once only",
		"clientIdempotencyToken": token,
	}
	var m3 client.Message
	status, hdr, err := httpJSONHeader(ctx, http.MethodPost, e.apiBase+"/messages", httpReq, &m3)
	if err != nil || status != http.StatusOK || hdr.Get("Idempotent-Replay") != "true" || m3.ID != m1.ID {
		return scenarioResult{name, resultFail, fmt.Sprintf("http replay: status %d err %v id %d", status, err, m3.ID)}
	}
	return scenarioResult{name, resultPass, fmt.Sprintf("message %d", m1.ID)}
}

func scenarioNonMember(ctx context.Context, e *env) scenarioResult {
	name := "Non-member rejected"

	outsider, err := connect(ctx, e.wsURL, e.user(3))
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer outsider.Close()

	ack, err := outsider.Emit(ctx, client.EventJoin, map[string]any{"chatId": e.chatID})
	if err != nil || ack.OK || ack.Error != "Forbidden" {
		return scenarioResult{name, resultFail, fmt.Sprintf("join: %v %+v", err, ack)}
	}
	ack, err = outsider.Emit(ctx, client.EventSend, map[string]any{
		"chatId": e.chatID,
		"to":     e.user(1),
		"body":   "let me in",
	})
	if err != nil || ack.OK || ack.Error != "Forbidden" {
		return scenarioResult{name, resultFail, fmt.Sprintf("send: %v %+v", err, ack)}
	}

	url := fmt.Sprintf("%s/chats/%d/messages", e.apiBase, e.chatID)
	status, _, err := httpDo(ctx, http.MethodGet, url, nil, map[string]string{"X-User-Id": strconv.FormatInt(e.user(3), 10)})
	if err != nil || status != http.StatusForbidden {
		return scenarioResult{name, resultFail, fmt.Sprintf("history: status %d err %v", status, err)}
	}
	return scenarioResult{name, resultPass, ""}
}

func scenarioHistory(ctx context.Context, e *env) scenarioResult {
	name := "History paging"

	var page struct {
		Items  []client.Message `json:"items"`
		Limit  int              `json:"limit"`
		Offset int              `json:"offset"`
	}
	url := fmt.Sprintf("%s/chats/%d/messages?limit=1&offset=0", e.apiBase, e.chatID)
	hdr := map[string]string{"X-User-Id": strconv.FormatInt(e.user(2), 10)}
	status, err := httpJSON(ctx, http.MethodGet, url, nil, hdr, &page)
	if err != nil || status != http.StatusOK {
		return scenarioResult{name, resultFail, fmt.Sprintf("status %d err %v", status, err)}
	}
	if page.Limit != 1 || len(page.Items) != 1 {
		return scenarioResult{name, resultFail, fmt.Sprintf("limit %d items %d", page.Limit, len(page.Items))}
	}

	var all struct {
		Items []client.Message `json:"items"`
	}
	url = fmt.Sprintf("%s/chats/%d/messages", e.apiBase, e.chatID)
	if _, err := httpJSON(ctx, http.MethodGet, url, nil, hdr, &all); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	for i := 1; i < len(all.Items); i++ {
		if all.Items[i-1].ID < all.Items[i].ID {
			return scenarioResult{name, resultFail, "history not newest first"}
		}
	}
	if len(all.Items) == 0 || all.Items[0].ID != page.Items[0].ID {
		return scenarioResult{name, resultFail, "first page does not match newest message"}
	}
	return scenarioResult{name, resultPass, fmt.Sprintf("%d messages", len(all.Items))}
}

// scenarioRateLimit is informational: the limiter is disabled when the
// server runs without Redis.
func scenarioRateLimit(ctx context.Context, e *env) scenarioResult {
	name := "Rate limiting (optional)"

	a, err := connect(ctx, e.wsURL, e.user(4))
	if err != nil {
		return scenarioResult{name, resultInfo, err.Error()}
	}
	defer a.Close()

	got, ok := emitOK(ctx, a, client.EventGetOrCreate, map[string]any{"to": e.user(5)})
	if !ok {
		return scenarioResult{name, resultInfo, "could not resolve chat"}
	}
	for i := 0; i < 40; i++ {
		ack, err := a.Emit(ctx, client.EventSend, map[string]any{
			"chatId": got.ChatID,
			"to":     e.user(5),
			"body":   fmt.Sprintf("burst %d", i),
		})
		if err != nil {
			return scenarioResult{name, resultInfo, err.Error()}
		}
		if !ack.OK && ack.Error == "RateLimited" {
			return scenarioResult{name, resultPass, fmt.Sprintf("limited after %d sends", i)}
		}
	}
	return scenarioResult{name, resultInfo, "40 sends accepted; limiter disabled?"}
}

func connect(ctx context.Context, wsURL string, userID int64) (*client.Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	c, err := client.New(connCtx, wsURL, userID)
	if err != nil {
		return nil, fmt.Errorf("connect %d: %w", userID, err)
	}
	if err := c.WaitConnected(connCtx); err != nil {
		c.Close()
		return nil, fmt.Errorf("connect %d: %w", userID, err)
	}
	return c, nil
}

func connectPair(ctx context.Context, e *env) (*client.Client, *client.Client, error) {
	a, err := connect(ctx, e.wsURL, e.user(1))
	if err != nil {
		return nil, nil, err
	}
	b, err := connect(ctx, e.wsURL, e.user(2))
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

func emitOK(ctx context.Context, c *client.Client, event string, data any) (client.Ack, bool) {
	ack, err := c.Emit(ctx, event, data)
	return ack, err == nil && ack.OK
}

func httpDo(ctx context.Context, method, url string, body any, headers map[string]string) (int, []byte, error) {
	status, data, _, err := roundTrip(ctx, method, url, body, headers)
	return status, data, err
}

func httpJSON(ctx context.Context, method, url string, body any, headers map[string]string, out any) (int, error) {
	status, data, _, err := roundTrip(ctx, method, url, body, headers)
	if err != nil {
		return status, err
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return status, fmt.Errorf("decode: %w", err)
		}
	}
	return status, nil
}

func httpJSONHeader(ctx context.Context, method, url string, body any, out any) (int, http.Header, error) {
	status, data, hdr, err := roundTrip(ctx, method, url, body, nil)
	if err != nil {
		return status, hdr, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return status, hdr, fmt.Errorf("decode: %w", err)
	}
	return status, hdr, nil
}

func roundTrip(ctx context.Context, method, url string, body any, headers map[string]string) (int, []byte, http.Header, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, nil, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return 0, nil, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, resp.Header, err
	}
	return resp.StatusCode, data, resp.Header, nil
}
