package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/whisper/dmchat/loadtest/client"
	"github.com/whisper/dmchat/loadtest/stats"
)

// pairResult tracks the outcome of a single pair's run.
type pairResult struct {
	resolved bool
	joined   bool
	sent     int64
	received int64
	replays  int64
}

// runChat implements the chat load test. Each simulated pair connects,
// resolves its chat with chat:get_or_create, joins the room on both sides
// and exchanges messages for a fixed duration. A fraction of sends are
// retried with the same idempotency token to exercise dedup. It measures
// ack latency for the sender and delivery latency to the partner.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of user pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message body in bytes")
	retryEvery := fs.Int("retry-every", 10, "Resend every Nth message with the same token (0 disables)")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	firstUser := fs.Int64("first-user", 2_000_000, "User id of the first client; later ones count up")
	ackTimeout := fs.Duration("ack-timeout", 10*time.Second, "Timeout waiting for an ack")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	fmt.Printf("Chat test: %d pairs (%d clients) to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d)\n",
		*pairs, *pairs*2, *url, *rampUp, *chatDuration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Phase 1: Connect all users ---")
	clients := connectPairs(ctx, *url, *pairs, *firstUser, *rampUp, *concurrency, collector)
	defer func() {
		for _, pc := range clients {
			if pc[0] != nil {
				pc[0].Close()
			}
			if pc[1] != nil {
				pc[1].Close()
			}
		}
	}()

	ready := 0
	for _, pc := range clients {
		if pc[0] != nil && pc[1] != nil {
			ready++
		}
	}
	fmt.Printf("Phase 1 complete: %d/%d pairs connected (%d errors)\n", ready, *pairs, collector.ErrorCount())
	if ctx.Err() != nil || ready == 0 {
		fmt.Println("Nothing to run.")
		scraper.Stop()
		collector.Report()
		return
	}

	fmt.Printf("\n--- Phase 2: Running %d pairs for %s ---\n", ready, *chatDuration)
	body := strings.Repeat("x", max(*msgSize-24, 1))
	opts := pairOptions{
		duration:   *chatDuration,
		interval:   *msgInterval,
		body:       body,
		retryEvery: *retryEvery,
		ackTimeout: *ackTimeout,
		collector:  collector,
	}

	results := make([]pairResult, len(clients))
	var wg sync.WaitGroup
	for i, pc := range clients {
		if pc[0] == nil || pc[1] == nil {
			continue
		}
		wg.Add(1)
		go func(i int, a, b *client.Client) {
			defer wg.Done()
			results[i] = runPair(ctx, a, b, opts)
		}(i, pc[0], pc[1])
	}
	wg.Wait()
	scraper.Stop()

	var resolved, joined int
	var sent, received, replays int64
	for _, r := range results {
		if r.resolved {
			resolved++
		}
		if r.joined {
			joined++
		}
		sent += r.sent
		received += r.received
		replays += r.replays
	}
	fmt.Println("\n--- Pair Summary ---")
	fmt.Printf("  Resolved:   %d/%d\n", resolved, ready)
	fmt.Printf("  Joined:     %d/%d\n", joined, ready)
	fmt.Printf("  Sent:       %d\n", sent)
	fmt.Printf("  Delivered:  %d\n", received)
	fmt.Printf("  Replays:    %d\n", replays)
	if sent > 0 {
		fmt.Printf("  Delivery:   %.2f%%\n", float64(received)/float64(sent)*100)
	}
	collector.Report()
}

// connectPairs opens two clients per pair, ramping up over rampUp. Slots
// whose connection failed are left nil.
func connectPairs(ctx context.Context, url string, pairs int, firstUser int64, rampUp time.Duration, concurrency int, collector *stats.Collector) [][2]*client.Client {
	out := make([][2]*client.Client, pairs)
	total := pairs * 2
	interval := rampUp / time.Duration(total)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for n := 0; n < total; n++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return out
		case <-ticker.C:
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(n int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			c, err := client.New(connCtx, url, firstUser+int64(n))
			if err != nil {
				collector.AddError()
				return
			}
			if err := c.WaitConnected(connCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)
			out[n/2][n%2] = c
		}(n)
	}
	wg.Wait()
	return out
}

type pairOptions struct {
	duration   time.Duration
	interval   time.Duration
	body       string
	retryEvery int
	ackTimeout time.Duration
	collector  *stats.Collector
}

// runPair drives one pair. Message bodies start with the send time in
// nanoseconds so the receiver can compute delivery latency.
func runPair(ctx context.Context, a, b *client.Client, opts pairOptions) pairResult {
	var res pairResult
	var received atomic.Int64

	for _, c := range []*client.Client{a, b} {
		self := c.UserID()
		c.On(client.EventMessageNew, func(f client.Frame) {
			m, err := client.DecodeMessage(f.Data)
			if err != nil || m.SenderID == self {
				return
			}
			stamp, _, _ := strings.Cut(m.Body, "|")
			if ns, err := strconv.ParseInt(stamp, 10, 64); err == nil {
				opts.collector.AddDeliveryLatency(time.Since(time.Unix(0, ns)))
			}
			received.Add(1)
		})
	}

	got, ok := emit(ctx, a, client.EventGetOrCreate, map[string]any{"to": b.UserID()}, opts)
	if !ok {
		return res
	}
	res.resolved = true
	for _, c := range []*client.Client{a, b} {
		if _, ok := emit(ctx, c, client.EventJoin, map[string]any{"chatId": got.ChatID}, opts); !ok {
			return res
		}
	}
	res.joined = true

	runCtx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	var sent, replays atomic.Int64
	var wg sync.WaitGroup
	for i, c := range []*client.Client{a, b} {
		to := b.UserID()
		if i == 1 {
			to = a.UserID()
		}
		wg.Add(1)
		go func(c *client.Client, to int64) {
			defer wg.Done()
			ticker := time.NewTicker(opts.interval)
			defer ticker.Stop()
			for seq := 1; ; seq++ {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
				}
				token := fmt.Sprintf("lt-%d-%d", c.UserID(), seq)
				payload := map[string]any{
					"chatId":                 got.ChatID,
					"to":                     to,
					"body":                   strconv.FormatInt(time.Now().UnixNano(), 10) + "|" + opts.body,
					"clientIdempotencyToken": token,
				}
				if _, ok := emit(ctx, c, client.EventSend, payload, opts); !ok {
					continue
				}
				sent.Add(1)
				if opts.retryEvery > 0 && seq%opts.retryEvery == 0 {
					ack, ok := emit(ctx, c, client.EventSend, payload, opts)
					if ok && ack.Dedup != nil && *ack.Dedup {
						replays.Add(1)
					}
				}
			}
		}(c, to)
	}
	wg.Wait()

	// Let in-flight pushes land before counting.
	time.Sleep(500 * time.Millisecond)
	res.sent = sent.Load()
	res.replays = replays.Load()
	res.received = received.Load()
	return res
}

// emit sends one event, records its ack latency and classifies failures.
func emit(ctx context.Context, c *client.Client, event string, data any, opts pairOptions) (client.Ack, bool) {
	ackCtx, cancel := context.WithTimeout(ctx, opts.ackTimeout)
	defer cancel()

	start := time.Now()
	ack, err := c.Emit(ackCtx, event, data)
	if err != nil {
		opts.collector.AddError()
		return client.Ack{}, false
	}
	opts.collector.AddAckLatency(time.Since(start))
	if !ack.OK {
		opts.collector.AddRejected(ack.Error)
		return ack, false
	}
	return ack, true
}
