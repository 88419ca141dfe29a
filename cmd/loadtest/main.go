package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/relaychat/pkg/client"
	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/google/uuid"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

// Stats tracks performance metrics
type Stats struct {
	messagesSent     atomic.Int64
	messagesFailed   atomic.Int64
	messagesReceived atomic.Int64
	filesSent        atomic.Int64
	filesReceived    atomic.Int64
	filesAcked       atomic.Int64
	totalLatency     atomic.Int64 // in microseconds, over received timestamped messages
	timedReceived    atomic.Int64
	connectionErrors atomic.Int64
	disconnections   atomic.Int64
	serverErrors     atomic.Int64
}

func (s *Stats) recordReceived(latencyUs int64) {
	s.messagesReceived.Add(1)
	if latencyUs >= 0 {
		s.timedReceived.Add(1)
		s.totalLatency.Add(latencyUs)
	}
}

func (s *Stats) snapshot() (sent, received, failed int64, avgLatencyUs float64) {
	sent = s.messagesSent.Load()
	received = s.messagesReceived.Load()
	failed = s.messagesFailed.Load()

	if timed := s.timedReceived.Load(); timed > 0 {
		avgLatencyUs = float64(s.totalLatency.Load()) / float64(timed)
	}

	return
}

// BotClient represents a fake client for load testing
type BotClient struct {
	id       int
	nickname string
	conn     *client.Client
	stats    *Stats
}

func NewBotClient(id int, serverAddr string, stats *Stats) (*BotClient, error) {
	bot := &BotClient{
		id:       id,
		nickname: "bot-" + uuid.NewString()[:8],
		stats:    stats,
	}

	conn, err := client.Connect(context.Background(), serverAddr, bot.nickname, client.Options{
		OnFrame:      bot.handleFrame,
		OnDisconnect: bot.handleDisconnect,
	})
	if err != nil {
		stats.connectionErrors.Add(1)
		return nil, err
	}
	bot.conn = conn

	return bot, nil
}

// handleFrame counts relayed traffic; text bodies start with the sender's send time
func (bc *BotClient) handleFrame(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.TextMessage:
		latency := int64(-1)
		if stamp, _, ok := strings.Cut(m.Body, " "); ok {
			if sentAt, err := strconv.ParseInt(stamp, 10, 64); err == nil {
				latency = time.Since(time.Unix(0, sentAt)).Microseconds()
			}
		}
		bc.stats.recordReceived(latency)
	case *protocol.File:
		bc.stats.filesReceived.Add(1)
	case *protocol.FileAckMessage:
		bc.stats.filesAcked.Add(1)
	case *protocol.ErrorMessage:
		bc.stats.serverErrors.Add(1)
	}
}

func (bc *BotClient) handleDisconnect(err error) {
	if err != nil {
		bc.stats.disconnections.Add(1)
	}
}

func (bc *BotClient) SendRandomMessage() error {
	// Generate random message content (5-20 words)
	wordCount := 5 + rand.Intn(16)
	words := make([]string, 0, wordCount+1)
	words = append(words, strconv.FormatInt(time.Now().UnixNano(), 10))
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}

	if err := bc.conn.SendFrame(&protocol.TextMessage{Body: strings.Join(words, " ")}); err != nil {
		bc.stats.messagesFailed.Add(1)
		return err
	}
	bc.stats.messagesSent.Add(1)
	return nil
}

func (bc *BotClient) SendRandomFile(size int) error {
	data := make([]byte, size)
	rand.Read(data)

	file := &protocol.File{Name: fmt.Sprintf("%s-%d.bin", bc.nickname, time.Now().UnixNano()), Data: data}
	if err := bc.conn.SendFrame(file); err != nil {
		bc.stats.messagesFailed.Add(1)
		return err
	}
	bc.stats.filesSent.Add(1)
	return nil
}

func (bc *BotClient) Run(stop <-chan struct{}, duration, minDelay, maxDelay, shutdownDelay time.Duration, fileEvery, fileSize int) {
	defer bc.conn.Close()

	endTime := time.Now().Add(duration)
	iteration := 0

	for time.Now().Before(endTime) {
		iteration++

		if fileEvery > 0 && iteration%fileEvery == 0 {
			bc.SendRandomFile(fileSize)
		} else {
			bc.SendRandomMessage()
		}

		// Random delay between posts
		delay := minDelay + time.Duration(rand.Int63n(int64(maxDelay-minDelay)+1))
		select {
		case <-time.After(delay):
		case <-bc.conn.Done():
			return
		case <-stop:
			return
		}
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		select {
		case <-time.After(shutdownDelay):
		case <-stop:
		}
	}
}

func main() {
	// Command-line flags
	serverAddr := flag.String("server", "localhost:6465", "Server address (host:port, ws://, ssh://)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between messages")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between messages")
	fileEvery := flag.Int("file-every", 0, "Send a file instead of text every N messages (0 = never)")
	fileSize := flag.Int("file-size", 64*1024, "Size of generated files in bytes")
	flag.Parse()

	if *numClients < 1 {
		log.Fatal("-clients must be at least 1")
	}
	if *maxDelay < *minDelay {
		log.Fatal("-max-delay must not be below -min-delay")
	}

	// Calculate stagger delay: ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	if *fileEvery > 0 {
		log.Printf("  Files: every %d messages, %d bytes", *fileEvery, *fileSize)
	}
	log.Printf("")

	stats := &Stats{}
	var wg sync.WaitGroup
	stop := make(chan struct{})
	var stopOnce sync.Once

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		stopOnce.Do(func() { close(stop) })
	}()

	// Start stats reporter
	stopStats := make(chan struct{})
	startTime := time.Now()
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sent, received, failed, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()

				log.Printf("Stats: %d sent (%.1f/s), %d received (%.1f/s), %d failed, %d conn errors, avg fan-out latency %.2fms",
					sent, float64(sent)/elapsed, received, float64(received)/elapsed, failed, stats.connectionErrors.Load(), avgUs/1000.0)
			case <-stopStats:
				return
			}
		}
	}()

	// Spawn clients
spawn:
	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Calculate shutdown delay for this bot (reverse order for ramp-down)
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot, err := NewBotClient(id, *serverAddr, stats)
			if err != nil {
				if id%100 == 0 {
					log.Printf("[Bot %d] Connect failed: %v", id, err)
				}
				return
			}

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s", id, bot.nickname)
			}

			bot.Run(stop, *duration, *minDelay, *maxDelay, shutdownDelay, *fileEvery, *fileSize)
		}(i, shutdownDelay)

		// Stagger client connections based on calculated delay
		select {
		case <-time.After(staggerDelay):
		case <-stop:
			break spawn
		}
	}

	// Wait for all clients to finish
	wg.Wait()
	close(stopStats)

	// Final stats
	sent, received, failed, avgUs := stats.snapshot()
	totalDuration := time.Since(startTime)

	// Every message fans out to the other clients
	expectedReceived := sent * int64(*numClients-1)
	delivery := 0.0
	if expectedReceived > 0 {
		delivery = float64(received) / float64(expectedReceived) * 100
	}

	log.Printf("=== Final Results ===")
	log.Printf("Duration: %v", totalDuration.Round(time.Millisecond))
	log.Printf("Messages sent: %d (%.1f/s)", sent, float64(sent)/totalDuration.Seconds())
	log.Printf("Messages received: %d (%.1f/s)", received, float64(received)/totalDuration.Seconds())
	log.Printf("Files sent/acked/received: %d/%d/%d", stats.filesSent.Load(), stats.filesAcked.Load(), stats.filesReceived.Load())
	log.Printf("Messages failed: %d", failed)
	log.Printf("  - Server errors: %d", stats.serverErrors.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", stats.connectionErrors.Load())
	log.Printf("Average fan-out latency: %.2fms", avgUs/1000.0)
	log.Printf("Delivery: %.1f%% of %d expected", delivery, expectedReceived)
}
