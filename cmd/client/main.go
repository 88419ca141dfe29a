package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aeolun/relaychat/pkg/client"
	"github.com/aeolun/relaychat/pkg/protocol"
	"golang.org/x/crypto/ssh"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

// printer serializes terminal output from the read loop and the input loop
type printer struct {
	mu sync.Mutex
}

func (p *printer) line(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Printf("%s %s\n", TimestampStyle.Render(time.Now().Format("15:04:05")), text)
}

func (p *printer) system(format string, args ...interface{}) {
	p.line(SystemMessageStyle.Render(fmt.Sprintf(format, args...)))
}

func (p *printer) errorf(format string, args ...interface{}) {
	p.line(ErrorStyle.Render(fmt.Sprintf(format, args...)))
}

func main() {
	configPath := flag.String("config", client.DefaultConfigPath(), "Path to config file")
	serverAddr := flag.String("server", "", "Server address: host[:port], ws://host[:port], wss://host or ssh://[user@]host[:port] (overrides config)")
	name := flag.String("name", "", "Display name (overrides config)")
	downloadDir := flag.String("download-dir", "", "Directory for received files (overrides config)")
	noSave := flag.Bool("no-save", false, "Do not save received files")
	insecureSSH := flag.Bool("insecure-ssh", false, "Skip SSH host key verification")
	debug := flag.Bool("debug", false, "Log protocol traffic to stderr")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("relaychat client %s\n", Version)
		os.Exit(0)
	}

	config, err := client.LoadClientConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	addr := config.GetServerAddress()
	if *serverAddr != "" {
		addr = *serverAddr
	}
	displayName := config.Local.DisplayName
	if *name != "" {
		displayName = *name
	}
	saveDir, err := config.GetDownloadDir()
	if err != nil {
		log.Fatalf("Failed to resolve download directory: %v", err)
	}
	if *downloadDir != "" {
		saveDir = *downloadDir
	}

	out := &printer{}
	opts := client.Options{
		SSHUser: config.SSH.User,
		OnFrame: func(msg protocol.Message) {
			render(out, msg, saveDir, *noSave)
		},
	}
	if config.Connection.PingIntervalSeconds != 0 {
		opts.PingInterval = time.Duration(config.Connection.PingIntervalSeconds) * time.Second
	}
	if *insecureSSH {
		opts.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else if config.SSH.TrustNewHosts {
		if home, err := os.UserHomeDir(); err == nil {
			opts.HostKeyCallback = client.TrustOnFirstUse(filepath.Join(home, ".ssh", "known_hosts"))
		}
	}
	if *debug {
		opts.Logger = log.New(os.Stderr, "DEBUG: ", log.Ltime|log.Lmicroseconds)
	}

	disconnected := make(chan error, 1)
	opts.OnDisconnect = func(err error) {
		disconnected <- err
	}

	c, err := client.Connect(context.Background(), addr, displayName, opts)
	if err != nil {
		var serverErr *protocol.ErrorMessage
		if errors.As(err, &serverErr) {
			log.Fatalf("Server refused connection: %s", serverErr.Message)
		}
		log.Fatalf("Failed to connect: %v", err)
	}

	fmt.Println(HeaderStyle.Render(fmt.Sprintf("Connected to %s as %s", c.Addr(), c.Name())))
	fmt.Println(SystemMessageStyle.Render("Type a message and press enter. Commands: /file <path>, /status <text>, /quit"))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	lines := make(chan string)
	go readInput(os.Stdin, lines)

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				c.Close()
				return
			}
			if quit := handleInput(out, c, line); quit {
				c.Close()
				return
			}
		case <-sigChan:
			c.Close()
			return
		case err := <-disconnected:
			if err != nil {
				out.errorf("Disconnected: %v", err)
				os.Exit(1)
			}
			return
		}
	}
}

func readInput(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), protocol.MaxFrameSize)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

// handleInput sends one line of user input; it reports whether to quit
func handleInput(out *printer, c *client.Client, line string) bool {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	var err error
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/file":
		path := strings.TrimSpace(arg)
		if path == "" {
			out.errorf("Usage: /file <path>")
			return false
		}
		if err = c.SendFile(path); err == nil {
			out.line(FileMessageStyle.Render(fmt.Sprintf("Sent %s", path)))
		}
	case "/status":
		err = c.SendFrame(&protocol.StatusMessage{Status: strings.TrimSpace(arg)})
	default:
		err = c.SendFrame(&protocol.TextMessage{Body: line})
		if err == nil {
			out.line(fmt.Sprintf("%s %s", MessageAuthorStyle.Render(c.Name()+":"), line))
		}
	}

	if err != nil {
		out.errorf("Send failed: %v", err)
	}
	return false
}

// render prints one incoming frame and saves received files
func render(out *printer, msg protocol.Message, saveDir string, noSave bool) {
	switch m := msg.(type) {
	case *protocol.TextMessage:
		out.line(fmt.Sprintf("%s %s", MessageAuthorStyle.Render(m.Sender+":"), m.Body))
	case *protocol.StatusMessage:
		out.line(StatusMessageStyle.Render(fmt.Sprintf("%s is now %s", m.Sender, m.Status)))
	case *protocol.ControlMessage:
		switch m.Kind {
		case protocol.ControlJoin:
			out.system("%s joined", m.Name)
		case protocol.ControlLeave:
			out.system("%s left", m.Name)
		}
	case *protocol.File:
		if noSave {
			out.line(FileMessageStyle.Render(fmt.Sprintf("%s sent %s (%d bytes, not saved)", m.Sender, m.Name, len(m.Data))))
			return
		}
		path, err := client.SaveFile(saveDir, m)
		if err != nil {
			out.errorf("Could not save %s from %s: %v", m.Name, m.Sender, err)
			return
		}
		out.line(FileMessageStyle.Render(fmt.Sprintf("%s sent %s (%d bytes) -> %s", m.Sender, m.Name, len(m.Data), path)))
	case *protocol.FileAckMessage:
		out.system("%s (%d bytes) delivered to %d peers", m.Name, m.Size, m.Recipients)
	case *protocol.ErrorMessage:
		out.errorf("Server error %d: %s", m.ErrorCode, m.Message)
	}
}
