package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/ethan/mjr-playout/pkg/config"
	"github.com/ethan/mjr-playout/pkg/gateway"
	"github.com/ethan/mjr-playout/pkg/logger"
	"github.com/ethan/mjr-playout/pkg/playout"
	"github.com/ethan/mjr-playout/pkg/session"
)

// terminalEvents logs every playback event and surfaces the terminal one.
type terminalEvents struct {
	log  *logger.Logger
	done chan string
}

func (e *terminalEvents) PushEvent(sessionID uint64, transaction, body string) {
	e.log.Info("playback event",
		"session_id", sessionID, "transaction", transaction, "event", body)
	if body != playout.EventStart {
		select {
		case e.done <- body:
		default:
		}
	}
}

func main() {
	// Parse command-line flags
	fs := flag.NewFlagSet("mjr-play", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)

	envPath := fs.String("env", "", "Path to .env configuration (optional)")
	dir := fs.String("dir", ".", "Directory the recordings live in")
	audio := fs.String("audio", "", "Audio recording filename (.mjr suffix optional)")
	video := fs.String("video", "", "Video recording filename (.mjr suffix optional)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Plays an MJR recording pair to a WebRTC peer\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExample:\n  %s -dir /recordings -audio room-1234-audio -video room-1234-video -trace playout\n", os.Args[0])
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger from flags
	log, err := logFlags.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	logger.SetDefault(log)

	log.Info("starting MJR playout", "log_config", logFlags.String())

	if *audio == "" && *video == "" {
		log.Error("nothing to play: pass -audio and/or -video")
		os.Exit(1)
	}

	// Optional .env configuration takes precedence over -dir
	recordingsDir := *dir
	stunServer := config.DefaultSTUNServer
	if *envPath != "" {
		cfg, err := config.Load(*envPath)
		if err != nil {
			log.Error("failed to load configuration", "error", err)
			os.Exit(1)
		}
		recordingsDir = cfg.RecordingsDir
		stunServer = cfg.STUNServer
		log.Info("configuration loaded", "recordings_dir", recordingsDir)
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Build the peer connection the recording will be relayed into
	peer, err := gateway.NewWebRTCPeer(ctx, stunServer, log)
	if err != nil {
		log.Error("failed to create peer connection", "error", err)
		os.Exit(1)
	}
	defer peer.Close()

	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		log.Error("failed to create offer", "error", err)
		os.Exit(1)
	}

	// Copy/paste signaling: print the offer, read the answer back
	fmt.Println("\nOffer (paste into the remote peer):")
	fmt.Println(base64.StdEncoding.EncodeToString([]byte(offer)))
	fmt.Println("\nPaste the base64 answer and press enter:")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		log.Error("failed to read answer", "error", err)
		os.Exit(1)
	}
	answer, err := base64.StdEncoding.DecodeString(strings.TrimSpace(line))
	if err != nil {
		log.Error("failed to decode answer", "error", err)
		os.Exit(1)
	}
	if err := peer.SetAnswer(string(answer)); err != nil {
		log.Error("failed to apply answer", "error", err)
		os.Exit(1)
	}

	// One local session around the peer leg
	events := &terminalEvents{log: log, done: make(chan string, 1)}
	svc := session.NewService(events, log)
	sess := session.New(1, peer, false)
	svc.Register(sess)
	defer svc.Unregister(sess.ID())

	transaction := uuid.NewString()
	paths := []string{recordingsDir, *audio}
	if *video != "" {
		// The control surface always takes the audio pair first; a missing
		// audio track is dropped with a warning and video plays alone.
		paths = append(paths, recordingsDir, *video)
	}

	if status := svc.StartPlaying(sess.ID(), transaction, paths...); status != session.StatusOK {
		log.Error("start playing failed", "status", int(status), "reason", status.String())
		os.Exit(1)
	}

	log.Info("playback running - press Ctrl+C to stop")

	select {
	case <-ctx.Done():
		svc.StopPlaying(sess.ID())
		<-events.done
	case body := <-events.done:
		log.Info("playback finished", "event", body)
	}
}
