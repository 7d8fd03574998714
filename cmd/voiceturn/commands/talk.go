package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/voice-turn-service/internal/client"
	"github.com/skypro1111/voice-turn-service/internal/config"
	"github.com/skypro1111/voice-turn-service/internal/playback"
	"github.com/skypro1111/voice-turn-service/internal/transport"
)

var talkOpts struct {
	url          string
	in           string
	out          string
	user         string
	chat         string
	session      string
	frame        time.Duration
	trailing     time.Duration
	replyTimeout time.Duration
	realtime     bool
	serverVAD    bool
	logLevel     string
}

var talkCmd = &cobra.Command{
	Use:   "talk",
	Short: "Play a WAV file to the service and record the reply",
	Long: `Connect to a running service, stream a 16-bit PCM WAV file as microphone
input and write every audio chunk played back to an output WAV file.

Speech boundaries are detected locally unless --server-vad is set, in
which case the whole file is streamed and the service finds them.

Examples:
  voiceturn talk --in hello.wav --out reply.wav
  voiceturn talk --url ws://host:8080/voice-stream --in hello.wav --realtime`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTalk(cmd.Context())
	},
}

func init() {
	f := talkCmd.Flags()
	f.StringVar(&talkOpts.url, "url", "ws://localhost:8080/voice-stream", "websocket endpoint")
	f.StringVar(&talkOpts.in, "in", "", "input WAV file (required)")
	f.StringVar(&talkOpts.out, "out", "reply.wav", "output WAV file for played audio")
	f.StringVar(&talkOpts.user, "user", "cli", "user id")
	f.StringVar(&talkOpts.chat, "chat", "cli", "chat id")
	f.StringVar(&talkOpts.session, "session", "", "session id (generated by the service when empty)")
	f.DurationVar(&talkOpts.frame, "frame", 100*time.Millisecond, "capture frame length")
	f.DurationVar(&talkOpts.trailing, "trailing", 2*time.Second, "silence appended after the recording")
	f.DurationVar(&talkOpts.replyTimeout, "reply-timeout", 30*time.Second, "how long to wait for the reply after the last utterance")
	f.BoolVar(&talkOpts.realtime, "realtime", false, "pace capture and playback at real time")
	f.BoolVar(&talkOpts.serverVAD, "server-vad", false, "stream continuously and let the service detect speech")
	f.StringVar(&talkOpts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	_ = talkCmd.MarkFlagRequired("in")
	rootCmd.AddCommand(talkCmd)
}

func runTalk(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := initLogger(config.LoggingConfig{Level: talkOpts.logLevel, Output: "stderr"})

	in, err := os.Open(talkOpts.in)
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	src, err := client.LoadWAV(in, talkOpts.frame, talkOpts.trailing, talkOpts.realtime)
	in.Close()
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", talkOpts.in, err)
	}

	endpoint, err := streamURL(talkOpts.url, talkOpts.user, talkOpts.chat, talkOpts.session)
	if err != nil {
		return err
	}

	out, err := os.Create(talkOpts.out)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	player := playback.NewWAVPlayer(out, talkOpts.realtime)
	defer func() {
		if err := player.Close(); err != nil {
			logger.Error("Failed to finish output file", "error", err)
		}
		out.Close()
	}()

	conn, err := transport.Dial(ctx, endpoint, nil, transport.DefaultConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", talkOpts.url, err)
	}
	defer conn.Close()

	cfg := client.DefaultConfig()
	cfg.SessionID = talkOpts.session
	cfg.ServerVAD = talkOpts.serverVAD
	cfg.ReplyTimeout = talkOpts.replyTimeout

	c := client.New(conn, player, cfg, logger)
	c.OnTranscript = func(role, text string) {
		fmt.Printf("%-9s %s\n", role+":", text)
	}

	fmt.Printf("Streaming %s (%s, %v)\n", talkOpts.in, src.Format(), src.Duration().Round(time.Millisecond))
	result, err := c.Run(ctx, src, src.Format())
	if err != nil {
		return err
	}

	summary, _ := json.MarshalIndent(result, "", "  ")
	fmt.Printf("%s\nPlayed %v of audio to %s\n", summary, player.Played().Round(time.Millisecond), talkOpts.out)
	return nil
}

// streamURL adds the identity parameters the service requires.
func streamURL(base, user, chat, session string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", base, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("url must use ws or wss, got %q", u.Scheme)
	}
	q := u.Query()
	q.Set("user_id", user)
	q.Set("chat_id", chat)
	if session != "" {
		q.Set("session_id", session)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
