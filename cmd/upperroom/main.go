package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/elohims-media/upperroom/internal/auth"
	"github.com/elohims-media/upperroom/internal/config"
	"github.com/elohims-media/upperroom/internal/room"
	"github.com/elohims-media/upperroom/internal/store"
)

func main() {
	// Load configuration from environment
	cfg := config.Load()

	logger := newLogger(cfg.LogLevel)

	// Initialize the realtime store backend
	rt, err := newStore(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize store backend")
	}
	defer rt.Close()

	authSvc := newAuth(cfg, logger)

	sess := room.NewSession(room.Config{Root: cfg.RoomRoot}, rt, authSvc, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := sess.Open(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to open session")
	}
	defer sess.Close()

	logger.Info().Str("backend", cfg.Backend).Str("root", cfg.RoomRoot).Msg("Upper Room client starting")

	fmt.Println("UPPER ROOM — enter the fellowship chamber")
	fmt.Println("Commands: /register <email> <password> <name>, /login <email> <password>,")
	fmt.Println("          /logout, /who, /react <n> <emoji>, /quit. Anything else is sent as a message.")

	go renderEvents(sess)
	go inputLoop(ctx, cancel, sess)

	<-ctx.Done()
	fmt.Println("\nGoodbye.")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(lvl).
		With().Timestamp().Logger()
}

func newStore(cfg *config.Config, logger zerolog.Logger) (store.Realtime, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return store.NewMemory(), nil
	case config.BackendRedis:
		return store.NewRedis(store.RedisConfig{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RoomRoot,
		}, logger)
	case config.BackendWebsocket:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return store.DialWS(ctx, cfg.GatewayURL, logger)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func newAuth(cfg *config.Config, logger zerolog.Logger) auth.Service {
	if cfg.AuthBaseURL == "" {
		logger.Info().Msg("no AUTH_BASE_URL set, using in-memory auth")
		return auth.NewMock()
	}
	return auth.NewREST(cfg.AuthBaseURL, cfg.AuthAPIKey, logger)
}

// renderEvents prints the session's event stream to the terminal.
func renderEvents(sess *room.Session) {
	for ev := range sess.Events() {
		switch ev.Type {
		case room.EventStateChanged:
			fmt.Printf("-- %s --\n", ev.State)
		case room.EventMessageAdded:
			msg := ev.Message
			fmt.Printf("[%s] %s: %s\n", msg.Time().Format("15:04"), msg.AuthorName, msg.Text)
		case room.EventReactionChanged:
			msg := ev.Message
			var parts []string
			for emoji, uids := range msg.Reactions {
				parts = append(parts, fmt.Sprintf("%s %d", emoji, len(uids)))
			}
			fmt.Printf("   reactions on %q: %s\n", trim(msg.Text, 24), strings.Join(parts, "  "))
		case room.EventPresenceChanged:
			fmt.Printf("-- %d online --\n", len(ev.Online))
		case room.EventTypingChanged:
			if len(ev.Typing) > 0 {
				names := make([]string, len(ev.Typing))
				for i, t := range ev.Typing {
					names[i] = t.Name
				}
				verb := "is"
				if len(names) > 1 {
					verb = "are"
				}
				fmt.Printf("   %s %s typing...\n", strings.Join(names, ", "), verb)
			}
		case room.EventAlert:
			fmt.Printf("!! %s\n", ev.Alert)
		}
	}
}

// inputLoop reads commands and messages from stdin until EOF or /quit.
func inputLoop(ctx context.Context, cancel context.CancelFunc, sess *room.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "/") {
			// A line-based terminal cannot observe keystrokes, so report
			// one typing burst right before the send.
			sess.Typing(ctx)
			if err := sess.SendMessage(ctx, line); err != nil {
				continue // already surfaced as an alert event
			}
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "/register":
			if len(fields) < 4 {
				fmt.Println("usage: /register <email> <password> <display name>")
				continue
			}
			name := strings.Join(fields[3:], " ")
			if err := sess.SignUp(ctx, fields[1], fields[2], name); err != nil {
				fmt.Printf("!! %s\n", err)
			}
		case "/login":
			if len(fields) != 3 {
				fmt.Println("usage: /login <email> <password>")
				continue
			}
			if err := sess.SignIn(ctx, fields[1], fields[2]); err != nil {
				fmt.Printf("!! %s\n", err)
			}
		case "/logout":
			if err := sess.SignOut(ctx); err != nil {
				fmt.Printf("!! %s\n", err)
			}
		case "/who":
			online := sess.OnlineUsers()
			fmt.Printf("-- %d online --\n", len(online))
			for _, u := range online {
				fmt.Printf("   %s\n", u.Name)
			}
		case "/react":
			if len(fields) != 3 {
				fmt.Printf("usage: /react <n> <emoji>   (palette: %s)\n", strings.Join(room.QuickReactions, " "))
				continue
			}
			msgs := sess.Messages()
			n, err := strconv.Atoi(fields[1])
			if err != nil || n < 1 || n > len(msgs) {
				fmt.Printf("no message #%s\n", fields[1])
				continue
			}
			if err := sess.ToggleReaction(ctx, msgs[n-1].Key, fields[2]); err != nil {
				fmt.Printf("!! %s\n", err)
			}
		case "/quit":
			cancel()
			return
		default:
			fmt.Printf("unknown command %s\n", fields[0])
		}
	}
	cancel()
}

func trim(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
