// Package console is a line-oriented terminal client for the conversation.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexcompanion/internal/avatar"
	"github.com/normanking/cortexcompanion/internal/bus"
	"github.com/normanking/cortexcompanion/internal/turn"
)

const help = `Commands:
  /listen     speak instead of typing
  /stop       stop speaking and listening
  /replay N   speak message N again
  /quit       exit
Anything else is sent as a message.`

// Companion is the subset of the turn controller the console drives.
type Companion interface {
	Send(ctx context.Context, text string) error
	Listen(ctx context.Context) error
	StopListening(ctx context.Context) error
	Replay(ctx context.Context, index int) error
	StopSpeaking(ctx context.Context) error
}

// Console reads commands from in and prints conversation updates to out.
type Console struct {
	companion Companion
	in        io.Reader
	logger    zerolog.Logger

	mu      sync.Mutex
	out     io.Writer
	printed int
	emotion avatar.Emotion
	notice  string
}

// New creates a Console.
func New(logger zerolog.Logger, companion Companion, in io.Reader, out io.Writer) *Console {
	return &Console{
		companion: companion,
		in:        in,
		out:       out,
		logger:    logger.With().Str("component", "console").Logger(),
	}
}

// Subscribe prints state changes until the returned func is called.
func (c *Console) Subscribe(b *bus.EventBus) func() {
	return b.Subscribe(bus.EventTypeStateChanged, c.OnEvent)
}

// OnEvent prints new messages, emotion changes and notices.
func (c *Console) OnEvent(e bus.Event) {
	st, ok := e.Data["state"].(turn.State)
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := c.printed; i < len(st.Messages); i++ {
		m := st.Messages[i]
		fmt.Fprintf(c.out, "[%d] %s: %s\n", i, m.Role, m.Content)
	}
	if len(st.Messages) > c.printed {
		c.printed = len(st.Messages)
	}
	if st.Emotion != c.emotion {
		c.emotion = st.Emotion
		fmt.Fprintf(c.out, "(%s)\n", st.Emotion)
	}
	if st.Notice != c.notice {
		c.notice = st.Notice
		if st.Notice != "" {
			fmt.Fprintf(c.out, "! %s\n", st.Notice)
		}
	}
}

// Run reads lines until /quit, end of input or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	c.printf("%s\n", help)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			return err
		case line := <-lines:
			if quit := c.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func (c *Console) handle(ctx context.Context, line string) (quit bool) {
	if line == "" {
		return false
	}

	var err error
	switch cmd, arg, _ := strings.Cut(line, " "); cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		c.printf("%s\n", help)
	case "/listen":
		err = c.companion.Listen(ctx)
	case "/stop":
		if err = c.companion.StopSpeaking(ctx); err == nil {
			err = c.companion.StopListening(ctx)
		}
	case "/replay":
		n, convErr := strconv.Atoi(strings.TrimSpace(arg))
		if convErr != nil {
			c.printf("! usage: /replay N\n")
			return false
		}
		err = c.companion.Replay(ctx, n)
	default:
		if strings.HasPrefix(cmd, "/") {
			c.printf("! unknown command %s\n", cmd)
			return false
		}
		err = c.companion.Send(ctx, line)
	}
	if err != nil {
		c.logger.Debug().Err(err).Str("line", line).Msg("Console command rejected")
		c.printf("! %v\n", err)
	}
	return false
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
