package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/mechanicworks/mechanic/pkg/mechanic/agent"
)

// newChatCmd creates the `mechanic chat` command: a local REPL against the
// configured providers, no Discord connection and no tools.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the bot locally without Discord",
		Long: `Chat with the bot in the terminal. Useful for trying out prompts
and personality settings before deploying. Guild tools are disabled
because there is no guild.

Examples:
  mechanic chat "what's your deal"
  mechanic chat  # interactive mode`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().StringP("model", "m", "", "override the primary model")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger := newLogger(cmd, cfg)

	if model, _ := cmd.Flags().GetString("model"); model != "" {
		cfg.Responder.Models = []string{model}
	}

	primary := agent.NewClient(cfg.Providers.Primary, logger)
	secondary := agent.NewClient(cfg.Providers.Secondary, logger)
	runtime := agent.NewRuntime(primary, secondary, nil, nil, logger)
	renderer := agent.NewRenderer(primary, cfg.Personality, logger)

	session := &chatSession{
		cfg:      cfg,
		runtime:  runtime,
		renderer: renderer,
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if len(args) > 0 {
		reply, err := session.turn(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	}

	rl, err := readline.New(cfg.BotName + "> ")
	if err != nil {
		return fmt.Errorf("starting readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("Interactive chat. Type /quit to exit, /reset to clear history.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			session.history = nil
			session.styleHistory = nil
			fmt.Println("history cleared")
			continue
		}

		reply, err := session.turn(ctx, line)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Println(reply)
	}
}

// chatSession keeps the REPL's in-memory conversation state.
type chatSession struct {
	cfg          *agent.Config
	runtime      *agent.Runtime
	renderer     *agent.Renderer
	history      []agent.ChatMessage
	styleHistory []string
}

// turn runs one user message through the reply pipeline.
func (s *chatSession) turn(ctx context.Context, text string) (string, error) {
	s.history = append(s.history, agent.ChatMessage{Role: "user", Content: text})

	turnCfg := s.cfg.Responder
	turnCfg.EnableTools = false

	reply, err := s.runtime.GenerateReply(ctx, agent.ReplyRequest{
		History:        s.history,
		LatestUserText: text,
		Responder:      turnCfg,
	})
	if err != nil {
		return "", err
	}

	render := s.renderer.Render(ctx, reply.RawDraft, s.styleHistory)
	final := render.FinalText
	if final == "" {
		final = s.cfg.Responder.FallbackReply
	}

	s.history = append(s.history, agent.ChatMessage{Role: "assistant", Content: final})
	if render.Styled {
		s.styleHistory = append(s.styleHistory, final)
		if max := s.cfg.Personality.MaxStyleHistoryTurns; max > 0 && len(s.styleHistory) > max {
			s.styleHistory = s.styleHistory[len(s.styleHistory)-max:]
		}
	}
	return final, nil
}
