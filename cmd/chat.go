package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/novabot/novabot-cli/api"
	"github.com/novabot/novabot-cli/chatlog"
	"github.com/novabot/novabot-cli/markdown"
)

// chatSession is one conversation with the assistant. Every answered turn
// is written to the conversation log.
type chatSession struct {
	client   *api.Client
	log      *chatlog.Log
	opts     api.ChatOptions
	id       string
	messages []chatlog.Message
	render   func(string) string
}

// ask sends text as the next user turn. A failed turn is not kept.
func (s *chatSession) ask(cmd *cobra.Command, text string) error {
	s.messages = append(s.messages, chatlog.Message{Role: api.RoleUser, Content: text})

	reply, err := s.client.Chat(cmd.Context(), s.wire(), s.opts)
	if err == nil && reply.Error != "" {
		err = errors.New(reply.Error)
	}
	if err == nil && reply.Content == "" {
		err = errors.New("the assistant returned an empty reply")
	}
	if err != nil {
		s.messages = s.messages[:len(s.messages)-1]
		return err
	}

	s.messages = append(s.messages, chatlog.Message{Role: api.RoleAssistant, Content: reply.Content})
	fmt.Fprintln(cmd.OutOrStdout(), s.render(reply.Content))

	conv, err := s.log.Save(s.id, s.messages)
	if err != nil {
		log.Warn().Err(err).Msg("failed to save conversation")
		return nil
	}
	s.id = conv.ID
	return nil
}

func (s *chatSession) wire() []api.Message {
	out := make([]api.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = api.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func chatCmd(a *app) *cobra.Command {
	var resume, system string
	var raw bool

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the assistant",
		Long: "Send a single message, or start an interactive chat when no message is " +
			"given. Type /new to start over and /exit to leave.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.session(cmd)
			if err != nil {
				return err
			}

			s := &chatSession{
				client: c,
				log:    chatlog.New(a.store),
				opts:   a.chatOptions(),
				render: markdown.Render,
			}
			if raw {
				s.render = func(text string) string { return text }
			}

			if resume != "" {
				conv, err := s.log.Get(resume)
				if err != nil {
					return err
				}
				s.id = conv.ID
				s.messages = conv.Messages
			} else if system != "" {
				s.messages = []chatlog.Message{{Role: api.RoleSystem, Content: system}}
			}

			if len(args) > 0 {
				return s.ask(cmd, strings.Join(args, " "))
			}
			return s.interactive(cmd)
		},
	}

	cmd.Flags().StringVarP(&resume, "continue", "c", "", "Continue the saved conversation with this ID")
	cmd.Flags().StringVarP(&system, "system", "s", "", "System prompt for a new conversation")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print replies without markdown rendering")
	return cmd
}

// interactive reads user turns until /exit or end of input.
func (s *chatSession) interactive(cmd *cobra.Command) error {
	p := newPrompter(cmd)
	cmd.PrintErrln("Chatting with " + s.opts.Provider + ". Type /exit to leave.")

	for {
		text, err := p.line("You: ")
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		switch text {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/new":
			s.id = ""
			s.messages = nil
			cmd.PrintErrln("Started a new conversation.")
			continue
		}

		if err := s.ask(cmd, text); err != nil {
			if cmd.Context().Err() != nil {
				return err
			}
			cmd.PrintErrf("Error: %v\n", err)
		}
	}
}
