package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/xaenox/supportchat/internal/channel"
	"github.com/xaenox/supportchat/internal/models"
	"github.com/xaenox/supportchat/internal/reconciler"
	"github.com/xaenox/supportchat/internal/session"
	"go.uber.org/zap"
)

var chatCmd = &cobra.Command{
	Use:   "chat [session-id]",
	Short: "Start or continue a chat",
	Long: `Opens an interactive chat. Lines are sent to the support bot.

In-chat commands:
  /escalate   hand the chat to a human
  /end        end the session
  /quit       leave without ending`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var focused func() string
		observer := func(ch session.Change) {
			if focused == nil || ch.Session.ID != focused() || len(ch.Session.Messages) == 0 {
				return
			}
			switch channel.EventKind(ch.Op) {
			case channel.EventMessageAck, channel.EventAgentMessageSent:
				printMessage(cmd, ch.Session.Messages[len(ch.Session.Messages)-1])
			}
		}
		return withApp(observer, func(ctx context.Context, a *app) error {
			c := a.controller
			focused = c.ActiveID
			a.runChannel(ctx)

			if _, err := c.LoadHistory(ctx); err != nil {
				a.logger.Warn("Continuing without history", zap.Error(err))
			}

			var id string
			if len(args) == 1 {
				id = args[0]
			} else {
				s, err := c.Create(ctx)
				if err != nil {
					return err
				}
				id = s.ID
			}
			if err := c.Focus(ctx, id); err != nil {
				return err
			}

			s, _ := c.Session(id)
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s (%s)\n", s.ID, s.Title)
			for i := range s.Messages {
				fmt.Fprintln(cmd.OutOrStdout(), messageLine(s.Messages, i))
			}
			return chatLoop(ctx, cmd, c, id)
		})
	},
}

func chatLoop(ctx context.Context, cmd *cobra.Command, c *session.Controller, id string) error {
	out := cmd.OutOrStdout()
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		fmt.Fprint(out, "> ")
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
			continue
		case "/quit":
			return nil
		case "/end":
			if _, err := c.EndSession(ctx, id); err != nil {
				report(cmd, err)
				continue
			}
			fmt.Fprintln(out, "Session ended.")
			return nil
		case "/escalate":
			if _, err := c.Escalate(ctx, id); err != nil {
				report(cmd, err)
				continue
			}
			fmt.Fprintln(out, "A support agent will join shortly.")
			continue
		}

		res, err := c.SendUserMessage(ctx, id, line)
		if err != nil {
			report(cmd, err)
			continue
		}
		if res.Reply != nil {
			printMessage(cmd, *res.Reply)
		}
		switch {
		case res.Escalated:
			fmt.Fprintln(out, "Your chat was handed to a support agent.")
		case res.EscalationOffered:
			fmt.Fprintln(out, "Not what you needed? Type /escalate to talk to a person.")
		}
	}
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List your chat sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		return withApp(nil, func(ctx context.Context, a *app) error {
			if _, err := a.controller.LoadHistory(ctx); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tMODE\tPRIORITY\tUPDATED\tTITLE")
			for _, s := range a.controller.Sessions(session.Filter{Status: models.SessionStatus(status)}) {
				title := s.Title
				if reconciler.PendingReply(s.Messages) {
					title += " " + waitingMarker
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					s.ID, s.Status, s.Mode(), s.Priority, s.UpdatedAt.Format(time.RFC3339), title)
			}
			return w.Flush()
		})
	},
}

var transcriptCmd = &cobra.Command{
	Use:   "transcript <session-id>",
	Short: "Print a session transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(nil, func(ctx context.Context, a *app) error {
			if _, err := a.controller.LoadHistory(ctx); err != nil {
				return err
			}
			out, err := a.controller.Transcript(args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		})
	},
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List support agents and their load",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(nil, func(ctx context.Context, a *app) error {
			agents, err := a.controller.Agents(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tLOAD")
			for _, ag := range agents {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\n", ag.ID, ag.Name, ag.Status, len(ag.CurrentSessions), ag.MaxSessions)
			}
			return w.Flush()
		})
	},
}

// sessionCommand builds an admin command acting on one session. The session
// is loaded from history, or tracked empty when the user has no such chat.
func sessionCommand(use, short string, nargs int, op func(ctx context.Context, c *session.Controller, args []string) (models.Session, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(nil, func(ctx context.Context, a *app) error {
				c := a.controller
				if _, err := c.LoadHistory(ctx); err != nil {
					a.logger.Warn("Continuing without history", zap.Error(err))
				}
				if err := c.Focus(ctx, args[0]); err != nil {
					return err
				}
				s, err := op(ctx, c, args)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: status=%s mode=%s priority=%s assignee=%s tags=%s\n",
					s.ID, s.Status, s.Mode(), s.Priority, orNone(s.AssigneeName), strings.Join(s.Tags, ","))
				return nil
			})
		},
	}
}

var deleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session and its ticket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(nil, func(ctx context.Context, a *app) error {
			if _, err := a.controller.LoadHistory(ctx); err != nil {
				a.logger.Warn("Continuing without history", zap.Error(err))
			}
			if err := a.controller.Focus(ctx, args[0]); err != nil {
				return err
			}
			if err := a.controller.DeleteSession(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		})
	},
}

func init() {
	historyCmd.Flags().String("status", "", "Only sessions with this status (active, resolved)")

	rootCmd.AddCommand(chatCmd, historyCmd, transcriptCmd, agentsCmd, deleteCmd)
	rootCmd.AddCommand(
		sessionCommand("escalate <session-id>", "Hand a session to the human queue", 1,
			func(ctx context.Context, c *session.Controller, args []string) (models.Session, error) {
				return c.Escalate(ctx, args[0])
			}),
		sessionCommand("assign <session-id> <agent-id>", "Assign a session to an agent", 2,
			func(ctx context.Context, c *session.Controller, args []string) (models.Session, error) {
				return c.Assign(ctx, args[0], args[1])
			}),
		sessionCommand("resolve <session-id>", "Resolve a session", 1,
			func(ctx context.Context, c *session.Controller, args []string) (models.Session, error) {
				return c.Resolve(ctx, args[0])
			}),
		sessionCommand("reopen <session-id>", "Reopen a resolved session", 1,
			func(ctx context.Context, c *session.Controller, args []string) (models.Session, error) {
				return c.Reopen(ctx, args[0])
			}),
		sessionCommand("priority <session-id> <low|medium|high>", "Set session priority", 2,
			func(ctx context.Context, c *session.Controller, args []string) (models.Session, error) {
				p := models.Priority(args[1])
				return c.UpdateMeta(ctx, args[0], session.MetaPatch{Priority: &p})
			}),
		sessionCommand("tag <session-id> <tag>", "Add a tag", 2,
			func(ctx context.Context, c *session.Controller, args []string) (models.Session, error) {
				return c.AddTag(ctx, args[0], args[1])
			}),
		sessionCommand("untag <session-id> <tag>", "Remove a tag", 2,
			func(ctx context.Context, c *session.Controller, args []string) (models.Session, error) {
				return c.RemoveTag(ctx, args[0], args[1])
			}),
		sessionCommand("reply <session-id> <agent-id> <text>", "Send a reply as an agent", 3,
			func(ctx context.Context, c *session.Controller, args []string) (models.Session, error) {
				if _, err := c.SendAgentMessage(ctx, args[0], args[1], args[2]); err != nil {
					return models.Session{}, err
				}
				return c.Session(args[0])
			}),
	)
}

const waitingMarker = "(waiting for reply)"

func printMessage(cmd *cobra.Command, m models.Message) {
	fmt.Fprintln(cmd.OutOrStdout(), formatMessage(m))
}

func formatMessage(m models.Message) string {
	who := "you"
	switch {
	case m.IsAgent:
		who = "agent"
	case m.Role == models.RoleAssistant:
		who = "bot"
	}
	return fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), who, m.Content)
}

// messageLine formats msgs[i], marking a user message nobody has answered.
func messageLine(msgs []models.Message, i int) string {
	line := formatMessage(msgs[i])
	if reconciler.AwaitingResponse(msgs, i) {
		line += " " + waitingMarker
	}
	return line
}

func report(cmd *cobra.Command, err error) {
	if e, ok := err.(*models.Error); ok {
		fmt.Fprintf(cmd.ErrOrStderr(), "! %s\n", e.UserMessage())
		return
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "! %v\n", err)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
