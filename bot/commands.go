package bot

import (
	"context"
	"log/slog"
	"strings"

	"github.com/wirestream/chatbot/db"
	"github.com/wirestream/chatbot/platform"
	"github.com/wirestream/chatbot/telemetry"
)

// handleChat processes one normalized inbound event: credit the chatter, then
// match the channel's commands and enqueue the response through the outbox so
// it goes through the same rate and dedup gates as every other send.
func (rt *Runtime) handleChat(ctx context.Context, s *Session, ev platform.ChatEvent) {
	if ev.UserID == "" || strings.TrimSpace(ev.Text) == "" {
		return
	}
	rt.Credits.Notify(s.Slug, ev.UserID, ev.DisplayName)

	cmd, ok := matchCommand(rt.commandsFor(ctx, s), ev.Text)
	if !ok {
		return
	}
	if cmd.OnlyWhenLive && !s.Live() {
		return
	}
	if !roleAllowed(cmd.AllowedRoles, s, ev) {
		return
	}
	telemetry.CommandsMatched.Inc()
	if err := db.EnqueueOutbox(ctx, rt.DB, s.ChannelID, s.Slug, cmd.Response); err != nil {
		slog.Error("enqueue command response failed",
			slog.Int64("channel_id", s.ChannelID), slog.String("trigger", cmd.Trigger), slog.Any("err", err))
	}
}

// commandsFor returns the session's commands, refreshing from the store when
// the cache is stale. A load failure logs and serves nothing rather than
// failing the inbound event.
func (rt *Runtime) commandsFor(ctx context.Context, s *Session) []Command {
	if cmds, ok := s.cachedCommands(rt.Cfg.CommandsCacheTTL); ok {
		return cmds
	}
	rows, err := db.ListCommands(ctx, rt.DB, s.ChannelID)
	if err != nil {
		slog.Warn("load commands failed", slog.Int64("channel_id", s.ChannelID), slog.Any("err", err))
		return nil
	}
	cmds := make([]Command, 0, len(rows))
	for _, r := range rows {
		c := Command{Trigger: r.Trigger, Response: r.Response, OnlyWhenLive: r.OnlyWhenLive}
		if r.AllowedRoles != "" {
			for _, role := range strings.Split(r.AllowedRoles, ",") {
				if role = strings.TrimSpace(role); role != "" {
					c.AllowedRoles = append(c.AllowedRoles, strings.ToLower(role))
				}
			}
		}
		cmds = append(cmds, c)
	}
	s.setCommands(cmds)
	return cmds
}

// matchCommand matches the first token of the message against triggers,
// case-insensitively.
func matchCommand(cmds []Command, text string) (Command, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Command{}, false
	}
	first := strings.ToLower(fields[0])
	for _, c := range cmds {
		if strings.ToLower(c.Trigger) == first {
			return c, true
		}
	}
	return Command{}, false
}

// roleAllowed gates restricted commands. Inbound events carry no role data
// from most platforms, so the only role we can verify is the broadcaster
// (sender login matches the channel slug); "everyone" opens the command up.
func roleAllowed(roles []string, s *Session, ev platform.ChatEvent) bool {
	if len(roles) == 0 {
		return true
	}
	for _, r := range roles {
		switch r {
		case "everyone":
			return true
		case "broadcaster":
			if strings.EqualFold(ev.Login, s.Slug) {
				return true
			}
		}
	}
	return false
}
