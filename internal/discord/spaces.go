package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"calbot/internal/gateway"
)

// threadArchiveMinutes is the auto-archive duration of created threads.
const threadArchiveMinutes = 10080

func (c *Client) channels(ctx context.Context) ([]*discordgo.Channel, error) {
	chs, err := c.s.GuildChannels(c.guildID, opts(ctx))
	if err != nil {
		return nil, translate(err)
	}
	return chs, nil
}

func findChannel(chs []*discordgo.Channel, typ discordgo.ChannelType, parentID, name string) (*discordgo.Channel, bool) {
	for _, ch := range chs {
		if ch.Type == typ && ch.ParentID == parentID && ch.Name == name {
			return ch, true
		}
	}
	return nil, false
}

func (c *Client) FindCategory(ctx context.Context, name string) (string, bool, error) {
	chs, err := c.channels(ctx)
	if err != nil {
		return "", false, err
	}
	if ch, ok := findChannel(chs, discordgo.ChannelTypeGuildCategory, "", name); ok {
		return ch.ID, true, nil
	}
	return "", false, nil
}

func (c *Client) EnsureCategory(ctx context.Context, name string) (string, error) {
	id, ok, err := c.FindCategory(ctx, name)
	if err != nil || ok {
		return id, err
	}
	ch, err := c.s.GuildChannelCreateComplex(c.guildID, discordgo.GuildChannelCreateData{
		Name: name,
		Type: discordgo.ChannelTypeGuildCategory,
	}, opts(ctx))
	if err != nil {
		return "", translate(err)
	}
	return ch.ID, nil
}

func (c *Client) FindForum(ctx context.Context, categoryID, name string) (gateway.Forum, bool, error) {
	chs, err := c.channels(ctx)
	if err != nil {
		return gateway.Forum{}, false, err
	}
	if ch, ok := findChannel(chs, discordgo.ChannelTypeGuildForum, categoryID, name); ok {
		return gateway.Forum{ID: ch.ID, Name: ch.Name}, true, nil
	}
	return gateway.Forum{}, false, nil
}

// CreateForum creates a forum that the everyone role cannot see and
// gives it the tags.
func (c *Client) CreateForum(ctx context.Context, categoryID, name string, tags []string) (gateway.Forum, error) {
	ch, err := c.s.GuildChannelCreateComplex(c.guildID, discordgo.GuildChannelCreateData{
		Name:     name,
		Type:     discordgo.ChannelTypeGuildForum,
		ParentID: categoryID,
		PermissionOverwrites: []*discordgo.PermissionOverwrite{{
			// The everyone role shares the guild's id.
			ID:   c.guildID,
			Type: discordgo.PermissionOverwriteTypeRole,
			Deny: discordgo.PermissionViewChannel,
		}},
	}, opts(ctx))
	if err != nil {
		return gateway.Forum{}, translate(err)
	}

	if len(tags) > 0 {
		forumTags := make([]discordgo.ForumTag, 0, len(tags))
		for _, t := range tags {
			forumTags = append(forumTags, discordgo.ForumTag{Name: t})
		}
		if _, err := c.s.ChannelEdit(ch.ID, &discordgo.ChannelEdit{AvailableTags: &forumTags}, opts(ctx)); err != nil {
			return gateway.Forum{}, fmt.Errorf("set forum tags: %w", translate(err))
		}
	}
	return gateway.Forum{ID: ch.ID, Name: ch.Name}, nil
}

func (c *Client) CreateThread(ctx context.Context, forumID, name, content string) (string, error) {
	th, err := c.s.ForumThreadStart(forumID, name, threadArchiveMinutes, content, opts(ctx))
	if err != nil {
		return "", translate(err)
	}
	return th.ID, nil
}

// FindThread looks at active threads first, then at archived ones.
func (c *Client) FindThread(ctx context.Context, forumID, name string) (string, bool, error) {
	active, err := c.s.GuildThreadsActive(c.guildID, opts(ctx))
	if err != nil {
		return "", false, translate(err)
	}
	if id, ok := threadByName(active, forumID, name); ok {
		return id, true, nil
	}

	archived, err := c.s.ThreadsArchived(forumID, nil, 50, opts(ctx))
	if err != nil {
		return "", false, translate(err)
	}
	id, ok := threadByName(archived, forumID, name)
	return id, ok, nil
}

func threadByName(list *discordgo.ThreadsList, forumID, name string) (string, bool) {
	if list == nil {
		return "", false
	}
	for _, th := range list.Threads {
		if th.ParentID == forumID && th.Name == name {
			return th.ID, true
		}
	}
	return "", false
}

func (c *Client) SetReadAccess(ctx context.Context, forumID, userID string, read bool) error {
	var allow, deny int64
	if read {
		allow = discordgo.PermissionViewChannel
	} else {
		deny = discordgo.PermissionViewChannel
	}
	return translate(c.s.ChannelPermissionSet(forumID, userID, discordgo.PermissionOverwriteTypeMember, allow, deny, opts(ctx)))
}

func (c *Client) AddThreadMember(ctx context.Context, threadID, userID string) error {
	return translate(c.s.ThreadMemberAdd(threadID, userID, opts(ctx)))
}
