// Package gatewaytest provides an in-memory chat platform for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"calbot/internal/gateway"
	"calbot/internal/model"
)

// Message is a message held by the fake.
type Message struct {
	ChannelID string
	Text      string
	Reactions map[string]int
}

// Fake implements gateway.Gateway and gateway.Spaces in memory and
// records every mutating call.
type Fake struct {
	mu sync.Mutex

	nextID   int
	Events   map[string]model.PlatformEvent
	Messages map[string]*Message

	Categories map[string]string          // name -> id
	Forums     map[string][]gateway.Forum // category id -> forums
	ForumTags  map[string][]string        // forum id -> tags
	Threads    map[string]map[string]string
	Access     map[string]map[string]bool // forum id -> user -> read
	Members    map[string][]string        // thread id -> users

	// Calls lists mutating calls as "op:arg".
	Calls []string

	// Fail makes the named operation return the given error.
	Fail map[string]error
}

// New returns an empty fake platform.
func New() *Fake {
	return &Fake{
		nextID:     100,
		Events:     make(map[string]model.PlatformEvent),
		Messages:   make(map[string]*Message),
		Categories: make(map[string]string),
		Forums:     make(map[string][]gateway.Forum),
		ForumTags:  make(map[string][]string),
		Threads:    make(map[string]map[string]string),
		Access:     make(map[string]map[string]bool),
		Members:    make(map[string][]string),
		Fail:       make(map[string]error),
	}
}

var _ gateway.Gateway = (*Fake)(nil)
var _ gateway.Spaces = (*Fake)(nil)

func (f *Fake) id() string {
	f.nextID++
	return strconv.Itoa(f.nextID)
}

func (f *Fake) record(op, arg string) error {
	if err, ok := f.Fail[op]; ok {
		return err
	}
	f.Calls = append(f.Calls, op+":"+arg)
	return nil
}

// ResetCalls clears the call log.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = nil
}

// CallCount returns how many recorded calls start with op.
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if strings.HasPrefix(c, op+":") {
			n++
		}
	}
	return n
}

// SetReactions sets the reaction count of a message.
func (f *Fake) SetReactions(messageID, emoji string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.Messages[messageID]; ok {
		m.Reactions[emoji] = n
	}
}

// Seed adds an existing platform event and returns it with its id.
func (f *Fake) Seed(ev model.PlatformEvent) model.PlatformEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.ID == "" {
		ev.ID = f.id()
	}
	f.Events[ev.ID] = ev
	return ev
}

// SeedMessage adds an existing message and returns its id.
func (f *Fake) SeedMessage(channelID, text string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id()
	f.Messages[id] = &Message{ChannelID: channelID, Text: text, Reactions: map[string]int{}}
	return id
}

// EventsByName returns the live events called name.
func (f *Fake) EventsByName(name string) []model.PlatformEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.PlatformEvent
	for _, ev := range f.Events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (f *Fake) ScheduledEvents(context.Context) ([]model.PlatformEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.Fail["ScheduledEvents"]; ok {
		return nil, err
	}
	out := make([]model.PlatformEvent, 0, len(f.Events))
	for _, ev := range f.Events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) CreateScheduledEvent(_ context.Context, fields gateway.EventFields) (model.PlatformEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateScheduledEvent", fields.Name); err != nil {
		return model.PlatformEvent{}, err
	}
	ev := model.PlatformEvent{
		ID:          f.id(),
		Name:        fields.Name,
		Start:       fields.Start,
		End:         fields.End,
		ChannelID:   fields.ChannelID,
		Location:    fields.Location,
		Description: fields.Description,
	}
	ev.URL = "https://chat.example/events/" + ev.ID
	f.Events[ev.ID] = ev
	return ev, nil
}

func (f *Fake) EditScheduledEvent(_ context.Context, id string, fields gateway.EventFields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("EditScheduledEvent", id); err != nil {
		return err
	}
	ev, ok := f.Events[id]
	if !ok {
		return gateway.ErrNotFound
	}
	ev.Name, ev.Start, ev.End = fields.Name, fields.Start, fields.End
	ev.Location, ev.Description = fields.Location, fields.Description
	if fields.ChannelID != "" {
		ev.ChannelID = fields.ChannelID
	}
	f.Events[id] = ev
	return nil
}

func (f *Fake) DeleteScheduledEvent(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteScheduledEvent", id); err != nil {
		return err
	}
	if _, ok := f.Events[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(f.Events, id)
	return nil
}

func (f *Fake) SendMessage(_ context.Context, channelID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SendMessage", channelID); err != nil {
		return "", err
	}
	id := f.id()
	f.Messages[id] = &Message{ChannelID: channelID, Text: text, Reactions: map[string]int{}}
	return id, nil
}

func (f *Fake) message(ref gateway.MessageRef) (*Message, error) {
	m, ok := f.Messages[ref.MessageID]
	if !ok || m.ChannelID != ref.ChannelID {
		return nil, gateway.ErrNotFound
	}
	return m, nil
}

func (f *Fake) EditMessage(_ context.Context, ref gateway.MessageRef, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("EditMessage", ref.MessageID); err != nil {
		return err
	}
	m, err := f.message(ref)
	if err != nil {
		return err
	}
	m.Text = text
	return nil
}

func (f *Fake) DeleteMessage(_ context.Context, ref gateway.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteMessage", ref.MessageID); err != nil {
		return err
	}
	if _, err := f.message(ref); err != nil {
		return err
	}
	delete(f.Messages, ref.MessageID)
	return nil
}

func (f *Fake) AddReaction(_ context.Context, ref gateway.MessageRef, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddReaction", ref.MessageID); err != nil {
		return err
	}
	m, err := f.message(ref)
	if err != nil {
		return err
	}
	m.Reactions[emoji]++
	return nil
}

func (f *Fake) ReactionCount(_ context.Context, ref gateway.MessageRef, emoji string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.Fail["ReactionCount"]; ok {
		return 0, err
	}
	m, err := f.message(ref)
	if err != nil {
		return 0, err
	}
	return m.Reactions[emoji], nil
}

func (f *Fake) EnsureCategory(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.Categories[name]; ok {
		return id, nil
	}
	if err := f.record("CreateCategory", name); err != nil {
		return "", err
	}
	id := f.id()
	f.Categories[name] = id
	return id, nil
}

func (f *Fake) FindCategory(_ context.Context, name string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.Categories[name]
	return id, ok, nil
}

func (f *Fake) FindForum(_ context.Context, categoryID, name string) (gateway.Forum, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fo := range f.Forums[categoryID] {
		if fo.Name == name {
			return fo, true, nil
		}
	}
	return gateway.Forum{}, false, nil
}

func (f *Fake) CreateForum(_ context.Context, categoryID, name string, tags []string) (gateway.Forum, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateForum", name); err != nil {
		return gateway.Forum{}, err
	}
	fo := gateway.Forum{ID: f.id(), Name: name}
	f.Forums[categoryID] = append(f.Forums[categoryID], fo)
	f.ForumTags[fo.ID] = append([]string(nil), tags...)
	f.Threads[fo.ID] = make(map[string]string)
	f.Access[fo.ID] = make(map[string]bool)
	return fo, nil
}

func (f *Fake) CreateThread(_ context.Context, forumID, name, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateThread", name); err != nil {
		return "", err
	}
	threads, ok := f.Threads[forumID]
	if !ok {
		return "", fmt.Errorf("forum %s: %w", forumID, gateway.ErrNotFound)
	}
	id := f.id()
	threads[name] = id
	return id, nil
}

func (f *Fake) FindThread(_ context.Context, forumID, name string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.Threads[forumID][name]
	return id, ok, nil
}

func (f *Fake) SetReadAccess(_ context.Context, forumID, userID string, read bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SetReadAccess", userID); err != nil {
		return err
	}
	access, ok := f.Access[forumID]
	if !ok {
		return gateway.ErrNotFound
	}
	access[userID] = read
	return nil
}

func (f *Fake) AddThreadMember(_ context.Context, threadID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddThreadMember", userID); err != nil {
		return err
	}
	f.Members[threadID] = append(f.Members[threadID], userID)
	return nil
}
