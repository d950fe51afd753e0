package store

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/alphadose/haxmap"

	"github.com/conduithq/conduit/tool"
)

// Memory is an in-memory Store for tests and single-process embedding. Each
// entity family lives in its own concurrent map; ordering is reconstructed
// from creation timestamps.
type Memory struct {
	conversations *haxmap.Map[string, Conversation]
	messages      *haxmap.Map[string, Message]
	assistants    *haxmap.Map[string, Assistant]
	providers     *haxmap.Map[string, ProviderConfig]
	tasks         *haxmap.Map[string, Task]
}

var _ Store = (*Memory)(nil)

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: haxmap.New[string, Conversation](),
		messages:      haxmap.New[string, Message](),
		assistants:    haxmap.New[string, Assistant](),
		providers:     haxmap.New[string, ProviderConfig](),
		tasks:         haxmap.New[string, Task](),
	}
}

// PutConversation inserts or replaces a conversation.
func (m *Memory) PutConversation(c Conversation) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	m.conversations.Set(c.ID, c)
}

// PutAssistant inserts or replaces an assistant.
func (m *Memory) PutAssistant(a Assistant) {
	m.assistants.Set(a.ID, a)
}

// PutProvider inserts or replaces a provider configuration.
func (m *Memory) PutProvider(p ProviderConfig) {
	m.providers.Set(p.ID, p)
}

// PutTask inserts or replaces a task.
func (m *Memory) PutTask(t Task) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	m.tasks.Set(t.ID, t)
}

func (m *Memory) Conversation(_ context.Context, id string) (Conversation, error) {
	c, ok := m.conversations.Get(id)
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) Messages(_ context.Context, conversationID string) ([]Message, error) {
	var msgs []Message
	m.messages.ForEach(func(_ string, msg Message) bool {
		if msg.ConversationID == conversationID {
			msgs = append(msgs, cloneMessage(msg))
		}
		return true
	})
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs, nil
}

func (m *Memory) Message(_ context.Context, id string) (Message, error) {
	msg, ok := m.messages.Get(id)
	if !ok {
		return Message{}, ErrNotFound
	}
	return cloneMessage(msg), nil
}

func (m *Memory) AppendMessage(_ context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	m.messages.Set(msg.ID, cloneMessage(*msg))
	return nil
}

func (m *Memory) UpdateMessage(_ context.Context, id, content, status string, calls []tool.CallRecord) error {
	msg, ok := m.messages.Get(id)
	if !ok {
		return ErrNotFound
	}
	msg.Content = content
	msg.Status = status
	msg.ToolCalls = slices.Clone(calls)
	m.messages.Set(id, msg)
	return nil
}

func (m *Memory) Assistant(_ context.Context, id string) (Assistant, error) {
	a, ok := m.assistants.Get(id)
	if !ok {
		return Assistant{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) Provider(_ context.Context, id string) (ProviderConfig, error) {
	p, ok := m.providers.Get(id)
	if !ok {
		return ProviderConfig{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) Task(_ context.Context, id string) (Task, error) {
	t, ok := m.tasks.Get(id)
	if !ok {
		return Task{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) TasksByStatus(_ context.Context, status string) ([]Task, error) {
	var tasks []Task
	m.tasks.ForEach(func(_ string, t Task) bool {
		if t.Status == status {
			tasks = append(tasks, t)
		}
		return true
	})
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (m *Memory) UpdateTask(_ context.Context, task Task) error {
	if _, ok := m.tasks.Get(task.ID); !ok {
		return ErrNotFound
	}
	task.UpdatedAt = time.Now()
	m.tasks.Set(task.ID, task)
	return nil
}

func cloneMessage(msg Message) Message {
	msg.ToolCalls = slices.Clone(msg.ToolCalls)
	return msg
}
