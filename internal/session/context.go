package session

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rcliao/storyloom/internal/errs"
	"github.com/rcliao/storyloom/internal/llm"
	"github.com/rcliao/storyloom/internal/model"
	"github.com/rcliao/storyloom/internal/retrieval"
)

// PromptContext is the assembled input of one generation.
type PromptContext struct {
	SessionID string       `json:"session_id"`
	Role      model.AIRole `json:"role"`
	Query     string       `json:"query"`
	// Budget is the role's token budget; Used is what the prompt costs.
	Budget   int                    `json:"budget"`
	Used     int                    `json:"used"`
	Memories []model.MemoryFragment `json:"memories"`
	History  []model.Message        `json:"history"`
	// Dropped counts memories and history messages cut to fit the budget.
	Dropped int `json:"dropped"`
	// Stale is set when memory came from a cache that could not be
	// reconciled with the remote authority.
	Stale bool `json:"stale"`
}

// BuildContext embeds queryText, retrieves the session's most relevant
// memories and combines them with the role's system prompt and the recent
// thread, within the role's MaxTokens budget. Over budget, the oldest
// non-pinned memories are dropped first, then the oldest history.
func (o *Orchestrator) BuildContext(ctx context.Context, sessionID, roleID, queryText string) (*PromptContext, error) {
	role, err := o.deps.Roles.Get(roleID)
	if err != nil {
		return nil, err
	}
	if _, err := o.deps.Store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return o.buildContext(ctx, sessionID, role, queryText)
}

func (o *Orchestrator) buildContext(ctx context.Context, sessionID string, role model.AIRole, queryText string) (*PromptContext, error) {
	pc := &PromptContext{
		SessionID: sessionID,
		Role:      role,
		Query:     queryText,
		Budget:    role.MaxTokens,
		Memories:  []model.MemoryFragment{},
	}

	if strings.TrimSpace(queryText) != "" && o.deps.Retriever != nil && o.deps.Embedder != nil {
		vec, err := o.deps.Embedder.Embed(ctx, queryText)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		res, err := o.deps.Retriever.Retrieve(ctx, sessionID, vec, o.cfg.RetrieveK, retrieval.Filters{})
		if err != nil {
			return nil, err
		}
		pc.Memories, pc.Stale = res.Fragments, res.Stale
	}

	thread, err := o.Thread(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, m := range thread {
		if m.Status == model.StatusSuccess {
			pc.History = append(pc.History, m)
		}
	}
	if n := len(pc.History); n > o.cfg.HistoryTurns {
		pc.History = pc.History[n-o.cfg.HistoryTurns:]
	}
	// The query is sent as the final turn; drop it from history when it is
	// the latest author message.
	if n := len(pc.History); n > 0 && pc.History[n-1].IsAuthor() && pc.History[n-1].Content == queryText {
		pc.History = pc.History[:n-1]
	}

	o.fit(pc)
	return pc, nil
}

// fit trims pc to its budget.
func (o *Orchestrator) fit(pc *PromptContext) {
	cost := func() int {
		total := 0
		for _, m := range pc.Request().Messages {
			total += o.deps.Tokens.Count(m.Content)
		}
		return total
	}

	pc.Used = cost()
	for pc.Used > pc.Budget {
		if i := oldestUnpinned(pc.Memories); i >= 0 {
			pc.Memories = append(pc.Memories[:i], pc.Memories[i+1:]...)
		} else if len(pc.History) > 0 {
			pc.History = pc.History[1:]
		} else {
			o.log.Warn("prompt exceeds role budget after truncation",
				"session_id", pc.SessionID, "role", pc.Role.ID, "budget", pc.Budget, "used", pc.Used)
			return
		}
		pc.Dropped++
		pc.Used = cost()
	}
}

func oldestUnpinned(frags []model.MemoryFragment) int {
	idx := -1
	for i, f := range frags {
		if f.Pinned {
			continue
		}
		if idx < 0 || f.Timestamp < frags[idx].Timestamp {
			idx = i
		}
	}
	return idx
}

// Request renders the context as a completion request: the system prompt
// with the memories appended, the history, then the query.
func (pc *PromptContext) Request() llm.CompletionRequest {
	var sys strings.Builder
	sys.WriteString(pc.Role.SystemPrompt)
	if len(pc.Memories) > 0 {
		sys.WriteString("\n\nStory memory, most relevant first:\n")
		mems := append([]model.MemoryFragment(nil), pc.Memories...)
		sort.SliceStable(mems, func(i, j int) bool { return mems[i].Pinned && !mems[j].Pinned })
		for _, f := range mems {
			fmt.Fprintf(&sys, "- [%s] %s\n", f.Kind, f.Text)
		}
	}

	msgs := []llm.Message{{Role: llm.RoleSystem, Content: strings.TrimRight(sys.String(), "\n")}}
	for _, m := range pc.History {
		switch {
		case m.IsAuthor():
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case m.Role == pc.Role.ID:
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
		default:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: "(" + m.Role + ") " + m.Content})
		}
	}
	if pc.Query != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: pc.Query})
	}
	return llm.CompletionRequest{
		Messages:    msgs,
		Temperature: pc.Role.Temperature,
		MaxTokens:   pc.Role.MaxTokens,
	}
}

// validateFragment fills defaults for a memory recorded by the orchestrator.
func validateFragment(f *model.MemoryFragment, sess model.StorySession) error {
	if strings.TrimSpace(f.Text) == "" {
		return errs.Validation("memory text is required")
	}
	if f.SessionID == "" {
		f.SessionID = sess.ID
	}
	if f.SessionID != sess.ID {
		return errs.Validation("memory belongs to session %s, not %s", f.SessionID, sess.ID)
	}
	if f.Kind == "" {
		f.Kind = sess.Kind
	}
	return nil
}
