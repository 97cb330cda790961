// Package session sequences the messages of writing sessions, runs AI role
// generations and assembles their prompt context from session memory.
//
// All mutations of one session go through a per-session lock, so version
// numbering and thread structure stay consistent while independent sessions
// proceed in parallel. AI replies are stored as pending and completed on a
// background goroutine; Await blocks until a generation settles.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rcliao/storyloom/internal/chunker"
	"github.com/rcliao/storyloom/internal/embedding"
	"github.com/rcliao/storyloom/internal/errs"
	"github.com/rcliao/storyloom/internal/llm"
	"github.com/rcliao/storyloom/internal/model"
	"github.com/rcliao/storyloom/internal/retrieval"
	"github.com/rcliao/storyloom/internal/store"
)

// Store is the local state the orchestrator writes through.
type Store interface {
	store.SessionStore
	store.MemoryStore
	NextVersion(ctx context.Context, sessionID, parentID, role string) (int, error)
	NewID() string
}

// Retriever ranks session memory for a query embedding.
type Retriever interface {
	Retrieve(ctx context.Context, sessionID string, query []float32, k int, f retrieval.Filters) (*retrieval.Result, error)
}

// Syncer is nudged after every local write.
type Syncer interface {
	Trigger()
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store     Store
	Retriever Retriever
	Embedder  embedding.Embedder
	Completer llm.Completer
	Tokens    llm.TokenCounter
	Roles     *RoleSet
	Sync      Syncer
	Logger    *slog.Logger
}

// Config tunes context assembly and generation.
type Config struct {
	// RetrieveK is how many memories are retrieved per prompt.
	RetrieveK int
	// HistoryTurns caps the thread messages included in a prompt.
	HistoryTurns int
	// CallTimeout bounds each embedding and completion call.
	CallTimeout time.Duration
	Chunk       chunker.Options
}

// DefaultConfig returns the default orchestrator settings.
func DefaultConfig() Config {
	return Config{
		RetrieveK:    8,
		HistoryTurns: 12,
		CallTimeout:  30 * time.Second,
		Chunk:        chunker.DefaultOptions(),
	}
}

// Orchestrator owns session and message state.
type Orchestrator struct {
	deps  Deps
	cfg   Config
	log   *slog.Logger
	locks *keyedMutex
	now   func() time.Time

	mu      sync.Mutex
	running map[string]chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// New creates an Orchestrator. Nil Roles and Tokens fall back to the
// presets and the character approximation.
func New(deps Deps, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.RetrieveK <= 0 {
		cfg.RetrieveK = def.RetrieveK
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = def.HistoryTurns
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if deps.Roles == nil {
		deps.Roles = DefaultRoles()
	}
	if deps.Tokens == nil {
		deps.Tokens = llm.ApproxCounter{}
	}
	if deps.Completer == nil {
		deps.Completer = llm.Unavailable{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{
		deps:    deps,
		cfg:     cfg,
		log:     deps.Logger,
		locks:   newKeyedMutex(),
		now:     time.Now,
		running: make(map[string]chan struct{}),
	}
}

// Roles returns the role registry.
func (o *Orchestrator) Roles() *RoleSet { return o.deps.Roles }

// CreateSession starts a new writing session.
func (o *Orchestrator) CreateSession(ctx context.Context, storyID, title string, kind model.Kind) (*model.StorySession, error) {
	if !model.ValidKinds[kind] {
		return nil, errs.Validation("invalid session kind %q", kind)
	}
	now := o.now().UnixMilli()
	sess := model.StorySession{
		ID:        uuid.NewString(),
		StoryID:   storyID,
		Title:     title,
		Kind:      kind,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.deps.Store.SaveSession(ctx, sess, store.WriteOpts{}); err != nil {
		return nil, err
	}
	o.log.Info("session created", "session_id", sess.ID, "story_id", storyID, "kind", kind)
	o.nudge()
	return &sess, nil
}

// AppendParams describes a new message.
type AppendParams struct {
	SessionID string
	// Role is model.AuthorRole or an AI role id.
	Role string
	// Content is the author's text. For AI roles it optionally overrides the
	// prompt, which otherwise is the prompting author message.
	Content string
	// ParentID defaults to the thread tip for author messages and to the
	// latest author message for AI replies.
	ParentID string
}

// AppendMessage adds a message to a session. Author messages are stored
// complete. AI messages are stored pending and generated in the background;
// use Await to wait for the outcome.
func (o *Orchestrator) AppendMessage(ctx context.Context, p AppendParams) (*model.Message, error) {
	if p.Role == model.AuthorRole {
		if p.Content == "" {
			return nil, errs.Validation("author message content is required")
		}
		return o.appendAuthor(ctx, p)
	}

	role, err := o.deps.Roles.Get(p.Role)
	if err != nil {
		return nil, err
	}
	if o.isClosed() {
		return nil, errs.InvalidState("orchestrator is closed")
	}

	unlock := o.locks.Lock(p.SessionID)
	defer unlock()

	sess, err := o.deps.Store.GetSession(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	thread, err := o.deps.Store.ListMessages(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	parentID := p.ParentID
	if parentID == "" {
		if a := lastAuthor(thread, len(thread)); a != nil {
			parentID = a.ID
		}
	}

	prompt := p.Content
	if prompt == "" {
		prompt = promptFor(thread, parentID, len(thread))
	}
	m, err := o.insertPending(ctx, sess.ID, parentID, role.ID)
	if err != nil {
		return nil, err
	}
	o.startGeneration(*sess, *m, role, prompt)
	return m, nil
}

func (o *Orchestrator) appendAuthor(ctx context.Context, p AppendParams) (*model.Message, error) {
	passages := o.embedPassages(ctx, p.Content)

	unlock := o.locks.Lock(p.SessionID)
	defer unlock()

	sess, err := o.deps.Store.GetSession(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	parentID := p.ParentID
	if parentID == "" {
		thread, err := o.Thread(ctx, p.SessionID)
		if err != nil {
			return nil, err
		}
		if len(thread) > 0 {
			parentID = thread[len(thread)-1].ID
		}
	}
	version, err := o.deps.Store.NextVersion(ctx, p.SessionID, parentID, model.AuthorRole)
	if err != nil {
		return nil, err
	}

	m := model.Message{
		ID:        o.deps.Store.NewID(),
		SessionID: p.SessionID,
		Role:      model.AuthorRole,
		Content:   p.Content,
		Timestamp: o.now().UnixMilli(),
		Status:    model.StatusSuccess,
		ParentID:  parentID,
		Version:   version,
	}
	if err := o.deps.Store.InsertMessage(ctx, m, store.WriteOpts{}); err != nil {
		return nil, err
	}
	if err := o.recordMessage(ctx, *sess, m, passages); err != nil {
		o.log.Warn("author message not recorded as memory", "message_id", m.ID, "error", err)
	}
	o.log.Debug("author message appended", "session_id", m.SessionID, "message_id", m.ID)
	o.nudge()
	return &m, nil
}

// insertPending stores the next version of the (parentID, role) lineage.
// The caller holds the session lock.
func (o *Orchestrator) insertPending(ctx context.Context, sessionID, parentID, roleID string) (*model.Message, error) {
	version, err := o.deps.Store.NextVersion(ctx, sessionID, parentID, roleID)
	if err != nil {
		return nil, err
	}
	m := model.Message{
		ID:        o.deps.Store.NewID(),
		SessionID: sessionID,
		Role:      roleID,
		Timestamp: o.now().UnixMilli(),
		Status:    model.StatusPending,
		ParentID:  parentID,
		Version:   version,
	}
	if err := o.deps.Store.InsertMessage(ctx, m, store.WriteOpts{}); err != nil {
		return nil, err
	}
	o.nudge()
	return &m, nil
}

// Regenerate creates the next version of an AI message's lineage. The
// target and its earlier versions are kept.
func (o *Orchestrator) Regenerate(ctx context.Context, messageID string) (*model.Message, error) {
	target, err := o.deps.Store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if target.IsAuthor() {
		return nil, errs.InvalidState("message %s was written by the author and cannot be regenerated", messageID)
	}
	role, err := o.deps.Roles.Get(target.Role)
	if err != nil {
		return nil, err
	}
	if o.isClosed() {
		return nil, errs.InvalidState("orchestrator is closed")
	}

	unlock := o.locks.Lock(target.SessionID)
	defer unlock()

	// Re-read under the lock: the generation may have settled meanwhile.
	target, err = o.deps.Store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if target.Status == model.StatusPending {
		return nil, errs.InvalidState("message %s is still pending", messageID)
	}
	sess, err := o.deps.Store.GetSession(ctx, target.SessionID)
	if err != nil {
		return nil, err
	}
	thread, err := o.deps.Store.ListMessages(ctx, target.SessionID)
	if err != nil {
		return nil, err
	}
	at := len(thread)
	for i := range thread {
		if thread[i].ID == target.ID {
			at = i
			break
		}
	}

	m, err := o.insertPending(ctx, target.SessionID, target.ParentID, target.Role)
	if err != nil {
		return nil, err
	}
	o.log.Info("regenerating message",
		"session_id", m.SessionID, "message_id", messageID, "new_id", m.ID, "version", m.Version)
	o.startGeneration(*sess, *m, role, promptFor(thread, target.ParentID, at))
	return m, nil
}

// Await blocks until the message's generation settles and returns its final
// state.
func (o *Orchestrator) Await(ctx context.Context, messageID string) (*model.Message, error) {
	o.mu.Lock()
	done, ok := o.running[messageID]
	o.mu.Unlock()
	if ok {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.deps.Store.GetMessage(ctx, messageID)
}

// Lineage returns every version of the message's lineage, oldest first.
func (o *Orchestrator) Lineage(ctx context.Context, messageID string) ([]model.Message, error) {
	m, err := o.deps.Store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return o.deps.Store.Lineage(ctx, m.SessionID, m.ParentID, m.Role)
}

// Current returns the latest version of the message's lineage.
func (o *Orchestrator) Current(ctx context.Context, messageID string) (*model.Message, error) {
	versions, err := o.Lineage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, errs.NotFound("message", messageID)
	}
	return &versions[len(versions)-1], nil
}

// Thread returns a session's messages in order with superseded versions
// left out.
func (o *Orchestrator) Thread(ctx context.Context, sessionID string) ([]model.Message, error) {
	msgs, err := o.deps.Store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	type lineage struct{ parent, role string }
	latest := make(map[lineage]int)
	for _, m := range msgs {
		key := lineage{m.ParentID, m.Role}
		if m.Version > latest[key] {
			latest[key] = m.Version
		}
	}
	out := msgs[:0]
	for _, m := range msgs {
		if m.Version == latest[lineage{m.ParentID, m.Role}] {
			out = append(out, m)
		}
	}
	return out, nil
}

// Close stops accepting generations and waits for running ones.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) startGeneration(sess model.StorySession, m model.Message, role model.AIRole, prompt string) {
	done := make(chan struct{})
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		// The caller holds the session lock.
		o.settleLocked(context.Background(), sess, m, "", errors.New("orchestrator closed"), nil)
		return
	}
	o.running[m.ID] = done
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.running, m.ID)
			o.mu.Unlock()
			close(done)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CallTimeout)
		content, err := o.generate(ctx, sess.ID, role, prompt)
		cancel()
		o.settle(sess, m, content, err)
	}()
}

func (o *Orchestrator) generate(ctx context.Context, sessionID string, role model.AIRole, prompt string) (string, error) {
	pc, err := o.buildContext(ctx, sessionID, role, prompt)
	if err != nil {
		return "", fmt.Errorf("build context: %w", err)
	}
	content, err := o.deps.Completer.Complete(ctx, pc.Request())
	if err != nil {
		return "", err
	}
	if content == "" {
		return "", errors.New("completion returned no content")
	}
	return content, nil
}

// settle records the outcome of a generation. The reply is embedded before
// the session lock is taken.
func (o *Orchestrator) settle(sess model.StorySession, m model.Message, content string, genErr error) {
	ctx := context.Background()
	var passages []passage
	if genErr == nil {
		passages = o.embedPassages(ctx, content)
	}

	unlock := o.locks.Lock(m.SessionID)
	defer unlock()
	o.settleLocked(ctx, sess, m, content, genErr, passages)
}

// settleLocked stores the outcome. The caller holds the session lock.
func (o *Orchestrator) settleLocked(ctx context.Context, sess model.StorySession, m model.Message, content string, genErr error, passages []passage) {
	if genErr != nil {
		m.Status, m.Error = model.StatusError, genErr.Error()
		o.log.Warn("generation failed", "session_id", m.SessionID, "message_id", m.ID,
			"role", m.Role, "transient", errs.IsTransient(genErr), "error", genErr)
	} else {
		m.Status, m.Content = model.StatusSuccess, content
	}
	if err := o.deps.Store.UpdateMessage(ctx, m, store.WriteOpts{}); err != nil {
		o.log.Error("store generation result", "message_id", m.ID, "error", err)
		return
	}
	if m.Status == model.StatusSuccess {
		if err := o.recordMessage(ctx, sess, m, passages); err != nil {
			o.log.Warn("generated message not recorded as memory", "message_id", m.ID, "error", err)
		}
		o.log.Info("generation finished", "session_id", m.SessionID, "message_id", m.ID,
			"role", m.Role, "version", m.Version)
	}
	o.nudge()
}

func (o *Orchestrator) nudge() {
	if o.deps.Sync != nil {
		o.deps.Sync.Trigger()
	}
}

// lastAuthor returns the latest author message before index end.
func lastAuthor(thread []model.Message, end int) *model.Message {
	for i := end - 1; i >= 0; i-- {
		if thread[i].IsAuthor() {
			return &thread[i]
		}
	}
	return nil
}

// promptFor returns the text an AI reply answers: the parent when it is an
// author message, else the nearest author message before index end.
func promptFor(thread []model.Message, parentID string, end int) string {
	for _, m := range thread {
		if m.ID == parentID && m.IsAuthor() {
			return m.Content
		}
	}
	if a := lastAuthor(thread, end); a != nil {
		return a.Content
	}
	return ""
}
