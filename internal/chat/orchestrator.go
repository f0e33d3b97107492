// Package chat runs the send-message pipeline: persist the inbound message,
// broadcast it, stream the AI reply back to the sender, and persist the
// finalized reply. All steps for one conversation key run on a single-owner
// goroutine so back-to-back sends in the same conversation cannot interleave
// and the second send always sees the first send's reply in its context.
package chat

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatflow/internal/limit"
	"chatflow/internal/metrics"
	"chatflow/internal/models"
	"chatflow/internal/service/ai"
	"chatflow/internal/ws"

	"github.com/google/uuid"
)

// serverErrorMessage is the generic scoped error for internal failures.
// Internal detail never reaches the client.
const serverErrorMessage = "Server error—please try again later."

const (
	defaultQueueDepth  = 16
	defaultIdleTimeout = time.Minute
)

// Store is the conversation log the orchestrator writes to and reads from.
type Store interface {
	Append(ctx context.Context, msg models.Message) (*models.Message, error)
	ListByChat(ctx context.Context, chatID string) ([]*models.Message, error)
}

// Generator opens chunked completions over a conversation context.
type Generator interface {
	CompleteStream(ctx context.Context, turns []ai.Turn) (ai.Stream, error)
}

// Broadcaster fans events out to a conversation group or one connection.
type Broadcaster interface {
	Broadcast(room, event string, data interface{})
	Unicast(client ws.Client, event string, data interface{})
}

// Orchestrator owns the per-conversation send queues.
type Orchestrator struct {
	store   Store
	gen     Generator
	hub     Broadcaster
	limiter limit.Limiter
	logger  *slog.Logger

	idleTimeout time.Duration

	mu     sync.Mutex
	queues map[string]chan sendJob
}

type sendJob struct {
	client  ws.Client
	senderD int64
	payload ws.SendMessagePayload
}

// New builds the orchestrator.
func New(store Store, gen Generator, hub Broadcaster, limiter limit.Limiter, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:       store,
		gen:         gen,
		hub:         hub,
		limiter:     limiter,
		logger:      logger.With("component", "orchestrator"),
		idleTimeout: defaultIdleTimeout,
		queues:      make(map[string]chan sendJob),
	}
}

// HandleSend validates the event's conversation scope against the
// authenticated identity, then hands it to the conversation's queue. Scope
// failures produce a scoped error to the sender only, with zero side effects.
func (o *Orchestrator) HandleSend(client ws.Client, userID int64, payload ws.SendMessagePayload) {
	key := models.ChatKeyForUser(userID)
	if payload.ChatID != key {
		o.hub.Unicast(client, ws.EventChatError, ws.ErrorPayload{Message: "access denied to this conversation"})
		return
	}
	if payload.SenderID != strconv.FormatInt(userID, 10) {
		o.hub.Unicast(client, ws.EventChatError, ws.ErrorPayload{Message: "sender identity mismatch"})
		return
	}
	if strings.TrimSpace(payload.Message) == "" {
		o.hub.Unicast(client, ws.EventChatError, ws.ErrorPayload{Message: "message cannot be empty"})
		return
	}
	o.enqueue(key, sendJob{client: client, senderD: userID, payload: payload})
}

// enqueue places the job on the conversation's single-owner queue, spawning
// the queue worker on first use.
func (o *Orchestrator) enqueue(key string, job sendJob) {
	o.mu.Lock()
	q, ok := o.queues[key]
	if !ok {
		q = make(chan sendJob, defaultQueueDepth)
		o.queues[key] = q
		go o.runConversation(key, q)
	}
	select {
	case q <- job:
		o.mu.Unlock()
	default:
		o.mu.Unlock()
		o.hub.Unicast(job.client, ws.EventChatError, ws.ErrorPayload{Message: "server is busy, please retry"})
	}
}

// runConversation drains one conversation's queue sequentially and exits
// after sitting idle, releasing the queue entry.
func (o *Orchestrator) runConversation(key string, q chan sendJob) {
	idle := time.NewTimer(o.idleTimeout)
	defer idle.Stop()
	for {
		select {
		case job := <-q:
			o.process(key, job)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(o.idleTimeout)
		case <-idle.C:
			o.mu.Lock()
			if len(q) == 0 {
				delete(o.queues, key)
				o.mu.Unlock()
				return
			}
			o.mu.Unlock()
			idle.Reset(o.idleTimeout)
		}
	}
}

// process runs the full pipeline for one send. The context is detached from
// the connection: a dropped socket does not cancel an in-flight generation,
// only delivery of its remaining unicast chunks is lost.
func (o *Orchestrator) process(key string, job sendJob) {
	ctx := context.Background()
	senderKey := job.payload.SenderID

	wait, err := o.limiter.Reserve(ctx, senderKey)
	if err != nil {
		// Throttle backend trouble must not block chatting.
		o.logger.Warn("throttle check failed, allowing send", "chatId", key, "error", err)
	} else if wait > 0 {
		o.hub.Unicast(job.client, ws.EventChatError, ws.ErrorPayload{Message: o.limiter.Policy().ErrorMessage(wait)})
		return
	}

	sender := job.senderD
	userMsg, err := o.store.Append(ctx, models.Message{
		ChatID:    key,
		Sender:    &sender,
		Body:      job.payload.Message,
		IsAI:      false,
		ImageData: job.payload.ImageData,
	})
	if err != nil {
		o.logger.Error("persist user message failed", "chatId", key, "error", err)
		o.hub.Unicast(job.client, ws.EventChatError, ws.ErrorPayload{Message: serverErrorMessage})
		return
	}
	metrics.MessagesPersisted.WithLabelValues("user").Inc()
	o.hub.Broadcast(key, ws.EventReceiveMessage, userMsg.Wire())
	o.hub.Broadcast(key, ws.EventAITyping, ws.TypingPayload{IsTyping: true})

	turns, err := o.buildContext(ctx, key)
	if err != nil {
		o.logger.Error("load conversation context failed", "chatId", key, "error", err)
		o.hub.Unicast(job.client, ws.EventChatError, ws.ErrorPayload{Message: serverErrorMessage})
		o.hub.Broadcast(key, ws.EventAITyping, ws.TypingPayload{IsTyping: false})
		return
	}

	stream, err := o.gen.CompleteStream(ctx, turns)
	if err != nil {
		metrics.GenerationFailures.Inc()
		o.logger.Error("open generation stream failed", "chatId", key, "error", err)
		o.hub.Unicast(job.client, ws.EventChatError, ws.ErrorPayload{Message: serverErrorMessage})
		o.hub.Broadcast(key, ws.EventAITyping, ws.TypingPayload{IsTyping: false})
		return
	}
	defer stream.Close()

	// The temporary id lets the client swap its provisional bubble for the
	// final persisted message and can never collide with a store id.
	tempID := uuid.New().String()
	o.hub.Unicast(job.client, ws.EventStreamStart, ws.StreamStartPayload{ID: tempID, IsAI: true, Message: ""})

	var acc strings.Builder
	for {
		chunk, err := stream.Recv()
		if err != nil {
			// Clean end or provider error mid-stream: either way the
			// sequence is over and whatever accumulated is the answer.
			break
		}
		if chunk == "" {
			continue
		}
		acc.WriteString(chunk)
		metrics.StreamChunks.Inc()
		o.hub.Unicast(job.client, ws.EventStreamChunk, ws.StreamChunkPayload{ID: tempID, Chunk: chunk})
	}

	// Always clears the typing indicator, even for zero-chunk outcomes.
	o.hub.Broadcast(key, ws.EventAITyping, ws.TypingPayload{IsTyping: false})

	if acc.Len() == 0 {
		o.logger.Warn("generation produced no output", "chatId", key)
		return
	}

	aiMsg, err := o.store.Append(ctx, models.Message{
		ChatID: key,
		Sender: nil,
		Body:   acc.String(),
		IsAI:   true,
	})
	if err != nil {
		o.logger.Error("persist ai message failed", "chatId", key, "error", err)
		o.hub.Unicast(job.client, ws.EventChatError, ws.ErrorPayload{Message: serverErrorMessage})
		return
	}
	metrics.MessagesPersisted.WithLabelValues("ai").Inc()
	o.hub.Broadcast(key, ws.EventStreamEnd, ws.StreamEndPayload{TempID: tempID, FinalMessage: aiMsg.Wire()})
}

// buildContext projects the full ordered history into generation turns. Only
// the newest entry carries its image; older attachments stay out of the
// prompt.
func (o *Orchestrator) buildContext(ctx context.Context, key string) ([]ai.Turn, error) {
	history, err := o.store.ListByChat(ctx, key)
	if err != nil {
		return nil, err
	}
	turns := make([]ai.Turn, 0, len(history))
	for i, msg := range history {
		turn := ai.Turn{Role: msg.Role(), Text: msg.Body}
		if i == len(history)-1 && msg.HasImage {
			turn.Image = msg.ImageData
		}
		turns = append(turns, turn)
	}
	return turns, nil
}
