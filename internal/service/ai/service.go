package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"chatflow/internal/config"
	"chatflow/internal/models"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// Turn is one entry of the conversation context handed to the model. Image,
// when present, rides along as a multimodal part.
type Turn struct {
	Role  models.Role
	Text  string
	Image []byte
}

// Stream is a lazy, ordered, finite sequence of text fragments. It is
// one-shot: consuming it twice is undefined. Recv returns a non-nil error
// (io.EOF on clean completion) once the sequence ends; a provider error
// mid-stream simply terminates the sequence early.
type Stream interface {
	Recv() (string, error)
	Close()
}

// Service adapts an external language-model provider behind unary and
// streaming completion calls over a shared conversation-history input.
type Service struct {
	chatModel model.BaseChatModel
	provider  string
	modelName string
}

// NewService builds the provider-specific chat model from configuration.
// Gemini is reachable two ways: natively, or through the openai provider
// pointed at Gemini's OpenAI-compatible endpoint.
func NewService(ctx context.Context, provider string, provCfg config.ProviderConfig, modelType string) (*Service, error) {
	if modelType == "" {
		modelType = provCfg.Model
	}
	if provCfg.APIKey == "" {
		return nil, fmt.Errorf("api key for provider %s not configured", provider)
	}

	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelType,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelType,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelType,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}

	return &Service{
		chatModel: chatModel,
		provider:  provider,
		modelName: modelType,
	}, nil
}

// Complete performs a unary generation over the conversation context.
func (s *Service) Complete(ctx context.Context, turns []Turn) (string, error) {
	msgs, err := convertTurns(turns)
	if err != nil {
		return "", err
	}
	resp, err := s.chatModel.Generate(ctx, msgs)
	if err != nil {
		return "", fmt.Errorf("generate completion: %w", err)
	}
	return resp.Content, nil
}

// CompleteStream opens a chunked generation over the conversation context.
func (s *Service) CompleteStream(ctx context.Context, turns []Turn) (Stream, error) {
	msgs, err := convertTurns(turns)
	if err != nil {
		return nil, err
	}
	reader, err := s.chatModel.Stream(ctx, msgs)
	if err != nil {
		return nil, fmt.Errorf("open completion stream: %w", err)
	}
	return &einoStream{reader: reader}, nil
}

// Provider reports the configured provider name.
func (s *Service) Provider() string {
	return s.provider
}

type einoStream struct {
	reader *schema.StreamReader[*schema.Message]
}

func (s *einoStream) Recv() (string, error) {
	chunk, err := s.reader.Recv()
	if err != nil {
		return "", err
	}
	return chunk.Content, nil
}

func (s *einoStream) Close() {
	s.reader.Close()
}

func convertTurns(turns []Turn) ([]*schema.Message, error) {
	if len(turns) == 0 {
		return nil, errors.New("conversation context is empty")
	}
	msgs := make([]*schema.Message, 0, len(turns))
	for _, turn := range turns {
		var role schema.RoleType
		switch turn.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}

		if len(turn.Image) == 0 {
			msgs = append(msgs, &schema.Message{Role: role, Content: turn.Text})
			continue
		}
		mime := http.DetectContentType(turn.Image)
		dataURI := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(turn.Image)
		msgs = append(msgs, &schema.Message{
			Role: role,
			MultiContent: []schema.ChatMessagePart{
				{Type: schema.ChatMessagePartTypeText, Text: turn.Text},
				{
					Type: schema.ChatMessagePartTypeImageURL,
					ImageURL: &schema.ChatMessageImageURL{
						URL:      dataURI,
						MIMEType: mime,
					},
				},
			},
		})
	}
	return msgs, nil
}
