// Package claude implements the agent runtime on Anthropic's Messages API:
// a multi-turn streaming loop that relays text, executes tools, and routes
// money-moving invocations through the approval callback.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/google/uuid"

	"OpenWallet-Agent/internal/conversation"
	xerrors "OpenWallet-Agent/internal/errors"
	"OpenWallet-Agent/internal/runtime"
	"OpenWallet-Agent/internal/tools"
	"OpenWallet-Agent/pkg/logger"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 4096
	// defaultMaxTurns 限制一个回合内模型-工具往返的次数。
	defaultMaxTurns = 8
)

// Config 描述 Claude 运行时的构造参数。
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
	MaxTurns  int
}

// Runtime 基于 Anthropic Messages API 实现 runtime.Runtime。
type Runtime struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	maxTurns  int
	log       *slog.Logger
}

// New 构造 Runtime。缺少 API key 时返回错误。
func New(cfg Config) (*Runtime, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置 Anthropic API key")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &Runtime{
		client:    anthropic.NewClient(options...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		maxTurns:  cfg.MaxTurns,
		log:       logger.Named("runtime.claude"),
	}, nil
}

// Run 实现 runtime.Runtime 接口。
func (r *Runtime) Run(ctx context.Context, req runtime.Request) (<-chan runtime.Event, error) {
	if req.Credentials == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少钱包凭据")
	}
	if req.Tools == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少工具注册表")
	}

	events := make(chan runtime.Event)
	go func() {
		defer close(events)
		r.loop(ctx, req, events)
	}()
	return events, nil
}

// toolCall 是从事件流里拼装出的一次完整工具调用。
type toolCall struct {
	id    string
	name  string
	input json.RawMessage
}

func (r *Runtime) loop(ctx context.Context, req runtime.Request, events chan<- runtime.Event) {
	messages := buildMessages(req.History)
	toolParams, err := convertTools(req.Tools)
	if err != nil {
		emit(ctx, events, runtime.Event{Kind: runtime.EventError, Err: err})
		return
	}
	system := systemPrompt(req)

	for turn := 0; turn < r.maxTurns; turn++ {
		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(r.model),
			Messages:  messages,
			MaxTokens: r.maxTokens,
			System:    []anthropic.TextBlockParam{{Text: system}},
		}
		if len(toolParams) > 0 {
			params.Tools = toolParams
		}

		stream := r.client.Messages.NewStreaming(ctx, params)
		text, calls, err := r.consume(ctx, stream, events)
		if err != nil {
			emit(ctx, events, runtime.Event{Kind: runtime.EventError, Err: err})
			return
		}
		if text != "" {
			if !emit(ctx, events, runtime.Event{Kind: runtime.EventMessageStop}) {
				return
			}
		}

		if len(calls) == 0 {
			emit(ctx, events, runtime.Event{Kind: runtime.EventDone})
			return
		}

		assistant, results, err := r.executeCalls(ctx, req, events, text, calls)
		if err != nil {
			emit(ctx, events, runtime.Event{Kind: runtime.EventError, Err: err})
			return
		}
		if results == nil {
			// 执行过程被取消，事件流直接结束。
			return
		}
		messages = append(messages, assistant, anthropic.NewUserMessage(results...))
	}

	emit(ctx, events, runtime.Event{Kind: runtime.EventError,
		Err: fmt.Errorf("回合内工具往返超过 %d 次", r.maxTurns)})
}

// consume 消费一条流式响应，实时转发文本增量，拼装工具调用。
func (r *Runtime) consume(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- runtime.Event) (string, []toolCall, error) {
	var text strings.Builder
	var calls []toolCall
	var current *toolCall
	var currentInput strings.Builder

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				current = &toolCall{id: toolUse.ID, name: toolUse.Name}
				currentInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					text.WriteString(delta.Text)
					if !emit(ctx, events, runtime.Event{Kind: runtime.EventText, Text: delta.Text}) {
						return "", nil, ctx.Err()
					}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentInput.WriteString(delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if current != nil {
				input := currentInput.String()
				if input == "" {
					input = "{}"
				}
				current.input = json.RawMessage(input)
				calls = append(calls, *current)
				current = nil
			}

		case "message_stop":
			return text.String(), calls, nil
		}
	}

	if err := stream.Err(); err != nil {
		return "", nil, fmt.Errorf("模型事件流中断: %w", err)
	}
	return text.String(), calls, nil
}

// executeCalls 执行一批工具调用并返回续写所需的消息对。
// 返回 (_, nil, nil) 表示上下文已取消。
func (r *Runtime) executeCalls(ctx context.Context, req runtime.Request, events chan<- runtime.Event, text string, calls []toolCall) (anthropic.MessageParam, []anthropic.ContentBlockParamUnion, error) {
	var assistantBlocks []anthropic.ContentBlockParamUnion
	if text != "" {
		assistantBlocks = append(assistantBlocks, anthropic.NewTextBlock(text))
	}
	var results []anthropic.ContentBlockParamUnion

	for _, call := range calls {
		var input map[string]any
		if err := json.Unmarshal(call.input, &input); err != nil {
			return anthropic.MessageParam{}, nil,
				fmt.Errorf("工具 %s 的输入不是合法 JSON: %w", call.name, err)
		}
		assistantBlocks = append(assistantBlocks, anthropic.NewToolUseBlock(call.id, input, call.name))

		invocationID := call.id
		if invocationID == "" {
			invocationID = uuid.NewString()
		}

		result, isError, err := r.executeOne(ctx, req, events, call, invocationID)
		if ctx.Err() != nil {
			return anthropic.MessageParam{}, nil, nil
		}
		if err != nil {
			return anthropic.MessageParam{}, nil, err
		}
		results = append(results, anthropic.NewToolResultBlock(call.id, result, isError))
	}

	return anthropic.NewAssistantMessage(assistantBlocks...), results, nil
}

// executeOne 执行单次工具调用。返回的 error 非空时终止整个回合，
// 否则结果文本连同 isError 标记作为工具结果回传给模型。
func (r *Runtime) executeOne(ctx context.Context, req runtime.Request, events chan<- runtime.Event, call toolCall, invocationID string) (string, bool, error) {
	tool, ok := req.Tools.Get(call.name)
	if !ok {
		return fmt.Sprintf("未知工具: %s", call.name), true, nil
	}

	inv := runtime.ToolInvocation{
		ID:          invocationID,
		Name:        tool.Name(),
		Label:       tool.Label(),
		MoneyMoving: tool.MoneyMoving(),
	}
	if !emit(ctx, events, runtime.Event{Kind: runtime.EventToolUse, Tool: &inv}) {
		return "", false, ctx.Err()
	}

	if tool.MoneyMoving() {
		if req.Approve == nil {
			return "该操作需要人工审批，但当前没有审批通道，已拒绝执行。", true, nil
		}
		approved, err := req.Approve(ctx, inv)
		if err != nil {
			r.log.Warn("审批流程失败",
				slog.String("user_id", req.UserID),
				slog.String("tool", tool.Name()),
				slog.Any("error", err),
			)
			return "", false, err
		}
		if !approved {
			return "用户拒绝了该操作。", false, nil
		}
	}

	output, err := tool.Execute(ctx, req.Credentials, call.input)
	if err != nil {
		r.log.Warn("工具执行失败",
			slog.String("user_id", req.UserID),
			slog.String("tool", tool.Name()),
			slog.Any("error", err),
		)
		return fmt.Sprintf("工具执行失败: %v", err), true, nil
	}
	return output, false, nil
}

// emit 在发送事件的同时尊重取消，返回 false 表示上下文已结束。
func emit(ctx context.Context, events chan<- runtime.Event, ev runtime.Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// buildMessages 把会话历史转换为 Messages API 的消息格式。
func buildMessages(history []conversation.Message) []anthropic.MessageParam {
	var messages []anthropic.MessageParam
	for _, msg := range history {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == conversation.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}
	return messages
}

// convertTools 把注册表中的工具转换为 API 工具定义。
func convertTools(registry *tools.Registry) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range registry.List() {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			return nil, fmt.Errorf("工具 %s 的 Schema 非法: %w", tool.Name(), err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name())
		if param.OfTool == nil {
			return nil, fmt.Errorf("工具 %s 的定义转换失败", tool.Name())
		}
		param.OfTool.Description = anthropic.String(tool.Description())
		result = append(result, param)
	}
	return result, nil
}

func systemPrompt(req runtime.Request) string {
	var b strings.Builder
	b.WriteString("你是一个多链钱包助手，替用户管理加密钱包并回答链上问题。\n")
	b.WriteString("用户的钱包地址:\n")
	fmt.Fprintf(&b, "- EVM: %s\n", req.Credentials.EVMAddress)
	fmt.Fprintf(&b, "- ed25519: %s\n", req.Credentials.EdAddress)
	b.WriteString("涉及资金移动的操作必须先经过用户批准，工具层会自动处理审批流程。\n")
	b.WriteString("回答保持简洁，金额换算成可读单位时注明原始 wei 值。")
	return b.String()
}
