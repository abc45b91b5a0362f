package runtime

import (
	"context"

	"OpenWallet-Agent/internal/conversation"
	"OpenWallet-Agent/internal/tools"
	"OpenWallet-Agent/internal/vault"
)

// EventKind 区分事件流中的事件类型。
type EventKind int

const (
	// EventText 是一段助手文本增量。
	EventText EventKind = iota
	// EventMessageStop 标记一条上游消息结束，编排器在消息间插入段落分隔。
	EventMessageStop
	// EventToolUse 表示一次工具调用开始执行。
	EventToolUse
	// EventDone 表示回合正常结束，事件流随后关闭。
	EventDone
	// EventError 表示回合以错误终止，事件流随后关闭。
	EventError
)

// ToolInvocation 描述一次工具调用。
type ToolInvocation struct {
	// ID 是本次调用的唯一标识，审批裁决按它匹配。
	ID string
	// Name 是工具的注册名。
	Name string
	// Label 是展示给用户的中文描述。
	Label string
	// MoneyMoving 标记该调用是否会移动资金，需要人工审批。
	MoneyMoving bool
}

// Event 是事件流中的一条事件。除 Kind 对应的字段外其余为零值。
type Event struct {
	Kind EventKind
	Text string
	Tool *ToolInvocation
	Err  error
}

// ApprovalFunc 在资金操作执行前征求人工审批。返回 false 表示拒绝；
// 错误表示审批流程本身失败（如等待超时），调用应终止。
type ApprovalFunc func(ctx context.Context, inv ToolInvocation) (bool, error)

// Request 描述一次回合执行所需的全部上下文。
type Request struct {
	UserID      string
	History     []conversation.Message
	Credentials *vault.Credentials
	Tools       *tools.Registry
	Approve     ApprovalFunc
}

// Runtime 抽象智能体运行时。Run 立即返回事件通道，事件按产生顺序送达，
// 以 EventDone 或 EventError 收尾后关闭；取消 ctx 会中断流。
type Runtime interface {
	Run(ctx context.Context, req Request) (<-chan Event, error)
}
