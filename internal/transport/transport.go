package transport

import "context"

// ChatTransport 是编排器向聊天前端发送消息的出站接口。
type ChatTransport interface {
	// SendMessage 给用户发送一条文本消息。
	SendMessage(ctx context.Context, userID, text string) error
	// SendTyping 发送"正在输入"指示。
	SendTyping(ctx context.Context, userID string) error
	// RequestApproval 发送带批准/拒绝按钮的审批提示。
	RequestApproval(ctx context.Context, userID, prompt, invocationID string) error
}

// Handler 是前端向编排器路由用户动作的入站接口。
type Handler interface {
	// HandleInboundMessage 处理用户发来的普通消息。
	HandleInboundMessage(ctx context.Context, userID, text string)
	// HandleApprovalDecision 处理审批按钮的点击。
	HandleApprovalDecision(ctx context.Context, userID, invocationID string, approved bool)
	// ClearConversation 清空用户的会话历史。
	ClearConversation(ctx context.Context, userID string)
	// Cancel 取消用户进行中的回合。
	Cancel(ctx context.Context, userID string)
}
