package telegram

import (
	"context"
	"testing"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

type stubClient struct {
	messages []*bot.SendMessageParams
	actions  []*bot.SendChatActionParams
	answered []string
}

func (s *stubClient) SendMessage(_ context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	s.messages = append(s.messages, params)
	return &models.Message{ID: len(s.messages)}, nil
}

func (s *stubClient) SendChatAction(_ context.Context, params *bot.SendChatActionParams) (bool, error) {
	s.actions = append(s.actions, params)
	return true, nil
}

func (s *stubClient) AnswerCallbackQuery(_ context.Context, params *bot.AnswerCallbackQueryParams) (bool, error) {
	s.answered = append(s.answered, params.CallbackQueryID)
	return true, nil
}

func (s *stubClient) Start(_ context.Context) {}

type fakeHandler struct {
	inbound   []string
	decisions []struct {
		invocationID string
		approved     bool
	}
	cleared   int
	cancelled int
}

func (f *fakeHandler) HandleInboundMessage(_ context.Context, _ string, text string) {
	f.inbound = append(f.inbound, text)
}

func (f *fakeHandler) HandleApprovalDecision(_ context.Context, _ string, invocationID string, approved bool) {
	f.decisions = append(f.decisions, struct {
		invocationID string
		approved     bool
	}{invocationID, approved})
}

func (f *fakeHandler) ClearConversation(_ context.Context, _ string) { f.cleared++ }
func (f *fakeHandler) Cancel(_ context.Context, _ string)           { f.cancelled++ }

func messageUpdate(text string) *models.Update {
	return &models.Update{
		Message: &models.Message{
			Text: text,
			Chat: models.Chat{ID: 42},
			From: &models.User{ID: 42},
		},
	}
}

func TestHandleUpdateRoutesCommands(t *testing.T) {
	handler := &fakeHandler{}
	b := newWithClient(&stubClient{}, handler)
	ctx := context.Background()

	b.handleUpdate(ctx, nil, messageUpdate("/cancel"))
	b.handleUpdate(ctx, nil, messageUpdate("/clear"))
	b.handleUpdate(ctx, nil, messageUpdate("帮我查下余额"))

	if handler.cancelled != 1 || handler.cleared != 1 {
		t.Fatalf("命令路由不对: cancel=%d clear=%d", handler.cancelled, handler.cleared)
	}
	if len(handler.inbound) != 1 || handler.inbound[0] != "帮我查下余额" {
		t.Fatalf("普通消息路由不对: %v", handler.inbound)
	}
}

func TestHandleCallbackRoutesDecisions(t *testing.T) {
	handler := &fakeHandler{}
	client := &stubClient{}
	b := newWithClient(client, handler)
	ctx := context.Background()

	b.handleUpdate(ctx, nil, &models.Update{
		CallbackQuery: &models.CallbackQuery{
			ID:   "cb-1",
			Data: "approve:inv-1",
			From: models.User{ID: 42},
		},
	})
	b.handleUpdate(ctx, nil, &models.Update{
		CallbackQuery: &models.CallbackQuery{
			ID:   "cb-2",
			Data: "deny:inv-2",
			From: models.User{ID: 42},
		},
	})

	if len(handler.decisions) != 2 {
		t.Fatalf("期望 2 次裁决，实际 %d 次", len(handler.decisions))
	}
	if !handler.decisions[0].approved || handler.decisions[0].invocationID != "inv-1" {
		t.Fatalf("批准裁决不对: %+v", handler.decisions[0])
	}
	if handler.decisions[1].approved || handler.decisions[1].invocationID != "inv-2" {
		t.Fatalf("拒绝裁决不对: %+v", handler.decisions[1])
	}
	if len(client.answered) != 2 {
		t.Fatalf("回调应被应答: %v", client.answered)
	}
}

func TestRequestApprovalRendersButtons(t *testing.T) {
	client := &stubClient{}
	b := newWithClient(client, &fakeHandler{})

	if err := b.RequestApproval(context.Background(), "42", "确认转账?", "inv-1"); err != nil {
		t.Fatalf("RequestApproval 失败: %v", err)
	}
	if len(client.messages) != 1 {
		t.Fatalf("期望发送 1 条消息，实际 %d 条", len(client.messages))
	}

	markup, ok := client.messages[0].ReplyMarkup.(*models.InlineKeyboardMarkup)
	if !ok {
		t.Fatalf("缺少内联键盘: %T", client.messages[0].ReplyMarkup)
	}
	buttons := markup.InlineKeyboard[0]
	if buttons[0].CallbackData != "approve:inv-1" || buttons[1].CallbackData != "deny:inv-1" {
		t.Fatalf("按钮回调数据不对: %+v", buttons)
	}
}

func TestSendTyping(t *testing.T) {
	client := &stubClient{}
	b := newWithClient(client, &fakeHandler{})

	if err := b.SendTyping(context.Background(), "42"); err != nil {
		t.Fatalf("SendTyping 失败: %v", err)
	}
	if len(client.actions) != 1 || client.actions[0].Action != models.ChatActionTyping {
		t.Fatalf("输入指示不对: %+v", client.actions)
	}
}

func TestSendMessageRejectsBadUserID(t *testing.T) {
	b := newWithClient(&stubClient{}, &fakeHandler{})
	if err := b.SendMessage(context.Background(), "not-a-number", "hi"); err == nil {
		t.Fatal("非法用户标识应返回错误")
	}
}
