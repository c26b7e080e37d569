package outbox

import (
	"context"
	"fmt"
)

// ReplayService 提供重放 Outbox 事件的服务
type ReplayService struct {
	store      Store
	sink       Sink
	maxRetries int
}

// NewReplayService 创建新的 ReplayService
func NewReplayService(store Store, sink Sink, maxRetries int) *ReplayService {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &ReplayService{store: store, sink: sink, maxRetries: maxRetries}
}

// FailedEvents 列出已放弃重试的事件
func (s *ReplayService) FailedEvents(ctx context.Context, limit int) ([]*Event, error) {
	events, err := s.store.GetFailedEvents(ctx, limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*Event{}
	}
	return events, nil
}

// ReplayEvent 立即重发指定事件；失败时重新进入重试队列
func (s *ReplayService) ReplayEvent(ctx context.Context, id int64) error {
	event, err := s.store.GetEventByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.ResetEvent(ctx, id); err != nil {
		return err
	}

	if err := publish(ctx, s.sink, event); err != nil {
		if markErr := s.store.MarkAsFailed(ctx, id, s.maxRetries); markErr != nil {
			return fmt.Errorf("%w (mark error: %v)", err, markErr)
		}
		return err
	}
	return s.store.MarkAsSent(ctx, id)
}

// ReplayFailedEvents 重放所有失败的事件，返回成功数量
func (s *ReplayService) ReplayFailedEvents(ctx context.Context, limit int) (int, error) {
	events, err := s.store.GetFailedEvents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to get failed events: %w", err)
	}

	successCount := 0
	for _, event := range events {
		if err := s.ReplayEvent(ctx, event.ID); err != nil {
			// 记录错误但继续处理其他事件
			continue
		}
		successCount++
	}
	return successCount, nil
}
