package notification

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
	"github.com/awilliams-2020/theqrcode-sub000/internal/repository"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Service は通知一覧と既読操作のサービス層。
// すべての操作は認証済みユーザーの通知に限定される。
type Service struct {
	repo repository.NotificationRepository
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(repo repository.NotificationRepository) *Service {
	return &Service{repo: repo}
}

// List はユーザーの通知を新しい順に返す。limitが範囲外の場合は既定値・上限値に丸める。
func (s *Service) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*model.Notification, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	list, err := s.repo.ListByUserID(ctx, userID, unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗しました: %w", err)
	}
	if list == nil {
		list = []*model.Notification{}
	}
	return list, nil
}

// UnreadCount はユーザーの未読通知数を返す。
func (s *Service) UnreadCount(ctx context.Context, userID string) (int64, error) {
	count, err := s.repo.CountUnread(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("未読通知数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// MarkRead は通知を既読にする。
// IDの形式が不正な場合や他ユーザーの通知の場合は、存在しない通知として扱う。
func (s *Service) MarkRead(ctx context.Context, userID, notificationID string) error {
	if _, err := uuid.Parse(notificationID); err != nil {
		return model.NewNotificationNotFoundError(notificationID)
	}

	ok, err := s.repo.MarkRead(ctx, userID, notificationID)
	if err != nil {
		return fmt.Errorf("通知の既読化に失敗しました: %w", err)
	}
	if !ok {
		return model.NewNotificationNotFoundError(notificationID)
	}
	return nil
}

// MarkAllRead はユーザーの全未読通知を既読にし、更新件数を返す。
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	n, err := s.repo.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("通知の一括既読化に失敗しました: %w", err)
	}
	return n, nil
}
