package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
	"github.com/awilliams-2020/theqrcode-sub000/internal/repository"
)

// secretPrefix は生成する署名シークレットの接頭辞。
const secretPrefix = "whsec_"

// defaultDeliveryLimit は配信履歴の取得件数のデフォルト値。
const defaultDeliveryLimit = 50

// URLValidator は配信先URLの安全性を検証するインターフェース。
// security.SSRFGuardServiceが満たす。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// CreateInput は購読作成の入力。
type CreateInput struct {
	URL    string   `json:"url" validate:"required,url,max=2048"`
	Events []string `json:"events" validate:"required,min=1,max=16,dive,required"`
}

// UpdateInput は購読更新の入力。nilのフィールドは変更しない。
type UpdateInput struct {
	URL      *string  `json:"url" validate:"omitempty,url,max=2048"`
	Events   []string `json:"events" validate:"omitempty,min=1,max=16,dive,required"`
	IsActive *bool    `json:"is_active"`
}

// Service はWebhook購読の管理を行うサービス層。
// すべての操作はユーザーIDでスコープされ、他ユーザーの購読は見つからないものとして扱う。
type Service struct {
	subs       repository.WebhookRepository
	deliveries repository.DeliveryRepository
	urls       URLValidator
	validate   *validator.Validate
	now        func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	subs repository.WebhookRepository,
	deliveries repository.DeliveryRepository,
	urls URLValidator,
	validate *validator.Validate,
) *Service {
	if validate == nil {
		validate = validator.New()
	}
	return &Service{
		subs:       subs,
		deliveries: deliveries,
		urls:       urls,
		validate:   validate,
		now:        time.Now,
	}
}

// List はユーザーの購読一覧を返す。
func (s *Service) List(ctx context.Context, userID string) ([]*model.WebhookSubscription, error) {
	subs, err := s.subs.ListByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if subs == nil {
		subs = []*model.WebhookSubscription{}
	}
	return subs, nil
}

// Create は購読を作成する。署名シークレットはここで生成し、レスポンスで一度だけ返す想定。
func (s *Service) Create(ctx context.Context, userID string, in CreateInput) (*model.WebhookSubscription, error) {
	if err := s.validate.Struct(&in); err != nil {
		return nil, model.NewInvalidRequestError(err.Error())
	}
	if err := s.checkURL(in.URL); err != nil {
		return nil, err
	}
	if err := checkEvents(in.Events); err != nil {
		return nil, err
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}

	now := s.now()
	sub := &model.WebhookSubscription{
		ID:        uuid.New().String(),
		UserID:    userID,
		URL:       in.URL,
		Events:    dedupeEvents(in.Events),
		Secret:    secret,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.subs.Create(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Update は購読のURL・イベント・有効フラグを更新する。
func (s *Service) Update(ctx context.Context, userID, id string, in UpdateInput) (*model.WebhookSubscription, error) {
	if err := s.validate.Struct(&in); err != nil {
		return nil, model.NewInvalidRequestError(err.Error())
	}

	sub, err := s.find(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	if in.URL != nil {
		if err := s.checkURL(*in.URL); err != nil {
			return nil, err
		}
		sub.URL = *in.URL
	}
	if in.Events != nil {
		if err := checkEvents(in.Events); err != nil {
			return nil, err
		}
		sub.Events = dedupeEvents(in.Events)
	}
	if in.IsActive != nil {
		if *in.IsActive && !sub.IsActive {
			sub.FailureCount = 0
		}
		sub.IsActive = *in.IsActive
	}
	sub.UpdatedAt = s.now()

	if err := s.subs.Update(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Delete は購読を削除する。
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if _, err := s.find(ctx, userID, id); err != nil {
		return err
	}
	return s.subs.Delete(ctx, id)
}

// ListDeliveries は購読の配信履歴を新しい順に返す。
func (s *Service) ListDeliveries(ctx context.Context, userID, id string, limit int) ([]*model.WebhookDelivery, error) {
	if _, err := s.find(ctx, userID, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = defaultDeliveryLimit
	}
	deliveries, err := s.deliveries.ListBySubscriptionID(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	if deliveries == nil {
		deliveries = []*model.WebhookDelivery{}
	}
	return deliveries, nil
}

// find はユーザーが所有する購読を取得する。
// IDの形式が不正な場合と他ユーザーの購読の場合も見つからないエラーとする。
func (s *Service) find(ctx context.Context, userID, id string) (*model.WebhookSubscription, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.NewWebhookNotFoundError(id)
	}
	sub, err := s.subs.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.UserID != userID {
		return nil, model.NewWebhookNotFoundError(id)
	}
	return sub, nil
}

func (s *Service) checkURL(rawURL string) error {
	if s.urls == nil {
		return nil
	}
	if err := s.urls.ValidateURL(rawURL); err != nil {
		return model.NewInvalidWebhookURLError(err.Error())
	}
	return nil
}

func checkEvents(events []string) error {
	for _, e := range events {
		if !IsSupportedEvent(e) {
			return model.NewInvalidWebhookEventsError(e)
		}
	}
	return nil
}

func dedupeEvents(events []string) []string {
	seen := make(map[string]bool, len(events))
	out := make([]string, 0, len(events))
	for _, e := range events {
		if seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

// generateSecret は32バイトの乱数から署名シークレットを生成する。
func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("署名シークレットの生成に失敗しました: %w", err)
	}
	return secretPrefix + hex.EncodeToString(b), nil
}
