package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"reward-ledger/models"

	"github.com/gosimple/slug"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultStaticTasks are the tasks every user sees, in display order.
var DefaultStaticTasks = []models.Task{
	{ID: "telegram-channel", Title: "Join gotEM TG channel", Reward: 3000, Kind: models.KindThirdPartyCheck, Link: "https://t.me/gotEMXTon", Icon: "telegram"},
	{ID: "web3wagon-telegram", Title: "Join Web3Wagon Telegram Channel", Reward: 2000, Kind: models.KindThirdPartyCheck, Link: "https://t.me/Web3Wagon", Icon: "telegram"},
	{ID: "x-follow", Title: "Follow BEAR on X", Reward: 3000, Kind: models.KindExternalLinkDelay, Link: "https://x.com/gotEMXTon", Icon: "x"},
	{ID: "web3wagon-x", Title: "Follow Web3Wagon X account", Reward: 3000, Kind: models.KindExternalLinkDelay, Link: "https://x.com/Web3Wagon", Icon: "x"},
	{ID: "youtube-subscribe", Title: "Subscribe To gotEM YT", Reward: 2000, Kind: models.KindExternalLinkDelay, Link: "https://www.youtube.com/@gotEM_Ton", Icon: "youtube"},
	{ID: "invite-5-friends", Title: "Invite 5 friends", Reward: 25000, Kind: models.KindReferralThreshold, Threshold: 5, Icon: "gift"},
}

// TaskRegistry serves static tasks followed by catalog tasks. The catalog is
// append-only; the in-process snapshot is replaced wholesale on Refresh.
type TaskRegistry struct {
	DB     *gorm.DB
	clock  Clock
	logger *zap.Logger

	static      []models.Task
	staticIndex map[string]models.Task

	mu      sync.RWMutex
	dynamic []models.Task
	index   map[string]models.Task
	loaded  bool
}

func NewTaskRegistry(db *gorm.DB, static []models.Task, clock Clock, logger *zap.Logger) *TaskRegistry {
	if clock == nil {
		clock = SystemClock
	}
	r := &TaskRegistry{
		DB:          db,
		clock:       clock,
		logger:      logger,
		staticIndex: make(map[string]models.Task, len(static)),
		index:       map[string]models.Task{},
	}
	for _, t := range static {
		t.Source = models.TaskSourceStatic
		if t.Kind == models.KindThirdPartyCheck && t.Resource == "" {
			t.Resource = ChatIDFromLink(t.Link)
		}
		r.static = append(r.static, t)
		r.staticIndex[t.ID] = t
	}
	return r
}

// ListTasks returns static tasks first, then catalog tasks by first-seen time.
func (r *TaskRegistry) ListTasks(ctx context.Context) ([]models.Task, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Task, 0, len(r.static)+len(r.dynamic))
	out = append(out, r.static...)
	out = append(out, r.dynamic...)
	return out, nil
}

// GetTask resolves id against the static list, the snapshot, then the table.
func (r *TaskRegistry) GetTask(ctx context.Context, id string) (models.Task, error) {
	if t, ok := r.staticIndex[id]; ok {
		return t, nil
	}
	if err := r.ensureLoaded(ctx); err != nil {
		return models.Task{}, err
	}
	r.mu.RLock()
	t, ok := r.index[id]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}

	var stored models.Task
	if err := r.DB.WithContext(ctx).Where("id = ?", id).First(&stored).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
		}
		return models.Task{}, err
	}
	return stored, nil
}

// Refresh reloads the catalog snapshot from catalog_tasks.
func (r *TaskRegistry) Refresh(ctx context.Context) error {
	var tasks []models.Task
	if err := r.DB.WithContext(ctx).Order("first_seen_at ASC").Order("id ASC").Find(&tasks).Error; err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	index := make(map[string]models.Task, len(tasks))
	dynamic := tasks[:0]
	for _, t := range tasks {
		if _, clash := r.staticIndex[t.ID]; clash {
			continue
		}
		index[t.ID] = t
		dynamic = append(dynamic, t)
	}

	r.mu.Lock()
	r.dynamic = dynamic
	r.index = index
	r.loaded = true
	r.mu.Unlock()
	return nil
}

func (r *TaskRegistry) ensureLoaded(ctx context.Context) error {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if loaded {
		return nil
	}
	return r.Refresh(ctx)
}

// Upsert merges catalog tasks into catalog_tasks. Display fields may change;
// the reward of an existing id never does.
func (r *TaskRegistry) Upsert(ctx context.Context, tasks []models.Task, source models.TaskSource) (int, error) {
	added := 0
	for _, t := range tasks {
		if err := validateTask(&t); err != nil {
			r.logger.Warn("[CATALOG] skipping invalid task", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		if _, clash := r.staticIndex[t.ID]; clash {
			r.logger.Warn("[CATALOG] task id collides with static task", zap.String("task_id", t.ID))
			continue
		}

		var existing models.Task
		err := r.DB.WithContext(ctx).Where("id = ?", t.ID).Limit(1).Find(&existing).Error
		if err != nil {
			return added, err
		}
		if existing.ID == "" {
			t.Source = source
			t.FirstSeenAt = r.clock.Now()
			if err := r.DB.WithContext(ctx).Create(&t).Error; err != nil {
				return added, fmt.Errorf("insert task %s: %w", t.ID, err)
			}
			added++
			continue
		}
		if existing.Reward != t.Reward {
			r.logger.Warn("[CATALOG] ignoring reward change for existing task",
				zap.String("task_id", t.ID),
				zap.Int64("stored_reward", existing.Reward),
				zap.Int64("incoming_reward", t.Reward))
		}
		if err := r.DB.WithContext(ctx).Model(&models.Task{}).Where("id = ?", t.ID).
			Updates(map[string]interface{}{"title": t.Title, "icon": t.Icon, "link": t.Link, "resource": t.Resource}).Error; err != nil {
			return added, fmt.Errorf("update task %s: %w", t.ID, err)
		}
	}
	return added, r.Refresh(ctx)
}

// NewTask is an admin-added task. ID defaults to slug(Title).
type NewTask struct {
	ID        string                  `json:"id"`
	Title     string                  `json:"title"`
	Icon      string                  `json:"icon"`
	Reward    int64                   `json:"reward"`
	Kind      models.VerificationKind `json:"kind"`
	Link      string                  `json:"link"`
	Resource  string                  `json:"resource"`
	Threshold int64                   `json:"threshold"`
}

// AddTask stores an admin task. Re-adding the same id with the same reward
// returns the stored task; a different reward fails with ErrTaskExists.
func (r *TaskRegistry) AddTask(ctx context.Context, req NewTask) (models.Task, error) {
	t := models.Task{
		ID:        strings.TrimSpace(req.ID),
		Title:     strings.TrimSpace(req.Title),
		Icon:      req.Icon,
		Reward:    req.Reward,
		Kind:      req.Kind,
		Link:      req.Link,
		Resource:  req.Resource,
		Threshold: req.Threshold,
	}
	if t.ID == "" {
		t.ID = slug.Make(t.Title)
	}
	if err := validateTask(&t); err != nil {
		return models.Task{}, err
	}
	if _, clash := r.staticIndex[t.ID]; clash {
		return models.Task{}, fmt.Errorf("%w: %s", ErrTaskExists, t.ID)
	}

	existing, err := r.GetTask(ctx, t.ID)
	switch {
	case err == nil:
		if existing.Reward != t.Reward {
			return models.Task{}, fmt.Errorf("%w: %s", ErrTaskExists, t.ID)
		}
		return existing, nil
	case !errors.Is(err, ErrUnknownTask):
		return models.Task{}, err
	}

	if _, err := r.Upsert(ctx, []models.Task{t}, models.TaskSourceAdmin); err != nil {
		return models.Task{}, err
	}
	return r.GetTask(ctx, t.ID)
}

func validateTask(t *models.Task) error {
	t.ID = strings.TrimSpace(t.ID)
	switch {
	case t.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidTask)
	case strings.Contains(t.ID, "|"):
		return fmt.Errorf("%w: id %q contains '|'", ErrInvalidTask, t.ID)
	case strings.HasPrefix(t.ID, storeSourcePrefix):
		return fmt.Errorf("%w: id %q uses the reserved store prefix", ErrInvalidTask, t.ID)
	case t.Reward < 0:
		return fmt.Errorf("%w: reward must not be negative", ErrInvalidTask)
	case !t.Kind.Valid():
		return fmt.Errorf("%w: unknown verification kind %q", ErrInvalidTask, t.Kind)
	case t.Kind == models.KindReferralThreshold && t.Threshold <= 0:
		return fmt.Errorf("%w: referral-threshold task needs a positive threshold", ErrInvalidTask)
	}
	if t.Title == "" {
		t.Title = t.ID
	}
	if t.Kind == models.KindThirdPartyCheck && t.Resource == "" {
		t.Resource = ChatIDFromLink(t.Link)
		if t.Resource == "" {
			return fmt.Errorf("%w: third-party-check task needs a telegram link or resource", ErrInvalidTask)
		}
	}
	return nil
}
