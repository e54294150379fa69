package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"reward-ledger/models"
	"reward-ledger/services"

	"go.uber.org/zap"
)

// CatalogTask is one entry of the remote task catalog.
type CatalogTask struct {
	TaskID     string          `json:"taskid"`
	Title      string          `json:"title"`
	TaskReward json.RawMessage `json:"taskreward"` // number or numeric string
	TaskLink   string          `json:"tasklink"`
	Kind       string          `json:"kind"`
	Icon       string          `json:"icon"`
}

type catalogResponse struct {
	Tasks []CatalogTask `json:"tasks"`
}

// CatalogSyncWorker pulls the dynamic task catalog into the task registry.
type CatalogSyncWorker struct {
	registry     *services.TaskRegistry
	interval     time.Duration
	catalogURL   string
	serviceToken string
	httpClient   *http.Client
	logger       *zap.Logger
}

func NewCatalogSyncWorker(registry *services.TaskRegistry, catalogURL, serviceToken string, interval time.Duration, logger *zap.Logger) *CatalogSyncWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &CatalogSyncWorker{
		registry:     registry,
		interval:     interval,
		catalogURL:   catalogURL,
		serviceToken: serviceToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

func (w *CatalogSyncWorker) Start(ctx context.Context) {
	w.logger.Info("[CATALOG] starting catalog sync worker", zap.String("url", w.catalogURL))
	go w.run(ctx)
}

func (w *CatalogSyncWorker) run(ctx context.Context) {
	if _, err := w.SyncOnce(ctx); err != nil {
		w.logger.Warn("[CATALOG] initial sync failed", zap.Error(err))
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := w.SyncOnce(ctx); err != nil {
				w.logger.Error("[CATALOG] sync failed", zap.Error(err))
			}
		case <-ctx.Done():
			w.logger.Info("[CATALOG] catalog sync worker stopped")
			return
		}
	}
}

// SyncOnce fetches the catalog once and returns how many new tasks it added.
func (w *CatalogSyncWorker) SyncOnce(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.catalogURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request to %s: %w", w.catalogURL, err)
	}
	if w.serviceToken != "" {
		req.Header.Set("X-Service-Token", w.serviceToken)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("catalog request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, fmt.Errorf("catalog returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload catalogResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("failed to decode catalog: %w", err)
	}

	tasks := make([]models.Task, 0, len(payload.Tasks))
	for _, ct := range payload.Tasks {
		t, err := ct.toTask()
		if err != nil {
			w.logger.Warn("[CATALOG] skipping catalog entry", zap.String("task_id", ct.TaskID), zap.Error(err))
			continue
		}
		tasks = append(tasks, t)
	}

	added, err := w.registry.Upsert(ctx, tasks, models.TaskSourceCatalog)
	if err != nil {
		return added, err
	}
	if added > 0 {
		w.logger.Info("[CATALOG] catalog synced", zap.Int("received", len(payload.Tasks)), zap.Int("added", added))
	}
	return added, nil
}

func (ct CatalogTask) toTask() (models.Task, error) {
	raw := strings.TrimSpace(strings.Trim(strings.TrimSpace(string(ct.TaskReward)), `"`))
	reward, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return models.Task{}, fmt.Errorf("bad reward %s: %w", ct.TaskReward, err)
	}
	kind := models.VerificationKind(ct.Kind)
	if kind == "" {
		// Catalog entries without a kind are plain links.
		kind = models.KindExternalLinkDelay
	}
	return models.Task{
		ID:     strings.TrimSpace(ct.TaskID),
		Title:  ct.Title,
		Icon:   ct.Icon,
		Reward: reward,
		Kind:   kind,
		Link:   ct.TaskLink,
	}, nil
}
