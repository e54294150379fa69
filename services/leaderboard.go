package services

import (
	"context"

	"reward-ledger/models"

	"gorm.io/gorm"
)

type LeaderboardService struct {
	DB *gorm.DB
}

func NewLeaderboardService(db *gorm.DB) *LeaderboardService {
	return &LeaderboardService{DB: db}
}

type RankedUser struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Balance  int64  `json:"balance"`
	Position int64  `json:"position"`
}

type Ranking struct {
	Me         RankedUser   `json:"me"`
	Top        []RankedUser `json:"top"`
	TotalUsers int64        `json:"total_users"`
}

// Ranking places userID among all accounts. Equal balances share a position.
func (l *LeaderboardService) Ranking(ctx context.Context, userID string, limit int) (Ranking, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	db := l.DB.WithContext(ctx)

	me, err := findAccount(db, userID)
	if err != nil {
		return Ranking{}, err
	}
	var ahead int64
	if err := db.Model(&models.Account{}).Where("balance > ?", me.Balance).Count(&ahead).Error; err != nil {
		return Ranking{}, err
	}
	var total int64
	if err := db.Model(&models.Account{}).Count(&total).Error; err != nil {
		return Ranking{}, err
	}

	var top []models.Account
	if err := db.Order("balance DESC").Order("created_at ASC").Limit(limit).Find(&top).Error; err != nil {
		return Ranking{}, err
	}
	out := Ranking{
		Me:         RankedUser{UserID: me.UserID, Username: me.Username, Balance: me.Balance, Position: ahead + 1},
		Top:        make([]RankedUser, 0, len(top)),
		TotalUsers: total,
	}
	for i, a := range top {
		pos := int64(i + 1)
		if i > 0 && a.Balance == out.Top[i-1].Balance {
			pos = out.Top[i-1].Position
		}
		out.Top = append(out.Top, RankedUser{UserID: a.UserID, Username: a.Username, Balance: a.Balance, Position: pos})
	}
	return out, nil
}
