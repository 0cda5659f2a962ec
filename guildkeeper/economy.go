package guildkeeper

import (
	"context"
	"errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"math"
	"math/rand"
	"time"
)

const (
	DailyRewardMin   = 100
	DailyRewardMax   = 500
	DailyRewardDelay = 24 * time.Hour

	columnLedgerBalance   = "balance"
	columnLedgerLastDaily = "last_daily"
)

// LedgerEntry holds a member's currency balance in a server. Entries
// are created lazily, and balances are only changed by increments.
type LedgerEntry struct {
	ModelUintID
	ServerID string `gorm:"uniqueIndex:idx_ledger_server_user;not null" json:"server_id"`
	UserID   string `gorm:"uniqueIndex:idx_ledger_server_user;not null" json:"user_id"`
	Balance  int64  `gorm:"not null;default:0" json:"balance"`

	// LastDaily is the unix time (milliseconds) of the last daily
	// reward claim, or 0 if the daily reward has never been claimed
	LastDaily int64 `gorm:"not null;default:0" json:"last_daily"`
	ModelUnixTime
}

// DailyClaim is the outcome of a daily reward claim
type DailyClaim struct {
	Granted bool

	// Reward is the amount added to the balance, if granted
	Reward int64

	// Balance is the balance after the claim
	Balance int64

	// Remaining is the time until the next claim is allowed, if
	// the claim was rejected
	Remaining time.Duration
}

// RemainingHours returns Remaining rounded up to whole hours. It's
// at least 1 for a rejected claim.
func (c DailyClaim) RemainingHours() int {
	if c.Granted {
		return 0
	}
	h := int(math.Ceil(c.Remaining.Hours()))
	if h < 1 {
		h = 1
	}
	return h
}

// Economy manages member balances and the daily reward.
//
// The daily reward uses a rolling window: a claim is allowed once
// DailyRewardDelay has elapsed since the previous claim. Checking the
// window and granting the reward are separate statements, so two
// concurrent claims by the same member can both succeed.
type Economy struct {
	db    DBI
	intN  func(n int) int
	clock func() time.Time
}

func NewEconomy(db DBI) *Economy {
	return &Economy{db: db, intN: rand.Intn, clock: time.Now}
}

// entry returns the member's ledger entry, creating it if needed
func (e *Economy) entry(ctx context.Context, serverID, userID string) (*LedgerEntry, error) {
	var entry LedgerEntry
	q := e.db.DB().WithContext(ctx).Where("server_id = ? AND user_id = ?", serverID, userID)
	err := q.Take(&entry).Error
	if err == nil {
		return &entry, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	entry = LedgerEntry{ServerID: serverID, UserID: userID}
	err = e.db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			if txErr := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error; txErr != nil {
				return txErr
			}
			return tx.Where("server_id = ? AND user_id = ?", serverID, userID).Take(&entry).Error
		},
	)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Balance returns the member's balance, creating an empty ledger
// entry if one doesn't exist
func (e *Economy) Balance(ctx context.Context, serverID, userID string) (int64, error) {
	entry, err := e.entry(ctx, serverID, userID)
	if err != nil {
		return 0, err
	}
	return entry.Balance, nil
}

// ClaimDaily grants a random reward in [DailyRewardMin, DailyRewardMax]
// if the member has never claimed it, or if at least DailyRewardDelay
// has passed since their last claim.
func (e *Economy) ClaimDaily(ctx context.Context, serverID, userID string) (DailyClaim, error) {
	now := e.clock()
	entry, err := e.entry(ctx, serverID, userID)
	if err != nil {
		return DailyClaim{}, err
	}

	if entry.LastDaily != 0 {
		elapsed := now.Sub(time.UnixMilli(entry.LastDaily))
		if elapsed < DailyRewardDelay {
			return DailyClaim{
				Balance:   entry.Balance,
				Remaining: DailyRewardDelay - elapsed,
			}, nil
		}
	}

	reward := int64(DailyRewardMin + e.intN(DailyRewardMax-DailyRewardMin+1))
	_, err = e.db.UpdatesWhere(
		ctx,
		&LedgerEntry{},
		map[string]any{
			columnLedgerBalance:   gorm.Expr(columnLedgerBalance+" + ?", reward),
			columnLedgerLastDaily: now.UnixMilli(),
		},
		"id = ?",
		entry.ID,
	)
	if err != nil {
		return DailyClaim{}, err
	}
	return DailyClaim{
		Granted: true,
		Reward:  reward,
		Balance: entry.Balance + reward,
	}, nil
}
