package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/edgefeed/edgefeed/pkg/config"
)

// bankrollLockKey is the advisory lock id serializing bankroll writers. Any
// process touching the single bankroll row takes this first.
const bankrollLockKey = 764231

// Store wraps the gorm handle. A nil Store is valid and does nothing.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open connects and migrates. An empty DSN returns (nil, nil): persistence
// off, engine on.
func Open(cfg config.StoreConfig, log *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		log.Info("no store DSN configured, persistence disabled")
		return nil, nil
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sql handle: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(
		&Game{},
		&GameState{},
		&Play{},
		&MarketPrice{},
		&TradingSignal{},
		&PaperTrade{},
		&ArbOpportunity{},
		&Bankroll{},
		&FuturesGame{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db, log: log.Named("store")}, nil
}

// --- Games and state ---

// UpsertGame creates or refreshes a game row.
func (s *Store) UpsertGame(ctx context.Context, g *Game) error {
	if s == nil || s.db == nil || g == nil {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
	}).Create(g).Error
}

// GetGame fetches one game row, nil when unknown.
func (s *Store) GetGame(ctx context.Context, gameID string) (*Game, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var g Game
	err := s.db.WithContext(ctx).First(&g, "id = ?", gameID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// SaveGameState appends one state snapshot.
func (s *Store) SaveGameState(ctx context.Context, gs *GameState) error {
	if s == nil || s.db == nil || gs == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(gs).Error
}

// SavePlays inserts new plays, ignoring ones already recorded.
func (s *Store) SavePlays(ctx context.Context, plays []Play) error {
	if s == nil || s.db == nil || len(plays) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "play_id"}},
		DoNothing: true,
	}).Create(&plays).Error
}

// SaveMarketPrice appends one venue quote.
func (s *Store) SaveMarketPrice(ctx context.Context, p *MarketPrice) error {
	if s == nil || s.db == nil || p == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(p).Error
}

// --- Signals and trades ---

// SaveSignal records a signal; repeats update the gate status only.
func (s *Store) SaveSignal(ctx context.Context, sig *TradingSignal) error {
	if s == nil || s.db == nil || sig == nil {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "signal_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "reason"}),
	}).Create(sig).Error
}

// CreateTrade opens a position. The unique signal_id index makes this the
// at-most-once barrier: a duplicate returns created=false with no error.
func (s *Store) CreateTrade(ctx context.Context, t *PaperTrade) (created bool, err error) {
	if s == nil || s.db == nil || t == nil {
		return true, nil
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "signal_id"}},
		DoNothing: true,
	}).Create(t)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CloseTrade records a position's exit.
func (s *Store) CloseTrade(ctx context.Context, signalID string, exitPrice, pnl decimal.Decimal, status string) error {
	if s == nil || s.db == nil {
		return nil
	}
	now := time.Now()
	return s.db.WithContext(ctx).Model(&PaperTrade{}).
		Where("signal_id = ? AND status = ?", signalID, "open").
		Updates(map[string]any{
			"exit_price":   exitPrice,
			"realized_pnl": pnl,
			"status":       status,
			"closed_at":    now,
		}).Error
}

// OpenTrades lists open positions, optionally for one game.
func (s *Store) OpenTrades(ctx context.Context, gameID string) ([]PaperTrade, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	q := s.db.WithContext(ctx).Where("status = ?", "open")
	if gameID != "" {
		q = q.Where("game_id = ?", gameID)
	}
	var out []PaperTrade
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// OpenTradesOlderThan lists open positions opened before the cutoff, the
// orphan-sweep input.
func (s *Store) OpenTradesOlderThan(ctx context.Context, cutoff time.Time) ([]PaperTrade, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var out []PaperTrade
	err := s.db.WithContext(ctx).
		Where("status = ? AND opened_at < ?", "open", cutoff).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveArb records a detected arbitrage opportunity.
func (s *Store) SaveArb(ctx context.Context, a *ArbOpportunity) error {
	if s == nil || s.db == nil || a == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(a).Error
}

// --- Bankroll ---

// LoadBankroll returns the single bankroll row, seeding it at initial when
// absent.
func (s *Store) LoadBankroll(ctx context.Context, initial decimal.Decimal) (*Bankroll, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var b Bankroll
	err := s.db.WithContext(ctx).First(&b, 1).Error
	if err == gorm.ErrRecordNotFound {
		b = Bankroll{ID: 1, Current: initial, DailyDate: time.Now().Format("2006-01-02")}
		if err := s.db.WithContext(ctx).Create(&b).Error; err != nil {
			return nil, err
		}
		return &b, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// UpdateBankroll applies fn to the bankroll row inside a transaction holding
// the advisory lock, so concurrent writers (execution, settlement, sweep)
// serialize instead of clobbering each other.
func (s *Store) UpdateBankroll(ctx context.Context, fn func(b *Bankroll) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", bankrollLockKey).Error; err != nil {
			return fmt.Errorf("bankroll lock: %w", err)
		}
		var b Bankroll
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&b, 1).Error; err != nil {
			return err
		}
		if err := fn(&b); err != nil {
			return err
		}
		return tx.Save(&b).Error
	})
}

// --- Futures handoff ---

// MarkFuturesHandedOff stamps handed_off_at once; repeats are no-ops.
func (s *Store) MarkFuturesHandedOff(ctx context.Context, gameID string) error {
	if s == nil || s.db == nil {
		return nil
	}
	now := time.Now()
	return s.db.WithContext(ctx).Model(&FuturesGame{}).
		Where("game_id = ? AND handed_off_at IS NULL", gameID).
		Update("handed_off_at", now).Error
}

// PendingFutures lists futures games not yet handed off.
func (s *Store) PendingFutures(ctx context.Context) ([]FuturesGame, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var out []FuturesGame
	if err := s.db.WithContext(ctx).Where("handed_off_at IS NULL").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
