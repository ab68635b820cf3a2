package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// chatSessionModel is the relational row for one session. Messages are kept
// as a JSON document so an upsert replaces the whole transcript in one write.
type chatSessionModel struct {
	ID          string `gorm:"primaryKey;size:64;column:id"`
	UserID      string `gorm:"index:idx_chat_sessions_user_id;size:64;not null;default:'';column:user_id"`
	Title       string `gorm:"type:text;not null;column:title"`
	LastUpdated int64  `gorm:"index:idx_chat_sessions_last_updated;not null;column:last_updated"`
	Messages    string `gorm:"type:jsonb;not null;column:messages"`
}

func (chatSessionModel) TableName() string { return "chat_sessions" }

func toModel(s ChatSession) (chatSessionModel, error) {
	msgs, err := json.Marshal(s.Messages)
	if err != nil {
		return chatSessionModel{}, fmt.Errorf("marshal messages: %w", err)
	}
	return chatSessionModel{
		ID:          s.ID,
		UserID:      s.UserID,
		Title:       s.Title,
		LastUpdated: s.LastUpdated,
		Messages:    string(msgs),
	}, nil
}

func (m chatSessionModel) toDomain() (ChatSession, error) {
	s := ChatSession{
		ID:          m.ID,
		UserID:      m.UserID,
		Title:       m.Title,
		LastUpdated: m.LastUpdated,
	}
	if err := json.Unmarshal([]byte(m.Messages), &s.Messages); err != nil {
		return ChatSession{}, fmt.Errorf("unmarshal messages: %w", err)
	}
	return s, nil
}

// PostgresOptions tunes the connection pool of a PostgresStore.
type PostgresOptions struct {
	MaxOpen int
	MaxIdle int
	MaxLife time.Duration
}

// PostgresStore persists sessions in a Postgres table (e.g. a Supabase project).
type PostgresStore struct {
	db *gorm.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn, verifies the connection, and migrates the schema.
func NewPostgresStore(dsn string, opts PostgresOptions) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get underlying database connection: %w", err)
	}
	if opts.MaxOpen > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpen)
	}
	if opts.MaxIdle > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdle)
	}
	if opts.MaxLife > 0 {
		sqlDB.SetConnMaxLifetime(opts.MaxLife)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := db.AutoMigrate(&chatSessionModel{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Upsert(ctx context.Context, s ChatSession) error {
	if err := validate(s); err != nil {
		return persistErr("upsert", s.ID, err)
	}
	m, err := toModel(s)
	if err != nil {
		return persistErr("upsert", s.ID, err)
	}
	err = p.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&m).Error
	return persistErr("upsert", s.ID, err)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (ChatSession, error) {
	var m chatSessionModel
	err := p.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ChatSession{}, ErrNotFound
	}
	if err != nil {
		return ChatSession{}, persistErr("get", id, err)
	}
	s, err := m.toDomain()
	if err != nil {
		return ChatSession{}, persistErr("get", id, err)
	}
	return s, nil
}

func (p *PostgresStore) ListAll(ctx context.Context) ([]ChatSession, error) {
	var rows []chatSessionModel
	if err := p.db.WithContext(ctx).Order("last_updated DESC, id ASC").Find(&rows).Error; err != nil {
		return nil, persistErr("list", "", err)
	}
	out := make([]ChatSession, 0, len(rows))
	for _, m := range rows {
		s, err := m.toDomain()
		if err != nil {
			return nil, persistErr("list", m.ID, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res := p.db.WithContext(ctx).Delete(&chatSessionModel{}, "id = ?", id)
	if res.Error != nil {
		return persistErr("delete", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) UpdateTitle(ctx context.Context, id, title string) error {
	res := p.db.WithContext(ctx).Model(&chatSessionModel{}).Where("id = ?", id).Update("title", title)
	if res.Error != nil {
		return persistErr("update_title", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return fmt.Errorf("get underlying database connection: %w", err)
	}
	return sqlDB.Close()
}
